package imapserver

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/usrlocalben/corvid/connio"
)

type tokenKind int

const (
	tokAtom tokenKind = iota
	tokString
	tokList
)

// token is one parsed element of a command's argument list: an atom
// (including numbers and flags), a quoted/literal string, or a
// parenthesized list of further tokens.
type token struct {
	kind tokenKind
	str  string
	list []token
}

func (t token) String() string { return t.str }

func (t token) Int() (int64, error) { return strconv.ParseInt(t.str, 10, 64) }

// rawCommand is one fully-read command line (literals included), before
// dispatch decides its handler and group.
type rawCommand struct {
	tag  string
	name string
	uid  bool
	args []token
}

// errLiteralTooLarge is returned when a client announces a literal exceeding
// the server's configured limit; the caller closes the connection, the
// same overlong-input response used for an overlong command line.
var errLiteralTooLarge = fmt.Errorf("imapserver: literal exceeds size limit")

// readCommand reads one logical IMAP command, transparently handling
// "{N}\r\n"/"{N+}\r\n" literals mid-line: on a synchronizing literal it
// writes "+ reading literal\r\n" before reading the N bytes. Blocking is
// fine here: each connection owns its goroutine (see conn.go), so a slow
// client only stalls its own session.
func (c *conn) readCommand() (*rawCommand, error) {
	line, err := c.bufpool.Readline(c.log, c.br)
	if err != nil {
		return nil, err
	}

	var parts []string
	var literals []string
	for {
		lit, rest, has := splitLiteralSuffix(line)
		if !has {
			parts = append(parts, rest)
			break
		}
		n, sync, err := parseLiteralSpec(lit)
		if err != nil {
			return nil, err
		}
		if c.srv.LiteralSizeLimit > 0 && n > c.srv.LiteralSizeLimit {
			return nil, errLiteralTooLarge
		}
		if sync {
			if _, err := io.WriteString(c.nc, "+ reading literal\r\n"); err != nil {
				return nil, err
			}
		}
		buf := make([]byte, n)
		restore := c.traceLevel(connio.TraceData)
		_, err = io.ReadFull(c.br, buf)
		restore()
		if err != nil {
			return nil, err
		}
		// Splice in an opaque placeholder (no spaces/parens) so the
		// atom/list tokenizer below never looks inside the literal's bytes.
		literals = append(literals, string(buf))
		parts = append(parts, rest+litPlaceholder(len(literals)-1))
		line, err = c.bufpool.Readline(c.log, c.br)
		if err != nil {
			return nil, err
		}
	}
	full := strings.Join(parts, " ")

	toks, err := tokenizeLine(full, literals)
	if err != nil {
		return nil, err
	}
	if len(toks) < 2 {
		return nil, fmt.Errorf("imapserver: short command line")
	}
	tag := toks[0].str
	name := strings.ToUpper(toks[1].str)
	rest := toks[2:]
	uid := false
	if name == "UID" && len(rest) > 0 {
		uid = true
		name = strings.ToUpper(rest[0].str)
		rest = rest[1:]
	}
	return &rawCommand{tag: tag, name: name, uid: uid, args: rest}, nil
}

// splitLiteralSuffix reports whether line ends with a "{N}" or "{N+}"
// literal-size marker, returning the marker text and the line with the
// marker removed.
func splitLiteralSuffix(line string) (marker string, rest string, has bool) {
	if !strings.HasSuffix(line, "}") {
		return "", line, false
	}
	i := strings.LastIndexByte(line, '{')
	if i < 0 {
		return "", line, false
	}
	inner := line[i+1 : len(line)-1]
	for _, r := range inner {
		if (r < '0' || r > '9') && r != '+' {
			return "", line, false
		}
	}
	if inner == "" {
		return "", line, false
	}
	return inner, line[:i], true
}

func parseLiteralSpec(marker string) (n int64, sync bool, err error) {
	sync = !strings.HasSuffix(marker, "+")
	numStr := strings.TrimSuffix(marker, "+")
	n, err = strconv.ParseInt(numStr, 10, 63)
	if err != nil {
		return 0, false, fmt.Errorf("imapserver: bad literal size %q: %w", marker, err)
	}
	return n, sync, nil
}

// litPlaceholder produces a short, space/paren-free token standing in for
// literal index i, substituted back to the real bytes by parseAtomOrLiteral.
func litPlaceholder(i int) string {
	return "\x01LIT" + strconv.Itoa(i) + "\x01"
}

// tokenizeLine does a pragmatic recursive-descent parse of IMAP's command
// argument grammar: atoms, "quoted strings", parenthesized lists, and the
// opaque literal placeholders readCommand spliced in.
func tokenizeLine(s string, literals []string) ([]token, error) {
	p := &lineParser{s: s, literals: literals}
	var toks []token
	for {
		p.skipSpace()
		if p.atEnd() {
			break
		}
		t, err := p.parseToken()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
	}
	return toks, nil
}

type lineParser struct {
	s        string
	pos      int
	literals []string
}

func (p *lineParser) atEnd() bool { return p.pos >= len(p.s) }

func (p *lineParser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *lineParser) parseToken() (token, error) {
	switch p.s[p.pos] {
	case '(':
		return p.parseList()
	case '"':
		return p.parseQuoted()
	default:
		return p.parseAtomOrLiteral()
	}
}

func (p *lineParser) parseList() (token, error) {
	p.pos++ // consume '('
	var items []token
	for {
		p.skipSpace()
		if p.atEnd() {
			return token{}, fmt.Errorf("imapserver: unterminated list")
		}
		if p.s[p.pos] == ')' {
			p.pos++
			return token{kind: tokList, list: items}, nil
		}
		t, err := p.parseToken()
		if err != nil {
			return token{}, err
		}
		items = append(items, t)
	}
}

func (p *lineParser) parseQuoted() (token, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for {
		if p.atEnd() {
			return token{}, fmt.Errorf("imapserver: unterminated quoted string")
		}
		c := p.s[p.pos]
		if c == '\\' && p.pos+1 < len(p.s) {
			b.WriteByte(p.s[p.pos+1])
			p.pos += 2
			continue
		}
		if c == '"' {
			p.pos++
			return token{kind: tokString, str: b.String()}, nil
		}
		b.WriteByte(c)
		p.pos++
	}
}

// parseAtomOrLiteral scans a bare atom, stopping at the first unbracketed
// space or paren. A '['...']' run (as in "BODY[HEADER.FIELDS (From To)]")
// is consumed whole, parens and spaces included, so a FETCH section-spec's
// field-name list rides along in the same token instead of being split
// into three; parseFetchAttr picks it apart afterward.
func (p *lineParser) parseAtomOrLiteral() (token, error) {
	start := p.pos
	depth := 0
loop:
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ' ', '(', ')':
			if depth == 0 {
				break loop
			}
		}
		p.pos++
	}
	raw := p.s[start:p.pos]
	if strings.HasPrefix(raw, "\x01LIT") && strings.HasSuffix(raw, "\x01") {
		idxStr := strings.TrimSuffix(strings.TrimPrefix(raw, "\x01LIT"), "\x01")
		if idx, err := strconv.Atoi(idxStr); err == nil && idx >= 0 && idx < len(p.literals) {
			return token{kind: tokString, str: p.literals[idx]}, nil
		}
	}
	return token{kind: tokAtom, str: raw}, nil
}
