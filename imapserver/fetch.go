package imapserver

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/usrlocalben/corvid/store"
)

// fetchAttr is one parsed FETCH attribute: either a whole-message item
// (FLAGS, UID, ENVELOPE, ...) or a BODY[section]<partial> reference.
type fetchAttr struct {
	name    string   // Upper-cased attribute name as it should appear in the response, e.g. "BODY[HEADER]".
	section string   // "" for whole-part sections like BODY[1.2] or BODY[]; else HEADER/TEXT/MIME/HEADER.FIELDS/HEADER.FIELDS.NOT.
	part    []int    // Dotted part-number address; nil for the top-level message.
	fields  []string // Requested header names for HEADER.FIELDS(.NOT); nil otherwise.
	peek    bool
	partial *[2]int64

	// annoEntries/annoAttribs hold ANNOTATION's entry-match and
	// attrib-match patterns (RFC 5257); both nil means "match everything",
	// matching ANNOTATION given with no argument at all.
	annoEntries []string
	annoAttribs []string
}

// expandFetchAttrs normalizes a FETCH attribute-list token (an atom macro
// like ALL/FAST/FULL, a bare atom, or a parenthesized list) into the
// concrete attribute names the wire argument denotes. ANNOTATION is the
// one attribute with its own argument list ("ANNOTATION (entry attrib)")
// riding alongside it as a second list item rather than folded into one
// atom the way BODY[]'s brackets are, so it's reassembled here into a
// single string parseFetchAttr can pick apart.
func expandFetchAttrs(t token) []string {
	if t.kind == tokList {
		var names []string
		for i := 0; i < len(t.list); i++ {
			it := t.list[i]
			if strings.EqualFold(it.str, "ANNOTATION") && i+1 < len(t.list) && t.list[i+1].kind == tokList {
				names = append(names, "ANNOTATION "+tokenText(t.list[i+1]))
				i++
				continue
			}
			names = append(names, it.str)
		}
		return names
	}
	switch strings.ToUpper(t.str) {
	case "ALL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}
	case "FAST":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}
	case "FULL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"}
	default:
		return []string{t.str}
	}
}

// tokenText renders t back to its wire text, used to re-serialize a
// fetch-attribute argument list for parseFetchAttr.
func tokenText(t token) string {
	if t.kind == tokList {
		parts := make([]string, len(t.list))
		for i, it := range t.list {
			parts[i] = tokenText(it)
		}
		return "(" + strings.Join(parts, " ") + ")"
	}
	return t.str
}

// parseFetchAttr classifies one raw attribute name into a fetchAttr,
// picking apart BODY[section]<partial>/BODY.PEEK[section] forms.
func parseFetchAttr(raw string) (fetchAttr, error) {
	upper := strings.ToUpper(raw)
	if upper == "ANNOTATION" {
		return fetchAttr{name: upper, peek: true}, nil
	}
	if strings.HasPrefix(upper, "ANNOTATION ") {
		entries, attribs, err := parseAnnotationSpec(raw[len("ANNOTATION "):])
		if err != nil {
			return fetchAttr{}, err
		}
		return fetchAttr{name: "ANNOTATION", annoEntries: entries, annoAttribs: attribs, peek: true}, nil
	}

	peek := false
	base := upper
	if strings.HasPrefix(upper, "BODY.PEEK[") {
		peek = true
		base = "BODY[" + upper[len("BODY.PEEK["):]
	}
	if !strings.HasPrefix(base, "BODY[") {
		return fetchAttr{name: upper, peek: true}, nil
	}

	rest := base[len("BODY["):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return fetchAttr{}, fmt.Errorf("malformed BODY[] attribute %q", raw)
	}
	spec := rest[:end]
	tail := rest[end+1:]

	var partial *[2]int64
	if strings.HasPrefix(tail, "<") && strings.HasSuffix(tail, ">") {
		nums := strings.SplitN(tail[1:len(tail)-1], ".", 2)
		if len(nums) == 2 {
			start, err1 := strconv.ParseInt(nums[0], 10, 64)
			n, err2 := strconv.ParseInt(nums[1], 10, 64)
			if err1 == nil && err2 == nil {
				partial = &[2]int64{start, n}
			}
		}
	}

	section, part, fields, err := parseSectionSpec(spec)
	if err != nil {
		return fetchAttr{}, err
	}

	name := "BODY[" + rest[:end] + "]"
	if partial != nil {
		name += fmt.Sprintf("<%d>", partial[0])
	}
	return fetchAttr{name: name, section: section, part: part, fields: fields, peek: peek, partial: partial}, nil
}

// parseSectionSpec picks apart a BODY[]'s interior (already upper-cased by
// the caller), e.g. "1.2.HEADER.FIELDS (FROM TO)", into a dotted
// part-number path, a section keyword, and, for HEADER.FIELDS and
// HEADER.FIELDS.NOT (RFC 3501 §6.4.5), the requested header names.
func parseSectionSpec(spec string) (section string, part []int, fields []string, err error) {
	headPart := spec
	var fieldsRaw string
	if i := strings.Index(spec, " ("); i >= 0 && strings.HasSuffix(spec, ")") {
		headPart = spec[:i]
		fieldsRaw = spec[i+2 : len(spec)-1]
	}

	switch {
	case strings.HasSuffix(headPart, "HEADER.FIELDS.NOT"):
		section = "HEADER.FIELDS.NOT"
		headPart = strings.TrimSuffix(headPart, "HEADER.FIELDS.NOT")
	case strings.HasSuffix(headPart, "HEADER.FIELDS"):
		section = "HEADER.FIELDS"
		headPart = strings.TrimSuffix(headPart, "HEADER.FIELDS")
	case strings.HasSuffix(headPart, "HEADER"):
		section = "HEADER"
		headPart = strings.TrimSuffix(headPart, "HEADER")
	case strings.HasSuffix(headPart, "TEXT"):
		section = "TEXT"
		headPart = strings.TrimSuffix(headPart, "TEXT")
	case strings.HasSuffix(headPart, "MIME"):
		section = "MIME"
		headPart = strings.TrimSuffix(headPart, "MIME")
	}
	headPart = strings.TrimSuffix(headPart, ".")

	if headPart != "" {
		for _, s := range strings.Split(headPart, ".") {
			n, convErr := strconv.Atoi(s)
			if convErr != nil {
				return "", nil, nil, fmt.Errorf("malformed part number in %q", spec)
			}
			part = append(part, n)
		}
	}

	switch {
	case fieldsRaw != "":
		fields = strings.Fields(fieldsRaw)
	case section == "HEADER.FIELDS" || section == "HEADER.FIELDS.NOT":
		return "", nil, nil, fmt.Errorf("%s requires a field-name list in %q", section, spec)
	}
	return section, part, fields, nil
}

// parseAnnotationSpec parses ANNOTATION's "(entry-match attrib-match)"
// argument (RFC 5257 §4.2), where either match is a single atom (often a
// '*'/'%' wildcard pattern) or a parenthesized list of atoms.
func parseAnnotationSpec(s string) (entries, attribs []string, err error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, nil, fmt.Errorf("malformed ANNOTATION argument %q", s)
	}
	s = s[1 : len(s)-1]
	entryPart, attribPart := splitTopLevelField(s)
	return splitAtomOrList(entryPart), splitAtomOrList(attribPart), nil
}

// splitTopLevelField splits s at its first space outside any paren
// nesting, returning the field before it and everything after.
func splitTopLevelField(s string) (first, rest string) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ' ':
			if depth == 0 {
				return s[:i], strings.TrimSpace(s[i+1:])
			}
		}
	}
	return s, ""
}

func splitAtomOrList(s string) []string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return strings.Fields(s[1 : len(s)-1])
	}
	if s == "" {
		return nil
	}
	return []string{s}
}

// matchAnnotationEntry reports whether entry matches one of pats, using
// the same '*'/'%' wildcard rules as LIST mailbox patterns: '*' matches
// any run of characters, '%' matches any run not containing '/'. No
// patterns at all (a bare ANNOTATION attribute) matches everything.
func matchAnnotationEntry(entry string, pats []string) bool {
	if len(pats) == 0 {
		return true
	}
	for _, p := range pats {
		if annotationPatternRegexp(p).MatchString(entry) {
			return true
		}
	}
	return false
}

func annotationPatternRegexp(pat string) *regexp.Regexp {
	var rs strings.Builder
	rs.WriteString("^(?:")
	for _, c := range pat {
		switch c {
		case '%':
			rs.WriteString("[^/]*")
		case '*':
			rs.WriteString(".*")
		default:
			rs.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	rs.WriteString(")$")
	re, err := regexp.Compile(rs.String())
	if err != nil {
		return regexp.MustCompile("^$")
	}
	return re
}

// annotationWant reports, from ANNOTATION's attrib-match patterns, whether
// the priv and/or shared side of each entry should be included. No
// patterns means both.
func annotationWant(attribs []string) (priv, shared bool) {
	if len(attribs) == 0 {
		return true, true
	}
	for _, a := range attribs {
		switch strings.ToLower(a) {
		case "*", "value", "value.priv", "size.priv":
			priv = true
		}
		switch strings.ToLower(a) {
		case "*", "value", "value.shared", "size.shared":
			shared = true
		}
	}
	return priv, shared
}

// planFacets computes the union of store.Facet values LoadFacets needs to
// satisfy attrs.
func planFacets(attrs []fetchAttr) store.Facet {
	var want store.Facet
	for _, a := range attrs {
		switch {
		case a.name == "FLAGS":
			want |= store.FacetFlags
		case a.name == "INTERNALDATE" || a.name == "RFC822.SIZE":
			want |= store.FacetTrivia
		case a.name == "ENVELOPE":
			want |= store.FacetHeader | store.FacetAddresses
		case a.name == "BODY" || a.name == "BODYSTRUCTURE":
			want |= store.FacetPartNumbers | store.FacetBody
		case strings.HasPrefix(a.name, "BODY["):
			want |= store.FacetPartNumbers | store.FacetBody
		case a.name == "ANNOTATION":
			want |= store.FacetAnnotations
		}
	}
	return want
}

// anyBodySectionTouchesSeen reports whether attrs include a non-.PEEK
// BODY[section], which per RFC 3501 §6.4.5 implicitly sets \Seen.
func anyBodySectionTouchesSeen(attrs []fetchAttr) bool {
	for _, a := range attrs {
		if strings.HasPrefix(a.name, "BODY[") && !a.peek {
			return true
		}
	}
	return false
}

// findPart walks root by its dotted path, returning nil if the path
// doesn't resolve (e.g. the client named a part number that doesn't
// exist). A message/rfc822 part is descended into through its Message.
func findPart(root *store.Part, path []int) *store.Part {
	cur := root
	for _, n := range path {
		if cur == nil {
			return nil
		}
		if cur.IsMessage() && cur.Message != nil {
			cur = cur.Message
		}
		if n < 1 || n > len(cur.Parts) {
			return nil
		}
		cur = &cur.Parts[n-1]
	}
	return cur
}

// formatBodySection renders one BODY[section]<partial> attribute's value.
// Raw encoded bytes live outside the relational facet rows entirely (see
// store.ContentFetcher); a target part whose byte range was never
// recorded by the external parser (store.Part.HasOffsets) falls back to a
// correctly-quoted empty literal instead of fetching content that isn't
// available, so the response stays syntactically valid.
func formatBodySection(ctx context.Context, fetcher store.ContentFetcher, contentID int64, m *store.Message, a fetchAttr) string {
	target := m.Root
	if len(a.part) > 0 {
		target = findPart(m.Root, a.part)
	}
	if target == nil || fetcher == nil || !target.HasOffsets() {
		return `""`
	}

	var start, end int64
	switch {
	case a.section == "HEADER", a.section == "MIME", a.section == "HEADER.FIELDS", a.section == "HEADER.FIELDS.NOT":
		start, end = target.HeaderOffset, target.BodyOffset
	case a.section == "TEXT":
		start, end = target.BodyOffset, target.EndOffset
	case a.section == "" && len(a.part) == 0:
		// BODY[] on the root addresses the whole message, header included
		// (RFC 3501 §6.4.5); BODY[n] on a nested part is content-only.
		start, end = target.HeaderOffset, target.EndOffset
	case a.section == "":
		start, end = target.BodyOffset, target.EndOffset
	default:
		return `""`
	}

	b, err := fetcher.ReadRange(ctx, contentID, start, end)
	if err != nil {
		return `""`
	}
	if a.section == "HEADER.FIELDS" || a.section == "HEADER.FIELDS.NOT" {
		b = filterHeaderFields(b, a.fields, a.section == "HEADER.FIELDS.NOT")
	}
	if a.partial != nil {
		off, n := a.partial[0], a.partial[1]
		if off < 0 || off > int64(len(b)) {
			b = nil
		} else {
			b = b[off:]
			if n < int64(len(b)) {
				b = b[:n]
			}
		}
	}
	return fmt.Sprintf("{%d}\r\n%s", len(b), b)
}

// filterHeaderFields reduces a raw RFC 822 header block to the lines whose
// field name is in fields (or, when not is true, the lines whose name
// isn't), joining folded continuation lines to their field before
// matching, and always emits the terminating blank line regardless of
// whether anything matched.
func filterHeaderFields(raw []byte, fields []string, not bool) []byte {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[strings.ToUpper(f)] = true
	}

	var out strings.Builder
	var cur string
	flush := func() {
		if cur == "" {
			return
		}
		name := cur
		if i := strings.IndexByte(cur, ':'); i >= 0 {
			name = strings.ToUpper(strings.TrimSpace(cur[:i]))
		}
		if want[name] != not {
			out.WriteString(cur)
			out.WriteString("\r\n")
		}
		cur = ""
	}
	for _, line := range strings.Split(string(raw), "\r\n") {
		if line == "" {
			flush()
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && cur != "" {
			cur += "\r\n" + line
			continue
		}
		flush()
		cur = line
	}
	flush()
	out.WriteString("\r\n")
	return []byte(out.String())
}

// formatFetchValue renders one attribute's value (without its name) for
// inclusion in a FETCH response's attribute-pair list.
func formatFetchValue(ctx context.Context, fetcher store.ContentFetcher, m *store.Message, recent bool, a fetchAttr) string {
	switch {
	case a.name == "FLAGS":
		return formatFlags(m, recent)
	case a.name == "UID":
		return fmt.Sprint(m.UID)
	case a.name == "INTERNALDATE":
		return formatDate(m.Received)
	case a.name == "RFC822.SIZE":
		return fmt.Sprint(m.Size)
	case a.name == "ENVELOPE":
		return formatEnvelope(m.Envelope)
	case a.name == "BODY":
		return formatBodyStructure(m.Root, false)
	case a.name == "BODYSTRUCTURE":
		return formatBodyStructure(m.Root, true)
	case strings.HasPrefix(a.name, "BODY["):
		return formatBodySection(ctx, fetcher, m.ID, m, a)
	case a.name == "ANNOTATION":
		priv, shared := annotationWant(a.annoAttribs)
		var parts []string
		for _, an := range m.Annotations {
			if !matchAnnotationEntry(an.Entry, a.annoEntries) {
				continue
			}
			parts = append(parts, formatAnnotation(an, priv, shared))
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return "NIL"
	}
}

// formatFetchResponse renders one full "* <msn> FETCH (...)" line for m.
func formatFetchResponse(ctx context.Context, fetcher store.ContentFetcher, msn int, m *store.Message, recent bool, attrs []fetchAttr) string {
	var pairs []string
	for _, a := range attrs {
		pairs = append(pairs, a.name, formatFetchValue(ctx, fetcher, m, recent, a))
	}
	return fmt.Sprintf("* %d FETCH (%s)", msn, strings.Join(pairs, " "))
}
