package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/usrlocalben/corvid/mlog"
	"github.com/usrlocalben/corvid/queue"
	"github.com/usrlocalben/corvid/smtpaddr"
	"github.com/usrlocalben/corvid/store"
)

// connState is the per-connection position in the Greeting -> After-EHLO
// -> After-MAIL -> After-RCPT* -> Data/BDAT -> Done sequence; RSET
// returns to After-EHLO.
type connState int

const (
	stGreeting connState = iota
	stAfterEHLO
	stAfterMAIL
	stAfterRCPT
	stDone
)

// rcptTxn is one accepted RCPT TO within the current transaction, carrying
// both its wire address and the disposition Sieve returned for it.
type rcptTxn struct {
	path smtpaddr.Path
	plan RecipientPlan
}

// conn is one SMTP/Submission/LMTP connection, run sequentially to
// completion on its own goroutine; there is no command pipelining in this
// protocol (unlike IMAP) so no scheduler is needed beyond the state
// machine itself. Grounded on mjl--mox/smtpserver/server.go's conn,
// trimmed of its DKIM/DMARC/SPF/reputation analysis (out of this system's
// scope; see DESIGN.md).
type conn struct {
	ctx context.Context
	srv *Server
	cid int64
	log mlog.Log

	nc net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	peer string

	state     connState
	helloHost string
	chunking  bool // Client has used BDAT at least once this transaction.

	mailFrom smtpaddr.Path
	fromUTF8 bool
	rcpts    []rcptTxn
	body     bytes.Buffer

	closed bool
}

func newConn(ctx context.Context, s *Server, cid int64, log mlog.Log, nc net.Conn, br *bufio.Reader, peer string) *conn {
	return &conn{
		ctx:  ctx,
		srv:  s,
		cid:  cid,
		log:  log,
		nc:   nc,
		br:   br,
		bw:   bufio.NewWriter(nc),
		peer: peer,
	}
}

func (c *conn) run() {
	defer c.cleanup()

	c.writeLine(fmt.Sprintf("220 %s (%s) %s", c.srv.Hostname, c.srv.Kind.bannerProto(), time.Now().UTC().Format(time.RFC1123Z)))

	c.nc.SetReadDeadline(time.Now().Add(5 * time.Minute))

	for !c.closed {
		line, err := c.readLine()
		if err != nil {
			if err == errLineTooLong {
				c.writeLine("500 line too long")
			} else if err != io.EOF {
				c.log.Infox("reading command", err)
			}
			return
		}
		c.dispatch(line)
		if c.state == stDone {
			return
		}
	}
}

func (c *conn) dispatch(line string) {
	verb, rest := splitVerb(line)
	switch strings.ToUpper(verb) {
	case "EHLO", "LHLO", "HELO":
		c.cmdHello(verb, rest)
	case "MAIL":
		c.cmdMail(rest)
	case "RCPT":
		c.cmdRcpt(rest)
	case "DATA":
		c.cmdData()
	case "BDAT":
		c.cmdBdat(rest)
	case "RSET":
		c.reset()
		c.writeLine("250 2.0.0 OK")
	case "NOOP":
		c.writeLine("250 2.0.0 OK")
	case "QUIT":
		c.writeLine("221 2.0.0 closing connection")
		c.state = stDone
	case "VRFY":
		c.writeLine("252 2.1.5 try RCPT TO and see")
	default:
		c.writeLine("500 5.5.2 unrecognized command")
	}
}

func (c *conn) cmdHello(verb, rest string) {
	host := strings.TrimSpace(rest)
	wantVerb := c.srv.Kind.helloVerb()
	if !strings.EqualFold(verb, wantVerb) && !strings.EqualFold(verb, "HELO") {
		c.writeLine(fmt.Sprintf("501 5.5.4 use %s", wantVerb))
		return
	}
	c.helloHost = host
	c.reset()
	c.state = stAfterEHLO
	if strings.EqualFold(verb, "HELO") {
		c.writeLine(fmt.Sprintf("250 %s", c.srv.Hostname))
		return
	}
	lines := []string{fmt.Sprintf("250-%s", c.srv.Hostname)}
	lines = append(lines, "250-PIPELINING", "250-8BITMIME", "250-ENHANCEDSTATUSCODES", "250-CHUNKING", "250-SMTPUTF8")
	if c.srv.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("250-SIZE %d", c.srv.MaxMessageSize))
	}
	lines = append(lines, "250 BURL imap")
	for _, l := range lines {
		c.writeLine(l)
	}
}

func (c *conn) cmdMail(rest string) {
	if c.state < stAfterEHLO {
		c.writeLine("503 5.5.1 send EHLO first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(rest), "FROM:") {
		c.writeLine("501 5.5.4 syntax: MAIL FROM:<addr>")
		return
	}
	path, paramStr, err := parsePath(rest[len("FROM:"):])
	if err != nil {
		c.writeLine("501 5.1.7 bad sender address: " + err.Error())
		return
	}
	params := parseParams(paramStr)
	if c.srv.MaxMessageSize > 0 && params.size > c.srv.MaxMessageSize {
		c.writeLine(fmt.Sprintf("552 5.3.4 message size %d exceeds limit %d", params.size, c.srv.MaxMessageSize))
		return
	}
	c.mailFrom = path
	c.fromUTF8 = params.smtpUTF8
	c.rcpts = nil
	c.body.Reset()
	c.chunking = false
	c.state = stAfterMAIL
	c.writeLine("250 2.1.0 OK")
}

func (c *conn) cmdRcpt(rest string) {
	if c.state != stAfterMAIL && c.state != stAfterRCPT {
		c.writeLine("503 5.5.1 send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(rest), "TO:") {
		c.writeLine("501 5.5.4 syntax: RCPT TO:<addr>")
		return
	}
	path, paramStr, err := parsePath(rest[len("TO:"):])
	if err != nil {
		c.writeLine("501 5.1.3 bad recipient address: " + err.Error())
		return
	}
	params := parseParams(paramStr)

	plan, err := c.srv.Discloser.Disclose(c.ctx, path)
	if err != nil {
		c.log.Errorx("disclosing recipient", err, mlog.Field("rcpt", path.String()))
		c.writeLine("451 4.3.0 temporary server error")
		return
	}
	if plan.Disposition == DispositionReject {
		c.writeLine(fmt.Sprintf("%d %s %s", plan.RejectCode, plan.RejectEcode, plan.RejectText))
		return
	}
	if params.burl != "" {
		data, err := c.srv.BurlFetcher.Fetch(c.ctx, params.burl)
		if err != nil {
			c.writeLine("554 5.6.6 BURL fetch failed: " + err.Error())
			return
		}
		c.body.Reset()
		c.body.Write(data)
	}
	c.rcpts = append(c.rcpts, rcptTxn{path: path, plan: plan})
	c.state = stAfterRCPT
	c.writeLine("250 2.1.5 OK")
}

func (c *conn) cmdData() {
	if c.state != stAfterRCPT {
		c.writeLine("503 5.5.1 send RCPT TO first")
		return
	}
	if c.chunking {
		c.writeLine("503 5.5.1 DATA not valid after BDAT")
		return
	}
	c.writeLine("354 go ahead")
	if err := c.readDotStuffed(); err != nil {
		c.log.Infox("reading DATA body", err)
		c.closed = true
		return
	}
	c.finishTransaction()
}

// cmdBdat implements CHUNKING (RFC 3030): "BDAT size [LAST]" followed by
// exactly size raw bytes (no dot-stuffing). The final chunk (LAST) drives
// the same accept/deliver/spool logic as a DATA terminator.
func (c *conn) cmdBdat(rest string) {
	if c.state != stAfterRCPT {
		c.writeLine("503 5.5.1 send RCPT TO first")
		return
	}
	c.chunking = true
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		c.writeLine("501 5.5.4 syntax: BDAT size [LAST]")
		return
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		c.writeLine("501 5.5.4 bad chunk size")
		return
	}
	last := len(fields) > 1 && strings.EqualFold(fields[1], "LAST")

	buf := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(c.br, buf); err != nil {
			c.log.Infox("reading BDAT chunk", err)
			c.closed = true
			return
		}
	}
	c.body.Write(buf)
	if int64(c.body.Len()) > c.srv.MaxMessageSize && c.srv.MaxMessageSize > 0 {
		c.writeLine("552 5.3.4 message size exceeds limit")
		c.reset()
		return
	}
	if !last {
		c.writeLine(fmt.Sprintf("250 2.0.0 %d bytes received", size))
		return
	}
	c.writeLine(fmt.Sprintf("250 2.0.0 %d bytes received, message complete", size))
	c.finishTransaction()
}

// finishTransaction runs the accepted-DATA transaction: one AppendTx per
// local recipient's mailbox plus one EnqueueTx for every recipient Sieve
// forwarded to the spool, all under a single *sql.Tx so a crash partway
// through a multi-recipient fan-out can't leave some mailboxes holding the
// message and others (or the spool row) without it. Commits once, then
// broadcasts and NOTIFYs, and emits the LMTP per-recipient response shape
// when applicable.
func (c *conn) finishTransaction() {
	data := c.body.Bytes()
	var forward []smtpaddr.Path
	type localResult struct {
		rcpt      smtpaddr.Path
		mailbox   int64
		accountID int64
		uid       store.UID
		modSeq    store.ModSeq
		err       error
	}
	var locals []localResult

	tx, err := c.srv.DB.BeginTx(c.ctx)
	if err != nil {
		c.log.Errorx("starting delivery transaction", err)
		c.failAll(len(c.rcpts))
		c.reset()
		return
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for _, r := range c.rcpts {
		switch r.plan.Disposition {
		case DispositionLocal:
			acc, err := accountByID(c.ctx, c.srv.DB, c.srv.Cache, r.plan.AccountID)
			lr := localResult{rcpt: r.path, mailbox: r.plan.MailboxID, accountID: r.plan.AccountID, err: err}
			if err == nil {
				lr.uid, lr.modSeq, lr.err = acc.AppendTx(c.ctx, tx, r.plan.MailboxID, int64(len(data)), time.Now(), store.Flags{}, nil, nil, nil)
			}
			locals = append(locals, lr)
		case DispositionForward:
			forward = append(forward, r.path)
		}
	}

	var deliveryID int64
	var enqueueErr error
	if len(forward) > 0 {
		deliveryID, enqueueErr = queue.EnqueueTx(c.ctx, tx, c.mailFrom, forward, data, time.Time{}, 4*24*time.Hour)
		if enqueueErr != nil {
			c.log.Errorx("enqueuing spool delivery", enqueueErr)
		}
	}

	anyErr := enqueueErr != nil
	for _, l := range locals {
		if l.err != nil {
			anyErr = true
		}
	}

	if anyErr {
		// One failure anywhere means nothing committed, so every
		// recipient that looked like a success above is reported as
		// failed too: none of it is actually durable.
		for i := range locals {
			if locals[i].err == nil {
				locals[i].err = fmt.Errorf("delivery transaction aborted by a sibling recipient's failure")
			}
		}
	} else {
		if err := tx.Commit(); err != nil {
			c.log.Errorx("committing delivery transaction", err)
			c.failAll(len(c.rcpts))
			c.reset()
			return
		}
		committed = true
		for _, l := range locals {
			acc, err := accountByID(c.ctx, c.srv.DB, c.srv.Cache, l.accountID)
			if err != nil {
				continue
			}
			store.Broadcast(acc.ID, nil, []store.Change{store.ChangeAddUID{MailboxID: l.mailbox, UID: l.uid, ModSeq: l.modSeq}})
		}
		if len(forward) > 0 {
			if err := c.srv.DB.Notify(c.ctx, queue.NotifyChannel, fmt.Sprint(deliveryID)); err != nil {
				c.log.Infox("notifying deliveries_updated", err)
			}
		}
	}

	if c.srv.Kind == KindLMTP {
		for _, l := range locals {
			if l.err != nil {
				c.writeLine("451 4.3.0 delivery failed: " + l.err.Error())
			} else {
				c.writeLine("250 2.0.0 delivered")
			}
		}
		for range forward {
			if anyErr {
				c.writeLine("451 4.3.0 delivery failed")
			} else {
				c.writeLine("250 2.0.0 queued for relay")
			}
		}
	} else if anyErr {
		c.writeLine("451 4.3.0 delivery failed")
	} else {
		c.writeLine("250 2.0.0 message accepted for delivery")
	}

	c.reset()
}

// failAll writes n LMTP failure lines, or one SMTP/Submission failure
// line, for a transaction that never got far enough to open (or commit) a
// delivery transaction at all.
func (c *conn) failAll(n int) {
	if c.srv.Kind == KindLMTP {
		for i := 0; i < n; i++ {
			c.writeLine("451 4.3.0 delivery failed")
		}
		return
	}
	c.writeLine("451 4.3.0 delivery failed")
}

func (c *conn) reset() {
	c.mailFrom = smtpaddr.Path{}
	c.fromUTF8 = false
	c.rcpts = nil
	c.body.Reset()
	c.chunking = false
	if c.state > stAfterEHLO {
		c.state = stAfterEHLO
	}
}

func (c *conn) writeLine(s string) {
	c.bw.WriteString(s)
	c.bw.WriteString("\r\n")
	c.bw.Flush()
}

var errLineTooLong = fmt.Errorf("smtpserver: line exceeds %d bytes", maxLineLength)

// readLine reads one CRLF-terminated command line, enforcing the
// maxLineLength ceiling.
func (c *conn) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		if len(line) > 0 && err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) > maxLineLength {
		return "", errLineTooLong
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readDotStuffed reads a DATA body terminated by a line consisting of a
// single ".", un-dot-stuffing lines that begin with "." and canonicalizing
// bare CR/LF into CRLF, into c.body. This is un-dot-stuff(dot-stuff(B)) =
// canonicalise-CRLF(B)'s inverse direction (§8's round-trip property).
func (c *conn) readDotStuffed() error {
	c.body.Reset()
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			return nil
		}
		if strings.HasPrefix(trimmed, "..") {
			trimmed = trimmed[1:]
		} else if strings.HasPrefix(trimmed, ".") {
			trimmed = trimmed[1:]
		}
		c.body.WriteString(trimmed)
		c.body.WriteString("\r\n")
		if c.srv.MaxMessageSize > 0 && int64(c.body.Len()) > c.srv.MaxMessageSize {
			return fmt.Errorf("message exceeds size limit")
		}
	}
}

func (c *conn) cleanup() {
	c.closed = true
	c.nc.Close()
}

func splitVerb(line string) (verb, rest string) {
	line = strings.TrimSpace(line)
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return line, ""
	}
	return line[:sp], line[sp+1:]
}

// accountByID loads an Account by its already-resolved id, bypassing the
// email-lookup path OpenAccount normally takes since the Discloser already
// did that resolution once.
func accountByID(ctx context.Context, db *store.DB, cache *store.Cache, id int64) (*store.Account, error) {
	var email string
	row := db.SQL().QueryRowContext(ctx, `SELECT email FROM accounts WHERE id = $1`, id)
	if err := row.Scan(&email); err != nil {
		return nil, fmt.Errorf("loading account %d: %w", id, err)
	}
	return store.OpenAccount(ctx, db, cache, email)
}
