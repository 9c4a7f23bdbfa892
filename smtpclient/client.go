// Package smtpclient implements the outbound SMTP client state machine
// the queue's DeliveryAgent drives: connect, EHLO/extension negotiation,
// MAIL FROM/RCPT TO/DATA, dot-stuffed body transmission with a
// write-progress timeout monitor, and an idle connection pool so repeat
// deliveries to the same host reuse a session. Grounded on
// mjl--mox/smtpclient/client.go, trimmed of TLSRPT/DANE/DNSSEC reporting
// and SASL auth (this system's outbound leg is unauthenticated relay),
// while keeping its state-enum/response-parsing idiom.
package smtpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/usrlocalben/corvid/mlog"
)

// state is the client's position in the Invalid -> Connected -> Banner ->
// Hello -> MailFrom -> RcptTo* -> Data -> Body -> Rset -> idle-pool -> Quit
// sequence.
type state int

const (
	stateInvalid state = iota
	stateConnected
	stateBanner
	stateHello
	stateMailFrom
	stateRcptTo
	stateData
	stateBody
	stateIdle
	stateQuit
)

// Response is one recipient's outcome from DeliverMultiple: the raw SMTP
// reply code/enhanced-code/text, classified into Delayed (4xx)/Failed
// (5xx) by its code; the default-code table below supplies the enhanced
// code when the reply text carries none.
type Response struct {
	Code    int
	Ecode   string
	Text    string
	Delayed bool
	Failed  bool
}

// defaultEcodes maps a 3-digit reply code to the enhanced status code
// used when the server's reply text carries none.
var defaultEcodes = map[int]string{
	421: "4.3.0",
	450: "4.2.0",
	451: "4.3.0",
	452: "4.3.1",
	550: "5.2.0",
	551: "5.1.6",
	552: "5.2.2",
	553: "5.1.3",
	554: "5.0.0",
}

// Client is one outbound SMTP connection, at some point in its state
// sequence. Not safe for concurrent use; Pool hands out exclusive access.
type Client struct {
	log  mlog.Log
	nc   net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	st   state
	host string

	ehloLines []string
	size      int64
	smtputf8  bool
	enhanced  bool
	starttls  bool

	writeTimeout time.Duration
}

// Dial connects to addr through dialer (use proxy.Direct for a plain TCP
// dial, or a proxy.SOCKS5 dialer to relay the outbound leg through a
// SOCKS proxy) and runs
// the Connected/Banner/Hello steps, returning a Client positioned at
// MailFrom-ready (stateHello).
func Dial(ctx context.Context, log mlog.Log, dialer proxy.Dialer, addr, ehloHost string) (*Client, error) {
	if dialer == nil {
		dialer = proxy.Direct
	}
	var nc net.Conn
	var err error
	if d, ok := dialer.(proxy.ContextDialer); ok {
		nc, err = d.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	host, _, _ := net.SplitHostPort(addr)
	c := &Client{
		log:          log,
		nc:           nc,
		br:           bufio.NewReaderSize(nc, 4096),
		bw:           bufio.NewWriter(nc),
		st:           stateConnected,
		host:         host,
		writeTimeout: 5 * time.Minute,
	}
	if err := c.hello(ctx, ehloHost); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) hello(ctx context.Context, ehloHost string) error {
	code, _, err := c.read()
	if err != nil {
		return fmt.Errorf("reading banner: %w", err)
	}
	if code/100 != 2 {
		return fmt.Errorf("banner rejected: %d", code)
	}
	c.st = stateBanner

	if err := c.writeline("EHLO " + ehloHost); err != nil {
		return err
	}
	code, lines, err := c.readMulti()
	if err != nil {
		return fmt.Errorf("reading EHLO response: %w", err)
	}
	if code/100 != 2 {
		return fmt.Errorf("EHLO rejected: %d", code)
	}
	c.ehloLines = lines
	for _, l := range lines {
		upper := strings.ToUpper(l)
		switch {
		case upper == "ENHANCEDSTATUSCODES":
			c.enhanced = true
		case upper == "SMTPUTF8":
			c.smtputf8 = true
		case upper == "STARTTLS":
			c.starttls = true
		case strings.HasPrefix(upper, "SIZE"):
			fields := strings.Fields(l)
			if len(fields) == 2 {
				if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					c.size = n
				}
			}
		}
	}
	c.st = stateHello
	return nil
}

func (c *Client) SupportsSMTPUTF8() bool { return c.smtputf8 }
func (c *Client) SizeLimit() int64       { return c.size }

// DeliverMultiple drives one MAIL FROM/RCPT TO*/DATA transaction for a
// single sender against multiple recipients, returning each recipient's
// classified Response in rcptTo order. The caller is responsible for
// issuing Reset (or Close) afterward to return the client to idle.
func (c *Client) DeliverMultiple(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader) ([]Response, error) {
	mailLine := "MAIL FROM:<" + mailFrom + ">"
	if c.size > 0 && msgSize > 0 {
		mailLine += fmt.Sprintf(" SIZE=%d", msgSize)
	}
	if c.smtputf8 {
		mailLine += " SMTPUTF8"
	}
	if err := c.writeline(mailLine); err != nil {
		return nil, err
	}
	code, _, err := c.read()
	if err != nil {
		return nil, err
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("MAIL FROM rejected: %d", code)
	}
	c.st = stateMailFrom

	var resps []Response
	var accepted []string
	for _, rcpt := range rcptTo {
		if err := c.writeline("RCPT TO:<" + rcpt + ">"); err != nil {
			return nil, err
		}
		code, text, err := c.read()
		if err != nil {
			return nil, err
		}
		r := classify(code, text)
		resps = append(resps, r)
		if code/100 == 2 {
			accepted = append(accepted, rcpt)
		}
		if code == 421 {
			c.Close()
			return resps, fmt.Errorf("connection closed by peer: 421")
		}
	}
	c.st = stateRcptTo

	if len(accepted) == 0 {
		return resps, nil
	}

	if err := c.writeline("DATA"); err != nil {
		return nil, err
	}
	code, _, err = c.read()
	if err != nil {
		return nil, err
	}
	if code != 354 {
		return resps, fmt.Errorf("DATA rejected: %d", code)
	}
	c.st = stateData

	if err := c.writeBody(msg); err != nil {
		return nil, err
	}
	c.st = stateBody

	code, text, err := c.read()
	if err != nil {
		return nil, err
	}
	dataResp := classify(code, text)
	for i, rcpt := range rcptTo {
		for _, a := range accepted {
			if a == rcpt {
				resps[i] = dataResp
			}
		}
	}
	return resps, nil
}

func classify(code int, text string) Response {
	ecode := extractEcode(text)
	if ecode == "" {
		ecode = defaultEcodes[code]
	}
	return Response{
		Code:    code,
		Ecode:   ecode,
		Text:    text,
		Delayed: code/100 == 4,
		Failed:  code/100 == 5,
	}
}

func extractEcode(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	f := fields[0]
	parts := strings.Split(f, ".")
	if len(parts) == 3 {
		ok := true
		for _, p := range parts {
			if _, err := strconv.Atoi(p); err != nil {
				ok = false
			}
		}
		if ok {
			return f
		}
	}
	return ""
}

// writeBody dot-stuffs msg onto the wire and terminates with ".\r\n",
// canonicalizing lone CR/LF to CRLF, while running a write-progress
// timeout monitor: every time the deadline fires, the monitor compares
// how many bytes have actually departed the socket since the previous
// check; shrinkage of the outstanding buffer extends the deadline,
// stagnation or growth fails the delivery with 4.4.1.
func (c *Client) writeBody(r io.Reader) error {
	pw := &progressWriter{w: c.bw, log: c.log}
	done := make(chan error, 1)
	go pw.monitor(done, c.writeTimeout)
	defer pw.stop()

	br := bufio.NewReader(r)
	atLineStart := true
	var lastWasCR bool
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch b {
		case '\r':
			pw.Write([]byte("\r\n"))
			lastWasCR = true
			atLineStart = true
			continue
		case '\n':
			if lastWasCR {
				lastWasCR = false
				continue
			}
			pw.Write([]byte("\r\n"))
			atLineStart = true
			continue
		default:
			lastWasCR = false
		}
		if atLineStart && b == '.' {
			pw.Write([]byte("."))
		}
		pw.Write([]byte{b})
		atLineStart = false
	}
	if !atLineStart {
		pw.Write([]byte("\r\n"))
	}
	pw.Write([]byte(".\r\n"))
	if err := c.bw.Flush(); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	default:
		return nil
	}
}

type progressWriter struct {
	w    *bufio.Writer
	log  mlog.Log
	mu   sync.Mutex
	sent int64
	stopCh chan struct{}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.mu.Lock()
	p.sent += int64(n)
	p.mu.Unlock()
	return n, err
}

func (p *progressWriter) monitor(done chan<- error, timeout time.Duration) {
	p.stopCh = make(chan struct{})
	last := int64(-1)
	t := time.NewTicker(timeout)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.mu.Lock()
			cur := p.sent
			p.mu.Unlock()
			if last >= 0 && cur <= last {
				done <- fmt.Errorf("smtpclient: write stalled, 4.4.1")
				return
			}
			last = cur
		}
	}
}

func (p *progressWriter) stop() {
	if p.stopCh != nil {
		close(p.stopCh)
	}
}

// Reset issues RSET, returning the client to Hello-equivalent readiness
// for another delivery on the same connection.
func (c *Client) Reset() error {
	if err := c.writeline("RSET"); err != nil {
		return err
	}
	code, _, err := c.read()
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return fmt.Errorf("RSET rejected: %d", code)
	}
	c.st = stateHello
	return nil
}

// Quit issues QUIT and closes the connection.
func (c *Client) Quit() error {
	c.writeline("QUIT")
	c.read()
	c.st = stateQuit
	return c.nc.Close()
}

func (c *Client) Close() error {
	return c.nc.Close()
}

func (c *Client) writeline(s string) error {
	c.nc.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := c.bw.WriteString(s + "\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Client) read() (code int, text string, err error) {
	code, lines, err := c.readMulti()
	if err != nil {
		return 0, "", err
	}
	if len(lines) > 0 {
		text = lines[len(lines)-1]
	}
	return code, text, nil
}

// readMulti reads a full (possibly multi-line) SMTP reply, returning the
// reply code and the continuation text lines with their "code-"/"code "
// prefixes stripped.
func (c *Client) readMulti() (int, []string, error) {
	c.nc.SetReadDeadline(time.Now().Add(5 * time.Minute))
	var lines []string
	var code int
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return 0, nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return 0, nil, fmt.Errorf("short SMTP response line %q", line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, nil, fmt.Errorf("bad SMTP response code %q: %w", line, err)
		}
		code = n
		sep := line[3]
		lines = append(lines, line[4:])
		if sep == ' ' {
			break
		}
	}
	return code, lines, nil
}
