package imapserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usrlocalben/corvid/connio"
	"github.com/usrlocalben/corvid/mlog"
	"github.com/usrlocalben/corvid/store"
)

const (
	idlePreauthTimeout = 120 * time.Second
	idleAuthTimeout    = 1860 * time.Second
	idleIdleTimeout    = 3600 * time.Second
	natKeepaliveEvery  = 117 * time.Second
)

// conn is one IMAP connection: its TCP/TLS socket, parsed-but-not-yet-
// emitted command queue, authenticated account and selected session, and
// the timers that drive idle/NAT-keepalive/syntax-error-delay behavior.
// Grounded on mjl--mox/imapserver/server.go's conn struct.
type conn struct {
	ctx context.Context
	srv *Server
	cid int64
	log mlog.Log

	nc  net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
	tr  *connio.TraceReader // Kept to raise/lower the trace level around literal reads.
	tw  *connio.TraceWriter
	tls bool

	peer    string
	bufpool *connio.Bufpool

	mu    sync.Mutex // guards writes to bw.
	state sessionState

	account *store.Account
	session *store.Session
	comm    *store.Comm

	cmds []*command // Oldest first, per the §4.2 scheduler.

	syntaxErrors int
	lastBadCmd   time.Time

	natBug       atomic.Bool
	sawTag       bool
	allTagsShort bool

	expungeDeferred bool // True while a group-2/3 command is Executing; blocks EXPUNGE emission.

	closed bool
}

func newConn(ctx context.Context, s *Server, cid int64, log mlog.Log, nc net.Conn, br *bufio.Reader, peer string) *conn {
	// Wrap the already-buffered br (it may hold bytes read past a PROXY
	// header peek) rather than nc directly, so nothing buffered there is lost.
	tr := connio.NewTraceReader(br, log)
	tw := connio.NewTraceWriter(nc, log)
	return &conn{
		ctx:          ctx,
		srv:          s,
		cid:          cid,
		log:          log,
		nc:           nc,
		br:           bufio.NewReaderSize(tr, br.Size()),
		bw:           bufio.NewWriter(tw),
		tr:           tr,
		tw:           tw,
		peer:         peer,
		bufpool:      connio.NewBufpool(8, 16*1024),
		state:        ssNotAuthenticated,
		allTagsShort: true,
	}
}

// traceLevel temporarily raises the trace level for the duration of a
// literal's data bytes, restoring TraceCmd
// when the returned func runs. Grounded on mjl--mox/imapserver/server.go's
// xtrace.
func (c *conn) traceLevel(level connio.TraceLevel) func() {
	c.bw.Flush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.bw.Flush()
		c.tr.SetTrace(connio.TraceCmd)
		c.tw.SetTrace(connio.TraceCmd)
	}
}

func (c *conn) run() {
	defer c.cleanup()

	c.writeLine(fmt.Sprintf("* OK [CAPABILITY %s] %s ready", strings.Join(c.capabilities(), " "), c.srv.Hostname))

	go c.natKeepaliveLoop()

	idleDeadline := time.Now().Add(idlePreauthTimeout)
	c.nc.SetReadDeadline(idleDeadline)

	for !c.closed {
		raw, err := c.readCommand()
		if err != nil {
			if err != io.EOF {
				c.log.Infox("reading command", err)
			}
			return
		}
		c.sawTag = true
		if !shortTagRe.MatchString(raw.tag) {
			c.allTagsShort = false
		}
		if c.state == ssNotAuthenticated && c.allTagsShort {
			c.natBug.Store(true)
		}

		if !c.syntaxDelayOK() {
			time.Sleep(c.syntaxDelay())
		}

		cmd := c.dispatch(raw)
		c.cmds = append(c.cmds, cmd)
		if cmd.name == "IDLE" && cmd.handler != nil {
			c.nc.SetReadDeadline(time.Now().Add(idleIdleTimeout))
		}
		c.tick()

		to := idleAuthTimeout
		if c.state == ssNotAuthenticated {
			to = idlePreauthTimeout
		}
		c.nc.SetReadDeadline(time.Now().Add(to))

		if c.state == ssLogout {
			return
		}
	}
}

// dispatch resolves a rawCommand to a registered commandSpec, producing
// either an executable *command or one already Finished with a BAD/NO
// tagged result (unknown command, wrong state, or syntax error).
func (c *conn) dispatch(raw *rawCommand) *command {
	spec, ok := commands[raw.name]
	if !ok {
		c.syntaxErrors++
		c.lastBadCmd = time.Now()
		return &command{tag: raw.tag, name: raw.name, state: stateFinished, tagLine: fmt.Sprintf("BAD %s unknown command", raw.name)}
	}
	if raw.uid && spec.group != groupUIDClass && spec.group != groupMSNFetch && spec.group != groupStore {
		return &command{tag: raw.tag, name: raw.name, state: stateFinished, tagLine: fmt.Sprintf("BAD %s does not take UID", raw.name)}
	}
	if !spec.allowedIn(c.state) {
		return &command{tag: raw.tag, name: raw.name, state: stateFinished, tagLine: fmt.Sprintf("BAD %s not allowed in this state", raw.name)}
	}
	group := spec.group
	if raw.uid {
		group = groupUIDClass
	}
	return &command{tag: raw.tag, name: raw.name, args: raw.args, group: group, uid: raw.uid, state: stateBlocked, handler: spec.handler}
}

// tick implements the command scheduler's run-to-completion steps. Given
// this connection's sequential, goroutine-per-connection execution model
// (see DESIGN.md), steps (b)/(d)/(e) collapse to "run the head command to
// completion now"; the externally observable ordering guarantees —
// tagged replies in arrival order, no EXPUNGE mid-FETCH — still hold
// because nothing here runs two commands' bodies concurrently.
func (c *conn) tick() {
	for len(c.cmds) > 0 {
		head := c.cmds[0]
		switch head.state {
		case stateRetired:
			c.cmds = c.cmds[1:]
			continue
		case stateFinished:
			c.emit(head)
			head.state = stateRetired
			continue
		case stateBlocked, stateUnparsed:
			c.expungeDeferred = head.group == groupMSNFetch || head.group == groupStore
			head.state = stateExecuting
			c.execute(head)
			if head.state == stateExecuting {
				// A handler that has not finished owns the connection until
				// it calls c.finish itself.
				return
			}
			continue
		case stateExecuting:
			// Nothing left to drive; handler already returned control via c.finish.
			return
		}
	}
	c.expungeDeferred = false
}

func (c *conn) execute(cmd *command) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Panic(r, nil)
			cmd.tagLine = fmt.Sprintf("NO %s server error", cmd.name)
			cmd.state = stateFinished
		}
	}()
	cmd.handler(c, cmd)
}

// finish is called by a handler once its tagged result is ready.
func (c *conn) finish(cmd *command, tagLine string) {
	cmd.tagLine = tagLine
	cmd.state = stateFinished
	c.expungeDeferred = false
	c.tick()
}

func (c *conn) emit(cmd *command) {
	for _, u := range cmd.untagged {
		c.writeLine(u)
	}
	c.writeLine(cmd.tag + " " + cmd.tagLine)
}

// addUntagged appends an untagged response line to cmd, to be written
// once the scheduler reaches it (i.e. immediately, under the sequential
// model, but the field exists so response text and emission stay
// decoupled from emission.
func (cmd *command) addUntagged(line string) {
	cmd.untagged = append(cmd.untagged, line)
}

// broadcastUntagged writes an untagged line to the client immediately,
// outside of any command's queued response set. Per the ordering
// invariant, callers must not use this while expungeDeferred is true for
// EXPUNGE lines specifically.
func (c *conn) broadcastUntagged(line string) {
	c.writeLine(line)
}

func (c *conn) writeLine(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bw.WriteString(s)
	c.bw.WriteString("\r\n")
	c.bw.Flush()
}

// drainComm applies any pending Comm changes from other sessions to the
// current session and writes the resulting untagged EXPUNGE, EXISTS and
// RECENT lines, only when no group-2/3 command is Executing.
func (c *conn) drainComm() {
	if c.comm == nil || c.session == nil || c.expungeDeferred {
		return
	}
	select {
	case changes := <-c.comm.Get():
		added, removed := c.session.ApplyChanges(changes)
		for _, e := range removed {
			c.writeLine(fmt.Sprintf("* %d EXPUNGE", e.MSN))
		}
		if len(added) > 0 {
			c.writeLine(fmt.Sprintf("* %d EXISTS", c.session.NumMessages()))
			c.writeLine(fmt.Sprintf("* %d RECENT", len(added)))
		}
	default:
	}
}

func (c *conn) capabilities() []string {
	caps := append([]string{}, baseCapabilities...)
	if !c.tls && c.srv.TLSConfig != nil {
		caps = append(caps, "STARTTLS")
	}
	if c.tls || c.srv.TLSConfig == nil {
		caps = append(caps, "AUTH=PLAIN")
	}
	return caps
}

func (c *conn) syntaxDelay() time.Duration {
	n := c.syntaxErrors
	if n > 16 {
		n = 16
	}
	return time.Duration(n) * time.Second
}

func (c *conn) syntaxDelayOK() bool {
	return c.syntaxErrors == 0 || time.Since(c.lastBadCmd) >= c.syntaxDelay()
}

// natKeepaliveLoop emits "* OK (NAT keepalive: ...)" roughly every 117s
// while the short-tag heuristic below has flagged this client's tags
// as a NAT-affected client and the connection is still open. Running as
// its own goroutine, gated on an atomic flag, avoids re-implementing a
// single-threaded timer wheel for what is otherwise idle wall-clock time.
func (c *conn) natKeepaliveLoop() {
	t := time.NewTicker(natKeepaliveEvery)
	defer t.Stop()
	for range t.C {
		if c.closed {
			return
		}
		if c.natBug.Load() {
			c.writeLine(fmt.Sprintf("* OK (NAT keepalive: %s)", time.Now().UTC().Format(time.RFC3339)))
		}
	}
}

// startTLS upgrades the connection in place after the tagged
// "OK begin TLS negotiation now" reply has already been written, re-wrapping br/bw around the TLS conn. Must be
// called synchronously right after writing that response, before the
// client's next command line is read.
func (c *conn) startTLS() {
	tlsConn := tls.Server(c.nc, c.srv.TLSConfig)
	if err := tlsConn.HandshakeContext(c.ctx); err != nil {
		c.log.Infox("tls handshake", err)
		c.closed = true
		return
	}
	c.nc = tlsConn
	c.tr = connio.NewTraceReader(tlsConn, c.log)
	c.tw = connio.NewTraceWriter(tlsConn, c.log)
	c.br = bufio.NewReaderSize(c.tr, 16*1024)
	c.bw = bufio.NewWriter(c.tw)
	c.tls = true
}

func (c *conn) cleanup() {
	c.closed = true
	if c.session != nil {
		c.session.Close()
	}
	if c.comm != nil {
		c.comm.Unregister()
	}
	c.nc.Close()
}

// shortTagRe matches the 4-letter-no-dot tag pattern used to infer the
// "Nat" client workaround heuristic above.
var shortTagRe = regexp.MustCompile(`^[A-Za-z0-9]{4}$`)
