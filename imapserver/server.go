// Package imapserver implements the IMAP4rev1 connection engine: command
// parsing and pipelining, the per-connection scheduler that orders
// untagged responses correctly, and the FETCH data assembler. Grounded on
// mjl--mox/imapserver/server.go and mjl--mox/imapserver/fetch.go.
package imapserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/usrlocalben/corvid/metrics"
	"github.com/usrlocalben/corvid/mlog"
	"github.com/usrlocalben/corvid/proxyproto"
	"github.com/usrlocalben/corvid/ratelimit"
	"github.com/usrlocalben/corvid/store"
)

var log = mlog.New("imapserver")

// baseCapabilities is the advertised CAPABILITY list. STARTTLS is added
// dynamically for plaintext listeners; AUTH=PLAIN is added once the
// connection is TLS-protected or explicitly allowed in plaintext.
var baseCapabilities = []string{
	"IMAP4rev1", "CONDSTORE", "QRESYNC", "BINARY", "ANNOTATE-EXPERIMENT-1",
	"NOTIFY", "LITERAL+", "IDLE", "NAMESPACE", "UIDPLUS", "ESEARCH", "ENABLE",
}

// Server accepts connections for one listener endpoint and drives each
// through its own goroutine-per-connection cooperative scheduler.
type Server struct {
	Hostname  string
	TLSConfig *tls.Config
	Proxy     bool // Listener endpoint has PROXY protocol v2 enabled.

	DB      *store.DB
	Cache   *store.Cache
	Content store.ContentFetcher // Nil disables BODY[section] content, per formatBodySection.

	LiteralSizeLimit int64 // Bytes; 0 disables the limit.

	connRate *ratelimit.Limiter

	mu      sync.Mutex
	cidNext int64
}

func New(hostname string, db *store.DB, cache *store.Cache, content store.ContentFetcher) *Server {
	return &Server{
		Hostname:         hostname,
		DB:               db,
		Cache:            cache,
		Content:          content,
		LiteralSizeLimit: 32 << 20,
		connRate: &ratelimit.Limiter{WindowLimits: []ratelimit.WindowLimit{
			{Window: time.Minute, Limits: [3]int64{30, 300, 1000}},
			{Window: time.Hour, Limits: [3]int64{300, 3000, 10000}},
		}},
	}
}

// Serve accepts connections on ln until it closes or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(ctx, nc)
	}
}

func (s *Server) nextCid() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cidNext++
	return s.cidNext
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	cid := s.nextCid()
	clog := log.WithCid(cid)
	service := "imap"
	if s.TLSConfig != nil {
		service = "imaps"
	}
	metrics.IMAPConnections.WithLabelValues(service).Inc()

	defer func() {
		if r := recover(); r != nil {
			clog.Panic(r, func() { metrics.PanicInc("imapserver") })
		}
	}()
	defer nc.Close()

	ipStr, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	ip := net.ParseIP(ipStr)
	if ip != nil && !s.connRate.Add(ip, time.Now(), 1) {
		clog.Info("connection rate limit exceeded", mlog.Field("ip", ipStr))
		return
	}

	br := bufio.NewReaderSize(nc, 16*1024)
	peer := ipStr
	if s.Proxy {
		if hdr, err := proxyproto.ReadHeader(br); err == nil && !hdr.Local {
			peer = hdr.SourceIP.String()
		} else if err != nil && err != proxyproto.ErrNotProxy {
			clog.Error("proxy header error", mlog.Field("err", err.Error()))
			return
		}
	}

	c := newConn(ctx, s, cid, clog, nc, br, peer)
	c.run()
}
