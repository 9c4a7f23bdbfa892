// Package smtpserver implements an SMTP/Submission/LMTP server state
// machine: MAIL FROM/RCPT TO/DATA (and BDAT chunking),
// per-recipient disposition via an injected Discloser, and the transaction
// that inserts accepted mail into local mailboxes and the outbound spool.
// Grounded on mjl--mox/smtpserver/server.go's listener/conn/state-machine
// shape, trimmed to this system's scope (no DKIM/DMARC/SPF/iprev/DNSBL
// analysis, no bstore — see DESIGN.md for the substitutions).
package smtpserver

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

var log = mlog.New("smtpserver")

// Kind distinguishes the three wire dialects this package serves; they
// share everything except the greeting verb/banner and the post-DATA
// response shape (one line vs. one line per accepted recipient).
type Kind int

const (
	KindSMTP       Kind = iota // Plain/MSA relay: EHLO, accepts external mail for relay or local delivery.
	KindSubmission             // Submission listener; same wire shape as KindSMTP, different listener/port. No AUTH command is offered.
	KindLMTP                   // LHLO; one response line per RCPT after DATA.
)

func (k Kind) helloVerb() string {
	if k == KindLMTP {
		return "LHLO"
	}
	return "EHLO"
}

func (k Kind) bannerProto() string {
	if k == KindLMTP {
		return "LMTP"
	}
	return "ESMTP"
}

// maxLineLength is the SMTP line-length ceiling; a line exceeding it
// terminates the connection with 500.
const maxLineLength = 4096

// Server accepts connections for one listener endpoint.
type Server struct {
	Hostname  string
	Kind      Kind
	TLSConfig *tls.Config
	Proxy     bool

	DB    *store.DB
	Cache *store.Cache

	Discloser   Discloser
	BurlFetcher BurlFetcher

	MaxMessageSize int64 // Advertised in EHLO's SIZE extension; 0 means unlimited.

	connRate *ratelimit.Limiter

	mu      sync.Mutex
	cidNext int64
}

func New(hostname string, kind Kind, db *store.DB, cache *store.Cache, discloser Discloser) *Server {
	return &Server{
		Hostname:       hostname,
		Kind:           kind,
		DB:             db,
		Cache:          cache,
		Discloser:      discloser,
		BurlFetcher:    noopBurlFetcher{},
		MaxMessageSize: 50 << 20,
		connRate: &ratelimit.Limiter{WindowLimits: []ratelimit.WindowLimit{
			{Window: time.Minute, Limits: [3]int64{300, 900, 2700}},
			{Window: time.Hour, Limits: [3]int64{3000, 9000, 27000}},
		}},
	}
}

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

func (s *Server) serviceLabel() string {
	switch s.Kind {
	case KindSubmission:
		return "submission"
	case KindLMTP:
		return "lmtp"
	default:
		return "smtp"
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	cid := s.nextCid()
	clog := log.WithCid(cid)
	metrics.SMTPConnections.WithLabelValues(s.serviceLabel()).Inc()

	defer func() {
		if r := recover(); r != nil {
			clog.Panic(r, func() { metrics.PanicInc("smtpserver") })
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

// noopBurlFetcher satisfies BurlFetcher for deployments without an
// out-of-band URL retrieval transport wired; BURL negotiates but every
// fetch is reported unsupported rather than silently misbehaving, per
// DESIGN.md's Open Question resolution.
type noopBurlFetcher struct{}

func (noopBurlFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return nil, fmt.Errorf("smtpserver: BURL fetch not available")
}
