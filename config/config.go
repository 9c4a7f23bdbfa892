// Package config holds the tunables the core engine needs that are not
// covered by an external loader. The full configuration file format
// (includes, live reload, TLS material, Sieve scripts, address routing) is
// a separate, out-of-scope configuration-loader component; this package
// only describes the slice of settings the IMAP/SMTP engine and spool
// manager read directly, parsed with mjl--mox's own sconf format/library.
package config

import (
	"time"

	"github.com/mjl-/sconf"
)

// Static is the top-level configuration tree for the core.
type Static struct {
	Hostname  string              `sconf:"Hostname advertised in greetings and EHLO/LHLO responses."`
	DataDir   string              `sconf:"Directory for spooled message bodies."`
	DB        Database            `sconf:"Relational database connection."`
	Listeners map[string]Listener `sconf:"Named listener groups, each a set of IPs with IMAP/IMAPS/Submission/SMTP/LMTP endpoints."`
	IMAP      IMAPTuning          `sconf:"IMAP engine tunables."`
	Queue     QueueTuning         `sconf:"Outbound spool tunables."`
}

type Database struct {
	DSN            string        `sconf:"PostgreSQL connection string, passed to lib/pq."`
	MaxOpenConns   int           `sconf:"optional" sconf-doc:"Defaults to 16."`
	ConnectTimeout time.Duration `sconf:"optional" sconf-doc:"Defaults to 5s."`
}

type Listener struct {
	IPs               []string `sconf:"IP addresses to listen on."`
	IMAP              Endpoint `sconf:"optional"`
	IMAPS             Endpoint `sconf:"optional"`
	Submission        Endpoint `sconf:"optional"`
	SMTP              Endpoint `sconf:"optional"`
	LMTP              Endpoint `sconf:"optional"`
	Proxy             bool     `sconf:"optional" sconf-doc:"Expect a PROXY protocol v2 preamble before any protocol data."`
	NoRequireSTARTTLS bool     `sconf:"optional"`
}

type Endpoint struct {
	Enabled bool
	Port    int `sconf:"optional"`
}

// IMAPTuning names the constants §4 calls out as tuneables rather than
// hardcoded magic numbers.
type IMAPTuning struct {
	LiteralSizeLimit     int64         `sconf:"optional" sconf-doc:"Maximum accepted literal size in bytes. Defaults to 32MiB."`
	ResponseRateDivisor  int           `sconf:"optional" sconf-doc:"Adaptive trickle divisor. Unmotivated in the original, kept as a named tuneable. Defaults to 90."`
	NATKeepaliveInterval time.Duration `sconf:"optional" sconf-doc:"Defaults to 117s."`
	SyntaxErrorDelayCap  time.Duration `sconf:"optional" sconf-doc:"Defaults to 16s."`
	PreauthIdleTimeout   time.Duration `sconf:"optional" sconf-doc:"Defaults to 120s."`
	AuthIdleTimeout      time.Duration `sconf:"optional" sconf-doc:"Defaults to 1860s."`
	IdleCommandTimeout   time.Duration `sconf:"optional" sconf-doc:"Defaults to 3600s."`
}

// QueueTuning names the spool manager's constants.
type QueueTuning struct {
	SmartHost        string        `sconf:"Fixed downstream relay host:port every outbound delivery is sent through."`
	SocksProxy       string        `sconf:"optional" sconf-doc:"SOCKS5 proxy address (host:port) to dial the smarthost through; empty dials directly."`
	MaxPeriod        time.Duration `sconf:"optional" sconf-doc:"Defaults to 900s."`
	RetryStagger     time.Duration `sconf:"optional" sconf-doc:"Defaults to 5s."`
	RetryInterval    time.Duration `sconf:"optional" sconf-doc:"Minimum spacing between attempts for one delivery. Defaults to 1h."`
	MaxConcurrent    int           `sconf:"optional" sconf-doc:"Defaults to 100."`
	ExpireAfter      time.Duration `sconf:"optional" sconf-doc:"Default deliveries row expiry if not set explicitly. Defaults to 4 days."`
}

func (s *Static) setDefaults() {
	if s.IMAP.LiteralSizeLimit == 0 {
		s.IMAP.LiteralSizeLimit = 32 << 20
	}
	if s.IMAP.ResponseRateDivisor == 0 {
		s.IMAP.ResponseRateDivisor = 90
	}
	if s.IMAP.NATKeepaliveInterval == 0 {
		s.IMAP.NATKeepaliveInterval = 117 * time.Second
	}
	if s.IMAP.SyntaxErrorDelayCap == 0 {
		s.IMAP.SyntaxErrorDelayCap = 16 * time.Second
	}
	if s.IMAP.PreauthIdleTimeout == 0 {
		s.IMAP.PreauthIdleTimeout = 120 * time.Second
	}
	if s.IMAP.AuthIdleTimeout == 0 {
		s.IMAP.AuthIdleTimeout = 1860 * time.Second
	}
	if s.IMAP.IdleCommandTimeout == 0 {
		s.IMAP.IdleCommandTimeout = 3600 * time.Second
	}
	if s.Queue.MaxPeriod == 0 {
		s.Queue.MaxPeriod = 900 * time.Second
	}
	if s.Queue.RetryStagger == 0 {
		s.Queue.RetryStagger = 5 * time.Second
	}
	if s.Queue.RetryInterval == 0 {
		s.Queue.RetryInterval = time.Hour
	}
	if s.Queue.MaxConcurrent == 0 {
		s.Queue.MaxConcurrent = 100
	}
	if s.Queue.ExpireAfter == 0 {
		s.Queue.ExpireAfter = 4 * 24 * time.Hour
	}
	if s.DB.MaxOpenConns == 0 {
		s.DB.MaxOpenConns = 16
	}
	if s.DB.ConnectTimeout == 0 {
		s.DB.ConnectTimeout = 5 * time.Second
	}
}

// ParseFile reads an sconf-formatted configuration file and applies
// defaults for tunables left at their zero value.
func ParseFile(path string) (Static, error) {
	var s Static
	if err := sconf.ParseFile(path, &s); err != nil {
		return Static{}, err
	}
	s.setDefaults()
	return s, nil
}
