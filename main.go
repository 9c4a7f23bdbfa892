package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/usrlocalben/corvid/config"
	"github.com/usrlocalben/corvid/imapserver"
	"github.com/usrlocalben/corvid/mlog"
	"github.com/usrlocalben/corvid/queue"
	"github.com/usrlocalben/corvid/smtpclient"
	"github.com/usrlocalben/corvid/smtpserver"
	"github.com/usrlocalben/corvid/store"
	"github.com/usrlocalben/corvid/systemd"
)

var log = mlog.New("main")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: corvid serve -config <path>")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config/corvid.conf", "configuration file")
	fs.Parse(args)

	conf, err := config.ParseFile(*configPath)
	if err != nil {
		log.Fatalx("loading configuration", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, conf.DB.DSN)
	if err != nil {
		log.Fatalx("opening database", err)
	}
	defer db.Close()

	cache := store.NewCache(64 << 20)
	content := &store.FileContentFetcher{DataDir: conf.DataDir}

	var pool *smtpclient.Pool
	if conf.Queue.SocksProxy != "" {
		pool, err = smtpclient.NewSocksPool(mlog.New("smtpclient"), conf.Hostname, conf.Queue.SocksProxy)
		if err != nil {
			log.Fatalx("configuring socks proxy", err)
		}
	} else {
		pool = smtpclient.NewPool(mlog.New("smtpclient"), conf.Hostname)
	}
	injector := &queue.StoreInjector{DB: db, Cache: cache}
	spool := queue.NewSpoolManager(db, pool, injector, conf.Hostname, conf.Queue.SmartHost)
	spool.MaxPeriod = conf.Queue.MaxPeriod
	spool.RetryStagger = conf.Queue.RetryStagger
	spool.RetryInterval = conf.Queue.RetryInterval
	spool.MaxConcurrent = conf.Queue.MaxConcurrent
	go spool.Run(ctx)

	discloser := &smtpserver.AccountDiscloser{DB: db, Cache: cache, LocalDomains: map[string]bool{}}

	for name, l := range conf.Listeners {
		for _, ip := range l.IPs {
			if l.IMAP.Enabled {
				startIMAP(ctx, conf.Hostname, name, ip, l.IMAP.Port, 143, db, cache, content, l.Proxy)
			}
			if l.IMAPS.Enabled {
				startIMAP(ctx, conf.Hostname, name, ip, l.IMAPS.Port, 993, db, cache, content, l.Proxy)
			}
			if l.SMTP.Enabled {
				startSMTP(ctx, conf.Hostname, name, ip, l.SMTP.Port, 25, smtpserver.KindSMTP, db, cache, discloser, l.Proxy)
			}
			if l.Submission.Enabled {
				startSMTP(ctx, conf.Hostname, name, ip, l.Submission.Port, 587, smtpserver.KindSubmission, db, cache, discloser, l.Proxy)
			}
			if l.LMTP.Enabled {
				startSMTP(ctx, conf.Hostname, name, ip, l.LMTP.Port, 24, smtpserver.KindLMTP, db, cache, discloser, l.Proxy)
			}
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	pool.CloseAll()
}

// resolveListener opens a TCP listener for addr:port, or, when addr names
// a systemd socket-activation endpoint, returns the already-open file
// descriptor systemd passed down instead.
func resolveListener(addr string, port, defaultPort int) (net.Listener, error) {
	if _, index, ok := systemd.ParseEndpoint(addr); ok {
		return systemd.Listener(index)
	}
	if port == 0 {
		port = defaultPort
	}
	return net.Listen("tcp", net.JoinHostPort(addr, fmt.Sprint(port)))
}

func startIMAP(ctx context.Context, hostname, name, ip string, port, defaultPort int, db *store.DB, cache *store.Cache, content store.ContentFetcher, proxy bool) {
	srv := imapserver.New(hostname, db, cache, content)
	srv.Proxy = proxy
	ln, err := resolveListener(ip, port, defaultPort)
	if err != nil {
		log.Fatalx("listening for imap", err, mlog.Field("listener", name))
	}
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			log.Errorx("imap listener stopped", err, mlog.Field("listener", name))
		}
	}()
}

func startSMTP(ctx context.Context, hostname, name, ip string, port, defaultPort int, kind smtpserver.Kind, db *store.DB, cache *store.Cache, discloser smtpserver.Discloser, proxy bool) {
	srv := smtpserver.New(hostname, kind, db, cache, discloser)
	srv.Proxy = proxy
	ln, err := resolveListener(ip, port, defaultPort)
	if err != nil {
		log.Fatalx("listening for smtp", err, mlog.Field("listener", name))
	}
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			log.Errorx("smtp listener stopped", err, mlog.Field("listener", name))
		}
	}()
}
