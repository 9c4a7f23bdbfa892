package smtpclient

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/net/proxy"

	"github.com/usrlocalben/corvid/mlog"
)

// Pool keeps idle, RSET-ready clients per destination address so repeat
// deliveries to the same host (a common case when a domain is slow to
// drain its queue) reuse the TCP/EHLO handshake. Grounded on mox
// smtpclient's idle-pool note in the client state sequence
// ("... -> Rset -> (idle, reusable) -> Quit").
type Pool struct {
	ehloHost string
	log      mlog.Log
	dialer   proxy.Dialer

	mu   sync.Mutex
	idle map[string][]*Client
}

func NewPool(log mlog.Log, ehloHost string) *Pool {
	return &Pool{ehloHost: ehloHost, log: log, dialer: proxy.Direct, idle: map[string][]*Client{}}
}

// NewSocksPool is NewPool routed through a SOCKS5 proxy (mox's own queue
// transport config carries the same SOCKS option, via golang.org/x/net/proxy).
func NewSocksPool(log mlog.Log, ehloHost, socksAddr string) (*Pool, error) {
	d, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("smtpclient: configuring SOCKS5 dialer: %w", err)
	}
	return &Pool{ehloHost: ehloHost, log: log, dialer: d, idle: map[string][]*Client{}}, nil
}

// Provide returns an idle client for addr if one is pooled, else dials a
// fresh one.
func (p *Pool) Provide(ctx context.Context, addr string) (*Client, error) {
	p.mu.Lock()
	if l := p.idle[addr]; len(l) > 0 {
		c := l[len(l)-1]
		p.idle[addr] = l[:len(l)-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return Dial(ctx, p.log, p.dialer, addr, p.ehloHost)
}

// Return hands a client back to the pool after a successful RSET, or
// closes it if idle is false (the caller already decided it's unusable).
func (p *Pool) Return(addr string, c *Client, idle bool) {
	if !idle {
		c.Close()
		return
	}
	p.mu.Lock()
	p.idle[addr] = append(p.idle[addr], c)
	p.mu.Unlock()
}

// Evict removes and closes every pooled client for addr, used after a
// connection-fatal error (421, write stall) so the pool doesn't keep
// handing out a dead socket.
func (p *Pool) Evict(addr string) {
	p.mu.Lock()
	l := p.idle[addr]
	delete(p.idle, addr)
	p.mu.Unlock()
	for _, c := range l {
		c.Close()
	}
}

// CloseAll evicts and closes every pooled client, used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	all := p.idle
	p.idle = map[string][]*Client{}
	p.mu.Unlock()
	for _, l := range all {
		for _, c := range l {
			c.Close()
		}
	}
}
