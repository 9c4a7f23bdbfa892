// Package ratelimit provides a simple fixed-window rate limiter, keyed by
// three widening IP masks, used to cap new connections and
// connection rate per listener. The per-connection syntax-error delay
// described by the core scheduler is a separate, simpler mechanism and
// lives in imapserver itself.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Limiter tracks one or more fixed windows, each with independent limits
// for three widening IP masks (IPv4: exact address, /26, /21; IPv6: /64,
// /48, /32).
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
}

type WindowLimit struct {
	Window time.Duration
	Limits [3]int64
	time   uint32
	counts map[maskedKey]int64
}

type maskedKey struct {
	index    uint8
	ipmasked [16]byte
}

// Add attempts to consume n units. If adding would exceed the limit for any
// window/mask, nothing is recorded and false is returned.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(true, ip, tm, n)
}

// CanAdd reports whether Add would succeed, without recording anything.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(false, ip, tm, n)
}

func (l *Limiter) checkAdd(commit bool, ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	var masked [3][16]byte
	for i := range masked {
		masked[i] = maskIP(i, ip)
	}

	for i, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.time || wl.counts == nil {
			wl.time = t
			wl.counts = map[maskedKey]int64{}
			l.WindowLimits[i] = wl
		}
		for j := 0; j < 3; j++ {
			k := maskedKey{uint8(j), masked[j]}
			if wl.counts[k]+n > wl.Limits[j] {
				return false
			}
		}
	}
	if !commit {
		return true
	}
	for i, wl := range l.WindowLimits {
		for j := 0; j < 3; j++ {
			wl.counts[maskedKey{uint8(j), masked[j]}] += n
		}
		_ = i
	}
	return true
}

func maskIP(i int, ip net.IP) [16]byte {
	if v4 := ip.To4(); v4 != nil {
		switch i {
		case 0:
			return to16(v4)
		case 1:
			return to16(v4.Mask(net.CIDRMask(26, 32)))
		default:
			return to16(v4.Mask(net.CIDRMask(21, 32)))
		}
	}
	switch i {
	case 0:
		return to16(ip.Mask(net.CIDRMask(64, 128)))
	case 1:
		return to16(ip.Mask(net.CIDRMask(48, 128)))
	default:
		return to16(ip.Mask(net.CIDRMask(32, 128)))
	}
}

func to16(ip net.IP) [16]byte {
	var b [16]byte
	copy(b[:], ip.To16())
	return b
}
