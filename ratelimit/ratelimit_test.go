package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestLimiterWithinLimit(t *testing.T) {
	l := &Limiter{WindowLimits: []WindowLimit{
		{Window: time.Minute, Limits: [3]int64{5, 50, 500}},
	}}
	ip := net.ParseIP("203.0.113.1")
	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		if !l.Add(ip, now, 1) {
			t.Fatalf("Add #%d should succeed within limit", i)
		}
	}
	if l.Add(ip, now, 1) {
		t.Error("Add should fail once the per-IP limit is exceeded")
	}
}

func TestLimiterCanAddDoesNotCommit(t *testing.T) {
	l := &Limiter{WindowLimits: []WindowLimit{
		{Window: time.Minute, Limits: [3]int64{1, 50, 500}},
	}}
	ip := net.ParseIP("203.0.113.2")
	now := time.Unix(1700000000, 0)
	if !l.CanAdd(ip, now, 1) {
		t.Fatal("CanAdd should report room within limit")
	}
	if !l.Add(ip, now, 1) {
		t.Fatal("Add should still succeed after CanAdd since CanAdd didn't commit")
	}
	if l.Add(ip, now, 1) {
		t.Error("second Add should now exceed the limit of 1")
	}
}

func TestLimiterSeparateWindowsReset(t *testing.T) {
	l := &Limiter{WindowLimits: []WindowLimit{
		{Window: time.Minute, Limits: [3]int64{1, 50, 500}},
	}}
	ip := net.ParseIP("203.0.113.3")
	t0 := time.Unix(1700000000, 0)
	if !l.Add(ip, t0, 1) {
		t.Fatal("first Add should succeed")
	}
	t1 := t0.Add(2 * time.Minute)
	if !l.Add(ip, t1, 1) {
		t.Error("Add in a later window should succeed after the earlier window rolls over")
	}
}

func TestLimiterDistinctIPsIndependent(t *testing.T) {
	l := &Limiter{WindowLimits: []WindowLimit{
		{Window: time.Minute, Limits: [3]int64{1, 50, 500}},
	}}
	now := time.Unix(1700000000, 0)
	if !l.Add(net.ParseIP("203.0.113.10"), now, 1) {
		t.Fatal("first IP should succeed")
	}
	if !l.Add(net.ParseIP("203.0.113.11"), now, 1) {
		t.Error("a distinct exact IP should have its own budget")
	}
}
