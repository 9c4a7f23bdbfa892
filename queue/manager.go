package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/usrlocalben/corvid/metrics"
	"github.com/usrlocalben/corvid/mlog"
	"github.com/usrlocalben/corvid/smtpclient"
	"github.com/usrlocalben/corvid/store"
)

// SpoolManager is the process-wide singleton that drives delivery: it
// arms a timer on the earliest of a NOTIFY wakeup, its MaxPeriod ceiling,
// or the computed next-retry time across all queued messages, and on each
// run creates one DeliveryAgent per due delivery, staggered by
// RetryStagger to avoid a thundering herd against the smarthost.
type SpoolManager struct {
	db        *store.DB
	pool      *smtpclient.Pool
	injector  Injector
	ehloHost  string
	smartHost string

	MaxPeriod     time.Duration
	RetryStagger  time.Duration
	RetryInterval time.Duration
	MaxConcurrent int

	mu      sync.Mutex
	working map[int64]bool

	shutdownFlag atomic.Bool
}

func NewSpoolManager(db *store.DB, pool *smtpclient.Pool, injector Injector, ehloHost, smartHost string) *SpoolManager {
	return &SpoolManager{
		db:            db,
		pool:          pool,
		injector:      injector,
		ehloHost:      ehloHost,
		smartHost:     smartHost,
		MaxPeriod:     900 * time.Second,
		RetryStagger:  5 * time.Second,
		RetryInterval: time.Hour,
		MaxConcurrent: 100,
		working:       map[int64]bool{},
	}
}

// shutdown is called by a DeliveryAgent whose commit failed, a
// data-integrity guardrail: once set, Run exits
// at the next tick instead of risking a duplicate send against a database
// that may have already recorded the attempt it couldn't confirm.
func (m *SpoolManager) shutdown() {
	m.shutdownFlag.Store(true)
	log.Error("spool manager shutting down after a commit failure")
}

func (m *SpoolManager) markWorking(id int64, working bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if working {
		m.working[id] = true
	} else {
		delete(m.working, id)
	}
}

func (m *SpoolManager) isWorking(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.working[id]
}

// Run drives the manager until ctx is cancelled or shutdown is called.
func (m *SpoolManager) Run(ctx context.Context) {
	listener := m.db.Listener(NotifyChannel, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Infox("queue notify listener event", err)
		}
	})
	defer listener.Close()

	for {
		if m.shutdownFlag.Load() {
			return
		}
		delay := m.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-listener.Notify:
			continue
		case <-time.After(delay):
		}
	}
}

// runOnce executes the (message_id, delay_seconds) scan and dispatches a
// DeliveryAgent for every row already due, returning
// the duration to wait before the next tick.
func (m *SpoolManager) runOnce(ctx context.Context) time.Duration {
	due, err := Due(ctx, m.db, m.MaxConcurrent)
	if err != nil {
		log.Errorx("scanning due deliveries", err)
		return m.MaxPeriod
	}

	var i int
	for _, d := range due {
		if m.isWorking(d.ID) {
			continue
		}
		m.markWorking(d.ID, true)
		stagger := time.Duration(i) * m.RetryStagger
		i++
		go func(d Delivery, after time.Duration) {
			defer m.markWorking(d.ID, false)
			if after > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(after):
				}
			}
			agent := &DeliveryAgent{
				db:            m.db,
				pool:          m.pool,
				injector:      m.injector,
				ehloHost:      m.ehloHost,
				smartHost:     m.smartHost,
				retryInterval: m.RetryInterval,
				mgr:           m,
			}
			if err := agent.Attempt(ctx, d.ID); err != nil {
				log.Errorx("delivery attempt", err, mlog.Field("delivery", d.ID))
			}
		}(d, stagger)
	}

	if held, err := CountHeld(ctx, m.db); err == nil {
		metrics.QueueHold.Set(float64(held))
	}

	next := m.MaxPeriod
	if nd, ok := NextDeliverAfter(ctx, m.db); ok {
		if nd <= 0 {
			nd = time.Second
		}
		if nd < next {
			next = nd
		}
	}
	return next
}
