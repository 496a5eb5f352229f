// Package l4 tracks TCP-level connection concurrency and rate before
// the TLS handshake, so volumetric floods are shed without spending
// CPU on crypto.
package l4

import (
	"sync"
	"sync/atomic"
	"time"
)

// Action is the verdict for a newly accepted TCP connection.
type Action int

const (
	ActionAllow Action = iota
	ActionDrop
	ActionTarpit
)

// Config mirrors the l4 protection settings section.
type Config struct {
	MaxConcurrentPerIP        uint64
	ConnectionRatePerIPPerSec uint64
	TarpitEnabled             bool
	TarpitDelay               time.Duration
}

type ipState struct {
	concurrent     atomic.Uint64
	recentMu       sync.Mutex
	recentConnects []time.Time
}

// Tracker is the L4 admission controller, keyed by client IP.
type Tracker struct {
	cfg       Config
	states    sync.Map // string(ip) -> *ipState
	allowed   atomic.Uint64
	dropped   atomic.Uint64
	tarpitted atomic.Uint64
}

func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

func (t *Tracker) stateFor(ip string) *ipState {
	if v, ok := t.states.Load(ip); ok {
		return v.(*ipState)
	}
	v, _ := t.states.LoadOrStore(ip, &ipState{})
	return v.(*ipState)
}

// CheckConnection decides whether to allow, drop, or tarpit a new
// connection from ip, checking the concurrent-connection cap before
// the rolling 1-second rate window.
func (t *Tracker) CheckConnection(ip string) Action {
	state := t.stateFor(ip)

	if state.concurrent.Load() >= t.cfg.MaxConcurrentPerIP {
		t.dropped.Add(1)
		return ActionDrop
	}

	now := time.Now()
	oneSecAgo := now.Add(-time.Second)

	state.recentMu.Lock()
	kept := state.recentConnects[:0]
	for _, ts := range state.recentConnects {
		if ts.After(oneSecAgo) {
			kept = append(kept, ts)
		}
	}
	state.recentConnects = kept
	rate := uint64(len(state.recentConnects))

	if rate >= t.cfg.ConnectionRatePerIPPerSec {
		state.recentMu.Unlock()
		if t.cfg.TarpitEnabled {
			t.tarpitted.Add(1)
			return ActionTarpit
		}
		t.dropped.Add(1)
		return ActionDrop
	}

	state.recentConnects = append(state.recentConnects, now)
	state.recentMu.Unlock()

	t.allowed.Add(1)
	return ActionAllow
}

// RegisterConnection marks a connection from ip as now active.
func (t *Tracker) RegisterConnection(ip string) {
	t.stateFor(ip).concurrent.Add(1)
}

// UnregisterConnection marks a connection from ip as closed, using a
// CAS loop so the counter never underflows below zero.
func (t *Tracker) UnregisterConnection(ip string) {
	v, ok := t.states.Load(ip)
	if !ok {
		return
	}
	state := v.(*ipState)
	for {
		current := state.concurrent.Load()
		if current == 0 {
			return
		}
		if state.concurrent.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// TarpitDelay returns the configured tarpit stall duration.
func (t *Tracker) TarpitDelay() time.Duration {
	return t.cfg.TarpitDelay
}

// Metrics is a point-in-time snapshot of tracker counters.
type Metrics struct {
	TotalAllowed   uint64
	TotalDropped   uint64
	TotalTarpitted uint64
	TrackedIPs     uint64
}

func (t *Tracker) Metrics() Metrics {
	var tracked uint64
	t.states.Range(func(_, _ any) bool { tracked++; return true })
	return Metrics{
		TotalAllowed:   t.allowed.Load(),
		TotalDropped:   t.dropped.Load(),
		TotalTarpitted: t.tarpitted.Load(),
		TrackedIPs:     tracked,
	}
}

// Cleanup removes IP entries with zero concurrent connections and no
// activity in the last 60 seconds.
func (t *Tracker) Cleanup() {
	cutoff := time.Now().Add(-60 * time.Second)
	t.states.Range(func(key, value any) bool {
		state := value.(*ipState)
		if state.concurrent.Load() > 0 {
			return true
		}
		state.recentMu.Lock()
		recentActivity := false
		for _, ts := range state.recentConnects {
			if ts.After(cutoff) {
				recentActivity = true
				break
			}
		}
		state.recentMu.Unlock()
		if !recentActivity {
			t.states.Delete(key)
		}
		return true
	})
}
