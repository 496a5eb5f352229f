// Package slowloris detects connections trickling bytes to hold server
// slots open, §4.10. Tracking is keyed per-connection, not per-IP: an
// attacker opening many parallel slow connections from one IP must be
// visible as many tracked entries, not overwritten down to one — the
// per-IP-overwrite version of this detector loses exactly that signal.
package slowloris

import (
	"sync"
	"time"
)

const (
	timeout          = 30 * time.Second
	minBytes         = 1024
	staleConnection  = 5 * time.Minute
	minBytesPerSec   = 10.0
)

type connInfo struct {
	mu             sync.Mutex
	started        time.Time
	bytesReceived  uint64
	headerComplete bool
	lastActivity   time.Time
}

// connKey uniquely identifies one tracked TCP connection.
type connKey struct {
	ip     string
	connID uint64
}

// Detector tracks slow connections keyed by (ip, connID), so concurrent
// slow connections from the same IP are each counted.
type Detector struct {
	conns sync.Map // connKey -> *connInfo
}

func New() *Detector {
	return &Detector{}
}

// TrackConnection begins tracking a newly accepted connection.
func (d *Detector) TrackConnection(ip string, connID uint64) {
	now := time.Now()
	d.conns.Store(connKey{ip, connID}, &connInfo{started: now, lastActivity: now})
}

// UpdateProgress records bytes received and header-completion state for
// a tracked connection.
func (d *Detector) UpdateProgress(ip string, connID uint64, bytes uint64, headerDone bool) {
	v, ok := d.conns.Load(connKey{ip, connID})
	if !ok {
		return
	}
	info := v.(*connInfo)
	info.mu.Lock()
	defer info.mu.Unlock()
	info.bytesReceived += bytes
	info.headerComplete = headerDone
	info.lastActivity = time.Now()
}

// EndConnection stops tracking a closed connection.
func (d *Detector) EndConnection(ip string, connID uint64) {
	d.conns.Delete(connKey{ip, connID})
}

// IsSlowloris reports whether the given tracked connection currently
// exhibits slowloris behavior: slow header delivery, an extremely low
// sustained byte rate, or a stalled connection — all gated on headers
// still being incomplete.
func (d *Detector) IsSlowloris(ip string, connID uint64) bool {
	v, ok := d.conns.Load(connKey{ip, connID})
	if !ok {
		return false
	}
	info := v.(*connInfo)
	info.mu.Lock()
	defer info.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(info.started)

	if !info.headerComplete && elapsed > timeout && info.bytesReceived < minBytes {
		return true
	}

	if elapsed > timeout {
		bytesPerSec := float64(info.bytesReceived) / elapsed.Seconds()
		if bytesPerSec < minBytesPerSec && !info.headerComplete {
			return true
		}
	}

	idle := now.Sub(info.lastActivity)
	if idle > timeout && !info.headerComplete {
		return true
	}

	return false
}

// AnyActiveForIP reports whether any currently-tracked connection from
// ip exhibits slowloris behavior — the pipeline checks this per
// request, since the HTTP layer only knows the client IP, not which
// specific connection object triggered a given request.
func (d *Detector) AnyActiveForIP(ip string) bool {
	found := false
	d.conns.Range(func(k, v any) bool {
		key := k.(connKey)
		if key.ip != ip {
			return true
		}
		if d.IsSlowloris(key.ip, key.connID) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Cleanup drops stale or completed tracking entries. Should run
// periodically (every ~60s).
func (d *Detector) Cleanup() {
	now := time.Now()
	d.conns.Range(func(k, v any) bool {
		info := v.(*connInfo)
		info.mu.Lock()
		age := now.Sub(info.started)
		idle := now.Sub(info.lastActivity)
		complete := info.headerComplete && info.bytesReceived > minBytes
		info.mu.Unlock()

		if age > staleConnection || idle > staleConnection || complete {
			d.conns.Delete(k)
		}
		return true
	})
}

// TrackedCount returns the number of currently tracked connections.
func (d *Detector) TrackedCount() int {
	n := 0
	d.conns.Range(func(_, _ any) bool { n++; return true })
	return n
}

// DetectedCount returns the number of connections currently flagged by
// the primary (slow header delivery) check.
func (d *Detector) DetectedCount() int {
	now := time.Now()
	n := 0
	d.conns.Range(func(_, v any) bool {
		info := v.(*connInfo)
		info.mu.Lock()
		elapsed := now.Sub(info.started)
		if !info.headerComplete && elapsed > timeout && info.bytesReceived < minBytes {
			n++
		}
		info.mu.Unlock()
		return true
	})
	return n
}
