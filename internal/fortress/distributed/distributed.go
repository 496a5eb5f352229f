// Package distributed implements the coordinated-attack detector, §4.8:
// a 30s tumbling window over path concentration, user-agent diversity,
// and new-IP ratio, declaring an attack once at least two signals fire.
package distributed

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	windowDuration  = 30 * time.Second
	minRequests     = 50
	knownIPStaleAge = time.Hour
)

// CheckResult is returned for every request processed by Check.
type CheckResult struct {
	IsAttack      bool
	ScoreModifier float64
	IsNewIP       bool
}

// AttackInfo records the evidence for the most recent detection.
type AttackInfo struct {
	DetectedAt   time.Time
	Signals      []string
	TopPath      string
	RequestCount uint32
	UniqueIPs    uint32
	NewIPRatio   float64
}

// Detector is the coordinated-attack window tracker. One instance
// serves the whole process; every request updates the same rotating
// window.
type Detector struct {
	mu         sync.Mutex
	pathCounts map[string]uint32
	uaCounts   map[string]uint32
	windowIPs  map[string]struct{}

	totalRequests atomic.Uint32
	newIPCount    atomic.Uint32

	knownIPsMu sync.Mutex
	knownIPs   map[string]time.Time

	windowStartMu sync.RWMutex
	windowStart   time.Time

	attackActive atomic.Bool

	lastAttackMu sync.RWMutex
	lastAttack   *AttackInfo
}

func New() *Detector {
	return &Detector{
		pathCounts:  make(map[string]uint32),
		uaCounts:    make(map[string]uint32),
		windowIPs:   make(map[string]struct{}),
		knownIPs:    make(map[string]time.Time, 1024),
		windowStart: time.Now(),
	}
}

// Check records one request and returns whether it is part of a
// currently-declared distributed attack, plus the score modifier to
// apply to the pipeline's cumulative score.
func (d *Detector) Check(ip, path, userAgent string) CheckResult {
	d.maybeRotateWindow()

	d.mu.Lock()
	d.pathCounts[path]++
	d.uaCounts[userAgent]++
	d.windowIPs[ip] = struct{}{}
	d.mu.Unlock()

	d.totalRequests.Add(1)

	d.knownIPsMu.Lock()
	_, known := d.knownIPs[ip]
	isNew := !known
	if isNew {
		d.newIPCount.Add(1)
	}
	d.knownIPs[ip] = time.Now()
	d.knownIPsMu.Unlock()

	total := d.totalRequests.Load()
	if total < minRequests {
		return CheckResult{IsNewIP: isNew}
	}

	var signals []string

	topPath, topCount, haveTop := d.topPath()
	if haveTop {
		concentration := float64(topCount) / float64(total)
		if concentration > 0.70 {
			signals = append(signals, "path_concentration")
		}
	}

	d.mu.Lock()
	uniqueUAs := len(d.uaCounts)
	totalIPs := uint32(len(d.windowIPs))
	d.mu.Unlock()

	if uniqueUAs < 5 {
		signals = append(signals, "low_ua_diversity")
	}

	newCount := d.newIPCount.Load()
	var newRatio float64
	if totalIPs > 0 {
		newRatio = float64(newCount) / float64(totalIPs)
	}
	if newRatio > 0.80 && totalIPs >= 20 {
		signals = append(signals, "high_new_ip_ratio")
	}

	isAttack := len(signals) >= 2

	wasActive := d.attackActive.Load()
	if isAttack && !wasActive {
		d.attackActive.Store(true)
		info := &AttackInfo{
			DetectedAt:   time.Now(),
			Signals:      signals,
			TopPath:      topPath,
			RequestCount: total,
			UniqueIPs:    totalIPs,
			NewIPRatio:   newRatio,
		}
		d.lastAttackMu.Lock()
		d.lastAttack = info
		d.lastAttackMu.Unlock()
	} else if !isAttack && wasActive {
		d.attackActive.Store(false)
	}

	var modifier float64
	if isAttack {
		if isNew {
			modifier = 30.0
		} else {
			modifier = 10.0
		}
	}

	return CheckResult{IsAttack: isAttack, ScoreModifier: modifier, IsNewIP: isNew}
}

func (d *Detector) IsAttackActive() bool {
	return d.attackActive.Load()
}

func (d *Detector) LastAttack() *AttackInfo {
	d.lastAttackMu.RLock()
	defer d.lastAttackMu.RUnlock()
	return d.lastAttack
}

// Cleanup drops known-IP entries older than an hour.
func (d *Detector) Cleanup() {
	cutoff := time.Now().Add(-knownIPStaleAge)
	d.knownIPsMu.Lock()
	defer d.knownIPsMu.Unlock()
	for ip, seen := range d.knownIPs {
		if seen.Before(cutoff) {
			delete(d.knownIPs, ip)
		}
	}
}

// Stats returns (totalRequests, uniqueIPs, newIPs, attackActive) for
// the current window.
func (d *Detector) Stats() (total uint32, uniqueIPs int, newIPs uint32, active bool) {
	d.mu.Lock()
	uniqueIPs = len(d.windowIPs)
	d.mu.Unlock()
	return d.totalRequests.Load(), uniqueIPs, d.newIPCount.Load(), d.attackActive.Load()
}

func (d *Detector) maybeRotateWindow() {
	d.windowStartMu.RLock()
	start := d.windowStart
	d.windowStartMu.RUnlock()

	if time.Since(start) < windowDuration {
		return
	}

	d.windowStartMu.Lock()
	defer d.windowStartMu.Unlock()
	if time.Since(d.windowStart) < windowDuration {
		return // lost the race to another goroutine
	}
	d.windowStart = time.Now()

	d.mu.Lock()
	d.pathCounts = make(map[string]uint32)
	d.uaCounts = make(map[string]uint32)
	d.windowIPs = make(map[string]struct{})
	d.mu.Unlock()

	d.totalRequests.Store(0)
	d.newIPCount.Store(0)
}

func (d *Detector) topPath() (path string, count uint32, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, c := range d.pathCounts {
		if !ok || c > count {
			path, count, ok = p, c, true
		}
	}
	return
}
