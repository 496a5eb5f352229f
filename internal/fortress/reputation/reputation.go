// Package reputation implements the IP-reputation store: per-IP scores
// with exponential decay, per-action counters, category tags, and a
// static Tor-exit-node set consulted at check time.
package reputation

import (
	"math"
	"sync"
	"time"
)

type Category string

const (
	CategoryTorExit    Category = "tor_exit"
	CategoryKnownProxy Category = "known_proxy"
	CategoryScanner    Category = "scanner"
	CategoryBruteForce Category = "brute_force"
	CategoryDDoS       Category = "ddos"
)

const (
	scoreCap        = 100.0
	evictScoreFloor = 1.0
	evictIdleAfter  = time.Hour

	blockDelta     = 5.0
	challengeDelta = 2.0
	passDelta      = -0.5

	knownProxyContribution = 10.0
	scannerContribution    = 15.0
)

type entry struct {
	mu sync.Mutex

	score      float64
	blocked    uint64
	challenged uint64
	passed     uint64
	firstSeen  time.Time
	lastSeen   time.Time
	lastDecay  time.Time
	categories map[Category]struct{}
	banCount   uint64
}

func newEntry() *entry {
	now := time.Now()
	return &entry{
		firstSeen:  now,
		lastSeen:   now,
		lastDecay:  now,
		categories: make(map[Category]struct{}),
	}
}

// Config mirrors the settings the original IpReputationManager reads.
type Config struct {
	Enabled             bool
	TorDetectionEnabled bool
	TorScore            float64
	DecayInterval       time.Duration
	DecayPercent        float64
	BlockThreshold      float64
	HighReputationScore float64
}

// Manager is the IP-reputation coordinator, §4.4.
type Manager struct {
	cfg     Config
	entries sync.Map // string(ip) -> *entry
	torSet  map[string]struct{}
}

func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, torSet: buildTorExitSet()}
}

// decayedScore applies (1 - decay%/100)^periods to raw since lastDecay,
// without persisting it (matches original_source: check() computes a
// local rep_score and does not mutate entry.score; only record_* calls
// actually persist the decayed value via applyDecay).
func (m *Manager) decayedScore(e *entry, now time.Time) float64 {
	if m.cfg.DecayInterval <= 0 || e.score == 0 {
		return e.score
	}
	elapsed := now.Sub(e.lastDecay)
	periods := math.Floor(elapsed.Seconds() / m.cfg.DecayInterval.Seconds())
	if periods <= 0 {
		return e.score
	}
	factor := math.Pow(1-m.cfg.DecayPercent/100, periods)
	return e.score * factor
}

func (m *Manager) applyDecay(e *entry, now time.Time) {
	if m.cfg.DecayInterval <= 0 {
		return
	}
	elapsed := now.Sub(e.lastDecay)
	periods := math.Floor(elapsed.Seconds() / m.cfg.DecayInterval.Seconds())
	if periods <= 0 {
		return
	}
	e.score *= math.Pow(1-m.cfg.DecayPercent/100, periods)
	e.lastDecay = now
}

// Check returns the score contribution this IP adds to the cumulative
// pipeline score, and whether it should hard-block (score over
// threshold). Tor-exit membership, per-tier score, and per-category
// contributions are all folded into the single returned contribution.
func (m *Manager) Check(ip string) (contribution float64, hardBlock bool) {
	if !m.cfg.Enabled {
		return 0, false
	}

	if m.cfg.TorDetectionEnabled {
		if _, isTor := m.torSet[ip]; isTor {
			contribution += m.cfg.TorScore
		}
	}

	v, ok := m.entries.Load(ip)
	if !ok {
		return contribution, false
	}
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	repScore := m.decayedScore(e, time.Now())

	if repScore >= m.cfg.BlockThreshold {
		return repScore, true
	}

	switch {
	case repScore >= 50:
		contribution += m.cfg.HighReputationScore
	case repScore >= 25:
		contribution += m.cfg.HighReputationScore / 2
	}

	if _, ok := e.categories[CategoryKnownProxy]; ok {
		contribution += knownProxyContribution
	}
	if _, ok := e.categories[CategoryScanner]; ok {
		contribution += scannerContribution
	}

	return contribution, false
}

func (m *Manager) getOrCreate(ip string) *entry {
	v, _ := m.entries.LoadOrStore(ip, newEntry())
	return v.(*entry)
}

// Restore seeds an entry directly from a persisted row, for warming the
// in-memory table from the durable store at startup. Categories is the
// comma-joined tag list the storage layer persists it as.
func (m *Manager) Restore(ip string, score float64, blocked, challenged, passed, banCount uint64, categories []Category, firstSeen, lastSeen, lastDecay time.Time) {
	e := newEntry()
	e.score = score
	e.blocked = blocked
	e.challenged = challenged
	e.passed = passed
	e.banCount = banCount
	e.firstSeen = firstSeen
	e.lastSeen = lastSeen
	e.lastDecay = lastDecay
	for _, c := range categories {
		e.categories[c] = struct{}{}
	}
	m.entries.Store(ip, e)
}

func (m *Manager) RecordBlock(ip string) {
	e := m.getOrCreate(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	m.applyDecay(e, now)
	e.score = math.Min(scoreCap, e.score+blockDelta)
	e.blocked++
	e.lastSeen = now
}

func (m *Manager) RecordChallenge(ip string) {
	e := m.getOrCreate(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	m.applyDecay(e, now)
	e.score = math.Min(scoreCap, e.score+challengeDelta)
	e.challenged++
	e.lastSeen = now
}

// RecordPass only updates a pre-existing entry; it never creates one —
// benign traffic should not seed a reputation record.
func (m *Manager) RecordPass(ip string) {
	v, ok := m.entries.Load(ip)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	m.applyDecay(e, now)
	e.score = math.Max(0, e.score+passDelta)
	e.passed++
	e.lastSeen = now
}

func (m *Manager) AddCategory(ip string, c Category) {
	e := m.getOrCreate(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.categories[c] = struct{}{}
}

func (m *Manager) BanCount(ip string) uint64 {
	v, ok := m.entries.Load(ip)
	if !ok {
		return 0
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.banCount
}

func (m *Manager) IncrementBanCount(ip string) {
	e := m.getOrCreate(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.banCount++
}

// Cleanup drops entries whose score has decayed to <=1 and whose
// last-seen is older than 1h.
func (m *Manager) Cleanup() {
	now := time.Now()
	m.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		m.applyDecay(e, now)
		idle := now.Sub(e.lastSeen) > evictIdleAfter
		low := e.score <= evictScoreFloor
		e.mu.Unlock()
		if idle && low {
			m.entries.Delete(k)
		}
		return true
	})
}
