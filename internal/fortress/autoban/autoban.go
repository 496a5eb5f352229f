// Package autoban implements the auto-ban ladder, §4.5: repeated blocks
// from the same IP within sliding windows escalate into a temporary ban
// whose duration grows with severity and repeat-offender history.
package autoban

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Egida/fortress/internal/fortress/model"
)

// Config mirrors the settings read from the auto_ban section.
type Config struct {
	Enabled             bool
	BanThreshold5m      uint32
	BanThreshold15m     uint32
	BanThreshold1h      uint32
	RepeatBanThreshold  uint32
}

type blockHistory struct {
	mu       sync.Mutex
	blocks   []time.Time
	banCount uint32
}

func (h *blockHistory) cleanup(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(h.blocks) && h.blocks[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		h.blocks = h.blocks[i:]
	}
}

func (h *blockHistory) countSince(now time.Time, window time.Duration) uint32 {
	cutoff := now.Add(-window)
	var n uint32
	for _, t := range h.blocks {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

type banEntry struct {
	bannedAt time.Time
	duration time.Duration
	reason   string
}

func (b banEntry) expired(now time.Time) bool {
	return now.Sub(b.bannedAt) >= b.duration
}

// Manager is the auto-ban coordinator. Safe for concurrent use.
type Manager struct {
	cfg Config

	bans    sync.Map // string(ip) -> banEntry
	history sync.Map // string(ip) -> *blockHistory

	subnetMu sync.Mutex
	subnets  map[string]uint32
}

func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, subnets: make(map[string]uint32)}
}

// IsBanned returns the active ban reason, if any.
func (m *Manager) IsBanned(ip string) (reason string, banned bool) {
	if !m.cfg.Enabled {
		return "", false
	}
	v, ok := m.bans.Load(ip)
	if !ok {
		return "", false
	}
	e := v.(banEntry)
	if e.expired(time.Now()) {
		return "", false
	}
	return e.reason, true
}

func (m *Manager) getHistory(ip string) *blockHistory {
	v, _ := m.history.LoadOrStore(ip, &blockHistory{})
	return v.(*blockHistory)
}

// RecordBlock records a block event for ip and returns true if it caused
// a new ban to be created. Already-banned IPs are not re-evaluated.
func (m *Manager) RecordBlock(ip string) bool {
	if !m.cfg.Enabled {
		return false
	}
	if _, banned := m.IsBanned(ip); banned {
		return false
	}

	h := m.getHistory(ip)
	h.mu.Lock()
	now := time.Now()
	h.cleanup(now)
	h.blocks = append(h.blocks, now)

	blocks1h := h.countSince(now, time.Hour)
	blocks15m := h.countSince(now, 15*time.Minute)
	blocks5m := h.countSince(now, 5*time.Minute)
	banCount := h.banCount

	var duration time.Duration
	var reason string
	switch {
	case banCount >= m.cfg.RepeatBanThreshold:
		duration = 24 * time.Hour
		reason = "repeat_offender_ban"
	case blocks1h >= m.cfg.BanThreshold1h:
		duration = 2 * time.Hour
		reason = "1h_threshold_ban"
	case blocks15m >= m.cfg.BanThreshold15m:
		duration = 30 * time.Minute
		reason = "15m_threshold_ban"
	case blocks5m >= m.cfg.BanThreshold5m:
		duration = 5 * time.Minute
		reason = "5m_threshold_ban"
	}

	if duration == 0 {
		h.mu.Unlock()
		return false
	}
	h.banCount++
	h.mu.Unlock()

	m.bans.Store(ip, banEntry{bannedAt: now, duration: duration, reason: reason})

	subnet := model.SubnetOf(ip, 24)
	m.subnetMu.Lock()
	m.subnets[subnet]++
	m.subnetMu.Unlock()

	log.Warn().
		Str("ip", ip).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("ip auto-banned")

	return true
}

// Restore seeds an active ban directly from a persisted row, for
// warming the in-memory ban table from the durable store at startup.
// Expired bans are silently skipped.
func (m *Manager) Restore(ip, reason string, bannedAt time.Time, duration time.Duration) {
	e := banEntry{bannedAt: bannedAt, duration: duration, reason: reason}
	if e.expired(time.Now()) {
		return
	}
	m.bans.Store(ip, e)
	subnet := model.SubnetOf(ip, 24)
	m.subnetMu.Lock()
	m.subnets[subnet]++
	m.subnetMu.Unlock()
}

// Unban removes a ban (administrative action).
func (m *Manager) Unban(ip string) bool {
	_, existed := m.bans.LoadAndDelete(ip)
	if existed {
		subnet := model.SubnetOf(ip, 24)
		m.subnetMu.Lock()
		if m.subnets[subnet] > 0 {
			m.subnets[subnet]--
		}
		m.subnetMu.Unlock()
	}
	return existed
}

// ActiveBan describes one currently-active ban for reporting purposes.
type ActiveBan struct {
	IP            string
	Reason        string
	DurationSecs  uint64
	RemainingSecs uint64
}

// ActiveBans returns all non-expired bans, sorted by remaining time descending.
func (m *Manager) ActiveBans() []ActiveBan {
	now := time.Now()
	var out []ActiveBan
	m.bans.Range(func(k, v any) bool {
		e := v.(banEntry)
		if e.expired(now) {
			return true
		}
		remaining := e.duration - now.Sub(e.bannedAt)
		out = append(out, ActiveBan{
			IP:            k.(string),
			Reason:        e.reason,
			DurationSecs:  uint64(e.duration.Seconds()),
			RemainingSecs: uint64(remaining.Seconds()),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RemainingSecs > out[j].RemainingSecs })
	return out
}

func (m *Manager) ActiveBanCount() int {
	now := time.Now()
	var n int
	m.bans.Range(func(_, v any) bool {
		if !v.(banEntry).expired(now) {
			n++
		}
		return true
	})
	return n
}

// Cleanup drops expired bans and history entries idle beyond 2 hours.
func (m *Manager) Cleanup() {
	now := time.Now()

	m.bans.Range(func(k, v any) bool {
		e := v.(banEntry)
		if e.expired(now) {
			m.bans.Delete(k)
			subnet := model.SubnetOf(k.(string), 24)
			m.subnetMu.Lock()
			if m.subnets[subnet] > 0 {
				m.subnets[subnet]--
			}
			m.subnetMu.Unlock()
		}
		return true
	})

	stale := 2 * time.Hour
	m.history.Range(func(k, v any) bool {
		h := v.(*blockHistory)
		h.mu.Lock()
		var last time.Time
		if n := len(h.blocks); n > 0 {
			last = h.blocks[n-1]
		}
		idle := last.IsZero() || now.Sub(last) >= stale
		h.mu.Unlock()
		if idle {
			m.history.Delete(k)
		}
		return true
	})
}
