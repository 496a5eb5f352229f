package store

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimitConfig carries per-second thresholds for the four counter
// dimensions; the pipeline derives it from the configured per-10s values
// for the active protection level (see internal/fortress/ratelimit).
type RateLimitConfig struct {
	IPPerSecond      uint64
	SubnetPerSecond  uint64
	ASNPerSecond     uint64
	CountryPerSecond uint64
}

// BlockedEntry is a manual or auto-applied block, held both in the
// in-memory cache here and in the durable warm-cache store.
type BlockedEntry struct {
	Reason    string
	ExpiresAt *time.Time
	Source    string // "auto" | "manual" | "config"
}

func (e BlockedEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// cidrBlock pairs a parsed network with the entry blocking it, for the
// subset of blocked_entries rows whose ip_or_cidr column is a CIDR
// rather than a single address.
type cidrBlock struct {
	raw     string
	network *net.IPNet
	entry   BlockedEntry
}

// Store is the MemoryStore coordinator of the four sliding-window tables,
// per-IP behavior profiles, the blocked-IP cache, and challenge
// clearances. Each table is a sync.Map: writes to a single key are
// serialized by the entry's own lock; reads are lock-free at the map
// level. No cross-table consistency is required.
type Store struct {
	ipWindows      sync.Map // string -> *SlidingWindow
	subnetWindows  sync.Map // string -> *SlidingWindow
	asnWindows     sync.Map // uint32 -> *SlidingWindow
	countryWindows sync.Map // string -> *SlidingWindow

	profiles sync.Map // string(ip) -> *BehaviorProfile
	blocked  sync.Map // string(ip) -> BlockedEntry
	clearances sync.Map // string(ip) -> time.Time (expiry)

	cidrMu      sync.RWMutex
	cidrBlocked []cidrBlock

	totalRequests     atomic.Uint64
	passedRequests    atomic.Uint64
	blockedRequests   atomic.Uint64
	challengedRequests atomic.Uint64
	activeConnections atomic.Int64
}

func New() *Store {
	return &Store{}
}

func windowFor(m *sync.Map, key any) *SlidingWindow {
	if v, ok := m.Load(key); ok {
		return v.(*SlidingWindow)
	}
	w := NewSlidingWindow(1)
	actual, _ := m.LoadOrStore(key, w)
	return actual.(*SlidingWindow)
}

// RecordRequest increments all four sliding windows for the request's
// dimensions. Allocation of a window on first sight of a key is lazy.
func (s *Store) RecordRequest(ip string, subnet string, asn uint32, country string) {
	s.totalRequests.Add(1)
	windowFor(&s.ipWindows, ip).Increment()
	windowFor(&s.subnetWindows, subnet).Increment()
	windowFor(&s.asnWindows, asn).Increment()
	windowFor(&s.countryWindows, country).Increment()
}

// RateLimitHit names which dimension (if any) exceeded its threshold,
// checked in the order IP -> subnet -> ASN -> country.
type RateLimitHit string

const (
	HitNone    RateLimitHit = ""
	HitIP      RateLimitHit = "ip"
	HitSubnet  RateLimitHit = "subnet"
	HitASN     RateLimitHit = "asn"
	HitCountry RateLimitHit = "country"
)

func (s *Store) CheckRateLimit(ip string, subnet string, asn uint32, country string, limits RateLimitConfig) RateLimitHit {
	if w, ok := s.ipWindows.Load(ip); ok && w.(*SlidingWindow).Count() > limits.IPPerSecond {
		return HitIP
	}
	if w, ok := s.subnetWindows.Load(subnet); ok && w.(*SlidingWindow).Count() > limits.SubnetPerSecond {
		return HitSubnet
	}
	if w, ok := s.asnWindows.Load(asn); ok && w.(*SlidingWindow).Count() > limits.ASNPerSecond {
		return HitASN
	}
	if w, ok := s.countryWindows.Load(country); ok && w.(*SlidingWindow).Count() > limits.CountryPerSecond {
		return HitCountry
	}
	return HitNone
}

// IsBlocked returns the entry only if not expired; an expired entry is
// removed from the cache in the same call. Besides the exact-match
// table it also checks ip against every blocked CIDR network, so a
// block on a subnet like 203.0.113.0/24 covers every address in it.
func (s *Store) IsBlocked(ip string) (BlockedEntry, bool) {
	v, ok := s.blocked.Load(ip)
	if ok {
		entry := v.(BlockedEntry)
		if entry.expired(time.Now()) {
			s.blocked.Delete(ip)
		} else {
			return entry, true
		}
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return BlockedEntry{}, false
	}

	s.cidrMu.RLock()
	defer s.cidrMu.RUnlock()
	now := time.Now()
	for _, c := range s.cidrBlocked {
		if c.entry.expired(now) {
			continue
		}
		if c.network.Contains(parsed) {
			return c.entry, true
		}
	}
	return BlockedEntry{}, false
}

// BlockIP blocks ipOrCIDR. A value containing "/" is parsed as a CIDR
// network and checked via net.IPNet.Contains; anything else is an
// exact IP stored in the fast-path map.
func (s *Store) BlockIP(ipOrCIDR, reason string, duration *time.Duration, source string) {
	entry := BlockedEntry{Reason: reason, Source: source}
	if duration != nil {
		exp := time.Now().Add(*duration)
		entry.ExpiresAt = &exp
	}

	if strings.Contains(ipOrCIDR, "/") {
		_, network, err := net.ParseCIDR(ipOrCIDR)
		if err != nil {
			return
		}
		s.cidrMu.Lock()
		s.cidrBlocked = append(s.cidrBlocked, cidrBlock{raw: ipOrCIDR, network: network, entry: entry})
		s.cidrMu.Unlock()
		return
	}

	s.blocked.Store(ipOrCIDR, entry)
}

func (s *Store) UnblockIP(ipOrCIDR string) {
	s.blocked.Delete(ipOrCIDR)

	s.cidrMu.Lock()
	defer s.cidrMu.Unlock()
	for i, c := range s.cidrBlocked {
		if c.raw == ipOrCIDR {
			s.cidrBlocked = append(s.cidrBlocked[:i], s.cidrBlocked[i+1:]...)
			return
		}
	}
}

// UpdateBehavior updates the per-IP profile and returns the suspicion
// score in [0, 1]. A profile is created lazily on first sight.
func (s *Store) UpdateBehavior(ip, path, method, ja3, ua string) float64 {
	v, _ := s.profiles.LoadOrStore(ip, newBehaviorProfile())
	profile := v.(*BehaviorProfile)
	return profile.update(path, method, ja3, ua)
}

// SetClearance records a PoW-verified clearance expiry for ip (used only
// for local bookkeeping/metrics; the authoritative proof is the signed
// cookie itself, verified stateless by internal/fortress/challenge).
func (s *Store) SetClearance(ip string, expiresAt time.Time) {
	s.clearances.Store(ip, expiresAt)
}

func (s *Store) RegisterPass()      { s.passedRequests.Add(1) }
func (s *Store) RegisterBlock()     { s.blockedRequests.Add(1) }
func (s *Store) RegisterChallenge() { s.challengedRequests.Add(1) }

func (s *Store) Totals() (total, passed, blocked, challenged uint64) {
	return s.totalRequests.Load(), s.passedRequests.Load(), s.blockedRequests.Load(), s.challengedRequests.Load()
}

// Cleanup is idempotent and safe to call periodically (every 30s per
// spec). It trims expired window entries, drops empty windows, removes
// expired blocks/clearances, and evicts profiles idle beyond the
// configured threshold.
func (s *Store) Cleanup() {
	now := time.Now()

	cleanupWindows(&s.ipWindows)
	cleanupWindows(&s.subnetWindows)
	cleanupWindows(&s.asnWindows)
	cleanupWindows(&s.countryWindows)

	s.blocked.Range(func(k, v any) bool {
		if v.(BlockedEntry).expired(now) {
			s.blocked.Delete(k)
		}
		return true
	})

	s.cidrMu.Lock()
	live := s.cidrBlocked[:0]
	for _, c := range s.cidrBlocked {
		if !c.entry.expired(now) {
			live = append(live, c)
		}
	}
	s.cidrBlocked = live
	s.cidrMu.Unlock()

	s.clearances.Range(func(k, v any) bool {
		if now.After(v.(time.Time)) {
			s.clearances.Delete(k)
		}
		return true
	})

	s.profiles.Range(func(k, v any) bool {
		if v.(*BehaviorProfile).idleSince() > behaviorProfileIdleEvict {
			s.profiles.Delete(k)
		}
		return true
	})
}

func cleanupWindows(m *sync.Map) {
	m.Range(func(k, v any) bool {
		w := v.(*SlidingWindow)
		w.Cleanup()
		if w.Empty() {
			m.Delete(k)
		}
		return true
	})
}
