package store

import (
	"testing"
	"time"
)

func TestSlidingWindowCount(t *testing.T) {
	w := NewSlidingWindow(1)
	for i := 0; i < 5; i++ {
		w.Increment()
	}
	if got := w.Count(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSlidingWindowCoalesce(t *testing.T) {
	w := NewSlidingWindow(1)
	w.Increment()
	w.Increment() // within 1ms, should coalesce into the same bucket
	w.mu.Lock()
	n := len(w.entries)
	w.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected coalesced single bucket, got %d buckets", n)
	}
	if got := w.Count(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}

func TestBlockIPExpiry(t *testing.T) {
	s := New()
	d := 10 * time.Millisecond
	s.BlockIP("1.2.3.4", "test", &d, "manual")

	if _, ok := s.IsBlocked("1.2.3.4"); !ok {
		t.Fatalf("expected blocked immediately after BlockIP")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := s.IsBlocked("1.2.3.4"); ok {
		t.Fatalf("expected block to have expired")
	}
}

func TestBlockIPCIDRCoversSubnet(t *testing.T) {
	s := New()
	s.BlockIP("203.0.113.0/24", "subnet block", nil, "manual")

	if _, ok := s.IsBlocked("203.0.113.5"); !ok {
		t.Fatalf("expected 203.0.113.5 to be covered by the 203.0.113.0/24 block")
	}
	if _, ok := s.IsBlocked("198.51.100.1"); ok {
		t.Fatalf("expected address outside the blocked subnet to pass")
	}

	s.UnblockIP("203.0.113.0/24")
	if _, ok := s.IsBlocked("203.0.113.5"); ok {
		t.Fatalf("expected subnet block to be lifted after UnblockIP")
	}
}

func TestCheckRateLimitOrdering(t *testing.T) {
	s := New()
	limits := RateLimitConfig{IPPerSecond: 1, SubnetPerSecond: 100, ASNPerSecond: 100, CountryPerSecond: 100}

	s.RecordRequest("1.2.3.4", "1.2.3.0/24", 64512, "US")
	s.RecordRequest("1.2.3.4", "1.2.3.0/24", 64512, "US")

	if hit := s.CheckRateLimit("1.2.3.4", "1.2.3.0/24", 64512, "US", limits); hit != HitIP {
		t.Fatalf("expected HitIP, got %q", hit)
	}
}

func TestUpdateBehaviorPathMonotony(t *testing.T) {
	s := New()
	for i := 0; i < 60; i++ {
		s.UpdateBehavior("9.9.9.9", "/login", "POST", "", "curl/8.0")
	}
	score := s.UpdateBehavior("9.9.9.9", "/login", "POST", "", "curl/8.0")
	if score < 0.10 {
		t.Fatalf("expected path-monotony contribution, got score %f", score)
	}
	if score > 1.0 {
		t.Fatalf("score must clamp to 1.0, got %f", score)
	}
}
