package l4

import (
	"testing"
	"time"
)

func TestCheckConnectionAllowsUnderCaps(t *testing.T) {
	tr := New(Config{MaxConcurrentPerIP: 10, ConnectionRatePerIPPerSec: 10})
	if action := tr.CheckConnection("1.2.3.4"); action != ActionAllow {
		t.Fatalf("expected Allow, got %v", action)
	}
}

func TestCheckConnectionDropsOverConcurrentCap(t *testing.T) {
	tr := New(Config{MaxConcurrentPerIP: 1, ConnectionRatePerIPPerSec: 100})
	tr.CheckConnection("1.2.3.4")
	tr.RegisterConnection("1.2.3.4")
	if action := tr.CheckConnection("1.2.3.4"); action != ActionDrop {
		t.Fatalf("expected Drop once concurrent cap reached, got %v", action)
	}
}

func TestCheckConnectionTarpitsOverRateWhenEnabled(t *testing.T) {
	tr := New(Config{MaxConcurrentPerIP: 100, ConnectionRatePerIPPerSec: 2, TarpitEnabled: true})
	tr.CheckConnection("5.6.7.8")
	tr.CheckConnection("5.6.7.8")
	if action := tr.CheckConnection("5.6.7.8"); action != ActionTarpit {
		t.Fatalf("expected Tarpit over rate cap with tarpit enabled, got %v", action)
	}
}

func TestCheckConnectionDropsOverRateWhenTarpitDisabled(t *testing.T) {
	tr := New(Config{MaxConcurrentPerIP: 100, ConnectionRatePerIPPerSec: 2, TarpitEnabled: false})
	tr.CheckConnection("9.9.9.9")
	tr.CheckConnection("9.9.9.9")
	if action := tr.CheckConnection("9.9.9.9"); action != ActionDrop {
		t.Fatalf("expected Drop over rate cap with tarpit disabled, got %v", action)
	}
}

func TestUnregisterConnectionNeverUnderflows(t *testing.T) {
	tr := New(Config{MaxConcurrentPerIP: 10, ConnectionRatePerIPPerSec: 10})
	tr.CheckConnection("1.1.1.1")
	tr.UnregisterConnection("1.1.1.1")
	tr.UnregisterConnection("1.1.1.1")
	v, _ := tr.states.Load("1.1.1.1")
	if v.(*ipState).concurrent.Load() != 0 {
		t.Fatalf("concurrent counter must floor at zero")
	}
}

func TestCleanupRemovesIdleEntries(t *testing.T) {
	tr := New(Config{MaxConcurrentPerIP: 10, ConnectionRatePerIPPerSec: 10})
	tr.CheckConnection("stale")
	v, _ := tr.states.Load("stale")
	state := v.(*ipState)
	state.recentMu.Lock()
	for i := range state.recentConnects {
		state.recentConnects[i] = time.Now().Add(-5 * time.Minute)
	}
	state.recentMu.Unlock()

	tr.Cleanup()
	if _, ok := tr.states.Load("stale"); ok {
		t.Fatalf("expected idle entry to be cleaned up")
	}
}
