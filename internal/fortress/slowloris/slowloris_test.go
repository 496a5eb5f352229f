package slowloris

import (
	"testing"
	"time"
)

func TestMultipleConnectionsFromSameIPTrackedIndependently(t *testing.T) {
	d := New()
	d.TrackConnection("1.2.3.4", 1)
	d.TrackConnection("1.2.3.4", 2)
	if d.TrackedCount() != 2 {
		t.Fatalf("expected 2 independently tracked connections from the same IP, got %d", d.TrackedCount())
	}
}

func TestIsSlowlorisDetectsSlowHeaderDelivery(t *testing.T) {
	d := New()
	d.TrackConnection("5.5.5.5", 1)
	v, _ := d.conns.Load(connKey{"5.5.5.5", 1})
	v.(*connInfo).started = time.Now().Add(-40 * time.Second)

	if !d.IsSlowloris("5.5.5.5", 1) {
		t.Fatalf("expected slowloris detection for aged, low-byte, incomplete-header connection")
	}
}

func TestIsSlowlorisFalseForCompleteFastConnection(t *testing.T) {
	d := New()
	d.TrackConnection("6.6.6.6", 1)
	d.UpdateProgress("6.6.6.6", 1, 2048, true)
	if d.IsSlowloris("6.6.6.6", 1) {
		t.Fatalf("completed connection with ample bytes must not be flagged")
	}
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	d := New()
	d.TrackConnection("7.7.7.7", 1)
	v, _ := d.conns.Load(connKey{"7.7.7.7", 1})
	v.(*connInfo).started = time.Now().Add(-10 * time.Minute)
	v.(*connInfo).lastActivity = time.Now().Add(-10 * time.Minute)

	d.Cleanup()
	if d.TrackedCount() != 0 {
		t.Fatalf("expected stale connection to be cleaned up")
	}
}
