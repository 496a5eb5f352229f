package autoban

import "testing"

func TestRecordBlockEscalatesLadder(t *testing.T) {
	m := New(Config{Enabled: true, BanThreshold5m: 3, BanThreshold15m: 100, BanThreshold1h: 1000, RepeatBanThreshold: 100})

	for i := 0; i < 2; i++ {
		if m.RecordBlock("1.2.3.4") {
			t.Fatalf("unexpected ban before threshold reached")
		}
	}
	if !m.RecordBlock("1.2.3.4") {
		t.Fatalf("expected ban on 3rd block within 5m window")
	}
	if _, banned := m.IsBanned("1.2.3.4"); !banned {
		t.Fatalf("expected IP to be banned")
	}
}

func TestRecordBlockIgnoredWhileBanned(t *testing.T) {
	m := New(Config{Enabled: true, BanThreshold5m: 1, BanThreshold15m: 100, BanThreshold1h: 1000, RepeatBanThreshold: 100})
	m.RecordBlock("5.5.5.5")
	if m.RecordBlock("5.5.5.5") {
		t.Fatalf("expected no new ban while already banned")
	}
}

func TestUnban(t *testing.T) {
	m := New(Config{Enabled: true, BanThreshold5m: 1, BanThreshold15m: 100, BanThreshold1h: 1000, RepeatBanThreshold: 100})
	m.RecordBlock("9.9.9.9")
	if !m.Unban("9.9.9.9") {
		t.Fatalf("expected unban to succeed")
	}
	if _, banned := m.IsBanned("9.9.9.9"); banned {
		t.Fatalf("expected IP to no longer be banned")
	}
}

func TestDisabledManagerNeverBans(t *testing.T) {
	m := New(Config{Enabled: false, BanThreshold5m: 1})
	if m.RecordBlock("1.1.1.1") {
		t.Fatalf("disabled manager must never ban")
	}
}
