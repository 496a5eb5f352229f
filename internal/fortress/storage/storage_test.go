package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fortress.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestBlockedEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertBlockedEntry(BlockedEntry{
		IPOrCIDR: "203.0.113.9", Reason: "manual", Source: "admin", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("UpsertBlockedEntry: %v", err)
	}
	entries, err := s.ListBlockedEntries()
	if err != nil {
		t.Fatalf("ListBlockedEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].IPOrCIDR != "203.0.113.9" {
		t.Fatalf("expected 1 blocked entry, got %v", entries)
	}
	if err := s.DeleteBlockedEntry("203.0.113.9"); err != nil {
		t.Fatalf("DeleteBlockedEntry: %v", err)
	}
	entries, _ = s.ListBlockedEntries()
	if len(entries) != 0 {
		t.Fatalf("expected entry removed, got %v", entries)
	}
}

func TestBannedIPUpsertIsIdempotentOnConflict(t *testing.T) {
	s := openTestStore(t)
	b := BannedIP{IP: "198.51.100.5", Reason: "flood", BannedAt: time.Now(), DurationSecs: 3600, BanCount: 1}
	if err := s.UpsertBannedIP(b); err != nil {
		t.Fatalf("UpsertBannedIP: %v", err)
	}
	b.BanCount = 2
	if err := s.UpsertBannedIP(b); err != nil {
		t.Fatalf("UpsertBannedIP (update): %v", err)
	}
	banned, err := s.ListBannedIPs()
	if err != nil {
		t.Fatalf("ListBannedIPs: %v", err)
	}
	if len(banned) != 1 || banned[0].BanCount != 2 {
		t.Fatalf("expected single row with updated ban_count, got %v", banned)
	}
}

func TestSettingsGetSetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, ok, err := s.GetSetting("missing"); err != nil || ok {
		t.Fatalf("expected missing key to report ok=false, got ok=%v err=%v", ok, err)
	}
	if err := s.SetSetting("protection_level", "2"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, ok, err := s.GetSetting("protection_level")
	if err != nil || !ok || val != "2" {
		t.Fatalf("expected value=2 ok=true, got value=%q ok=%v err=%v", val, ok, err)
	}
}

func TestBlockedASNAndCountryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertBlockedASN(BlockedASN{ASN: 64500, Name: "Example Net", Action: "block", Reason: "abuse"}); err != nil {
		t.Fatalf("UpsertBlockedASN: %v", err)
	}
	asns, err := s.ListBlockedASNs()
	if err != nil || len(asns) != 1 || asns[0].ASN != 64500 {
		t.Fatalf("expected one blocked ASN, got %v err=%v", asns, err)
	}

	if err := s.UpsertBlockedCountry(BlockedCountry{CountryCode: "XX", CountryName: "Testland", Action: "challenge"}); err != nil {
		t.Fatalf("UpsertBlockedCountry: %v", err)
	}
	countries, err := s.ListBlockedCountries()
	if err != nil || len(countries) != 1 || countries[0].CountryCode != "XX" {
		t.Fatalf("expected one blocked country, got %v err=%v", countries, err)
	}
}

func TestGetRulesImplementsCustomRulesSource(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertRule("block-admin", 10, `{"path":"/admin/*"}`, "block", true); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}
	if err := s.InsertRule("malformed", 20, `not-json`, "block", true); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}

	rows, err := s.GetRules()
	if err != nil {
		t.Fatalf("GetRules: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected malformed row to be skipped, got %d rows", len(rows))
	}
	if rows[0].Name != "block-admin" || rows[0].Condition.Path != "/admin/*" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestSetRuleEnabled(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertRule("toggle-me", 5, `{"path":"/x"}`, "challenge", true); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}
	rows, _ := s.GetRules()
	if len(rows) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rows))
	}
	if err := s.SetRuleEnabled(rows[0].ID, false); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}
	rows, _ = s.GetRules()
	if len(rows) != 1 || rows[0].Enabled {
		t.Fatalf("expected rule disabled, got %+v", rows)
	}
}
