package geoip

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWithoutDatabasesDegradesToFallbackTable(t *testing.T) {
	l := New("", "", zerolog.Nop())
	defer l.Close()

	if country := l.Country("8.8.8.8"); country != "US" {
		t.Fatalf("expected fallback country US for 8.8.8.8, got %q", country)
	}

	asn, org, ok := l.ASN("8.8.8.8")
	if !ok || asn != 15169 || org != "Google LLC" {
		t.Fatalf("expected fallback ASN 15169/Google LLC, got asn=%d org=%q ok=%v", asn, org, ok)
	}
}

func TestCountryUnknownIPReturnsEmpty(t *testing.T) {
	l := New("", "", zerolog.Nop())
	defer l.Close()

	if country := l.Country("203.0.113.5"); country != "" {
		t.Fatalf("expected empty country for unmapped IP, got %q", country)
	}
}

func TestMissingDatabaseFilesDoNotPanic(t *testing.T) {
	l := New("/nonexistent/city.mmdb", "/nonexistent/asn.mmdb", zerolog.Nop())
	defer l.Close()
	if l.cityDB != nil || l.asnDB != nil {
		t.Fatalf("expected nil readers when database files are missing")
	}
}
