// Package geoip resolves client IPs to country codes and ASN/org
// names. It prefers MaxMind GeoLite2 databases when present on disk
// and falls back to a small static CIDR table so the pipeline still
// gets coarse country/ASN signal in a database-less deployment.
package geoip

import (
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
)

// Lookup resolves IPs to country code and ASN/organization.
type Lookup struct {
	log      zerolog.Logger
	cityDB   *geoip2.Reader
	asnDB    *geoip2.Reader
	fallback []staticRange
}

// New opens the MaxMind databases at cityDBPath/asnDBPath if present.
// Missing or unreadable files degrade gracefully to the static table —
// GeoIP is a best-effort signal, never a hard dependency.
func New(cityDBPath, asnDBPath string, log zerolog.Logger) *Lookup {
	l := &Lookup{log: log, fallback: staticFallbackTable}

	if cityDBPath != "" {
		if _, err := os.Stat(cityDBPath); err == nil {
			if reader, err := geoip2.Open(cityDBPath); err == nil {
				l.cityDB = reader
				log.Info().Str("path", cityDBPath).Msg("geoip city database loaded")
			} else {
				log.Warn().Err(err).Str("path", cityDBPath).Msg("failed to load geoip city database")
			}
		} else {
			log.Warn().Str("path", cityDBPath).Msg("geoip city database file not found")
		}
	}

	if asnDBPath != "" {
		if _, err := os.Stat(asnDBPath); err == nil {
			if reader, err := geoip2.Open(asnDBPath); err == nil {
				l.asnDB = reader
				log.Info().Str("path", asnDBPath).Msg("geoip asn database loaded")
			} else {
				log.Warn().Err(err).Str("path", asnDBPath).Msg("failed to load geoip asn database")
			}
		} else {
			log.Warn().Str("path", asnDBPath).Msg("geoip asn database file not found")
		}
	}

	return l
}

// Close releases any open MaxMind database handles.
func (l *Lookup) Close() {
	if l.cityDB != nil {
		l.cityDB.Close()
	}
	if l.asnDB != nil {
		l.asnDB.Close()
	}
}

// Country returns the 2-letter ISO country code for ip, or "" if unknown.
func (l *Lookup) Country(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	if l.cityDB != nil {
		record, err := l.cityDB.Country(ip)
		if err == nil && record.Country.IsoCode != "" {
			return record.Country.IsoCode
		}
	}

	for _, r := range l.fallback {
		if r.network.Contains(ip) {
			return r.country
		}
	}
	return ""
}

// ASN returns the autonomous system number and organization name for ip.
// ok is false if neither database nor fallback table has an answer.
func (l *Lookup) ASN(ipStr string) (asn uint32, org string, ok bool) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return 0, "", false
	}

	if l.asnDB != nil {
		record, err := l.asnDB.ASN(ip)
		if err == nil && record.AutonomousSystemNumber != 0 {
			return uint32(record.AutonomousSystemNumber), record.AutonomousSystemOrganization, true
		}
	}

	for _, r := range l.fallback {
		if r.asn != 0 && r.network.Contains(ip) {
			return r.asn, r.org, true
		}
	}
	return 0, "", false
}

type staticRange struct {
	network *net.IPNet
	country string
	asn     uint32
	org     string
}

// staticFallbackTable covers a handful of well-known large blocks so
// country/ASN signal survives a database-less deployment; it is not a
// substitute for the real GeoLite2 data.
var staticFallbackTable = buildStaticFallbackTable()

func buildStaticFallbackTable() []staticRange {
	entries := []struct {
		cidr    string
		country string
		asn     uint32
		org     string
	}{
		{"8.8.8.0/24", "US", 15169, "Google LLC"},
		{"1.1.1.0/24", "US", 13335, "Cloudflare, Inc."},
		{"13.107.0.0/16", "US", 8075, "Microsoft Corporation"},
		{"140.82.112.0/20", "US", 36459, "GitHub, Inc."},
		{"104.16.0.0/13", "US", 13335, "Cloudflare, Inc."},
		{"185.199.108.0/22", "US", 54113, "Fastly, Inc."},
		{"45.33.0.0/16", "US", 63949, "Linode"},
		{"78.46.0.0/15", "DE", 24940, "Hetzner Online GmbH"},
		{"51.75.0.0/16", "FR", 16276, "OVH SAS"},
		{"95.142.0.0/16", "TR", 9121, "Turk Telekom"},
	}
	table := make([]staticRange, 0, len(entries))
	for _, e := range entries {
		_, network, err := net.ParseCIDR(e.cidr)
		if err != nil {
			continue
		}
		table = append(table, staticRange{network: network, country: e.country, asn: e.asn, org: e.org})
	}
	return table
}
