package pipeline

import (
	"strings"
	"sync"

	"github.com/Egida/fortress/internal/fortress/config"
	"github.com/Egida/fortress/internal/fortress/model"
	"github.com/Egida/fortress/internal/fortress/storage"
)

// Blocklist resolves country/ASN block-or-challenge decisions, merging
// the config's static lists with admin-managed entries warmed from
// storage. Entries are refreshed on a ticker (see RefreshFromStorage)
// rather than read from the database per-request.
type Blocklist struct {
	mu        sync.RWMutex
	asns      map[uint32]struct{}
	countries map[string]string // country code -> "block" | "challenge"
}

func NewBlocklist() *Blocklist {
	return &Blocklist{asns: map[uint32]struct{}{}, countries: map[string]string{}}
}

// RefreshFromStorage reloads the dynamic blocklist tables. Call this
// periodically (e.g. every 30s) from main's background ticker.
func (b *Blocklist) RefreshFromStorage(s *storage.Store) error {
	asns, err := s.ListBlockedASNs()
	if err != nil {
		return err
	}
	countries, err := s.ListBlockedCountries()
	if err != nil {
		return err
	}

	asnSet := make(map[uint32]struct{}, len(asns))
	for _, a := range asns {
		asnSet[a.ASN] = struct{}{}
	}
	countrySet := make(map[string]string, len(countries))
	for _, c := range countries {
		countrySet[strings.ToUpper(c.CountryCode)] = c.Action
	}

	b.mu.Lock()
	b.asns = asnSet
	b.countries = countrySet
	b.mu.Unlock()
	return nil
}

// CheckASN reports whether asn is blocked, checking both the dynamic
// storage-backed set and the config's static BlockedASNs list.
func (b *Blocklist) CheckASN(asnNum uint32, cfg *config.Config) bool {
	if asnNum == 0 {
		return false
	}
	b.mu.RLock()
	_, dynamicHit := b.asns[asnNum]
	b.mu.RUnlock()
	if dynamicHit {
		return true
	}
	for _, blocked := range cfg.Blocklist.BlockedASNs {
		if blocked == asnNum {
			return true
		}
	}
	return false
}

// CheckCountry reports the action (Block/Challenge) for country, and
// whether it appears in any blocklist/challenge-list at all. The
// dynamic storage-backed table takes precedence over config's static
// lists when both name the same country.
func (b *Blocklist) CheckCountry(country string, cfg *config.Config) (model.ThreatAction, bool) {
	if country == "" {
		return model.ActionPass, false
	}
	cc := strings.ToUpper(country)

	b.mu.RLock()
	action, dynamicHit := b.countries[cc]
	b.mu.RUnlock()
	if dynamicHit {
		if action == "challenge" {
			return model.ActionChallenge, true
		}
		return model.ActionBlock, true
	}

	for _, blocked := range cfg.Blocklist.BlockedCountries {
		if strings.EqualFold(blocked, cc) {
			return model.ActionBlock, true
		}
	}
	for _, challenged := range cfg.Blocklist.ChallengedCountries {
		if strings.EqualFold(challenged, cc) {
			return model.ActionChallenge, true
		}
	}
	return model.ActionPass, false
}
