// Package behavioral adapts the store's per-IP request-pattern profile
// into a pipeline-stage-shaped [0,100] score, §4.3.
package behavioral

import "github.com/Egida/fortress/internal/fortress/store"

// Analyzer wraps a Store's behavior-profile tracking for pipeline use.
type Analyzer struct {
	store *store.Store
}

func New(s *store.Store) *Analyzer {
	return &Analyzer{store: s}
}

// Score records one request against ip's profile and returns the
// suspicion contribution scaled from the store's [0,1] range to the
// pipeline's [0,100] scoring range.
func (a *Analyzer) Score(ip, path, method, ja3, ua string) float64 {
	return a.store.UpdateBehavior(ip, path, method, ja3, ua) * 100.0
}
