// Package escalation implements the protection-level state machine,
// §4.6: L0-L4 escalate on sustained high RPS or block volume, and
// de-escalate only after sustained calm, each transition gated by its
// own cooldown to prevent flapping.
package escalation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Egida/fortress/internal/fortress/model"
)

// deescalationConsecutiveChecks is fixed independent of config, matching
// the upstream constant rather than the per-escalation sustained-checks
// setting: de-escalation always needs 3 consecutive calm evaluations.
const deescalationConsecutiveChecks = 3

// defaultEscalationCooldown is used when Config.EscalationCooldown is
// left at its zero value.
const defaultEscalationCooldown = 10 * time.Second

// Thresholds carries the per-level RPS thresholds read from config.
type Thresholds struct {
	L0ToL1RPS float64
	L1ToL2RPS float64
	L2ToL3RPS float64
	L3ToL4RPS float64
}

// Config mirrors the escalation settings section.
type Config struct {
	SustainedChecksRequired uint32
	BlockRatioThreshold     float64
	DeescalationCooldown    time.Duration
	EscalationCooldown      time.Duration
	Thresholds              Thresholds
}

// Engine is the escalation/de-escalation controller. Exactly one per
// running process; the current level gates rate-limit tiers and
// response strictness process-wide.
type Engine struct {
	currentLevel atomic.Int32

	lastEscalationMu   sync.Mutex
	lastEscalation     time.Time
	lastDeescalationMu sync.Mutex
	lastDeescalation   time.Time

	escalationCounter   atomic.Uint32
	deescalationCounter atomic.Uint32

	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.EscalationCooldown <= 0 {
		cfg.EscalationCooldown = defaultEscalationCooldown
	}
	// lastEscalation stays zero: with no earlier transition there is
	// nothing for the escalation cooldown to space the first one from.
	return &Engine{cfg: cfg, lastDeescalation: time.Now()}
}

func (e *Engine) CurrentLevel() model.ProtectionLevel {
	return model.ProtectionLevel(e.currentLevel.Load())
}

// SetLevel forces the level (administrative override), resetting both
// sustained-check counters.
func (e *Engine) SetLevel(level model.ProtectionLevel) {
	prev := e.currentLevel.Swap(int32(level))
	if prev != int32(level) {
		e.escalationCounter.Store(0)
		e.deescalationCounter.Store(0)
	}
}

// Evaluate consumes one period's traffic summary and may transition the
// level by at most one step. rps is the current requests/sec, blockedPerMin
// and totalPerMin are rolling one-minute counters.
func (e *Engine) Evaluate(rps float64, blockedPerMin, totalPerMin uint64) {
	current := model.ProtectionLevel(e.currentLevel.Load())

	var blockRatio float64
	if totalPerMin > 0 {
		blockRatio = float64(blockedPerMin) / float64(totalPerMin)
	}

	if e.shouldEscalate(current, rps, blockedPerMin) {
		if blockRatio < e.cfg.BlockRatioThreshold && current == model.L0 {
			// High RPS but low block ratio: likely legitimate traffic, not an attack.
			e.escalationCounter.Store(0)
			return
		}

		counter := e.escalationCounter.Add(1)
		if counter >= e.cfg.SustainedChecksRequired {
			e.tryEscalate(current)
			e.escalationCounter.Store(0)
		}
		return
	}
	e.escalationCounter.Store(0)

	if e.shouldDeescalate(current, rps, blockedPerMin) {
		counter := e.deescalationCounter.Add(1)
		if counter >= deescalationConsecutiveChecks {
			e.tryDeescalate(current)
		}
	} else {
		e.deescalationCounter.Store(0)
	}
}

func (e *Engine) shouldEscalate(current model.ProtectionLevel, rps float64, blockedPerMin uint64) bool {
	t := e.cfg.Thresholds
	switch current {
	case model.L0:
		return rps > t.L0ToL1RPS || blockedPerMin > 50
	case model.L1:
		return rps > t.L1ToL2RPS || blockedPerMin > 200
	case model.L2:
		return rps > t.L2ToL3RPS || blockedPerMin > 500
	case model.L3:
		return rps > t.L3ToL4RPS
	default:
		return false
	}
}

func (e *Engine) shouldDeescalate(current model.ProtectionLevel, rps float64, blockedPerMin uint64) bool {
	if current == model.L0 {
		return false
	}
	t := e.cfg.Thresholds

	var halfThreshold float64
	var blockThreshold uint64
	switch current {
	case model.L1:
		halfThreshold, blockThreshold = t.L0ToL1RPS*0.5, 25
	case model.L2:
		halfThreshold, blockThreshold = t.L1ToL2RPS*0.5, 100
	case model.L3:
		halfThreshold, blockThreshold = t.L2ToL3RPS*0.5, 250
	case model.L4:
		halfThreshold, blockThreshold = t.L3ToL4RPS*0.5, 250
	default:
		return false
	}

	return rps < halfThreshold && blockedPerMin < blockThreshold
}

func (e *Engine) tryEscalate(current model.ProtectionLevel) {
	if current >= model.L4 {
		return
	}
	e.lastEscalationMu.Lock()
	defer e.lastEscalationMu.Unlock()
	if time.Since(e.lastEscalation) < e.cfg.EscalationCooldown {
		return
	}
	newLevel := int32(current) + 1
	if e.currentLevel.CompareAndSwap(int32(current), newLevel) {
		e.lastEscalation = time.Now()
		e.deescalationCounter.Store(0)
		log.Warn().
			Str("from", current.String()).
			Str("to", model.ProtectionLevel(newLevel).String()).
			Msg("protection level escalated")
	}
}

func (e *Engine) tryDeescalate(current model.ProtectionLevel) {
	if current == model.L0 {
		return
	}
	e.lastDeescalationMu.Lock()
	defer e.lastDeescalationMu.Unlock()
	if time.Since(e.lastDeescalation) < e.cfg.DeescalationCooldown {
		return
	}
	newLevel := int32(current) - 1
	if e.currentLevel.CompareAndSwap(int32(current), newLevel) {
		e.lastDeescalation = time.Now()
		e.deescalationCounter.Store(0)
		log.Info().
			Str("from", current.String()).
			Str("to", model.ProtectionLevel(newLevel).String()).
			Msg("protection level de-escalated")
	}
}
