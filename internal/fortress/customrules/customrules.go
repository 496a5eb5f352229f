// Package customrules evaluates operator-defined rules loaded from the
// warm-cache store: AND-matching conditions over path/method/country/
// IP/user-agent/host/header, sorted by priority, periodically refreshed.
package customrules

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Egida/fortress/internal/fortress/model"
)

const reloadInterval = 5 * time.Second

// Condition is a single rule's AND-matched criteria. Any field left
// nil/empty is not evaluated.
type Condition struct {
	Path      string
	Method    string
	Country   string
	IP        string
	UserAgent string
	Host      string
	Header    map[string]string
}

// Matches reports whether ctx satisfies every non-empty field of c.
func (c Condition) Matches(ctx *model.RequestContext) bool {
	if c.Path != "" && !patternMatches(c.Path, ctx.Path) {
		return false
	}
	if c.Method != "" && !strings.EqualFold(c.Method, ctx.Method) {
		return false
	}
	if c.Country != "" && !strings.EqualFold(c.Country, ctx.Country) {
		return false
	}
	if c.IP != "" && !patternMatches(c.IP, ctx.ClientIP) {
		return false
	}
	if c.UserAgent != "" && !strings.Contains(strings.ToLower(ctx.UserAgent), strings.ToLower(c.UserAgent)) {
		return false
	}
	if c.Host != "" && !patternMatches(c.Host, ctx.Host) {
		return false
	}
	for key, expected := range c.Header {
		actual := ctx.Header(key)
		if !strings.Contains(strings.ToLower(actual), strings.ToLower(expected)) {
			return false
		}
	}
	return true
}

// patternMatches supports a `*` wildcard at the start, end, or both
// ends of pattern; `*` alone matches anything.
func patternMatches(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) >= 2:
		inner := pattern[1 : len(pattern)-1]
		return strings.Contains(strings.ToLower(value), strings.ToLower(inner))
	case strings.HasSuffix(pattern, "*"):
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(value, prefix)
	case strings.HasPrefix(pattern, "*"):
		suffix := pattern[1:]
		return strings.HasSuffix(value, suffix)
	default:
		return value == pattern
	}
}

// Rule is one loaded, cached custom rule.
type Rule struct {
	ID        int64
	Name      string
	Priority  int32
	Condition Condition
	Action    model.ThreatAction
	Enabled   bool
}

// Row is the raw persisted shape a Source yields per rule; parseAction
// maps its Action string the same way the pipeline's config does.
type Row struct {
	ID        int64
	Name      string
	Priority  int32
	Condition Condition
	Action    string
	Enabled   bool
}

// Source loads the current rule set from durable storage.
type Source interface {
	GetRules() ([]Row, error)
}

// Engine caches rules from a Source and periodically refreshes them.
type Engine struct {
	source Source

	mu         sync.RWMutex
	rules      []Rule
	lastReload time.Time
}

func New(source Source) *Engine {
	e := &Engine{source: source, lastReload: time.Now().Add(-999 * time.Second)}
	e.reloadRules()
	return e
}

func (e *Engine) reloadRules() {
	rows, err := e.source.GetRules()
	if err != nil {
		return
	}
	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, Rule{
			ID:        row.ID,
			Name:      row.Name,
			Priority:  row.Priority,
			Condition: row.Condition,
			Action:    parseAction(row.Action),
			Enabled:   row.Enabled,
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	e.mu.Lock()
	e.rules = rules
	e.lastReload = time.Now()
	e.mu.Unlock()
}

func parseAction(action string) model.ThreatAction {
	switch strings.ToLower(action) {
	case "pass", "allow":
		return model.ActionPass
	case "challenge":
		return model.ActionChallenge
	case "tarpit":
		return model.ActionTarpit
	default:
		return model.ActionBlock
	}
}

func (e *Engine) ensureFresh() {
	e.mu.RLock()
	stale := time.Since(e.lastReload) >= reloadInterval
	e.mu.RUnlock()
	if stale {
		e.reloadRules()
	}
}

// Check evaluates enabled rules in priority order and returns the
// first match's action and a human-readable reason.
func (e *Engine) Check(ctx *model.RequestContext) (action model.ThreatAction, reason string, matched bool) {
	e.ensureFresh()

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Condition.Matches(ctx) {
			return rule.Action, fmt.Sprintf("custom rule: %s", rule.Name), true
		}
	}
	return model.ActionPass, "", false
}
