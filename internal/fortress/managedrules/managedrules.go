// Package managedrules implements the built-in rule set (WAF-style
// heuristics): path traversal, sensitive-file probing, endpoint rate
// limits, header-based smuggling/injection checks, and bot-UA spoofing
// detection. 20 rules, matching the original engine's numbering so
// operators can toggle them by the same IDs.
package managedrules

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Egida/fortress/internal/fortress/model"
)

// Action is the verdict a matched managed rule renders.
type Action int

const (
	ActionBlock Action = iota
	ActionChallenge
	ActionScore
)

// Result describes a single matched rule.
type Result struct {
	RuleName string
	RuleID   uint32
	Action   Action
	Score    float64 // only meaningful when Action == ActionScore
}

type rateKey struct {
	ip         string
	pathPrefix string
}

type rateCounter struct {
	count uint32
	start time.Time
}

// endpointRateTracker is a per-(ip,prefix) fixed-window counter used by
// the login/registration/password-reset/API rate rules.
type endpointRateTracker struct {
	mu       sync.Mutex
	counters map[rateKey]rateCounter
}

func newEndpointRateTracker() *endpointRateTracker {
	return &endpointRateTracker{counters: make(map[rateKey]rateCounter)}
}

func (t *endpointRateTracker) check(ip, pathPrefix string, limit uint32, windowSecs int64) bool {
	key := rateKey{ip, pathPrefix}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.counters[key]
	if !ok || now.Sub(entry.start) > time.Duration(windowSecs)*time.Second {
		t.counters[key] = rateCounter{count: 1, start: now}
		return false
	}
	entry.count++
	t.counters[key] = entry
	return entry.count > limit
}

func (t *endpointRateTracker) cleanup() {
	cutoff := time.Now().Add(-5 * time.Minute)
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.counters {
		if v.start.Before(cutoff) {
			delete(t.counters, k)
		}
	}
}

type uaFloodEntry struct {
	count uint32
	start time.Time
}

// Engine is the managed-rules evaluator. Rules 1-20 are enabled by
// default except rule 19 (API rate limit), matching upstream defaults.
type Engine struct {
	mu           sync.RWMutex
	enabledRules map[uint32]bool

	endpointRates *endpointRateTracker

	uaFloodMu sync.Mutex
	uaFlood   map[string]uaFloodEntry
}

func New() *Engine {
	e := &Engine{
		enabledRules:  make(map[uint32]bool, 20),
		endpointRates: newEndpointRateTracker(),
		uaFlood:       make(map[string]uaFloodEntry),
	}
	for id := uint32(1); id <= 20; id++ {
		e.enabledRules[id] = id != 19
	}
	return e
}

func (e *Engine) isEnabled(ruleID uint32) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabledRules[ruleID]
}

// SetRuleEnabled toggles a rule (1-20); returns false for an out-of-range ID.
func (e *Engine) SetRuleEnabled(ruleID uint32, enabled bool) bool {
	if ruleID < 1 || ruleID > 20 {
		return false
	}
	e.mu.Lock()
	e.enabledRules[ruleID] = enabled
	e.mu.Unlock()
	return true
}

// Check evaluates the rule set in ascending rule-ID order and returns
// the first match.
func (e *Engine) Check(ctx *model.RequestContext) (Result, bool) {
	path := ctx.Path
	method := ctx.Method
	ua := ctx.UserAgent
	ip := ctx.ClientIP

	if e.isEnabled(1) && isPathTraversal(path) {
		return Result{RuleName: "path_traversal", RuleID: 1, Action: ActionBlock}, true
	}

	if e.isEnabled(2) && isSensitiveFile(path) {
		return Result{RuleName: "sensitive_files", RuleID: 2, Action: ActionBlock}, true
	}

	if e.isEnabled(3) && isBackupFile(path) {
		return Result{RuleName: "backup_files", RuleID: 3, Action: ActionBlock}, true
	}

	if e.isEnabled(4) && strings.HasPrefix(path, "/.") && !strings.HasPrefix(path, "/.well-known") {
		return Result{RuleName: "hidden_files", RuleID: 4, Action: ActionBlock}, true
	}

	if e.isEnabled(5) && (strings.HasPrefix(path, "/login") || strings.HasPrefix(path, "/signin") || path == "/auth/login") {
		if method == "POST" || method == "GET" {
			if e.endpointRates.check(ip, "/login", 5, 60) {
				return Result{RuleName: "login_rate_limit", RuleID: 5, Action: ActionChallenge}, true
			}
		}
	}

	if e.isEnabled(6) && (strings.HasPrefix(path, "/register") || strings.HasPrefix(path, "/signup")) && method == "POST" {
		if e.endpointRates.check(ip, "/register", 3, 60) {
			return Result{RuleName: "registration_limit", RuleID: 6, Action: ActionChallenge}, true
		}
	}

	if e.isEnabled(7) && (strings.HasPrefix(path, "/forgot-password") || strings.HasPrefix(path, "/reset-password") || strings.HasPrefix(path, "/password/reset")) && method == "POST" {
		if e.endpointRates.check(ip, "/password-reset", 2, 60) {
			return Result{RuleName: "password_reset_limit", RuleID: 7, Action: ActionChallenge}, true
		}
	}

	if e.isEnabled(8) {
		if cl := ctx.Header("content-length"); cl != "" {
			if size, err := strconv.ParseUint(cl, 10, 64); err == nil && size > 10_485_760 {
				return Result{RuleName: "large_payload", RuleID: 8, Action: ActionBlock}, true
			}
		}
	}

	if e.isEnabled(9) && (method == "POST" || method == "PUT") && ctx.Header("content-type") == "" {
		return Result{RuleName: "missing_content_type", RuleID: 9, Action: ActionScore, Score: 15.0}, true
	}

	if e.isEnabled(10) && ua == "" && method == "POST" {
		return Result{RuleName: "empty_ua_post", RuleID: 10, Action: ActionBlock}, true
	}

	if e.isEnabled(11) {
		lower := strings.ToLower(ua)
		if strings.Contains(lower, "googlebot") || strings.Contains(lower, "google-inspectiontool") {
			if !isGoogleIP(ip) {
				return Result{RuleName: "fake_google_bot", RuleID: 11, Action: ActionBlock}, true
			}
		}
	}

	if e.isEnabled(12) {
		lower := strings.ToLower(ua)
		if strings.Contains(lower, "bingbot") || strings.Contains(lower, "msnbot") {
			if !isBingIP(ip) {
				return Result{RuleName: "fake_bing_bot", RuleID: 12, Action: ActionBlock}, true
			}
		}
	}

	if e.isEnabled(13) && (method == "TRACE" || method == "TRACK" || method == "CONNECT" || method == "DEBUG") {
		return Result{RuleName: "http_method_restrict", RuleID: 13, Action: ActionBlock}, true
	}

	if e.isEnabled(14) && ctx.Header("transfer-encoding") != "" && ctx.Header("content-length") != "" {
		return Result{RuleName: "request_smuggling", RuleID: 14, Action: ActionBlock}, true
	}

	if e.isEnabled(15) {
		if host := ctx.Header("host"); host != "" {
			if strings.ContainsAny(host, "@ \t") {
				return Result{RuleName: "host_header_injection", RuleID: 15, Action: ActionBlock}, true
			}
		}
	}

	if e.isEnabled(16) {
		if referer := ctx.Header("referer"); referer != "" && isRefererSpam(referer) {
			return Result{RuleName: "referer_spam", RuleID: 16, Action: ActionBlock}, true
		}
	}

	if e.isEnabled(17) && ua != "" {
		if e.checkUAFlood(ua) {
			return Result{RuleName: "connection_flood_ua", RuleID: 17, Action: ActionScore, Score: 25.0}, true
		}
	}

	// Rule 18 (slow_post) is handled by the slowloris detector, not here.

	if e.isEnabled(19) && strings.HasPrefix(path, "/api/") {
		if e.endpointRates.check(ip, "/api/", 100, 60) {
			return Result{RuleName: "api_rate_limit", RuleID: 19, Action: ActionBlock}, true
		}
	}

	if e.isEnabled(20) && !isValidMethod(method) {
		return Result{RuleName: "invalid_method", RuleID: 20, Action: ActionBlock}, true
	}

	return Result{}, false
}

func (e *Engine) checkUAFlood(ua string) bool {
	now := time.Now()
	e.uaFloodMu.Lock()
	defer e.uaFloodMu.Unlock()
	entry, ok := e.uaFlood[ua]
	if !ok || now.Sub(entry.start) > time.Minute {
		e.uaFlood[ua] = uaFloodEntry{count: 1, start: now}
		return false
	}
	entry.count++
	e.uaFlood[ua] = entry
	return entry.count > 1000
}

// Cleanup drops stale rate-tracker and UA-flood entries.
func (e *Engine) Cleanup() {
	e.endpointRates.cleanup()
	cutoff := time.Now().Add(-2 * time.Minute)
	e.uaFloodMu.Lock()
	defer e.uaFloodMu.Unlock()
	for k, v := range e.uaFlood {
		if v.start.Before(cutoff) {
			delete(e.uaFlood, k)
		}
	}
}

func isPathTraversal(path string) bool {
	return strings.Contains(path, "../") ||
		strings.Contains(path, "..%2f") ||
		strings.Contains(path, "..%2F") ||
		strings.Contains(path, "%2e%2e/") ||
		strings.Contains(path, "%2e%2e%2f")
}

func isSensitiveFile(path string) bool {
	switch {
	case path == "/.env", strings.HasPrefix(path, "/.env."):
		return true
	case strings.HasPrefix(path, "/.git/"), path == "/.git":
		return true
	case strings.HasPrefix(path, "/wp-admin"), strings.HasPrefix(path, "/wp-login"):
		return true
	case strings.HasPrefix(path, "/phpmyadmin"), strings.HasPrefix(path, "/pma"):
		return true
	case strings.HasPrefix(path, "/adminer"):
		return true
	case path == "/wp-config.php", path == "/xmlrpc.php", path == "/wp-cron.php":
		return true
	case strings.HasPrefix(path, "/.svn/"), strings.HasPrefix(path, "/.hg/"):
		return true
	case path == "/config.php", path == "/configuration.php":
		return true
	case strings.HasPrefix(path, "/vendor/") && strings.HasSuffix(path, ".php"):
		return true
	}
	return false
}

func isBackupFile(path string) bool {
	if strings.HasSuffix(path, ".bak") || strings.HasSuffix(path, ".old") ||
		strings.HasSuffix(path, ".swp") || strings.HasSuffix(path, ".sql") ||
		strings.HasSuffix(path, ".sql.gz") || strings.HasSuffix(path, ".tar.gz") {
		return true
	}
	if strings.HasSuffix(path, ".zip") {
		return strings.Contains(path, "backup") || strings.Contains(path, "dump") || strings.Contains(path, "db")
	}
	return false
}

func isGoogleIP(ip string) bool {
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return false
	}
	o := v4
	switch {
	case o[0] == 66 && o[1] == 249:
		return true
	case o[0] == 64 && o[1] == 233:
		return true
	case o[0] == 72 && o[1] == 14:
		return true
	case o[0] == 209 && o[1] == 85:
		return true
	case o[0] == 216 && o[1] == 239:
		return true
	}
	return false
}

func isBingIP(ip string) bool {
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return false
	}
	o := v4
	switch {
	case o[0] == 40, o[0] == 13:
		return true
	case o[0] == 157 && o[1] == 55:
		return true
	case o[0] == 207 && o[1] == 46:
		return true
	case o[0] == 65 && o[1] == 55:
		return true
	case o[0] == 199 && o[1] == 30:
		return true
	}
	return false
}

var refererSpamPatterns = []string{
	"semalt.com", "buttons-for-website.com", "darodar.com",
	"ilovevitaly.com", "priceg.com", "hulfingtonpost.com",
	"bestwebsitesawards.com", "o-o-6-o-o.com", "cenoval.ru",
}

func isRefererSpam(referer string) bool {
	lower := strings.ToLower(referer)
	for _, p := range refererSpamPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

var validMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {},
	"HEAD": {}, "OPTIONS": {}, "TRACE": {}, "CONNECT": {},
}

func isValidMethod(method string) bool {
	_, ok := validMethods[method]
	return ok
}

// RuleInfo describes one rule for the operational status surface.
type RuleInfo struct {
	ID          uint32
	Name        string
	Description string
	Enabled     bool
}

var ruleCatalog = []struct {
	id          uint32
	name        string
	description string
}{
	{1, "path_traversal", "Block path traversal attempts (../)"},
	{2, "sensitive_files", "Block access to sensitive files (.env, .git, wp-admin)"},
	{3, "backup_files", "Block access to backup files (.bak, .sql, .old)"},
	{4, "hidden_files", "Block access to hidden files (except .well-known)"},
	{5, "login_rate_limit", "Rate limit login attempts (5/min/IP)"},
	{6, "registration_limit", "Rate limit registrations (3/min/IP)"},
	{7, "password_reset_limit", "Rate limit password resets (2/min/IP)"},
	{8, "large_payload", "Block payloads > 10MB"},
	{9, "missing_content_type", "Score POST/PUT without Content-Type (+15)"},
	{10, "empty_ua_post", "Block POST with empty User-Agent"},
	{11, "fake_google_bot", "Block fake Googlebot (UA spoofing)"},
	{12, "fake_bing_bot", "Block fake Bingbot (UA spoofing)"},
	{13, "http_method_restrict", "Block TRACE/TRACK/CONNECT/DEBUG methods"},
	{14, "request_smuggling", "Block TE + CL header combo (smuggling)"},
	{15, "host_header_injection", "Block Host header injection"},
	{16, "referer_spam", "Block known referer spam domains"},
	{17, "connection_flood_ua", "Score same-UA flood (1000+/min, +25)"},
	{18, "slow_post", "Slow POST detection (handled by the slowloris detector)"},
	{19, "api_rate_limit", "API rate limit (100/min/IP, disabled by default)"},
	{20, "invalid_method", "Block unknown HTTP methods"},
}

// Rules returns the status of all 20 rules for reporting.
func (e *Engine) Rules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleInfo, 0, len(ruleCatalog))
	for _, r := range ruleCatalog {
		out = append(out, RuleInfo{ID: r.id, Name: r.name, Description: r.description, Enabled: e.enabledRules[r.id]})
	}
	return out
}
