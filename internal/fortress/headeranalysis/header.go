// Package headeranalysis validates request headers for signs of
// automated attack tools, misconfigured clients, or evasion attempts.
// Legitimate automation (curl, python-requests, Go-http-client, ...)
// is never penalized.
package headeranalysis

import (
	"strings"

	"github.com/Egida/fortress/internal/fortress/model"
)

// Analyzer is stateless; analysis depends only on the request context.
type Analyzer struct{}

func New() *Analyzer { return &Analyzer{} }

// Analyze scores a request's headers in [0, 100]. A score below 15 is
// reported with no reason, since it reflects routine header omissions
// rather than a signal worth naming.
func (a *Analyzer) Analyze(ctx *model.RequestContext) (score float64, reason model.ThreatReason, flagged bool) {
	var primarySet bool
	setPrimary := func() {
		if !primarySet {
			reason = model.ReasonHeaderAnomaly
			primarySet = true
		}
	}

	if ctx.Host == "" {
		score += 20.0
		setPrimary()
	}

	ua := ctx.UserAgent
	if ua == "" {
		score += 10.0
		setPrimary()
	}

	isBrowser := ua != "" && isBrowserUserAgent(ua)

	if isBrowser && ctx.Header("accept") == "" {
		score += 15.0
	}
	if isBrowser && ctx.Header("accept-language") == "" {
		score += 15.0
	}

	if hasImpossibleHeaders(ctx) {
		score += 30.0
		setPrimary()
	}

	if ua != "" {
		if _, isAttack := detectKnownBotUA(ua); isAttack {
			score += 40.0
			setPrimary()
		}
	}

	if hasMalformedHeaders(ctx) {
		score += 20.0
		setPrimary()
	}

	if ctx.Header("transfer-encoding") != "" && ctx.Header("content-length") != "" {
		score += 50.0
		setPrimary()
	}

	if score > 100.0 {
		score = 100.0
	}
	if score < 15.0 {
		primarySet = false
		reason = model.ReasonNone
	}

	return score, reason, primarySet
}

func isBrowserUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	if !strings.Contains(lower, "mozilla/5.0") {
		return false
	}
	return strings.Contains(lower, "applewebkit") ||
		strings.Contains(lower, "gecko") ||
		strings.Contains(lower, "trident") ||
		strings.Contains(lower, "chrome") ||
		strings.Contains(lower, "firefox") ||
		strings.Contains(lower, "safari")
}

// IsAutomationClientUA reports whether ua matches one of the
// recognized HTTP client libraries (curl, Go-http-client,
// python-requests, ...) used for webhook/API content negotiation,
// distinct from the attack-tool UAs that incur a header-anomaly
// penalty.
func IsAutomationClientUA(ua string) bool {
	tool, isAttack := detectKnownBotUA(ua)
	return tool != "" && !isAttack
}

// detectKnownBotUA returns the tool name and whether it's an attack
// tool (true) or a legitimate automation client (false, no penalty).
func detectKnownBotUA(ua string) (tool string, isAttack bool) {
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "nikto"):
		return "nikto", true
	case strings.Contains(lower, "sqlmap"):
		return "sqlmap", true
	case strings.Contains(lower, "nmap"), strings.Contains(lower, "masscan"):
		return "nmap/masscan", true
	case strings.Contains(lower, "dirbuster"), strings.Contains(lower, "gobuster"), strings.Contains(lower, "ffuf"):
		return "directory-scanner", true
	case strings.Contains(lower, "nuclei"):
		return "nuclei", true
	case strings.Contains(lower, "scrapy"):
		return "scrapy", true
	case strings.Contains(lower, "slowhttptest"), strings.Contains(lower, "slowloris"):
		return "slowhttp-tool", true
	}

	switch {
	case strings.HasPrefix(lower, "python-requests"), strings.HasPrefix(lower, "python-urllib"):
		return "python-requests", false
	case strings.HasPrefix(lower, "go-http-client"), strings.HasPrefix(lower, "go/"):
		return "Go-http-client", false
	case strings.HasPrefix(lower, "curl/"):
		return "curl", false
	case strings.HasPrefix(lower, "wget/"):
		return "wget", false
	case strings.HasPrefix(lower, "java/"), strings.Contains(lower, "apache-httpclient"):
		return "java-http", false
	case strings.HasPrefix(lower, "libwww-perl"), strings.HasPrefix(lower, "lwp-"):
		return "libwww-perl", false
	case strings.HasPrefix(lower, "node-fetch"), strings.HasPrefix(lower, "axios"), strings.HasPrefix(lower, "undici"):
		return "node-http", false
	case strings.HasPrefix(lower, "ruby"), strings.HasPrefix(lower, "faraday"):
		return "ruby-http", false
	case strings.HasPrefix(lower, "php"), strings.Contains(lower, "guzzle"):
		return "php-http", false
	}

	return "", false
}

func hasImpossibleHeaders(ctx *model.RequestContext) bool {
	return ctx.Header(":method") != "" ||
		ctx.Header(":path") != "" ||
		ctx.Header(":authority") != "" ||
		ctx.Header(":scheme") != ""
}

func hasMalformedHeaders(ctx *model.RequestContext) bool {
	if len(ctx.UserAgent) > 1024 {
		return true
	}
	if len(ctx.Header("referer")) > 2048 {
		return true
	}
	if len(ctx.Header("cookie")) > 8192 {
		return true
	}
	if len(ctx.Header("accept")) > 1024 {
		return true
	}
	return len(ctx.Headers) > 100
}
