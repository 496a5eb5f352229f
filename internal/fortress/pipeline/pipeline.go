// Package pipeline runs every request through the 19-stage
// adjudication order: whitelist, blocklist/auto-ban, custom and
// managed rules, geo/ASN, static-asset bypass, bot whitelist,
// reputation, rate limiting, distributed-attack and ASN scoring,
// fingerprint/header/mobile-proxy analysis, behavioral scoring, and
// finally the challenge gate. Each stage either short-circuits with a
// verdict or folds a score into the request's cumulative total.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/Egida/fortress/internal/fortress/asn"
	"github.com/Egida/fortress/internal/fortress/autoban"
	"github.com/Egida/fortress/internal/fortress/behavioral"
	"github.com/Egida/fortress/internal/fortress/botwhitelist"
	"github.com/Egida/fortress/internal/fortress/challenge"
	"github.com/Egida/fortress/internal/fortress/config"
	"github.com/Egida/fortress/internal/fortress/customrules"
	"github.com/Egida/fortress/internal/fortress/distributed"
	"github.com/Egida/fortress/internal/fortress/escalation"
	"github.com/Egida/fortress/internal/fortress/geoip"
	"github.com/Egida/fortress/internal/fortress/headeranalysis"
	"github.com/Egida/fortress/internal/fortress/ja3"
	"github.com/Egida/fortress/internal/fortress/managedrules"
	"github.com/Egida/fortress/internal/fortress/mobileproxy"
	"github.com/Egida/fortress/internal/fortress/model"
	"github.com/Egida/fortress/internal/fortress/ratelimit"
	"github.com/Egida/fortress/internal/fortress/reputation"
	"github.com/Egida/fortress/internal/fortress/store"
)

// Result is the pipeline's final verdict for a request.
type Result struct {
	Action        model.ThreatAction
	Reason        model.ThreatReason
	Score         float64
	ChallengeHTML string
}

func allow() Result { return Result{Action: model.ActionPass} }

func block(reason model.ThreatReason, score float64) Result {
	return Result{Action: model.ActionBlock, Reason: reason, Score: score}
}

func tarpit(score float64) Result {
	return Result{Action: model.ActionTarpit, Reason: model.ReasonManagedRule, Score: score}
}

func challengeResult(html string, score float64) Result {
	return Result{Action: model.ActionChallenge, Reason: model.ReasonChallengeRequired, Score: score, ChallengeHTML: html}
}

// fingerprintBlockThreshold/headerBlockThreshold/mobileBlockThreshold
// are the per-analyzer score cutoffs at which stages 14-16 (JA3,
// header, mobile proxy) escalate a high analyzer score directly to a
// block rather than merely folding it into cumulative_score for the
// later challenge gate.
const (
	fingerprintBlockThreshold = 80.0
	headerBlockThreshold      = 80.0
	mobileBlockThreshold      = 70.0
	customRuleChallengeScore  = 80.0
	managedRuleChallengeScore = 80.0
	rateLimitEmergencyScore   = 90.0
	rateLimitChallengeScore   = 90.0
	ipBlockScore              = 100.0
	customRuleBlockScore      = 100.0
	managedRuleBlockScore     = 100.0
	countryBlockScore         = 100.0
	asnBlockScore             = 100.0
	tarpitScore               = 100.0
)

// Pipeline wires every component analyzer together in the canonical
// stage order. It holds no per-request state; RequestContext carries
// everything a stage mutates.
type Pipeline struct {
	Store          *store.Store
	Reputation     *reputation.Manager
	AutoBan        *autoban.Manager
	Escalation     *escalation.Engine
	Challenge      *challenge.System
	Distributed    *distributed.Detector
	ASN            *asn.Classifier
	HeaderAnalysis *headeranalysis.Analyzer
	MobileProxy    *mobileproxy.Detector
	Behavioral     *behavioral.Analyzer
	BotWhitelist   *botwhitelist.Whitelist
	CustomRules    *customrules.Engine
	ManagedRules   *managedrules.Engine
	GeoIP          *geoip.Lookup
	JA3            *ja3.Analyzer
	Blocklist      *Blocklist

	// GlobalLimiter is an optional cross-node soft check: when set and
	// enabled in cfg, a request that gets past the per-node rate-limit
	// stage also consults the shared Redis token bucket and folds a
	// score penalty in on rejection. It never short-circuits to a block by itself —
	// a single Redis hiccup must never take the proxy down.
	GlobalLimiter *ratelimit.GlobalLimiter
}

// Process runs ctx through all 19 stages and returns the final
// verdict. cfg is a point-in-time snapshot of the live configuration;
// callers swap configs atomically between requests, never mid-flight.
func (p *Pipeline) Process(ctx *model.RequestContext, cfg *config.Config) Result {
	if isWhitelisted(ctx.ClientIP, cfg) {
		return allow()
	}

	if _, blocked := p.Store.IsBlocked(ctx.ClientIP); blocked {
		return block(model.ReasonBlockedIP, ipBlockScore)
	}

	if _, banned := p.AutoBan.IsBanned(ctx.ClientIP); banned {
		return block(model.ReasonAutoBanned, ipBlockScore)
	}

	cumulative := 0.0

	if action, _, matched := p.CustomRules.Check(ctx); matched {
		switch action {
		case model.ActionPass:
			return allow()
		case model.ActionBlock:
			return block(model.ReasonCustomRule, customRuleBlockScore)
		case model.ActionTarpit:
			return tarpit(tarpitScore)
		case model.ActionChallenge:
			cumulative += customRuleChallengeScore
		}
	}

	if result, matched := p.ManagedRules.Check(ctx); matched {
		switch result.Action {
		case managedrules.ActionBlock:
			return block(model.ReasonManagedRule, managedRuleBlockScore)
		case managedrules.ActionChallenge:
			cumulative += managedRuleChallengeScore
		case managedrules.ActionScore:
			cumulative += result.Score
		}
	}

	if ctx.Country == "" && p.GeoIP != nil {
		ctx.Country = p.GeoIP.Country(ctx.ClientIP)
	}
	if action, ok := p.Blocklist.CheckCountry(ctx.Country, cfg); ok {
		if action == model.ActionBlock {
			return block(model.ReasonBlockedCountry, countryBlockScore)
		}
		cumulative += cfg.Blocklist.CountryChallengeScore
	}

	if p.GeoIP != nil {
		if asnNum, org, ok := p.GeoIP.ASN(ctx.ClientIP); ok {
			ctx.ASN = asnNum
			ctx.ASNName = org
		}
	}
	if blocked := p.Blocklist.CheckASN(ctx.ASN, cfg); blocked {
		return block(model.ReasonBlockedASN, asnBlockScore)
	}

	if isStaticAsset(ctx.Method, ctx.Path) {
		return allow()
	}

	if name := p.BotWhitelist.Check(ctx.UserAgent, ctx.ClientIP); name != "" {
		return allow()
	}

	if repScore, hardBlock := p.Reputation.Check(ctx.ClientIP); hardBlock {
		return block(model.ReasonBadReputation, repScore)
	} else if repScore > 0 {
		cumulative += repScore
	}

	level := p.resolveLevel(ctx.Host, cfg)

	subnet := ctx.SubnetKey(cfg.Protection.IPv4SubnetMask)
	p.Store.RecordRequest(ctx.ClientIP, subnet, ctx.ASN, ctx.Country)

	limits := ratelimit.LimitsForLevel(level, cfg.Protection.RateLimits)
	if hit := p.Store.CheckRateLimit(ctx.ClientIP, subnet, ctx.ASN, ctx.Country, limits); hit != store.HitNone {
		if level >= model.L3 {
			return block(model.ReasonRateLimit, rateLimitEmergencyScore)
		}
		cumulative += rateLimitChallengeScore
	}

	if cfg.Redis.Enabled && p.GlobalLimiter != nil {
		cumulative += p.checkGlobalLimit(ctx.ClientIP, limits)
	}

	if dr := p.Distributed.Check(ctx.ClientIP, ctx.Path, ctx.UserAgent); dr.ScoreModifier > 0 {
		cumulative += dr.ScoreModifier
	}

	if asnScore := p.ASN.SuspicionScore(ctx.ASN, asn.ScoringConfig{
		ResidentialProxyScore: cfg.AsnScoring.ResidentialProxyScore,
		VPNScore:              cfg.AsnScoring.VPNScore,
		DatacenterScore:       cfg.AsnScoring.DatacenterScore,
	}); asnScore > 0 {
		cumulative += asnScore
	}

	if !ctx.BehindCloudflare && p.JA3 != nil {
		fpScore, fpReason, flagged := p.JA3.Analyze(ctx.JA3Hash)
		if flagged {
			cumulative += fpScore
			if fpScore >= fingerprintBlockThreshold {
				return block(fpReason, cumulative)
			}
		}
	}

	if headerScore, headerReason, flagged := p.HeaderAnalysis.Analyze(ctx); flagged {
		cumulative += headerScore
		if headerScore >= headerBlockThreshold {
			return block(headerReason, cumulative)
		}
	}

	if mobileScore, isMobileProxy := p.MobileProxy.Detect(ctx); mobileScore > 0 {
		cumulative += mobileScore
		if isMobileProxy && mobileScore >= mobileBlockThreshold {
			return block(model.ReasonMobileProxy, cumulative)
		}
	}

	behavioralScore := p.Behavioral.Score(ctx.ClientIP, ctx.Path, ctx.Method, ctx.JA3Hash, ctx.UserAgent)
	cumulative += behavioralScore * 0.5

	forceChallenge := p.serviceAlwaysChallenge(ctx.Host, cfg)
	if forceChallenge || p.Challenge.ShouldChallenge(level, cumulative) {
		if p.Challenge.IsExemptPath(ctx.Path) {
			return Result{Action: model.ActionPass, Score: cumulative}
		}
		if p.Challenge.HasValidClearance(ctx.ClientIP, ctx.Header("cookie")) {
			return Result{Action: model.ActionPass, Score: cumulative}
		}
		return challengeResult(p.Challenge.GeneratePage(level), cumulative)
	}

	return Result{Action: model.ActionPass, Score: cumulative}
}

// globalLimitBurst/globalLimitCost/globalLimitTimeout size the
// cross-node Redis check: burst is a small multiple of the per-second
// rate so a single node's own momentary spike doesn't trip it, and the
// timeout keeps a slow Redis from stalling request handling.
const (
	globalLimitBurstFactor = 3
	globalLimitCost         = 1
	globalLimitTimeout      = 50 * time.Millisecond
)

// checkGlobalLimit consults the shared Redis token bucket for ip and
// returns the score penalty to fold in if the bucket is exhausted. Any
// Redis error is swallowed and scored as zero — this check is a soft
// backstop, never a dependency the pipeline can fail against.
func (p *Pipeline) checkGlobalLimit(ip string, limits store.RateLimitConfig) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), globalLimitTimeout)
	defer cancel()

	rps := float64(limits.IPPerSecond)
	allowed, _, err := p.GlobalLimiter.Allow(ctx, "fortress:grl:"+ip, rps, int64(limits.IPPerSecond)*globalLimitBurstFactor, globalLimitCost)
	if err != nil || allowed {
		return 0
	}
	return rateLimitChallengeScore
}

func (p *Pipeline) resolveLevel(host string, cfg *config.Config) model.ProtectionLevel {
	if svc, ok := cfg.Services[host]; ok && svc.ProtectionLevelOverride >= 0 {
		return model.ProtectionLevel(svc.ProtectionLevelOverride)
	}
	return p.Escalation.CurrentLevel()
}

func (p *Pipeline) serviceAlwaysChallenge(host string, cfg *config.Config) bool {
	svc, ok := cfg.Services[host]
	return ok && svc.AlwaysChallenge
}

// isWhitelisted reports whether ip matches an exact whitelisted IP or
// falls inside a whitelisted IPv4 /24 or /16 subnet string.
func isWhitelisted(ip string, cfg *config.Config) bool {
	for _, w := range cfg.Protection.WhitelistedIPs {
		if w == ip {
			return true
		}
	}
	for _, subnet := range cfg.Protection.WhitelistedSubnets {
		if ipInIPv4SubnetString(ip, subnet) {
			return true
		}
	}
	return false
}

func ipInIPv4SubnetString(ip, subnet string) bool {
	ipParts := strings.Split(ip, ".")
	subParts := strings.Split(subnet, ".")
	if len(ipParts) != 4 {
		return false
	}
	switch len(subParts) {
	case 3: // a.b.c (implicit /24)
		return ipParts[0] == subParts[0] && ipParts[1] == subParts[1] && ipParts[2] == subParts[2]
	case 2: // a.b (implicit /16)
		return ipParts[0] == subParts[0] && ipParts[1] == subParts[1]
	default:
		return false
	}
}

var staticPrefixes = []string{
	"/_next/", "/static/", "/assets/", "/providers/", "/images/",
	"/img/", "/css/", "/js/", "/fonts/", "/media/",
}

var staticSuffixes = []string{
	".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp",
	".ico", ".woff", ".woff2", ".ttf", ".eot", ".map",
}

func isStaticAsset(method, path string) bool {
	if method != "GET" && method != "HEAD" {
		return false
	}
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, suffix := range staticSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
