// Package httpserver builds the chi router that fronts the reverse
// proxy: every path without a local route falls through to the
// router's NotFound handler, which runs the adjudication pipeline
// before handing the request to the upstream, while a handful of local
// endpoints (`/`, `/health`, `/metrics` and the `/__fortress/*` verify
// routes) handle challenge verification and operational checks without
// passing through the pipeline or the upstream.
package httpserver

import (
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Egida/fortress/internal/fortress/challenge"
	"github.com/Egida/fortress/internal/fortress/cloudflare"
	"github.com/Egida/fortress/internal/fortress/config"
	"github.com/Egida/fortress/internal/fortress/headeranalysis"
	"github.com/Egida/fortress/internal/fortress/ids"
	"github.com/Egida/fortress/internal/fortress/ja3"
	"github.com/Egida/fortress/internal/fortress/metrics"
	"github.com/Egida/fortress/internal/fortress/model"
	"github.com/Egida/fortress/internal/fortress/pipeline"
)

// RouterDeps bundles everything NewRouter needs to wire the pipeline
// and the upstream proxy into the request path. Cfg is an atomic
// pointer rather than a plain *config.Config so a SIGHUP reload is
// visible to in-flight request handling without rebuilding the router.
type RouterDeps struct {
	Cfg       *atomic.Pointer[config.Config]
	Pipeline  *pipeline.Pipeline
	Challenge *challenge.System
	Proxy     *httputil.ReverseProxy
}

// fortressVersion is stamped at build time via -ldflags; "dev" outside
// a release build.
var fortressVersion = "dev"

// NewRouter builds the Chi router. Returns a cleanup func the caller
// should run on shutdown (currently a no-op placeholder, mirroring the
// teacher's cleanup-closure shape for future janitor goroutines).
func NewRouter(d RouterDeps) (http.Handler, func()) {
	metrics.Register(prometheus.DefaultRegisterer)

	startedAt := time.Now()

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)
	r.Use(accessLoggerFromEnv())

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		level := d.Pipeline.Escalation.CurrentLevel()
		uptime := int64(time.Since(startedAt).Seconds())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"fortress","status":"ok","protection_level":"` +
			level.String() + `","uptime_seconds":` + strconv.FormatInt(uptime, 10) +
			`,"version":"` + fortressVersion + `"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/__fortress/verify", verifyHandler(d.Challenge, d.Cfg))
	r.Get("/__fortress/nojs-verify", nojsVerifyHandler(d.Challenge, d.Cfg))

	r.NotFound(pipelineHandler(d))

	return r, func() {}
}

// headlessScoreRejectThreshold mirrors the original's hl_score >= 40
// cutoff: a solved PoW from a browser this likely headless is still
// rejected.
const headlessScoreRejectThreshold = 40

// verifyHandler receives the PoW solution posted by the challenge
// page's JavaScript and, on success, sets the clearance cookie and
// redirects back to the originally requested path.
func verifyHandler(sys *challenge.System, cfg *atomic.Pointer[config.Config]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chal := r.URL.Query().Get("challenge")
		nonce := r.URL.Query().Get("nonce")
		redirect := r.URL.Query().Get("redirect")

		hlScore, err := strconv.Atoi(r.URL.Query().Get("hl"))
		if err != nil {
			hlScore = 0
		}

		if chal == "" || nonce == "" || !sys.VerifySolution(chal, nonce) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"invalid_solution"}`))
			return
		}

		if hlScore >= headlessScoreRejectThreshold {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"headless_browser_detected"}`))
			return
		}

		if !strings.HasPrefix(redirect, "/") || strings.HasPrefix(redirect, "//") {
			redirect = "/"
		}

		w.Header().Set("Set-Cookie", sys.GenerateClearanceCookie(resolveClientIP(r, cfg.Load())))
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, redirect, http.StatusFound)
	}
}

// nojsVerifyHandler handles the no-JS fallback link embedded in the
// challenge page: a signed, time-boxed token stands in for a solved
// PoW for clients that can't run the page's JavaScript at all.
func nojsVerifyHandler(sys *challenge.System, cfg *atomic.Pointer[config.Config]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		sig := r.URL.Query().Get("sig")
		if token == "" || sig == "" || !sys.VerifyNojsToken(token, sig) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
			return
		}
		w.Header().Set("Set-Cookie", sys.GenerateClearanceCookie(resolveClientIP(r, cfg.Load())))
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// pipelineHandler adjudicates every request not matched by a local
// route above, then either serves a challenge page, a block, a
// tarpit delay, or hands the request to the upstream reverse proxy.
func pipelineHandler(d RouterDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rayID := ids.NewRayID()
		w.Header().Set("X-Fortress-Ray", rayID)
		w.Header().Set("X-Fortress-Protected", "true")

		cfg := d.Cfg.Load()
		reqCtx := buildRequestContext(r, cfg)
		result := d.Pipeline.Process(reqCtx, cfg)

		log.Debug().
			Str("ip", reqCtx.ClientIP).
			Str("ray", rayID).
			Str("action", result.Action.String()).
			Str("reason", result.Reason.String()).
			Float64("score", result.Score).
			Msg("verdict")

		metrics.RequestsTotal.WithLabelValues(result.Action.String()).Inc()

		switch result.Action {
		case model.ActionBlock:
			metrics.BlocksTotal.WithLabelValues(result.Reason.String()).Inc()
			writeBlockPage(w, r, rayID, result.Reason)
		case model.ActionTarpit:
			delay := time.Duration(cfg.L4.TarpitDelayMs) * time.Millisecond
			time.Sleep(delay)
			writeBlockPage(w, r, rayID, result.Reason)
		case model.ActionChallenge:
			metrics.ChallengesIssuedTotal.Inc()
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(result.ChallengeHTML))
		default:
			if d.Proxy == nil {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"error":"no_upstream"}`))
				return
			}
			sr := &statusRecorder{ResponseWriter: w, code: 200}
			d.Proxy.ServeHTTP(sr, r)
		}
	}
}

// blockMessages gives each short-circuit reason a human-readable
// message for the JSON/HTML block body; reasons without an entry fall
// back to a generic message.
var blockMessages = map[model.ThreatReason]string{
	model.ReasonBlockedIP:         "Your IP address has been blocked.",
	model.ReasonAutoBanned:        "Your IP address has been automatically banned for abusive traffic.",
	model.ReasonCustomRule:        "Your request matched a custom security rule.",
	model.ReasonManagedRule:       "Your request matched a managed security rule.",
	model.ReasonBlockedCountry:    "Access from your country is not permitted.",
	model.ReasonBlockedASN:       "Access from your network provider is not permitted.",
	model.ReasonBadReputation:     "Your IP address has poor reputation standing.",
	model.ReasonRateLimit:         "You have sent too many requests. Please slow down.",
	model.ReasonMobileProxy:       "Mobile proxy traffic is not permitted.",
	model.ReasonFingerprint:       "Your client fingerprint has been flagged as malicious.",
	model.ReasonHeaderAnomaly:     "Your request headers failed validation.",
	model.ReasonChallengeRequired: "Verification required to access this resource.",
}

const blockedCode = 1020

// writeBlockPage renders the 403 block body, picking JSON or HTML per
// spec.md §6's content-negotiation rule: API-shaped requests (by path
// prefix, Accept header, Content-Type, or client UA) get JSON; browser
// clients get an HTML page.
func writeBlockPage(w http.ResponseWriter, r *http.Request, rayID string, reason model.ThreatReason) {
	w.Header().Set("Cache-Control", "no-store")

	msg := blockMessages[reason]
	if msg == "" {
		msg = "Your request has been blocked."
	}

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"blocked","message":"` + msg +
			`","code":` + strconv.Itoa(blockedCode) + `,"ray":"` + rayID + `"}`))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`<!DOCTYPE html><html><head><title>Access Denied</title></head>` +
		`<body><h1>Access Denied</h1><p>` + msg + `</p><p><small>Ray: ` + rayID + `</small></p></body></html>`))
}

var apiPathPrefixes = []string{"/api/", "/webhook", "/graphql", "/.well-known/", "/wp-json/"}

// wantsJSON implements spec.md §6's API-request detection for block
// body content negotiation.
func wantsJSON(r *http.Request) bool {
	path := r.URL.Path
	for _, prefix := range apiPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	if strings.HasSuffix(path, "/callback") || strings.HasSuffix(path, "/webhook") {
		return true
	}

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html") {
		return true
	}

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}

	return headeranalysis.IsAutomationClientUA(r.UserAgent())
}

// buildRequestContext assembles the per-request envelope the pipeline
// consumes, pulling the JA3 hash out of the request's context (stashed
// there by the TLS listener during the ClientHello peek) and the
// client IP/country through the Cloudflare trusted-proxy resolution:
// CF-* headers are only trusted when the direct peer is itself a
// recognized Cloudflare edge address.
func buildRequestContext(r *http.Request, cfg *config.Config) *model.RequestContext {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[lowerHeader(name)] = values[0]
		}
	}

	peer := peerIP(r)
	trusted := cfg.Cloudflare.Enabled && cloudflare.IsCloudflareIP(net.ParseIP(peer))

	return &model.RequestContext{
		ClientIP:         cloudflare.ResolveClientIP(r.Header, peer, trusted),
		Country:          cloudflare.ResolveCountry(r.Header, trusted),
		JA3Hash:          ja3.FromContext(r.Context()),
		UserAgent:        r.UserAgent(),
		Method:           r.Method,
		Path:             r.URL.Path,
		Host:             r.Host,
		Headers:          headers,
		BehindCloudflare: trusted,
		ReceivedAt:       time.Now(),
	}
}

// resolveClientIP applies the same Cloudflare trusted-proxy resolution
// as buildRequestContext, for the local verify endpoints that need the
// client IP to match what the pipeline saw (clearance cookie binding).
func resolveClientIP(r *http.Request, cfg *config.Config) string {
	peer := peerIP(r)
	trusted := cfg.Cloudflare.Enabled && cloudflare.IsCloudflareIP(net.ParseIP(peer))
	return cloudflare.ResolveClientIP(r.Header, peer, trusted)
}

// peerIP returns the directly-connected TCP peer address, stripped of
// port. This is never header-derived, so it is safe to use as the
// trust anchor for deciding whether to believe CF-* headers at all.
func peerIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func lowerHeader(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
