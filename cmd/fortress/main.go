package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

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
	"github.com/Egida/fortress/internal/fortress/httpserver"
	"github.com/Egida/fortress/internal/fortress/ja3"
	"github.com/Egida/fortress/internal/fortress/l4"
	"github.com/Egida/fortress/internal/fortress/managedrules"
	"github.com/Egida/fortress/internal/fortress/metrics"
	"github.com/Egida/fortress/internal/fortress/mobileproxy"
	"github.com/Egida/fortress/internal/fortress/pipeline"
	"github.com/Egida/fortress/internal/fortress/proxy"
	"github.com/Egida/fortress/internal/fortress/ratelimit"
	"github.com/Egida/fortress/internal/fortress/reputation"
	"github.com/Egida/fortress/internal/fortress/slowloris"
	"github.com/Egida/fortress/internal/fortress/storage"
	"github.com/Egida/fortress/internal/fortress/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	cfgPath := getenv("FORTRESS_CONFIG", "configs/fortress.yaml")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", cfgPath).Msg("load config")
	}
	setLogLevel(cfg.Logging.Level)

	db, err := storage.Open(cfg.Storage.SqlitePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.SqlitePath).Msg("open storage")
	}
	defer db.Close()

	st := store.New()
	repMgr := reputation.New(reputation.Config{
		Enabled:             cfg.IPReputation.Enabled,
		TorDetectionEnabled: cfg.IPReputation.TorDetection,
		TorScore:            cfg.IPReputation.TorScore,
		DecayInterval:       time.Duration(cfg.IPReputation.DecayIntervalSecs) * time.Second,
		DecayPercent:        cfg.IPReputation.DecayPercent,
		BlockThreshold:      cfg.IPReputation.BlockThreshold,
		HighReputationScore: cfg.IPReputation.HighReputationScore,
	})
	banMgr := autoban.New(autoban.Config{
		Enabled:            cfg.AutoBan.Enabled,
		BanThreshold5m:     cfg.AutoBan.BanThreshold5m,
		BanThreshold15m:    cfg.AutoBan.BanThreshold15m,
		BanThreshold1h:     cfg.AutoBan.BanThreshold1h,
		RepeatBanThreshold: cfg.AutoBan.RepeatBanThreshold,
	})

	warmStartFromStorage(db, st, repMgr, banMgr)

	classifier := asn.New()
	chal := challenge.New(challenge.Config{
		HMACSecret:          cfg.Challenge.HMACSecret,
		CookieName:          cfg.Challenge.CookieName,
		CookieMaxAge:        time.Duration(cfg.Challenge.CookieMaxAgeSecs) * time.Second,
		ExemptPaths:         cfg.Challenge.ExemptPaths,
		PowDifficultyL1:     cfg.Challenge.PowDifficultyL1,
		PowDifficultyL2:     cfg.Challenge.PowDifficultyL2,
		PowDifficultyL3:     cfg.Challenge.PowDifficultyL3,
		CookieSubnetBinding: cfg.Challenge.CookieSubnetBinding,
		NojsFallbackEnabled: cfg.Challenge.NoJSFallbackEnabled,
	})
	esc := escalation.New(escalation.Config{
		SustainedChecksRequired: uint32(cfg.Escalation.SustainedChecksRequired),
		BlockRatioThreshold:     cfg.Escalation.BlockRatioThreshold,
		DeescalationCooldown:    time.Duration(cfg.Escalation.DeescalationCooldownSecs) * time.Second,
		EscalationCooldown:      time.Duration(cfg.Escalation.EscalationCooldownSecs) * time.Second,
		Thresholds: escalation.Thresholds{
			L0ToL1RPS: float64(cfg.Escalation.L0ToL1RPS),
			L1ToL2RPS: float64(cfg.Escalation.L1ToL2RPS),
			L2ToL3RPS: float64(cfg.Escalation.L2ToL3RPS),
			L3ToL4RPS: float64(cfg.Escalation.L3ToL4RPS),
		},
	})
	geo := geoip.New("./data/geoip/GeoLite2-City.mmdb", "./data/geoip/GeoLite2-ASN.mmdb", log.Logger)

	blocklist := pipeline.NewBlocklist()
	if err := blocklist.RefreshFromStorage(db); err != nil {
		log.Warn().Err(err).Msg("initial blocklist refresh")
	}

	var globalLimiter *ratelimit.GlobalLimiter
	if cfg.Redis.Enabled {
		globalLimiter = ratelimit.NewGlobalLimiter(cfg.Redis)
		defer globalLimiter.Close()
	}

	p := &pipeline.Pipeline{
		Store:          st,
		Reputation:     repMgr,
		AutoBan:        banMgr,
		Escalation:     esc,
		Challenge:      chal,
		Distributed:    distributed.New(),
		ASN:            classifier,
		HeaderAnalysis: headeranalysis.New(),
		MobileProxy:    mobileproxy.New(classifier, mobileproxy.Config{MinSignals: cfg.MobileProxy.MinSignals, ScoreThreshold: cfg.MobileProxy.ScoreThreshold}),
		Behavioral:     behavioral.New(st),
		BotWhitelist:   botwhitelist.New(botwhitelist.Config{Enabled: cfg.BotWhitelist.Enabled, VerifyIP: cfg.BotWhitelist.VerifyIP}),
		CustomRules:    customrules.New(db),
		ManagedRules:   managedrules.New(),
		GeoIP:          geo,
		JA3:            ja3.NewAnalyzer(),
		Blocklist:      blocklist,
		GlobalLimiter:  globalLimiter,
	}

	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)

	l4Tracker := l4.New(l4.Config{
		MaxConcurrentPerIP:        cfg.L4.MaxConcurrentPerIP,
		ConnectionRatePerIPPerSec: cfg.L4.ConnectionRatePerIPPerSec,
		TarpitEnabled:             cfg.L4.TarpitEnabled,
		TarpitDelay:               time.Duration(cfg.L4.TarpitDelayMs) * time.Millisecond,
	})
	slowlorisDetector := slowloris.New()

	backend, err := proxy.NewReverseProxy(cfg.Upstream)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid upstream address")
	}

	router, routerCleanup := httpserver.NewRouter(httpserver.RouterDeps{
		Cfg:       &liveCfg,
		Pipeline:  p,
		Challenge: chal,
		Proxy:     backend,
	})
	defer routerCleanup()

	servers := proxy.New(cfg, router, l4Tracker, slowlorisDetector)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	go runJanitor(ctx, cfgPath, &liveCfg, st, repMgr, banMgr, esc, db, blocklist, servers, reload)

	log.Info().
		Str("bind_http", cfg.Server.BindHTTP).
		Str("bind_https", cfg.Server.BindHTTPS).
		Str("upstream", cfg.Upstream.Address).
		Str("config", cfgPath).
		Msg("fortress starting")

	metrics.Register(prometheus.DefaultRegisterer)
	httpserver.EnableDrainFlag(true)

	if err := servers.Run(ctx); err != nil {
		log.Error().Err(err).Msg("edge servers exited with error")
	}
	log.Info().Msg("fortress exited")
}

// warmStartFromStorage reads every decision-relevant table back into
// the in-memory structures the pipeline actually consults, so a
// restart doesn't silently forget active blocks, bans, and reputation.
func warmStartFromStorage(db *storage.Store, st *store.Store, rep *reputation.Manager, ban *autoban.Manager) {
	entries, err := db.ListBlockedEntries()
	if err != nil {
		log.Warn().Err(err).Msg("warm start: list blocked entries")
	}
	now := time.Now()
	for _, e := range entries {
		var dur *time.Duration
		if e.ExpiresAt != nil {
			if !e.ExpiresAt.After(now) {
				continue
			}
			d := e.ExpiresAt.Sub(now)
			dur = &d
		}
		st.BlockIP(e.IPOrCIDR, e.Reason, dur, e.Source)
	}

	bans, err := db.ListBannedIPs()
	if err != nil {
		log.Warn().Err(err).Msg("warm start: list banned IPs")
	}
	for _, b := range bans {
		ban.Restore(b.IP, b.Reason, b.BannedAt, time.Duration(b.DurationSecs)*time.Second)
	}

	reps, err := db.ListIPReputation()
	if err != nil {
		log.Warn().Err(err).Msg("warm start: list IP reputation")
	}
	for _, r := range reps {
		var cats []reputation.Category
		if r.Categories != "" {
			for _, c := range strings.Split(r.Categories, ",") {
				cats = append(cats, reputation.Category(c))
			}
		}
		rep.Restore(r.IP, r.Score, r.Blocked, r.Challenged, r.Passed, r.BanCount, cats, r.FirstSeen, r.LastSeen, r.LastDecay)
	}

	log.Info().
		Int("blocked_entries", len(entries)).
		Int("banned_ips", len(bans)).
		Int("ip_reputation", len(reps)).
		Msg("warm start complete")
}

// runJanitor runs fortress's periodic background work: store/autoban/
// reputation cleanup, escalation evaluation, blocklist refresh from
// storage, and a SIGHUP-triggered config+cert reload — until ctx is
// canceled.
func runJanitor(
	ctx context.Context,
	cfgPath string,
	liveCfg *atomic.Pointer[config.Config],
	st *store.Store,
	rep *reputation.Manager,
	ban *autoban.Manager,
	esc *escalation.Engine,
	db *storage.Store,
	blocklist *pipeline.Blocklist,
	servers *proxy.Servers,
	reload <-chan os.Signal,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastTotal, lastBlocked uint64
	lastCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			reloaded, err := config.Load(cfgPath)
			if err != nil {
				log.Error().Err(err).Msg("config reload failed; keeping previous config")
				continue
			}
			liveCfg.Store(reloaded)
			servers.ReloadCerts()
			if err := blocklist.RefreshFromStorage(db); err != nil {
				log.Warn().Err(err).Msg("blocklist refresh on reload")
			}
			log.Info().Msg("config reloaded")
		case <-ticker.C:
			st.Cleanup()
			rep.Cleanup()
			ban.Cleanup()

			total, _, blocked, _ := st.Totals()
			elapsed := time.Since(lastCheck).Seconds()
			if elapsed <= 0 {
				elapsed = 1
			}
			rps := float64(total-lastTotal) / elapsed
			perMin := 60 / elapsed
			esc.Evaluate(rps, uint64(float64(blocked-lastBlocked)*perMin), uint64(float64(total-lastTotal)*perMin))
			lastTotal, lastBlocked, lastCheck = total, blocked, time.Now()

			metrics.ProtectionLevel.Set(float64(esc.CurrentLevel()))
			metrics.ActiveBansGauge.Set(float64(ban.ActiveBanCount()))

			if err := blocklist.RefreshFromStorage(db); err != nil {
				log.Warn().Err(err).Msg("periodic blocklist refresh")
			}
		}
	}
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
