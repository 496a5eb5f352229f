// Package config loads fortress's YAML configuration via koanf, the same
// way the teacher's pkg/config does: a single file.Provider + yaml.Parser
// unmarshalled into a nested struct tree, with every field carrying a
// sensible production default.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type ServerConfig struct {
	BindHTTP              string `koanf:"bind_http"`
	BindHTTPS             string `koanf:"bind_https"`
	Workers               int    `koanf:"workers"`
	MaxConnections        int    `koanf:"max_connections"`
	ConnectionTimeoutSecs int    `koanf:"connection_timeout_secs"`
	RequestTimeoutSecs    int    `koanf:"request_timeout_secs"`
	KeepaliveTimeoutSecs  int    `koanf:"keepalive_timeout_secs"`
}

type TLSConfig struct {
	CertDir    string `koanf:"cert_dir"`
	MinVersion string `koanf:"min_version"`
}

type UpstreamConfig struct {
	Address            string `koanf:"address"`
	MaxConnections     int    `koanf:"max_connections"`
	ConnectTimeoutMs   int    `koanf:"connect_timeout_ms"`
	ResponseTimeoutMs  int    `koanf:"response_timeout_ms"`
}

type RateLimitConfig struct {
	IPPer10s      uint64 `koanf:"ip_per_10s"`
	SubnetPer10s  uint64 `koanf:"subnet_per_10s"`
	ASNPer10s     uint64 `koanf:"asn_per_10s"`
	CountryPer10s uint64 `koanf:"country_per_10s"`
}

type RateLimitLevels struct {
	Level0 RateLimitConfig `koanf:"level_0"`
	Level1 RateLimitConfig `koanf:"level_1"`
	Level2 RateLimitConfig `koanf:"level_2"`
	Level3 RateLimitConfig `koanf:"level_3"`
}

type ProtectionConfig struct {
	DefaultLevel       int             `koanf:"default_level"`
	AutoEscalation     bool            `koanf:"auto_escalation"`
	RateLimits         RateLimitLevels `koanf:"rate_limits"`
	IPv4SubnetMask     int             `koanf:"ipv4_subnet_mask"`
	WhitelistedIPs     []string        `koanf:"whitelisted_ips"`
	WhitelistedSubnets []string        `koanf:"whitelisted_subnets"`
}

type ChallengeConfig struct {
	PowDifficultyL1     uint8    `koanf:"pow_difficulty_l1"`
	PowDifficultyL2     uint8    `koanf:"pow_difficulty_l2"`
	PowDifficultyL3     uint8    `koanf:"pow_difficulty_l3"`
	CookieName          string   `koanf:"cookie_name"`
	CookieMaxAgeSecs    int64    `koanf:"cookie_max_age_secs"`
	HMACSecret          string   `koanf:"hmac_secret"`
	ExemptPaths         []string `koanf:"exempt_paths"`
	CookieSubnetBinding bool     `koanf:"cookie_subnet_binding"`
	NoJSFallbackEnabled bool     `koanf:"nojs_fallback_enabled"`
}

type BlocklistConfig struct {
	BlockedCountries     []string `koanf:"blocked_countries"`
	ChallengedCountries  []string `koanf:"challenged_countries"`
	BlockedASNs          []uint32 `koanf:"blocked_asns"`
	CountryChallengeScore float64 `koanf:"country_challenge_score"`
}

type BehavioralConfig struct {
	ScoringWindowSecs        int64   `koanf:"scoring_window_secs"`
	MaxProfiles              int     `koanf:"max_profiles"`
	RegularityWeight         float64 `koanf:"regularity_weight"`
	PathDiversityMinRequests uint64  `koanf:"path_diversity_min_requests"`
}

type EscalationConfig struct {
	CheckIntervalSecs         int64   `koanf:"check_interval_secs"`
	DeescalationCooldownSecs  int64   `koanf:"deescalation_cooldown_secs"`
	L0ToL1RPS                 uint64  `koanf:"l0_to_l1_rps"`
	L1ToL2RPS                 uint64  `koanf:"l1_to_l2_rps"`
	L2ToL3RPS                 uint64  `koanf:"l2_to_l3_rps"`
	L3ToL4RPS                 uint64  `koanf:"l3_to_l4_rps"`
	SustainedChecksRequired   uint8   `koanf:"sustained_checks_required"`
	BlockRatioThreshold       float64 `koanf:"block_ratio_threshold"`
	EscalationCooldownSecs    int64   `koanf:"escalation_cooldown_secs"`
}

type LoggingConfig struct {
	Level     string `koanf:"level"`
	File      string `koanf:"file"`
	AccessLog string `koanf:"access_log"`
}

type StorageConfig struct {
	SqlitePath string `koanf:"sqlite_path"`
}

type L4ProtectionConfig struct {
	Enabled                    bool   `koanf:"enabled"`
	SynRatePerIPPerSec         uint64 `koanf:"syn_rate_per_ip_per_sec"`
	ConnectionRatePerIPPerSec  uint64 `koanf:"connection_rate_per_ip_per_sec"`
	MaxConcurrentPerIP         uint64 `koanf:"max_concurrent_per_ip"`
	TarpitEnabled              bool   `koanf:"tarpit_enabled"`
	TarpitDelayMs              uint64 `koanf:"tarpit_delay_ms"`
}

type BotWhitelistConfig struct {
	Enabled  bool `koanf:"enabled"`
	VerifyIP bool `koanf:"verify_ip"`
}

type MobileProxyConfig struct {
	MinSignals     uint32  `koanf:"min_signals"`
	ScoreThreshold float64 `koanf:"score_threshold"`
}

type AsnScoringConfig struct {
	DatacenterScore        float64 `koanf:"datacenter_score"`
	VPNScore               float64 `koanf:"vpn_score"`
	ResidentialProxyScore  float64 `koanf:"residential_proxy_score"`
}

type IPReputationConfig struct {
	Enabled             bool    `koanf:"enabled"`
	TorDetection        bool    `koanf:"tor_detection"`
	TorScore            float64 `koanf:"tor_score"`
	DecayIntervalSecs   int64   `koanf:"decay_interval_secs"`
	DecayPercent        float64 `koanf:"decay_percent"`
	BlockThreshold      float64 `koanf:"block_threshold"`
	HighReputationScore float64 `koanf:"high_reputation_score"`
}

type AutoBanConfig struct {
	Enabled             bool    `koanf:"enabled"`
	BanThreshold5m      uint32  `koanf:"ban_threshold_5m"`
	BanThreshold15m     uint32  `koanf:"ban_threshold_15m"`
	BanThreshold1h      uint32  `koanf:"ban_threshold_1h"`
	RepeatBanThreshold  uint32  `koanf:"repeat_ban_threshold"`
	SubnetBanRatio      float64 `koanf:"subnet_ban_ratio"`
}

type CloudflareConfig struct {
	Enabled bool `koanf:"enabled"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	DB       int    `koanf:"db"`
	Password string `koanf:"password"`
	Enabled  bool   `koanf:"enabled"`
}

// ServiceConfig overrides the global protection posture for one
// hostname. A negative ProtectionLevelOverride means "no override" —
// koanf can't express Rust's Option<u8> so -1 stands in for None.
type ServiceConfig struct {
	ProtectionLevelOverride int  `koanf:"protection_level_override"`
	AlwaysChallenge         bool `koanf:"always_challenge"`
}

// Config is the fully-resolved process configuration. It is treated as
// immutable after load; a reload produces a new *Config and callers swap
// it atomically (see runJanitor in cmd/fortress).
type Config struct {
	Server         ServerConfig         `koanf:"server"`
	TLS            TLSConfig            `koanf:"tls"`
	Upstream       UpstreamConfig       `koanf:"upstream"`
	Protection     ProtectionConfig     `koanf:"protection"`
	Challenge      ChallengeConfig      `koanf:"challenge"`
	Blocklist      BlocklistConfig      `koanf:"blocklist"`
	Behavioral     BehavioralConfig     `koanf:"behavioral"`
	Escalation     EscalationConfig     `koanf:"escalation"`
	Logging        LoggingConfig        `koanf:"logging"`
	Storage        StorageConfig        `koanf:"storage"`
	L4             L4ProtectionConfig   `koanf:"l4"`
	BotWhitelist   BotWhitelistConfig   `koanf:"bot_whitelist"`
	MobileProxy    MobileProxyConfig    `koanf:"mobile_proxy"`
	AsnScoring     AsnScoringConfig     `koanf:"asn_scoring"`
	IPReputation   IPReputationConfig   `koanf:"ip_reputation"`
	AutoBan        AutoBanConfig        `koanf:"auto_ban"`
	Cloudflare     CloudflareConfig     `koanf:"cloudflare"`
	Redis          RedisConfig          `koanf:"redis"`
	Services       map[string]ServiceConfig `koanf:"services"`
}

// Load reads path (YAML) over top of Defaults() and returns the merged
// config. Mirrors the teacher's pkg/config.Load, but takes the path
// explicitly rather than re-reading an env var internally, matching what
// cmd/fortress/main.go actually calls.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	out := &Config{}
	if err := k.Unmarshal("", out); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate enforces the ConfigInvalid error kind: an empty HMAC secret is
// startup-fatal, matching the Rust original's panic-on-empty-secret check.
func Validate(c *Config) error {
	if c.Challenge.HMACSecret == "" {
		return errors.New("config invalid: challenge.hmac_secret must not be empty")
	}
	return nil
}

func MustEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Defaults returns the out-of-the-box configuration, grounded field for
// field on the original implementation's config/defaults.rs.
func Defaults() *Config {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 4
	}
	return &Config{
		Server: ServerConfig{
			BindHTTP:              "0.0.0.0:80",
			BindHTTPS:             "0.0.0.0:443",
			Workers:               workers,
			MaxConnections:        50_000,
			ConnectionTimeoutSecs: 30,
			RequestTimeoutSecs:    60,
			KeepaliveTimeoutSecs:  5,
		},
		TLS: TLSConfig{
			CertDir:    "/etc/letsencrypt/live",
			MinVersion: "1.2",
		},
		Upstream: UpstreamConfig{
			Address:           "127.0.0.1:8080",
			MaxConnections:    10_000,
			ConnectTimeoutMs:  5_000,
			ResponseTimeoutMs: 60_000,
		},
		Protection: ProtectionConfig{
			DefaultLevel:   0,
			AutoEscalation: true,
			RateLimits: RateLimitLevels{
				Level0: RateLimitConfig{IPPer10s: 500, SubnetPer10s: 2_000, ASNPer10s: 10_000, CountryPer10s: 50_000},
				Level1: RateLimitConfig{IPPer10s: 300, SubnetPer10s: 1_000, ASNPer10s: 5_000, CountryPer10s: 20_000},
				Level2: RateLimitConfig{IPPer10s: 150, SubnetPer10s: 500, ASNPer10s: 2_000, CountryPer10s: 10_000},
				Level3: RateLimitConfig{IPPer10s: 50, SubnetPer10s: 200, ASNPer10s: 1_000, CountryPer10s: 5_000},
			},
			IPv4SubnetMask: 24,
		},
		Challenge: ChallengeConfig{
			PowDifficultyL1:  16,
			PowDifficultyL2:  18,
			PowDifficultyL3:  20,
			CookieName:       "__fortress_clearance",
			CookieMaxAgeSecs: 1_800,
			HMACSecret:       "",
		},
		Blocklist: BlocklistConfig{
			CountryChallengeScore: 20.0,
		},
		Behavioral: BehavioralConfig{
			ScoringWindowSecs:        60,
			MaxProfiles:              1_000_000,
			RegularityWeight:         0.5,
			PathDiversityMinRequests: 50,
		},
		Escalation: EscalationConfig{
			CheckIntervalSecs:        5,
			DeescalationCooldownSecs: 300,
			EscalationCooldownSecs:   10,
			L0ToL1RPS:                5_000,
			L1ToL2RPS:                15_000,
			L2ToL3RPS:                50_000,
			L3ToL4RPS:                100_000,
			SustainedChecksRequired:  3,
			BlockRatioThreshold:      0.3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			File:      "",
			AccessLog: "",
		},
		Storage: StorageConfig{
			SqlitePath: "./data/fortress.db",
		},
		L4: L4ProtectionConfig{
			Enabled:                   true,
			SynRatePerIPPerSec:        50,
			ConnectionRatePerIPPerSec: 30,
			MaxConcurrentPerIP:        100,
			TarpitEnabled:             true,
			TarpitDelayMs:             5_000,
		},
		BotWhitelist: BotWhitelistConfig{
			Enabled:  true,
			VerifyIP: true,
		},
		MobileProxy: MobileProxyConfig{
			MinSignals:     3,
			ScoreThreshold: 80.0,
		},
		AsnScoring: AsnScoringConfig{
			DatacenterScore:       5.0,
			VPNScore:              5.0,
			ResidentialProxyScore: 25.0,
		},
		IPReputation: IPReputationConfig{
			Enabled:             true,
			TorDetection:        true,
			TorScore:            15.0,
			DecayIntervalSecs:   600,
			DecayPercent:        10.0,
			BlockThreshold:      80.0,
			HighReputationScore: 20.0,
		},
		AutoBan: AutoBanConfig{
			Enabled:            true,
			BanThreshold5m:     10,
			BanThreshold15m:    25,
			BanThreshold1h:     50,
			RepeatBanThreshold: 3,
			SubnetBanRatio:     0.3,
		},
		Cloudflare: CloudflareConfig{Enabled: false},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			Enabled: false,
		},
	}
}
