// Package botwhitelist recognizes known-good search-engine crawlers by
// User-Agent substring, optionally verified with a reverse/forward DNS
// round-trip, so verified crawlers can bypass the protection pipeline.
package botwhitelist

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"
)

const cacheTTL = time.Hour

type knownBot struct {
	name        string
	uaContains  string
	dnsSuffixes []string
}

// knownBots lists search-engine crawlers recognized by UA substring,
// each paired with the reverse-DNS suffixes that confirm the IP truly
// belongs to that crawler's network.
var knownBots = []knownBot{
	{"Googlebot", "googlebot", []string{".googlebot.com.", ".google.com."}},
	{"Bingbot", "bingbot", []string{".search.msn.com."}},
	{"YandexBot", "yandexbot", []string{".yandex.ru.", ".yandex.net.", ".yandex.com."}},
	{"Baiduspider", "baiduspider", []string{".baidu.com.", ".baidu.jp."}},
	{"DuckDuckBot", "duckduckbot", []string{".duckduckgo.com."}},
	{"Slurp", "slurp", []string{".crawl.yahoo.net."}},
	{"Applebot", "applebot", []string{".apple.com."}},
	{"AhrefsBot", "ahrefsbot", []string{".ahrefs.com."}},
}

// Config mirrors the bot_whitelist settings section.
type Config struct {
	Enabled  bool
	VerifyIP bool
}

type cacheEntry struct {
	name       string
	verifiedAt time.Time
}

// Whitelist checks a request's UA/IP against the known-bot table,
// optionally requiring DNS verification before trusting the claim.
type Whitelist struct {
	cfg   Config
	cache sync.Map // string(ip) -> cacheEntry
}

func New(cfg Config) *Whitelist {
	return &Whitelist{cfg: cfg}
}

// Check returns the matched bot's name if ua/ip identify a verified
// known crawler, or "" if not whitelisted.
func (w *Whitelist) Check(ua, ip string) string {
	if !w.cfg.Enabled || ua == "" {
		return ""
	}
	uaLower := strings.ToLower(ua)

	if v, ok := w.cache.Load(ip); ok {
		entry := v.(cacheEntry)
		if time.Since(entry.verifiedAt) < cacheTTL {
			return entry.name
		}
		w.cache.Delete(ip)
	}

	for _, bot := range knownBots {
		if !strings.Contains(uaLower, bot.uaContains) {
			continue
		}
		if w.cfg.VerifyIP {
			if w.verifyBotIP(ip, bot.dnsSuffixes) {
				w.cache.Store(ip, cacheEntry{name: bot.name, verifiedAt: time.Now()})
				return bot.name
			}
			// UA claims bot but IP verification failed: do not whitelist.
			return ""
		}
		w.cache.Store(ip, cacheEntry{name: bot.name, verifiedAt: time.Now()})
		return bot.name
	}
	return ""
}

// verifyBotIP performs a reverse DNS lookup and checks the hostname
// against validSuffixes, then confirms with a forward lookup that the
// hostname resolves back to ip. DNS failures fail open (not whitelisted).
func (w *Whitelist) verifyBotIP(ip string, validSuffixes []string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return false
	}
	hostname := strings.ToLower(names[0])

	matched := false
	for _, suffix := range validSuffixes {
		if strings.HasSuffix(hostname, suffix) || strings.HasSuffix(hostname, strings.TrimSuffix(suffix, ".")) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, hostname)
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if addr == ip {
			return true
		}
	}
	return false
}

// Cleanup drops cache entries older than the TTL.
func (w *Whitelist) Cleanup() {
	cutoff := time.Now().Add(-cacheTTL)
	w.cache.Range(func(k, v any) bool {
		if v.(cacheEntry).verifiedAt.Before(cutoff) {
			w.cache.Delete(k)
		}
		return true
	})
}
