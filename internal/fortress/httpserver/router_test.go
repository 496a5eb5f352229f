package httpserver_test

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"testing"
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
	"github.com/Egida/fortress/internal/fortress/headeranalysis"
	"github.com/Egida/fortress/internal/fortress/httpserver"
	"github.com/Egida/fortress/internal/fortress/managedrules"
	"github.com/Egida/fortress/internal/fortress/mobileproxy"
	"github.com/Egida/fortress/internal/fortress/pipeline"
	"github.com/Egida/fortress/internal/fortress/reputation"
	"github.com/Egida/fortress/internal/fortress/store"
)

type noRules struct{}

func (noRules) GetRules() ([]customrules.Row, error) { return nil, nil }

func newTestDeps(t *testing.T, upstream string) httpserver.RouterDeps {
	t.Helper()
	st := store.New()
	classifier := asn.New()
	chal := challenge.New(challenge.Config{HMACSecret: "test-secret", CookieName: "__fortress_clearance", CookieMaxAge: time.Hour})

	p := &pipeline.Pipeline{
		Store:          st,
		Reputation:     reputation.New(reputation.Config{}),
		AutoBan:        autoban.New(autoban.Config{Enabled: true, BanThreshold5m: 10, BanThreshold15m: 25, BanThreshold1h: 50, RepeatBanThreshold: 3}),
		Escalation:     escalation.New(escalation.Config{SustainedChecksRequired: 3, DeescalationCooldown: time.Minute}),
		Challenge:      chal,
		Distributed:    distributed.New(),
		ASN:            classifier,
		HeaderAnalysis: headeranalysis.New(),
		MobileProxy:    mobileproxy.New(classifier, mobileproxy.Config{MinSignals: 3, ScoreThreshold: 80}),
		Behavioral:     behavioral.New(st),
		BotWhitelist:   botwhitelist.New(botwhitelist.Config{Enabled: true, VerifyIP: true}),
		CustomRules:    customrules.New(noRules{}),
		ManagedRules:   managedrules.New(),
		Blocklist:      pipeline.NewBlocklist(),
	}

	cfg := config.Defaults()
	cfg.Challenge.HMACSecret = "test-secret"
	var cfgPtr atomic.Pointer[config.Config]
	cfgPtr.Store(cfg)

	var proxy *httputil.ReverseProxy
	if upstream != "" {
		u, err := url.Parse(upstream)
		if err != nil {
			t.Fatal(err)
		}
		proxy = httputil.NewSingleHostReverseProxy(u)
	}

	return httpserver.RouterDeps{Cfg: &cfgPtr, Pipeline: p, Challenge: chal, Proxy: proxy}
}

func TestLocalRoutesOK(t *testing.T) {
	router, cleanup := httpserver.NewRouter(newTestDeps(t, ""))
	t.Cleanup(cleanup)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	for _, p := range []string{"/health", "/metrics"} {
		resp, err := http.Get(ts.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: want 200, got %d", p, resp.StatusCode)
		}
	}
}

func TestOrdinaryRequestReachesUpstream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true,"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(backend.Close)

	router, cleanup := httpserver.NewRouter(newTestDeps(t, backend.URL))
	t.Cleanup(cleanup)
	gw := httptest.NewServer(router)
	t.Cleanup(gw.Close)

	resp, err := http.Get(gw.URL + "/hello")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	if ray := resp.Header.Get("X-Fortress-Ray"); len(ray) != 16 {
		t.Fatalf("expected 16-char X-Fortress-Ray header, got %q", ray)
	}
}

func TestBlockedIPReturns403(t *testing.T) {
	deps := newTestDeps(t, "")
	// httptest.NewServer listens on loopback, so the client's direct peer
	// address is 127.0.0.1; block that rather than spoofing a header,
	// since an untrusted peer's X-Forwarded-For is never honored.
	deps.Pipeline.Store.BlockIP("127.0.0.1", "manual block", nil, "admin")
	router, cleanup := httpserver.NewRouter(deps)
	t.Cleanup(cleanup)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/anything", nil)
	req.Header.Set("X-Forwarded-For", "192.0.2.99")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403, got %d", resp.StatusCode)
	}
}

func TestUntrustedForwardedForHeaderIsIgnored(t *testing.T) {
	deps := newTestDeps(t, "")
	// A spoofed X-Forwarded-For naming a blocked IP must not let a
	// request through as that IP when the peer isn't a trusted proxy.
	deps.Pipeline.Store.BlockIP("192.0.2.99", "manual block", nil, "admin")
	router, cleanup := httpserver.NewRouter(deps)
	t.Cleanup(cleanup)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/anything", nil)
	req.Header.Set("X-Forwarded-For", "192.0.2.99")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode == http.StatusForbidden {
		t.Fatalf("spoofed X-Forwarded-For from an untrusted peer must not trigger the 192.0.2.99 block")
	}
}

// leadingZeroBits mirrors challenge.System's internal PoW check.
func leadingZeroBits(hash []byte) int {
	zeros := 0
	for _, b := range hash {
		if b == 0 {
			zeros += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if (b>>uint(bit))&1 != 0 {
				break
			}
			zeros++
		}
		break
	}
	return zeros
}

// solvePoW brute-forces a nonce satisfying the server's 16-leading-zero-bit
// floor, matching what a legitimate client's challenge page JS would do.
func solvePoW(chal string) string {
	for i := 0; ; i++ {
		nonce := fmt.Sprintf("%d", i)
		sum := sha256.Sum256([]byte(chal + ":" + nonce))
		if leadingZeroBits(sum[:]) >= 16 {
			return nonce
		}
	}
}

func TestVerifyRejectsHighHeadlessScore(t *testing.T) {
	router, cleanup := httpserver.NewRouter(newTestDeps(t, ""))
	t.Cleanup(cleanup)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	chal := "1700000000:abcdef0123456789"
	nonce := solvePoW(chal)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(fmt.Sprintf("%s/__fortress/verify?challenge=%s&nonce=%s&hl=80", ts.URL, chal, nonce))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403 for hl=80, got %d", resp.StatusCode)
	}
}

func TestVerifySanitizesOpenRedirect(t *testing.T) {
	router, cleanup := httpserver.NewRouter(newTestDeps(t, ""))
	t.Cleanup(cleanup)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	chal := "1700000000:fedcba9876543210"
	nonce := solvePoW(chal)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(fmt.Sprintf("%s/__fortress/verify?challenge=%s&nonce=%s&redirect=%s", ts.URL, chal, nonce, "https://evil.example"))
	if err != nil {
		t.Fatal(err)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("expected open redirect to be sanitized to /, got %q", loc)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected Cache-Control: no-store on verify success, got %q", cc)
	}
}

func TestNojsVerifyRejectsBadToken(t *testing.T) {
	router, cleanup := httpserver.NewRouter(newTestDeps(t, ""))
	t.Cleanup(cleanup)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/__fortress/nojs-verify?token=bogus&sig=bogus")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403 for bad nojs token, got %d", resp.StatusCode)
	}
}
