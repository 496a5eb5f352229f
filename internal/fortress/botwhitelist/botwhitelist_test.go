package botwhitelist

import "testing"

func TestCheckDisabledReturnsEmpty(t *testing.T) {
	w := New(Config{Enabled: false})
	if got := w.Check("Googlebot/2.1", "66.249.66.1"); got != "" {
		t.Fatalf("disabled whitelist must never match, got %q", got)
	}
}

func TestCheckTrustsUAWithoutVerification(t *testing.T) {
	w := New(Config{Enabled: true, VerifyIP: false})
	if got := w.Check("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "1.2.3.4"); got != "Googlebot" {
		t.Fatalf("expected Googlebot match without IP verification, got %q", got)
	}
}

func TestCheckNoMatchForUnknownUA(t *testing.T) {
	w := New(Config{Enabled: true, VerifyIP: false})
	if got := w.Check("curl/8.0", "1.2.3.4"); got != "" {
		t.Fatalf("expected no bot match for curl UA, got %q", got)
	}
}

func TestCheckCachesVerifiedResult(t *testing.T) {
	w := New(Config{Enabled: true, VerifyIP: false})
	w.Check("bingbot/2.0", "5.6.7.8")
	if got := w.Check("something else entirely", "5.6.7.8"); got != "Bingbot" {
		t.Fatalf("expected cached verification to apply regardless of current UA, got %q", got)
	}
}
