package challenge

import (
	"strings"
	"testing"
	"time"

	"github.com/Egida/fortress/internal/fortress/model"
)

func testSystem() *System {
	return New(Config{
		HMACSecret:          "test-secret",
		CookieName:          "fortress_clearance",
		CookieMaxAge:        time.Hour,
		ExemptPaths:         []string{"/static/*", "/health"},
		PowDifficultyL1:     16,
		PowDifficultyL2:     18,
		PowDifficultyL3:     20,
		CookieSubnetBinding: false,
		NojsFallbackEnabled: true,
	})
}

func TestGenerateAndValidateClearance(t *testing.T) {
	s := testSystem()
	setCookie := s.GenerateClearanceCookie("1.2.3.4")

	// Extract just "name=value" portion, as a client would send it back.
	nameValue := strings.SplitN(setCookie, ";", 2)[0]

	if !s.HasValidClearance("1.2.3.4", nameValue) {
		t.Fatalf("expected freshly generated clearance to validate")
	}
	if s.HasValidClearance("9.9.9.9", nameValue) {
		t.Fatalf("clearance must not validate for a different IP")
	}
}

func TestHasValidClearanceRejectsTamperedSignature(t *testing.T) {
	s := testSystem()
	setCookie := s.GenerateClearanceCookie("1.2.3.4")
	nameValue := strings.SplitN(setCookie, ";", 2)[0]
	tampered := nameValue[:len(nameValue)-4] + "xxxx"
	if s.HasValidClearance("1.2.3.4", tampered) {
		t.Fatalf("tampered signature must not validate")
	}
}

func TestShouldChallengeThresholdsByLevel(t *testing.T) {
	s := testSystem()
	if s.ShouldChallenge(model.L0, 90) {
		t.Fatalf("L0 should not challenge at score 90 (threshold 95)")
	}
	if !s.ShouldChallenge(model.L4, 20) {
		t.Fatalf("L4 should challenge at score 20 (threshold 15)")
	}
}

func TestVerifySolutionRequiresLeadingZeroBits(t *testing.T) {
	s := testSystem()
	chal := "1234567890:abcdef"
	// brute force a tiny valid nonce
	found := false
	for n := 0; n < 2_000_000; n++ {
		nonce := itoa(n)
		if s.VerifySolution(chal, nonce) {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected to find a PoW solution with >=16 leading zero bits within search bound")
	}
}

func TestIsExemptPath(t *testing.T) {
	s := testSystem()
	if !s.IsExemptPath("/static/app.js") {
		t.Fatalf("expected /static/* to match /static/app.js")
	}
	if s.IsExemptPath("/login") {
		t.Fatalf("did not expect /login to be exempt")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
