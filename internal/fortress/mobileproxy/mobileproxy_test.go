package mobileproxy

import (
	"testing"

	"github.com/Egida/fortress/internal/fortress/asn"
	"github.com/Egida/fortress/internal/fortress/model"
)

func testDetector() *Detector {
	return New(asn.New(), Config{MinSignals: 2, ScoreThreshold: 50})
}

func TestDetectResidentialProxyASN(t *testing.T) {
	d := testDetector()
	ctx := &model.RequestContext{
		UserAgent: "Mozilla/5.0 (Linux; Android 13) Mobile Safari/537.36",
		ASN:       9009, // Bright Data
		Headers:   map[string]string{"sec-ch-ua-mobile": "?1"},
	}
	score, isProxy := d.Detect(ctx)
	if score < 40 {
		t.Fatalf("expected residential-proxy ASN to score >=40, got %v", score)
	}
	_ = isProxy
}

func TestDetectCleanMobileRequestLowScore(t *testing.T) {
	d := testDetector()
	ctx := &model.RequestContext{
		UserAgent: "Mozilla/5.0 (Linux; Android 13) Mobile Safari/537.36",
		ASN:       9121, // Turkcell, mobile carrier
		Country:   "TR",
		Headers: map[string]string{
			"accept-language":  "tr-TR,tr;q=0.9",
			"sec-ch-ua-mobile": "?1",
			"accept":           "text/html",
		},
	}
	score, isProxy := d.Detect(ctx)
	if isProxy {
		t.Fatalf("expected clean mobile-carrier traffic to not be flagged, score=%v", score)
	}
}

func TestDetectLanguageCountryMismatch(t *testing.T) {
	d := testDetector()
	ctx := &model.RequestContext{
		UserAgent: "curl/8.0",
		Country:   "JP",
		Headers:   map[string]string{"accept-language": "en-US,en;q=0.9"},
	}
	score, _ := d.Detect(ctx)
	if score < 15 {
		t.Fatalf("expected language/country mismatch to score >=15, got %v", score)
	}
}
