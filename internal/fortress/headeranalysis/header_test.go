package headeranalysis

import (
	"testing"

	"github.com/Egida/fortress/internal/fortress/model"
)

func TestAnalyzeCleanBrowserRequestScoresLow(t *testing.T) {
	a := New()
	ctx := &model.RequestContext{
		Host:      "example.com",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36",
		Headers: map[string]string{
			"accept":          "text/html",
			"accept-language": "en-US",
		},
	}
	score, _, flagged := a.Analyze(ctx)
	if flagged {
		t.Fatalf("clean browser request should not be flagged, got score %v", score)
	}
}

func TestAnalyzeMissingHostAndUA(t *testing.T) {
	a := New()
	ctx := &model.RequestContext{Headers: map[string]string{}}
	score, reason, flagged := a.Analyze(ctx)
	if !flagged || reason != model.ReasonHeaderAnomaly {
		t.Fatalf("expected header-anomaly flag, got score=%v reason=%v flagged=%v", score, reason, flagged)
	}
	if score < 30 {
		t.Fatalf("expected combined missing-host + missing-ua score >=30, got %v", score)
	}
}

func TestAnalyzeLegitimateAutomationNotPenalizedForUA(t *testing.T) {
	a := New()
	ctx := &model.RequestContext{
		Host:      "example.com",
		UserAgent: "curl/8.4.0",
		Headers:   map[string]string{},
	}
	score, _, _ := a.Analyze(ctx)
	if score >= 15 {
		t.Fatalf("curl UA must not incur the attack-tool penalty, got score %v", score)
	}
}

func TestAnalyzeAttackToolUAFlagged(t *testing.T) {
	a := New()
	ctx := &model.RequestContext{
		Host:      "example.com",
		UserAgent: "sqlmap/1.7#stable",
		Headers:   map[string]string{},
	}
	score, reason, flagged := a.Analyze(ctx)
	if !flagged || reason != model.ReasonHeaderAnomaly {
		t.Fatalf("expected sqlmap UA to be flagged as header anomaly")
	}
	if score < 40 {
		t.Fatalf("expected attack-tool penalty >=40, got %v", score)
	}
}

func TestAnalyzeSmugglingIndicator(t *testing.T) {
	a := New()
	ctx := &model.RequestContext{
		Host:      "example.com",
		UserAgent: "curl/8.4.0",
		Headers: map[string]string{
			"transfer-encoding": "chunked",
			"content-length":    "42",
		},
	}
	score, reason, flagged := a.Analyze(ctx)
	if !flagged || reason != model.ReasonHeaderAnomaly || score < 50 {
		t.Fatalf("expected smuggling indicator to score >=50, got score=%v flagged=%v", score, flagged)
	}
}
