package managedrules

import (
	"testing"

	"github.com/Egida/fortress/internal/fortress/model"
)

func ctxFor(method, path, ua string, headers map[string]string) *model.RequestContext {
	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}
	return &model.RequestContext{
		Method:    method,
		Path:      path,
		UserAgent: ua,
		ClientIP:  "1.2.3.4",
		Headers:   hdrs,
	}
}

func TestPathTraversalBlocked(t *testing.T) {
	e := New()
	res, matched := e.Check(ctxFor("GET", "/static/../../etc/passwd", "Mozilla/5.0", nil))
	if !matched || res.RuleID != 1 || res.Action != ActionBlock {
		t.Fatalf("expected path_traversal block, got %+v matched=%v", res, matched)
	}
}

func TestSensitiveFileBlocked(t *testing.T) {
	e := New()
	res, matched := e.Check(ctxFor("GET", "/.env", "curl/8.0", nil))
	if !matched || res.RuleID != 2 {
		t.Fatalf("expected sensitive_files block, got %+v matched=%v", res, matched)
	}
}

func TestBackupFileZipRequiresKeyword(t *testing.T) {
	e := New()
	if _, matched := e.Check(ctxFor("GET", "/site.zip", "curl/8.0", nil)); matched {
		t.Fatalf("bare .zip without backup/dump/db keyword must not match")
	}
	res, matched := e.Check(ctxFor("GET", "/site-backup.zip", "curl/8.0", nil))
	if !matched || res.RuleID != 3 {
		t.Fatalf("expected backup_files match for zip with 'backup' keyword, got %+v matched=%v", res, matched)
	}
	res, matched = e.Check(ctxFor("GET", "/dump.sql", "curl/8.0", nil))
	if !matched || res.RuleID != 3 {
		t.Fatalf("expected backup_files match for .sql suffix, got %+v matched=%v", res, matched)
	}
}

func TestHiddenFilesExceptWellKnown(t *testing.T) {
	e := New()
	if _, matched := e.Check(ctxFor("GET", "/.well-known/acme-challenge/x", "curl/8.0", nil)); matched {
		t.Fatalf(".well-known must be exempt from hidden_files")
	}
	res, matched := e.Check(ctxFor("GET", "/.htpasswd", "curl/8.0", nil))
	if !matched || res.RuleID != 4 {
		t.Fatalf("expected hidden_files match, got %+v matched=%v", res, matched)
	}
}

func TestLoginRateLimitChallengesAfterThreshold(t *testing.T) {
	e := New()
	var last Result
	var matched bool
	for i := 0; i < 6; i++ {
		last, matched = e.Check(ctxFor("POST", "/login", "Mozilla/5.0", nil))
	}
	if !matched || last.RuleID != 5 || last.Action != ActionChallenge {
		t.Fatalf("expected login_rate_limit challenge on 6th attempt, got %+v matched=%v", last, matched)
	}
}

func TestMissingContentTypeScores(t *testing.T) {
	e := New()
	res, matched := e.Check(ctxFor("POST", "/submit", "Mozilla/5.0", nil))
	if !matched || res.RuleID != 9 || res.Action != ActionScore || res.Score != 15.0 {
		t.Fatalf("expected missing_content_type score, got %+v matched=%v", res, matched)
	}
}

func TestFakeGoogleBotBlockedWhenIPMismatch(t *testing.T) {
	e := New()
	ctx := ctxFor("GET", "/", "Mozilla/5.0 (compatible; Googlebot/2.1)", nil)
	ctx.ClientIP = "1.2.3.4"
	res, matched := e.Check(ctx)
	if !matched || res.RuleID != 11 {
		t.Fatalf("expected fake_google_bot block, got %+v matched=%v", res, matched)
	}

	e2 := New()
	ctx2 := ctxFor("GET", "/", "Mozilla/5.0 (compatible; Googlebot/2.1)", nil)
	ctx2.ClientIP = "66.249.66.1"
	if _, matched2 := e2.Check(ctx2); matched2 {
		t.Fatalf("real Googlebot IP range must not be blocked")
	}
}

func TestRequestSmugglingBlocked(t *testing.T) {
	e := New()
	res, matched := e.Check(ctxFor("POST", "/", "Mozilla/5.0", map[string]string{
		"transfer-encoding": "chunked",
		"content-length":    "10",
		"content-type":      "application/json",
	}))
	if !matched || res.RuleID != 14 {
		t.Fatalf("expected request_smuggling block, got %+v matched=%v", res, matched)
	}
}

func TestInvalidMethodBlocked(t *testing.T) {
	e := New()
	res, matched := e.Check(ctxFor("FOOBAR", "/", "Mozilla/5.0", nil))
	if !matched || res.RuleID != 20 {
		t.Fatalf("expected invalid_method block, got %+v matched=%v", res, matched)
	}
}

func TestAPIRateLimitDisabledByDefault(t *testing.T) {
	e := New()
	for i := 0; i < 150; i++ {
		if _, matched := e.Check(ctxFor("GET", "/api/users", "Mozilla/5.0", map[string]string{"content-type": "application/json"})); matched {
			t.Fatalf("rule 19 must be disabled by default, got match on iteration %d", i)
		}
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := New()
	e.SetRuleEnabled(1, false)
	if _, matched := e.Check(ctxFor("GET", "/static/../../etc/passwd", "Mozilla/5.0", nil)); matched {
		t.Fatalf("disabled path_traversal rule must not match")
	}
}

func TestUAFloodScoresAfterThreshold(t *testing.T) {
	e := New()
	var last Result
	var matched bool
	for i := 0; i < 1001; i++ {
		last, matched = e.Check(ctxFor("GET", "/robots.txt", "FloodBot/1.0", map[string]string{"content-type": "text/plain"}))
	}
	if !matched || last.RuleID != 17 || last.Action != ActionScore {
		t.Fatalf("expected connection_flood_ua score, got %+v matched=%v", last, matched)
	}
}
