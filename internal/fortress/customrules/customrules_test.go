package customrules

import (
	"testing"

	"github.com/Egida/fortress/internal/fortress/model"
)

type staticSource struct{ rows []Row }

func (s staticSource) GetRules() ([]Row, error) { return s.rows, nil }

func TestCheckMatchesHighestPriorityFirst(t *testing.T) {
	e := New(staticSource{rows: []Row{
		{ID: 2, Name: "low-prio-block", Priority: 10, Condition: Condition{Path: "/admin*"}, Action: "block", Enabled: true},
		{ID: 1, Name: "high-prio-allow", Priority: 1, Condition: Condition{Path: "/admin*"}, Action: "pass", Enabled: true},
	}})

	action, reason, matched := e.Check(&model.RequestContext{Path: "/admin/panel"})
	if !matched || action != model.ActionPass {
		t.Fatalf("expected higher-priority (lower number) rule to win: action=%v reason=%q", action, reason)
	}
}

func TestCheckDisabledRuleSkipped(t *testing.T) {
	e := New(staticSource{rows: []Row{
		{ID: 1, Name: "disabled", Priority: 1, Condition: Condition{Path: "*"}, Action: "block", Enabled: false},
	}})
	_, _, matched := e.Check(&model.RequestContext{Path: "/anything"})
	if matched {
		t.Fatalf("disabled rule must not match")
	}
}

func TestConditionMatchesAllFieldsRequired(t *testing.T) {
	c := Condition{Method: "POST", Country: "US"}
	ctxMatch := &model.RequestContext{Method: "POST", Country: "US"}
	ctxNoMatch := &model.RequestContext{Method: "GET", Country: "US"}
	if !c.Matches(ctxMatch) {
		t.Fatalf("expected match when all conditions satisfied")
	}
	if c.Matches(ctxNoMatch) {
		t.Fatalf("expected no match when method differs")
	}
}

func TestPatternMatchesWildcards(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything", true},
		{"/api/*", "/api/v1/users", true},
		{"*.php", "index.php", true},
		{"*admin*", "/secret/admin/panel", true},
		{"/exact", "/exact", true},
		{"/exact", "/exactly", false},
	}
	for _, c := range cases {
		if got := patternMatches(c.pattern, c.value); got != c.want {
			t.Errorf("patternMatches(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}
