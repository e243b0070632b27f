package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testRuleSet() RuleSet {
	return RuleSet{
		Rules: []Rule{
			{
				ID:       "deny-clear",
				Effect:   EffectDeny,
				Actions:  []string{"jobs.clear"},
				Subjects: []string{"user:U_DENY"},
			},
			{
				ID:               "approve-clear-before",
				Effect:           EffectRequireApproval,
				Actions:          []string{"jobs.clearBefore"},
				Subjects:         []string{"user:*"},
				ApproverSubjects: []string{"group:admins"},
			},
		},
		DefaultEffect: EffectAllow,
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	engine := NewEngine(nil)
	rs := testRuleSet()
	ctx := context.Background()
	req := Request{Provider: "slack", ChannelID: "C1"}

	decision, err := engine.Evaluate(ctx, rs, Actor{UserID: "U_DENY"}, req, "jobs.clear")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Effect != EffectDeny || decision.RuleID != "deny-clear" {
		t.Fatalf("decision = %+v, want deny via deny-clear", decision)
	}

	decision, err = engine.Evaluate(ctx, rs, Actor{UserID: "U_OTHER"}, req, "jobs.clearBefore")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Effect != EffectRequireApproval || decision.RuleID != "approve-clear-before" {
		t.Fatalf("decision = %+v, want require_approval via approve-clear-before", decision)
	}

	// U_DENY's deny rule does not cover jobs.clearBefore; the wildcard rule does.
	decision, err = engine.Evaluate(ctx, rs, Actor{UserID: "U_DENY"}, req, "jobs.clearBefore")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Effect != EffectRequireApproval {
		t.Fatalf("effect = %v, want require_approval", decision.Effect)
	}
}

func TestEvaluateFallsBackToDefault(t *testing.T) {
	engine := NewEngine(nil)
	rs := testRuleSet()
	rs.DefaultApproverSubjects = []string{"user:U_ADMIN"}

	decision, err := engine.Evaluate(context.Background(), rs, Actor{UserID: "U1"},
		Request{Provider: "slack"}, "jobs.enqueue")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Effect != EffectAllow || decision.RuleID != "" {
		t.Fatalf("decision = %+v, want default allow with no rule id", decision)
	}
	// Notify subjects fall back to approver subjects.
	if len(decision.NotifySubjects) != 1 || decision.NotifySubjects[0] != "user:U_ADMIN" {
		t.Fatalf("notifySubjects = %v, want fallback to approvers", decision.NotifySubjects)
	}
}

func TestEvaluateProviderAndChannelConstraints(t *testing.T) {
	engine := NewEngine(nil)
	rs := RuleSet{
		Rules: []Rule{{
			ID:         "slack-only",
			Effect:     EffectAllow,
			Actions:    []string{"jobs.enqueue"},
			Subjects:   []string{"*"},
			Providers:  []string{"slack"},
			ChannelIDs: []string{"C1"},
		}},
		DefaultEffect: EffectDeny,
	}
	ctx := context.Background()
	actor := Actor{UserID: "U1"}

	decision, err := engine.Evaluate(ctx, rs, actor, Request{Provider: "slack", ChannelID: "C1"}, "jobs.enqueue")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Effect != EffectAllow {
		t.Fatalf("effect = %v, want allow for matching provider/channel", decision.Effect)
	}

	for _, req := range []Request{
		{Provider: "discord", ChannelID: "C1"},
		{Provider: "slack", ChannelID: "C2"},
	} {
		decision, err := engine.Evaluate(ctx, rs, actor, req, "jobs.enqueue")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if decision.Effect != EffectDeny {
			t.Fatalf("effect for %+v = %v, want default deny", req, decision.Effect)
		}
	}
}

func TestEvaluateGroupSubject(t *testing.T) {
	resolver := GroupResolverFunc(func(_ context.Context, provider, groupID string) ([]string, error) {
		if provider != "slack" || groupID != "admins" {
			return nil, errors.New("unexpected lookup")
		}
		return []string{"U_ADMIN"}, nil
	})
	engine := NewEngine(NewGroupCache(resolver, time.Minute))
	rs := RuleSet{
		Rules: []Rule{{
			ID:       "admins-allow",
			Effect:   EffectAllow,
			Actions:  []string{"jobs.clear"},
			Subjects: []string{"group:admins"},
		}},
		DefaultEffect: EffectDeny,
	}
	ctx := context.Background()
	req := Request{Provider: "slack"}

	decision, err := engine.Evaluate(ctx, rs, Actor{UserID: "U_ADMIN"}, req, "jobs.clear")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Effect != EffectAllow {
		t.Fatalf("effect = %v, want allow for group member", decision.Effect)
	}

	decision, err = engine.Evaluate(ctx, rs, Actor{UserID: "U_OUTSIDER"}, req, "jobs.clear")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Effect != EffectDeny {
		t.Fatalf("effect = %v, want deny for non-member", decision.Effect)
	}
}

func TestGroupCacheTTL(t *testing.T) {
	var lookups atomic.Int32
	resolver := GroupResolverFunc(func(context.Context, string, string) ([]string, error) {
		lookups.Add(1)
		return []string{"U1"}, nil
	})
	cache := NewGroupCache(resolver, time.Minute)
	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cache.Members(ctx, "slack", "admins"); err != nil {
			t.Fatalf("Members: %v", err)
		}
	}
	if n := lookups.Load(); n != 1 {
		t.Fatalf("lookups = %d, want 1 within TTL", n)
	}

	current = current.Add(2 * time.Minute)
	if _, err := cache.Members(ctx, "slack", "admins"); err != nil {
		t.Fatalf("Members: %v", err)
	}
	if n := lookups.Load(); n != 2 {
		t.Fatalf("lookups = %d, want refresh after expiry", n)
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
rules:
  - id: deny-clear
    effect: deny
    actions: [jobs.clear]
    subjects: ["user:U_DENY"]
  - id: approve-clear-before
    effect: require_approval
    actions: [jobs.clearBefore]
    subjects: ["user:*"]
    approverSubjects: ["group:admins"]
defaultEffect: allow
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rs.Rules) != 2 || rs.Rules[0].ID != "deny-clear" {
		t.Fatalf("rules = %+v", rs.Rules)
	}
	if rs.DefaultEffect != EffectAllow {
		t.Fatalf("defaultEffect = %v, want allow", rs.DefaultEffect)
	}
}

func TestLoadMissingFileUsesDefault(t *testing.T) {
	rs, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rs.DefaultEffect != EffectDeny {
		t.Fatalf("defaultEffect = %v, want deny-all default", rs.DefaultEffect)
	}
}

func TestLoadRejectsInvalidRules(t *testing.T) {
	cases := map[string]string{
		"bad effect":        "rules:\n  - id: r1\n    effect: maybe\n    actions: [a]\n    subjects: [\"*\"]\n",
		"no actions":        "rules:\n  - id: r1\n    effect: allow\n    subjects: [\"*\"]\n",
		"no subjects":       "rules:\n  - id: r1\n    effect: allow\n    actions: [a]\n",
		"bad subject":       "rules:\n  - id: r1\n    effect: allow\n    actions: [a]\n    subjects: [banana]\n",
		"duplicate rule id": "rules:\n  - id: r1\n    effect: allow\n    actions: [a]\n    subjects: [\"*\"]\n  - id: r1\n    effect: deny\n    actions: [b]\n    subjects: [\"*\"]\n",
	}
	dir := t.TempDir()
	for name, content := range cases {
		path := filepath.Join(dir, "rules.yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write rules: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load accepted invalid rules", name)
		}
	}
}

func TestLiveRulesReload(t *testing.T) {
	live := NewLiveRules(testRuleSet())
	before := live.Version()

	replacement := Default()
	live.Reload(replacement)
	if live.Version() == before {
		t.Fatal("version unchanged after reload")
	}
	if got := live.Snapshot(); len(got.Rules) != 0 || got.DefaultEffect != EffectDeny {
		t.Fatalf("snapshot = %+v, want replaced rule set", got)
	}
}
