// Package policy decides what chat actors may do. A RuleSet is an ordered
// list of first-match rules loaded from YAML; the approval engine holds
// actions requiring sign-off in a pending state until an approver resolves
// them.
package policy

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Effect is the outcome a rule assigns to a matched action.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

func (e Effect) IsValid() bool {
	switch e {
	case EffectAllow, EffectDeny, EffectRequireApproval:
		return true
	}
	return false
}

// ErrPolicyDenied reports an actor lacking permission for an action.
var ErrPolicyDenied = errors.New("policy: denied")

// Rule is one ordered entry in a RuleSet. A rule matches when its actions
// contain the requested action, its providers and channelIds (when present)
// contain the request's, and at least one subject matches the actor.
type Rule struct {
	ID               string   `yaml:"id"`
	Effect           Effect   `yaml:"effect"`
	Actions          []string `yaml:"actions"`
	Subjects         []string `yaml:"subjects"`
	ApproverSubjects []string `yaml:"approverSubjects,omitempty"`
	NotifySubjects   []string `yaml:"notifySubjects,omitempty"`
	Providers        []string `yaml:"providers,omitempty"`
	ChannelIDs       []string `yaml:"channelIds,omitempty"`
}

// RuleSet is the full permission configuration.
type RuleSet struct {
	Rules                   []Rule   `yaml:"rules"`
	DefaultEffect           Effect   `yaml:"defaultEffect"`
	DefaultApproverSubjects []string `yaml:"defaultApproverSubjects,omitempty"`
	DefaultNotifySubjects   []string `yaml:"defaultNotifySubjects,omitempty"`
}

// Default denies everything not explicitly ruled on.
func Default() RuleSet {
	return RuleSet{DefaultEffect: EffectDeny}
}

// Load reads a RuleSet from a YAML file. A missing or empty file yields the
// default deny-all set.
func Load(path string) (RuleSet, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return RuleSet{}, fmt.Errorf("policy: read rules: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("policy: parse rules: %w", err)
	}
	if rs.DefaultEffect == "" {
		rs.DefaultEffect = EffectDeny
	}
	if err := rs.validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

func (rs RuleSet) validate() error {
	if !rs.DefaultEffect.IsValid() {
		return fmt.Errorf("policy: unknown default effect %q", rs.DefaultEffect)
	}
	seen := make(map[string]struct{}, len(rs.Rules))
	for i, rule := range rs.Rules {
		if rule.ID == "" {
			return fmt.Errorf("policy: rule %d: missing id", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("policy: duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if !rule.Effect.IsValid() {
			return fmt.Errorf("policy: rule %q: unknown effect %q", rule.ID, rule.Effect)
		}
		if len(rule.Actions) == 0 {
			return fmt.Errorf("policy: rule %q: no actions", rule.ID)
		}
		if len(rule.Subjects) == 0 {
			return fmt.Errorf("policy: rule %q: no subjects", rule.ID)
		}
		for _, subject := range append(append([]string{}, rule.Subjects...), rule.ApproverSubjects...) {
			if err := validateSubject(subject); err != nil {
				return fmt.Errorf("policy: rule %q: %w", rule.ID, err)
			}
		}
	}
	for _, subject := range append(append([]string{}, rs.DefaultApproverSubjects...), rs.DefaultNotifySubjects...) {
		if err := validateSubject(subject); err != nil {
			return fmt.Errorf("policy: default subjects: %w", err)
		}
	}
	return nil
}

func validateSubject(subject string) error {
	if subject == "*" || strings.HasPrefix(subject, "user:") || strings.HasPrefix(subject, "group:") {
		return nil
	}
	return fmt.Errorf("unknown subject form %q", subject)
}

// Version fingerprints the rule set for logs and audit entries.
func (rs RuleSet) Version() string {
	h := fnv.New64a()
	for _, rule := range rs.Rules {
		_, _ = h.Write([]byte(rule.ID + "|" + string(rule.Effect) + "|"))
		for _, s := range [][]string{rule.Actions, rule.Subjects, rule.ApproverSubjects, rule.NotifySubjects, rule.Providers, rule.ChannelIDs} {
			_, _ = h.Write([]byte(strings.Join(s, ",") + "|"))
		}
	}
	_, _ = h.Write([]byte(string(rs.DefaultEffect) + "|"))
	_, _ = h.Write([]byte(strings.Join(rs.DefaultApproverSubjects, ",") + "|"))
	_, _ = h.Write([]byte(strings.Join(rs.DefaultNotifySubjects, ",") + "|"))
	return "rules-" + strconv.FormatUint(h.Sum64(), 16)
}

// Actor identifies who is requesting an action.
type Actor struct {
	UserID string
}

// Request carries the chat context a rule may constrain on.
type Request struct {
	Provider  string
	ChannelID string
}

// Decision is the evaluation result for one action.
type Decision struct {
	Effect           Effect
	RuleID           string
	ApproverSubjects []string
	NotifySubjects   []string
}

// Engine evaluates rules against actors. Group subjects resolve through the
// engine's cache; everything else is pure.
type Engine struct {
	groups *GroupCache
}

// NewEngine creates an evaluation engine. groups may be nil when no rule
// uses group subjects.
func NewEngine(groups *GroupCache) *Engine {
	return &Engine{groups: groups}
}

// Evaluate walks the rules in order and returns the first match's decision,
// falling back to the set's defaults. Notify subjects fall back to approver
// subjects when a matched rule names none.
func (e *Engine) Evaluate(ctx context.Context, rs RuleSet, actor Actor, req Request, action string) (Decision, error) {
	for _, rule := range rs.Rules {
		matched, err := e.ruleMatches(ctx, rule, actor, req, action)
		if err != nil {
			return Decision{}, err
		}
		if !matched {
			continue
		}
		notify := rule.NotifySubjects
		if len(notify) == 0 {
			notify = rule.ApproverSubjects
		}
		return Decision{
			Effect:           rule.Effect,
			RuleID:           rule.ID,
			ApproverSubjects: rule.ApproverSubjects,
			NotifySubjects:   notify,
		}, nil
	}
	notify := rs.DefaultNotifySubjects
	if len(notify) == 0 {
		notify = rs.DefaultApproverSubjects
	}
	return Decision{
		Effect:           rs.DefaultEffect,
		ApproverSubjects: rs.DefaultApproverSubjects,
		NotifySubjects:   notify,
	}, nil
}

func (e *Engine) ruleMatches(ctx context.Context, rule Rule, actor Actor, req Request, action string) (bool, error) {
	if !containsString(rule.Actions, action) {
		return false, nil
	}
	if len(rule.Providers) > 0 && !containsString(rule.Providers, req.Provider) {
		return false, nil
	}
	if len(rule.ChannelIDs) > 0 && !containsString(rule.ChannelIDs, req.ChannelID) {
		return false, nil
	}
	return e.SubjectsMatch(ctx, rule.Subjects, actor, req.Provider)
}

// SubjectsMatch reports whether any subject covers the actor. The approval
// engine reuses it to authorize resolvers against approverSubjects.
func (e *Engine) SubjectsMatch(ctx context.Context, subjects []string, actor Actor, provider string) (bool, error) {
	for _, subject := range subjects {
		switch {
		case subject == "*" || subject == "user:*":
			return true, nil
		case strings.HasPrefix(subject, "user:"):
			if strings.TrimPrefix(subject, "user:") == actor.UserID {
				return true, nil
			}
		case strings.HasPrefix(subject, "group:"):
			if e.groups == nil {
				continue
			}
			members, err := e.groups.Members(ctx, provider, strings.TrimPrefix(subject, "group:"))
			if err != nil {
				return false, err
			}
			if _, ok := members[actor.UserID]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
