package policy

import (
	"fmt"
	"sync"
)

// LiveRules wraps a RuleSet with thread-safe replacement so the config
// watcher can hot-reload rules without restarting consumers.
type LiveRules struct {
	mu   sync.RWMutex
	data RuleSet
}

// NewLiveRules creates a LiveRules from an initial snapshot.
func NewLiveRules(initial RuleSet) *LiveRules {
	return &LiveRules{data: initial}
}

// Snapshot returns a copy of the current rule set.
func (lr *LiveRules) Snapshot() RuleSet {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	cp := lr.data
	cp.Rules = append([]Rule(nil), lr.data.Rules...)
	cp.DefaultApproverSubjects = append([]string(nil), lr.data.DefaultApproverSubjects...)
	cp.DefaultNotifySubjects = append([]string(nil), lr.data.DefaultNotifySubjects...)
	return cp
}

// Version returns the fingerprint of the current rule set.
func (lr *LiveRules) Version() string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lr.data.Version()
}

// Reload replaces the rule set.
func (lr *LiveRules) Reload(rs RuleSet) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.data = rs
}

// ReloadFromFile replaces the live rules only when the incoming file parses
// and validates. On error, the previous rules stay active.
func ReloadFromFile(lr *LiveRules, path string) error {
	if lr == nil {
		return fmt.Errorf("policy: nil live rules")
	}
	rs, err := Load(path)
	if err != nil {
		return err
	}
	lr.Reload(rs)
	return nil
}
