// Package audit keeps an append-only JSONL trail of permission decisions and
// approval resolutions.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sniptail/sniptail/internal/shared"
)

type entry struct {
	Timestamp    string `json:"timestamp"`
	Decision     string `json:"decision"`
	Action       string `json:"action"`
	Reason       string `json:"reason"`
	RulesVersion string `json:"rules_version,omitempty"`
	Subject      string `json:"subject,omitempty"`
}

// Trail writes audit entries to <homeDir>/logs/audit.jsonl. Each instance
// owns its file handle; construct one per process.
type Trail struct {
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
}

// Open creates the trail file, appending to an existing one.
func Open(homeDir string) (*Trail, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Trail{file: f}, nil
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (t *Trail) DenyCount() int64 {
	return t.denyCount.Load()
}

// Record appends one entry. Secrets are redacted before persistence.
func (t *Trail) Record(decision, action, reason, rulesVersion, subject string) {
	if decision == "deny" {
		t.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return
	}
	ev := entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Decision:     decision,
		Action:       action,
		Reason:       reason,
		RulesVersion: rulesVersion,
		Subject:      subject,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = t.file.Write(append(b, '\n'))
	}
}
