// Package job defines the core data model: the immutable JobSpec that chat
// adapters submit, and the mutable JobRecord envelope the registry owns.
package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of job kinds. Every switch over Type must handle all
// of them (or fail loudly via Prefix/IsValid) so new kinds surface at compile
// review rather than at runtime.
type Type string

const (
	TypeAsk       Type = "ASK"
	TypePlan      Type = "PLAN"
	TypeImplement Type = "IMPLEMENT"
	TypeReview    Type = "REVIEW"
	TypeMention   Type = "MENTION"
)

// Types lists all valid job types in declaration order.
var Types = []Type{TypeAsk, TypePlan, TypeImplement, TypeReview, TypeMention}

func (t Type) IsValid() bool {
	switch t {
	case TypeAsk, TypePlan, TypeImplement, TypeReview, TypeMention:
		return true
	}
	return false
}

// Prefix returns the job-id namespace prefix for this type. Prefix-scans over
// the registry rely on these being stable and distinct.
func (t Type) Prefix() string {
	switch t {
	case TypeAsk:
		return "ask"
	case TypePlan:
		return "plan"
	case TypeImplement:
		return "impl"
	case TypeReview:
		return "review"
	case TypeMention:
		return "mention"
	}
	return "job"
}

// Status is the lifecycle state of a JobRecord.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusOK || s == StatusFailed
}

// ChannelRef identifies where a job came from on a chat platform.
type ChannelRef struct {
	Provider  string `json:"provider"`
	ChannelID string `json:"channelId"`
	ThreadID  string `json:"threadId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// Settings carries optional per-job knobs set by the requesting adapter.
type Settings struct {
	Checks      []string `json:"checks,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Reviewers   []string `json:"reviewers,omitempty"`
	AllowWrites bool     `json:"allowWrites,omitempty"`
}

// Spec is the immutable job request. It is created by a chat adapter before
// it reaches the orchestration core and is never mutated afterwards.
type Spec struct {
	ID              string            `json:"jobId"`
	Type            Type              `json:"type"`
	RepoKeys        []string          `json:"repoKeys"`
	GitRef          string            `json:"gitRef,omitempty"`
	RequestText     string            `json:"requestText"`
	Channel         ChannelRef        `json:"channel"`
	ResumeFromJobID string            `json:"resumeFromJobId,omitempty"`
	AgentThreads    map[string]string `json:"agentThreads,omitempty"`
	Settings        *Settings         `json:"settings,omitempty"`
}

// Mutating reports whether this job needs a writable branch in its worktrees.
func (s Spec) Mutating() bool {
	if s.Type == TypeImplement {
		return true
	}
	if s.Type == TypeAsk && s.Settings != nil && s.Settings.AllowWrites {
		return true
	}
	return false
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("job spec: missing jobId")
	}
	if !s.Type.IsValid() {
		return fmt.Errorf("job spec %s: unknown type %q", s.ID, s.Type)
	}
	if len(s.RepoKeys) == 0 {
		return fmt.Errorf("job spec %s: no repo keys", s.ID)
	}
	seen := make(map[string]struct{}, len(s.RepoKeys))
	for _, key := range s.RepoKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("job spec %s: empty repo key", s.ID)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("job spec %s: duplicate repo key %q", s.ID, key)
		}
		seen[key] = struct{}{}
	}
	if s.Channel.Provider == "" {
		return fmt.Errorf("job spec %s: missing channel provider", s.ID)
	}
	return nil
}

// MergeRequest references a merge/pull request an agent opened for a repo.
type MergeRequest struct {
	RepoKey string `json:"repoKey"`
	Branch  string `json:"branch"`
	URL     string `json:"url"`
}

// Record is the durable envelope the Job Registry owns. The registry treats
// it as an opaque JSON blob; backends index a few fields for scans.
type Record struct {
	Job           Spec              `json:"job"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	BranchByRepo  map[string]string `json:"branchByRepo,omitempty"`
	DeleteAt      *time.Time        `json:"deleteAt,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	MergeRequests []MergeRequest    `json:"mergeRequests,omitempty"`
	Error         string            `json:"error,omitempty"`
	OpenQuestions []string          `json:"openQuestions,omitempty"`
}

// NewRecord builds a fresh queued record for a spec.
func NewRecord(spec Spec, now time.Time) Record {
	return Record{
		Job:       spec,
		Status:    StatusQueued,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// NewID constructs a job id in the "<type-prefix>-<timestamp>-<random>"
// scheme. Ids sort roughly by creation time within a type's namespace, which
// is what prefix scans and retention trimming depend on.
func NewID(t Type) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", t.Prefix(), time.Now().UnixMilli(), random)
}
