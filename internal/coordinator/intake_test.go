package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sniptail/sniptail/internal/job"
	"github.com/sniptail/sniptail/internal/policy"
	"github.com/sniptail/sniptail/internal/queue"
	"github.com/sniptail/sniptail/internal/registry"
)

func newTestIntake(t *testing.T, rules policy.RuleSet) (*Intake, *registry.SQLite, queue.Transport) {
	t.Helper()

	store, err := registry.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	transport := queue.NewMemory()
	t.Cleanup(func() { _ = transport.Close() })

	groups := policy.NewGroupCache(policy.GroupResolverFunc(
		func(ctx context.Context, provider, groupID string) ([]string, error) {
			return []string{"U_ADMIN"}, nil
		}), time.Minute)
	engine := policy.NewEngine(groups)

	approvalStore, err := policy.NewSQLiteApprovalStore(context.Background(), store.DB())
	if err != nil {
		t.Fatalf("open approval store: %v", err)
	}
	approvals := policy.NewApprovals(policy.ApprovalsConfig{
		Store:     approvalStore,
		Transport: transport,
		Engine:    engine,
		Logger:    slog.New(slog.DiscardHandler),
	})

	intake := NewIntake(IntakeConfig{
		Registry:  store,
		Transport: transport,
		Rules:     policy.NewLiveRules(rules),
		Engine:    engine,
		Approvals: approvals,
		Logger:    slog.New(slog.DiscardHandler),
	})
	return intake, store, transport
}

func allowAllRules() policy.RuleSet {
	return policy.RuleSet{
		Rules: []policy.Rule{{
			ID:       "allow-enqueue",
			Effect:   policy.EffectAllow,
			Actions:  []string{ActionEnqueue},
			Subjects: []string{"*"},
		}},
		DefaultEffect: policy.EffectDeny,
	}
}

func consumeJobs(t *testing.T, transport queue.Transport) <-chan queue.Message {
	t.Helper()
	out := make(chan queue.Message, 8)
	_, err := transport.Consume(queue.ChannelJobs, queue.ConsumerOptions{
		Handler: func(ctx context.Context, msg queue.Message) error {
			out <- msg
			return nil
		},
	})
	if err != nil {
		t.Fatalf("consume jobs: %v", err)
	}
	return out
}

func TestSubmitAllowedEnqueues(t *testing.T) {
	intake, store, transport := newTestIntake(t, allowAllRules())
	jobs := consumeJobs(t, transport)

	spec := implementSpec("impl-1-aaaa")
	result, err := intake.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Enqueued || result.ApprovalID != "" {
		t.Fatalf("result = %+v, want enqueued", result)
	}

	msg := waitMessage(t, jobs, "job message")
	var got job.Spec
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.ID != spec.ID {
		t.Fatalf("payload job id = %q, want %q", got.ID, spec.ID)
	}

	rec, err := store.Load(context.Background(), spec.ID)
	if err != nil || rec == nil {
		t.Fatalf("load record: %v, %v", rec, err)
	}
	if rec.Status != job.StatusQueued {
		t.Fatalf("status = %q, want queued", rec.Status)
	}
}

func TestSubmitDeniedLeavesNoTrace(t *testing.T) {
	intake, store, _ := newTestIntake(t, policy.Default())

	spec := implementSpec("impl-2-bbbb")
	_, err := intake.Submit(context.Background(), spec)
	if !errors.Is(err, policy.ErrPolicyDenied) {
		t.Fatalf("err = %v, want ErrPolicyDenied", err)
	}

	rec, err := store.Load(context.Background(), spec.ID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec != nil {
		t.Fatalf("denied job left record %+v", rec)
	}
}

func TestSubmitHeldForApprovalUntilResolved(t *testing.T) {
	rules := policy.RuleSet{
		Rules: []policy.Rule{{
			ID:               "approve-enqueue",
			Effect:           policy.EffectRequireApproval,
			Actions:          []string{ActionEnqueue},
			Subjects:         []string{"*"},
			ApproverSubjects: []string{"group:admins"},
		}},
		DefaultEffect: policy.EffectDeny,
	}
	intake, _, transport := newTestIntake(t, rules)
	jobs := consumeJobs(t, transport)

	spec := implementSpec("impl-3-cccc")
	result, err := intake.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Enqueued || result.ApprovalID == "" {
		t.Fatalf("result = %+v, want held for approval", result)
	}

	// Nothing reaches the jobs channel while the approval is pending.
	select {
	case msg := <-jobs:
		t.Fatalf("job published before approval: %s", msg.ID)
	case <-time.After(200 * time.Millisecond):
	}

	resolution, err := intake.approvals.Resolve(context.Background(), result.ApprovalID,
		policy.Actor{UserID: "U_ADMIN"}, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolution.Changed || resolution.State != policy.ApprovalApproved {
		t.Fatalf("resolution = %+v", resolution)
	}

	msg := waitMessage(t, jobs, "deferred job message")
	var got job.Spec
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.ID != spec.ID {
		t.Fatalf("payload job id = %q, want %q", got.ID, spec.ID)
	}
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	intake, _, _ := newTestIntake(t, allowAllRules())

	spec := implementSpec("impl-4-dddd")
	spec.RepoKeys = nil
	if _, err := intake.Submit(context.Background(), spec); err == nil {
		t.Fatal("Submit accepted spec without repo keys")
	}

	spec = implementSpec("impl-4-eeee")
	spec.GitRef = "bad..ref"
	if _, err := intake.Submit(context.Background(), spec); err == nil {
		t.Fatal("Submit accepted malformed git ref")
	}
}

func TestSubmitIsIdempotentPerJobID(t *testing.T) {
	intake, _, _ := newTestIntake(t, allowAllRules())

	spec := implementSpec("impl-5-ffff")
	if _, err := intake.Submit(context.Background(), spec); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	// A second submission of the same id hits the queue's dedupe.
	if _, err := intake.Submit(context.Background(), spec); !errors.Is(err, queue.ErrDuplicateMessageID) {
		t.Fatalf("second Submit err = %v, want ErrDuplicateMessageID", err)
	}
}
