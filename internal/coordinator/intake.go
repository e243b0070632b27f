// Package coordinator drives the job lifecycle: intake gates new specs
// through the policy engine and enqueues them, and the consumer claims queued
// jobs, prepares worktrees, runs the agent and writes the terminal record.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sniptail/sniptail/internal/job"
	"github.com/sniptail/sniptail/internal/otel"
	"github.com/sniptail/sniptail/internal/policy"
	"github.com/sniptail/sniptail/internal/queue"
	"github.com/sniptail/sniptail/internal/registry"
	"github.com/sniptail/sniptail/internal/shared"
	"github.com/sniptail/sniptail/internal/worktree"
)

// ActionEnqueue is the policy action checked for every new job submission.
const ActionEnqueue = "jobs.enqueue"

// msgJobEnqueued names the message published on the jobs channel.
const msgJobEnqueued = "job.enqueued"

// IntakeConfig wires an Intake.
type IntakeConfig struct {
	Registry  registry.Registry
	Transport queue.Transport
	Rules     *policy.LiveRules
	Engine    *policy.Engine
	Approvals *policy.Approvals
	Audit     policy.AuditRecorder
	Metrics   *otel.Metrics
	Logger    *slog.Logger
}

// Intake is the submission gate. Every spec passes policy evaluation before it
// reaches the queue; denied specs never leave a trace in the registry.
type Intake struct {
	registry  registry.Registry
	transport queue.Transport
	rules     *policy.LiveRules
	engine    *policy.Engine
	approvals *policy.Approvals
	audit     policy.AuditRecorder
	metrics   *otel.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// SubmitResult reports what happened to a submission.
type SubmitResult struct {
	JobID string
	// Enqueued is true when the job reached the jobs channel directly.
	Enqueued bool
	// ApprovalID is set instead when the submission is held for approval.
	ApprovalID string
	Decision   policy.Decision
}

// NewIntake creates the submission gate.
func NewIntake(cfg IntakeConfig) *Intake {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		registry:  cfg.Registry,
		transport: cfg.Transport,
		rules:     cfg.Rules,
		engine:    cfg.Engine,
		approvals: cfg.Approvals,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit validates spec, evaluates policy and either enqueues the job,
// creates an approval request holding it back, or rejects it.
func (i *Intake) Submit(ctx context.Context, spec job.Spec) (*SubmitResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.GitRef != "" {
		if err := worktree.ValidateRef(spec.GitRef); err != nil {
			return nil, err
		}
	}

	ctx = shared.WithActorID(shared.WithJobID(ctx, spec.ID), spec.Channel.UserID)
	rules := i.rules.Snapshot()
	actor := policy.Actor{UserID: spec.Channel.UserID}
	request := policy.Request{Provider: spec.Channel.Provider, ChannelID: spec.Channel.ChannelID}
	decision, err := i.engine.Evaluate(ctx, rules, actor, request, ActionEnqueue)
	if err != nil {
		return nil, err
	}
	i.record(string(decision.Effect), decision.RuleID, rules.Version(), actor.UserID)

	switch decision.Effect {
	case policy.EffectDeny:
		if i.metrics != nil {
			i.metrics.PolicyDenies.Add(ctx, 1)
		}
		i.logger.Info("job denied by policy",
			"job_id", spec.ID, "rule_id", decision.RuleID, "user_id", actor.UserID)
		return nil, fmt.Errorf("%w: %s for %s", policy.ErrPolicyDenied, ActionEnqueue, spec.ID)

	case policy.EffectRequireApproval:
		payload, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("coordinator: encode spec %s: %w", spec.ID, err)
		}
		approval, err := i.approvals.Create(ctx, ActionEnqueue, actor, request, decision, policy.DeferredOperation{
			Kind:           policy.DeferEnqueueJob,
			Name:           msgJobEnqueued,
			Payload:        payload,
			IdempotencyKey: spec.ID,
		})
		if err != nil {
			return nil, err
		}
		if i.metrics != nil {
			i.metrics.ApprovalsPending.Add(ctx, 1)
		}
		return &SubmitResult{JobID: spec.ID, ApprovalID: approval.ID, Decision: decision}, nil
	}

	if err := i.enqueue(ctx, spec); err != nil {
		return nil, err
	}
	return &SubmitResult{JobID: spec.ID, Enqueued: true, Decision: decision}, nil
}

func (i *Intake) enqueue(ctx context.Context, spec job.Spec) error {
	created, err := i.registry.Create(ctx, job.NewRecord(spec, i.now()))
	if err != nil {
		return err
	}
	if !created {
		i.logger.Warn("job already registered, republishing", "job_id", spec.ID)
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("coordinator: encode spec %s: %w", spec.ID, err)
	}
	_, err = i.transport.Publish(ctx, queue.ChannelJobs, msgJobEnqueued, payload, queue.PublishOptions{
		IdempotencyKey: spec.ID,
	})
	if err != nil {
		return fmt.Errorf("coordinator: enqueue %s: %w", spec.ID, err)
	}
	if i.metrics != nil {
		i.metrics.JobsEnqueued.Add(ctx, 1)
	}
	i.logger.Info("job enqueued", "job_id", spec.ID, "type", spec.Type, "repos", spec.RepoKeys)
	return nil
}

func (i *Intake) record(decision, ruleID, rulesVersion, subject string) {
	if i.audit != nil {
		reason := "default effect"
		if ruleID != "" {
			reason = "matched rule " + ruleID
		}
		i.audit.Record(decision, ActionEnqueue, reason, rulesVersion, subject)
	}
}
