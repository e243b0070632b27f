package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sniptail/sniptail/internal/agent"
	"github.com/sniptail/sniptail/internal/job"
	"github.com/sniptail/sniptail/internal/otel"
	"github.com/sniptail/sniptail/internal/queue"
	"github.com/sniptail/sniptail/internal/registry"
	"github.com/sniptail/sniptail/internal/shared"
	"github.com/sniptail/sniptail/internal/worktree"
)

// agentThreadKey indexes the agent session thread inside a record's
// agent-thread map. One agent backend is supported today.
const agentThreadKey = "default"

// Message names emitted by the coordinator.
const (
	msgAgentEvent   = "agent.event"
	msgJobCompleted = "job.completed"
	msgJobFailed    = "job.failed"
)

// WorkerEvent is the payload republished on the worker-events channel for
// every event the agent emits.
type WorkerEvent struct {
	JobID    string          `json:"jobId"`
	Type     string          `json:"type"`
	Message  string          `json:"message,omitempty"`
	ThreadID string          `json:"threadId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// BotEvent is the payload published on the bot-events channel when a job
// reaches a terminal state.
type BotEvent struct {
	JobID   string         `json:"jobId"`
	Status  job.Status     `json:"status"`
	Channel job.ChannelRef `json:"channel"`
	Summary string         `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Config wires a Coordinator.
type Config struct {
	Registry  registry.Registry
	Transport queue.Transport
	Worktrees *worktree.Orchestrator
	// Repos is the allowlist of repositories jobs may touch.
	Repos  map[string]worktree.RepoConfig
	Runner agent.Runner
	// Concurrency bounds jobs running at once; values below 1 mean 1.
	Concurrency int
	Metrics     *otel.Metrics
	Logger      *slog.Logger
}

// Coordinator consumes the jobs channel and runs each claimed job to a
// terminal state. Exactly one consumer claims any given job; losers of the
// claim race drop the message without side effects.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	consumer queue.ConsumerHandle
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil || cfg.Transport == nil || cfg.Worktrees == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("coordinator: registry, transport, worktrees and runner are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Start attaches the jobs-channel consumer.
func (c *Coordinator) Start() error {
	consumer, err := c.cfg.Transport.Consume(queue.ChannelJobs, queue.ConsumerOptions{
		Concurrency: c.cfg.Concurrency,
		Handler:     c.handle,
		OnFailed: func(msg queue.Message, err error) {
			c.logger.Error("job handler failed", "message_id", msg.ID, "error", err)
		},
	})
	if err != nil {
		return err
	}
	c.consumer = consumer
	return nil
}

// Stop halts consumption and waits for running jobs to finish.
func (c *Coordinator) Stop() {
	if c.consumer != nil {
		c.consumer.Stop()
	}
}

func (c *Coordinator) handle(ctx context.Context, msg queue.Message) error {
	var spec job.Spec
	if err := json.Unmarshal(msg.Payload, &spec); err != nil {
		return fmt.Errorf("coordinator: decode job message %s: %w", msg.ID, err)
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	ctx = shared.WithJobID(shared.WithTraceID(ctx, shared.NewTraceID()), spec.ID)

	// Approval-deferred publishes reach the queue without a registry record;
	// Create is idempotent so the direct-enqueue path is unaffected.
	if _, err := c.cfg.Registry.Create(ctx, job.NewRecord(spec, c.now())); err != nil {
		return err
	}

	claimed, rec, err := c.claim(ctx, spec.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Redelivery of a job another consumer owns or already finished.
		c.logger.Debug("claim lost, dropping delivery", "job_id", spec.ID)
		return nil
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.JobsClaimed.Add(ctx, 1)
		c.cfg.Metrics.JobsInFlight.Add(ctx, 1)
		defer c.cfg.Metrics.JobsInFlight.Add(ctx, -1)
	}
	started := c.now()
	c.logger.Info("job claimed", "job_id", spec.ID, "type", spec.Type,
		"trace_id", shared.TraceID(ctx))

	if err := c.run(ctx, spec, rec); err != nil {
		c.markFailed(ctx, spec, err)
		return err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.JobsCompleted.Add(ctx, 1)
		c.cfg.Metrics.JobDuration.Record(ctx, c.now().Sub(started).Seconds())
	}
	return nil
}

// claim moves the record from queued to running via conditional update. Only
// one consumer can win; everyone else sees claimed=false.
func (c *Coordinator) claim(ctx context.Context, jobID string) (bool, *job.Record, error) {
	rec, err := c.cfg.Registry.Load(ctx, jobID)
	if err != nil {
		return false, nil, err
	}
	if rec == nil {
		return false, nil, fmt.Errorf("coordinator: job %s has no record", jobID)
	}
	if rec.Status != job.StatusQueued {
		return false, nil, nil
	}

	next := *rec
	next.Status = job.StatusRunning
	next.UpdatedAt = c.now().UTC()
	won, err := c.cfg.Registry.ConditionalUpdate(ctx, jobID, next, job.StatusQueued)
	if err != nil {
		return false, nil, err
	}
	if !won {
		return false, nil, nil
	}
	return true, &next, nil
}

func (c *Coordinator) run(ctx context.Context, spec job.Spec, rec *job.Record) error {
	priorBranches, threadID, err := c.resumeState(ctx, spec)
	if err != nil {
		return err
	}

	prepared, err := c.cfg.Worktrees.Prepare(ctx, spec, c.cfg.Repos, priorBranches)
	if err != nil {
		return fmt.Errorf("prepare worktrees for %s: %w", spec.ID, err)
	}
	defer func() {
		if err := c.cfg.Worktrees.Remove(context.WithoutCancel(ctx), spec); err != nil {
			c.logger.Warn("worktree teardown failed", "job_id", spec.ID, "error", err)
		}
	}()

	if len(prepared.BranchByRepo) > 0 {
		if _, err := c.cfg.Registry.Update(ctx, spec.ID, job.Patch{BranchByRepo: prepared.BranchByRepo}); err != nil {
			return err
		}
	}

	result, err := c.cfg.Runner.Run(ctx, spec, c.workDir(spec, prepared), c.jobEnv(spec), agent.Options{
		ThreadID: threadID,
		OnEvent:  func(ev agent.Event) { c.republish(ctx, spec.ID, ev) },
	})
	if err != nil {
		return err
	}

	return c.markCompleted(ctx, spec, rec, result)
}

// resumeState loads branch and agent-thread context from the record a resumed
// job continues from.
func (c *Coordinator) resumeState(ctx context.Context, spec job.Spec) (map[string]string, string, error) {
	threadID := spec.AgentThreads[agentThreadKey]
	if spec.ResumeFromJobID == "" {
		return nil, threadID, nil
	}
	prior, err := c.cfg.Registry.Load(ctx, spec.ResumeFromJobID)
	if err != nil {
		return nil, "", err
	}
	if prior == nil {
		return nil, "", fmt.Errorf("coordinator: resume target %s not found for %s", spec.ResumeFromJobID, spec.ID)
	}
	if threadID == "" {
		threadID = prior.Job.AgentThreads[agentThreadKey]
	}
	return prior.BranchByRepo, threadID, nil
}

// workDir picks the directory the agent starts in: the worktree itself for a
// single-repo job, the shared repos directory for multi-repo jobs.
func (c *Coordinator) workDir(spec job.Spec, prepared *worktree.Result) string {
	first := prepared.WorktreeByRepo[spec.RepoKeys[0]]
	if len(spec.RepoKeys) == 1 {
		return first
	}
	return filepath.Dir(first)
}

func (c *Coordinator) jobEnv(spec job.Spec) []string {
	return []string{
		"SNIPTAIL_JOB_ID=" + spec.ID,
		"SNIPTAIL_JOB_TYPE=" + string(spec.Type),
	}
}

func (c *Coordinator) republish(ctx context.Context, jobID string, ev agent.Event) {
	payload, err := json.Marshal(WorkerEvent{
		JobID:    jobID,
		Type:     ev.Type,
		Message:  ev.Message,
		ThreadID: ev.ThreadID,
		Data:     ev.Data,
	})
	if err != nil {
		c.logger.Warn("encode worker event failed", "job_id", jobID, "error", err)
		return
	}
	if _, err := c.cfg.Transport.Publish(ctx, queue.ChannelWorkerEvents, msgAgentEvent, payload, queue.PublishOptions{}); err != nil {
		c.logger.Warn("publish worker event failed", "job_id", jobID, "error", err)
	}
}

// markCompleted writes status, summary and the agent thread in one patch so a
// crash can never leave a terminal status without its outcome fields.
func (c *Coordinator) markCompleted(ctx context.Context, spec job.Spec, rec *job.Record, result *agent.Result) error {
	patch := job.StatusPatch(job.StatusOK)
	patch.Summary = &result.FinalResponse
	patch.MergeRequests = result.MergeRequests
	patch.OpenQuestions = result.OpenQuestions
	if result.ThreadID != "" {
		patch.AgentThreads = map[string]string{agentThreadKey: result.ThreadID}
	}
	updated, err := c.cfg.Registry.Update(ctx, spec.ID, patch)
	if err != nil {
		return err
	}
	if updated == nil {
		return fmt.Errorf("coordinator: record for %s vanished before completion", spec.ID)
	}
	c.logger.Info("job completed", "job_id", spec.ID)
	c.publishBotEvent(ctx, msgJobCompleted, BotEvent{
		JobID:   spec.ID,
		Status:  job.StatusOK,
		Channel: spec.Channel,
		Summary: result.FinalResponse,
	})
	return nil
}

func (c *Coordinator) markFailed(ctx context.Context, spec job.Spec, runErr error) {
	// The failure must land even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)
	patch := job.StatusPatch(job.StatusFailed)
	msg := runErr.Error()
	patch.Error = &msg
	if _, err := c.cfg.Registry.Update(ctx, spec.ID, patch); err != nil {
		c.logger.Error("writing failed status", "job_id", spec.ID, "error", err)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.JobsFailed.Add(ctx, 1)
	}
	c.logger.Error("job failed", "job_id", spec.ID, "error", runErr)
	c.publishBotEvent(ctx, msgJobFailed, BotEvent{
		JobID:   spec.ID,
		Status:  job.StatusFailed,
		Channel: spec.Channel,
		Error:   msg,
	})
}

func (c *Coordinator) publishBotEvent(ctx context.Context, name string, event BotEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("encode bot event failed", "job_id", event.JobID, "error", err)
		return
	}
	key := event.JobID + ":" + string(event.Status)
	if _, err := c.cfg.Transport.Publish(ctx, queue.ChannelBotEvents, name, payload, queue.PublishOptions{
		IdempotencyKey: key,
	}); err != nil {
		c.logger.Warn("publish bot event failed", "job_id", event.JobID, "error", err)
	}
}
