package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sniptail/sniptail/internal/queue"
)

// ApprovalState is the lifecycle state of an ApprovalRequest. All states
// except pending are terminal.
type ApprovalState string

const (
	ApprovalPending   ApprovalState = "pending"
	ApprovalApproved  ApprovalState = "approved"
	ApprovalDenied    ApprovalState = "denied"
	ApprovalCancelled ApprovalState = "cancelled"
	ApprovalExpired   ApprovalState = "expired"
)

func (s ApprovalState) Terminal() bool {
	return s != ApprovalPending
}

// DeferredKind names the operation an approval holds back.
type DeferredKind string

const (
	DeferEnqueueJob         DeferredKind = "enqueue-job"
	DeferEnqueueBootstrap   DeferredKind = "enqueue-bootstrap"
	DeferEnqueueWorkerEvent DeferredKind = "enqueue-worker-event"
)

func (k DeferredKind) channel() (string, error) {
	switch k {
	case DeferEnqueueJob:
		return queue.ChannelJobs, nil
	case DeferEnqueueBootstrap:
		return queue.ChannelBootstrap, nil
	case DeferEnqueueWorkerEvent:
		return queue.ChannelWorkerEvents, nil
	}
	return "", fmt.Errorf("policy: unknown deferred kind %q", k)
}

// DeferredOperation is the publish an approved request executes.
type DeferredOperation struct {
	Kind           DeferredKind    `json:"kind"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// ApprovalRequest is one held-back operation awaiting sign-off.
type ApprovalRequest struct {
	ID               string            `json:"id"`
	Action           string            `json:"action"`
	RequestedBy      string            `json:"requestedBy"`
	Provider         string            `json:"provider"`
	ChannelID        string            `json:"channelId"`
	State            ApprovalState     `json:"state"`
	ApproverSubjects []string          `json:"approverSubjects"`
	NotifySubjects   []string          `json:"notifySubjects,omitempty"`
	Deferred         DeferredOperation `json:"deferred"`
	CreatedAt        time.Time         `json:"createdAt"`
	ExpiresAt        time.Time         `json:"expiresAt"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy       string            `json:"resolvedBy,omitempty"`
}

// Resolution reports the outcome of a Resolve or Cancel call. Changed is
// false when the request was not actionable; Reason then says why.
type Resolution struct {
	Changed bool          `json:"changed"`
	Reason  string        `json:"reason,omitempty"`
	State   ApprovalState `json:"state"`
}

var (
	// ErrApprovalNotFound is returned for unknown request ids.
	ErrApprovalNotFound = errors.New("policy: approval request not found")
	// ErrNotApprover is returned when the resolving actor is outside the
	// request's approver subjects.
	ErrNotApprover = errors.New("policy: actor is not an approver")
)

// AuditRecorder receives permission and approval outcomes. The audit trail
// implements it; nil disables recording.
type AuditRecorder interface {
	Record(decision, action, reason, rulesVersion, subject string)
}

// ApprovalsConfig wires an Approvals engine.
type ApprovalsConfig struct {
	Store     ApprovalStore
	Transport queue.Transport
	Engine    *Engine
	// TTL bounds how long a request stays resolvable; defaults to 24h.
	TTL    time.Duration
	Logger *slog.Logger
	Audit  AuditRecorder
}

// Approvals drives the approval state machine.
type Approvals struct {
	store     ApprovalStore
	transport queue.Transport
	engine    *Engine
	ttl       time.Duration
	logger    *slog.Logger
	audit     AuditRecorder
	now       func() time.Time
}

// NewApprovals creates the approval engine.
func NewApprovals(cfg ApprovalsConfig) *Approvals {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Approvals{
		store:     cfg.Store,
		transport: cfg.Transport,
		engine:    cfg.Engine,
		ttl:       ttl,
		logger:    logger,
		audit:     cfg.Audit,
		now:       time.Now,
	}
}

// Create persists a new pending request holding op until an approver acts.
func (a *Approvals) Create(ctx context.Context, action string, actor Actor, req Request, decision Decision, op DeferredOperation) (*ApprovalRequest, error) {
	if _, err := op.Kind.channel(); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	request := ApprovalRequest{
		ID:               uuid.NewString(),
		Action:           action,
		RequestedBy:      actor.UserID,
		Provider:         req.Provider,
		ChannelID:        req.ChannelID,
		State:            ApprovalPending,
		ApproverSubjects: decision.ApproverSubjects,
		NotifySubjects:   decision.NotifySubjects,
		Deferred:         op,
		CreatedAt:        now,
		ExpiresAt:        now.Add(a.ttl),
	}
	if err := a.store.Create(ctx, request); err != nil {
		return nil, err
	}
	a.logger.Info("approval requested",
		"request_id", request.ID,
		"action", action,
		"requested_by", actor.UserID,
		"expires_at", request.ExpiresAt,
	)
	return &request, nil
}

// Resolve moves a pending request to approved or denied. The resolving actor
// must match the request's approver subjects. An approved resolution executes
// the deferred operation on the transport first; a publish failure leaves the
// request pending so the approval is never recorded without its effect.
func (a *Approvals) Resolve(ctx context.Context, requestID string, actor Actor, approve bool) (Resolution, error) {
	request, err := a.store.Get(ctx, requestID)
	if err != nil {
		return Resolution{}, err
	}
	if request == nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, requestID)
	}
	if request.State.Terminal() {
		return Resolution{Changed: false, Reason: "not_pending", State: request.State}, nil
	}
	now := a.now().UTC()
	if now.After(request.ExpiresAt) {
		a.markExpired(ctx, request)
		return Resolution{Changed: false, Reason: "expired", State: ApprovalExpired}, nil
	}

	isApprover, err := a.engine.SubjectsMatch(ctx, request.ApproverSubjects, actor, request.Provider)
	if err != nil {
		return Resolution{}, err
	}
	if !isApprover {
		a.record("deny", request.Action, "resolver not in approver subjects", actor.UserID)
		return Resolution{}, fmt.Errorf("%w: %s on %s", ErrNotApprover, actor.UserID, requestID)
	}

	state := ApprovalDenied
	if approve {
		if err := a.executeDeferred(ctx, request.Deferred); err != nil {
			return Resolution{}, fmt.Errorf("policy: execute deferred operation for %s: %w", requestID, err)
		}
		state = ApprovalApproved
	}

	changed, err := a.transition(ctx, request, state, actor.UserID, now)
	if err != nil {
		return Resolution{}, err
	}
	if !changed {
		// Another resolver won the race after our pending check.
		return Resolution{Changed: false, Reason: "not_pending", State: request.State}, nil
	}
	a.record(string(state), request.Action, "approval resolved", actor.UserID)
	a.logger.Info("approval resolved",
		"request_id", requestID,
		"state", state,
		"resolved_by", actor.UserID,
	)
	return Resolution{Changed: true, State: state}, nil
}

// Cancel withdraws a pending request. Only the requester or an approver may
// cancel; the deferred operation never executes.
func (a *Approvals) Cancel(ctx context.Context, requestID string, actor Actor) (Resolution, error) {
	request, err := a.store.Get(ctx, requestID)
	if err != nil {
		return Resolution{}, err
	}
	if request == nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, requestID)
	}
	if request.State.Terminal() {
		return Resolution{Changed: false, Reason: "not_pending", State: request.State}, nil
	}

	allowed := actor.UserID == request.RequestedBy
	if !allowed {
		allowed, err = a.engine.SubjectsMatch(ctx, request.ApproverSubjects, actor, request.Provider)
		if err != nil {
			return Resolution{}, err
		}
	}
	if !allowed {
		return Resolution{}, fmt.Errorf("%w: %s on %s", ErrNotApprover, actor.UserID, requestID)
	}

	changed, err := a.transition(ctx, request, ApprovalCancelled, actor.UserID, a.now().UTC())
	if err != nil {
		return Resolution{}, err
	}
	if !changed {
		return Resolution{Changed: false, Reason: "not_pending", State: request.State}, nil
	}
	return Resolution{Changed: true, State: ApprovalCancelled}, nil
}

// ExpireDue marks all pending requests past their expiry. Returns the number
// expired.
func (a *Approvals) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := a.store.ListDuePending(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		changed, err := a.transition(ctx, &due[i], ApprovalExpired, "", now.UTC())
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

func (a *Approvals) executeDeferred(ctx context.Context, op DeferredOperation) error {
	channel, err := op.Kind.channel()
	if err != nil {
		return err
	}
	_, err = a.transport.Publish(ctx, channel, op.Name, op.Payload, queue.PublishOptions{
		IdempotencyKey: op.IdempotencyKey,
	})
	// A duplicate means the operation already reached the queue (e.g. a
	// racing resolver published first); the effect exists either way.
	if errors.Is(err, queue.ErrDuplicateMessageID) {
		return nil
	}
	return err
}

func (a *Approvals) transition(ctx context.Context, request *ApprovalRequest, state ApprovalState, resolvedBy string, now time.Time) (bool, error) {
	next := *request
	next.State = state
	next.ResolvedAt = &now
	next.ResolvedBy = resolvedBy
	return a.store.MarkResolved(ctx, next)
}

func (a *Approvals) markExpired(ctx context.Context, request *ApprovalRequest) {
	if _, err := a.transition(ctx, request, ApprovalExpired, "", a.now().UTC()); err != nil {
		a.logger.Warn("approval: expiry write failed", "request_id", request.ID, "error", err)
	}
}

func (a *Approvals) record(decision, action, reason, subject string) {
	if a.audit != nil {
		a.audit.Record(decision, action, reason, "", subject)
	}
}
