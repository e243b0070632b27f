package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ApprovalStore persists approval requests. Gets of absent ids return
// (nil, nil). MarkResolved is the store's compare-and-swap: it writes only
// while the stored state is still pending and reports whether it did.
type ApprovalStore interface {
	Create(ctx context.Context, request ApprovalRequest) error
	Get(ctx context.Context, requestID string) (*ApprovalRequest, error)
	MarkResolved(ctx context.Context, request ApprovalRequest) (bool, error)
	ListDuePending(ctx context.Context, now time.Time) ([]ApprovalRequest, error)
}

// SQLiteApprovalStore keeps approval requests in a sqlite database, typically
// the same file as the sqlite job registry.
type SQLiteApprovalStore struct {
	db *sql.DB
}

// NewSQLiteApprovalStore ensures the approvals table exists on db.
func NewSQLiteApprovalStore(ctx context.Context, db *sql.DB) (*SQLiteApprovalStore, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			record TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(state, expires_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("policy: create approvals table: %w", err)
	}
	return &SQLiteApprovalStore{db: db}, nil
}

func (s *SQLiteApprovalStore) Create(ctx context.Context, request ApprovalRequest) error {
	blob, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("policy: encode request %s: %w", request.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, state, expires_at, created_at, record)
		VALUES (?, ?, ?, ?, ?);
	`, request.ID, request.State, request.ExpiresAt.UnixMilli(), request.CreatedAt.UnixMilli(), string(blob)); err != nil {
		return fmt.Errorf("policy: create request %s: %w", request.ID, err)
	}
	return nil
}

func (s *SQLiteApprovalStore) Get(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM approvals WHERE id = ?;`, requestID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: load request %s: %w", requestID, err)
	}
	return decodeRequest(blob)
}

func decodeRequest(blob string) (*ApprovalRequest, error) {
	var request ApprovalRequest
	if err := json.Unmarshal([]byte(blob), &request); err != nil {
		return nil, fmt.Errorf("policy: decode request: %w", err)
	}
	return &request, nil
}

func (s *SQLiteApprovalStore) MarkResolved(ctx context.Context, request ApprovalRequest) (bool, error) {
	blob, err := json.Marshal(request)
	if err != nil {
		return false, fmt.Errorf("policy: encode request %s: %w", request.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET state = ?, record = ?
		WHERE id = ? AND state = ?;
	`, request.State, string(blob), request.ID, ApprovalPending)
	if err != nil {
		return false, fmt.Errorf("policy: resolve request %s: %w", request.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("policy: resolve request %s: %w", request.ID, err)
	}
	return n == 1, nil
}

func (s *SQLiteApprovalStore) ListDuePending(ctx context.Context, now time.Time) ([]ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM approvals
		WHERE state = ? AND expires_at <= ?
		ORDER BY expires_at ASC;
	`, ApprovalPending, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("policy: list due pending: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRequest
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("policy: scan row: %w", err)
		}
		request, err := decodeRequest(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, *request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy: rows: %w", err)
	}
	return out, nil
}

var _ ApprovalStore = (*SQLiteApprovalStore)(nil)
