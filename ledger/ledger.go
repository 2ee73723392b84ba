// Package ledger implements the per-call credit ledger and request
// tracker (spec.md §4.9, component C9): an append-then-complete lifecycle
// for each inbound call plus an atomic, overdraft-proof credit debit.
// Grounded on the teacher's internal/requestlog.Writer/Reader split
// (persist-then-query, dual SQLite/Postgres dialects) generalized from a
// fire-and-forget log line to a row with update-in-place lifecycle
// transitions and a companion credit balance mutation.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is an ApiRequest's lifecycle stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ApiRequest is the per-call ledger row named in spec.md §4.2.
type ApiRequest struct {
	ID            string
	UserID        string
	Endpoint      string
	Model         string
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        Status
	TotalTokens   int64
	Credits       int64
	ProviderID    string
	SubProviderID string
	ResponseSize  int64
	HTTPStatus    int
	FailureReason string
}

// Filter narrows a FindMany/Count query.
type Filter struct {
	UserID string
	Status Status
	Since  *time.Time
	Limit  int
	Offset int
}

// ErrNotFound is returned by FindByID when no row matches.
var ErrNotFound = errors.New("ledger: request not found")

// Repository is the persistence contract for ApiRequest rows and the
// user credit balances they debit (spec.md §6 repository contracts).
type Repository interface {
	Save(ctx context.Context, r ApiRequest) error
	FindByID(ctx context.Context, id string) (ApiRequest, error)
	FindMany(ctx context.Context, f Filter) ([]ApiRequest, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, f Filter) (int, error)

	// DeductCredits atomically subtracts credits from userID's balance.
	// It must never let the balance go negative under concurrent callers
	// (P3): ok is false, with no mutation, when the balance is
	// insufficient.
	DeductCredits(ctx context.Context, userID string, credits int64) (ok bool, err error)
	// ResetCredits sets every listed user's balance to amount, e.g. for a
	// monthly plan renewal.
	ResetCredits(ctx context.Context, userIDs []string, amount int64) error
}

// Ledger drives the ApiRequest lifecycle and credit debits on top of a
// Repository.
type Ledger struct {
	repo Repository
}

// New constructs a Ledger.
func New(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// CreateRequest inserts the initial pending row. If r.ID is empty one is
// generated. r.StartedAt defaults to now.
func (l *Ledger) CreateRequest(ctx context.Context, r ApiRequest) (ApiRequest, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	r.Status = StatusPending
	if err := l.repo.Save(ctx, r); err != nil {
		return ApiRequest{}, err
	}
	return r, nil
}

// StartProcessing transitions a row to processing (spec.md §4.8 Step 4).
func (l *Ledger) StartProcessing(ctx context.Context, id string) error {
	r, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	r.Status = StatusProcessing
	return l.repo.Save(ctx, r)
}

// CompleteRequest finalizes a row with the settled usage/cost numbers.
// It is idempotent: calling it again on an already-completed row is a
// no-op and reports completed=false, satisfying P9 for the streaming
// finalizer, which may run its completion logic twice.
func (l *Ledger) CompleteRequest(ctx context.Context, id string, totalTokens, credits int64, providerID, subProviderID string, responseSize int64, httpStatus int) (completed bool, err error) {
	r, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status == StatusCompleted {
		return false, nil
	}
	r.Status = StatusCompleted
	r.CompletedAt = time.Now()
	r.TotalTokens = totalTokens
	r.Credits = credits
	r.ProviderID = providerID
	r.SubProviderID = subProviderID
	r.ResponseSize = responseSize
	r.HTTPStatus = httpStatus
	if err := l.repo.Save(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

// FailRequest marks a row failed with a stable reason string and HTTP
// status, and is likewise idempotent against an already-terminal row.
func (l *Ledger) FailRequest(ctx context.Context, id string, httpStatus int, reason string) (failed bool, err error) {
	r, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status == StatusCompleted || r.Status == StatusFailed {
		return false, nil
	}
	r.Status = StatusFailed
	r.CompletedAt = time.Now()
	r.HTTPStatus = httpStatus
	r.FailureReason = reason
	if err := l.repo.Save(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

// DeductCredits atomically debits a user's balance, never permitting an
// overdraft (P3). A master-admin caller should never reach this; that
// exemption is enforced by the orchestrator's authorization step, not
// here.
func (l *Ledger) DeductCredits(ctx context.Context, userID string, credits int64) (bool, error) {
	if credits <= 0 {
		return true, nil
	}
	return l.repo.DeductCredits(ctx, userID, credits)
}

// ResetCredits sets every listed user's balance to amount.
func (l *Ledger) ResetCredits(ctx context.Context, userIDs []string, amount int64) error {
	return l.repo.ResetCredits(ctx, userIDs, amount)
}
