package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrCorruptHistory marks an unreadable history backing store. Listing
	// surfaces it to the caller instead of crashing; appends still work.
	ErrCorruptHistory = errors.New("history store corrupt")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (default when empty)
//   - "sqlite": SQLite database file (build with -tags sqlite)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// HistoryRecord is one delivery attempt to one recipient.
// Records are append-only; they are never mutated or reordered.
type HistoryRecord struct {
	ID            string    `json:"id"`
	RecipientID   string    `json:"recipientId"`
	RecipientName string    `json:"recipientName"`
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Position      string    `json:"position"` // "i/N" within the batch
	Message       string    `json:"message"`
	ErrorDetail   string    `json:"errorDetail,omitempty"`
}

// Store is the persistence API used by the broadcast scheduler and the
// history endpoints.
//
// Ledger contract: HasFired is consulted before any side-effecting action;
// MarkFired and ResetLedger are durable before they return.
type Store interface {
	HasFired(ctx context.Context, key string) (bool, error)
	MarkFired(ctx context.Context, key string) error
	ResetLedger(ctx context.Context) error

	AppendHistory(ctx context.Context, rec HistoryRecord) error
	// ListHistory returns records most-recent-first.
	ListHistory(ctx context.Context) ([]HistoryRecord, error)
	ClearHistory(ctx context.Context) error

	Close() error
}
