package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"postal/internal/envelope"
)

var (
	// ErrDuplicate reports an envelope id the store has already seen.
	ErrDuplicate = errors.New("envelope already exists")
	ErrNotFound  = errors.New("envelope not found")
)

// Store is the durable inbox/outbox. Implementations must detect duplicate
// envelope ids and return ErrDuplicate for them; they are shared by every
// node, so claims are atomic on the owner column.
type Store interface {
	StoreIncoming(ctx context.Context, env *envelope.Envelope) error
	// StoreIncomingBatch is all or nothing. Any duplicate fails the batch
	// with ErrDuplicate and nothing is written.
	StoreIncomingBatch(ctx context.Context, envs []*envelope.Envelope) error
	MarkHandled(ctx context.Context, id uuid.UUID) error
	// DeleteHandled removes Handled envelopes marked before olderThan and
	// returns how many went. Until then they still count for duplicate
	// detection.
	DeleteHandled(ctx context.Context, olderThan time.Time) (int, error)
	// IncrementAttempts persists env.Attempts. Stored counts never go down.
	IncrementAttempts(ctx context.Context, env *envelope.Envelope) error
	ScheduleExecution(ctx context.Context, env *envelope.Envelope) error
	MoveToDeadLetter(ctx context.Context, report *envelope.ErrorReport) error
	// ReleaseOwnership hands this node's Incoming envelopes for address back
	// to AnyNode.
	ReleaseOwnership(ctx context.Context, nodeID int, address string) error

	// ClaimScheduled flips one Scheduled envelope to Incoming owned by
	// nodeID. It reports false when another node got there first.
	ClaimScheduled(ctx context.Context, id uuid.UUID, nodeID int) (bool, error)
	ClaimDueScheduled(ctx context.Context, nodeID int, address string, now time.Time, limit int) ([]*envelope.Envelope, error)
	ClaimIncoming(ctx context.Context, nodeID int, address string, limit int) ([]*envelope.Envelope, error)

	DeadLetters(ctx context.Context, limit int) ([]*envelope.ErrorReport, error)
	// ReplayDeadLetter puts a dead letter back as Incoming for any node. The
	// attempt count is kept.
	ReplayDeadLetter(ctx context.Context, id string) error

	Close() error
}
