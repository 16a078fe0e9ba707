package repository

import (
	"context"

	"github.com/forge-db/forge/internal/domain"
)

// SessionRepository tracks which node owns each live WebSocket session,
// so a dead node's sessions (and therefore its subscriptions) can be
// recognized as gone rather than silently stop receiving updates
// (spec.md §3, §4.9). Subscriptions themselves are never persisted —
// they are rebuilt by the client resubscribing after reconnect.
type SessionRepository interface {
	Open(ctx context.Context, sessionID, nodeID string, userID *string) error
	Touch(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID string) error

	// CloseForNode closes every session owned by nodeID, called when
	// the membership sweep marks that node Dead.
	CloseForNode(ctx context.Context, nodeID string) (int, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
}
