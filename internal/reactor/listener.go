// Package reactor implements the reactive subscription pipeline
// (spec.md §4.9): a LISTEN/NOTIFY change listener, an in-memory
// subscription index, and conservative invalidation that replays
// standing queries when the rows they read might have changed.
package reactor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/forge-db/forge/internal/db"
	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
)

const changeChannel = "forge_changes"

// Listener holds a dedicated connection LISTENing on forge_changes and
// broadcasts parsed changes to a bounded channel. Connection loss is
// retried with exponential backoff from 1s up to 30s (spec.md §6.1).
type Listener struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	changes chan domain.Change
}

// NewListener creates a listener with a bounded broadcast buffer
// (default 1024, per spec.md §4.9); a full buffer means the oldest
// unconsumed change is effectively dropped and consumers must recover
// by over-invalidating on reconnect, never by silently missing a change.
func NewListener(pool *pgxpool.Pool, logger *slog.Logger, bufferSize int) *Listener {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Listener{
		pool:    pool,
		logger:  logger.With("component", "change_listener"),
		changes: make(chan domain.Change, bufferSize),
	}
}

// Changes returns the channel of parsed changes for a Reactor to consume.
func (l *Listener) Changes() <-chan domain.Change { return l.changes }

// Run connects and LISTENs until ctx is canceled, reconnecting with
// exponential backoff on any connection error.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.listenOnce(ctx); err != nil {
			l.logger.Error("listen connection lost", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := db.AcquireListenConn(ctx, l.pool, changeChannel)
	if err != nil {
		return err
	}
	defer conn.Release()

	l.logger.Info("listening for changes", "channel", changeChannel)

	for {
		notif, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		change, ok := parseChange(notif.Payload)
		if !ok {
			l.logger.Warn("unparseable change notification", "payload", notif.Payload)
			continue
		}

		select {
		case l.changes <- change:
		default:
			metrics.ChangeNotifyLagTotal.Inc()
			l.logger.Warn("change buffer full, dropping oldest-equivalent — subscribers will over-invalidate")
			// Drain one slot and push: prefer the newest change over the
			// oldest, since a subsequent replay picks up any state the
			// dropped notification would have indicated anyway.
			select {
			case <-l.changes:
			default:
			}
			select {
			case l.changes <- change:
			default:
			}
		}
	}
}

// parseChange parses the "table:OP:row_id[:col1,col2,...]" ABNF payload
// of spec.md §6.1.
func parseChange(payload string) (domain.Change, bool) {
	parts := strings.SplitN(payload, ":", 4)
	if len(parts) < 3 {
		return domain.Change{}, false
	}

	op := domain.ChangeOp(strings.ToUpper(parts[1]))
	switch op {
	case domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeDelete:
	default:
		return domain.Change{}, false
	}

	change := domain.Change{Table: parts[0], Op: op, RowID: parts[2]}
	if len(parts) == 4 && parts[3] != "" {
		change.ChangedColumns = strings.Split(parts[3], ",")
	}
	return change, true
}
