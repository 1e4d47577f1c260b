// Package queue implements the durable offline command queue. Outbound
// messages that cannot be delivered are persisted here, ordered by
// priority, bounded by a TTL and a retry budget, and drained when
// connectivity returns. The store survives process restarts.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/coinstash/tether/internal/logging"
	"github.com/coinstash/tether/internal/protocol"
)

// Status is the lifecycle state of a queued command.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// QueuedCommand is one durable outbound message. It is created on
// enqueue and mutated only by the queue's own operations.
type QueuedCommand struct {
	ID            string
	Message       *protocol.Message
	Status        Status
	Attempts      int
	MaxAttempts   int
	Priority      int
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastAttemptAt time.Time // zero when never attempted
	LastError     string
}

// Options control a single enqueue.
type Options struct {
	Priority    int
	TTL         time.Duration // 0 = config default
	MaxAttempts int           // 0 = config default
}

// Stats aggregates queue state for surfacing in status output.
type Stats struct {
	Pending          int           `json:"pending"`
	Sending          int           `json:"sending"`
	Sent             int           `json:"sent"`
	Failed           int           `json:"failed"`
	Expired          int           `json:"expired"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// Config contains queue configuration.
type Config struct {
	Path        string
	DefaultTTL  time.Duration
	MaxAttempts int
	Retention   time.Duration // how long terminal items are kept
	Logger      *slog.Logger
}

// Sender delivers one message. A nil return marks the item sent.
type Sender func(ctx context.Context, msg *protocol.Message) error

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id              TEXT PRIMARY KEY,
	message         TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_commands_dequeue ON commands (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_commands_expiry ON commands (status, expires_at);
`

// Queue is the durable offline queue. Safe for concurrent use; the
// dequeue claim is atomic at the SQL level, and ProcessQueue is
// single-flight.
type Queue struct {
	db       *sql.DB
	cfg      Config
	logger   *slog.Logger
	draining atomic.Bool

	// now is replaceable in tests.
	now func() time.Time
}

// Open opens (creating if necessary) the queue store at cfg.Path.
// Uses WAL journal mode and a busy timeout so a status command can
// read while the daemon writes.
func Open(cfg Config) (*Queue, error) {
	if cfg.Path == "" {
		return nil, errors.New("queue: path is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open queue store %s: %w", cfg.Path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue store %s: %w", cfg.Path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", cfg.Path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", cfg.Path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}

	return &Queue{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the underlying store.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue assigns the message a queue entry and persists it
// synchronously before returning. Delivery outcomes are surfaced only
// through Stats; enqueue is fire-and-forget from the caller's side.
func (q *Queue) Enqueue(msg *protocol.Message, opts Options) (*QueuedCommand, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = q.cfg.DefaultTTL
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode queued message: %w", err)
	}

	now := q.now()
	cmd := &QueuedCommand{
		ID:          uuid.NewString(),
		Message:     msg,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		Priority:    opts.Priority,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	_, err = q.db.Exec(
		`INSERT INTO commands (id, message, status, max_attempts, priority, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, string(data), cmd.Status, cmd.MaxAttempts, cmd.Priority,
		cmd.CreatedAt.UnixMilli(), cmd.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("persist queued command: %w", err)
	}

	q.logger.Debug("command enqueued",
		logging.KeyQueueID, cmd.ID,
		logging.KeyPriority, cmd.Priority,
		logging.KeyMessageType, msg.Type)

	return cmd, nil
}

// Dequeue claims the single highest-priority, oldest, non-expired
// pending item, atomically flipping it to sending and stamping the
// attempt time. Returns nil when nothing qualifies. The atomic claim
// is what guarantees at-most-one in-flight send per item.
func (q *Queue) Dequeue() (*QueuedCommand, error) {
	now := q.now().UnixMilli()

	row := q.db.QueryRow(
		`UPDATE commands SET status = ?, last_attempt_at = ?
		 WHERE id = (
			SELECT id FROM commands
			WHERE status = ? AND expires_at > ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		 )
		 RETURNING id, message, status, attempts, max_attempts, priority,
		           created_at, expires_at, last_attempt_at, last_error`,
		StatusSending, now, StatusPending, now,
	)

	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return cmd, nil
}

// MarkSent records a successful delivery.
func (q *Queue) MarkSent(id string) error {
	_, err := q.db.Exec(`UPDATE commands SET status = ? WHERE id = ?`, StatusSent, id)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt. Exhausting the retry budget
// makes the item failed (terminal); an item past its TTL becomes
// expired; otherwise it reverts to pending for a later retry.
func (q *Queue) MarkFailed(id string, sendErr error) error {
	msg := ""
	if sendErr != nil {
		msg = sendErr.Error()
	}

	_, err := q.db.Exec(
		`UPDATE commands SET
			attempts = attempts + 1,
			last_error = ?,
			status = CASE
				WHEN attempts + 1 >= max_attempts THEN ?
				WHEN expires_at <= ? THEN ?
				ELSE ?
			END
		 WHERE id = ? AND status = ?`,
		msg, StatusFailed, q.now().UnixMilli(), StatusExpired, StatusPending,
		id, StatusSending,
	)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// ProcessQueue drains the queue through sender. Only one drain may be
// active at a time; concurrent calls are no-ops. A failed send applies
// an exponential backoff delay before the next dequeue so one
// persistently failing item does not spin-loop the drain.
func (q *Queue) ProcessQueue(ctx context.Context, sender Sender) error {
	if !q.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer q.draining.Store(false)

	if err := q.ClearExpired(); err != nil {
		q.logger.Warn("expiry sweep failed", logging.KeyError, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmd, err := q.Dequeue()
		if err != nil {
			return err
		}
		if cmd == nil {
			return nil
		}

		if err := sender(ctx, cmd.Message); err != nil {
			q.logger.Warn("queued send failed",
				logging.KeyQueueID, cmd.ID,
				logging.KeyAttempts, cmd.Attempts+1,
				logging.KeyError, err)
			if markErr := q.MarkFailed(cmd.ID, err); markErr != nil {
				return markErr
			}
			select {
			case <-time.After(backoffDelay(cmd.Attempts + 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := q.MarkSent(cmd.ID); err != nil {
			return err
		}
		q.logger.Debug("queued command delivered", logging.KeyQueueID, cmd.ID)
	}
}

// backoffDelay returns the exponential backoff delay after the given
// number of attempts.
func backoffDelay(attempts int) time.Duration {
	const (
		base = 500 * time.Millisecond
		max  = 30 * time.Second
	)

	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// ClearExpired expires stale pending items and purges terminal items
// (sent, expired) older than the retention window. Failed items are
// retained for operator visibility until ClearFailed.
func (q *Queue) ClearExpired() error {
	now := q.now()

	if _, err := q.db.Exec(
		`UPDATE commands SET status = ? WHERE status = ? AND expires_at <= ?`,
		StatusExpired, StatusPending, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("expire stale commands: %w", err)
	}

	cutoff := now.Add(-q.cfg.Retention).UnixMilli()
	if _, err := q.db.Exec(
		`DELETE FROM commands WHERE status IN (?, ?) AND created_at < ?`,
		StatusSent, StatusExpired, cutoff,
	); err != nil {
		return fmt.Errorf("purge terminal commands: %w", err)
	}

	return nil
}

// ClearFailed removes all failed items. Exposed to the operator via the
// control interface.
func (q *Queue) ClearFailed() (int64, error) {
	res, err := q.db.Exec(`DELETE FROM commands WHERE status = ?`, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns aggregate counts per status and the age of the oldest
// pending item.
func (q *Queue) Stats() (*Stats, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusSending:
			stats.Sending = count
		case StatusSent:
			stats.Sent = count
		case StatusFailed:
			stats.Failed = count
		case StatusExpired:
			stats.Expired = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	err = q.db.QueryRow(
		`SELECT MIN(created_at) FROM commands WHERE status = ?`, StatusPending,
	).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestPendingAge = q.now().Sub(time.UnixMilli(oldest.Int64))
	}

	return stats, nil
}

// Get returns a single queued command by id, or nil when absent.
func (q *Queue) Get(id string) (*QueuedCommand, error) {
	row := q.db.QueryRow(
		`SELECT id, message, status, attempts, max_attempts, priority,
		        created_at, expires_at, last_attempt_at, last_error
		 FROM commands WHERE id = ?`, id)

	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cmd, err
}

func scanCommand(row *sql.Row) (*QueuedCommand, error) {
	var (
		cmd           QueuedCommand
		rawMessage    string
		createdAt     int64
		expiresAt     int64
		lastAttemptAt int64
	)

	err := row.Scan(&cmd.ID, &rawMessage, &cmd.Status, &cmd.Attempts,
		&cmd.MaxAttempts, &cmd.Priority, &createdAt, &expiresAt,
		&lastAttemptAt, &cmd.LastError)
	if err != nil {
		return nil, err
	}

	var msg protocol.Message
	if err := json.Unmarshal([]byte(rawMessage), &msg); err != nil {
		return nil, fmt.Errorf("decode queued message %s: %w", cmd.ID, err)
	}
	cmd.Message = &msg

	cmd.CreatedAt = time.UnixMilli(createdAt)
	cmd.ExpiresAt = time.UnixMilli(expiresAt)
	if lastAttemptAt > 0 {
		cmd.LastAttemptAt = time.UnixMilli(lastAttemptAt)
	}

	return &cmd, nil
}
