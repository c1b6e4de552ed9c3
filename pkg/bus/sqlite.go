package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/sqlutil"
)

// Options tunes the SQLite bus delivery loops.
type Options struct {
	PollInterval      time.Duration // idle sleep between claim attempts
	VisibilityTimeout time.Duration // how long a claimed message stays invisible
	RetryBackoff      time.Duration // delay before a failed message becomes visible
	Workers           int           // concurrent delivery loops per subscriber
}

// DefaultOptions returns the delivery tuning used by the binary.
func DefaultOptions() Options {
	return Options{
		PollInterval:      100 * time.Millisecond,
		VisibilityTimeout: 30 * time.Second,
		RetryBackoff:      2 * time.Second,
		Workers:           1,
	}
}

type subscription struct {
	subscriber string
	pattern    string
	handler    Handler
}

// SQLiteBus is a durable Bus backed by two tables: bus_messages (the
// per-subscriber delivery queue, claimed via visibility timestamps) and
// event_log (the append-only audit log). Both are written in the emitter's
// transaction, and a delivery's acknowledgement is the commit of the
// transaction its handler ran in.
type SQLiteBus struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger

	mu   sync.RWMutex
	subs []subscription
}

// NewSQLite creates the bus and its schema on db.
func NewSQLite(db *sql.DB, opts Options, log *slog.Logger) (*SQLiteBus, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultOptions().VisibilityTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	b := &SQLiteBus{db: db, opts: opts, log: log.With("component", "bus")}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBus) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		namespace TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		emitted_at TEXT NOT NULL,
		producer_node_id TEXT NOT NULL DEFAULT '',
		scheduled_task_id TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS bus_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		subscriber TEXT NOT NULL,
		namespace TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		emitted_at TEXT NOT NULL,
		producer_node_id TEXT NOT NULL DEFAULT '',
		scheduled_task_id TEXT NOT NULL DEFAULT '',
		redelivery_count INTEGER NOT NULL DEFAULT 0,
		visible_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bus_messages_claim
		ON bus_messages(subscriber, visible_at, id);`
	if _, err := b.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("bus: migrate: %w", err)
	}
	return nil
}

func (b *SQLiteBus) Subscribe(subscriber, pattern string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.subscriber == subscriber && s.pattern == pattern {
			b.subs[i].handler = h
			return
		}
	}
	b.subs = append(b.subs, subscription{subscriber: subscriber, pattern: pattern, handler: h})
}

func (b *SQLiteBus) Emit(ctx context.Context, ev envelope.Envelope) (string, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("bus: begin emit: %w", err)
	}
	id, err := b.emitTx(ctx, tx, ev)
	if err != nil {
		_ = tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("bus: commit emit: %w", err)
	}
	return id, nil
}

func (b *SQLiteBus) EmitTx(ctx context.Context, tx sqlutil.DBTX, ev envelope.Envelope) error {
	_, err := b.emitTx(ctx, tx, ev)
	return err
}

func (b *SQLiteBus) emitTx(ctx context.Context, tx sqlutil.DBTX, ev envelope.Envelope) (string, error) {
	if ev.EventType == "" {
		return "", fmt.Errorf("bus: emit without event type")
	}
	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", fmt.Errorf("bus: marshal payload: %w", err)
	}
	emittedAt := ev.EmittedAt.UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_log (message_id, namespace, event_type, payload, emitted_at, producer_node_id, scheduled_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.MessageID, ev.Namespace, ev.EventType, string(payload), emittedAt, ev.ProducerNodeID, ev.ScheduledTaskID,
	); err != nil {
		return "", fmt.Errorf("bus: append event log: %w", err)
	}

	now := time.Now().UnixNano()
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool, len(b.subs))
	for _, s := range b.subs {
		if seen[s.subscriber] || !envelope.TypeMatches(s.pattern, ev.EventType) {
			continue
		}
		seen[s.subscriber] = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bus_messages (message_id, subscriber, namespace, event_type, payload, emitted_at, producer_node_id, scheduled_task_id, redelivery_count, visible_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			ev.MessageID, s.subscriber, ev.Namespace, ev.EventType, string(payload), emittedAt, ev.ProducerNodeID, ev.ScheduledTaskID, now,
		); err != nil {
			return "", fmt.Errorf("bus: enqueue for %s: %w", s.subscriber, err)
		}
	}
	return ev.MessageID, nil
}

// Run drives the delivery loops until ctx is cancelled.
func (b *SQLiteBus) Run(ctx context.Context) {
	b.mu.RLock()
	subscribers := make(map[string]bool)
	for _, s := range b.subs {
		subscribers[s.subscriber] = true
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for sub := range subscribers {
		for w := 0; w < b.opts.Workers; w++ {
			wg.Add(1)
			go func(sub string) {
				defer wg.Done()
				b.deliverLoop(ctx, sub)
			}(sub)
		}
	}
	wg.Wait()
}

func (b *SQLiteBus) deliverLoop(ctx context.Context, subscriber string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		delivered, err := b.deliverOne(ctx, subscriber)
		if err != nil {
			b.log.Warn("delivery loop error", "subscriber", subscriber, "error", err)
		}
		if !delivered {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.PollInterval):
			}
		}
	}
}

type claimedMessage struct {
	rowID           int64
	messageID       string
	namespace       string
	eventType       string
	payload         string
	emittedAt       string
	producerNodeID  string
	scheduledTaskID string
	redeliveryCount int
}

// deliverOne claims the oldest visible message for subscriber and runs its
// handler inside a fresh transaction that ends with the message's deletion:
// committing the handler transaction is the acknowledgement.
func (b *SQLiteBus) deliverOne(ctx context.Context, subscriber string) (bool, error) {
	now := time.Now()
	var m claimedMessage
	err := b.db.QueryRowContext(ctx, `
		UPDATE bus_messages SET visible_at = ?
		WHERE id = (
			SELECT id FROM bus_messages
			WHERE subscriber = ? AND visible_at <= ?
			ORDER BY id LIMIT 1
		)
		RETURNING id, message_id, namespace, event_type, payload, emitted_at, producer_node_id, scheduled_task_id, redelivery_count`,
		now.Add(b.opts.VisibilityTimeout).UnixNano(), subscriber, now.UnixNano(),
	).Scan(&m.rowID, &m.messageID, &m.namespace, &m.eventType, &m.payload, &m.emittedAt, &m.producerNodeID, &m.scheduledTaskID, &m.redeliveryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bus: claim: %w", err)
	}

	ev, err := m.envelope()
	if err != nil {
		// Corrupt row: park it behind the retry backoff so it does not
		// spin the loop, and surface the error.
		b.requeue(ctx, m.rowID, true)
		return true, err
	}

	h := b.handlerFor(subscriber, ev.EventType)
	if h == nil {
		b.requeue(ctx, m.rowID, true)
		return true, fmt.Errorf("bus: no handler for %s on %s", ev.EventType, subscriber)
	}

	herr := b.invoke(ctx, h, ev, m.rowID)
	switch {
	case herr == nil:
		return true, nil
	case errors.Is(herr, ErrSkip):
		// Intentional defer: visible again immediately, not a failure.
		b.log.Debug("delivery skipped", "subscriber", subscriber, "event_type", ev.EventType, "message_id", ev.MessageID)
		b.makeVisible(ctx, m.rowID)
		return true, nil
	default:
		b.log.Warn("handler failed, scheduling redelivery",
			"subscriber", subscriber, "event_type", ev.EventType,
			"message_id", ev.MessageID, "redelivery_count", m.redeliveryCount, "error", herr)
		b.requeue(ctx, m.rowID, true)
		return true, nil
	}
}

func (b *SQLiteBus) invoke(ctx context.Context, h Handler, ev envelope.Envelope, rowID int64) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bus: begin delivery: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("bus: handler panic: %v", r)
		}
	}()
	if err := h(ctx, Delivery{Event: ev, Tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	// The ack delete runs after the handler so the transaction's write lock
	// is taken as late as possible: handlers write to other connections on
	// the same database (pending inserts, snapshot upserts) before their
	// first transactional write.
	if _, err := tx.ExecContext(ctx, `DELETE FROM bus_messages WHERE id = ?`, rowID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("bus: ack delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bus: commit delivery: %w", err)
	}
	return nil
}

func (b *SQLiteBus) handlerFor(subscriber, eventType string) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.subscriber == subscriber && envelope.TypeMatches(s.pattern, eventType) {
			return s.handler
		}
	}
	return nil
}

func (b *SQLiteBus) makeVisible(ctx context.Context, rowID int64) {
	if _, err := b.db.ExecContext(ctx,
		`UPDATE bus_messages SET visible_at = ? WHERE id = ?`,
		time.Now().UnixNano(), rowID,
	); err != nil {
		b.log.Error("failed to unhide message", "row_id", rowID, "error", err)
	}
}

func (b *SQLiteBus) requeue(ctx context.Context, rowID int64, countFailure bool) {
	query := `UPDATE bus_messages SET visible_at = ? WHERE id = ?`
	if countFailure {
		query = `UPDATE bus_messages SET visible_at = ?, redelivery_count = redelivery_count + 1 WHERE id = ?`
	}
	if _, err := b.db.ExecContext(ctx, query,
		time.Now().Add(b.opts.RetryBackoff).UnixNano(), rowID,
	); err != nil {
		b.log.Error("failed to requeue message", "row_id", rowID, "error", err)
	}
}

func (m claimedMessage) envelope() (envelope.Envelope, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(m.payload), &payload); err != nil {
		return envelope.Envelope{}, fmt.Errorf("bus: corrupt payload for %s: %w", m.messageID, err)
	}
	emittedAt, err := time.Parse(time.RFC3339Nano, m.emittedAt)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("bus: corrupt emitted_at for %s: %w", m.messageID, err)
	}
	return envelope.Envelope{
		Namespace:       m.namespace,
		EventType:       m.eventType,
		Payload:         payload,
		EmittedAt:       emittedAt,
		ProducerNodeID:  m.producerNodeID,
		ScheduledTaskID: m.scheduledTaskID,
		MessageID:       m.messageID,
		RedeliveryCount: m.redeliveryCount,
	}, nil
}

var _ Bus = (*SQLiteBus)(nil)
var _ sqlutil.DBTX = (*sql.Tx)(nil)
