package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskflowhq/taskengine/task"
)

// outboxRow mirrors the task_events_outbox table shared by the MySQL and SQLite
// backends: a row is appended in the same transaction as the task mutation
// that caused it, and PollingChangeFeed scans for unemitted rows.
type outboxRow struct {
	ID         string
	Channel    string
	TaskID     string
	WorkflowID string
	AssigneeID string
	Status     string
}

func insertOutboxRow(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, placeholder func(int) string, row outboxRow) error {
	query := fmt.Sprintf(
		`INSERT INTO task_events_outbox (id, channel, task_id, workflow_id, assignee_id, status, emitted_at, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, NULL, %s)`,
		placeholder(1), placeholder(2), placeholder(3), placeholder(4), placeholder(5), placeholder(6), placeholder(7),
	)
	_, err := execer.ExecContext(ctx, query, row.ID, row.Channel, row.TaskID, row.WorkflowID, row.AssigneeID, row.Status, time.Now())
	return err
}

// PollingChangeFeed implements ChangeFeed by periodically scanning a
// backend's task_events_outbox table for rows that have not yet been
// emitted. A row found by pollOnce is returned to the caller as-is, still
// unemitted; it is only marked emitted once Ack is called, which the
// Notification Bridge does after the event has been durably enqueued on the
// broker. Until then, the same row is returned again on every poll, so a
// failed broker push never silently drops the event. It is shared by the
// MySQL and SQLite Gateways, which have no native commit-hook mechanism
// analogous to Postgres's LISTEN/NOTIFY.
type PollingChangeFeed struct {
	db          *sql.DB
	interval    time.Duration
	placeholder func(int) string
}

// NewPollingChangeFeed builds a poll-based ChangeFeed over db. placeholder
// renders the Nth bind parameter in the target SQL dialect ("?" for MySQL/
// SQLite, "$1".."$N" for Postgres-style dialects if ever reused there).
func NewPollingChangeFeed(db *sql.DB, interval time.Duration, placeholder func(int) string) *PollingChangeFeed {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &PollingChangeFeed{
		db:          db,
		interval:    interval,
		placeholder: placeholder,
	}
}

func (f *PollingChangeFeed) Next(ctx context.Context) (ChangeEvent, error) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		evt, ok, err := f.pollOnce(ctx)
		if err != nil {
			return ChangeEvent{}, err
		}
		if ok {
			return evt, nil
		}
		select {
		case <-ctx.Done():
			return ChangeEvent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *PollingChangeFeed) pollOnce(ctx context.Context) (ChangeEvent, bool, error) {
	query := fmt.Sprintf(
		`SELECT id, channel, task_id, workflow_id, assignee_id, status FROM task_events_outbox
		 WHERE emitted_at IS NULL ORDER BY created_at ASC LIMIT 1`,
	)
	row := f.db.QueryRowContext(ctx, query)
	var r outboxRow
	if err := row.Scan(&r.ID, &r.Channel, &r.TaskID, &r.WorkflowID, &r.AssigneeID, &r.Status); err != nil {
		if err == sql.ErrNoRows {
			return ChangeEvent{}, false, nil
		}
		return ChangeEvent{}, false, fmt.Errorf("store: poll outbox: %w", err)
	}

	return ChangeEvent{
		Channel:    r.Channel,
		TaskID:     r.TaskID,
		WorkflowID: r.WorkflowID,
		AssigneeID: r.AssigneeID,
		Status:     task.Status(r.Status),
		AckToken:   r.ID,
	}, true, nil
}

// Ack marks evt's backing outbox row emitted. Called by the Notification
// Bridge only once the event has been durably enqueued on the broker; until
// this succeeds, pollOnce keeps returning the same row.
func (f *PollingChangeFeed) Ack(ctx context.Context, evt ChangeEvent) error {
	if evt.AckToken == "" {
		return nil
	}
	update := fmt.Sprintf(`UPDATE task_events_outbox SET emitted_at = %s WHERE id = %s AND emitted_at IS NULL`,
		f.placeholder(1), f.placeholder(2))
	if _, err := f.db.ExecContext(ctx, update, time.Now(), evt.AckToken); err != nil {
		return fmt.Errorf("store: ack outbox row: %w", err)
	}
	return nil
}

func (f *PollingChangeFeed) Close() error { return nil }
