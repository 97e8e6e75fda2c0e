// Package store implements the Persistence Gateway: the sole mediator
// between the engine and the relational store. A Gateway exposes CRUD on
// tasks and edges, atomic blueprint application, row-level task locking, and
// history snapshots, backed by one of several concrete relational
// implementations (Postgres, MySQL, SQLite) or an in-memory implementation
// used in tests.
package store

import (
	"context"
	"errors"

	"github.com/taskflowhq/taskengine/task"
)

// Sentinel errors returned by Gateway operations. Callers distinguish them
// with errors.Is; LockMiss and VersionConflict are expected optimistic-
// concurrency outcomes, not failures.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrLockMiss        = errors.New("store: lock miss")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrBlueprintInvalid = errors.New("store: blueprint invalid")
)

// Tx is an open transaction scope leased from a Gateway. The caller commits
// or rolls it back; Gateway operations that take a Tx do not manage its
// lifecycle themselves.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Gateway is the Persistence Gateway contract (spec §4.2). Every mutating
// operation runs inside a single DB transaction and the underlying store
// emits change notifications only on commit.
type Gateway interface {
	// BeginTx opens a transaction scope for the following lock/update
	// calls. The caller must Commit or Rollback the returned Tx.
	BeginTx(ctx context.Context) (Tx, error)

	CreateTask(ctx context.Context, def task.TaskDefinition, workflowID string) (string, error)

	// GetTaskAndLock selects the task row with an exclusive, skip-if-locked
	// lock within tx. Returns ErrLockMiss if another worker holds the row.
	GetTaskAndLock(ctx context.Context, tx Tx, id string) (task.Task, error)

	// UpdateTask performs a compound-CAS update of status/result/input/
	// directives, failing with ErrVersionConflict if expectedVersion does
	// not match the currently observed version. Writes a TaskHistory
	// snapshot at the new version.
	UpdateTask(ctx context.Context, tx Tx, id string, patch task.Patch, expectedVersion int) (int, error)

	// UpdateTaskContext merges mergeResult into the task's result without
	// changing status, used for tool re-entry. Also writes a history row
	// (spec §9 open-question resolution).
	UpdateTaskContext(ctx context.Context, tx Tx, id string, mergeResult map[string]any, expectedVersion int) (int, error)

	// GetOutgoingEdges returns taskID's outgoing edges ordered by id for
	// deterministic propagation.
	GetOutgoingEdges(ctx context.Context, tx Tx, taskID string) ([]task.Edge, error)

	// GetIncomingEdges returns taskID's incoming edges ordered by source
	// task id (then edge id), the fixed order fan-in recomputation applies
	// contributions in regardless of which source completed last.
	GetIncomingEdges(ctx context.Context, tx Tx, taskID string) ([]task.Edge, error)

	// GetTask reads a task's current row without taking a lock, used to
	// inspect a completed source task's Result during fan-in recomputation.
	GetTask(ctx context.Context, id string) (task.Task, error)

	// ApplyBlueprint atomically expands a PlanBlueprint into concrete rows.
	ApplyBlueprint(ctx context.Context, workflowID string, blueprint task.PlanBlueprint) (task.BlueprintCommit, error)

	GetTaskHistory(ctx context.Context, id string) ([]task.History, error)
	RollbackTask(ctx context.Context, id string, version int) error

	Close() error
}

// ChangeEvent is a single row-level commit notification delivered by a
// Gateway's change-notification mechanism (LISTEN/NOTIFY or outbox poll) to
// the Notification Bridge.
type ChangeEvent struct {
	Channel    string // "task_created" | "task_updated"
	TaskID     string
	WorkflowID string
	AssigneeID string
	Status     task.Status

	// AckToken identifies the durable row this event was read from, for
	// ChangeFeed implementations that hold the row unacknowledged until the
	// Notification Bridge confirms durable delivery (PollingChangeFeed).
	// Empty for push-based feeds that have nothing left to acknowledge.
	AckToken string `json:"-"`
}

const (
	ChannelTaskCreated = "task_created"
	ChannelTaskUpdated = "task_updated"
)

// ChangeFeed abstracts a Gateway backend's delivery of ChangeEvents to the
// Notification Bridge (spec §4.3), whether push-based (Postgres LISTEN/
// NOTIFY, or MemGateway's in-process channel) or poll-based (outbox scan,
// used by MySQL/SQLite).
type ChangeFeed interface {
	// Next blocks until the next event is available or ctx is cancelled.
	// An event returned by Next is not yet considered delivered: the feed
	// must not let it be lost, but may return it again (to this or another
	// caller) until Ack confirms it reached the broker.
	Next(ctx context.Context) (ChangeEvent, error)

	// Ack confirms evt has been durably enqueued on the broker. Poll-based
	// feeds only mark their backing row emitted here; push-based feeds
	// (Postgres LISTEN/NOTIFY) have no row to hold back and no-op.
	Ack(ctx context.Context, evt ChangeEvent) error

	Close() error
}
