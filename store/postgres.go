package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskflowhq/taskengine/task"
)

// PostgresGateway is the primary production Gateway backend: row locking
// uses SELECT ... FOR UPDATE SKIP LOCKED and change notification rides
// Postgres's native LISTEN/NOTIFY, issued with pg_notify in the same
// transaction as the row mutation so a notification is only ever observed
// for a change that actually committed.
type PostgresGateway struct {
	pool *pgxpool.Pool
}

func NewPostgresGateway(ctx context.Context, dsn string) (*PostgresGateway, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := ensurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresGateway{pool: pool}, nil
}

func ensurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id UUID PRIMARY KEY,
			workflow_id UUID NOT NULL,
			assignee TEXT NOT NULL,
			status TEXT NOT NULL,
			input_data JSONB,
			result JSONB,
			directives JSONB,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks (workflow_id)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id UUID PRIMARY KEY,
			workflow_id UUID NOT NULL,
			source_task_id UUID NOT NULL,
			target_task_id UUID NOT NULL,
			condition_expr TEXT,
			data_flow_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges (source_task_id)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id UUID PRIMARY KEY,
			task_id UUID NOT NULL,
			version_number INT NOT NULL,
			snapshot JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_task ON task_history (task_id, version_number)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: create postgres schema: %w", err)
		}
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (g *PostgresGateway) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin postgres tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (g *PostgresGateway) CreateTask(ctx context.Context, def task.TaskDefinition, workflowID string) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO tasks (id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, 1, $7, $7)`,
		id, workflowID, def.Assignee, string(task.StatusPending), jsonOrNil(def.InputData), jsonOrNil(def.Directives), now); err != nil {
		return "", fmt.Errorf("store: insert task: %w", err)
	}
	snapshot := taskFromDef(id, workflowID, def, now)
	if err := insertHistoryPg(ctx, tx, snapshot); err != nil {
		return "", err
	}
	if err := notifyPg(ctx, tx, ChannelTaskCreated, ChangeEvent{Channel: ChannelTaskCreated, TaskID: id, WorkflowID: workflowID, AssigneeID: def.Assignee, Status: task.StatusPending}); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("store: commit create task: %w", err)
	}
	return id, nil
}

func jsonOrNil(v map[string]any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func insertHistoryPg(ctx context.Context, tx pgx.Tx, t task.Task) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal history snapshot: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO task_history (id, task_id, version_number, snapshot, created_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), t.ID, t.Version, snapshot, time.Now())
	if err != nil {
		return fmt.Errorf("store: insert history: %w", err)
	}
	return nil
}

func notifyPg(ctx context.Context, tx pgx.Tx, channel string, evt ChangeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("store: marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return fmt.Errorf("store: pg_notify: %w", err)
	}
	return nil
}

func (g *PostgresGateway) GetTaskAndLock(ctx context.Context, txIface Tx, id string) (task.Task, error) {
	pt, ok := txIface.(*pgTx)
	if !ok {
		return task.Task{}, fmt.Errorf("store: tx not issued by PostgresGateway")
	}
	row := pt.tx.QueryRow(ctx, `SELECT id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at
		FROM tasks WHERE id = $1 FOR UPDATE SKIP LOCKED`, id)
	t, err := scanTaskPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var dummy int
		existsErr := pt.tx.QueryRow(ctx, `SELECT 1 FROM tasks WHERE id = $1`, id).Scan(&dummy)
		if errors.Is(existsErr, pgx.ErrNoRows) {
			return task.Task{}, ErrNotFound
		}
		if existsErr != nil {
			return task.Task{}, fmt.Errorf("store: check task exists: %w", existsErr)
		}
		return task.Task{}, ErrLockMiss
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("store: get task and lock: %w", err)
	}
	return t, nil
}

func scanTaskPg(row pgx.Row) (task.Task, error) {
	var t task.Task
	var statusStr string
	var inputJSON, resultJSON, directivesJSON []byte
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.Assignee, &statusStr, &inputJSON, &resultJSON, &directivesJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(statusStr)
	if len(inputJSON) > 0 {
		_ = json.Unmarshal(inputJSON, &t.InputData)
	}
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &t.Result)
	}
	if len(directivesJSON) > 0 {
		_ = json.Unmarshal(directivesJSON, &t.Directives)
	}
	return t, nil
}

// GetTask reads a task's current row without taking any lock, used by fan-in
// recomputation to inspect an edge's source task without contending with
// whatever worker may be holding (or will hold) its row lock.
func (g *PostgresGateway) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := g.pool.QueryRow(ctx, `SELECT id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at
		FROM tasks WHERE id = $1`, id)
	t, err := scanTaskPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("store: get task: %w", err)
	}
	return t, nil
}

func (g *PostgresGateway) UpdateTask(ctx context.Context, txIface Tx, id string, patch task.Patch, expectedVersion int) (int, error) {
	pt, ok := txIface.(*pgTx)
	if !ok {
		return 0, fmt.Errorf("store: tx not issued by PostgresGateway")
	}
	current, err := g.loadForUpdate(ctx, pt.tx, id)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	if patch.Status != nil {
		current.Status = *patch.Status
	}
	if patch.Result != nil {
		current.Result = patch.Result
	}
	if patch.InputData != nil {
		current.InputData = patch.InputData
	}
	if patch.Directives != nil {
		current.Directives = patch.Directives
	}
	current.Version++
	current.UpdatedAt = time.Now()

	if err := g.persist(ctx, pt.tx, current); err != nil {
		return 0, err
	}
	if err := insertHistoryPg(ctx, pt.tx, current); err != nil {
		return 0, err
	}
	if err := notifyPg(ctx, pt.tx, ChannelTaskUpdated, ChangeEvent{Channel: ChannelTaskUpdated, TaskID: id, WorkflowID: current.WorkflowID, Status: current.Status}); err != nil {
		return 0, err
	}
	return current.Version, nil
}

func (g *PostgresGateway) UpdateTaskContext(ctx context.Context, txIface Tx, id string, mergeResult map[string]any, expectedVersion int) (int, error) {
	pt, ok := txIface.(*pgTx)
	if !ok {
		return 0, fmt.Errorf("store: tx not issued by PostgresGateway")
	}
	current, err := g.loadForUpdate(ctx, pt.tx, id)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	current.Result = task.DeepMergeInto(current.Result, mergeResult)
	current.Version++
	current.UpdatedAt = time.Now()

	if err := g.persist(ctx, pt.tx, current); err != nil {
		return 0, err
	}
	if err := insertHistoryPg(ctx, pt.tx, current); err != nil {
		return 0, err
	}
	if err := notifyPg(ctx, pt.tx, ChannelTaskUpdated, ChangeEvent{Channel: ChannelTaskUpdated, TaskID: id, WorkflowID: current.WorkflowID, Status: current.Status}); err != nil {
		return 0, err
	}
	return current.Version, nil
}

func (g *PostgresGateway) loadForUpdate(ctx context.Context, tx pgx.Tx, id string) (task.Task, error) {
	row := tx.QueryRow(ctx, `SELECT id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at
		FROM tasks WHERE id = $1`, id)
	t, err := scanTaskPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("store: load task: %w", err)
	}
	return t, nil
}

func (g *PostgresGateway) persist(ctx context.Context, tx pgx.Tx, t task.Task) error {
	_, err := tx.Exec(ctx, `UPDATE tasks SET status = $1, input_data = $2, result = $3, directives = $4, version = $5, updated_at = $6 WHERE id = $7`,
		string(t.Status), jsonOrNil(t.InputData), jsonOrNil(t.Result), jsonOrNil(t.Directives), t.Version, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("store: persist task: %w", err)
	}
	return nil
}

func (g *PostgresGateway) GetOutgoingEdges(ctx context.Context, txIface Tx, taskID string) ([]task.Edge, error) {
	var rows pgx.Rows
	var err error
	if pt, ok := txIface.(*pgTx); ok && pt != nil {
		rows, err = pt.tx.Query(ctx, `SELECT id, workflow_id, source_task_id, target_task_id, condition_expr, data_flow_json FROM edges WHERE source_task_id = $1 ORDER BY id ASC`, taskID)
	} else {
		rows, err = g.pool.Query(ctx, `SELECT id, workflow_id, source_task_id, target_task_id, condition_expr, data_flow_json FROM edges WHERE source_task_id = $1 ORDER BY id ASC`, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get outgoing edges: %w", err)
	}
	defer rows.Close()

	var edges []task.Edge
	for rows.Next() {
		var e task.Edge
		var conditionExpr *string
		var dataFlowJSON []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SourceTaskID, &e.TargetTaskID, &conditionExpr, &dataFlowJSON); err != nil {
			return nil, fmt.Errorf("store: scan edge: %w", err)
		}
		if conditionExpr != nil && *conditionExpr != "" {
			e.Condition = &task.Condition{Expression: *conditionExpr}
		}
		if len(dataFlowJSON) > 0 {
			var df task.DataFlow
			if err := json.Unmarshal(dataFlowJSON, &df); err == nil {
				e.DataFlow = &df
			}
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetIncomingEdges returns taskID's incoming edges ordered by source task id
// (then edge id) so fan-in recomputation applies contributions in a fixed,
// arrival-order-independent sequence.
func (g *PostgresGateway) GetIncomingEdges(ctx context.Context, txIface Tx, taskID string) ([]task.Edge, error) {
	var rows pgx.Rows
	var err error
	if pt, ok := txIface.(*pgTx); ok && pt != nil {
		rows, err = pt.tx.Query(ctx, `SELECT id, workflow_id, source_task_id, target_task_id, condition_expr, data_flow_json FROM edges WHERE target_task_id = $1 ORDER BY source_task_id ASC, id ASC`, taskID)
	} else {
		rows, err = g.pool.Query(ctx, `SELECT id, workflow_id, source_task_id, target_task_id, condition_expr, data_flow_json FROM edges WHERE target_task_id = $1 ORDER BY source_task_id ASC, id ASC`, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get incoming edges: %w", err)
	}
	defer rows.Close()

	var edges []task.Edge
	for rows.Next() {
		var e task.Edge
		var conditionExpr *string
		var dataFlowJSON []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SourceTaskID, &e.TargetTaskID, &conditionExpr, &dataFlowJSON); err != nil {
			return nil, fmt.Errorf("store: scan edge: %w", err)
		}
		if conditionExpr != nil && *conditionExpr != "" {
			e.Condition = &task.Condition{Expression: *conditionExpr}
		}
		if len(dataFlowJSON) > 0 {
			var df task.DataFlow
			if err := json.Unmarshal(dataFlowJSON, &df); err == nil {
				e.DataFlow = &df
			}
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (g *PostgresGateway) ApplyBlueprint(ctx context.Context, workflowID string, bp task.PlanBlueprint) (task.BlueprintCommit, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return task.BlueprintCommit{}, fmt.Errorf("store: begin blueprint tx: %w", err)
	}
	defer tx.Rollback(ctx)

	localToUUID := make(map[string]string, len(bp.NewTasks))
	for _, def := range bp.NewTasks {
		localToUUID[def.LocalID] = uuid.NewString()
	}
	resolve := func(ref string) (string, bool) {
		if id, ok := localToUUID[ref]; ok {
			return id, true
		}
		var dummy int
		err := tx.QueryRow(ctx, `SELECT 1 FROM tasks WHERE id = $1`, ref).Scan(&dummy)
		if err == nil {
			return ref, true
		}
		return "", false
	}

	for _, ed := range bp.NewEdges {
		if _, ok := resolve(ed.Source); !ok {
			return task.BlueprintCommit{}, fmt.Errorf("%w: unresolved source %q", ErrBlueprintInvalid, ed.Source)
		}
		if _, ok := resolve(ed.Target); !ok {
			return task.BlueprintCommit{}, fmt.Errorf("%w: unresolved target %q", ErrBlueprintInvalid, ed.Target)
		}
	}
	if bp.HasCycle() {
		return task.BlueprintCommit{}, fmt.Errorf("%w: %s", ErrBlueprintInvalid, task.FailureBlueprintCycle)
	}

	now := time.Now()
	var events []ChangeEvent
	for _, def := range bp.NewTasks {
		id := localToUUID[def.LocalID]
		if _, err := tx.Exec(ctx, `INSERT INTO tasks (id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NULL, $6, 1, $7, $7)`,
			id, workflowID, def.Assignee, string(task.StatusPending), jsonOrNil(def.InputData), jsonOrNil(def.Directives), now); err != nil {
			return task.BlueprintCommit{}, fmt.Errorf("store: insert blueprint task: %w", err)
		}
		if err := insertHistoryPg(ctx, tx, taskFromDef(id, workflowID, def, now)); err != nil {
			return task.BlueprintCommit{}, err
		}
		events = append(events, ChangeEvent{Channel: ChannelTaskCreated, TaskID: id, WorkflowID: workflowID, AssigneeID: def.Assignee, Status: task.StatusPending})
	}
	for _, ed := range bp.NewEdges {
		srcID, _ := resolve(ed.Source)
		dstID, _ := resolve(ed.Target)
		var dataFlowJSON any
		if ed.DataFlow != nil {
			b, _ := json.Marshal(ed.DataFlow)
			dataFlowJSON = b
		}
		var conditionExpr any
		if ed.Condition != nil {
			conditionExpr = ed.Condition.Expression
		}
		if _, err := tx.Exec(ctx, `INSERT INTO edges (id, workflow_id, source_task_id, target_task_id, condition_expr, data_flow_json) VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), workflowID, srcID, dstID, conditionExpr, dataFlowJSON); err != nil {
			return task.BlueprintCommit{}, fmt.Errorf("store: insert blueprint edge: %w", err)
		}
	}
	for _, u := range bp.Updates {
		current, err := g.loadForUpdate(ctx, tx, u.TaskID)
		if err != nil {
			return task.BlueprintCommit{}, err
		}
		if current.Version != u.ExpectedVersion {
			return task.BlueprintCommit{}, fmt.Errorf("%w: task %q", ErrVersionConflict, u.TaskID)
		}
		if u.Patch.Status != nil {
			current.Status = *u.Patch.Status
		}
		if u.Patch.Result != nil {
			current.Result = u.Patch.Result
		}
		if u.Patch.InputData != nil {
			current.InputData = u.Patch.InputData
		}
		if u.Patch.Directives != nil {
			current.Directives = u.Patch.Directives
		}
		current.Version++
		current.UpdatedAt = now
		if err := g.persist(ctx, tx, current); err != nil {
			return task.BlueprintCommit{}, err
		}
		if err := insertHistoryPg(ctx, tx, current); err != nil {
			return task.BlueprintCommit{}, err
		}
		events = append(events, ChangeEvent{Channel: ChannelTaskUpdated, TaskID: current.ID, WorkflowID: workflowID, Status: current.Status})
	}

	for _, evt := range events {
		if err := notifyPg(ctx, tx, evt.Channel, evt); err != nil {
			return task.BlueprintCommit{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return task.BlueprintCommit{}, fmt.Errorf("store: commit blueprint: %w", err)
	}
	return task.BlueprintCommit{LocalToUUID: localToUUID}, nil
}

func (g *PostgresGateway) GetTaskHistory(ctx context.Context, id string) ([]task.History, error) {
	rows, err := g.pool.Query(ctx, `SELECT id, task_id, version_number, snapshot, created_at FROM task_history WHERE task_id = $1 ORDER BY version_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get task history: %w", err)
	}
	defer rows.Close()

	var out []task.History
	for rows.Next() {
		var h task.History
		var snapshotJSON []byte
		if err := rows.Scan(&h.ID, &h.TaskID, &h.VersionNumber, &snapshotJSON, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		_ = json.Unmarshal(snapshotJSON, &h.Snapshot)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (g *PostgresGateway) RollbackTask(ctx context.Context, id string, version int) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin rollback tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var snapshotJSON []byte
	if err := tx.QueryRow(ctx, `SELECT snapshot FROM task_history WHERE task_id = $1 AND version_number = $2`, id, version).Scan(&snapshotJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: load rollback snapshot: %w", err)
	}
	var restored task.Task
	if err := json.Unmarshal(snapshotJSON, &restored); err != nil {
		return fmt.Errorf("store: unmarshal rollback snapshot: %w", err)
	}

	current, err := g.loadForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	restored.Version = current.Version + 1
	restored.UpdatedAt = time.Now()
	if err := g.persist(ctx, tx, restored); err != nil {
		return err
	}
	if err := insertHistoryPg(ctx, tx, restored); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (g *PostgresGateway) Close() error {
	g.pool.Close()
	return nil
}

// NewChangeFeed opens a LISTEN/NOTIFY feed over this gateway's connection
// pool, matching the MySQL/SQLite gateways' own NewChangeFeed constructor
// so callers can select a feed without knowing the backend's notification
// mechanism.
func (g *PostgresGateway) NewChangeFeed(ctx context.Context) (*PostgresChangeFeed, error) {
	return NewPostgresChangeFeed(ctx, g.pool)
}

// PostgresChangeFeed listens on both change-notification channels using a
// dedicated connection leased from the pool. If the listener connection
// drops, Next returns the error; callers are expected to reconnect (the
// Notification Bridge's reconnect/backoff loop handles this uniformly for
// every backend).
type PostgresChangeFeed struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

func NewPostgresChangeFeed(ctx context.Context, pool *pgxpool.Pool) (*PostgresChangeFeed, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: acquire listen conn: %w", err)
	}
	for _, channel := range []string{ChannelTaskCreated, ChannelTaskUpdated} {
		if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
			conn.Release()
			return nil, fmt.Errorf("store: listen %s: %w", channel, err)
		}
	}
	return &PostgresChangeFeed{pool: pool, conn: conn}, nil
}

func (f *PostgresChangeFeed) Next(ctx context.Context) (ChangeEvent, error) {
	notification, err := f.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("store: wait for notification: %w", err)
	}
	var evt ChangeEvent
	if err := json.Unmarshal([]byte(notification.Payload), &evt); err != nil {
		return ChangeEvent{}, fmt.Errorf("store: decode notification payload: %w", err)
	}
	return evt, nil
}

// Ack is a no-op: LISTEN/NOTIFY is push-only and ephemeral, there is no
// backing row whose emission could be prematurely acknowledged.
func (f *PostgresChangeFeed) Ack(ctx context.Context, evt ChangeEvent) error { return nil }

func (f *PostgresChangeFeed) Close() error {
	f.conn.Release()
	return nil
}
