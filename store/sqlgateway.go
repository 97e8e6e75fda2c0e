package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskflowhq/taskengine/task"
)

// dialect captures the handful of SQL differences between the MySQL and
// SQLite backends this shared core serves: bind-parameter syntax and
// whether the engine supports SELECT ... FOR UPDATE SKIP LOCKED.
type dialect struct {
	name               string
	placeholder        func(n int) string
	supportsSkipLocked bool
}

func mysqlDialect() dialect {
	return dialect{
		name:               "mysql",
		placeholder:        func(int) string { return "?" },
		supportsSkipLocked: true,
	}
}

func sqliteDialect() dialect {
	return dialect{
		name:               "sqlite",
		placeholder:        func(int) string { return "?" },
		supportsSkipLocked: false,
	}
}

// sqlGateway implements Gateway over database/sql, shared by MySQLGateway
// and SQLiteGateway. Row-level locking degrades gracefully: dialects that
// support SKIP LOCKED use it directly; dialects that do not (SQLite, which
// serializes writers at the connection level and has no row-lock concept)
// fall back to a locked boolean column toggled with a conditional UPDATE.
type sqlGateway struct {
	db      *sql.DB
	dialect dialect
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

func (g *sqlGateway) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

func (g *sqlGateway) ph(n int) string { return g.dialect.placeholder(n) }

func (g *sqlGateway) CreateTask(ctx context.Context, def task.TaskDefinition, workflowID string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	inputJSON, err := json.Marshal(def.InputData)
	if err != nil {
		return "", fmt.Errorf("store: marshal input_data: %w", err)
	}
	directivesJSON, err := json.Marshal(def.Directives)
	if err != nil {
		return "", fmt.Errorf("store: marshal directives: %w", err)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`INSERT INTO tasks (id, workflow_id, assignee, status, input_data, result, directives, version, locked, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, NULL, %s, 1, 0, %s, %s)`,
		g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6), g.ph(7), g.ph(8))
	if _, err := tx.ExecContext(ctx, insert, id, workflowID, def.Assignee, string(task.StatusPending), inputJSON, directivesJSON, now, now); err != nil {
		return "", fmt.Errorf("store: insert task: %w", err)
	}
	if err := g.insertHistoryTx(ctx, tx, taskFromDef(id, workflowID, def, now)); err != nil {
		return "", err
	}
	if err := insertOutboxRow(ctx, tx, g.ph, outboxRow{
		ID: uuid.NewString(), Channel: ChannelTaskCreated, TaskID: id, WorkflowID: workflowID,
		AssigneeID: def.Assignee, Status: string(task.StatusPending),
	}); err != nil {
		return "", fmt.Errorf("store: insert outbox row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit create task: %w", err)
	}
	return id, nil
}

func taskFromDef(id, workflowID string, def task.TaskDefinition, now time.Time) task.Task {
	return task.Task{
		ID: id, WorkflowID: workflowID, Assignee: def.Assignee, Status: task.StatusPending,
		InputData: def.InputData, Directives: def.Directives, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
}

func (g *sqlGateway) GetTaskAndLock(ctx context.Context, txIface Tx, id string) (task.Task, error) {
	tx, ok := txIface.(*sqlTx)
	if !ok {
		return task.Task{}, fmt.Errorf("store: tx not issued by this gateway")
	}

	if g.dialect.supportsSkipLocked {
		query := fmt.Sprintf(`SELECT id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at
			FROM tasks WHERE id = %s FOR UPDATE SKIP LOCKED`, g.ph(1))
		row := tx.tx.QueryRowContext(ctx, query, id)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			exists, existsErr := g.taskExists(ctx, tx.tx, id)
			if existsErr != nil {
				return task.Task{}, existsErr
			}
			if !exists {
				return task.Task{}, ErrNotFound
			}
			return task.Task{}, ErrLockMiss
		}
		if err != nil {
			return task.Task{}, fmt.Errorf("store: get task and lock: %w", err)
		}
		return t, nil
	}

	claim := fmt.Sprintf(`UPDATE tasks SET locked = 1 WHERE id = %s AND locked = 0`, g.ph(1))
	res, err := tx.tx.ExecContext(ctx, claim, id)
	if err != nil {
		return task.Task{}, fmt.Errorf("store: claim lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		exists, existsErr := g.taskExists(ctx, tx.tx, id)
		if existsErr != nil {
			return task.Task{}, existsErr
		}
		if !exists {
			return task.Task{}, ErrNotFound
		}
		return task.Task{}, ErrLockMiss
	}
	query := fmt.Sprintf(`SELECT id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at
		FROM tasks WHERE id = %s`, g.ph(1))
	row := tx.tx.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if err != nil {
		return task.Task{}, fmt.Errorf("store: get task after claim: %w", err)
	}
	return t, nil
}

// GetTask reads a task's current row without taking any lock, used by fan-in
// recomputation to inspect an edge's source task without contending with
// whatever worker may be holding (or will hold) its row lock.
func (g *sqlGateway) GetTask(ctx context.Context, id string) (task.Task, error) {
	query := fmt.Sprintf(`SELECT id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at
		FROM tasks WHERE id = %s`, g.ph(1))
	row := g.db.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return task.Task{}, ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("store: get task: %w", err)
	}
	return t, nil
}

func (g *sqlGateway) taskExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM tasks WHERE id = %s`, g.ph(1))
	var dummy int
	err := tx.QueryRowContext(ctx, query, id).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check task exists: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
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

func (g *sqlGateway) UpdateTask(ctx context.Context, txIface Tx, id string, patch task.Patch, expectedVersion int) (int, error) {
	tx, ok := txIface.(*sqlTx)
	if !ok {
		return 0, fmt.Errorf("store: tx not issued by this gateway")
	}

	current, err := g.loadForUpdate(ctx, tx.tx, id)
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

	if err := g.persistTask(ctx, tx.tx, current); err != nil {
		return 0, err
	}
	if err := g.insertHistoryTx(ctx, tx.tx, current); err != nil {
		return 0, err
	}
	if err := insertOutboxRow(ctx, tx.tx, g.ph, outboxRow{
		ID: uuid.NewString(), Channel: ChannelTaskUpdated, TaskID: id, WorkflowID: current.WorkflowID, Status: string(current.Status),
	}); err != nil {
		return 0, fmt.Errorf("store: insert outbox row: %w", err)
	}
	return current.Version, nil
}

func (g *sqlGateway) UpdateTaskContext(ctx context.Context, txIface Tx, id string, mergeResult map[string]any, expectedVersion int) (int, error) {
	tx, ok := txIface.(*sqlTx)
	if !ok {
		return 0, fmt.Errorf("store: tx not issued by this gateway")
	}
	current, err := g.loadForUpdate(ctx, tx.tx, id)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	current.Result = task.DeepMergeInto(current.Result, mergeResult)
	current.Version++
	current.UpdatedAt = time.Now()

	if err := g.persistTask(ctx, tx.tx, current); err != nil {
		return 0, err
	}
	if err := g.insertHistoryTx(ctx, tx.tx, current); err != nil {
		return 0, err
	}
	if err := insertOutboxRow(ctx, tx.tx, g.ph, outboxRow{
		ID: uuid.NewString(), Channel: ChannelTaskUpdated, TaskID: id, WorkflowID: current.WorkflowID, Status: string(current.Status),
	}); err != nil {
		return 0, fmt.Errorf("store: insert outbox row: %w", err)
	}
	return current.Version, nil
}

func (g *sqlGateway) loadForUpdate(ctx context.Context, tx *sql.Tx, id string) (task.Task, error) {
	query := fmt.Sprintf(`SELECT id, workflow_id, assignee, status, input_data, result, directives, version, created_at, updated_at
		FROM tasks WHERE id = %s`, g.ph(1))
	row := tx.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return task.Task{}, ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("store: load task: %w", err)
	}
	return t, nil
}

func (g *sqlGateway) persistTask(ctx context.Context, tx *sql.Tx, t task.Task) error {
	inputJSON, _ := json.Marshal(t.InputData)
	resultJSON, _ := json.Marshal(t.Result)
	directivesJSON, _ := json.Marshal(t.Directives)
	update := fmt.Sprintf(`UPDATE tasks SET status = %s, input_data = %s, result = %s, directives = %s, version = %s, updated_at = %s WHERE id = %s`,
		g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6), g.ph(7))
	_, err := tx.ExecContext(ctx, update, string(t.Status), inputJSON, resultJSON, directivesJSON, t.Version, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("store: persist task: %w", err)
	}
	return nil
}

func (g *sqlGateway) insertHistoryTx(ctx context.Context, tx *sql.Tx, t task.Task) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal history snapshot: %w", err)
	}
	insert := fmt.Sprintf(`INSERT INTO task_history (id, task_id, version_number, snapshot, created_at) VALUES (%s, %s, %s, %s, %s)`,
		g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5))
	_, err = tx.ExecContext(ctx, insert, uuid.NewString(), t.ID, t.Version, snapshot, time.Now())
	if err != nil {
		return fmt.Errorf("store: insert history: %w", err)
	}
	return nil
}

func (g *sqlGateway) GetOutgoingEdges(ctx context.Context, txIface Tx, taskID string) ([]task.Edge, error) {
	query := fmt.Sprintf(`SELECT id, workflow_id, source_task_id, target_task_id, condition_expr, data_flow_json
		FROM edges WHERE source_task_id = %s ORDER BY id ASC`, g.ph(1))

	var rows *sql.Rows
	var err error
	if tx, ok := txIface.(*sqlTx); ok && tx != nil {
		rows, err = tx.tx.QueryContext(ctx, query, taskID)
	} else {
		rows, err = g.db.QueryContext(ctx, query, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get outgoing edges: %w", err)
	}
	defer rows.Close()

	var edges []task.Edge
	for rows.Next() {
		var e task.Edge
		var conditionExpr sql.NullString
		var dataFlowJSON []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SourceTaskID, &e.TargetTaskID, &conditionExpr, &dataFlowJSON); err != nil {
			return nil, fmt.Errorf("store: scan edge: %w", err)
		}
		if conditionExpr.Valid && conditionExpr.String != "" {
			e.Condition = &task.Condition{Expression: conditionExpr.String}
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
func (g *sqlGateway) GetIncomingEdges(ctx context.Context, txIface Tx, taskID string) ([]task.Edge, error) {
	query := fmt.Sprintf(`SELECT id, workflow_id, source_task_id, target_task_id, condition_expr, data_flow_json
		FROM edges WHERE target_task_id = %s ORDER BY source_task_id ASC, id ASC`, g.ph(1))

	var rows *sql.Rows
	var err error
	if tx, ok := txIface.(*sqlTx); ok && tx != nil {
		rows, err = tx.tx.QueryContext(ctx, query, taskID)
	} else {
		rows, err = g.db.QueryContext(ctx, query, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get incoming edges: %w", err)
	}
	defer rows.Close()

	var edges []task.Edge
	for rows.Next() {
		var e task.Edge
		var conditionExpr sql.NullString
		var dataFlowJSON []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SourceTaskID, &e.TargetTaskID, &conditionExpr, &dataFlowJSON); err != nil {
			return nil, fmt.Errorf("store: scan edge: %w", err)
		}
		if conditionExpr.Valid && conditionExpr.String != "" {
			e.Condition = &task.Condition{Expression: conditionExpr.String}
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

func (g *sqlGateway) ApplyBlueprint(ctx context.Context, workflowID string, bp task.PlanBlueprint) (task.BlueprintCommit, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return task.BlueprintCommit{}, fmt.Errorf("store: begin blueprint tx: %w", err)
	}
	defer tx.Rollback()

	localToUUID := make(map[string]string, len(bp.NewTasks))
	for _, def := range bp.NewTasks {
		localToUUID[def.LocalID] = uuid.NewString()
	}
	resolve := func(ref string) (string, bool) {
		if id, ok := localToUUID[ref]; ok {
			return id, true
		}
		exists, err := g.taskExists(ctx, tx, ref)
		if err == nil && exists {
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
	for _, def := range bp.NewTasks {
		id := localToUUID[def.LocalID]
		inputJSON, _ := json.Marshal(def.InputData)
		directivesJSON, _ := json.Marshal(def.Directives)
		insert := fmt.Sprintf(`INSERT INTO tasks (id, workflow_id, assignee, status, input_data, result, directives, version, locked, created_at, updated_at)
			VALUES (%s, %s, %s, %s, %s, NULL, %s, 1, 0, %s, %s)`,
			g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6), g.ph(7), g.ph(8))
		if _, err := tx.ExecContext(ctx, insert, id, workflowID, def.Assignee, string(task.StatusPending), inputJSON, directivesJSON, now, now); err != nil {
			return task.BlueprintCommit{}, fmt.Errorf("store: insert blueprint task: %w", err)
		}
		if err := g.insertHistoryTx(ctx, tx, taskFromDef(id, workflowID, def, now)); err != nil {
			return task.BlueprintCommit{}, err
		}
		if err := insertOutboxRow(ctx, tx, g.ph, outboxRow{ID: uuid.NewString(), Channel: ChannelTaskCreated, TaskID: id, WorkflowID: workflowID, AssigneeID: def.Assignee, Status: string(task.StatusPending)}); err != nil {
			return task.BlueprintCommit{}, err
		}
	}
	for _, ed := range bp.NewEdges {
		srcID, _ := resolve(ed.Source)
		dstID, _ := resolve(ed.Target)
		var dataFlowJSON []byte
		if ed.DataFlow != nil {
			dataFlowJSON, _ = json.Marshal(ed.DataFlow)
		}
		var conditionExpr any
		if ed.Condition != nil {
			conditionExpr = ed.Condition.Expression
		}
		insert := fmt.Sprintf(`INSERT INTO edges (id, workflow_id, source_task_id, target_task_id, condition_expr, data_flow_json)
			VALUES (%s, %s, %s, %s, %s, %s)`, g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6))
		if _, err := tx.ExecContext(ctx, insert, uuid.NewString(), workflowID, srcID, dstID, conditionExpr, dataFlowJSON); err != nil {
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
		if err := g.persistTask(ctx, tx, current); err != nil {
			return task.BlueprintCommit{}, err
		}
		if err := g.insertHistoryTx(ctx, tx, current); err != nil {
			return task.BlueprintCommit{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return task.BlueprintCommit{}, fmt.Errorf("store: commit blueprint: %w", err)
	}
	return task.BlueprintCommit{LocalToUUID: localToUUID}, nil
}

func (g *sqlGateway) GetTaskHistory(ctx context.Context, id string) ([]task.History, error) {
	query := fmt.Sprintf(`SELECT id, task_id, version_number, snapshot, created_at FROM task_history WHERE task_id = %s ORDER BY version_number ASC`, g.ph(1))
	rows, err := g.db.QueryContext(ctx, query, id)
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

func (g *sqlGateway) RollbackTask(ctx context.Context, id string, version int) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin rollback tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT snapshot FROM task_history WHERE task_id = %s AND version_number = %s`, g.ph(1), g.ph(2))
	var snapshotJSON []byte
	if err := tx.QueryRowContext(ctx, query, id, version).Scan(&snapshotJSON); err != nil {
		if err == sql.ErrNoRows {
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
	if err := g.persistTask(ctx, tx, restored); err != nil {
		return err
	}
	if err := g.insertHistoryTx(ctx, tx, restored); err != nil {
		return err
	}
	return tx.Commit()
}

func (g *sqlGateway) Close() error { return g.db.Close() }
