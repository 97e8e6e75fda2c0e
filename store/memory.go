package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskflowhq/taskengine/task"
)

// MemGateway is an in-memory Gateway implementation. It stores tasks, edges,
// and history in maps guarded by a single mutex, and publishes change
// events onto a buffered channel consumed by MemChangeFeed.
//
// Designed for unit tests and single-process development; data is lost when
// the process terminates and there is no real row-level locking across
// processes (lockedTasks is an in-memory set, adequate only because all
// Gateway callers in a test run share this one instance).
type MemGateway struct {
	mu sync.Mutex

	tasks         map[string]task.Task
	edgesBySrc    map[string][]string // source task id -> edge ids, insertion order
	edgesByTarget map[string][]string // target task id -> edge ids, insertion order
	edges         map[string]task.Edge
	history       map[string][]task.History
	lockedTasks   map[string]bool
	events        chan ChangeEvent
	closed        bool
}

// NewMemGateway creates an empty in-memory Gateway. eventBuffer sizes the
// internal change-event channel; 256 is a reasonable default for tests.
func NewMemGateway(eventBuffer int) *MemGateway {
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &MemGateway{
		tasks:         make(map[string]task.Task),
		edgesBySrc:    make(map[string][]string),
		edgesByTarget: make(map[string][]string),
		edges:         make(map[string]task.Edge),
		history:       make(map[string][]task.History),
		lockedTasks:   make(map[string]bool),
		events:        make(chan ChangeEvent, eventBuffer),
	}
}

// memTx tracks which task ids this transaction has locked, so Commit and
// Rollback both release them; in-memory writes are applied immediately
// under the Gateway's mutex rather than staged, since there is no real
// separate transaction log to replay.
type memTx struct {
	gw     *MemGateway
	locked []string
	done   bool
}

func (t *memTx) Commit(ctx context.Context) error   { return t.finish() }
func (t *memTx) Rollback(ctx context.Context) error { return t.finish() }

func (t *memTx) finish() error {
	if t.done {
		return nil
	}
	t.done = true
	t.gw.mu.Lock()
	for _, id := range t.locked {
		delete(t.gw.lockedTasks, id)
	}
	t.gw.mu.Unlock()
	return nil
}

func (g *MemGateway) BeginTx(ctx context.Context) (Tx, error) {
	return &memTx{gw: g}, nil
}

func (g *MemGateway) CreateTask(ctx context.Context, def task.TaskDefinition, workflowID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := uuid.NewString()
	now := time.Now()
	t := task.Task{
		ID:         id,
		WorkflowID: workflowID,
		Assignee:   def.Assignee,
		Status:     task.StatusPending,
		InputData:  def.InputData,
		Directives: def.Directives,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	g.tasks[id] = t
	g.appendHistoryLocked(t)
	g.publishLocked(ChangeEvent{Channel: ChannelTaskCreated, TaskID: id, WorkflowID: workflowID, AssigneeID: def.Assignee, Status: t.Status})
	return id, nil
}

func (g *MemGateway) GetTaskAndLock(ctx context.Context, tx Tx, id string) (task.Task, error) {
	mt, ok := tx.(*memTx)
	if !ok {
		return task.Task{}, fmt.Errorf("store: tx not issued by MemGateway")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	if g.lockedTasks[id] {
		return task.Task{}, ErrLockMiss
	}
	g.lockedTasks[id] = true
	mt.locked = append(mt.locked, id)
	return t, nil
}

func (g *MemGateway) UpdateTask(ctx context.Context, tx Tx, id string, patch task.Patch, expectedVersion int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	if t.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Result != nil {
		t.Result = patch.Result
	}
	if patch.InputData != nil {
		t.InputData = patch.InputData
	}
	if patch.Directives != nil {
		t.Directives = patch.Directives
	}
	t.Version++
	t.UpdatedAt = time.Now()
	g.tasks[id] = t
	g.appendHistoryLocked(t)
	g.publishLocked(ChangeEvent{Channel: ChannelTaskUpdated, TaskID: id, WorkflowID: t.WorkflowID, Status: t.Status})
	return t.Version, nil
}

func (g *MemGateway) UpdateTaskContext(ctx context.Context, tx Tx, id string, mergeResult map[string]any, expectedVersion int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	if t.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	t.Result = task.DeepMergeInto(t.Result, mergeResult)
	t.Version++
	t.UpdatedAt = time.Now()
	g.tasks[id] = t
	g.appendHistoryLocked(t)
	g.publishLocked(ChangeEvent{Channel: ChannelTaskUpdated, TaskID: id, WorkflowID: t.WorkflowID, Status: t.Status})
	return t.Version, nil
}

func (g *MemGateway) GetOutgoingEdges(ctx context.Context, tx Tx, taskID string) ([]task.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := append([]string(nil), g.edgesBySrc[taskID]...)
	sort.Strings(ids)
	out := make([]task.Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id])
	}
	return out, nil
}

// GetTask reads a task's current state without taking any lock, used by
// fan-in recomputation to inspect an edge's source task without contending
// with whatever worker may be holding (or will hold) its row lock.
func (g *MemGateway) GetTask(ctx context.Context, id string) (task.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	return t, nil
}

// GetIncomingEdges returns taskID's incoming edges ordered by source task id
// (then edge id) so fan-in recomputation applies contributions in a fixed,
// arrival-order-independent sequence.
func (g *MemGateway) GetIncomingEdges(ctx context.Context, tx Tx, taskID string) ([]task.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := append([]string(nil), g.edgesByTarget[taskID]...)
	out := make([]task.Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceTaskID != out[j].SourceTaskID {
			return out[i].SourceTaskID < out[j].SourceTaskID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (g *MemGateway) ApplyBlueprint(ctx context.Context, workflowID string, bp task.PlanBlueprint) (task.BlueprintCommit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	localToUUID := make(map[string]string, len(bp.NewTasks))
	for _, def := range bp.NewTasks {
		localToUUID[def.LocalID] = uuid.NewString()
	}

	resolve := func(ref string) (string, bool) {
		if id, ok := localToUUID[ref]; ok {
			return id, true
		}
		if _, ok := g.tasks[ref]; ok {
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
	for _, u := range bp.Updates {
		existing, ok := g.tasks[u.TaskID]
		if !ok {
			return task.BlueprintCommit{}, fmt.Errorf("%w: update references unknown task %q", ErrBlueprintInvalid, u.TaskID)
		}
		if existing.Version != u.ExpectedVersion {
			return task.BlueprintCommit{}, fmt.Errorf("%w: update CAS failed for task %q", ErrVersionConflict, u.TaskID)
		}
	}
	if bp.HasCycle() {
		return task.BlueprintCommit{}, fmt.Errorf("%w: %s", ErrBlueprintInvalid, task.FailureBlueprintCycle)
	}

	now := time.Now()
	var createdEvents []ChangeEvent
	for _, def := range bp.NewTasks {
		id := localToUUID[def.LocalID]
		t := task.Task{
			ID:         id,
			WorkflowID: workflowID,
			Assignee:   def.Assignee,
			Status:     task.StatusPending,
			InputData:  def.InputData,
			Directives: def.Directives,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		g.tasks[id] = t
		g.appendHistoryLocked(t)
		createdEvents = append(createdEvents, ChangeEvent{Channel: ChannelTaskCreated, TaskID: id, WorkflowID: workflowID, AssigneeID: def.Assignee, Status: t.Status})
	}
	for _, ed := range bp.NewEdges {
		srcID, _ := resolve(ed.Source)
		dstID, _ := resolve(ed.Target)
		id := uuid.NewString()
		e := task.Edge{ID: id, WorkflowID: workflowID, SourceTaskID: srcID, TargetTaskID: dstID, Condition: ed.Condition, DataFlow: ed.DataFlow}
		g.edges[id] = e
		g.edgesBySrc[srcID] = append(g.edgesBySrc[srcID], id)
		g.edgesByTarget[dstID] = append(g.edgesByTarget[dstID], id)
	}
	for _, u := range bp.Updates {
		t := g.tasks[u.TaskID]
		if u.Patch.Status != nil {
			t.Status = *u.Patch.Status
		}
		if u.Patch.Result != nil {
			t.Result = u.Patch.Result
		}
		if u.Patch.InputData != nil {
			t.InputData = u.Patch.InputData
		}
		if u.Patch.Directives != nil {
			t.Directives = u.Patch.Directives
		}
		t.Version++
		t.UpdatedAt = now
		g.tasks[u.TaskID] = t
		g.appendHistoryLocked(t)
		createdEvents = append(createdEvents, ChangeEvent{Channel: ChannelTaskUpdated, TaskID: t.ID, WorkflowID: workflowID, Status: t.Status})
	}
	for _, evt := range createdEvents {
		g.publishLocked(evt)
	}

	return task.BlueprintCommit{LocalToUUID: localToUUID}, nil
}

func (g *MemGateway) GetTaskHistory(ctx context.Context, id string) ([]task.History, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]task.History(nil), g.history[id]...)
	return out, nil
}

func (g *MemGateway) RollbackTask(ctx context.Context, id string, version int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var target *task.History
	for i := range g.history[id] {
		if g.history[id][i].VersionNumber == version {
			target = &g.history[id][i]
			break
		}
	}
	if target == nil {
		return ErrNotFound
	}
	cur, ok := g.tasks[id]
	if !ok {
		return ErrNotFound
	}
	restored := target.Snapshot
	restored.Version = cur.Version + 1
	restored.UpdatedAt = time.Now()
	g.tasks[id] = restored
	g.appendHistoryLocked(restored)
	g.publishLocked(ChangeEvent{Channel: ChannelTaskUpdated, TaskID: id, WorkflowID: restored.WorkflowID, Status: restored.Status})
	return nil
}

func (g *MemGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.events)
	}
	return nil
}

func (g *MemGateway) appendHistoryLocked(t task.Task) {
	g.history[t.ID] = append(g.history[t.ID], task.History{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		VersionNumber: t.Version,
		Snapshot:      t,
		CreatedAt:     time.Now(),
	})
}

func (g *MemGateway) publishLocked(evt ChangeEvent) {
	if g.closed {
		return
	}
	select {
	case g.events <- evt:
	default:
		// Buffer full: drop rather than block the mutation path.
		// MemGateway keeps no outbox and MemChangeFeed only reads this
		// channel, so a dropped event is never delivered.
	}
}

// MemChangeFeed adapts a MemGateway's internal event channel to the
// ChangeFeed interface.
type MemChangeFeed struct {
	gw *MemGateway
}

func NewMemChangeFeed(gw *MemGateway) *MemChangeFeed {
	return &MemChangeFeed{gw: gw}
}

func (f *MemChangeFeed) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case evt, ok := <-f.gw.events:
		if !ok {
			return ChangeEvent{}, fmt.Errorf("store: change feed closed")
		}
		return evt, nil
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

// Ack is a no-op: events delivered over the in-memory channel carry nothing
// held-back to acknowledge, unlike PollingChangeFeed's backing outbox row.
func (f *MemChangeFeed) Ack(ctx context.Context, evt ChangeEvent) error { return nil }

func (f *MemChangeFeed) Close() error { return nil }
