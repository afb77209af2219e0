package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
)

type fakeAgents struct {
	ids map[string]bool
}

func (f *fakeAgents) AgentExists(ctx context.Context, agentID string) (bool, error) {
	return f.ids[agentID], nil
}

func newTestService(t *testing.T) (*Service, *audit.Store) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	actions, err := audit.NewStore(database)
	require.NoError(t, err)
	store, err := NewStore(database)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	agents := &fakeAgents{ids: map[string]bool{"agent-1": true, "agent-2": true}}
	return NewService(store, agents, actions, nil, log), actions
}

func mustCreate(t *testing.T, svc *Service, req CreateRequest) *Task {
	t.Helper()
	created, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	return created
}

func TestCreateGeneratesID(t *testing.T) {
	svc, _ := newTestService(t)
	created := mustCreate(t, svc, CreateRequest{Title: "build the parser", CreatedBy: "admin"})
	assert.Contains(t, created.TaskID, "task-")
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, PriorityMedium, created.Priority)
}

func TestCreateRequiresTitle(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateRequest{CreatedBy: "admin"})
	assert.Error(t, err)
}

func TestCreateWiresParentChild(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	parent := mustCreate(t, svc, CreateRequest{TaskID: "t-parent", Title: "parent", CreatedBy: "admin"})
	child := mustCreate(t, svc, CreateRequest{TaskID: "t-child", Title: "child", CreatedBy: "admin", ParentTask: parent.TaskID})

	reloaded, err := svc.Get(ctx, parent.TaskID)
	require.NoError(t, err)
	assert.Contains(t, reloaded.ChildTasks, child.TaskID)
	assert.Equal(t, parent.TaskID, child.ParentTask)
}

func TestCreateRejectsUnknownParent(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateRequest{Title: "orphan", CreatedBy: "admin", ParentTask: "t-missing"})
	assert.Error(t, err)
}

func TestAssignRejectsOwnedTask(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "one", CreatedBy: "admin"})
	require.NoError(t, svc.Assign(ctx, created.TaskID, "agent-1", "admin"))

	err := svc.Assign(ctx, created.TaskID, "agent-2", "admin")
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	reloaded, err := svc.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", reloaded.AssignedTo)
}

func TestAssignRequiresKnownAgent(t *testing.T) {
	svc, _ := newTestService(t)
	created := mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "one", CreatedBy: "admin"})
	err := svc.Assign(context.Background(), created.TaskID, "agent-ghost", "admin")
	assert.Error(t, err)
}

func TestCompletedTaskIsImmutable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "one", CreatedBy: "admin", AssignedTo: "agent-1"})
	require.NoError(t, svc.UpdateStatus(ctx, created.TaskID, StatusCompleted, "agent-1", false))

	err := svc.UpdateStatus(ctx, created.TaskID, StatusInProgress, "admin", true)
	assert.ErrorIs(t, err, ErrTerminalStatus)
}

func TestFailedTaskMayReopen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "one", CreatedBy: "admin", AssignedTo: "agent-1"})
	require.NoError(t, svc.UpdateStatus(ctx, created.TaskID, StatusFailed, "agent-1", false))
	require.NoError(t, svc.UpdateStatus(ctx, created.TaskID, StatusPending, "admin", true))

	reloaded, err := svc.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reloaded.Status)
}

func TestNonOwnerCannotUpdateStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "one", CreatedBy: "admin", AssignedTo: "agent-1"})
	err := svc.UpdateStatus(ctx, created.TaskID, StatusInProgress, "agent-2", false)
	assert.ErrorIs(t, err, ErrNotOwner)

	// Admin overrides ownership.
	require.NoError(t, svc.UpdateStatus(ctx, created.TaskID, StatusInProgress, "admin", true))
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := mustCreate(t, svc, CreateRequest{TaskID: "t-a", Title: "a", CreatedBy: "admin"})
	b := mustCreate(t, svc, CreateRequest{TaskID: "t-b", Title: "b", CreatedBy: "admin"})
	c := mustCreate(t, svc, CreateRequest{TaskID: "t-c", Title: "c", CreatedBy: "admin"})

	require.NoError(t, svc.AddDependency(ctx, b.TaskID, a.TaskID))
	require.NoError(t, svc.AddDependency(ctx, c.TaskID, b.TaskID))

	// a -> c would close the loop a <- b <- c.
	err := svc.AddDependency(ctx, a.TaskID, c.TaskID)
	assert.ErrorIs(t, err, ErrDependencyCycle)

	// Self-dependency is the trivial cycle.
	err = svc.AddDependency(ctx, a.TaskID, a.TaskID)
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestDeleteDetachesRelations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	parent := mustCreate(t, svc, CreateRequest{TaskID: "t-parent", Title: "parent", CreatedBy: "admin"})
	mid := mustCreate(t, svc, CreateRequest{TaskID: "t-mid", Title: "mid", CreatedBy: "admin", ParentTask: parent.TaskID})
	leaf := mustCreate(t, svc, CreateRequest{TaskID: "t-leaf", Title: "leaf", CreatedBy: "admin", ParentTask: mid.TaskID})
	dependent := mustCreate(t, svc, CreateRequest{TaskID: "t-dep", Title: "dep", CreatedBy: "admin", DependsOn: []string{mid.TaskID}})

	require.NoError(t, svc.Delete(ctx, mid.TaskID, "admin"))

	_, err := svc.Get(ctx, mid.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)

	reloadedParent, err := svc.Get(ctx, parent.TaskID)
	require.NoError(t, err)
	assert.NotContains(t, reloadedParent.ChildTasks, mid.TaskID)

	reloadedLeaf, err := svc.Get(ctx, leaf.TaskID)
	require.NoError(t, err)
	assert.Empty(t, reloadedLeaf.ParentTask)

	reloadedDep, err := svc.Get(ctx, dependent.TaskID)
	require.NoError(t, err)
	assert.NotContains(t, reloadedDep.DependsOnTasks, mid.TaskID)
}

func TestAddNotePreservesOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created := mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "one", CreatedBy: "admin"})
	require.NoError(t, svc.AddNote(ctx, created.TaskID, "agent-1", "first"))
	require.NoError(t, svc.AddNote(ctx, created.TaskID, "agent-1", "second"))

	reloaded, err := svc.Get(ctx, created.TaskID)
	require.NoError(t, err)
	require.Len(t, reloaded.Notes, 2)
	assert.Contains(t, string(reloaded.Notes[0]), "first")
	assert.Contains(t, string(reloaded.Notes[1]), "second")
}

func TestSearchMatchesTitleDescriptionNotes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "Implement Parser", CreatedBy: "admin"})
	mustCreate(t, svc, CreateRequest{TaskID: "t-2", Title: "two", Description: "parser edge cases", CreatedBy: "admin"})
	noted := mustCreate(t, svc, CreateRequest{TaskID: "t-3", Title: "three", CreatedBy: "admin"})
	require.NoError(t, svc.AddNote(ctx, noted.TaskID, "agent-1", "blocked on PARSER refactor"))
	mustCreate(t, svc, CreateRequest{TaskID: "t-4", Title: "unrelated", CreatedBy: "admin"})

	results, err := svc.Search(ctx, "parser", 10)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestListUnassignedOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "one", CreatedBy: "admin", AssignedTo: "agent-1"})
	free := mustCreate(t, svc, CreateRequest{TaskID: "t-2", Title: "two", CreatedBy: "admin"})

	results, err := svc.List(ctx, ListFilter{UnassignedOnly: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, free.TaskID, results[0].TaskID)
}

func TestCreateRecordsAuditAction(t *testing.T) {
	svc, actions := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, CreateRequest{TaskID: "t-1", Title: "one", CreatedBy: "agent-1"})

	recent, err := actions.Recent(ctx, audit.Filter{ActionType: audit.ActionTaskCreated})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "t-1", recent[0].TaskID)
}
