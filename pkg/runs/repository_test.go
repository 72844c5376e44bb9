package runs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/databases"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	db, err := databases.Open(&databases.Config{
		Driver: databases.DialectSQLite, DSN: ":memory:", MaxConns: 1, MaxIdle: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewSQLRepository(db, databases.DialectSQLite)
	require.NoError(t, err)
	return repo
}

func testRun(id string) *Run {
	return &Run{
		ID:         id,
		Scope:      Scope{OrgID: "org-1", UserID: "user-1"},
		SessionKey: "sess-1",
		Input:      "do something",
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusWaiting, true},
		{StatusRunning, StatusSuspended, true},
		{StatusWaiting, StatusRunning, true},
		{StatusSuspended, StatusRunning, true},
		{StatusSuspended, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCancelled, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := testRun("run-1")
	run.Metadata = map[string]any{"source": "test"}
	require.NoError(t, repo.Create(ctx, run))
	assert.Equal(t, StatusPending, run.Status)

	got, err := repo.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.Scope.OrgID)
	assert.Equal(t, DefaultAgentID, got.AgentID)
	assert.Equal(t, "test", got.Metadata["source"])

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testRun("run-1")))

	run, err := repo.Transition(ctx, "run-1", StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.NotNil(t, run.StartedAt)

	// pending is never re-entered.
	_, err = repo.Transition(ctx, "run-1", StatusPending)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	run, err = repo.Transition(ctx, "run-1", StatusSuspended)
	require.NoError(t, err)
	assert.NotNil(t, run.SuspendedAt)

	run, err = repo.Transition(ctx, "run-1", StatusRunning)
	require.NoError(t, err)

	run, err = repo.Transition(ctx, "run-1", StatusCompleted)
	require.NoError(t, err)
	assert.NotNil(t, run.EndedAt)

	// Terminal states are final.
	_, err = repo.Transition(ctx, "run-1", StatusRunning)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCancelIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testRun("run-1")))

	run, err := repo.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, run.Status)
	assert.NotNil(t, run.CancelledAt)

	again, err := repo.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestCancelCompletedRunIsNoop(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testRun("run-1")))
	_, err := repo.Transition(ctx, "run-1", StatusRunning)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, "run-1", StatusCompleted)
	require.NoError(t, err)

	run, err := repo.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Nil(t, run.CancelledAt)
}

func TestOutputErrorMetadataRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testRun("run-1")))

	require.NoError(t, repo.SetOutput(ctx, "run-1", "final answer"))
	require.NoError(t, repo.SetError(ctx, "run-1", &RunError{Code: CodeMaxSteps, Message: "step budget exhausted"}))
	require.NoError(t, repo.SetMetadata(ctx, "run-1", map[string]any{"group_round": 2}))

	got, err := repo.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "final answer", got.Output)
	require.NotNil(t, got.Error)
	assert.Equal(t, CodeMaxSteps, got.Error.Code)
	assert.EqualValues(t, 2, got.Metadata["group_round"])
}

func TestParentScopeEnforcedOnCreate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testRun("parent-1")))

	child := testRun("child-1")
	child.ParentRunID = "parent-1"
	child.Scope = Scope{OrgID: "other-org", UserID: "user-1"}
	err := repo.Create(ctx, child)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different scope")

	child.Scope = Scope{OrgID: "org-1", UserID: "user-1"}
	require.NoError(t, repo.Create(ctx, child))
}

func TestListByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	for _, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, repo.Create(ctx, testRun(id)))
	}
	_, err := repo.Transition(ctx, "run-b", StatusRunning)
	require.NoError(t, err)

	pending, err := repo.ListByStatus(ctx, StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	running, err := repo.ListByStatus(ctx, StatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "run-b", running[0].ID)
}

func TestDependencyLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testRun("parent-1")))
	child := testRun("child-1")
	child.ParentRunID = "parent-1"
	require.NoError(t, repo.Create(ctx, child))

	dep := &Dependency{
		ParentRunID: "parent-1",
		ChildRunID:  "child-1",
		ToolCallID:  "call-1",
		Goal:        "count the apples",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.CreateDependency(ctx, dep))

	// One dependency row per (parent, child).
	err := repo.CreateDependency(ctx, dep)
	assert.ErrorIs(t, err, ErrDependencyExists)

	byCall, err := repo.GetDependencyByCall(ctx, "parent-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, "count the apples", byCall.Goal)

	resolved, err := repo.ResolveDependency(ctx, "child-1", DependencyCompleted, "42 apples", "")
	require.NoError(t, err)
	assert.Equal(t, DependencyCompleted, resolved.Status)
	assert.Equal(t, "42 apples", resolved.Result)
	assert.NotNil(t, resolved.ResolvedAt)
}
