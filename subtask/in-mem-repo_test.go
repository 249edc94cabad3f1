package subtask_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evalgrid/backend/srvcerror"
	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func pendingRow() subtask.Row {
	return subtask.Row{
		ID: uuid.New(), TaskID: "task-1", TestCaseID: "tc-1", ModelID: "m1",
		DimensionID: "accuracy", EvaluatorID: "judge", RepetitionIndex: 1,
		Status: subtask.StatusPending, CreatedAt: time.Now(),
	}
}

func TestTransitionStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := subtask.NewInMemRowRepo()
	row := pendingRow()
	require.NoError(t, repo.Save(ctx, row))

	running := row.MarkRunning(time.Now())
	require.NoError(t, repo.TransitionStatus(ctx, subtask.StatusPending, running))

	// the second claimer loses: the stored status is no longer pending
	err := repo.TransitionStatus(ctx, subtask.StatusPending, running)
	require.Error(t, err)
	srvcErr := &srvcerror.Error{}
	require.True(t, errors.As(err, &srvcErr))
	require.Equal(t, subtask.ErrCodeStatusConflict, srvcErr.ErrorCode())

	score := 7.0
	resp := "answer"
	completed := running.MarkCompleted(&score, &resp, time.Now())
	require.NoError(t, repo.TransitionStatus(ctx, subtask.StatusRunning, completed))

	stored, err := repo.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusCompleted, stored.Status)
}

func TestSetDependenciesResolvedIsMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := subtask.NewInMemRowRepo()
	row := pendingRow()
	require.NoError(t, repo.Save(ctx, row))

	// redundant recomputation is explicitly safe
	require.NoError(t, repo.SetDependenciesResolved(ctx, row.ID))
	require.NoError(t, repo.SetDependenciesResolved(ctx, row.ID))

	stored, err := repo.Get(ctx, row.ID)
	require.NoError(t, err)
	require.True(t, stored.DependenciesResolved)
}

func TestListFiltersByEquality(t *testing.T) {
	ctx := context.Background()
	repo := subtask.NewInMemRowRepo()

	a := pendingRow()
	b := pendingRow()
	b.ModelID = "m2"
	c := pendingRow()
	c.TaskID = "task-2"
	for _, row := range []subtask.Row{a, b, c} {
		require.NoError(t, repo.Save(ctx, row))
	}

	taskID := "task-1"
	modelID := "m1"
	rows, err := repo.List(ctx, subtask.RowFilter{TaskID: &taskID, ModelID: &modelID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, a.ID, rows[0].ID)

	status := subtask.StatusPending
	rows, err = repo.List(ctx, subtask.RowFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestStatusViews(t *testing.T) {
	row := pendingRow()

	_, ok := row.Completed()
	require.False(t, ok)

	score := 9.0
	resp := "answer"
	completed := row.MarkCompleted(&score, &resp, time.Now())
	view, ok := completed.Completed()
	require.True(t, ok)
	require.Equal(t, 9.0, *view.Score)

	failed := row.MarkFailed("boom", time.Now())
	fview, ok := failed.Failed()
	require.True(t, ok)
	require.Equal(t, "boom", fview.Error)
	_, ok = failed.Completed()
	require.False(t, ok)
}

func TestResetToPending(t *testing.T) {
	row := pendingRow()
	score := 3.0
	resp := "answer"
	completed := row.MarkCompleted(&score, &resp, time.Now())

	t.Run("fresh run drops the response", func(t *testing.T) {
		reset := completed.ResetToPending(false, time.Now())
		require.Equal(t, subtask.StatusPending, reset.Status)
		require.Nil(t, reset.Score)
		require.Nil(t, reset.RawResponse)
		require.Nil(t, reset.CompletedAt)
	})

	t.Run("re-evaluation keeps the response", func(t *testing.T) {
		reset := completed.ResetToPending(true, time.Now())
		require.NotNil(t, reset.RawResponse)
		require.Equal(t, resp, *reset.RawResponse)
		require.Nil(t, reset.Score)
	})
}
