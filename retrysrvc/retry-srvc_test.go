package retrysrvc_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/evalgrid/backend/modelcall"
	"github.com/evalgrid/backend/retrysrvc"
	"github.com/evalgrid/backend/srvcerror"
	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingEnqueuer struct{}

func (failingEnqueuer) Push(ctx context.Context, rowIDs ...uuid.UUID) error {
	return fmt.Errorf("queue is gone")
}

type recordingEnqueuer struct {
	pushed []uuid.UUID
}

func (r *recordingEnqueuer) Push(ctx context.Context, rowIDs ...uuid.UUID) error {
	r.pushed = append(r.pushed, rowIDs...)
	return nil
}

func setupCatalog() *subtask.InMemCatalog {
	catalog := subtask.NewInMemCatalog()
	catalog.Evaluators["judge"] = subtask.Evaluator{ID: "judge", Type: subtask.EvaluatorPrompt}
	catalog.Evaluators["strict-judge"] = subtask.Evaluator{ID: "strict-judge", Type: subtask.EvaluatorPrompt}
	catalog.Dimensions["accuracy"] = subtask.Dimension{
		ID: "accuracy", Name: "Accuracy", DefaultEvaluatorID: "judge",
	}
	return catalog
}

func failedRow(taskID string) subtask.Row {
	row := subtask.Row{
		ID: uuid.New(), TaskID: taskID, TestCaseID: "tc-1", ModelID: "m1",
		DimensionID: "accuracy", EvaluatorID: "judge", RepetitionIndex: 1,
		Status: subtask.StatusPending, CreatedAt: time.Now(),
	}
	return row.MarkFailed("model call failed", time.Now())
}

func TestRetryReopensFailedRow(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()
	row := failedRow("task-1")
	require.NoError(t, rows.Save(ctx, row))

	enq := &recordingEnqueuer{}
	srvc := retrysrvc.New(discardLogger(), rows, setupCatalog(), modelcall.NewRegistry(nil), enq)

	result, err := srvc.Retry(ctx, "task-1", retrysrvc.RetryRequest{
		SubtaskID: row.ID.String(),
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.SubmittedCount)
	require.Equal(t, 0, result.FailedCount)
	require.Equal(t, []uuid.UUID{row.ID}, enq.pushed)

	stored, err := rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusPending, stored.Status)
	require.Nil(t, stored.ErrorMessage)
	require.Nil(t, stored.Score)
}

func TestRetryKeepsResponseOnReEvaluation(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()
	row := failedRow("task-1")
	resp := "the model said something"
	row.RawResponse = &resp
	require.NoError(t, rows.Save(ctx, row))

	srvc := retrysrvc.New(discardLogger(), rows, setupCatalog(), modelcall.NewRegistry(nil), nil)

	_, err := srvc.Retry(ctx, "task-1", retrysrvc.RetryRequest{
		SubtaskID:        row.ID.String(),
		ReEvaluationOnly: true,
	})
	require.NoError(t, err)

	stored, err := rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RawResponse)
	require.Equal(t, resp, *stored.RawResponse)
}

func TestRetryNoEligibleRowsFailsFast(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()

	// a healthy completed row: valid score and justification
	row := subtask.Row{
		ID: uuid.New(), TaskID: "task-1", TestCaseID: "tc-1", ModelID: "m1",
		DimensionID: "accuracy", EvaluatorID: "judge", RepetitionIndex: 1,
		Status: subtask.StatusPending, CreatedAt: time.Now(),
	}
	score := 85.0
	resp := "answer"
	row = row.MarkCompleted(&score, &resp, time.Now())
	just := "well reasoned answer"
	row.Justification = &just
	require.NoError(t, rows.Save(ctx, row))

	srvc := retrysrvc.New(discardLogger(), rows, setupCatalog(), modelcall.NewRegistry(nil), nil)

	_, err := srvc.Retry(ctx, "task-1", retrysrvc.RetryRequest{
		SubtaskID: row.ID.String(),
	})
	require.Error(t, err)
	srvcErr := &srvcerror.Error{}
	require.True(t, errors.As(err, &srvcErr))
	require.Equal(t, retrysrvc.ErrCodeNoEligibleRows, srvcErr.ErrorCode())

	t.Run("force makes the healthy row eligible", func(t *testing.T) {
		result, err := srvc.Retry(ctx, "task-1", retrysrvc.RetryRequest{
			SubtaskID:  row.ID.String(),
			ForceRetry: true,
		})
		require.NoError(t, err)
		require.Equal(t, 1, result.SubmittedCount)
	})
}

func TestRetryRollsBackOnFailedPush(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()
	row := failedRow("task-1")
	require.NoError(t, rows.Save(ctx, row))

	srvc := retrysrvc.New(discardLogger(), rows, setupCatalog(), modelcall.NewRegistry(nil), failingEnqueuer{})

	result, err := srvc.Retry(ctx, "task-1", retrysrvc.RetryRequest{
		SubtaskID: row.ID.String(),
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, 1, result.FailedCount)
	require.Equal(t, retrysrvc.CauseProcessorUnavailable, result.Details[0].Cause)

	// the row must not be left stuck pending on a dead processor
	stored, err := rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusFailed, stored.Status)
}

func TestRetryEvaluatorOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("override naming an evaluator", func(t *testing.T) {
		rows := subtask.NewInMemRowRepo()
		row := failedRow("task-1")
		require.NoError(t, rows.Save(ctx, row))
		srvc := retrysrvc.New(discardLogger(), rows, setupCatalog(), modelcall.NewRegistry(nil), nil)

		override := "strict-judge"
		_, err := srvc.Retry(ctx, "task-1", retrysrvc.RetryRequest{
			SubtaskID:   row.ID.String(),
			EvaluatorID: &override,
		})
		require.NoError(t, err)

		stored, err := rows.Get(ctx, row.ID)
		require.NoError(t, err)
		require.Equal(t, "strict-judge", stored.Metadata[subtask.MetaEvalOverrideEvaluatorID])
	})

	t.Run("override naming a model synthesizes a row-scoped config", func(t *testing.T) {
		rows := subtask.NewInMemRowRepo()
		row := failedRow("task-1")
		require.NoError(t, rows.Save(ctx, row))
		registry := modelcall.NewRegistry([]modelcall.ProviderConf{
			{ID: "acme", Models: []string{"acme-large"}},
		})
		srvc := retrysrvc.New(discardLogger(), rows, setupCatalog(), registry, nil)

		override := "acme-large"
		_, err := srvc.Retry(ctx, "task-1", retrysrvc.RetryRequest{
			SubtaskID:   row.ID.String(),
			EvaluatorID: &override,
		})
		require.NoError(t, err)

		stored, err := rows.Get(ctx, row.ID)
		require.NoError(t, err)
		require.Equal(t, "acme-large", stored.Metadata[subtask.MetaEvalOverrideModelID])
		require.Empty(t, stored.Metadata[subtask.MetaEvalOverrideEvaluatorID])
	})

	t.Run("unresolvable everything aborts the row", func(t *testing.T) {
		rows := subtask.NewInMemRowRepo()
		row := failedRow("task-1")
		row.EvaluatorID = "gone"
		row.DimensionID = "unknown-dim"
		require.NoError(t, rows.Save(ctx, row))
		srvc := retrysrvc.New(discardLogger(), rows, setupCatalog(), modelcall.NewRegistry(nil), nil)

		result, err := srvc.Retry(ctx, "task-1", retrysrvc.RetryRequest{
			SubtaskID: row.ID.String(),
		})
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Equal(t, retrysrvc.CauseEvaluatorMisconfigured, result.Details[0].Cause)
	})
}
