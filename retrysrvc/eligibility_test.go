package retrysrvc

import (
	"testing"
	"time"

	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func completedRow(score *float64, response *string, justification *string, reasoning *string) subtask.Row {
	now := time.Now()
	return subtask.Row{
		ID:            uuid.New(),
		Status:        subtask.StatusCompleted,
		Score:         score,
		RawResponse:   response,
		Justification: justification,
		Reasoning:     reasoning,
		CompletedAt:   &now,
	}
}

func strPtr(s string) *string { return &s }

func fPtr(f float64) *float64 { return &f }

func TestClassifyEligibility(t *testing.T) {
	t.Run("failed row is an execution failure", func(t *testing.T) {
		row := subtask.Row{Status: subtask.StatusFailed}
		reason, ok := classifyEligibility(&row, false)
		require.True(t, ok)
		require.Equal(t, ReasonExecutionFailure, reason)
	})

	t.Run("completed with nil score and empty feedback is eligible", func(t *testing.T) {
		row := completedRow(nil, strPtr("model answered"), nil, nil)
		reason, ok := classifyEligibility(&row, false)
		require.True(t, ok)
		require.Equal(t, ReasonEvaluationFailure, reason)
	})

	t.Run("completed with valid score and justification is not eligible", func(t *testing.T) {
		row := completedRow(fPtr(85), strPtr("model answered"), strPtr("good answer"), nil)
		_, ok := classifyEligibility(&row, false)
		require.False(t, ok)
	})

	t.Run("force makes every row eligible", func(t *testing.T) {
		healthy := completedRow(fPtr(85), strPtr("model answered"), strPtr("good answer"), nil)
		reason, ok := classifyEligibility(&healthy, true)
		require.True(t, ok)
		require.Equal(t, ReasonForced, reason)

		broken := completedRow(nil, strPtr("model answered"), nil, nil)
		reason, ok = classifyEligibility(&broken, true)
		require.True(t, ok)
		require.Equal(t, ReasonForced, reason)
	})
}

func TestIsEvaluationFailure(t *testing.T) {
	t.Run("marker substring in justification", func(t *testing.T) {
		row := completedRow(nil, strPtr("answer"), strPtr("Judge error: upstream timeout"), nil)
		require.True(t, isEvaluationFailure(&row))
	})

	t.Run("marker substring in reasoning", func(t *testing.T) {
		row := completedRow(nil, strPtr("answer"), nil, strPtr("Traceback (most recent call last)"))
		require.True(t, isEvaluationFailure(&row))
	})

	t.Run("generic failed token on unscored row", func(t *testing.T) {
		row := completedRow(nil, strPtr("answer"), strPtr("scoring step failed"), nil)
		require.True(t, isEvaluationFailure(&row))
	})

	t.Run("zero score counts as invalid", func(t *testing.T) {
		row := completedRow(fPtr(0), strPtr("answer"), nil, nil)
		require.True(t, isEvaluationFailure(&row))
	})

	t.Run("no response means the row never ran", func(t *testing.T) {
		row := completedRow(nil, nil, nil, nil)
		require.False(t, isEvaluationFailure(&row))
	})

	t.Run("valid score with substantive feedback is healthy", func(t *testing.T) {
		row := completedRow(fPtr(42), strPtr("answer"), strPtr("partially correct"), nil)
		require.False(t, isEvaluationFailure(&row))
	})

	t.Run("pending row is never an evaluation failure", func(t *testing.T) {
		row := subtask.Row{Status: subtask.StatusPending}
		require.False(t, isEvaluationFailure(&row))
	})
}
