package aggsrvc_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/evalgrid/backend/aggsrvc"
	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scoredRow(taskID string, tcID string, modelID string, dimID string, rep int, score float64) subtask.Row {
	now := time.Now()
	resp := "answer"
	return subtask.Row{
		ID: uuid.New(), TaskID: taskID, TestCaseID: tcID, ModelID: modelID,
		DimensionID: dimID, EvaluatorID: "judge", RepetitionIndex: rep,
		Status: subtask.StatusCompleted, Score: &score, RawResponse: &resp,
		CreatedAt: now, CompletedAt: &now,
	}
}

func TestStandardizedScoringNormalizesPerQuestion(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()
	catalog := subtask.NewInMemCatalog()
	catalog.Tests["tc-hard"] = subtask.TestCase{ID: "tc-hard", MaxScore: 10}
	catalog.Tests["tc-easy"] = subtask.TestCase{ID: "tc-easy", MaxScore: 5}

	// 8/10 and 5/5: normalize-then-average gives 90.0, the naive
	// sum-then-divide formula gives (8+5)/(10+5) = 86.7; they must
	// diverge to prove the fair formula is the implemented one
	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-hard", "m1", "accuracy", 1, 8)))
	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-easy", "m1", "accuracy", 1, 5)))

	srvc := aggsrvc.New(discardLogger(), rows, catalog)
	matrix, err := srvc.Aggregate(ctx, aggsrvc.Query{TaskID: "task-1"})
	require.NoError(t, err)
	require.Len(t, matrix.Cells, 1)

	cell := matrix.Cells[0]
	require.Len(t, cell.Runs, 1)
	require.Equal(t, 90.0, cell.Runs[0].Percentage)
	require.NotEqual(t, 86.7, cell.Runs[0].Percentage)
}

func TestRunStatistics(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()
	catalog := subtask.NewInMemCatalog()
	catalog.Tests["tc-1"] = subtask.TestCase{ID: "tc-1", MaxScore: 100}

	for rep, score := range map[int]float64{1: 60, 2: 80, 3: 90, 4: 70} {
		require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-1", "m1", "accuracy", rep, score)))
	}

	srvc := aggsrvc.New(discardLogger(), rows, catalog)
	matrix, err := srvc.Aggregate(ctx, aggsrvc.Query{TaskID: "task-1"})
	require.NoError(t, err)
	require.Len(t, matrix.Cells, 1)

	stats := matrix.Cells[0].Stats
	require.Equal(t, 90.0, stats.Best)
	require.Equal(t, 60.0, stats.Worst)
	require.Equal(t, 75.0, stats.Mean)
	require.InDelta(t, 11.18, stats.Std, 0.01)
	require.Equal(t, 4, stats.CompletedRuns)
	require.Equal(t, 4, stats.TotalRuns)
}

func TestInvalidScoresExcludedFromBothSides(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()
	catalog := subtask.NewInMemCatalog()
	catalog.Tests["tc-1"] = subtask.TestCase{ID: "tc-1", MaxScore: 10}
	catalog.Tests["tc-2"] = subtask.TestCase{ID: "tc-2", MaxScore: 10}

	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-1", "m1", "accuracy", 1, 8)))
	// unscored completed row: excluded from numerator and denominator,
	// not treated as zero
	unscored := scoredRow("task-1", "tc-2", "m1", "accuracy", 1, 0)
	unscored.Score = nil
	require.NoError(t, rows.Save(ctx, unscored))

	srvc := aggsrvc.New(discardLogger(), rows, catalog)
	matrix, err := srvc.Aggregate(ctx, aggsrvc.Query{TaskID: "task-1"})
	require.NoError(t, err)

	run := matrix.Cells[0].Runs[0]
	require.Equal(t, 80.0, run.Percentage)
	require.Equal(t, 1, run.ScoredRows)
	require.Equal(t, 2, run.TotalRows)

	t.Run("zero score is invalid, not a scored zero", func(t *testing.T) {
		// a completed row with score 0 reads as a scoring failure, same
		// as the retry eligibility heuristic; it leaves the run average
		// at 80.0 instead of pulling it to 40.0
		zero := scoredRow("task-1", "tc-2", "m1", "accuracy", 1, 0)
		require.NoError(t, rows.Save(ctx, zero))

		matrix, err := srvc.Aggregate(ctx, aggsrvc.Query{TaskID: "task-1"})
		require.NoError(t, err)
		run := matrix.Cells[0].Runs[0]
		require.Equal(t, 80.0, run.Percentage)
		require.Equal(t, 1, run.ScoredRows)
		require.Equal(t, 3, run.TotalRows)
	})
}

func TestChampionsAndRankings(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()
	catalog := subtask.NewInMemCatalog()
	catalog.Tests["tc-1"] = subtask.TestCase{ID: "tc-1", MaxScore: 10}

	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-1", "m1", "accuracy", 1, 9)))
	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-1", "m2", "accuracy", 1, 6)))
	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-1", "m1", "style", 1, 5)))
	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-1", "m2", "style", 1, 8)))

	srvc := aggsrvc.New(discardLogger(), rows, catalog)
	matrix, err := srvc.Aggregate(ctx, aggsrvc.Query{TaskID: "task-1"})
	require.NoError(t, err)

	champions := aggsrvc.Champions(matrix)
	require.Len(t, champions, 2)
	require.Equal(t, "accuracy", champions[0].DimensionID)
	require.Equal(t, "m1", champions[0].ModelID)
	require.Equal(t, "style", champions[1].DimensionID)
	require.Equal(t, "m2", champions[1].ModelID)

	rankings := aggsrvc.Rankings(matrix)
	require.Len(t, rankings, 2)
	// m1: (90+50)/2 = 70, m2: (60+80)/2 = 70, so the tie breaks on model id
	require.Equal(t, "m1", rankings[0].ModelID)
	require.Equal(t, 70.0, rankings[0].OverallMean)
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	rows := subtask.NewInMemRowRepo()
	catalog := subtask.NewInMemCatalog()
	catalog.Tests["tc-1"] = subtask.TestCase{ID: "tc-1", MaxScore: 10}

	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-1", "m1", "accuracy", 1, 9)))
	require.NoError(t, rows.Save(ctx, scoredRow("task-1", "tc-1", "m2", "accuracy", 1, 6)))

	srvc := aggsrvc.New(discardLogger(), rows, catalog)
	modelID := "m1"
	matrix, err := srvc.Aggregate(ctx, aggsrvc.Query{TaskID: "task-1", ModelID: &modelID})
	require.NoError(t, err)
	require.Len(t, matrix.Cells, 1)
	require.Equal(t, "m1", matrix.Cells[0].ModelID)
}
