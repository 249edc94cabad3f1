package aggsrvc

import (
	"context"
	"log/slog"
	"math"

	"github.com/evalgrid/backend/subtask"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// AggSrvc computes standardized scores over the row table. It is a
// pure read-side service; nothing here mutates rows.
type AggSrvc struct {
	logger  *slog.Logger
	rows    subtask.RowRepo
	catalog subtask.Catalog
}

func New(logger *slog.Logger, rows subtask.RowRepo, catalog subtask.Catalog) *AggSrvc {
	return &AggSrvc{
		logger:  logger.With("module", "aggregation"),
		rows:    rows,
		catalog: catalog,
	}
}

// Query scopes the aggregation. ModelID and DimensionID narrow the
// matrix to a slice of it when set.
type Query struct {
	TaskID      string
	ModelID     *string
	DimensionID *string
}

// TestCaseScore is one answered question inside a run.
type TestCaseScore struct {
	TestCaseID string  `json:"test_case_id"`
	RawScore   float64 `json:"raw_score"`
	MaxScore   float64 `json:"max_score"`
	Percentage float64 `json:"percentage"`
}

// RunScore is the stage-one result: one repetition of one model on one
// dimension, standardized to 0-100.
type RunScore struct {
	RepetitionIndex int             `json:"repetition_index"`
	Percentage      float64         `json:"percentage"`
	ScoredRows      int             `json:"scored_rows"`
	TotalRows       int             `json:"total_rows"`
	TestCases       []TestCaseScore `json:"test_cases"`
}

// RunStats is the stage-two result across repetitions. Std is the
// population standard deviation over completed runs.
type RunStats struct {
	Best          float64 `json:"best"`
	Worst         float64 `json:"worst"`
	Mean          float64 `json:"mean"`
	Std           float64 `json:"std"`
	CompletedRuns int     `json:"completed_runs"`
	TotalRuns     int     `json:"total_runs"`
}

// Cell is one model×dimension entry of the matrix.
type Cell struct {
	ModelID     string     `json:"model_id"`
	DimensionID string     `json:"dimension_id"`
	Percentage  float64    `json:"percentage"`
	Stats       RunStats   `json:"stats"`
	Runs        []RunScore `json:"runs"`
}

type Matrix struct {
	TaskID string `json:"task_id"`
	Cells  []Cell `json:"cells"`
}

type Champion struct {
	DimensionID string  `json:"dimension_id"`
	ModelID     string  `json:"model_id"`
	Percentage  float64 `json:"percentage"`
}

type Ranking struct {
	ModelID     string  `json:"model_id"`
	OverallMean float64 `json:"overall_mean"`
}

type runKey struct {
	modelID     string
	dimensionID string
	repetition  int
}

type cellKey struct {
	modelID     string
	dimensionID string
}

// Aggregate builds the score matrix for a task. Scoring always
// normalizes each question by its own max score before averaging;
// summing raw scores and dividing by the summed max would overweight
// hard questions.
func (s *AggSrvc) Aggregate(ctx context.Context, q Query) (Matrix, error) {
	rows, err := s.rows.List(ctx, subtask.RowFilter{
		TaskID:      &q.TaskID,
		ModelID:     q.ModelID,
		DimensionID: q.DimensionID,
	})
	if err != nil {
		return Matrix{}, err
	}

	maxScores, err := s.maxScoresFor(ctx, rows)
	if err != nil {
		return Matrix{}, err
	}

	byRun := map[runKey][]subtask.Row{}
	for _, row := range rows {
		key := runKey{
			modelID:     row.ModelID,
			dimensionID: row.DimensionID,
			repetition:  row.RepetitionIndex,
		}
		byRun[key] = append(byRun[key], row)
	}

	byCell := map[cellKey][]RunScore{}
	for key, runRows := range byRun {
		score := scoreRun(key.repetition, runRows, maxScores)
		ck := cellKey{modelID: key.modelID, dimensionID: key.dimensionID}
		byCell[ck] = append(byCell[ck], score)
	}

	matrix := Matrix{TaskID: q.TaskID}
	cellKeys := maps.Keys(byCell)
	slices.SortFunc(cellKeys, func(a, b cellKey) int {
		if a.modelID != b.modelID {
			return compareStrings(a.modelID, b.modelID)
		}
		return compareStrings(a.dimensionID, b.dimensionID)
	})
	for _, ck := range cellKeys {
		runs := byCell[ck]
		slices.SortFunc(runs, func(a, b RunScore) int {
			return a.RepetitionIndex - b.RepetitionIndex
		})
		stats := statsOverRuns(runs)
		matrix.Cells = append(matrix.Cells, Cell{
			ModelID:     ck.modelID,
			DimensionID: ck.dimensionID,
			Percentage:  stats.Mean,
			Stats:       stats,
			Runs:        runs,
		})
	}
	return matrix, nil
}

// maxScoresFor resolves the max score of every test case referenced by
// the row set in one catalog round trip.
func (s *AggSrvc) maxScoresFor(ctx context.Context, rows []subtask.Row) (map[string]float64, error) {
	seen := map[string]bool{}
	ids := []string{}
	for _, row := range rows {
		if !seen[row.TestCaseID] {
			seen[row.TestCaseID] = true
			ids = append(ids, row.TestCaseID)
		}
	}
	cases, err := s.catalog.TestCases(ctx, ids)
	if err != nil {
		return nil, err
	}
	maxScores := make(map[string]float64, len(cases))
	for id, tc := range cases {
		maxScores[id] = tc.MaxScore
	}
	return maxScores, nil
}

// scoreRun standardizes one repetition. Rows without a valid score or
// without a positive max score are excluded from both the numerator
// and the denominator, never counted as zero. A score of exactly zero
// is invalid too: the retry eligibility heuristic reads it as a
// scoring failure, and aggregation mirrors that reading.
func scoreRun(repetition int, rows []subtask.Row, maxScores map[string]float64) RunScore {
	score := RunScore{
		RepetitionIndex: repetition,
		TotalRows:       len(rows),
	}
	sumNormalized := 0.0
	for _, row := range rows {
		if row.Status != subtask.StatusCompleted || !row.HasValidScore() {
			continue
		}
		max, ok := maxScores[row.TestCaseID]
		if !ok || max <= 0 {
			continue
		}
		normalized := *row.Score / max
		score.ScoredRows++
		sumNormalized += normalized
		score.TestCases = append(score.TestCases, TestCaseScore{
			TestCaseID: row.TestCaseID,
			RawScore:   *row.Score,
			MaxScore:   max,
			Percentage: round1(normalized * 100),
		})
	}
	if score.ScoredRows > 0 {
		score.Percentage = round1(sumNormalized / float64(score.ScoredRows) * 100)
	}
	slices.SortFunc(score.TestCases, func(a, b TestCaseScore) int {
		return compareStrings(a.TestCaseID, b.TestCaseID)
	})
	return score
}

// statsOverRuns computes stage-two statistics. Runs with no scored
// rows count toward TotalRuns but not toward the distribution.
func statsOverRuns(runs []RunScore) RunStats {
	stats := RunStats{TotalRuns: len(runs)}
	values := []float64{}
	for _, run := range runs {
		if run.ScoredRows == 0 {
			continue
		}
		values = append(values, run.Percentage)
	}
	stats.CompletedRuns = len(values)
	if len(values) == 0 {
		return stats
	}

	stats.Best = values[0]
	stats.Worst = values[0]
	sum := 0.0
	for _, v := range values {
		if v > stats.Best {
			stats.Best = v
		}
		if v < stats.Worst {
			stats.Worst = v
		}
		sum += v
	}
	mean := sum / float64(len(values))
	stats.Mean = round1(mean)

	sqDev := 0.0
	for _, v := range values {
		d := v - mean
		sqDev += d * d
	}
	stats.Std = round2(math.Sqrt(sqDev / float64(len(values))))
	return stats
}

// Champions returns the max-scoring model per dimension. Derived from
// the matrix on demand, never stored.
func Champions(m Matrix) []Champion {
	best := map[string]Champion{}
	for _, cell := range m.Cells {
		cur, ok := best[cell.DimensionID]
		if !ok || cell.Percentage > cur.Percentage {
			best[cell.DimensionID] = Champion{
				DimensionID: cell.DimensionID,
				ModelID:     cell.ModelID,
				Percentage:  cell.Percentage,
			}
		}
	}
	champions := maps.Values(best)
	slices.SortFunc(champions, func(a, b Champion) int {
		return compareStrings(a.DimensionID, b.DimensionID)
	})
	return champions
}

// Rankings orders models by their overall mean across dimensions.
func Rankings(m Matrix) []Ranking {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, cell := range m.Cells {
		sums[cell.ModelID] += cell.Percentage
		counts[cell.ModelID]++
	}
	rankings := []Ranking{}
	for modelID, sum := range sums {
		rankings = append(rankings, Ranking{
			ModelID:     modelID,
			OverallMean: round1(sum / float64(counts[modelID])),
		})
	}
	slices.SortFunc(rankings, func(a, b Ranking) int {
		if a.OverallMean != b.OverallMean {
			if a.OverallMean > b.OverallMean {
				return -1
			}
			return 1
		}
		return compareStrings(a.ModelID, b.ModelID)
	})
	return rankings
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
