package subtask

import (
	"context"

	"github.com/google/uuid"
)

// RowFilter is an equality filter over subtask rows. Nil fields match
// everything.
type RowFilter struct {
	TaskID               *string
	TestCaseID           *string
	ModelID              *string
	DimensionID          *string
	RepetitionIndex      *int
	Status               *Status
	DependenciesResolved *bool
}

func (f RowFilter) Matches(r *Row) bool {
	if f.TaskID != nil && r.TaskID != *f.TaskID {
		return false
	}
	if f.TestCaseID != nil && r.TestCaseID != *f.TestCaseID {
		return false
	}
	if f.ModelID != nil && r.ModelID != *f.ModelID {
		return false
	}
	if f.DimensionID != nil && r.DimensionID != *f.DimensionID {
		return false
	}
	if f.RepetitionIndex != nil && r.RepetitionIndex != *f.RepetitionIndex {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.DependenciesResolved != nil && r.DependenciesResolved != *f.DependenciesResolved {
		return false
	}
	return true
}

// RowRepo is the persistent subtask row storage. Rows are created once
// by task setup, mutated by the execution backend and the retry
// resolver, and read-only consumed by aggregation.
type RowRepo interface {
	Save(ctx context.Context, row Row) error
	Get(ctx context.Context, id uuid.UUID) (Row, error)
	List(ctx context.Context, filter RowFilter) ([]Row, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Row, error)

	// TransitionStatus persists row only if the stored status still
	// equals from. At most one caller wins a given transition; losers
	// get ErrStatusConflict. This is the compare-and-set that keeps
	// two components from moving the same row out of pending/running.
	TransitionStatus(ctx context.Context, from Status, row Row) error

	// SetDependenciesResolved flips the cached dependency flag. The
	// flag is monotonic (false to true only) and safe to set
	// redundantly.
	SetDependenciesResolved(ctx context.Context, id uuid.UUID) error
}

// EdgeRepo stores evaluator-level and row-level dependency edges.
// Evaluator dependencies are upserted keyed by
// (template, evaluator, prerequisite); row edges by (from, to).
type EdgeRepo interface {
	UpsertEvaluatorDeps(ctx context.Context, templateID string, deps []EvaluatorDependency) error
	GetEvaluatorDeps(ctx context.Context, templateID string) ([]EvaluatorDependency, error)

	UpsertRowEdges(ctx context.Context, edges []RowEdge) error
	ListEdgesFrom(ctx context.Context, fromRowID uuid.UUID) ([]RowEdge, error)
	ListEdgesTo(ctx context.Context, toRowID uuid.UUID) ([]RowEdge, error)
	MarkResolved(ctx context.Context, fromRowID uuid.UUID, toRowID uuid.UUID) error
}

// Catalog is the read side of the evaluator / dimension / test case /
// template tables. The admin screens that maintain them are outside
// this service.
type Catalog interface {
	Evaluator(ctx context.Context, id string) (Evaluator, error)
	Dimension(ctx context.Context, id string) (Dimension, error)
	TestCases(ctx context.Context, ids []string) (map[string]TestCase, error)
	TemplateBindings(ctx context.Context, templateID string) ([]TemplateBinding, error)
}
