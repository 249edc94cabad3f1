package depsrvc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
)

// evaluator class priorities: CODE runs first, PROMPT last within a
// dimension, everything else in between and independent
const (
	PriorityCode        = 1.0
	PriorityIndependent = 1.5
	PriorityPrompt      = 2.0
)

// DepSrvc computes and persists evaluator-level and row-level
// dependency edges and answers whether a row may execute now.
type DepSrvc struct {
	logger  *slog.Logger
	rows    subtask.RowRepo
	edges   subtask.EdgeRepo
	catalog subtask.Catalog
}

func New(logger *slog.Logger, rows subtask.RowRepo, edges subtask.EdgeRepo, catalog subtask.Catalog) *DepSrvc {
	return &DepSrvc{
		logger:  logger.With("module", "dep"),
		rows:    rows,
		edges:   edges,
		catalog: catalog,
	}
}

// ComputeEvaluatorDependencies resolves the dependency class of every
// evaluator mapped into the template. CODE evaluators have no
// prerequisites, PROMPT evaluators depend on all CODE evaluators in
// the same dimension, all other classes are independent. Results are
// persisted so repeated calls are cheap reads.
func (s *DepSrvc) ComputeEvaluatorDependencies(ctx context.Context, templateID string) ([]subtask.EvaluatorDependency, error) {
	stored, err := s.edges.GetEvaluatorDeps(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		return stored, nil
	}

	bindings, err := s.catalog.TemplateBindings(ctx, templateID)
	if err != nil {
		return nil, err
	}

	type dimEvaluators struct {
		code   []string
		prompt []string
		other  []string
	}
	byDim := make(map[string]*dimEvaluators)
	dimOrder := []string{}
	evalTypes := make(map[string]subtask.EvaluatorType)
	for _, b := range bindings {
		ev, err := s.catalog.Evaluator(ctx, b.EvaluatorID)
		if err != nil {
			return nil, err
		}
		evalTypes[b.EvaluatorID] = ev.Type
		group, ok := byDim[b.DimensionID]
		if !ok {
			group = &dimEvaluators{}
			byDim[b.DimensionID] = group
			dimOrder = append(dimOrder, b.DimensionID)
		}
		switch ev.Type {
		case subtask.EvaluatorCode:
			group.code = append(group.code, b.EvaluatorID)
		case subtask.EvaluatorPrompt:
			group.prompt = append(group.prompt, b.EvaluatorID)
		default:
			group.other = append(group.other, b.EvaluatorID)
		}
	}

	deps := []subtask.EvaluatorDependency{}
	for _, dimID := range dimOrder {
		group := byDim[dimID]
		for _, id := range group.code {
			deps = append(deps, subtask.EvaluatorDependency{
				TemplateID:  templateID,
				EvaluatorID: id,
				Priority:    PriorityCode,
				Type:        evalTypes[id],
			})
		}
		for _, id := range group.other {
			deps = append(deps, subtask.EvaluatorDependency{
				TemplateID:  templateID,
				EvaluatorID: id,
				Priority:    PriorityIndependent,
				Type:        evalTypes[id],
			})
		}
		for _, id := range group.prompt {
			prereqs := make([]string, len(group.code))
			copy(prereqs, group.code)
			deps = append(deps, subtask.EvaluatorDependency{
				TemplateID:  templateID,
				EvaluatorID: id,
				DependsOn:   prereqs,
				Priority:    PriorityPrompt,
				Type:        evalTypes[id],
			})
		}
	}

	if err := s.edges.UpsertEvaluatorDeps(ctx, templateID, deps); err != nil {
		return nil, err
	}
	return deps, nil
}

// MaterializeRowDependencies instantiates row-level edges from the
// evaluator-level edges of the task's template. Edges are created
// within each execution group sharing (test case, model), between rows
// of the same dimension and repetition index.
func (s *DepSrvc) MaterializeRowDependencies(ctx context.Context, taskID string, templateID string) error {
	deps, err := s.ComputeEvaluatorDependencies(ctx, templateID)
	if err != nil {
		return err
	}
	prereqsOf := make(map[string][]string)
	for _, dep := range deps {
		if len(dep.DependsOn) > 0 {
			prereqsOf[dep.EvaluatorID] = dep.DependsOn
		}
	}
	if len(prereqsOf) == 0 {
		return nil
	}

	rows, err := s.rows.List(ctx, subtask.RowFilter{TaskID: &taskID})
	if err != nil {
		return err
	}

	type groupKey struct {
		testCaseID string
		modelID    string
		dimID      string
		repetition int
	}
	byGroupAndEval := make(map[groupKey]map[string][]uuid.UUID)
	for _, row := range rows {
		key := groupKey{row.TestCaseID, row.ModelID, row.DimensionID, row.RepetitionIndex}
		if byGroupAndEval[key] == nil {
			byGroupAndEval[key] = make(map[string][]uuid.UUID)
		}
		byGroupAndEval[key][row.EvaluatorID] = append(byGroupAndEval[key][row.EvaluatorID], row.ID)
	}

	edges := []subtask.RowEdge{}
	for _, byEval := range byGroupAndEval {
		for evalID, rowIDs := range byEval {
			prereqs, ok := prereqsOf[evalID]
			if !ok {
				continue
			}
			for _, prereqEval := range prereqs {
				for _, prereqRowID := range byEval[prereqEval] {
					for _, rowID := range rowIDs {
						edges = append(edges, subtask.RowEdge{
							FromRowID: rowID,
							ToRowID:   prereqRowID,
						})
					}
				}
			}
		}
	}

	if len(edges) == 0 {
		return nil
	}
	if err := s.edges.UpsertRowEdges(ctx, edges); err != nil {
		return err
	}
	s.logger.Info("materialized row dependencies",
		"task_id", taskID, "edge_count", len(edges))
	return nil
}

// ExecutionGate is the answer to "can this row execute now?"
type ExecutionGate struct {
	CanExecute bool
	Reason     string
	BlockedBy  []uuid.UUID
}

// CanExecute returns false for rows that already completed; otherwise
// it inspects unresolved edges. Once every prerequisite is completed
// the cached dependencies_resolved flag is flipped so subsequent calls
// skip the edge fan-out entirely.
func (s *DepSrvc) CanExecute(ctx context.Context, rowID uuid.UUID) (ExecutionGate, error) {
	row, err := s.rows.Get(ctx, rowID)
	if err != nil {
		return ExecutionGate{}, err
	}
	if row.Status == subtask.StatusCompleted {
		return ExecutionGate{
			CanExecute: false,
			Reason:     "row already completed",
		}, nil
	}
	if row.DependenciesResolved {
		return ExecutionGate{CanExecute: true, Reason: "dependencies resolved"}, nil
	}

	edges, err := s.edges.ListEdgesFrom(ctx, rowID)
	if err != nil {
		return ExecutionGate{}, err
	}

	blockedBy := []uuid.UUID{}
	for _, edge := range edges {
		if edge.Resolved {
			continue
		}
		prereq, err := s.rows.Get(ctx, edge.ToRowID)
		if err != nil {
			return ExecutionGate{}, err
		}
		if prereq.Status == subtask.StatusCompleted {
			if err := s.edges.MarkResolved(ctx, edge.FromRowID, edge.ToRowID); err != nil {
				return ExecutionGate{}, err
			}
			continue
		}
		blockedBy = append(blockedBy, edge.ToRowID)
	}

	if len(blockedBy) > 0 {
		return ExecutionGate{
			CanExecute: false,
			Reason:     fmt.Sprintf("waiting on %d prerequisite rows", len(blockedBy)),
			BlockedBy:  blockedBy,
		}, nil
	}

	if err := s.rows.SetDependenciesResolved(ctx, rowID); err != nil {
		return ExecutionGate{}, err
	}
	return ExecutionGate{CanExecute: true, Reason: "dependencies resolved"}, nil
}

// ResolveDependents marks every edge pointing at the completed row as
// resolved and returns the dependent rows that became fully unblocked.
// The queue processor pushes those rows immediately instead of waiting
// for a scan.
func (s *DepSrvc) ResolveDependents(ctx context.Context, completedRowID uuid.UUID) ([]uuid.UUID, error) {
	edges, err := s.edges.ListEdgesTo(ctx, completedRowID)
	if err != nil {
		return nil, err
	}
	unblocked := []uuid.UUID{}
	for _, edge := range edges {
		if !edge.Resolved {
			if err := s.edges.MarkResolved(ctx, edge.FromRowID, edge.ToRowID); err != nil {
				return nil, err
			}
		}
		gate, err := s.CanExecute(ctx, edge.FromRowID)
		if err != nil {
			return nil, err
		}
		if gate.CanExecute {
			unblocked = append(unblocked, edge.FromRowID)
		}
	}
	sort.Slice(unblocked, func(i, j int) bool {
		return unblocked[i].String() < unblocked[j].String()
	})
	return unblocked, nil
}
