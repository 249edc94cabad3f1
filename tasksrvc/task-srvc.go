package tasksrvc

import (
	"context"
	"log/slog"
	"time"

	"github.com/evalgrid/backend/depsrvc"
	applog "github.com/evalgrid/backend/logger"
	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
)

// RowEnqueuer pushes freshly executable rows to the queue backend.
// Nil under the poll backend.
type RowEnqueuer interface {
	Push(ctx context.Context, rowIDs ...uuid.UUID) error
}

// TaskSrvc expands a task request into the full row set and prepares
// it for execution.
type TaskSrvc struct {
	logger   *slog.Logger
	rows     subtask.RowRepo
	catalog  subtask.Catalog
	deps     *depsrvc.DepSrvc
	enqueuer RowEnqueuer
}

func New(
	logger *slog.Logger,
	rows subtask.RowRepo,
	catalog subtask.Catalog,
	deps *depsrvc.DepSrvc,
	enqueuer RowEnqueuer,
) *TaskSrvc {
	return &TaskSrvc{
		logger:   logger.With("module", "task"),
		rows:     rows,
		catalog:  catalog,
		deps:     deps,
		enqueuer: enqueuer,
	}
}

type SetupParams struct {
	TaskID      string   `json:"task_id"`
	TemplateID  string   `json:"template_id"`
	TestCaseIDs []string `json:"test_case_ids"`
	ModelIDs    []string `json:"model_ids"`
	Repetitions int      `json:"repetitions"`
}

type SetupResult struct {
	RowCount       int `json:"row_count"`
	ExecutableNow  int `json:"executable_now"`
	DependencyRows int `json:"dependency_rows"`
}

// Setup creates one pending row per (test case × model × template
// binding × repetition), materializes dependency edges between them
// and marks the edge-free rows as executable. In queue mode the
// executable set is pushed immediately; the poll backend discovers it
// on its next scan.
func (s *TaskSrvc) Setup(ctx context.Context, p SetupParams) (SetupResult, error) {
	if err := s.validate(ctx, p); err != nil {
		return SetupResult{}, err
	}

	bindings, err := s.catalog.TemplateBindings(ctx, p.TemplateID)
	if err != nil {
		return SetupResult{}, err
	}
	if len(bindings) == 0 {
		return SetupResult{}, ErrTemplateHasNoBindings(p.TemplateID)
	}

	now := time.Now()
	rowIDs := []uuid.UUID{}
	for _, tcID := range p.TestCaseIDs {
		for _, modelID := range p.ModelIDs {
			for _, binding := range bindings {
				for rep := 1; rep <= p.Repetitions; rep++ {
					id, err := uuid.NewV7()
					if err != nil {
						return SetupResult{}, err
					}
					row := subtask.Row{
						ID:              id,
						TaskID:          p.TaskID,
						TestCaseID:      tcID,
						ModelID:         modelID,
						DimensionID:     binding.DimensionID,
						EvaluatorID:     binding.EvaluatorID,
						RepetitionIndex: rep,
						Status:          subtask.StatusPending,
						CreatedAt:       now,
					}
					if err := s.rows.Save(ctx, row); err != nil {
						return SetupResult{}, err
					}
					rowIDs = append(rowIDs, id)
				}
			}
		}
	}

	if err := s.deps.MaterializeRowDependencies(ctx, p.TaskID, p.TemplateID); err != nil {
		return SetupResult{}, err
	}

	// flip the resolved flag on edge-free rows so the scan loop sees
	// them; blocked rows flip later via ResolveDependents
	executable := []uuid.UUID{}
	for _, id := range rowIDs {
		gate, err := s.deps.CanExecute(ctx, id)
		if err != nil {
			return SetupResult{}, err
		}
		if gate.CanExecute {
			executable = append(executable, id)
		}
	}

	if s.enqueuer != nil && len(executable) > 0 {
		if err := s.enqueuer.Push(ctx, executable...); err != nil {
			return SetupResult{}, err
		}
	}

	applog.FromContext(ctx, s.logger).Info("task batch created",
		"task_id", p.TaskID,
		"rows", len(rowIDs),
		"executable_now", len(executable))
	return SetupResult{
		RowCount:       len(rowIDs),
		ExecutableNow:  len(executable),
		DependencyRows: len(rowIDs) - len(executable),
	}, nil
}

func (s *TaskSrvc) validate(ctx context.Context, p SetupParams) error {
	if p.TaskID == "" || p.TemplateID == "" {
		return ErrInvalidSetupParams("task_id and template_id are required")
	}
	if len(p.TestCaseIDs) == 0 || len(p.ModelIDs) == 0 {
		return ErrInvalidSetupParams("at least one test case and one model are required")
	}
	if p.Repetitions < 1 {
		return ErrInvalidSetupParams("repetitions must be at least 1")
	}

	cases, err := s.catalog.TestCases(ctx, p.TestCaseIDs)
	if err != nil {
		return err
	}
	for _, id := range p.TestCaseIDs {
		tc, ok := cases[id]
		if !ok {
			return subtask.ErrTestCaseNotFound()
		}
		if err := tc.IsValid(); err != nil {
			return err
		}
	}
	return nil
}
