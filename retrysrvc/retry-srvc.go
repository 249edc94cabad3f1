package retrysrvc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	applog "github.com/evalgrid/backend/logger"
	"github.com/evalgrid/backend/modelcall"
	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
)

// RowEnqueuer pushes reopened rows to the queue backend. Nil when the
// poll backend is active; its next scan picks the rows up instead.
type RowEnqueuer interface {
	Push(ctx context.Context, rowIDs ...uuid.UUID) error
}

// RetrySrvc reopens completed or failed rows so the execution backend
// runs them again. It operates out-of-band of the dispatch loops.
type RetrySrvc struct {
	logger    *slog.Logger
	rows      subtask.RowRepo
	catalog   subtask.Catalog
	providers *modelcall.Registry
	enqueuer  RowEnqueuer
}

func New(
	logger *slog.Logger,
	rows subtask.RowRepo,
	catalog subtask.Catalog,
	providers *modelcall.Registry,
	enqueuer RowEnqueuer,
) *RetrySrvc {
	return &RetrySrvc{
		logger:    logger.With("module", "retry"),
		rows:      rows,
		catalog:   catalog,
		providers: providers,
		enqueuer:  enqueuer,
	}
}

// RetryRequest is the surface exposed to the UI layer.
type RetryRequest struct {
	SubtaskID        string  `json:"subtask_id"`
	EvaluatorID      *string `json:"evaluator_id,omitempty"`
	Reason           *string `json:"reason,omitempty"`
	FreshStart       bool    `json:"fresh_start,omitempty"`
	ForceRetry       bool    `json:"force_retry,omitempty"`
	ReEvaluationOnly bool    `json:"re_evaluation_only,omitempty"`
}

type FailureCause string

const (
	CauseProcessorUnavailable   FailureCause = "processor_unavailable"
	CauseEvaluatorMisconfigured FailureCause = "evaluator_misconfigured"
	CauseStorageError           FailureCause = "storage_error"
	CauseUnknown                FailureCause = "unknown"
)

type RetryDetail struct {
	RowID     string            `json:"row_id"`
	Submitted bool              `json:"submitted"`
	Reason    EligibilityReason `json:"reason,omitempty"`
	Cause     FailureCause      `json:"cause,omitempty"`
	Detail    string            `json:"detail,omitempty"`
}

// RetryResult always reports partial outcomes explicitly: counts plus
// categorized causes, never a single collapsed boolean.
type RetryResult struct {
	Success        bool          `json:"success"`
	SubmittedCount int           `json:"submitted_count"`
	FailedCount    int           `json:"failed_count"`
	Summary        string        `json:"summary"`
	Details        []RetryDetail `json:"details"`
}

// raw technical details reported per batch are bounded; the rest is
// summarized by cause
const maxReportedDetails = 10

// Retry resolves the identifier to concrete rows, filters them by
// eligibility and reopens each eligible row. An empty eligible set
// fails the whole request fast instead of no-opping.
func (s *RetrySrvc) Retry(ctx context.Context, taskID string, req RetryRequest) (RetryResult, error) {
	resolved, err := s.ResolveIDs(ctx, req.SubtaskID, taskID)
	if err != nil {
		return RetryResult{}, err
	}

	rows, err := s.rows.ListByIDs(ctx, resolved.RealIDs)
	if err != nil {
		return RetryResult{}, err
	}

	type eligibleRow struct {
		row    subtask.Row
		reason EligibilityReason
	}
	eligible := []eligibleRow{}
	for _, row := range rows {
		reason, ok := classifyEligibility(&row, req.ForceRetry)
		if !ok {
			continue // healthy rows are skipped silently
		}
		eligible = append(eligible, eligibleRow{row: row, reason: reason})
	}
	if len(eligible) == 0 {
		return RetryResult{}, ErrNoEligibleRows(len(rows))
	}

	result := RetryResult{}
	causeCounts := map[FailureCause]int{}
	for _, e := range eligible {
		detail := s.retryRow(ctx, e.row, e.reason, req)
		if detail.Submitted {
			result.SubmittedCount++
		} else {
			result.FailedCount++
			causeCounts[detail.Cause]++
		}
		if len(result.Details) < maxReportedDetails {
			result.Details = append(result.Details, detail)
		}
	}

	result.Success = result.FailedCount == 0
	result.Summary = buildSummary(result.SubmittedCount, result.FailedCount, causeCounts)
	applog.FromContext(ctx, s.logger).Info("retry batch finished",
		"task_id", taskID,
		"submitted", result.SubmittedCount,
		"failed", result.FailedCount)
	return result, nil
}

// retryRow reopens one row. The evaluator fallback chain is explicit
// override, then dimension default, then the row's existing
// evaluator; if none resolve the row is aborted. A failed queue push
// rolls the row back to its previous status so it is not left stuck
// pending on a dead processor.
func (s *RetrySrvc) retryRow(ctx context.Context, row subtask.Row, reason EligibilityReason, req RetryRequest) RetryDetail {
	detail := RetryDetail{RowID: row.ID.String(), Reason: reason}

	meta, err := s.resolveRetryEvaluator(ctx, &row, req)
	if err != nil {
		detail.Cause = CauseEvaluatorMisconfigured
		detail.Detail = err.Error()
		return detail
	}

	previous := row
	reset := row.ResetToPending(req.ReEvaluationOnly, time.Now())
	reset.Metadata = meta
	if req.FreshStart {
		// full restart: recompute the dependency cache as well
		reset.DependenciesResolved = false
	}

	if err := s.rows.TransitionStatus(ctx, previous.Status, reset); err != nil {
		detail.Cause = CauseStorageError
		detail.Detail = err.Error()
		return detail
	}

	if s.enqueuer != nil {
		if err := s.enqueuer.Push(ctx, row.ID); err != nil {
			// roll back instead of leaving the row stuck pending
			if rbErr := s.rows.TransitionStatus(ctx, subtask.StatusPending, previous); rbErr != nil {
				s.logger.Error("rollback after failed push failed",
					"row_id", row.ID, "error", rbErr)
			}
			detail.Cause = CauseProcessorUnavailable
			detail.Detail = err.Error()
			return detail
		}
	}

	detail.Submitted = true
	return detail
}

// resolveRetryEvaluator returns the metadata map of the reopened row
// with any evaluator override applied. An override naming a model
// rather than an evaluator synthesizes a temporary configuration in
// row metadata; the evaluator table itself never mutates, keeping the
// override row-scoped and reversible.
func (s *RetrySrvc) resolveRetryEvaluator(ctx context.Context, row *subtask.Row, req RetryRequest) (map[string]string, error) {
	meta := map[string]string{}
	if !req.FreshStart {
		for k, v := range row.Metadata {
			meta[k] = v
		}
	}
	delete(meta, subtask.MetaEvalOverrideEvaluatorID)
	delete(meta, subtask.MetaEvalOverrideModelID)
	if !req.ReEvaluationOnly {
		// a fresh response will be inline again
		delete(meta, subtask.MetaResponseArchived)
	}
	if req.Reason != nil && *req.Reason != "" {
		meta[subtask.MetaRetryReason] = *req.Reason
	}

	if req.EvaluatorID != nil && *req.EvaluatorID != "" {
		override := *req.EvaluatorID
		if _, err := s.catalog.Evaluator(ctx, override); err == nil {
			meta[subtask.MetaEvalOverrideEvaluatorID] = override
			return meta, nil
		}
		if s.providers != nil {
			if _, ok := s.providers.ProviderFor(override); ok {
				meta[subtask.MetaEvalOverrideModelID] = override
				return meta, nil
			}
		}
		// explicit override did not resolve; fall through the chain
	}

	dim, err := s.catalog.Dimension(ctx, row.DimensionID)
	if err == nil && dim.DefaultEvaluatorID != "" {
		if _, err := s.catalog.Evaluator(ctx, dim.DefaultEvaluatorID); err == nil {
			if dim.DefaultEvaluatorID != row.EvaluatorID {
				meta[subtask.MetaEvalOverrideEvaluatorID] = dim.DefaultEvaluatorID
			}
			return meta, nil
		}
	}

	if _, err := s.catalog.Evaluator(ctx, row.EvaluatorID); err == nil {
		return meta, nil
	}

	return nil, ErrEvaluatorUnresolvable(row.ID.String())
}

func buildSummary(submitted int, failed int, causes map[FailureCause]int) string {
	if failed == 0 {
		return fmt.Sprintf("%d rows resubmitted", submitted)
	}
	parts := []string{}
	for cause, count := range causes {
		parts = append(parts, fmt.Sprintf("%s: %d", cause, count))
	}
	sort.Strings(parts)
	if submitted == 0 {
		return fmt.Sprintf("all %d rows failed to resubmit (%s)",
			failed, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%d rows resubmitted, %d failed (%s)",
		submitted, failed, strings.Join(parts, ", "))
}
