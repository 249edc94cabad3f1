package execsrvc

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/evalgrid/backend/coderun"
	"github.com/evalgrid/backend/depsrvc"
	"github.com/evalgrid/backend/modelcall"
	"github.com/evalgrid/backend/resparchive"
	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
)

// ResponseArchive offloads oversized raw responses to blob storage.
// *resparchive.Archive implements it against S3.
type ResponseArchive interface {
	Store(ctx context.Context, rowID uuid.UUID, content []byte) (string, error)
	Fetch(ctx context.Context, rowID uuid.UUID) ([]byte, error)
	Exists(ctx context.Context, rowID uuid.UUID) (bool, error)
}

// Dispatcher executes one subtask row end to end: claim it with a
// compare-and-set, obtain the model response, score it with the row's
// evaluator and write the terminal state back. Both processor modes
// share it.
type Dispatcher struct {
	logger  *slog.Logger
	rows    subtask.RowRepo
	catalog subtask.Catalog
	deps    *depsrvc.DepSrvc
	caller  modelcall.Caller
	runner  coderun.Runner
	archive ResponseArchive // nil keeps every response inline
}

func NewDispatcher(
	logger *slog.Logger,
	rows subtask.RowRepo,
	catalog subtask.Catalog,
	deps *depsrvc.DepSrvc,
	caller modelcall.Caller,
	runner coderun.Runner,
	archive ResponseArchive,
) *Dispatcher {
	return &Dispatcher{
		logger:  logger.With("module", "dispatch"),
		rows:    rows,
		catalog: catalog,
		deps:    deps,
		caller:  caller,
		runner:  runner,
		archive: archive,
	}
}

// Dispatch runs a single row. A row-level evaluation failure is
// written to the row and is not an error of the dispatch loop; only
// storage-level failures propagate. Returns the dependent rows that
// became unblocked by this row completing.
func (d *Dispatcher) Dispatch(ctx context.Context, rowID uuid.UUID) ([]uuid.UUID, error) {
	row, err := d.rows.Get(ctx, rowID)
	if err != nil {
		return nil, err
	}
	if row.Status != subtask.StatusPending {
		return nil, nil // already claimed or finished, idempotent skip
	}

	gate, err := d.deps.CanExecute(ctx, rowID)
	if err != nil {
		return nil, err
	}
	if !gate.CanExecute {
		d.logger.Debug("row not executable yet",
			"row_id", rowID, "reason", gate.Reason)
		return nil, nil
	}

	evaluator, err := d.resolveEvaluator(ctx, &row)
	if err != nil {
		return nil, err
	}
	if evaluator.Type == subtask.EvaluatorHuman {
		// human-scored rows wait for out-of-band input
		return nil, nil
	}

	now := time.Now()
	running := row.MarkRunning(now)
	running.DependenciesResolved = true
	err = d.rows.TransitionStatus(ctx, subtask.StatusPending, running)
	if err != nil {
		// someone else claimed the row first; that is the contract
		d.logger.Debug("lost dispatch race", "row_id", rowID)
		return nil, nil
	}

	outcome, evalErr := d.evaluate(ctx, &running, evaluator)
	if evalErr != nil {
		failed := running.MarkFailed(evalErr.Error(), time.Now())
		if err := d.rows.TransitionStatus(ctx, subtask.StatusRunning, failed); err != nil {
			return nil, err
		}
		d.logger.Warn("row dispatch failed",
			"row_id", rowID, "error", evalErr)
		return nil, nil
	}

	completed := running.MarkCompleted(outcome.score, outcome.response, time.Now())
	completed.Justification = outcome.justification
	completed.Reasoning = outcome.reasoning
	d.offloadResponse(ctx, &completed)
	if err := d.rows.TransitionStatus(ctx, subtask.StatusRunning, completed); err != nil {
		return nil, err
	}

	unblocked, err := d.deps.ResolveDependents(ctx, rowID)
	if err != nil {
		return nil, err
	}
	return unblocked, nil
}

// offloadResponse moves an oversized raw response to the archive and
// keeps the object url on the row instead. Archive failures degrade to
// keeping the response inline.
func (d *Dispatcher) offloadResponse(ctx context.Context, row *subtask.Row) {
	if d.archive == nil || row.RawResponse == nil {
		return
	}
	if len(*row.RawResponse) <= resparchive.InlineSizeThreshold {
		return
	}
	url, err := d.archive.Store(ctx, row.ID, []byte(*row.RawResponse))
	if err != nil {
		d.logger.Warn("failed to archive response, keeping it inline",
			"row_id", row.ID, "error", err)
		return
	}
	row.RawResponse = &url
	if row.Metadata == nil {
		row.Metadata = map[string]string{}
	}
	row.Metadata[subtask.MetaResponseArchived] = "true"
}

// resolveEvaluator returns the row's evaluator with any row-scoped
// override from the retry resolver applied. Overrides live in row
// metadata so the evaluator table itself never mutates.
func (d *Dispatcher) resolveEvaluator(ctx context.Context, row *subtask.Row) (subtask.Evaluator, error) {
	evaluator, err := d.catalog.Evaluator(ctx, row.EvaluatorID)
	if err != nil {
		return subtask.Evaluator{}, err
	}
	if modelID, ok := row.Metadata[subtask.MetaEvalOverrideModelID]; ok && modelID != "" {
		evaluator.Config.ModelID = modelID
	}
	if evalID, ok := row.Metadata[subtask.MetaEvalOverrideEvaluatorID]; ok && evalID != "" {
		override, err := d.catalog.Evaluator(ctx, evalID)
		if err != nil {
			return subtask.Evaluator{}, err
		}
		evaluator = override
	}
	return evaluator, nil
}

type evalOutcome struct {
	score         *float64
	response      *string
	justification *string
	reasoning     *string
}

func (d *Dispatcher) evaluate(ctx context.Context, row *subtask.Row, evaluator subtask.Evaluator) (evalOutcome, error) {
	tests, err := d.catalog.TestCases(ctx, []string{row.TestCaseID})
	if err != nil {
		return evalOutcome{}, err
	}
	tc := tests[row.TestCaseID]

	// a retry with re_evaluation_only keeps the prior response so only
	// the scoring step re-runs
	response := row.RawResponse
	if response != nil && row.Metadata[subtask.MetaResponseArchived] == "true" && d.archive != nil {
		archived, err := d.archive.Exists(ctx, row.ID)
		if err != nil {
			return evalOutcome{}, fmt.Errorf("failed to check archived response: %w", err)
		}
		if !archived {
			// the object is gone, fall back to a fresh model call
			d.logger.Warn("archived response missing", "row_id", row.ID)
			response = nil
		} else {
			content, err := d.archive.Fetch(ctx, row.ID)
			if err != nil {
				return evalOutcome{}, fmt.Errorf("failed to fetch archived response: %w", err)
			}
			fetched := string(content)
			response = &fetched
		}
	}
	if response == nil {
		res, err := d.caller.Call(ctx, row.ModelID, nil, tc.Input, modelcall.Params{})
		if err != nil {
			return evalOutcome{}, fmt.Errorf("model call failed: %w", err)
		}
		d.logger.Debug("model responded",
			"row_id", row.ID,
			"prompt_tokens", res.PromptTokens,
			"completion_tokens", res.CompletionTokens)
		response = &res.Content
	}

	switch evaluator.Type {
	case subtask.EvaluatorCode:
		return d.scoreWithSandbox(ctx, &tc, evaluator, *response)
	case subtask.EvaluatorRegex:
		return scoreWithRegex(&tc, evaluator, *response)
	case subtask.EvaluatorPrompt:
		return d.scoreWithJudge(ctx, &tc, evaluator, *response)
	default:
		return evalOutcome{}, fmt.Errorf("evaluator type %q cannot be auto-dispatched", evaluator.Type)
	}
}

func (d *Dispatcher) scoreWithSandbox(ctx context.Context, tc *subtask.TestCase, evaluator subtask.Evaluator, response string) (evalOutcome, error) {
	result, err := d.runner.Execute(ctx, response, evaluator.Config.Language, []coderun.TestCaseInput{
		{ID: tc.ID, Input: tc.Input, Expected: tc.ReferenceAnswer},
	})
	if err != nil {
		return evalOutcome{}, fmt.Errorf("sandbox execution failed: %w", err)
	}
	passed := 0
	for _, tr := range result.TestResults {
		if tr.Passed {
			passed++
		}
	}
	total := len(result.TestResults)
	var score float64
	if total > 0 {
		score = float64(passed) / float64(total) * tc.MaxScore
	}
	justification := fmt.Sprintf("sandbox passed %d of %d tests (exit code %d)",
		passed, total, result.ExitCode)
	reasoning := strings.TrimSpace(result.Stderr)
	out := evalOutcome{
		score:         &score,
		response:      &response,
		justification: &justification,
	}
	if reasoning != "" {
		out.reasoning = &reasoning
	}
	return out, nil
}

func scoreWithRegex(tc *subtask.TestCase, evaluator subtask.Evaluator, response string) (evalOutcome, error) {
	pattern, err := regexp.Compile(evaluator.Config.Pattern)
	if err != nil {
		return evalOutcome{}, fmt.Errorf("evaluator pattern does not compile: %w", err)
	}
	var score float64
	var justification string
	if pattern.MatchString(response) {
		score = tc.MaxScore
		justification = fmt.Sprintf("response matches pattern %q", evaluator.Config.Pattern)
	} else {
		justification = fmt.Sprintf("response does not match pattern %q", evaluator.Config.Pattern)
	}
	return evalOutcome{
		score:         &score,
		response:      &response,
		justification: &justification,
	}, nil
}

func (d *Dispatcher) scoreWithJudge(ctx context.Context, tc *subtask.TestCase, evaluator subtask.Evaluator, response string) (evalOutcome, error) {
	if evaluator.Config.ModelID == "" {
		return evalOutcome{}, fmt.Errorf("prompt evaluator %s has no scoring model configured", evaluator.ID)
	}
	system := evaluator.Config.PromptTemplate
	user := fmt.Sprintf(
		"Question:\n%s\n\nReference answer:\n%s\n\nCandidate answer:\n%s\n\nScore the candidate from 0 to %g. Reply with the score first, then your reasoning.",
		tc.Input, tc.ReferenceAnswer, response, tc.MaxScore)
	res, err := d.caller.Call(ctx, evaluator.Config.ModelID, &system, user, modelcall.Params{})
	if err != nil {
		return evalOutcome{}, fmt.Errorf("judge call failed: %w", err)
	}
	score, err := parseJudgeScore(res.Content, tc.MaxScore)
	if err != nil {
		return evalOutcome{}, err
	}
	justification := strings.TrimSpace(res.Content)
	return evalOutcome{
		score:         &score,
		response:      &response,
		justification: &justification,
	}, nil
}

var scorePattern = regexp.MustCompile(`[-+]?\d+(\.\d+)?`)

func parseJudgeScore(content string, maxScore float64) (float64, error) {
	match := scorePattern.FindString(content)
	if match == "" {
		return 0, fmt.Errorf("judge response contains no score")
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse judge score %q: %w", match, err)
	}
	if score < 0 {
		score = 0
	}
	if score > maxScore {
		score = maxScore
	}
	return score, nil
}
