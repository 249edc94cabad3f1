package subtask

import (
	"time"

	"github.com/google/uuid"
)

// Evaluator class determines dependency placement within a dimension:
// CODE evaluators run first, PROMPT evaluators depend on every CODE
// evaluator in the same dimension, other classes are independent.
type EvaluatorType string

const (
	EvaluatorCode   EvaluatorType = "code"
	EvaluatorPrompt EvaluatorType = "prompt"
	EvaluatorRegex  EvaluatorType = "regex"
	EvaluatorHuman  EvaluatorType = "human"
)

// Evaluator is immutable once referenced by a completed row
type Evaluator struct {
	ID     string
	Type   EvaluatorType
	Config EvaluatorConfig
}

type EvaluatorConfig struct {
	ModelID        string // scoring model for prompt evaluators
	PromptTemplate string
	Pattern        string // regex class match pattern
	Language       string // code class language id
	Params         map[string]string
}

// Dimension is a named evaluation axis. Many evaluators can be mapped
// to one dimension via a template.
type Dimension struct {
	ID                 string
	Name               string
	DefaultEvaluatorID string // fallback evaluator for retries, may be empty
}

// TemplateBinding maps an evaluator to a dimension within a template
type TemplateBinding struct {
	TemplateID  string
	DimensionID string
	EvaluatorID string
}

type TestCase struct {
	ID              string
	Input           string
	ReferenceAnswer string
	MaxScore        float64 // point value used for fairness normalization
}

func (t *TestCase) IsValid() error {
	if t.MaxScore <= 0 {
		return ErrInvalidMaxScore()
	}
	return nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed" // terminal
	StatusFailed    Status = "failed"    // terminal
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Row is the atomic unit of evaluation work: one combination of
// task, test case, model, dimension, evaluator and repetition index.
type Row struct {
	ID uuid.UUID

	TaskID          string
	TestCaseID      string
	ModelID         string
	DimensionID     string
	EvaluatorID     string
	RepetitionIndex int // >= 1

	Status               Status
	Score                *float64
	RawResponse          *string
	Justification        *string
	Reasoning            *string
	ErrorMessage         *string
	DependenciesResolved bool

	// row-scoped metadata such as a synthesized evaluator override;
	// never written back to the evaluator table
	Metadata map[string]string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Tagged views of the row's status so that invalid field combinations
// require explicit handling instead of ad-hoc nil checks.
type CompletedData struct {
	Score       *float64
	Response    *string
	CompletedAt time.Time
}

type FailedData struct {
	Error       string
	CompletedAt time.Time
}

type RunningData struct {
	StartedAt time.Time
}

// Completed returns the completed-state view of the row, if any
func (r *Row) Completed() (CompletedData, bool) {
	if r.Status != StatusCompleted {
		return CompletedData{}, false
	}
	d := CompletedData{Score: r.Score, Response: r.RawResponse}
	if r.CompletedAt != nil {
		d.CompletedAt = *r.CompletedAt
	}
	return d, true
}

func (r *Row) Failed() (FailedData, bool) {
	if r.Status != StatusFailed {
		return FailedData{}, false
	}
	d := FailedData{}
	if r.ErrorMessage != nil {
		d.Error = *r.ErrorMessage
	}
	if r.CompletedAt != nil {
		d.CompletedAt = *r.CompletedAt
	}
	return d, true
}

func (r *Row) Running() (RunningData, bool) {
	if r.Status != StatusRunning {
		return RunningData{}, false
	}
	d := RunningData{}
	if r.StartedAt != nil {
		d.StartedAt = *r.StartedAt
	}
	return d, true
}

// HasValidScore reports whether the row carries a usable score.
// A nil or zero score on a completed row is what the retry resolver
// treats as a potential evaluation failure.
func (r *Row) HasValidScore() bool {
	return r.Score != nil && *r.Score != 0
}

// MarkRunning returns a copy of the row moved to the running state
func (r Row) MarkRunning(now time.Time) Row {
	r.Status = StatusRunning
	r.StartedAt = &now
	return r
}

// MarkCompleted returns a copy of the row moved to the completed state
func (r Row) MarkCompleted(score *float64, response *string, now time.Time) Row {
	r.Status = StatusCompleted
	r.Score = score
	r.RawResponse = response
	r.ErrorMessage = nil
	r.CompletedAt = &now
	return r
}

// MarkFailed returns a copy of the row moved to the failed state
func (r Row) MarkFailed(errMsg string, now time.Time) Row {
	r.Status = StatusFailed
	r.ErrorMessage = &errMsg
	r.CompletedAt = &now
	return r
}

// ResetToPending returns a copy of the row reset for a retry. Score,
// justification, error and timestamps are cleared. The raw response is
// kept only when keepResponse is set (re-evaluation only), so that just
// the scoring step re-runs.
func (r Row) ResetToPending(keepResponse bool, now time.Time) Row {
	r.Status = StatusPending
	r.Score = nil
	r.Justification = nil
	r.Reasoning = nil
	r.ErrorMessage = nil
	r.StartedAt = nil
	r.CompletedAt = nil
	r.CreatedAt = now
	if !keepResponse {
		r.RawResponse = nil
	}
	return r
}

// Row metadata keys for the retry resolver's row-scoped evaluator
// overrides. Keeping the override on the row instead of mutating the
// evaluator table makes it reversible.
const (
	MetaEvalOverrideEvaluatorID = "eval_override_evaluator_id"
	MetaEvalOverrideModelID     = "eval_override_model_id"
	MetaRetryReason             = "retry_reason"
)

// MetaResponseArchived marks a row whose raw response was offloaded to
// the response archive; RawResponse then holds the object url.
const MetaResponseArchived = "response_archived"

// EvaluatorDependency is the evaluator-level dependency record of one
// evaluator within a template, persisted so repeated resolution calls
// are cheap reads
type EvaluatorDependency struct {
	TemplateID  string
	EvaluatorID string
	DependsOn   []string
	Priority    float64
	Type        EvaluatorType
}

// RowEdge is a "must complete before" relation between two rows of the
// same execution group (task, test case, model). FromRowID depends on
// ToRowID. The resolved flag is monotonic: false to true only.
type RowEdge struct {
	FromRowID uuid.UUID
	ToRowID   uuid.UUID
	Resolved  bool
}
