package retrysrvc

import (
	"strings"

	"github.com/evalgrid/backend/subtask"
)

// Marker substrings that identify a scoring step which crashed or
// produced nothing usable. The list is deliberately enumerated here
// instead of scattered through the classifier.
var evaluationErrorMarkers = []string{
	"evaluation error",
	"evaluator error",
	"judge error",
	"scoring error",
	"internal error",
	"exception",
	"traceback",
	"timed out",
}

// genericFailureToken also marks an evaluation failure when it shows
// up in justification or reasoning of an unscored row
const genericFailureToken = "failed"

type EligibilityReason string

const (
	ReasonExecutionFailure  EligibilityReason = "execution_failure"
	ReasonEvaluationFailure EligibilityReason = "evaluation_failure"
	ReasonForced            EligibilityReason = "forced"
)

func containsMarker(text string) bool {
	lowered := strings.ToLower(text)
	for _, marker := range evaluationErrorMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// isEvaluationFailure reports whether a completed row looks like the
// model answered but scoring crashed or produced nothing usable: the
// response is present, the score is missing or zero, and the feedback
// either carries a known error marker, is entirely empty, or contains
// a generic failure token.
//
// Known limitation: legitimately empty feedback on a genuinely
// zero-scored answer is classified as a failure too. The signal to
// disambiguate does not exist in the data, so the heuristic stays
// exactly this permissive.
func isEvaluationFailure(row *subtask.Row) bool {
	completed, ok := row.Completed()
	if !ok {
		return false
	}
	if completed.Response == nil {
		return false
	}
	if row.HasValidScore() {
		return false
	}

	justification := ""
	if row.Justification != nil {
		justification = strings.TrimSpace(*row.Justification)
	}
	reasoning := ""
	if row.Reasoning != nil {
		reasoning = strings.TrimSpace(*row.Reasoning)
	}

	if containsMarker(justification) || containsMarker(reasoning) {
		return true
	}
	if justification == "" && reasoning == "" {
		return true
	}
	if strings.Contains(strings.ToLower(justification), genericFailureToken) ||
		strings.Contains(strings.ToLower(reasoning), genericFailureToken) {
		return true
	}
	return false
}

// classifyEligibility decides whether a row may be retried and why.
// force makes every resolved row eligible for deliberate full
// re-runs; otherwise only execution failures (the row failed) and
// evaluation failures (completed but unusably scored) qualify.
func classifyEligibility(row *subtask.Row, force bool) (EligibilityReason, bool) {
	if force {
		return ReasonForced, true
	}
	if row.Status == subtask.StatusFailed {
		return ReasonExecutionFailure, true
	}
	if isEvaluationFailure(row) {
		return ReasonEvaluationFailure, true
	}
	return "", false
}
