package subtask

import (
	"fmt"
	"net/http"

	"github.com/evalgrid/backend/srvcerror"
)

const ErrCodeRowNotFound = "subtask_row_not_found"

func ErrRowNotFound() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeRowNotFound,
		"subtask row not found",
	).SetHttpStatusCode(http.StatusNotFound)
}

const ErrCodeStatusConflict = "subtask_status_conflict"

// returned by conditional status transitions when the stored status no
// longer matches the expected pre-state
func ErrStatusConflict(expected Status, actual Status) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeStatusConflict,
		"subtask row was modified concurrently",
	).SetDebug(fmt.Errorf("expected status %q, found %q", expected, actual)).
		SetHttpStatusCode(http.StatusConflict)
}

const ErrCodeInvalidMaxScore = "invalid_max_score"

func ErrInvalidMaxScore() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeInvalidMaxScore,
		"test case max score must be positive",
	).SetHttpStatusCode(http.StatusBadRequest)
}

const ErrCodeEvaluatorNotFound = "evaluator_not_found"

func ErrEvaluatorNotFound() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeEvaluatorNotFound,
		"evaluator not found",
	).SetHttpStatusCode(http.StatusNotFound)
}

const ErrCodeDimensionNotFound = "dimension_not_found"

func ErrDimensionNotFound() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeDimensionNotFound,
		"dimension not found",
	).SetHttpStatusCode(http.StatusNotFound)
}

const ErrCodeTestCaseNotFound = "test_case_not_found"

func ErrTestCaseNotFound() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeTestCaseNotFound,
		"test case not found",
	).SetHttpStatusCode(http.StatusNotFound)
}
