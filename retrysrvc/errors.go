package retrysrvc

import (
	"fmt"
	"net/http"

	"github.com/evalgrid/backend/srvcerror"
)

const ErrCodeMalformedCompositeID = "malformed_composite_id"

// a malformed aggregate id is a "not found", never a server error
func ErrMalformedCompositeID(id string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeMalformedCompositeID,
		"identifier not found",
	).SetDebug(fmt.Errorf("composite id %q is malformed", id)).
		SetHttpStatusCode(http.StatusNotFound)
}

const ErrCodeNoRowsForCompositeID = "no_rows_for_composite_id"

func ErrNoRowsForCompositeID(id string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeNoRowsForCompositeID,
		"identifier not found",
	).SetDebug(fmt.Errorf("no rows resolve from id %q", id)).
		SetHttpStatusCode(http.StatusNotFound)
}

const ErrCodeNoEligibleRows = "no_eligible_rows"

// the whole retry request fails fast instead of becoming a silent
// no-op when nothing qualifies
func ErrNoEligibleRows(resolved int) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeNoEligibleRows,
		fmt.Sprintf("none of the %d resolved rows are eligible for retry; use force to re-run healthy rows", resolved),
	).SetHttpStatusCode(http.StatusConflict)
}

const ErrCodeEvaluatorUnresolvable = "evaluator_unresolvable"

func ErrEvaluatorUnresolvable(rowID string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeEvaluatorUnresolvable,
		"no evaluator could be resolved for retry",
	).SetDebug(fmt.Errorf("row %s: override, dimension default and row evaluator all unresolvable", rowID)).
		SetHttpStatusCode(http.StatusUnprocessableEntity)
}
