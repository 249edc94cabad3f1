package depsrvc

import (
	"fmt"
	"net/http"

	"github.com/evalgrid/backend/srvcerror"
	"github.com/google/uuid"
)

const ErrCodeDependencyCycle = "dependency_cycle"

// a cycle in the dependency graph is a data-integrity bug, never a
// recoverable condition
func ErrDependencyCycle(fromRowID uuid.UUID, toRowID uuid.UUID) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeDependencyCycle,
		"dependency graph contains a cycle",
	).SetDebug(fmt.Errorf("cycle detected between rows %s and %s", fromRowID, toRowID)).
		SetHttpStatusCode(http.StatusInternalServerError)
}
