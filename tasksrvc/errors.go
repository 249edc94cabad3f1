package tasksrvc

import (
	"fmt"
	"net/http"

	"github.com/evalgrid/backend/srvcerror"
)

const ErrCodeTaskNotFound = "task_not_found"

func ErrTaskNotFound(taskID string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeTaskNotFound,
		"task not found",
	).SetDebug(fmt.Errorf("no rows exist for task %q", taskID)).
		SetHttpStatusCode(http.StatusNotFound)
}

const ErrCodeInvalidSetupParams = "invalid_setup_params"

func ErrInvalidSetupParams(msg string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeInvalidSetupParams,
		msg,
	).SetHttpStatusCode(http.StatusBadRequest)
}

const ErrCodeTemplateHasNoBindings = "template_has_no_bindings"

func ErrTemplateHasNoBindings(templateID string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeTemplateHasNoBindings,
		"template has no evaluator bindings",
	).SetDebug(fmt.Errorf("template %q maps no evaluators", templateID)).
		SetHttpStatusCode(http.StatusBadRequest)
}
