package execsrvc

import (
	"net/http"

	"github.com/evalgrid/backend/srvcerror"
)

const ErrCodeInvalidProcessorConfig = "invalid_processor_config"

func ErrInvalidProcessorConfig(debug error) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeInvalidProcessorConfig,
		"execution backend configuration is invalid",
	).SetDebug(debug).
		SetHttpStatusCode(http.StatusBadRequest)
}

const ErrCodeNoUsableProvider = "no_usable_provider"

func ErrNoUsableProvider() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeNoUsableProvider,
		"no model provider is usable with the current credentials",
	).SetHttpStatusCode(http.StatusBadRequest)
}

const ErrCodeQueueUnavailable = "queue_unavailable"

func ErrQueueUnavailable(debug error) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeQueueUnavailable,
		"queue infrastructure is unavailable",
	).SetDebug(debug).
		SetHttpStatusCode(http.StatusServiceUnavailable)
}

const ErrCodeProcessorNotStarted = "processor_not_started"

func ErrProcessorNotStarted() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeProcessorNotStarted,
		"processor is not in a startable state",
	).SetHttpStatusCode(http.StatusConflict)
}
