package http

import (
	"encoding/json"
	"net/http"

	"github.com/evalgrid/backend/httpjson"
	"github.com/evalgrid/backend/retrysrvc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
)

func (httpserver *HttpServer) retryRows(w http.ResponseWriter, r *http.Request) {
	logger := httplog.LogEntry(r.Context())

	taskID := chi.URLParam(r, "taskId")

	var req retrysrvc.RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := httpserver.retrySrvc.Retry(r.Context(), taskID, req)
	if err != nil {
		httpjson.HandleError(logger, w, err)
		return
	}

	httpjson.WriteSuccessJson(w, result)
}
