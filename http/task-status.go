package http

import (
	"net/http"

	"github.com/evalgrid/backend/httpjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
)

func (httpserver *HttpServer) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	logger := httplog.LogEntry(r.Context())

	taskID := chi.URLParam(r, "taskId")

	status, err := httpserver.taskSrvc.Status(r.Context(), taskID)
	if err != nil {
		httpjson.HandleError(logger, w, err)
		return
	}

	httpjson.WriteSuccessJson(w, status)
}
