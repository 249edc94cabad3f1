package http

import (
	"encoding/json"
	"net/http"

	"github.com/evalgrid/backend/httpjson"
	"github.com/evalgrid/backend/tasksrvc"
	"github.com/go-chi/httplog/v2"
)

func (httpserver *HttpServer) setupTask(w http.ResponseWriter, r *http.Request) {
	logger := httplog.LogEntry(r.Context())

	var params tasksrvc.SetupParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := httpserver.taskSrvc.Setup(r.Context(), params)
	if err != nil {
		httpjson.HandleError(logger, w, err)
		return
	}

	httpjson.WriteSuccessJson(w, result)
}
