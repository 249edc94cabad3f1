package http

import (
	"net/http"

	"github.com/evalgrid/backend/aggsrvc"
	"github.com/evalgrid/backend/httpjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
)

func (httpserver *HttpServer) getScoreMatrix(w http.ResponseWriter, r *http.Request) {
	logger := httplog.LogEntry(r.Context())

	query := aggsrvc.Query{
		TaskID: chi.URLParam(r, "taskId"),
	}
	if modelID := r.URL.Query().Get("model_id"); modelID != "" {
		query.ModelID = &modelID
	}
	if dimID := r.URL.Query().Get("dimension_id"); dimID != "" {
		query.DimensionID = &dimID
	}

	matrix, err := httpserver.aggSrvc.Aggregate(r.Context(), query)
	if err != nil {
		httpjson.HandleError(logger, w, err)
		return
	}

	type matrixResponse struct {
		Matrix    aggsrvc.Matrix     `json:"matrix"`
		Champions []aggsrvc.Champion `json:"champions"`
		Rankings  []aggsrvc.Ranking  `json:"rankings"`
	}

	httpjson.WriteSuccessJson(w, matrixResponse{
		Matrix:    matrix,
		Champions: aggsrvc.Champions(matrix),
		Rankings:  aggsrvc.Rankings(matrix),
	})
}
