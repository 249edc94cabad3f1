package http

import (
	"log/slog"
	"net/http"

	"github.com/evalgrid/backend/aggsrvc"
	applog "github.com/evalgrid/backend/logger"
	"github.com/evalgrid/backend/retrysrvc"
	"github.com/evalgrid/backend/tasksrvc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
)

type HttpServer struct {
	taskSrvc  *tasksrvc.TaskSrvc
	retrySrvc *retrysrvc.RetrySrvc
	aggSrvc   *aggsrvc.AggSrvc
	router    *chi.Mux
}

func NewHttpServer(
	taskSrvc *tasksrvc.TaskSrvc,
	retrySrvc *retrysrvc.RetrySrvc,
	aggSrvc *aggsrvc.AggSrvc,
	jwtKey []byte,
) *HttpServer {
	router := chi.NewRouter()

	logger := httplog.NewLogger("evalgrid", httplog.Options{
		LogLevel:         slog.LevelDebug,
		Concise:          true,
		RequestHeaders:   true,
		MessageFieldName: "message",
	})

	router.Use(middleware.RequestID)
	router.Use(httplog.RequestLogger(logger))
	router.Use(requestLoggerContext)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           3000,
	}))

	router.Use(getJwtAuthMiddleware(jwtKey))

	server := &HttpServer{
		taskSrvc:  taskSrvc,
		retrySrvc: retrySrvc,
		aggSrvc:   aggSrvc,
		router:    router,
	}

	server.routes()

	return server
}

func (httpserver *HttpServer) Start(address string) error {
	return http.ListenAndServe(address, httpserver.router)
}

// requestLoggerContext puts a request-scoped logger into the context
// so code below the handler layer can log with the request id attached.
func requestLoggerContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := applog.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (httpserver *HttpServer) routes() {
	r := httpserver.router
	r.Post("/tasks", httpserver.setupTask)
	r.Get("/tasks/{taskId}/status", httpserver.getTaskStatus)
	r.Post("/tasks/{taskId}/retries", httpserver.retryRows)
	r.Get("/tasks/{taskId}/matrix", httpserver.getScoreMatrix)
}
