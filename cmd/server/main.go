package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/evalgrid/backend/aggsrvc"
	"github.com/evalgrid/backend/coderun"
	"github.com/evalgrid/backend/conf"
	"github.com/evalgrid/backend/depsrvc"
	"github.com/evalgrid/backend/execsrvc"
	"github.com/evalgrid/backend/http"
	"github.com/evalgrid/backend/modelcall"
	"github.com/evalgrid/backend/resparchive"
	"github.com/evalgrid/backend/retrysrvc"
	"github.com/evalgrid/backend/subtask"
	"github.com/evalgrid/backend/tasksrvc"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded", "error", err)
	}

	jwtKey := os.Getenv("JWT_KEY")
	if jwtKey == "" {
		slog.Error("JWT_KEY is not set")
		os.Exit(1)
	}

	logger := slog.Default()

	ddbClient, err := conf.GetDdbClientFromEnv()
	if err != nil {
		slog.Error("failed to create dynamodb client", "error", err)
		os.Exit(1)
	}
	table, err := conf.GetSubtaskTableFromEnv()
	if err != nil {
		slog.Error("failed to resolve subtask table", "error", err)
		os.Exit(1)
	}
	sqsClient, err := conf.GetSqsClientFromEnv()
	if err != nil {
		slog.Error("failed to create sqs client", "error", err)
		os.Exit(1)
	}

	rows := subtask.NewDdbRowRepo(logger, ddbClient, table)
	edges := subtask.NewDdbEdgeRepo(logger, ddbClient, table)
	catalog := subtask.NewDdbCatalog(logger, ddbClient, table)

	registry, err := modelcall.LoadRegistry(conf.GetProviderConfPathFromEnv())
	if err != nil {
		slog.Error("failed to load provider registry", "error", err)
		os.Exit(1)
	}
	caller := modelcall.NewHttpCaller(registry)

	reqQUrl, respQUrl := conf.GetCodeRunQueueUrlsFromEnv()
	runner := coderun.NewSqsRunner(logger, sqsClient, reqQUrl, respQUrl)
	defer runner.Close()

	var archive execsrvc.ResponseArchive
	if bucket := conf.GetResponseBucketFromEnv(); bucket != "" {
		s3Client, err := conf.GetS3ClientFromEnv()
		if err != nil {
			slog.Error("failed to create s3 client", "error", err)
			os.Exit(1)
		}
		archive = resparchive.NewArchive(logger, s3Client, conf.GetAwsRegionFromEnv(), bucket)
	}

	deps := depsrvc.New(logger, rows, edges, catalog)
	dispatcher := execsrvc.NewDispatcher(logger, rows, catalog, deps, caller, runner, archive)
	factory := execsrvc.NewFactory(logger, sqsClient, rows, dispatcher)
	manager := execsrvc.NewManager(logger, factory, registry)

	ctx := context.Background()
	cfg := execsrvc.DefaultConfig()
	cfg.QueueUrl = conf.GetSubtaskQueueUrlFromEnv()
	proc, err := manager.Launch(ctx, cfg)
	if err != nil {
		slog.Error("failed to launch execution backend", "error", err)
		os.Exit(1)
	}

	// queue mode pushes rows at creation and unblock time; the poll
	// backend finds them on its next scan instead
	var taskEnqueuer tasksrvc.RowEnqueuer
	var retryEnqueuer retrysrvc.RowEnqueuer
	if qp, ok := proc.(*execsrvc.QueueProcessor); ok {
		taskEnqueuer = qp
		retryEnqueuer = qp
	}

	taskSrvc := tasksrvc.New(logger, rows, catalog, deps, taskEnqueuer)
	retrySrvc := retrysrvc.New(logger, rows, catalog, registry, retryEnqueuer)
	aggSrvc := aggsrvc.New(logger, rows, catalog)

	httpServer := http.NewHttpServer(taskSrvc, retrySrvc, aggSrvc, []byte(jwtKey))

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		if err := manager.Shutdown(context.Background()); err != nil {
			slog.Error("shutdown finished with error", "error", err)
		}
		os.Exit(0)
	}()

	address := ":8080"
	log.Printf("Starting server on %s", address)
	err = httpServer.Start(address)
	log.Printf("Server stopped with error: %v", err)
}
