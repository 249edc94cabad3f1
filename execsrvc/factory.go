package execsrvc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/evalgrid/backend/subtask"
)

// bounded timeout for the queue reachability probe
const queueProbeTimeout = 2 * time.Second

// Factory builds processors and caches one instance per distinct
// configuration signature, so repeated calls with the same config are
// idempotent.
type Factory struct {
	logger     *slog.Logger
	sqsClient  *sqs.Client // nil when no queue infrastructure is configured
	rows       subtask.RowRepo
	dispatcher *Dispatcher

	mu    sync.Mutex
	cache map[string]Processor
}

func NewFactory(logger *slog.Logger, sqsClient *sqs.Client, rows subtask.RowRepo, dispatcher *Dispatcher) *Factory {
	return &Factory{
		logger:     logger.With("module", "exec-factory"),
		sqsClient:  sqsClient,
		rows:       rows,
		dispatcher: dispatcher,
		cache:      make(map[string]Processor),
	}
}

// CreateProcessor returns the processor for the config, building it on
// first use. A config in auto mode is resolved via DetectBestMode
// first.
func (f *Factory) CreateProcessor(cfg Config) (Processor, error) {
	if cfg.Mode == ModeAuto || cfg.Mode == "" {
		cfg.Mode = f.DetectBestMode(context.Background(), cfg)
	}

	sig := cfg.Signature()
	f.mu.Lock()
	defer f.mu.Unlock()
	if proc, ok := f.cache[sig]; ok {
		return proc, nil
	}

	var proc Processor
	switch cfg.Mode {
	case ModeQueue:
		proc = NewQueueProcessor(f.logger, cfg, f.sqsClient, f.dispatcher)
	default:
		proc = NewPollProcessor(f.logger, cfg, f.rows, f.dispatcher)
	}
	f.cache[sig] = proc
	return proc, nil
}

// DetectBestMode picks the execution mode for a config. An explicitly
// requested mode is honored when its prerequisites are available.
// Otherwise queue reachability is probed with a bounded timeout:
// reachable infrastructure means the queue backend, anything else
// falls back to polling. Unreachable infrastructure is a normal,
// expected branch here, never an error.
func (f *Factory) DetectBestMode(ctx context.Context, cfg Config) Mode {
	switch cfg.Mode {
	case ModePoll:
		return ModePoll
	case ModeQueue:
		if f.queuePrereqsPresent(cfg) {
			return ModeQueue
		}
		f.logger.Warn("queue mode requested but prerequisites missing, using poll")
		return ModePoll
	}

	if f.queuePrereqsPresent(cfg) && f.queueReachable(ctx, cfg) {
		return ModeQueue
	}
	return ModePoll
}

// CheckQueueUsable validates an explicitly requested queue mode:
// missing prerequisites or unreachable infrastructure make the config
// invalid, they do not silently demote it to polling.
func (f *Factory) CheckQueueUsable(ctx context.Context, cfg Config) error {
	if !f.queuePrereqsPresent(cfg) {
		return ErrInvalidProcessorConfig(
			errQueuePrereqsMissing)
	}
	if !f.queueReachable(ctx, cfg) {
		return ErrInvalidProcessorConfig(
			errQueueUnreachableForConfig)
	}
	return nil
}

var (
	errQueuePrereqsMissing       = errors.New("queue mode requested but queue client or url is missing")
	errQueueUnreachableForConfig = errors.New("queue mode requested but queue infrastructure is unreachable")
)

func (f *Factory) queuePrereqsPresent(cfg Config) bool {
	return f.sqsClient != nil && cfg.QueueUrl != ""
}

func (f *Factory) queueReachable(ctx context.Context, cfg Config) bool {
	probeCtx, cancel := context.WithTimeout(ctx, queueProbeTimeout)
	defer cancel()
	_, err := f.sqsClient.GetQueueAttributes(probeCtx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(cfg.QueueUrl),
	})
	if err != nil {
		f.logger.Debug("queue probe failed, treating as unreachable", "error", err)
		return false
	}
	return true
}
