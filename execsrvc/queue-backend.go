package execsrvc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// queueMsg is the wire format of one dispatchable row reference
type queueMsg struct {
	RowID string `json:"row_id"`
}

// QueueProcessor is the push backend: rows are enqueued at creation
// and unblock time, a pool of workers pulls and dispatches them.
// Concurrency is governed by worker count rather than a scan limit.
type QueueProcessor struct {
	logger     *slog.Logger
	cfg        Config
	sqsClient  *sqs.Client
	dispatcher *Dispatcher

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	workerWg sync.WaitGroup

	fatal chan error
}

func NewQueueProcessor(logger *slog.Logger, cfg Config, sqsClient *sqs.Client, dispatcher *Dispatcher) *QueueProcessor {
	return &QueueProcessor{
		logger:     logger.With("module", "exec-queue"),
		cfg:        cfg,
		sqsClient:  sqsClient,
		dispatcher: dispatcher,
		fatal:      make(chan error, 1),
	}
}

func (p *QueueProcessor) Mode() Mode {
	return ModeQueue
}

func (p *QueueProcessor) Fatal() <-chan error {
	return p.fatal
}

// Initialize verifies the queue is reachable. Unreachable queue
// infrastructure is fatal to this backend instance; the manager may
// then fall back to the poll backend.
func (p *QueueProcessor) Initialize(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, queueProbeTimeout)
	defer cancel()
	_, err := p.sqsClient.GetQueueAttributes(probeCtx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(p.cfg.QueueUrl),
	})
	if err != nil {
		return ErrQueueUnavailable(err)
	}
	return nil
}

// Push enqueues rows for dispatch. Called at row creation time and
// whenever a completed prerequisite unblocks dependents.
func (p *QueueProcessor) Push(ctx context.Context, rowIDs ...uuid.UUID) error {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()

	for _, rowID := range rowIDs {
		jsonMsg, err := json.Marshal(queueMsg{RowID: rowID.String()})
		if err != nil {
			return fmt.Errorf("failed to marshal queue message: %w", err)
		}
		compressed := encoder.EncodeAll(jsonMsg, make([]byte, 0, len(jsonMsg)))
		encoded := base64.StdEncoding.EncodeToString(compressed)
		_, err = p.sqsClient.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.cfg.QueueUrl),
			MessageBody: aws.String(encoded),
		})
		if err != nil {
			return fmt.Errorf("failed to push row %s: %w", rowID, err)
		}
	}
	return nil
}

func (p *QueueProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.started = true

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.workerWg.Add(1)
		go func(worker int) {
			defer p.workerWg.Done()
			p.workerLoop(workerCtx, worker)
		}(i)
	}
	p.logger.Info("queue processor started", "workers", p.cfg.WorkerCount)
	return nil
}

// Stop drains: workers finish the dispatch they already pulled before
// exiting, bounded by the caller's context.
func (p *QueueProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrProcessorNotStarted()
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("queue processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *QueueProcessor) workerLoop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
			output, err := p.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(p.cfg.QueueUrl),
				MaxNumberOfMessages: 1,
				WaitTimeSeconds:     1,
			})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				consecutiveFailures++
				logger.Error("failed to receive messages", "error", err)
				if consecutiveFailures >= maxConsecutiveReceiveFailures {
					select {
					case p.fatal <- ErrQueueUnavailable(err):
					default:
					}
					return
				}
				time.Sleep(time.Second)
				continue
			}
			consecutiveFailures = 0

			for _, msg := range output.Messages {
				p.handleMessage(ctx, logger, msg.Body, msg.ReceiptHandle)
			}
		}
	}
}

const maxConsecutiveReceiveFailures = 5

func (p *QueueProcessor) handleMessage(ctx context.Context, logger *slog.Logger, body *string, handle *string) {
	if body == nil || handle == nil {
		return
	}
	rowID, err := decodeQueueMsg(*body)
	if err != nil {
		logger.Error("failed to decode queue message", "error", err)
		// poison message, drop it
		p.deleteMessage(ctx, logger, handle)
		return
	}

	unblocked, err := p.dispatcher.Dispatch(ctx, rowID)
	if err != nil {
		// storage hiccup: leave the message in flight so SQS redelivers
		logger.Warn("dispatch failed, leaving message for redelivery",
			"row_id", rowID, "error", err)
		return
	}

	if len(unblocked) > 0 {
		if err := p.Push(ctx, unblocked...); err != nil {
			logger.Error("failed to push unblocked rows", "error", err)
		}
	}
	p.deleteMessage(ctx, logger, handle)
}

func (p *QueueProcessor) deleteMessage(ctx context.Context, logger *slog.Logger, handle *string) {
	_, err := p.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.cfg.QueueUrl),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Error("failed to ack message", "error", err)
	}
}

func decodeQueueMsg(body string) (uuid.UUID, error) {
	compressed, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode message body: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()
	jsonMsg, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to decompress message: %w", err)
	}
	var msg queueMsg
	if err := json.Unmarshal(jsonMsg, &msg); err != nil {
		return uuid.Nil, fmt.Errorf("failed to unmarshal queue message: %w", err)
	}
	rowID, err := uuid.Parse(msg.RowID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse row id: %w", err)
	}
	return rowID, nil
}
