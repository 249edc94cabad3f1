package coderun

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// wire format of a sandbox request. The payload is zstd-compressed and
// base64-encoded to stay under the SQS message size cap.
type runRequest struct {
	RunUuid   string          `json:"run_uuid"`
	RespQUrl  string          `json:"resp_q_url"`
	Code      string          `json:"code"`
	Language  string          `json:"language"`
	TestCases []TestCaseInput `json:"test_cases"`
}

type runResponse struct {
	RunUuid string     `json:"run_uuid"`
	Result  ExecResult `json:"result"`
	Error   string     `json:"error,omitempty"`
}

// SqsRunner submits code runs to the sandbox request queue and
// correlates responses from the response queue by run uuid.
type SqsRunner struct {
	logger    *slog.Logger
	sqsClient *sqs.Client
	reqQUrl   string
	respQUrl  string

	mu      sync.Mutex
	waiters map[uuid.UUID]chan runResponse

	listenCancel context.CancelFunc
	listenWait   sync.WaitGroup
}

func NewSqsRunner(logger *slog.Logger, sqsClient *sqs.Client, reqQUrl string, respQUrl string) *SqsRunner {
	r := &SqsRunner{
		logger:    logger.With("module", "coderun"),
		sqsClient: sqsClient,
		reqQUrl:   reqQUrl,
		respQUrl:  respQUrl,
		waiters:   make(map[uuid.UUID]chan runResponse),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.listenCancel = cancel
	r.listenWait.Add(1)
	go func() {
		defer r.listenWait.Done()
		err := r.receiveLoop(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("code run receive loop stopped", "error", err)
		}
	}()

	return r
}

func (r *SqsRunner) Execute(ctx context.Context, code string, language string, tests []TestCaseInput) (ExecResult, error) {
	runUuid, err := uuid.NewV7()
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to generate run uuid: %w", err)
	}

	ch := make(chan runResponse, 1)
	r.mu.Lock()
	r.waiters[runUuid] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, runUuid)
		r.mu.Unlock()
	}()

	jsonReq, err := json.Marshal(runRequest{
		RunUuid:   runUuid.String(),
		RespQUrl:  r.respQUrl,
		Code:      code,
		Language:  language,
		TestCases: tests,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to marshal run request: %w", err)
	}

	zstdEncoder, err := zstd.NewWriter(nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer zstdEncoder.Close()
	compressed := zstdEncoder.EncodeAll(jsonReq, make([]byte, 0, len(jsonReq)))
	encoded := base64.StdEncoding.EncodeToString(compressed)

	_, err = r.sqsClient.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.reqQUrl),
		MessageBody: aws.String(encoded),
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to send message to run queue: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return ExecResult{}, fmt.Errorf("sandbox error: %s", resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
}

func (r *SqsRunner) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			output, err := r.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(r.respQUrl),
				MaxNumberOfMessages: 10,
				WaitTimeSeconds:     1,
			})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				r.logger.Error("failed to receive run results", "error", err)
				continue
			}

			for _, msg := range output.Messages {
				if msg.Body == nil || msg.ReceiptHandle == nil {
					continue
				}
				var resp runResponse
				if err := json.Unmarshal([]byte(*msg.Body), &resp); err != nil {
					r.logger.Error("failed to unmarshal run result", "error", err)
					continue
				}
				runUuid, err := uuid.Parse(resp.RunUuid)
				if err != nil {
					r.logger.Error("failed to parse run uuid", "error", err)
					continue
				}

				r.deliver(runUuid, resp)

				_, err = r.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(r.respQUrl),
					ReceiptHandle: msg.ReceiptHandle,
				})
				if err != nil {
					r.logger.Error("failed to ack run result", "error", err)
				}
			}
		}
	}
}

// deliver hands a response to its waiter. The send never blocks: SQS
// is at-least-once, and a redelivered response for a waiter whose
// buffer already holds the first copy must not stall the receive loop.
func (r *SqsRunner) deliver(runUuid uuid.UUID, resp runResponse) {
	r.mu.Lock()
	ch, ok := r.waiters[runUuid]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("no waiter for run result", "run_uuid", runUuid)
		return
	}
	select {
	case ch <- resp:
	default:
		r.logger.Debug("duplicate run result dropped", "run_uuid", runUuid)
	}
}

func (r *SqsRunner) Close() {
	r.logger.Info("closing code runner")
	r.listenCancel()
	r.listenWait.Wait()
	r.logger.Info("code runner closed")
}
