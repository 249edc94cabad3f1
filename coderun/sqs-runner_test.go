package coderun

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testRunner() *SqsRunner {
	return &SqsRunner{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		waiters: map[uuid.UUID]chan runResponse{},
	}
}

func TestDeliverDropsRedeliveredResponse(t *testing.T) {
	r := testRunner()
	runUuid := uuid.New()
	ch := make(chan runResponse, 1)
	r.mu.Lock()
	r.waiters[runUuid] = ch
	r.mu.Unlock()

	first := runResponse{RunUuid: runUuid.String(), Result: ExecResult{ExitCode: 0}}
	second := runResponse{RunUuid: runUuid.String(), Result: ExecResult{ExitCode: 1}}

	// the second copy of an at-least-once delivery must not block the
	// receive loop while the waiter still holds the first
	done := make(chan struct{})
	go func() {
		r.deliver(runUuid, first)
		r.deliver(runUuid, second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliver blocked on a full waiter channel")
	}

	got := <-ch
	require.Equal(t, 0, got.Result.ExitCode)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second response delivered: %+v", extra)
	default:
	}
}

func TestDeliverIgnoresUnknownRun(t *testing.T) {
	r := testRunner()
	r.deliver(uuid.New(), runResponse{RunUuid: uuid.New().String()})
}
