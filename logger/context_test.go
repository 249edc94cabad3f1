package logger_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/evalgrid/backend/logger"
	"github.com/stretchr/testify/require"
)

func TestFromContextFallsBack(t *testing.T) {
	fallback := slog.New(slog.NewTextHandler(io.Discard, nil))
	got := logger.FromContext(context.Background(), fallback)
	require.Same(t, fallback, got)
}

func TestWithRequestIDThreadsThroughContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := logger.WithLogger(context.Background(), base)
	ctx = logger.WithRequestID(ctx, "req-123")

	fallback := slog.New(slog.NewTextHandler(io.Discard, nil))
	logger.FromContext(ctx, fallback).Info("handled")

	require.Contains(t, buf.String(), "request_id=req-123")
	require.Contains(t, buf.String(), "handled")
}
