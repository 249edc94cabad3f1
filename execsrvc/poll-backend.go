package execsrvc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
)

// PollProcessor is the stateless backend: one timer-driven loop scans
// storage for pending rows whose dependencies are resolved and
// dispatches up to ConcurrentLimit of them at a time. It needs no
// queue infrastructure at all.
type PollProcessor struct {
	logger     *slog.Logger
	cfg        Config
	rows       subtask.RowRepo
	dispatcher *Dispatcher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup

	fatal chan error

	// rows whose dispatch failed transiently, retried after the
	// configured delay
	retryMu sync.Mutex
	retryAt map[uuid.UUID]time.Time
}

func NewPollProcessor(logger *slog.Logger, cfg Config, rows subtask.RowRepo, dispatcher *Dispatcher) *PollProcessor {
	return &PollProcessor{
		logger:     logger.With("module", "exec-poll"),
		cfg:        cfg,
		rows:       rows,
		dispatcher: dispatcher,
		fatal:      make(chan error, 1),
		retryAt:    make(map[uuid.UUID]time.Time),
	}
}

func (p *PollProcessor) Mode() Mode {
	return ModePoll
}

func (p *PollProcessor) Fatal() <-chan error {
	return p.fatal
}

func (p *PollProcessor) Initialize(ctx context.Context) error {
	// storage must answer at least one query before the loop starts
	_, err := p.rows.List(ctx, subtask.RowFilter{
		Status: statusPtr(subtask.StatusPending),
	})
	if err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	return nil
}

func (p *PollProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.started = true

	p.loopWg.Add(1)
	go func() {
		defer p.loopWg.Done()
		p.loop(loopCtx)
	}()
	p.logger.Info("poll processor started",
		"interval", p.cfg.PollInterval,
		"concurrent_limit", p.cfg.ConcurrentLimit)
	return nil
}

// Stop drains in-flight dispatches before returning; started work
// finishes or times out with the caller's context.
func (p *PollProcessor) Stop(ctx context.Context) error {
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
		p.loopWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("poll processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PollProcessor) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.scanAndDispatch(ctx); err != nil {
				// storage unreachable is fatal to this instance
				p.logger.Error("poll scan failed", "error", err)
				select {
				case p.fatal <- err:
				default:
				}
				return
			}
		}
	}
}

func (p *PollProcessor) scanAndDispatch(ctx context.Context) error {
	resolved := true
	pending, err := p.rows.List(ctx, subtask.RowFilter{
		Status:               statusPtr(subtask.StatusPending),
		DependenciesResolved: &resolved,
	})
	if err != nil {
		return fmt.Errorf("failed to scan pending rows: %w", err)
	}

	now := time.Now()
	batch := []uuid.UUID{}
	p.retryMu.Lock()
	for _, row := range pending {
		if at, ok := p.retryAt[row.ID]; ok && now.Before(at) {
			continue
		}
		batch = append(batch, row.ID)
		if len(batch) >= p.cfg.ConcurrentLimit {
			break
		}
	}
	p.retryMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// bounded fan-out, awaited together
	var wg sync.WaitGroup
	for _, rowID := range batch {
		wg.Add(1)
		go func(rowID uuid.UUID) {
			defer wg.Done()
			_, err := p.dispatcher.Dispatch(ctx, rowID)
			if err != nil {
				p.logger.Warn("dispatch failed, will retry",
					"row_id", rowID, "error", err)
				p.retryMu.Lock()
				p.retryAt[rowID] = time.Now().Add(p.cfg.DispatchRetryDelay)
				p.retryMu.Unlock()
				return
			}
			p.retryMu.Lock()
			delete(p.retryAt, rowID)
			p.retryMu.Unlock()
		}(rowID)
	}
	wg.Wait()
	return nil
}

func statusPtr(s subtask.Status) *subtask.Status {
	return &s
}
