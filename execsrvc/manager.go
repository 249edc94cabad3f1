package execsrvc

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/evalgrid/backend/modelcall"
	"golang.org/x/exp/maps"
)

// Manager owns the running processor instances, keyed by config
// signature. There is deliberately no package-level registry: whoever
// constructs the manager owns every processor, and shutdown iterates
// the owned map deterministically.
type Manager struct {
	logger    *slog.Logger
	factory   *Factory
	providers *modelcall.Registry

	mu    sync.Mutex
	owned map[string]Processor

	watchWg sync.WaitGroup
}

func NewManager(logger *slog.Logger, factory *Factory, providers *modelcall.Registry) *Manager {
	return &Manager{
		logger:    logger.With("module", "exec-manager"),
		factory:   factory,
		providers: providers,
		owned:     make(map[string]Processor),
	}
}

// Launch validates the config, resolves the execution mode, builds
// the processor and starts it. A fatal infrastructure error later on
// triggers a one-time fallback to the alternate mode.
func (m *Manager) Launch(ctx context.Context, cfg Config) (Processor, error) {
	warnings, err := ValidateConfig(cfg, m.providers)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		m.logger.Warn("processor config warning", "warning", w)
	}

	// an explicitly requested queue mode must actually be usable;
	// silent demotion to polling is reserved for auto mode
	if cfg.Mode == ModeQueue {
		if err := m.factory.CheckQueueUsable(ctx, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Mode = m.factory.DetectBestMode(ctx, cfg)
	return m.launchResolved(ctx, cfg, true)
}

func (m *Manager) launchResolved(ctx context.Context, cfg Config, allowFallback bool) (Processor, error) {
	proc, err := m.factory.CreateProcessor(cfg)
	if err != nil {
		return nil, err
	}

	if err := proc.Initialize(ctx); err != nil {
		if allowFallback && cfg.Mode == ModeQueue {
			m.logger.Warn("queue processor failed to initialize, falling back to poll",
				"error", err)
			fallback := cfg
			fallback.Mode = ModePoll
			return m.launchResolved(ctx, fallback, false)
		}
		return nil, err
	}

	if err := proc.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.owned[cfg.Signature()] = proc
	m.mu.Unlock()

	m.watchWg.Add(1)
	go func() {
		defer m.watchWg.Done()
		m.watchFatal(cfg, proc, allowFallback)
	}()

	m.logger.Info("processor launched", "mode", proc.Mode())
	return proc, nil
}

// watchFatal listens for infrastructure-level failures from a running
// processor. A queue processor dying this way gets replaced by a poll
// processor with the same config; a poll processor dying means
// storage itself is gone, which nothing can fall back from.
func (m *Manager) watchFatal(cfg Config, proc Processor, allowFallback bool) {
	err, ok := <-proc.Fatal()
	if !ok || err == nil {
		return
	}
	m.logger.Error("processor failed fatally",
		"mode", proc.Mode(), "error", err)

	m.mu.Lock()
	delete(m.owned, cfg.Signature())
	m.mu.Unlock()

	if allowFallback && proc.Mode() == ModeQueue {
		fallback := cfg
		fallback.Mode = ModePoll
		_, launchErr := m.launchResolved(context.Background(), fallback, false)
		if launchErr != nil {
			m.logger.Error("fallback launch failed", "error", launchErr)
		}
	}
}

// Shutdown stops every owned processor in deterministic order and
// waits for in-flight dispatches to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sigs := maps.Keys(m.owned)
	sort.Strings(sigs)
	procs := make([]Processor, 0, len(sigs))
	for _, sig := range sigs {
		procs = append(procs, m.owned[sig])
	}
	m.owned = make(map[string]Processor)
	m.mu.Unlock()

	var firstErr error
	for _, proc := range procs {
		if err := proc.Stop(ctx); err != nil {
			m.logger.Error("failed to stop processor",
				"mode", proc.Mode(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
