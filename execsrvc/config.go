package execsrvc

import (
	"fmt"
	"time"

	"github.com/evalgrid/backend/modelcall"
)

type Mode string

const (
	ModeAuto  Mode = "auto"
	ModePoll  Mode = "poll"
	ModeQueue Mode = "queue"
)

// Config selects and tunes one execution backend instance. Two configs
// with equal signatures share one processor.
type Config struct {
	Mode Mode

	// poll backend
	PollInterval       time.Duration
	ConcurrentLimit    int
	DispatchRetryDelay time.Duration

	// queue backend
	WorkerCount int
	QueueUrl    string
}

func DefaultConfig() Config {
	return Config{
		Mode:               ModeAuto,
		PollInterval:       5 * time.Second,
		ConcurrentLimit:    8,
		DispatchRetryDelay: 30 * time.Second,
		WorkerCount:        4,
	}
}

// Signature identifies the config for processor caching and the
// manager's owned map.
func (c Config) Signature() string {
	return fmt.Sprintf("%s|%s|%d|%s|%d|%s",
		c.Mode, c.PollInterval, c.ConcurrentLimit,
		c.DispatchRetryDelay, c.WorkerCount, c.QueueUrl)
}

// ValidateConfig checks a config before any processor is started.
// Structural problems are errors; a provider that is configured but
// missing its credential is only a warning as long as at least one
// provider remains usable.
func ValidateConfig(cfg Config, providers *modelcall.Registry) ([]string, error) {
	if cfg.PollInterval <= 0 {
		return nil, ErrInvalidProcessorConfig(
			fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval))
	}
	if cfg.ConcurrentLimit <= 0 {
		return nil, ErrInvalidProcessorConfig(
			fmt.Errorf("concurrent limit must be positive, got %d", cfg.ConcurrentLimit))
	}
	if cfg.WorkerCount <= 0 {
		return nil, ErrInvalidProcessorConfig(
			fmt.Errorf("worker count must be positive, got %d", cfg.WorkerCount))
	}
	if cfg.Mode == ModeQueue && cfg.QueueUrl == "" {
		return nil, ErrInvalidProcessorConfig(
			fmt.Errorf("queue mode requires a queue url"))
	}

	if providers == nil || providers.Len() == 0 {
		return nil, ErrNoUsableProvider()
	}
	if len(providers.UsableProviders()) == 0 {
		return nil, ErrNoUsableProvider()
	}

	warnings := []string{}
	for _, id := range providers.MissingCredentials() {
		warnings = append(warnings,
			fmt.Sprintf("provider %s is configured but its credentials do not resolve", id))
	}
	return warnings, nil
}
