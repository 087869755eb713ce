package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
)

// New builds the engine selected by cfg.Mode. Any error wrapping
// ErrCapabilityUnavailable means dictation must be disabled as a whole.
func New(ctx context.Context, cfg config.STTConfig, busClient *bus.Client, waiter CapabilityWaiter, log *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "none":
		return nil, fmt.Errorf("%w: stt.mode is none", ErrCapabilityUnavailable)
	case "mock":
		return NewMockEngine(cfg.MockUtterances, time.Duration(cfg.MockPauseMS)*time.Millisecond), nil
	case "exec":
		return NewExecEngine(cfg.Command, log)
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("%w: bus is not connected", ErrCapabilityUnavailable)
		}
		return NewBusEngine(ctx, BusConfig{
			Target:       cfg.Target,
			StartTimeout: time.Duration(cfg.StartTimeoutMS) * time.Millisecond,
			IdleTimeout:  time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		}, busClient, waiter)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
