package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
)

// CapabilityWaiter reports whether some node advertises a capability.
type CapabilityWaiter interface {
	WaitFor(ctx context.Context, name string, attrs map[string]string) bool
}

// BusConfig tunes the bus engine.
type BusConfig struct {
	Target string
	// StartTimeout bounds the start handshake and the availability probe.
	StartTimeout time.Duration
	// IdleTimeout ends a pass whose recognizer went silent.
	IdleTimeout time.Duration
}

type busEngine struct {
	cfg BusConfig
	bus *bus.Client
	log *slog.Logger

	mu     sync.Mutex
	active *busPass
}

type busPass struct {
	id        string
	reactions Reactions
	sub       *nats.Subscription
	idle      *time.Timer
	done      chan struct{}
	once      sync.Once
}

// NewBusEngine drives a remote recognizer over NATS. It fails with
// ErrCapabilityUnavailable when no node advertises the recognizer target
// within the start timeout.
func NewBusEngine(ctx context.Context, cfg BusConfig, client *bus.Client, waiter CapabilityWaiter) (Engine, error) {
	if cfg.Target == "" {
		return nil, errors.New("bus engine target is empty")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 3 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if waiter != nil {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
		defer cancel()
		attrs := map[string]string{"target": cfg.Target}
		if !waiter.WaitFor(probeCtx, protocol.CapabilityRecognizer, attrs) {
			return nil, fmt.Errorf("%w: no node advertises %s target=%s", ErrCapabilityUnavailable, protocol.CapabilityRecognizer, cfg.Target)
		}
	}
	return &busEngine{
		cfg: cfg,
		bus: client,
		log: client.Logger().With(slog.String("component", "bus-engine"), slog.String("target", cfg.Target)),
	}, nil
}

func (b *busEngine) Start(ctx context.Context, opts Options, reactions Reactions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != nil {
		return ErrPassActive
	}
	passID := opts.PassID
	if passID == "" {
		passID = uuid.NewString()
	}
	pass := &busPass{id: passID, reactions: reactions, done: make(chan struct{})}

	pass.idle = time.AfterFunc(b.cfg.IdleTimeout, func() {
		b.log.Warn("recognizer went silent", slog.String("pass_id", pass.id))
		pass.reactions.OnError(ErrorNetwork)
		b.finish(pass)
	})

	// Subscribe before the handshake so early events are not lost.
	sub, err := b.bus.Conn().Subscribe(protocol.RecognizerEventsSubject(b.cfg.Target, passID), func(msg *nats.Msg) {
		b.handleEvent(pass, msg)
	})
	if err != nil {
		pass.idle.Stop()
		return &EngineError{Code: ErrorNetwork, Err: fmt.Errorf("subscribe pass events: %w", err)}
	}
	pass.sub = sub

	cmd := protocol.RecognizerCommand{
		Op:             "start",
		PassID:         passID,
		Language:       opts.Language,
		Continuous:     opts.Continuous,
		InterimResults: opts.InterimResults,
		Timestamp:      time.Now().UTC(),
	}
	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	defer cancel()
	var ack protocol.RecognizerAck
	if err := b.bus.RequestJSON(reqCtx, protocol.RecognizerControlSubject(b.cfg.Target), cmd, &ack); err != nil {
		pass.idle.Stop()
		_ = sub.Unsubscribe()
		if errors.Is(err, nats.ErrNoResponders) {
			return &EngineError{Code: ErrorServiceNotAllowed, Err: err}
		}
		return &EngineError{Code: ErrorNetwork, Err: err}
	}
	if !ack.OK {
		pass.idle.Stop()
		_ = sub.Unsubscribe()
		return &EngineError{Code: reportedCode(ack.Error, ErrorStartFailed)}
	}

	b.active = pass
	go b.watch(ctx, pass)
	return nil
}

func (b *busEngine) Stop() error {
	b.mu.Lock()
	pass := b.active
	b.mu.Unlock()
	if pass == nil {
		return nil
	}
	return b.sendStop(pass)
}

func (b *busEngine) sendStop(pass *busPass) error {
	cmd := protocol.RecognizerCommand{Op: "stop", PassID: pass.id, Timestamp: time.Now().UTC()}
	if err := b.bus.PublishJSON(protocol.RecognizerControlSubject(b.cfg.Target), cmd); err != nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	return nil
}

func (b *busEngine) watch(ctx context.Context, pass *busPass) {
	select {
	case <-ctx.Done():
		if err := b.sendStop(pass); err != nil {
			b.log.Warn("failed to stop pass on shutdown", slog.String("error", err.Error()))
		}
	case <-pass.done:
	}
}

func (b *busEngine) handleEvent(pass *busPass, msg *nats.Msg) {
	var evt protocol.RecognizerEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		b.log.Warn("failed to decode recognizer event", slog.String("error", err.Error()))
		return
	}
	select {
	case <-pass.done:
		return
	default:
	}
	pass.idle.Reset(b.cfg.IdleTimeout)
	switch evt.Type {
	case "result":
		pass.reactions.OnResult(evt.Text)
	case "error":
		pass.reactions.OnError(reportedCode(evt.Error, ErrorNetwork))
	case "end":
		b.finish(pass)
	default:
		b.log.Warn("unknown recognizer event", slog.String("type", evt.Type))
	}
}

func (b *busEngine) finish(pass *busPass) {
	pass.once.Do(func() {
		pass.idle.Stop()
		b.mu.Lock()
		if b.active == pass {
			b.active = nil
		}
		sub := pass.sub
		b.mu.Unlock()
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		close(pass.done)
		pass.reactions.OnEnd()
	})
}
