package recognition

import (
	"context"
	"sync"
	"time"
)

// minMockPause keeps a zero pause from turning restarts into a busy loop.
const minMockPause = 5 * time.Millisecond

type mockEngine struct {
	utterances []string
	pause      time.Duration

	mu     sync.Mutex
	next   int
	active *mockPass
}

type mockPass struct {
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMockEngine returns an engine that recognizes the given utterances in
// turn, one per pass, ending each pass after pause.
func NewMockEngine(utterances []string, pause time.Duration) Engine {
	pause = max(pause, minMockPause)
	return &mockEngine{
		utterances: append([]string(nil), utterances...),
		pause:      pause,
	}
}

func (m *mockEngine) Start(ctx context.Context, _ Options, reactions Reactions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return ErrPassActive
	}
	var text string
	if len(m.utterances) > 0 {
		text = m.utterances[m.next%len(m.utterances)]
		m.next++
	}
	pass := &mockPass{stop: make(chan struct{})}
	m.active = pass
	go m.run(ctx, pass, text, reactions)
	return nil
}

func (m *mockEngine) Stop() error {
	m.mu.Lock()
	pass := m.active
	m.mu.Unlock()
	if pass != nil {
		pass.stopOnce.Do(func() { close(pass.stop) })
	}
	return nil
}

func (m *mockEngine) run(ctx context.Context, pass *mockPass, text string, reactions Reactions) {
	timer := time.NewTimer(m.pause)
	defer timer.Stop()

	select {
	case <-timer.C:
		if text != "" {
			reactions.OnResult(text)
		}
	case <-pass.stop:
	case <-ctx.Done():
		reactions.OnError(ErrorAborted)
	}

	m.mu.Lock()
	if m.active == pass {
		m.active = nil
	}
	m.mu.Unlock()
	reactions.OnEnd()
}

