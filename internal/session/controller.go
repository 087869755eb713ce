package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictation/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnsupportedLanguage = errors.New("language is not in the configured set")
	ErrClosed              = errors.New("controller closed")
)

// Listener observes controller changes. Calls arrive in order while the
// controller lock is held, so implementations must not call back into the
// controller and must not block.
type Listener interface {
	StatusChanged(snapshot Snapshot)
	TranscriptChanged(text, fragment string)
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	Listening  bool   `json:"listening"`
	Language   string `json:"language"`
	Transcript string `json:"transcript"`
	Stats      Stats  `json:"stats"`
}

type Config struct {
	ID        string
	Languages []string
	// Language is the initial selection; it defaults to the first entry of
	// Languages.
	Language string
}

// Controller simulates continuous listening on top of an engine whose passes
// end by themselves: every end is answered with a new pass for as long as
// the user wants to listen.
type Controller struct {
	id        string
	engine    recognition.Engine
	languages []string
	log       *slog.Logger
	metrics   *metrics
	tracer    trace.Tracer
	ctx       context.Context
	cancel    context.CancelFunc

	mu sync.Mutex
	// listening is the user's intent; passActive is the engine's reality.
	listening bool
	// passActive stays true after Stop until the engine confirms the end.
	passActive bool
	// pendingStart marks a Start that arrived while the previous pass was
	// still winding down; the end reaction serves it.
	pendingStart    bool
	passID          string
	language        string
	sessionLanguage string
	transcript      transcript
	status          Status
	stats           Stats
	listeners       []Listener
	closed          bool
}

func New(parent context.Context, cfg Config, engine recognition.Engine, log *slog.Logger) (*Controller, error) {
	if engine == nil {
		return nil, recognition.ErrCapabilityUnavailable
	}
	if len(cfg.Languages) == 0 {
		return nil, errors.New("at least one language is required")
	}
	language := cfg.Language
	if language == "" {
		language = cfg.Languages[0]
	}
	if !slices.Contains(cfg.Languages, language) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	id := cfg.ID
	if id == "" {
		id = "default"
	}
	m, err := newMetrics(id)
	if err != nil {
		log.Warn("failed to initialize dictation metrics", slog.String("error", err.Error()))
	}
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		id:        id,
		engine:    engine,
		languages: append([]string(nil), cfg.Languages...),
		log:       log.With(slog.String("component", "session"), slog.String("controller", id)),
		metrics:   m,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-dictation/session"),
		ctx:       ctx,
		cancel:    cancel,
		language:  language,
		status:    statusFor(PhaseIdle),
	}, nil
}

// AddListener registers l for every subsequent change.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start begins continuous listening. It is a no-op while already listening.
// The displayed transcript becomes the baseline new fragments append to.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.listening {
		return nil
	}

	_, span := c.tracer.Start(c.ctx, "dictation.start", trace.WithAttributes(
		attribute.String("controller", c.id),
		attribute.String("language", c.language),
	))
	defer span.End()

	c.transcript.rebase()
	c.sessionLanguage = c.language

	if c.passActive {
		c.listening = true
		c.pendingStart = true
		c.log.Info("recognition start deferred until previous pass ends")
		c.setStatus(statusFor(PhaseListening))
		return nil
	}

	if err := c.beginPass(); err != nil {
		span.RecordError(err)
		c.fail(recognition.CodeOf(err))
		return fmt.Errorf("start recognition: %w", err)
	}
	c.listening = true
	c.log.Info("recognition started", slog.String("language", c.sessionLanguage))
	c.setStatus(statusFor(PhaseListening))
	return nil
}

// Stop ends continuous listening. It is a no-op while idle. The engine is
// asked to end the current pass; its end reaction will not restart it.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.listening {
		return nil
	}

	_, span := c.tracer.Start(c.ctx, "dictation.stop", trace.WithAttributes(attribute.String("controller", c.id)))
	defer span.End()

	c.listening = false
	if c.pendingStart {
		c.pendingStart = false
		c.setStatus(statusFor(PhaseStopped))
		return nil
	}

	var err error
	if c.passActive {
		if stopErr := c.engine.Stop(); stopErr != nil {
			span.RecordError(stopErr)
			c.log.Warn("engine stop failed", slog.String("error", stopErr.Error()))
			err = fmt.Errorf("stop recognition: %w", stopErr)
		}
	}
	c.log.Info("recognition stopped manually")
	c.setStatus(statusFor(PhaseStopped))
	return err
}

// OnResult appends a recognized fragment of the current pass.
func (c *Controller) OnResult(text string) { c.handleResult("", text) }

// OnEnd reacts to the end of the current pass.
func (c *Controller) OnEnd() { c.handleEnd("") }

// OnError reports an engine error for the current pass.
func (c *Controller) OnError(code recognition.ErrorCode) { c.handleError("", code) }

// SetTranscript replaces the displayed text, as a user edit would.
func (c *Controller) SetTranscript(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript.edit(text)
	c.notifyTranscript("")
}

// SelectLanguage changes the language used by the next Start.
func (c *Controller) SelectLanguage(language string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.languages, language) {
		return fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	c.language = language
	c.notifyStatus()
	return nil
}

// Close stops listening and aborts any pass in flight.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.listening = false
	c.pendingStart = false
	if c.passActive {
		if err := c.engine.Stop(); err != nil {
			c.log.Warn("engine stop on close failed", slog.String("error", err.Error()))
		}
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) Languages() []string {
	return append([]string(nil), c.languages...)
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.text()
}

func (c *Controller) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// PassActive reports whether the engine is running a pass.
func (c *Controller) PassActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passActive
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) handleResult(passID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(passID) {
		return
	}
	fragment, ok := c.transcript.append(text)
	if !ok {
		return
	}
	c.stats.Results++
	c.metrics.result()
	c.log.Debug("text captured", slog.String("text", fragment))
	c.notifyTranscript(fragment)
}

// handleEnd answers the end of a pass: a new pass while listening, the
// stopped status otherwise. If the new pass cannot start, listening is
// cleared and the error status stays: Listening then reports false even
// though Stop was never called.
func (c *Controller) handleEnd(passID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(passID) {
		return
	}
	c.passActive = false
	c.passID = ""

	if !c.listening {
		c.log.Info("recognition ended")
		c.setStatus(statusFor(PhaseStopped))
		return
	}

	if c.pendingStart {
		c.pendingStart = false
	} else {
		c.setStatus(statusFor(PhaseRestarting))
		c.stats.Restarts++
		c.metrics.restart()
		c.log.Debug("restarting recognition")
	}
	if err := c.beginPass(); err != nil {
		c.log.Warn("recognition restart failed", slog.String("error", err.Error()))
		c.listening = false
		c.fail(recognition.CodeOf(err))
		return
	}
	c.setStatus(statusFor(PhaseListening))
}

func (c *Controller) handleError(passID string, code recognition.ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if passID != "" && passID != c.passID {
		return
	}
	c.log.Warn("recognition error", slog.String("code", string(code)))
	c.fail(code)
}

// current reports whether a reaction tagged with passID belongs to the pass
// in flight. An empty passID addresses whatever pass is current.
func (c *Controller) current(passID string) bool {
	if !c.passActive {
		return false
	}
	return passID == "" || passID == c.passID
}

func (c *Controller) beginPass() error {
	passID := uuid.NewString()
	opts := recognition.Options{
		PassID:         passID,
		Language:       c.sessionLanguage,
		Continuous:     false,
		InterimResults: false,
	}
	if err := c.engine.Start(c.ctx, opts, passReactions{c: c, passID: passID}); err != nil {
		return err
	}
	c.passActive = true
	c.passID = passID
	c.stats.Passes++
	c.metrics.pass()
	return nil
}

func (c *Controller) fail(code recognition.ErrorCode) {
	c.stats.Errors++
	c.metrics.failure(string(code))
	c.setStatus(errorStatus(code))
}

func (c *Controller) setStatus(status Status) {
	c.status = status
	c.notifyStatus()
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		ID:         c.id,
		Status:     c.status,
		Listening:  c.listening,
		Language:   c.language,
		Transcript: c.transcript.text(),
		Stats:      c.stats,
	}
}

func (c *Controller) notifyStatus() {
	if len(c.listeners) == 0 {
		return
	}
	snap := c.snapshot()
	for _, l := range c.listeners {
		l.StatusChanged(snap)
	}
}

func (c *Controller) notifyTranscript(fragment string) {
	text := c.transcript.text()
	for _, l := range c.listeners {
		l.TranscriptChanged(text, fragment)
	}
}

// passReactions tags engine reactions with their pass so that late events
// from an earlier pass are dropped.
type passReactions struct {
	c      *Controller
	passID string
}

func (r passReactions) OnResult(text string) { r.c.handleResult(r.passID, text) }

func (r passReactions) OnEnd() { r.c.handleEnd(r.passID) }

func (r passReactions) OnError(code recognition.ErrorCode) { r.c.handleError(r.passID, code) }
