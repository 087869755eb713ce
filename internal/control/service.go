package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/session"
	"github.com/nats-io/nats.go"
)

// Service exposes one controller on the bus: requests arrive on the
// controller's control subject and every change is broadcast.
type Service struct {
	id          string
	bus         *bus.Client
	controller  *session.Controller
	unavailable error
	logger      *slog.Logger
	sub         *nats.Subscription
	ready       bool
}

// NewService wires controller to the bus. When the recognition capability
// is missing, controller is nil and unavailable explains why; every request
// is then refused with that reason.
func NewService(id string, busClient *bus.Client, controller *session.Controller, unavailable error, logger *slog.Logger) *Service {
	return &Service{
		id:          id,
		bus:         busClient,
		controller:  controller,
		unavailable: unavailable,
		logger:      logger.With(slog.String("component", "control"), slog.String("controller", id)),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.ControlSubject(s.id), s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe control requests: %w", err)
	}
	s.sub = sub
	if s.controller != nil {
		s.controller.AddListener(s)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ControlRequest
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode control request", slogError(err))
		reply.Error = "invalid request"
	} else {
		reply = s.apply(req)
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to control request", slogError(err))
	}
}

func (s *Service) apply(req protocol.ControlRequest) protocol.ControlReply {
	if s.controller == nil {
		msg := "speech recognition unavailable"
		if s.unavailable != nil {
			msg = s.unavailable.Error()
		}
		return protocol.ControlReply{Error: msg}
	}

	var err error
	switch req.Op {
	case "start":
		err = s.controller.Start()
	case "stop":
		err = s.controller.Stop()
	case "status":
	case "edit":
		s.controller.SetTranscript(req.Text)
	case "language":
		err = s.controller.SelectLanguage(req.Language)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	reply := protocol.ControlReply{OK: err == nil, Status: StatusMessage(s.controller.Snapshot())}
	if err != nil {
		reply.Error = err.Error()
		if !errors.Is(err, session.ErrUnsupportedLanguage) {
			s.logger.Warn("control request failed", slog.String("op", req.Op), slogError(err))
		}
	}
	return reply
}

// StatusChanged broadcasts the new status.
func (s *Service) StatusChanged(snap session.Snapshot) {
	if err := s.bus.PublishJSON(protocol.SubjectDictationStatus, StatusMessage(snap)); err != nil {
		s.logger.Warn("failed to publish status", slogError(err))
	}
}

// TranscriptChanged broadcasts the new transcript.
func (s *Service) TranscriptChanged(text, fragment string) {
	msg := protocol.TranscriptMessage{
		ControllerID: s.id,
		Text:         text,
		Fragment:     fragment,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectDictationTranscript, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

// StatusMessage converts a controller snapshot to its wire form.
func StatusMessage(snap session.Snapshot) protocol.StatusMessage {
	return protocol.StatusMessage{
		ControllerID: snap.ID,
		Phase:        string(snap.Status.Phase),
		Message:      snap.Status.Message,
		Error:        string(snap.Status.Error),
		Listening:    snap.Listening,
		Language:     snap.Language,
		Transcript:   snap.Transcript,
		Passes:       snap.Stats.Passes,
		Restarts:     snap.Stats.Restarts,
		Timestamp:    time.Now().UTC(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
