package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictation/internal/control"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/session"
)

const unavailableNotice = "speech recognition is not available on this node"

type Server struct {
	controller  *session.Controller
	unavailable error
	hub         *Hub
	router      chi.Router
	upgrader    websocket.Upgrader
	log         *slog.Logger
}

type transcriptRequest struct {
	Text string `json:"text"`
}

type languageRequest struct {
	Language string `json:"language"`
}

type languagesResponse struct {
	Languages []string `json:"languages"`
	Selected  string   `json:"selected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the HTTP surface for controller. A nil controller means
// the recognition capability is missing: every route then answers 503 with
// unavailable as the reason.
func NewServer(controller *session.Controller, unavailable error, allowedOrigins []string, log *slog.Logger) *Server {
	log = log.With(slog.String("component", "web"))
	id := ""
	if controller != nil {
		id = controller.ID()
	}
	s := &Server{
		controller:  controller,
		unavailable: unavailable,
		hub:         NewHub(id, log),
		log:         log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireController)
		r.Post("/api/start", s.handleStart)
		r.Post("/api/stop", s.handleStop)
		r.Get("/api/status", s.handleStatus)
		r.Put("/api/transcript", s.handleTranscript)
		r.Get("/api/languages", s.handleLanguages)
		r.Put("/api/language", s.handleLanguage)
		r.Get("/ws", s.handleWebsocket)
	})
	s.router = r

	if controller != nil {
		controller.AddListener(s.hub)
	}
	return s
}

// Router exposes the router so the runtime can mount operational routes.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) requireController(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.controller == nil {
			msg := unavailableNotice
			if s.unavailable != nil {
				msg += ": " + s.unavailable.Error()
			}
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: msg})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// POST /api/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.controller.Start())
}

// POST /api/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.controller.Stop())
}

// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.reply(w, nil)
}

// PUT /api/transcript
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	s.controller.SetTranscript(req.Text)
	s.reply(w, nil)
}

// GET /api/languages
func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, languagesResponse{
		Languages: s.controller.Languages(),
		Selected:  s.controller.Language(),
	})
}

// PUT /api/language
func (s *Server) handleLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	s.reply(w, s.controller.SelectLanguage(req.Language))
}

// GET /ws
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slogError(err))
		return
	}
	id, ok := s.hub.Register(conn)
	if !ok {
		return
	}
	defer s.hub.Unregister(id)

	status := control.StatusMessage(s.controller.Snapshot())
	if data, err := json.Marshal(Event{Type: "status", Status: &status}); err == nil {
		s.hub.SendTo(id, data)
	}

	// Clients only listen; reading drives close detection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) reply(w http.ResponseWriter, err error) {
	reply := protocol.ControlReply{OK: err == nil, Status: control.StatusMessage(s.controller.Snapshot())}
	code := http.StatusOK
	if err != nil {
		reply.Error = err.Error()
		switch {
		case errors.Is(err, session.ErrUnsupportedLanguage):
			code = http.StatusBadRequest
		case errors.Is(err, session.ErrClosed):
			code = http.StatusConflict
		default:
			code = http.StatusBadGateway
			s.log.Warn("controller request failed", slog.String("path", "api"), slogError(err))
		}
	}
	writeJSON(w, code, reply)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
