package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"codepair/internal/config"
	"codepair/internal/coordinator"
	"codepair/internal/signal"
	"codepair/internal/store"
	"codepair/internal/ws"
	"codepair/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	// TODO: restrict origins once the frontend host is pinned down
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the REST surface (session lifecycle, health) and the
// collaboration WebSocket endpoint.
type Server struct {
	cfg      config.WebSocketConfig
	store    *store.Store
	registry *ws.Registry
	coord    *coordinator.Coordinator
	relay    *signal.Relay
	router   chi.Router
}

// NewServer wires the HTTP layer over the coordinator and relay.
func NewServer(cfg config.WebSocketConfig, st *store.Store, registry *ws.Registry,
	coord *coordinator.Coordinator, relay *signal.Relay) *Server {

	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: registry,
		coord:    coord,
		relay:    relay,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{sessionID}", s.handleGetSession)
	})
	r.Get("/ws/code", s.handleWebSocket)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleWebSocket upgrades the connection and runs its read loop. Frames are
// processed to completion in receipt order; call signaling events branch to
// the relay, everything else goes to the coordinator.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := ws.NewConnection(sock, s.cfg, log.Logger)
	logger := conn.Logger()

	if err := s.registry.Register(conn); err != nil {
		logger.Error().Err(err).Msg("connection registration failed")
		_ = conn.Close()
		return
	}
	if err := conn.StartHeartbeat(s.cfg); err != nil {
		logger.Error().Err(err).Msg("heartbeat setup failed")
		s.registry.Unregister(conn)
		_ = conn.Close()
		return
	}

	logger.Info().Msg("client connected")

	// Teardown is tied to this read loop exiting, which covers every exit
	// path: remote close, heartbeat expiry, and server shutdown.
	defer func() {
		s.coord.HandleDisconnect(conn)
		_ = conn.Close()
		logger.Info().Msg("client disconnected")
	}()

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		if protocol.CallEvents[env.Event] {
			s.relay.Dispatch(conn, env)
			continue
		}
		if err := s.coord.Dispatch(conn, env); err != nil {
			logger.Debug().Str("event", env.Event).Msg("unknown event, ignoring")
		}
	}
}

type createSessionRequest struct {
	Title    string `json:"title"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	language := req.Language
	if language == "" {
		language = "javascript"
	}

	sess := &protocol.Session{
		SessionID:    uuid.New().String(),
		Title:        req.Title,
		Code:         req.Code,
		Language:     language,
		LastModified: time.Now(),
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		log.Error().Err(err).Msg("session create failed")
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	log.Info().Str("session_id", sess.SessionID).Str("language", language).Msg("session created")
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.FindSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
		} else {
			log.Error().Err(err).Msg("session lookup failed")
			s.writeError(w, http.StatusInternalServerError, "failed to load session")
		}
		return
	}

	participants, err := s.store.Participants(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Msg("participants lookup failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"session":      sess,
		"participants": participants,
		"connected":    s.registry.GroupSize(sessionID),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
		"registry":  s.registry.Stats(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
