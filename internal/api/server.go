// Package api exposes the chat service over HTTP and websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"TrustMed/internal/chatbot"
	"TrustMed/internal/config"
	"TrustMed/internal/knowledge"
	"TrustMed/internal/rag"
	"TrustMed/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

const (
	defaultSearchK = 5
	maxSearchK     = 20
	maxContentLen  = 4000
)

// ChatService is the chat surface the API serves. *chatbot.ChatBot implements it.
type ChatService interface {
	SendMessage(ctx context.Context, sessionID, content string) (*chatbot.Reply, error)
	Session(ctx context.Context, id string) (*session.Session, error)
	Summary(ctx context.Context, id string) (session.Summary, error)
	DeleteSession(ctx context.Context, id string) error
	Sessions(ctx context.Context) ([]session.Summary, error)
	Health(ctx context.Context) chatbot.Health
}

// Retriever runs retrieval without generation. *rag.Pipeline implements it.
type Retriever interface {
	Search(ctx context.Context, text string, k int) (rag.Query, []rag.RetrievalResult, error)
}

// Knowledge lists what the knowledge base knows. *knowledge.Store implements it.
type Knowledge interface {
	Conditions(ctx context.Context) ([]string, error)
	MedicalFacts(ctx context.Context, condition string) (knowledge.Facts, error)
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Content   string `json:"content" validate:"required,max=4000"`
	Timestamp string `json:"timestamp" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
}

// ChatResponse is the reply to POST /chat.
type ChatResponse struct {
	Message         string                `json:"message"`
	Sources         []rag.RetrievalResult `json:"sources"`
	Confidence      float64               `json:"confidence"`
	Disclaimer      string                `json:"disclaimer"`
	CitationSummary string                `json:"citation_summary"`
	Timestamp       string                `json:"timestamp"`
	SessionID       string                `json:"session_id"`
}

// SearchResponse is the reply to GET /search.
type SearchResponse struct {
	Query   rag.Query             `json:"query"`
	Results []rag.RetrievalResult `json:"results"`
}

// Server holds the HTTP handlers. A nil chat service answers 503 until the
// service is ready.
type Server struct {
	chat      ChatService
	retriever Retriever
	kb        Knowledge
	metrics   http.Handler
	cfg       config.ServerConfig
	logger    *slog.Logger
	validate  *validator.Validate
	limiter   *rateLimiter
	upgrader  websocket.Upgrader
}

// NewServer creates the API. metrics may be nil to disable /metrics.
func NewServer(chat ChatService, retriever Retriever, kb Knowledge, metrics http.Handler, cfg config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		chat:      chat,
		retriever: retriever,
		kb:        kb,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return originAllowed(cfg.AllowedOrigins, r) },
		},
	}
	if cfg.RateLimitQPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitQPS, cfg.RateLimitBurst)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware(s.logger))
		}
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			if s.cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			}
			r.Post("/chat", s.handleChat)
			r.Get("/search", s.handleSearch)
		})

		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/summary", s.handleSessionSummary)
		})

		r.Get("/conditions", s.handleConditions)
		r.Get("/conditions/{name}/facts", s.handleFacts)
	})

	return r
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat service not initialized")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	reply, err := s.chat.SendMessage(r.Context(), req.SessionID, req.Content)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse(reply))
}

func chatResponse(reply *chatbot.Reply) ChatResponse {
	return ChatResponse{
		Message:         reply.Answer.Answer,
		Sources:         reply.Answer.Sources,
		Confidence:      reply.Answer.Confidence,
		Disclaimer:      reply.Answer.Disclaimer,
		CitationSummary: reply.Answer.CitationSummary,
		Timestamp:       reply.Message.Timestamp.Format(time.RFC3339),
		SessionID:       reply.SessionID,
	}
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rag.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "content must not be empty")
	case errors.Is(err, chatbot.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chatbot.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session deleted while answering")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.logger.Error("chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process message")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeJSON(w, http.StatusServiceUnavailable, chatbot.Health{
			Status:       "unhealthy",
			Message:      "chat service not initialized",
			LLMStatus:    "unknown",
			VectorStatus: "unknown",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.chat.Health(r.Context()))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat service not initialized")
		return
	}
	sums, err := s.chat.Sessions(r.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sums})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat service not initialized")
		return
	}
	sess, err := s.chat.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat service not initialized")
		return
	}
	sum, err := s.chat.Summary(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat service not initialized")
		return
	}
	if err := s.chat.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted"})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, chatbot.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Error("session request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to access session")
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "retrieval not initialized")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	k := defaultSearchK
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSearchK {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("k must be between 1 and %d", maxSearchK))
			return
		}
		k = n
	}

	query, results, err := s.retriever.Search(r.Context(), q, k)
	if err != nil {
		if errors.Is(err, rag.ErrRetrievalUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "retrieval unavailable")
			return
		}
		s.logger.Error("search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: query, Results: results})
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	if s.kb == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge base not initialized")
		return
	}
	conditions, err := s.kb.Conditions(r.Context())
	if err != nil {
		s.logger.Error("failed to list conditions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conditions")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"conditions": conditions})
}

func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	if s.kb == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge base not initialized")
		return
	}
	name := chi.URLParam(r, "name")
	facts, err := s.kb.MedicalFacts(r.Context(), name)
	if err != nil {
		s.logger.Error("failed to load facts", "condition", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load facts")
		return
	}
	if facts.Count() == 0 {
		writeError(w, http.StatusNotFound, "no facts known for condition")
		return
	}
	writeJSON(w, http.StatusOK, facts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// validationMessage turns validator errors into a readable message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, e.Param()))
		case "datetime":
			msgs = append(msgs, field+" must be an RFC 3339 timestamp")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func originAllowed(allowed []string, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
