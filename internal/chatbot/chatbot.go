package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"TrustMed/internal/backend"
	"TrustMed/internal/rag"
	"TrustMed/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBusy is returned when a session already has a turn in flight.
	ErrBusy = errors.New("session has a message in progress")
)

// Answerer produces the assistant reply for one user turn.
type Answerer interface {
	Answer(ctx context.Context, question string, history []backend.Message) (*rag.Answer, error)
}

// SessionStore persists sessions. session.Store implements it.
type SessionStore interface {
	Save(ctx context.Context, sess *session.Session) error
	Load(ctx context.Context, id string) (*session.Session, error)
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
	DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configure a ChatBot.
type Options struct {
	Backend         string
	PersistSessions bool
	IdleTTL         time.Duration
	HistoryTurns    int

	// Vector is pinged by Health when set.
	Vector backend.Pinger
}

// Reply is the result of one turn.
type Reply struct {
	SessionID string
	Message   session.Message
	Answer    *rag.Answer
}

// Health reports whether the service and its model are usable.
type Health struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	LLMStatus    string `json:"llm_status"`
	VectorStatus string `json:"vector_status"`
}

type entry struct {
	sess    *session.Session
	busy    bool
	deleted bool
}

// ChatBot owns the chat sessions of the service and relays each user turn
// to the answer pipeline.
type ChatBot struct {
	answerer Answerer
	store    SessionStore
	llm      backend.Pinger
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	turns    metric.Int64Counter

	mu       sync.Mutex
	sessions map[string]*entry
	saves    sync.WaitGroup

	// saveMu orders background saves against deletes.
	saveMu sync.Mutex
}

// NewChatBot creates a chat service. store may be nil when sessions are not
// persisted; llm may be nil when the backend cannot be pinged.
func NewChatBot(answerer Answerer, store SessionStore, llm backend.Pinger, opts Options, tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) (*ChatBot, error) {
	turns, err := meter.Int64Counter("chat.turns",
		metric.WithDescription("Chat turns by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if store == nil {
		opts.PersistSessions = false
	}
	return &ChatBot{
		answerer: answerer,
		store:    store,
		llm:      llm,
		opts:     opts,
		logger:   logger.With("component", "chatbot"),
		tracer:   tracer,
		turns:    turns,
		sessions: map[string]*entry{},
	}, nil
}

// SendMessage answers content within the session id, creating the session
// when it does not exist yet. An empty id starts a new session.
func (cb *ChatBot) SendMessage(ctx context.Context, sessionID, content string) (*Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, rag.ErrEmptyQuery
	}

	ctx, span := cb.tracer.Start(ctx, "chat_turn")
	defer span.End()

	e, created, err := cb.acquire(ctx, sessionID)
	if errors.Is(err, ErrBusy) {
		cb.count(ctx, "busy")
		return nil, err
	}
	if err != nil {
		cb.count(ctx, "error")
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", e.sess.ID))

	cb.mu.Lock()
	history := toBackend(e.sess.History(cb.opts.HistoryTurns))
	cb.mu.Unlock()

	ans, err := cb.answerer.Answer(ctx, content, history)
	if err != nil {
		cb.abandon(e, created)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cb.count(ctx, "error")
		return nil, fmt.Errorf("failed to answer message: %w", err)
	}

	userMsg := session.NewMessage(session.RoleUser, content)
	userMsg.Topic = ans.Condition
	reply := session.NewMessage(session.RoleAssistant, ans.Answer)
	reply.Confidence = ans.Confidence
	reply.SourceCount = len(ans.Sources)

	cb.mu.Lock()
	e.busy = false
	if e.deleted {
		cb.mu.Unlock()
		cb.count(ctx, "deleted")
		cb.logger.Info("dropped reply for deleted session", "session_id", e.sess.ID)
		return nil, ErrSessionNotFound
	}
	e.sess.Append(userMsg)
	e.sess.Append(reply)
	snapshot := clone(e.sess)
	if cb.opts.PersistSessions {
		cb.saves.Add(1)
	}
	cb.mu.Unlock()

	if cb.opts.PersistSessions {
		go cb.save(e, snapshot)
	}

	outcome := "ok"
	if ans.Degraded {
		outcome = "degraded"
	}
	cb.count(ctx, outcome)
	cb.logger.Info("chat turn answered",
		"session_id", snapshot.ID,
		"condition", ans.Condition,
		"confidence", ans.Confidence,
		"sources", len(ans.Sources),
		"cached", ans.Cached,
	)
	return &Reply{SessionID: snapshot.ID, Message: reply, Answer: ans}, nil
}

// save persists a snapshot unless the session was deleted meanwhile.
func (cb *ChatBot) save(e *entry, snapshot *session.Session) {
	defer cb.saves.Done()
	cb.saveMu.Lock()
	defer cb.saveMu.Unlock()

	cb.mu.Lock()
	deleted := e.deleted
	cb.mu.Unlock()
	if deleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cb.store.Save(ctx, snapshot); err != nil {
		cb.logger.Error("failed to save session", "session_id", snapshot.ID, "error", err)
	}
}

// acquire returns the session entry marked busy and whether it was created
// for this turn.
func (cb *ChatBot) acquire(ctx context.Context, id string) (*entry, bool, error) {
	if id != "" {
		if _, err := cb.lookup(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, false, err
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	e, ok := cb.sessions[id]
	created := !ok
	if !ok {
		sess := session.New(cb.opts.Backend)
		if id != "" {
			sess.ID = id
		}
		e = &entry{sess: sess}
		cb.sessions[sess.ID] = e
		cb.logger.Info("created new session", "session_id", sess.ID, "backend", cb.opts.Backend)
	}
	if e.busy {
		return nil, false, ErrBusy
	}
	e.busy = true
	return e, created, nil
}

// abandon releases an entry after a failed turn. A session created for that
// turn is forgotten again.
func (cb *ChatBot) abandon(e *entry, created bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e.busy = false
	if created && len(e.sess.Messages) == 0 && cb.sessions[e.sess.ID] == e {
		delete(cb.sessions, e.sess.ID)
	}
}

// lookup finds a session in memory or, when persisted, in the store, and
// caches a stored session in memory.
func (cb *ChatBot) lookup(ctx context.Context, id string) (*session.Session, error) {
	cb.mu.Lock()
	e, ok := cb.sessions[id]
	if ok {
		s := clone(e.sess)
		cb.mu.Unlock()
		return s, nil
	}
	cb.mu.Unlock()

	if !cb.opts.PersistSessions {
		return nil, ErrSessionNotFound
	}
	sess, err := cb.store.Load(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if e, ok := cb.sessions[id]; ok {
		return clone(e.sess), nil
	}
	cb.sessions[id] = &entry{sess: sess}
	cb.logger.Info("loaded existing session", "session_id", id)
	return clone(sess), nil
}

// Session returns a copy of the session.
func (cb *ChatBot) Session(ctx context.Context, id string) (*session.Session, error) {
	return cb.lookup(ctx, id)
}

// Summary describes the activity of a session.
func (cb *ChatBot) Summary(ctx context.Context, id string) (session.Summary, error) {
	sess, err := cb.lookup(ctx, id)
	if err != nil {
		return session.Summary{}, err
	}
	return sess.Summarize(), nil
}

// Sessions summarizes every known session, most recently active first.
func (cb *ChatBot) Sessions(ctx context.Context) ([]session.Summary, error) {
	cb.mu.Lock()
	byID := make(map[string]session.Summary, len(cb.sessions))
	for id, e := range cb.sessions {
		byID[id] = e.sess.Summarize()
	}
	cb.mu.Unlock()

	if cb.opts.PersistSessions {
		ids, err := cb.store.IDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, id := range ids {
			if _, ok := byID[id]; ok {
				continue
			}
			sess, err := cb.store.Load(ctx, id)
			if errors.Is(err, session.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load session: %w", err)
			}
			byID[id] = sess.Summarize()
		}
	}

	out := make([]session.Summary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// DeleteSession discards a session from memory and storage. A turn still in
// flight for the session is dropped when it completes.
func (cb *ChatBot) DeleteSession(ctx context.Context, id string) error {
	cb.mu.Lock()
	e, inMemory := cb.sessions[id]
	if inMemory {
		e.deleted = true
		delete(cb.sessions, id)
	}
	cb.mu.Unlock()

	if !cb.opts.PersistSessions {
		if !inMemory {
			return ErrSessionNotFound
		}
		return nil
	}

	cb.saveMu.Lock()
	err := cb.store.Delete(ctx, id)
	cb.saveMu.Unlock()
	switch {
	case errors.Is(err, session.ErrNotFound):
		if !inMemory {
			return ErrSessionNotFound
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to delete session: %w", err)
	}
	cb.logger.Info("session deleted", "session_id", id)
	return nil
}

// ExpireIdle discards sessions without activity since now minus the idle
// TTL and returns how many in-memory sessions were removed.
func (cb *ChatBot) ExpireIdle(ctx context.Context, now time.Time) int {
	if cb.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-cb.opts.IdleTTL).UTC()

	cb.mu.Lock()
	removed := 0
	for id, e := range cb.sessions {
		if !e.busy && e.sess.LastActivity.Before(cutoff) {
			e.deleted = true
			delete(cb.sessions, id)
			removed++
		}
	}
	cb.mu.Unlock()

	if cb.opts.PersistSessions {
		n, err := cb.store.DeleteIdle(ctx, cutoff)
		if err != nil {
			cb.logger.Error("failed to delete idle sessions", "error", err)
		} else if n > 0 {
			cb.logger.Info("deleted idle stored sessions", "count", n)
		}
	}
	if removed > 0 {
		cb.logger.Info("expired idle sessions", "count", removed)
	}
	return removed
}

// RunJanitor expires idle sessions every interval until ctx is done.
func (cb *ChatBot) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cb.ExpireIdle(ctx, now)
		}
	}
}

// Health pings the language model backend and the vector index.
func (cb *ChatBot) Health(ctx context.Context) Health {
	h := Health{
		Status:       "healthy",
		Message:      "TrustMed API is running",
		LLMStatus:    cb.ping(ctx, "llm", cb.llm),
		VectorStatus: cb.ping(ctx, "vector", cb.opts.Vector),
	}
	if h.LLMStatus == "disconnected" || h.VectorStatus == "disconnected" {
		h.Status = "degraded"
	}
	return h
}

func (cb *ChatBot) ping(ctx context.Context, name string, p backend.Pinger) string {
	if p == nil {
		return "unknown"
	}
	if err := p.Ping(ctx); err != nil {
		cb.logger.Warn("health check failed", "dependency", name, "error", err)
		return "disconnected"
	}
	return "connected"
}

// Close waits for background session saves.
func (cb *ChatBot) Close() {
	cb.saves.Wait()
}

func (cb *ChatBot) count(ctx context.Context, outcome string) {
	cb.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func toBackend(messages []session.Message) []backend.Message {
	out := make([]backend.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, backend.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func clone(s *session.Session) *session.Session {
	c := *s
	c.Messages = make([]session.Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}
