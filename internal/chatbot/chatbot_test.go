package chatbot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"TrustMed/internal/backend"
	"TrustMed/internal/database"
	"TrustMed/internal/rag"
	"TrustMed/internal/session"
	"TrustMed/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnswerer struct {
	mu        sync.Mutex
	histories [][]backend.Message
	block     chan struct{}
	err       error
}

func (f *fakeAnswerer) Answer(ctx context.Context, question string, history []backend.Message) (*rag.Answer, error) {
	f.mu.Lock()
	f.histories = append(f.histories, history)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &rag.Answer{
		Answer:     "Answer to: " + question,
		Condition:  "diabetes",
		Confidence: 0.8,
		Sources:    make([]rag.RetrievalResult, 2),
		Disclaimer: rag.Disclaimer,
	}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSessionStore(t *testing.T) *session.Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := session.NewStore(db, discardLogger())
	require.NoError(t, err)
	return store
}

func newTestBot(t *testing.T, answerer Answerer, store SessionStore, opts Options) *ChatBot {
	t.Helper()
	tracer, meter := telemetry.Noop()
	cb, err := NewChatBot(answerer, store, fakePinger{}, opts, tracer, meter, discardLogger())
	require.NoError(t, err)
	t.Cleanup(cb.Close)
	return cb
}

func TestSendMessageCreatesSession(t *testing.T) {
	ctx := context.Background()
	cb := newTestBot(t, &fakeAnswerer{}, nil, Options{Backend: "ollama", HistoryTurns: 6})

	reply, err := cb.SendMessage(ctx, "", "  What are the symptoms of diabetes? ")
	require.NoError(t, err)
	require.NotEmpty(t, reply.SessionID)
	assert.Equal(t, "Answer to: What are the symptoms of diabetes?", reply.Message.Content)
	assert.Equal(t, session.RoleAssistant, reply.Message.Role)
	assert.Equal(t, 0.8, reply.Message.Confidence)
	assert.Equal(t, 2, reply.Message.SourceCount)

	sess, err := cb.Session(ctx, reply.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "diabetes", sess.Messages[0].Topic)
	assert.Equal(t, "ollama", sess.Backend)
}

func TestSendMessageKeepsGivenSessionID(t *testing.T) {
	cb := newTestBot(t, &fakeAnswerer{}, nil, Options{HistoryTurns: 6})

	reply, err := cb.SendMessage(context.Background(), "client-chosen", "hello")
	require.NoError(t, err)
	assert.Equal(t, "client-chosen", reply.SessionID)
}

func TestSendMessagePassesHistory(t *testing.T) {
	ctx := context.Background()
	answerer := &fakeAnswerer{}
	cb := newTestBot(t, answerer, nil, Options{HistoryTurns: 2})

	first, err := cb.SendMessage(ctx, "", "first question")
	require.NoError(t, err)
	_, err = cb.SendMessage(ctx, first.SessionID, "second question")
	require.NoError(t, err)
	_, err = cb.SendMessage(ctx, first.SessionID, "third question")
	require.NoError(t, err)

	require.Len(t, answerer.histories, 3)
	assert.Empty(t, answerer.histories[0])
	assert.Equal(t, []backend.Message{
		{Role: backend.RoleUser, Content: "second question"},
		{Role: backend.RoleAssistant, Content: "Answer to: second question"},
	}, answerer.histories[2])
}

func TestSendMessageEmpty(t *testing.T) {
	answerer := &fakeAnswerer{}
	cb := newTestBot(t, answerer, nil, Options{})

	_, err := cb.SendMessage(context.Background(), "", "   ")
	assert.ErrorIs(t, err, rag.ErrEmptyQuery)
	assert.Empty(t, answerer.histories)
}

func TestSendMessageBusy(t *testing.T) {
	ctx := context.Background()
	answerer := &fakeAnswerer{block: make(chan struct{})}
	cb := newTestBot(t, answerer, nil, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := cb.SendMessage(ctx, "s1", "slow")
		done <- err
	}()
	require.Eventually(t, func() bool {
		answerer.mu.Lock()
		defer answerer.mu.Unlock()
		return len(answerer.histories) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := cb.SendMessage(ctx, "s1", "fast")
	assert.ErrorIs(t, err, ErrBusy)

	close(answerer.block)
	require.NoError(t, <-done)

	sess, err := cb.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)
}

func TestSendMessageErrorLeavesSessionUnchanged(t *testing.T) {
	ctx := context.Background()
	answerer := &fakeAnswerer{}
	cb := newTestBot(t, answerer, nil, Options{})

	first, err := cb.SendMessage(ctx, "s1", "first question")
	require.NoError(t, err)

	answerer.err = context.Canceled
	_, err = cb.SendMessage(ctx, first.SessionID, "second question")
	assert.ErrorIs(t, err, context.Canceled)

	sess, err := cb.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)

	// not left busy
	answerer.err = nil
	_, err = cb.SendMessage(ctx, "s1", "third question")
	require.NoError(t, err)
	sess, err = cb.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)
}

func TestFailedFirstTurnLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	store := newSessionStore(t)
	answerer := &fakeAnswerer{err: errors.New("backend down")}
	cb := newTestBot(t, answerer, store, Options{PersistSessions: true})

	_, err := cb.SendMessage(ctx, "client-chosen", "question")
	assert.ErrorContains(t, err, "backend down")

	_, err = cb.Session(ctx, "client-chosen")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	sums, err := cb.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sums)

	// the id is still usable once the backend recovers
	answerer.err = nil
	reply, err := cb.SendMessage(ctx, "client-chosen", "question")
	require.NoError(t, err)
	assert.Equal(t, "client-chosen", reply.SessionID)
}

func TestDeleteSessionDuringTurn(t *testing.T) {
	ctx := context.Background()
	store := newSessionStore(t)
	answerer := &fakeAnswerer{}
	cb := newTestBot(t, answerer, store, Options{PersistSessions: true})

	_, err := cb.SendMessage(ctx, "s1", "first")
	require.NoError(t, err)

	answerer.mu.Lock()
	answerer.block = make(chan struct{})
	answerer.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := cb.SendMessage(ctx, "s1", "second")
		done <- err
	}()
	require.Eventually(t, func() bool {
		answerer.mu.Lock()
		defer answerer.mu.Unlock()
		return len(answerer.histories) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, cb.DeleteSession(ctx, "s1"))
	close(answerer.block)
	assert.ErrorIs(t, <-done, ErrSessionNotFound)
	cb.Close()

	_, err = cb.Session(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	store := newSessionStore(t)
	opts := Options{PersistSessions: true}

	// stored by an earlier run only
	old := session.New("ollama")
	old.ID = "stored"
	old.Append(session.Message{ID: "m1", Role: session.RoleUser, Content: "old question", Timestamp: time.Now().Add(-time.Hour)})
	require.NoError(t, store.Save(ctx, old))

	cb := newTestBot(t, &fakeAnswerer{}, store, opts)
	_, err := cb.SendMessage(ctx, "live", "What causes asthma?")
	require.NoError(t, err)

	sums, err := cb.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "live", sums[0].SessionID)
	assert.Equal(t, 1, sums[0].TotalQueries)
	assert.Equal(t, "stored", sums[1].SessionID)

	memOnly := newTestBot(t, &fakeAnswerer{}, nil, Options{})
	sums, err = memOnly.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestSessionsArePersisted(t *testing.T) {
	ctx := context.Background()
	store := newSessionStore(t)
	opts := Options{Backend: "ollama", PersistSessions: true, HistoryTurns: 6}

	cb := newTestBot(t, &fakeAnswerer{}, store, opts)
	reply, err := cb.SendMessage(ctx, "", "What causes asthma?")
	require.NoError(t, err)
	cb.Close()

	// a restarted service finds the session in storage
	restarted := newTestBot(t, &fakeAnswerer{}, store, opts)
	sum, err := restarted.Summary(ctx, reply.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalQueries)
	assert.Equal(t, []string{"diabetes"}, sum.Topics)
	assert.Equal(t, 2, sum.TotalSources)
	assert.InDelta(t, 0.8, sum.AvgConfidence, 1e-9)

	require.NoError(t, restarted.DeleteSession(ctx, reply.SessionID))
	_, err = restarted.Session(ctx, reply.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Load(ctx, reply.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUnknownSession(t *testing.T) {
	ctx := context.Background()
	cb := newTestBot(t, &fakeAnswerer{}, newSessionStore(t), Options{PersistSessions: true})

	_, err := cb.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = cb.Summary(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, cb.DeleteSession(ctx, "missing"), ErrSessionNotFound)
}

func TestExpireIdle(t *testing.T) {
	ctx := context.Background()
	store := newSessionStore(t)
	cb := newTestBot(t, &fakeAnswerer{}, store, Options{PersistSessions: true, IdleTTL: time.Hour})

	reply, err := cb.SendMessage(ctx, "", "hello")
	require.NoError(t, err)
	cb.Close()

	assert.Zero(t, cb.ExpireIdle(ctx, time.Now()))
	assert.Equal(t, 1, cb.ExpireIdle(ctx, time.Now().Add(2*time.Hour)))

	_, err = cb.Session(ctx, reply.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHealth(t *testing.T) {
	tracer, meter := telemetry.Noop()

	cb, err := NewChatBot(&fakeAnswerer{}, nil, fakePinger{}, Options{Vector: fakePinger{}}, tracer, meter, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, Health{
		Status:       "healthy",
		Message:      "TrustMed API is running",
		LLMStatus:    "connected",
		VectorStatus: "connected",
	}, cb.Health(context.Background()))

	cb, err = NewChatBot(&fakeAnswerer{}, nil, fakePinger{err: errors.New("refused")}, Options{}, tracer, meter, discardLogger())
	require.NoError(t, err)
	h := cb.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "disconnected", h.LLMStatus)
	assert.Equal(t, "unknown", h.VectorStatus)

	cb, err = NewChatBot(&fakeAnswerer{}, nil, fakePinger{}, Options{Vector: fakePinger{err: errors.New("weaviate not ready")}}, tracer, meter, discardLogger())
	require.NoError(t, err)
	h = cb.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "connected", h.LLMStatus)
	assert.Equal(t, "disconnected", h.VectorStatus)
}
