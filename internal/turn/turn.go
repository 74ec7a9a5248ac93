// Package turn relays chat turns from a client to the chat endpoint, one at a time.
package turn

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"TrustMed/internal/session"
)

// FallbackMessage replaces the reply of any failed turn.
const FallbackMessage = "Sorry, I encountered an error. Please try again."

// timestampLayout matches what browsers send for new Date().toISOString().
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// State is the request state of a Session.
type State int

const (
	Idle State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "idle"
}

// Request is the body of one outbound turn.
type Request struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
}

// Response is the reply to a turn.
type Response struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Transport delivers a turn and returns the reply.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// Options configure a Session.
type Options struct {
	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration
	// OnChange is called with a snapshot of the messages after every append.
	OnChange func(messages []session.Message)
	Logger   *slog.Logger
}

// Session is one client conversation: an append-only message list, the
// current draft and at most one request in flight.
type Session struct {
	transport Transport
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	seq      uint64
	messages []session.Message
	draft    string
	state    State
	serverID string
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	notifyMu  sync.Mutex
	delivered uint64
}

// New creates an idle session.
func New(transport Transport, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		transport: transport,
		opts:      opts,
		logger:    logger.With("component", "turn"),
	}
}

// SetDraft replaces the pending input.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Draft returns the pending input.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Submit sends text as the next user turn. It returns false without doing
// anything when text is blank, a request is already pending or the session
// is closed; such submissions are dropped, not queued.
func (s *Session) Submit(ctx context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	s.mu.Lock()
	if s.closed || s.state == Pending {
		s.mu.Unlock()
		return false
	}
	msg := session.NewMessage(session.RoleUser, text)
	s.messages = append(s.messages, msg)
	s.draft = ""
	s.state = Pending

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if s.opts.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	req := Request{
		Content:   text,
		Timestamp: msg.Timestamp.UTC().Format(timestampLayout),
		SessionID: s.serverID,
	}
	s.seq++
	seq, snapshot := s.seq, s.snapshotLocked()
	s.mu.Unlock()

	s.notify(seq, snapshot)
	go s.run(reqCtx, cancel, req, done)
	return true
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, req Request, done chan struct{}) {
	defer close(done)
	defer cancel()

	resp, err := s.transport.Send(ctx, req)
	content := resp.Message
	if err != nil {
		s.logger.Error("chat request failed", "error", err)
		content = FallbackMessage
	}

	s.mu.Lock()
	s.state = Idle
	s.cancel = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err == nil && resp.SessionID != "" {
		s.serverID = resp.SessionID
	}
	s.messages = append(s.messages, session.NewMessage(session.RoleAssistant, content))
	s.seq++
	seq, snapshot := s.seq, s.snapshotLocked()
	s.mu.Unlock()

	s.notify(seq, snapshot)
}

// Cancel aborts the pending request, which then completes as a failed turn.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until no request is pending or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any pending request and discards the session. Replies that
// arrive afterwards are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// State reports whether a request is pending.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the conversation so far.
func (s *Session) Messages() []session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ServerID is the session id assigned by the chat service, empty before
// the first successful reply.
func (s *Session) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID
}

func (s *Session) snapshotLocked() []session.Message {
	out := make([]session.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// notify runs the change hook with the snapshot taken at seq. A snapshot
// older than one already delivered is dropped, so the hook never sees the
// list shrink.
func (s *Session) notify(seq uint64, snapshot []session.Message) {
	if s.opts.OnChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if seq <= s.delivered {
		return
	}
	s.delivered = seq
	s.opts.OnChange(snapshot)
}
