package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"TrustMed/internal/chatbot"
	"TrustMed/internal/rag"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 16 * 1024
)

// wsIncoming is a frame sent by the client.
type wsIncoming struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// wsOutgoing is a frame sent to the client.
type wsOutgoing struct {
	Type string `json:"type"`
	*ChatResponse
	Error string `json:"error,omitempty"`
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat service not initialized")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	s.logger.Info("websocket connected", "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{conn: conn}
	defer func() {
		cancel()
		conn.Close()
		s.logger.Info("websocket disconnected", "remote_addr", r.RemoteAddr)
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var sessionID string
	for {
		var in wsIncoming
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "error", err)
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				if c.write(wsOutgoing{Type: "error", Error: "invalid message"}) == nil {
					continue
				}
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if in.Type != "chat" {
			if err := c.write(wsOutgoing{Type: "error", Error: "unsupported message type"}); err != nil {
				return
			}
			continue
		}
		if in.SessionID != "" {
			sessionID = in.SessionID
		}

		out := s.wsReply(ctx, sessionID, in.Message)
		if out.ChatResponse != nil {
			sessionID = out.SessionID
		}
		if err := c.write(out); err != nil {
			s.logger.Error("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) wsReply(ctx context.Context, sessionID, content string) wsOutgoing {
	if utf8.RuneCountInString(content) > maxContentLen {
		return wsOutgoing{Type: "error", Error: "message is too long"}
	}
	reqCtx := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	reply, err := s.chat.SendMessage(reqCtx, sessionID, content)
	switch {
	case err == nil:
		resp := chatResponse(reply)
		return wsOutgoing{Type: "response", ChatResponse: &resp}
	case errors.Is(err, rag.ErrEmptyQuery):
		return wsOutgoing{Type: "error", Error: "message must not be empty"}
	case errors.Is(err, chatbot.ErrBusy):
		return wsOutgoing{Type: "error", Error: err.Error()}
	case errors.Is(err, chatbot.ErrSessionNotFound):
		return wsOutgoing{Type: "error", Error: "session deleted while answering"}
	case errors.Is(err, context.DeadlineExceeded):
		return wsOutgoing{Type: "error", Error: "request timed out"}
	default:
		s.logger.Error("websocket chat failed", "error", err)
		return wsOutgoing{Type: "error", Error: "failed to process message"}
	}
}
