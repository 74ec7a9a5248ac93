package session

import (
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single chat message
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Set on user messages when a condition was recognized in the query.
	Topic string `json:"topic,omitempty"`
	// Set on assistant messages.
	Confidence  float64 `json:"confidence,omitempty"`
	SourceCount int     `json:"source_count,omitempty"`
}

// NewMessage creates a message with a fresh id stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Session represents a chat session
type Session struct {
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	Backend      string    `json:"backend"`
	Messages     []Message `json:"messages"`
}

// New creates an empty session with a random id.
func New(backend string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		StartTime:    now,
		LastActivity: now,
		Backend:      backend,
		Messages:     []Message{},
	}
}

// Append adds msg and bumps the activity time.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.LastActivity = msg.Timestamp
}

// History returns up to the last n messages. n <= 0 returns none.
func (s *Session) History(n int) []Message {
	if n <= 0 {
		return nil
	}
	start := len(s.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.Messages)-start)
	copy(out, s.Messages[start:])
	return out
}

// Summary describes the activity of a session.
type Summary struct {
	SessionID     string    `json:"session_id"`
	StartTime     time.Time `json:"start_time"`
	LastActivity  time.Time `json:"last_activity"`
	TotalQueries  int       `json:"total_queries"`
	Topics        []string  `json:"topics"`
	AvgConfidence float64   `json:"avg_confidence"`
	TotalSources  int       `json:"total_sources"`
}

// Summarize computes the session summary.
func (s *Session) Summarize() Summary {
	sum := Summary{
		SessionID:    s.ID,
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
		Topics:       []string{},
	}
	seen := map[string]bool{}
	var confTotal float64
	var answers int
	for _, m := range s.Messages {
		switch m.Role {
		case RoleUser:
			sum.TotalQueries++
			if m.Topic != "" && !seen[m.Topic] {
				seen[m.Topic] = true
				sum.Topics = append(sum.Topics, m.Topic)
			}
		case RoleAssistant:
			answers++
			confTotal += m.Confidence
			sum.TotalSources += m.SourceCount
		}
	}
	if answers > 0 {
		sum.AvgConfidence = confTotal / float64(answers)
	}
	return sum
}
