package types

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn in a session. Parts are appended in causal order and
// never reordered. Only assistant messages may carry Tool parts.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(role Role, parts ...Part) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now(),
	}
}

// AppendPart adds a part to the end of the message.
func (m *Message) AppendPart(p Part) {
	m.Parts = append(m.Parts, p)
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(*TextPart); ok {
			out += t.Text
		} else if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// Session is an append-only conversation thread. A sub-session created for
// tool isolation carries the parent's id; its lifetime is bounded by the
// parent's current turn.
type Session struct {
	mu         sync.RWMutex
	ID         string `json:"id"`
	ProjectKey string `json:"project_key"`
	ParentID   string `json:"parent_id,omitempty"`
	messages   []*Message
	CreatedAt  time.Time `json:"created_at"`
}

// NewSession creates an empty session for a project.
func NewSession(projectKey string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		ProjectKey: projectKey,
		CreatedAt:  time.Now(),
	}
}

// RestoreSession rebuilds a session shell from persisted identity fields.
// Messages are appended by the caller.
func RestoreSession(id, projectKey string, createdAt time.Time) *Session {
	return &Session{
		ID:         id,
		ProjectKey: projectKey,
		CreatedAt:  createdAt,
	}
}

// NewSubSession creates a child session bound to the parent's turn.
func (s *Session) NewSubSession() *Session {
	sub := NewSession(s.ProjectKey)
	sub.ParentID = s.ID
	return sub
}

// Append adds a message. Messages are never removed or reordered; compaction
// replaces the whole slice via Rewrite.
func (s *Session) Append(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// Messages returns a snapshot of the message slice.
func (s *Session) Messages() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the message count.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the most recent message, or nil.
func (s *Session) Last() *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return nil
	}
	return s.messages[len(s.messages)-1]
}

// Rewrite atomically replaces the message history. Used only by the context
// compactor, which must preserve the latest user turn verbatim.
func (s *Session) Rewrite(messages []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = messages
}
