package workspace

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/xytext/xytext/internal/metrics"
)

const sessionSendBuffer = 64

// Session is one live connected viewer. It exists only for the lifetime of
// its connection; a reconnect is a brand-new session with a fresh id.
type Session struct {
	ID          string
	Path        string
	Username    string
	DisplayName string
	AvatarURL   string
	IsAdmin     bool

	out chan []byte
}

// Outbound is the channel the connection's writer drains. It is closed when
// the session is unregistered.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// RichSession is the wire projection of a session for the who's-online
// panel, joined with the viewer's persisted foreground state.
type RichSession struct {
	SessionID     string `json:"sessionId"`
	Username      string `json:"username"`
	DisplayName   string `json:"name,omitempty"`
	AvatarURL     string `json:"profile_image_url,omitempty"`
	Path          string `json:"path"`
	TabForeground int    `json:"is_tab_foreground"`
}

// SessionRegistry tracks the live sessions of one workspace. It is owned by
// the workspace actor: every call happens on the actor goroutine, which is
// what makes closing outbound channels race-free.
type SessionRegistry struct {
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: map[string]*Session{}}
}

// Register assigns the session an opaque id, stores it, and returns the id
// for the connection to embed in future messages (echo suppression).
func (r *SessionRegistry) Register(s *Session) string {
	s.ID = uuid.NewString()
	s.out = make(chan []byte, sessionSendBuffer)
	r.sessions[s.ID] = s
	metrics.SetSessionsActive(len(r.sessions))
	return s.ID
}

// Unregister removes the session and closes its outbound channel. It returns
// the removed session, or nil when the id was already gone.
func (r *SessionRegistry) Unregister(sessionID string) *Session {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	close(s.out)
	metrics.SetSessionsActive(len(r.sessions))
	return s
}

func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	s, ok := r.sessions[sessionID]
	return s, ok
}

func (r *SessionRegistry) Len() int {
	return len(r.sessions)
}

// Snapshot returns the live sessions in no particular order.
func (r *SessionRegistry) Snapshot() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// send queues msg for the session without blocking. A full buffer means the
// consumer is dead or hopelessly behind; either way the session is treated
// as disconnected.
func (r *SessionRegistry) send(s *Session, msg []byte) bool {
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// BroadcastAll fans msg out to every live session except excludeSessionID.
// Sessions whose socket cannot keep up are silently dropped from the
// registry rather than surfacing an error to the broadcaster.
func (r *SessionRegistry) BroadcastAll(excludeSessionID string, msg *Message) {
	r.broadcast(excludeSessionID, "", msg)
}

// BroadcastPath fans msg out only to sessions currently viewing exactly
// path, so editors of unrelated files are not flooded.
func (r *SessionRegistry) BroadcastPath(excludeSessionID, path string, msg *Message) {
	r.broadcast(excludeSessionID, path, msg)
}

func (r *SessionRegistry) broadcast(excludeSessionID, path string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	var dead []string
	for id, s := range r.sessions {
		if id == excludeSessionID {
			continue
		}
		if path != "" && s.Path != path {
			continue
		}
		if !r.send(s, data) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		r.Unregister(id)
	}
	metrics.RecordBroadcast(msg.Type)
}
