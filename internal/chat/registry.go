package chat

import (
	"log/slog"
	"sort"
	"sync"

	"confab/internal/models"

	mapset "github.com/deckarep/golang-set/v2"
)

const sessionBuffer = 100

// Session is one live transport connection bound to a user identity.
// Multiple sessions may map to the same user (multi-tab, multi-device).
type Session struct {
	UserID string

	// ch carries server events to the transport write loop. It is created
	// and closed by the Registry; all sends go through the Registry so a
	// send can never race a close.
	ch chan models.ServerEvent

	closed bool

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Events is the stream the transport layer writes to the wire.
// It is closed when the session is removed from the registry.
func (s *Session) Events() <-chan models.ServerEvent {
	return s.ch
}

// JoinRoom records a transient conversation subscription.
func (s *Session) JoinRoom(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[convID] = struct{}{}
}

// InRoom reports whether the session has joined a conversation.
func (s *Session) InRoom(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[convID]
	return ok
}

// Registry owns the userID -> live sessions mapping and the derived
// online set. Registration and removal compute the presence transition
// under one lock, so concurrent connect/disconnect for the same user can
// never produce a spurious online/offline flap.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[*Session]struct{}
	online   mapset.Set[string]
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[*Session]struct{}),
		online:   mapset.NewThreadUnsafeSet[string](),
	}
}

// Register adds a live session for an authenticated user. The user's first
// session broadcasts the new presence snapshot to everyone; additional
// sessions only receive the current snapshot themselves, so an
// already-online user never emits a duplicate transition.
func (r *Registry) Register(userID string) *Session {
	s := &Session{
		UserID: userID,
		ch:     make(chan models.ServerEvent, sessionBuffer),
		rooms:  make(map[string]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	first := len(r.sessions[userID]) == 0
	if first {
		r.sessions[userID] = make(map[*Session]struct{})
		r.online.Add(userID)
	}
	r.sessions[userID][s] = struct{}{}

	if first {
		r.broadcastLocked(r.snapshotLocked())
	} else {
		r.sendLocked(s, r.snapshotLocked())
	}

	return s
}

// Remove drops a session on transport close, intentional or abrupt.
// Removing the user's last session broadcasts the offline transition;
// presence must never show a stale online user after an error.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)

	set, ok := r.sessions[s.UserID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, s.UserID)
		r.online.Remove(s.UserID)
		r.broadcastLocked(r.snapshotLocked())
	}
}

// OnlineUserIDs returns the current full presence snapshot, sorted.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineIDsLocked()
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online.Contains(userID)
}

// InConversation reports whether any live session of the user has the
// conversation open.
func (r *Registry) InConversation(userID, convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s := range r.sessions[userID] {
		if s.InRoom(convID) {
			return true
		}
	}
	return false
}

// Push delivers an event to every live session of a user, except the one
// given as except (may be nil). Returns the number of sessions reached.
func (r *Registry) Push(userID string, ev models.ServerEvent, except *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for s := range r.sessions[userID] {
		if s == except {
			continue
		}
		if r.sendLocked(s, ev) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) broadcastLocked(ev models.ServerEvent) {
	for _, set := range r.sessions {
		for s := range set {
			r.sendLocked(s, ev)
		}
	}
}

// sendLocked delivers without blocking. A full session buffer drops the
// event for that session only: presence self-heals on the next snapshot
// and missed messages are recovered from history.
func (r *Registry) sendLocked(s *Session, ev models.ServerEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		slog.Warn("dropping event for slow session", "user_id", s.UserID, "event", ev.Event)
		return false
	}
}

func (r *Registry) snapshotLocked() models.ServerEvent {
	return models.ServerEvent{
		Event: models.ServerEventOnlineUsers,
		Data:  r.onlineIDsLocked(),
	}
}

func (r *Registry) onlineIDsLocked() []string {
	ids := r.online.ToSlice()
	sort.Strings(ids)
	return ids
}
