package chat

import (
	"reflect"
	"testing"

	"confab/internal/models"
)

// recvSnapshot pops the next event from a session and asserts it is an
// onlineUsers snapshot.
func recvSnapshot(t *testing.T, s *Session) []string {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("session channel closed")
		}
		if ev.Event != models.ServerEventOnlineUsers {
			t.Fatalf("expected onlineUsers event, got %s", ev.Event)
		}
		ids, ok := ev.Data.([]string)
		if !ok {
			t.Fatalf("unexpected snapshot payload type %T", ev.Data)
		}
		return ids
	default:
		t.Fatal("no event pending on session")
		return nil
	}
}

func assertNoEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %s on session", ev.Event)
	default:
	}
}

func TestRegistry_Presence(t *testing.T) {
	r := NewRegistry()

	// First connection of a: a's own snapshot shows a online.
	a1 := r.Register("a")
	if got := recvSnapshot(t, a1); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected snapshot [a], got %v", got)
	}

	// First connection of b: everyone gets the new full snapshot.
	b1 := r.Register("b")
	if got := recvSnapshot(t, a1); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected snapshot [a b] on a1, got %v", got)
	}
	if got := recvSnapshot(t, b1); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected snapshot [a b] on b1, got %v", got)
	}

	// Second connection of b: no duplicate transition for others.
	b2 := r.Register("b")
	if got := recvSnapshot(t, b2); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected snapshot [a b] on b2, got %v", got)
	}
	assertNoEvent(t, a1)
	assertNoEvent(t, b1)

	if !r.IsOnline("b") {
		t.Error("b should be online")
	}

	// Dropping one of b's two sessions is not a transition.
	r.Remove(b2)
	assertNoEvent(t, a1)
	if !r.IsOnline("b") {
		t.Error("b should still be online with one live session")
	}

	// Dropping b's last session broadcasts the offline transition.
	r.Remove(b1)
	if got := recvSnapshot(t, a1); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected snapshot [a] after b left, got %v", got)
	}
	if r.IsOnline("b") {
		t.Error("b should be offline")
	}

	if got := r.OnlineUserIDs(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected online ids [a], got %v", got)
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s := r.Register("a")

	r.Remove(s)
	// A second removal of the same session must not panic or broadcast.
	r.Remove(s)

	if r.IsOnline("a") {
		t.Error("a should be offline")
	}
}

func TestRegistry_Push(t *testing.T) {
	r := NewRegistry()
	a1 := r.Register("a")
	a2 := r.Register("a")
	b1 := r.Register("b")

	// Drain presence snapshots.
	recvSnapshot(t, a1)
	recvSnapshot(t, a2)
	recvSnapshot(t, a1)
	recvSnapshot(t, a2)
	recvSnapshot(t, b1)

	ev := models.ServerEvent{Event: models.ServerEventNewMessage, Data: "payload"}

	if got := r.Push("a", ev, nil); got != 2 {
		t.Errorf("expected delivery to 2 sessions, got %d", got)
	}
	if got := r.Push("a", ev, a1); got != 1 {
		t.Errorf("expected delivery to 1 session with exclusion, got %d", got)
	}
	if got := r.Push("ghost", ev, nil); got != 0 {
		t.Errorf("expected no delivery for unknown user, got %d", got)
	}

	// b1 saw none of it.
	assertNoEvent(t, b1)
}

func TestSession_Rooms(t *testing.T) {
	r := NewRegistry()
	s1 := r.Register("a")
	s2 := r.Register("a")

	convID := models.ConversationID("a", "b")
	if s1.InRoom(convID) {
		t.Error("session should not be in room before join")
	}
	if r.InConversation("a", convID) {
		t.Error("user should not count as in conversation before any join")
	}

	// One session with the conversation open is enough for the user.
	s2.JoinRoom(convID)
	if !s2.InRoom(convID) {
		t.Error("session should be in room after join")
	}
	if !r.InConversation("a", convID) {
		t.Error("user should count as in conversation")
	}

	r.Remove(s2)
	if r.InConversation("a", convID) {
		t.Error("conversation subscription must not survive its session")
	}
	if r.InConversation("ghost", convID) {
		t.Error("unknown user cannot be in a conversation")
	}
}
