package chat

import (
	"errors"
	"reflect"
	"testing"

	"confab/internal/models"
)

func TestHistory_History(t *testing.T) {
	store := &fakeStore{}
	history := NewHistory(store, testDirectory())

	seed := []struct {
		sender, receiver, content string
	}{
		{"alice", "bob", "first"},
		{"bob", "alice", "second"},
		{"alice", "bob", "third"},
	}
	for _, s := range seed {
		_, err := store.AppendMessage(models.Message{
			Sender:   models.UserRef{ID: s.sender},
			Receiver: models.UserRef{ID: s.receiver},
			Content:  s.content,
		})
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	messages, err := history.History("alice", "bob")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}

	var contents []string
	for _, m := range messages {
		contents = append(contents, m.Content)
	}
	if !reflect.DeepEqual(contents, []string{"first", "second", "third"}) {
		t.Errorf("unexpected order: %v", contents)
	}

	// Identities are resolved so clients render without a second lookup.
	if messages[0].Sender.DisplayName != "Alice" || messages[0].Receiver.DisplayName != "Bob" {
		t.Errorf("expected resolved identities, got %+v -> %+v", messages[0].Sender, messages[0].Receiver)
	}
	if messages[0].ContentHTML == "" {
		t.Error("expected rendered content")
	}

	// The pair key is unordered: both participants see the same transcript.
	fromBob, err := history.History("bob", "alice")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if !reflect.DeepEqual(messages, fromBob) {
		t.Error("transcript differs between participants")
	}

	// Idempotent read: no intervening send, identical sequence.
	again, err := history.History("alice", "bob")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if !reflect.DeepEqual(messages, again) {
		t.Error("repeated read returned a different sequence")
	}
}

func TestHistory_SortsBySeq(t *testing.T) {
	store := &fakeStore{}
	history := NewHistory(store, testDirectory())

	// Wall clock reordered relative to persistence order: Seq wins.
	for i, ts := range []int64{3000, 1000, 2000} {
		_, err := store.AppendMessage(models.Message{
			Sender:    models.UserRef{ID: "alice"},
			Receiver:  models.UserRef{ID: "bob"},
			Content:   []string{"m1", "m2", "m3"}[i],
			Timestamp: ts,
		})
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	messages, err := history.History("alice", "bob")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if messages[i].Content != want {
			t.Errorf("position %d: expected %s, got %s", i, want, messages[i].Content)
		}
	}
}

func TestHistory_StoreFailure(t *testing.T) {
	store := &fakeStore{failWith: errors.New("db closed")}
	history := NewHistory(store, testDirectory())

	if _, err := history.History("alice", "bob"); err == nil {
		t.Error("expected error from failing store")
	}
}

func TestHistory_Join(t *testing.T) {
	registry := NewRegistry()
	history := NewHistory(&fakeStore{}, testDirectory())

	sess := registry.Register("alice")
	recvSnapshot(t, sess)

	if err := history.Join(sess, "bob"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if !sess.InRoom(models.ConversationID("alice", "bob")) {
		t.Error("session not subscribed to conversation room")
	}

	tests := []struct {
		name   string
		peerID string
	}{
		{"Empty peer", ""},
		{"Self", "alice"},
		{"Unknown peer", "ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := history.Join(sess, tt.peerID)
			var vErr *models.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}
