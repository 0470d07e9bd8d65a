package client

import (
	"sort"

	"confab/internal/models"
)

// dedupToleranceMillis bounds how far apart an optimistic local copy and
// the authoritative echo may be stamped and still count as one message.
const dedupToleranceMillis = 1000

// sameMessage reports whether two transcript entries describe one message.
// Server-assigned ids are authoritative; an echoed temp id ties the server
// copy back to the optimistic one; otherwise identical participants and
// content within the tolerance window collapse.
func sameMessage(a, b models.Message) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.TempID != "" && a.TempID == b.TempID {
		return true
	}
	if a.Sender.ID != b.Sender.ID || a.Receiver.ID != b.Receiver.ID || a.Content != b.Content {
		return false
	}
	delta := a.Timestamp - b.Timestamp
	if delta < 0 {
		delta = -delta
	}
	return delta < dedupToleranceMillis
}

// prefer picks the copy to keep when two entries collapse. The server
// copy, recognizable by its assigned id, wins with its id and timestamp.
func prefer(a, b models.Message) models.Message {
	if a.ID == "" && b.ID != "" {
		return b
	}
	if b.ID == "" && a.ID != "" {
		return a
	}
	// Both finalized or both optimistic, the later arrival wins.
	return b
}

// Merge inserts one incoming message into the transcript, collapsing it
// with an existing entry when they describe the same message. The result
// holds exactly one copy per message.
func Merge(transcript []models.Message, incoming models.Message) []models.Message {
	for i, existing := range transcript {
		if sameMessage(existing, incoming) {
			transcript[i] = prefer(existing, incoming)
			return transcript
		}
	}
	return append(transcript, incoming)
}

// MergeHistory replaces the transcript with the authoritative history and
// re-merges local entries the history does not cover, so an optimistic
// message sent just before the snapshot was taken is not lost.
func MergeHistory(transcript, history []models.Message) []models.Message {
	merged := make([]models.Message, len(history))
	copy(merged, history)
	for _, local := range transcript {
		merged = Merge(merged, local)
	}
	sortTranscript(merged)
	return merged
}

// sortTranscript orders by server sequence where assigned; optimistic
// entries without one sort by timestamp after their finalized peers.
func sortTranscript(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if a.Seq != 0 && b.Seq != 0 {
			return a.Seq < b.Seq
		}
		if a.Seq != 0 {
			return true
		}
		if b.Seq != 0 {
			return false
		}
		return a.Timestamp < b.Timestamp
	})
}
