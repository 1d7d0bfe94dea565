// Package store holds the in-memory message state for one consultation view.
// Nothing here is persisted; the store is discarded when the view unmounts
// and rebuilt from a messages_bulk snapshot after every reconnect.
package store

import (
	"sort"
	"sync"

	"telemed-chat-client/internal/model"
)

// MessageStore is the ordered, deduplicated collection of chat messages for
// the active consultation. Optimistic entries live alongside confirmed ones
// until the server echoes their correlation token.
type MessageStore struct {
	mu       sync.RWMutex
	messages []model.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// Append adds a confirmed message. Duplicate delivery is a no-op: a message
// whose id is already present leaves the store untouched.
func (s *MessageStore) Append(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Id != 0 {
		for _, existing := range s.messages {
			if existing.Id == msg.Id {
				return false
			}
		}
	}
	s.messages = append(s.messages, msg)
	return true
}

// AppendTemp adds an optimistic local entry keyed by its correlation token.
func (s *MessageStore) AppendTemp(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// ReplaceTemporary swaps the optimistic entry matching tempId for its
// server-confirmed counterpart, keeping its position. If no temporary entry
// matches, the confirmed message is appended instead (subject to dedup).
func (s *MessageStore) ReplaceTemporary(tempId string, confirmed model.Message) {
	s.mu.Lock()
	for i, existing := range s.messages {
		if existing.IsTemp && existing.TempId == tempId {
			s.messages[i] = confirmed
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	s.Append(confirmed)
}

// RemoveTemporary drops an optimistic entry whose send failed.
func (s *MessageStore) RemoveTemporary(tempId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.messages {
		if existing.IsTemp && existing.TempId == tempId {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// MarkRead flips the read flag on one message. Monotonic: already-read
// messages are untouched and the flag never reverses.
func (s *MessageStore) MarkRead(messageId int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].Id == messageId {
			s.messages[i].IsRead = true
			return
		}
	}
}

// BulkReplace installs a full history snapshot, sorted by sent timestamp
// ascending. Used at initial load and after every reconnect; never merged
// incrementally with existing contents.
func (s *MessageStore) BulkReplace(messages []model.Message) {
	sorted := make([]model.Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentAt.Before(sorted[j].SentAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = sorted
}

// All returns a copy of the ordered message sequence.
func (s *MessageStore) All() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of entries, temporary ones included.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// CountAuthoredBy counts confirmed (non-temporary) messages from one sender.
// The quota monitor uses this to track the patient's usage.
func (s *MessageStore) CountAuthoredBy(senderId int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, msg := range s.messages {
		if !msg.IsTemp && msg.SenderId == senderId {
			count++
		}
	}
	return count
}

// Clear discards all contents on view unmount.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
