package store

import (
	"testing"
	"time"

	"telemed-chat-client/internal/model"
)

func confirmed(id, senderId int64, content string, sentAt time.Time) model.Message {
	return model.Message{Id: id, ConsultationId: 1, SenderId: senderId, Content: content, SentAt: sentAt}
}

func TestAppendDeduplicatesById(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()

	if !s.Append(confirmed(1, 2, "first", now)) {
		t.Fatal("first Append() = false, want true")
	}
	if s.Append(confirmed(1, 2, "first again", now)) {
		t.Error("duplicate Append() = true, want false")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestReplaceTemporaryKeepsPosition(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()

	s.Append(confirmed(1, 2, "earlier", now))
	temp := model.NewTempMessage(1, 3, "optimistic")
	s.AppendTemp(temp)
	s.Append(confirmed(2, 2, "later", now.Add(time.Second)))

	s.ReplaceTemporary(temp.TempId, confirmed(3, 3, "optimistic", now.Add(2*time.Second)))

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("Len() = %d, want 3", len(all))
	}
	if all[1].Id != 3 {
		t.Errorf("confirmed message at position %d, want 1", findById(all, 3))
	}
	if all[1].IsTemp {
		t.Error("replaced entry still marked temporary")
	}
}

func TestReplaceTemporaryUnknownTokenAppends(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()

	s.Append(confirmed(1, 2, "a", now))
	s.ReplaceTemporary("no-such-token", confirmed(2, 3, "b", now))

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	// Dedup still applies on the fallback path.
	s.ReplaceTemporary("no-such-token", confirmed(2, 3, "b", now))
	if s.Len() != 2 {
		t.Errorf("Len() after duplicate fallback = %d, want 2", s.Len())
	}
}

func TestRemoveTemporary(t *testing.T) {
	s := NewMessageStore()
	temp := model.NewTempMessage(1, 3, "failed send")
	s.AppendTemp(temp)
	s.Append(confirmed(1, 2, "kept", time.Now()))

	s.RemoveTemporary(temp.TempId)

	all := s.All()
	if len(all) != 1 || all[0].Id != 1 {
		t.Errorf("All() = %+v, want only the confirmed message", all)
	}
}

func TestMarkReadIsMonotonic(t *testing.T) {
	s := NewMessageStore()
	s.Append(confirmed(1, 2, "a", time.Now()))

	s.MarkRead(1)
	if !s.All()[0].IsRead {
		t.Fatal("IsRead = false after MarkRead")
	}

	// Marking again never reverses the flag.
	s.MarkRead(1)
	if !s.All()[0].IsRead {
		t.Error("IsRead reversed on repeated MarkRead")
	}

	// Unknown ids are a no-op.
	s.MarkRead(99)
}

func TestBulkReplaceSortsBySentAt(t *testing.T) {
	s := NewMessageStore()
	s.AppendTemp(model.NewTempMessage(1, 3, "stale"))

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	s.BulkReplace([]model.Message{
		confirmed(3, 2, "third", base.Add(2*time.Minute)),
		confirmed(1, 2, "first", base),
		confirmed(2, 3, "second", base.Add(time.Minute)),
	})

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("Len() = %d, want 3 (snapshot replaces, never merges)", len(all))
	}
	for i, wantId := range []int64{1, 2, 3} {
		if all[i].Id != wantId {
			t.Errorf("position %d has id %d, want %d", i, all[i].Id, wantId)
		}
	}
}

func TestCountAuthoredByIgnoresTemporaries(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()
	s.Append(confirmed(1, 3, "a", now))
	s.Append(confirmed(2, 3, "b", now))
	s.Append(confirmed(3, 2, "other sender", now))
	s.AppendTemp(model.NewTempMessage(1, 3, "in flight"))

	if got := s.CountAuthoredBy(3); got != 2 {
		t.Errorf("CountAuthoredBy(3) = %d, want 2", got)
	}
}

func findById(messages []model.Message, id int64) int {
	for i, m := range messages {
		if m.Id == id {
			return i
		}
	}
	return -1
}
