package model

import (
	"testing"
	"time"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from ConsultationStatus
		to   ConsultationStatus
		want bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCompleted, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusPending, false},
		{StatusCompleted, StatusActive, false},
		{StatusCompleted, StatusPending, false},
		{StatusActive, StatusActive, false},
		{StatusActive, ConsultationStatus("cancelled"), false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApplyUpdate(t *testing.T) {
	now := time.Now()

	t.Run("forward transition applies", func(t *testing.T) {
		c := Consultation{Id: 1, Status: StatusActive, MessageCount: 3, MessageLimit: 30}
		changed := c.ApplyUpdate(&Consultation{
			Id: 1, Status: StatusCompleted, MessageCount: 5, CompletedAt: &now,
		})

		if !changed {
			t.Fatal("ApplyUpdate() = false, want true")
		}
		if c.Status != StatusCompleted || c.MessageCount != 5 || c.CompletedAt == nil {
			t.Errorf("consultation = %+v", c)
		}
	})

	t.Run("stale reverse transition is refused", func(t *testing.T) {
		c := Consultation{Id: 1, Status: StatusCompleted}
		changed := c.ApplyUpdate(&Consultation{Id: 1, Status: StatusActive})

		if changed {
			t.Error("ApplyUpdate() = true for reverse transition")
		}
		if c.Status != StatusCompleted {
			t.Errorf("Status = %s, regressed", c.Status)
		}
	})

	t.Run("same status bumps message count only", func(t *testing.T) {
		c := Consultation{Id: 1, Status: StatusActive, MessageCount: 4}

		if changed := c.ApplyUpdate(&Consultation{Id: 1, Status: StatusActive, MessageCount: 6}); !changed {
			t.Error("ApplyUpdate() = false, want true for count bump")
		}
		if c.MessageCount != 6 {
			t.Errorf("MessageCount = %d, want 6", c.MessageCount)
		}

		// Counts never go backwards.
		if changed := c.ApplyUpdate(&Consultation{Id: 1, Status: StatusActive, MessageCount: 2}); changed {
			t.Error("ApplyUpdate() = true for stale count")
		}
		if c.MessageCount != 6 {
			t.Errorf("MessageCount = %d, want 6", c.MessageCount)
		}
	})

	t.Run("mismatched id is ignored", func(t *testing.T) {
		c := Consultation{Id: 1, Status: StatusActive}
		if changed := c.ApplyUpdate(&Consultation{Id: 2, Status: StatusCompleted}); changed {
			t.Error("ApplyUpdate() = true for foreign consultation")
		}
	})

	t.Run("nil update is ignored", func(t *testing.T) {
		c := Consultation{Id: 1, Status: StatusActive}
		if changed := c.ApplyUpdate(nil); changed {
			t.Error("ApplyUpdate(nil) = true")
		}
	})
}

func TestIsParticipant(t *testing.T) {
	c := Consultation{Id: 1, PatientId: 10, DoctorId: 20}

	if !c.IsParticipant(10) || !c.IsParticipant(20) {
		t.Error("participants not recognized")
	}
	if c.IsParticipant(30) {
		t.Error("stranger recognized as participant")
	}
}

func TestNewTempMessage(t *testing.T) {
	a := NewTempMessage(1, 2, "hello")
	b := NewTempMessage(1, 2, "hello")

	if !a.IsTemp || a.Id != 0 {
		t.Errorf("temp message = %+v", a)
	}
	if a.TempId == "" || a.TempId == b.TempId {
		t.Error("correlation tokens must be unique and non-empty")
	}
	if !a.AuthoredBy(2) || a.AuthoredBy(3) {
		t.Error("AuthoredBy wrong")
	}
}
