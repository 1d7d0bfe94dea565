package model

import "time"

// ConsultationStatus is the server-owned lifecycle state of a consultation.
// Transitions are monotonic: pending -> active -> completed.
type ConsultationStatus string

const (
	StatusPending   ConsultationStatus = "pending"
	StatusActive    ConsultationStatus = "active"
	StatusCompleted ConsultationStatus = "completed"
)

// CanTransitionTo reports whether moving to next respects the monotonic order.
func (s ConsultationStatus) CanTransitionTo(next ConsultationStatus) bool {
	rank := map[ConsultationStatus]int{
		StatusPending:   0,
		StatusActive:    1,
		StatusCompleted: 2,
	}
	cur, ok1 := rank[s]
	nxt, ok2 := rank[next]
	return ok1 && ok2 && nxt > cur
}

// Consultation mirrors the wire representation owned by the backend.
// MessageCount is authoritative on the server; the client copy is a
// best-effort view refreshed by status_update / messages_bulk frames.
type Consultation struct {
	Id           int64              `json:"id"`
	PatientId    int64              `json:"patient_id"`
	DoctorId     int64              `json:"doctor_id"`
	Status       ConsultationStatus `json:"status"`
	MessageCount int                `json:"message_count"`
	MessageLimit int                `json:"message_limit"`
	PatientNote  string             `json:"patient_note,omitempty"`
	CreatedAt    *time.Time         `json:"created_at,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// ApplyUpdate merges a status_update payload into the local copy, refusing
// reverse status transitions so a stale frame cannot regress the lifecycle.
// Reports whether the status actually changed.
func (c *Consultation) ApplyUpdate(update *Consultation) bool {
	if update == nil || update.Id != c.Id {
		return false
	}
	if update.Status == c.Status {
		changed := false
		if update.MessageCount > c.MessageCount {
			c.MessageCount = update.MessageCount
			changed = true
		}
		return changed
	}
	if !c.Status.CanTransitionTo(update.Status) {
		return false
	}
	c.Status = update.Status
	if update.MessageCount > c.MessageCount {
		c.MessageCount = update.MessageCount
	}
	if update.MessageLimit > 0 {
		c.MessageLimit = update.MessageLimit
	}
	if update.StartedAt != nil {
		c.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		c.CompletedAt = update.CompletedAt
	}
	return true
}

// IsParticipant reports whether userId is the patient or the doctor.
func (c *Consultation) IsParticipant(userId int64) bool {
	return userId == c.PatientId || userId == c.DoctorId
}
