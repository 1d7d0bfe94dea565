// Package monitor tracks the patient's message quota and drives consultation
// completion, both quota-triggered and manual. Completion is a request plus a
// confirmation frame correlated by consultation id; a completion that is
// never confirmed times out and leaves the status untouched.
package monitor

import (
	"errors"
	"sync"
	"time"

	"telemed-chat-client/internal/events"
	"telemed-chat-client/internal/model"
	"telemed-chat-client/internal/pkg/logger"
	"telemed-chat-client/internal/protocol"
	"telemed-chat-client/internal/transport"
)

const autoCompleteReason = "message limit reached"

var (
	// ErrCompletionInFlight rejects a second completion request while the
	// first is still awaiting confirmation.
	ErrCompletionInFlight = errors.New("completion request already in flight")

	// ErrCompletionTimeout covers both server rejection and silence; the
	// backend does not distinguish them and neither do we.
	ErrCompletionTimeout = errors.New("completion not confirmed in time")
)

// Options wire a Monitor with its collaborators.
type Options struct {
	Consultation   *model.Consultation
	ActorId        int64
	ActorIsPatient bool

	Session *transport.Session
	Bus     *events.Bus
	Logger  logger.ILogger

	CompletionTimeout time.Duration
	ReviewPromptDelay time.Duration

	// RestFallback requests completion over REST when the socket path is
	// unavailable. Optional.
	RestFallback func() error
}

// Monitor observes confirmed messages and consultation status for one view.
type Monitor struct {
	opts Options

	mu            sync.Mutex
	patientCount  int
	inFlight      bool
	autoRequested bool
	reviewSent    bool
	reviewTimer   *time.Timer
	torndown      bool
}

func New(opts Options) *Monitor {
	return &Monitor{opts: opts}
}

// ObserveConfirmed feeds every server-confirmed message through the quota
// check. When the patient's count crosses the limit on an active
// consultation, auto-completion fires exactly once.
func (m *Monitor) ObserveConfirmed(msg model.Message) {
	c := m.opts.Consultation
	if !msg.AuthoredBy(c.PatientId) {
		return
	}

	m.mu.Lock()
	m.patientCount++
	count := m.patientCount
	limitHit := c.MessageLimit > 0 && count >= c.MessageLimit &&
		c.Status == model.StatusActive && !m.autoRequested
	if limitHit {
		m.autoRequested = true
	}
	m.mu.Unlock()

	if !limitHit {
		return
	}

	m.opts.Logger.Info("QuotaMonitor", "Message limit reached, requesting auto-completion", map[string]interface{}{
		"consultation_id": c.Id,
		"count":           count,
		"limit":           c.MessageLimit,
	})
	if err := m.RequestCompletion(true); err != nil && !errors.Is(err, ErrCompletionInFlight) {
		m.opts.Bus.PublishNotice(events.NoticeError, "Failed to complete the consultation automatically.")
	}
}

// SyncCount installs the authoritative patient message count from a history
// snapshot, replacing whatever was tallied incrementally.
func (m *Monitor) SyncCount(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patientCount = count
}

// PatientMessageCount returns the current tally.
func (m *Monitor) PatientMessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patientCount
}

// RequestCompletion sends the completion frame and waits (asynchronously)
// for the matching confirmation. Manual and automatic triggers share one
// in-flight guard, so a concurrent second attempt is suppressed until the
// first resolves or times out.
func (m *Monitor) RequestCompletion(auto bool) error {
	m.mu.Lock()
	if m.torndown {
		m.mu.Unlock()
		return nil
	}
	if m.inFlight {
		m.mu.Unlock()
		return ErrCompletionInFlight
	}
	m.inFlight = true
	m.mu.Unlock()

	c := m.opts.Consultation
	reason := ""
	if auto {
		reason = autoCompleteReason
	}

	// Register the listener before sending so a fast confirmation cannot
	// slip between send and subscribe.
	sub := m.opts.Session.SubscribeOnce(func(frame protocol.Inbound) bool {
		update, ok := frame.(protocol.StatusUpdate)
		return ok && update.Consultation != nil &&
			update.Consultation.Id == c.Id &&
			update.Consultation.Status == model.StatusCompleted
	})

	if err := m.opts.Session.Send(protocol.CompleteConsultation(c.Id, auto, reason)); err != nil {
		sub.Cancel()
		if m.opts.RestFallback != nil {
			return m.completeViaRest()
		}
		m.clearInFlight()
		return err
	}

	go m.awaitConfirmation(sub)
	return nil
}

func (m *Monitor) awaitConfirmation(sub *transport.Subscription) {
	timer := time.NewTimer(m.opts.CompletionTimeout)
	defer timer.Stop()

	select {
	case <-sub.C:
		// Status application happens on the regular frame path via
		// HandleStatusUpdate; here we only release the guard.
		m.clearInFlight()
	case <-timer.C:
		sub.Cancel()
		m.clearInFlight()
		m.opts.Logger.Error("QuotaMonitor", "Completion confirmation timed out", map[string]interface{}{
			"consultation_id": m.opts.Consultation.Id,
		})
		m.opts.Bus.PublishNotice(events.NoticeError, "Completing the consultation timed out. Please try again.")
	}
}

// completeViaRest is the degraded-mode path when the websocket is down.
func (m *Monitor) completeViaRest() error {
	defer m.clearInFlight()
	if err := m.opts.RestFallback(); err != nil {
		m.opts.Bus.PublishNotice(events.NoticeError, "Failed to complete the consultation.")
		return err
	}
	m.opts.Bus.PublishNotice(events.NoticeSuccess, "Consultation completed.")
	return nil
}

// HandleStatusUpdate applies a status_update to the local consultation and
// publishes the change. Updates arrive concurrently from the read pump and
// from REST responses, so the merge runs under the monitor's lock. A
// completion seen by the patient schedules the review prompt once.
func (m *Monitor) HandleStatusUpdate(update *model.Consultation) {
	c := m.opts.Consultation

	m.mu.Lock()
	if !c.ApplyUpdate(update) {
		m.mu.Unlock()
		return
	}
	snapshot := *c
	m.mu.Unlock()

	m.opts.Bus.PublishConsultationUpdated(snapshot)

	if snapshot.Status != model.StatusCompleted || !m.opts.ActorIsPatient {
		return
	}

	m.mu.Lock()
	if m.reviewSent || m.torndown {
		m.mu.Unlock()
		return
	}
	m.reviewSent = true
	m.reviewTimer = time.AfterFunc(m.opts.ReviewPromptDelay, func() {
		m.opts.Bus.PublishReviewPrompt(snapshot.Id)
	})
	m.mu.Unlock()
}

// Snapshot returns a copy of the consultation, taken under the same lock
// that guards status merges.
func (m *Monitor) Snapshot() model.Consultation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.opts.Consultation
}

// Teardown cancels the pending review timer. Confirmation waiters unwind on
// their own when the session cancels subscriptions.
func (m *Monitor) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.torndown = true
	if m.reviewTimer != nil {
		m.reviewTimer.Stop()
		m.reviewTimer = nil
	}
}

func (m *Monitor) clearInFlight() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false
}
