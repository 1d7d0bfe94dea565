package transport

import "telemed-chat-client/internal/protocol"

// Subscription is an explicit, cancellable one-shot frame listener. The
// quota monitor uses one to wait for a completion confirmation without
// leaking handlers on early teardown.
type Subscription struct {
	C chan protocol.Inbound

	session *Session
	match   func(frame protocol.Inbound) bool
	fired   bool
}

// SubscribeOnce registers a one-shot listener for the first inbound frame
// matching the predicate. The frame arrives on sub.C exactly once; Cancel
// releases the listener in every other branch.
func (s *Session) SubscribeOnce(match func(frame protocol.Inbound) bool) *Subscription {
	sub := &Subscription{
		C:       make(chan protocol.Inbound, 1),
		session: s,
		match:   match,
	}
	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()
	return sub
}

// Cancel removes the subscription. Safe to call after delivery or twice.
func (sub *Subscription) Cancel() {
	s := sub.session
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.removeLocked(sub)
}

func (s *Session) deliverToSubscriptions(frame protocol.Inbound) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if sub.fired || !sub.match(frame) {
			continue
		}
		sub.fired = true
		sub.C <- frame
		s.removeLocked(sub)
		return
	}
}

func (s *Session) cancelAllSubscriptions() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = nil
}

func (s *Session) removeLocked(sub *Subscription) {
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}
