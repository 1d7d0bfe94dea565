// Package session wires the chat client together for one consultation view:
// token acquisition, transport, history sync, quota monitoring and
// reconnection, behind a single per-view state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"telemed-chat-client/internal/auth"
	"telemed-chat-client/internal/config"
	"telemed-chat-client/internal/events"
	"telemed-chat-client/internal/model"
	"telemed-chat-client/internal/monitor"
	"telemed-chat-client/internal/pkg/logger"
	"telemed-chat-client/internal/protocol"
	"telemed-chat-client/internal/reconnect"
	"telemed-chat-client/internal/restapi"
	"telemed-chat-client/internal/store"
	"telemed-chat-client/internal/token"
	"telemed-chat-client/internal/transport"

	"github.com/gorilla/websocket"
)

// State of the orchestrator's per-view machine.
type State string

const (
	StateIdle         State = "idle"
	StateAcquiring    State = "acquiring"
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

var (
	// ErrNotLive rejects user actions while the chat is not connected.
	ErrNotLive = errors.New("chat is not live")

	// ErrNotMounted rejects operations before Mount or after Unmount.
	ErrNotMounted = errors.New("consultation view not mounted")
)

// Deps are the collaborators an Orchestrator needs. Everything is injected
// so tests can substitute fakes and multiple sessions never share state.
type Deps struct {
	Config *config.Config
	Creds  *auth.Credentials
	Tokens token.Provider
	Rest   *restapi.Client
	Bus    *events.Bus
	Logger logger.ILogger
}

// Orchestrator drives the chat session for exactly one consultation view.
type Orchestrator struct {
	deps         Deps
	consultation *model.Consultation

	transport *transport.Session
	reconnect *reconnect.Controller
	monitor   *monitor.Monitor
	messages  *store.MessageStore
	unread    *store.UnreadTracker

	mu        sync.Mutex
	state     State
	suspended bool
}

func NewOrchestrator(deps Deps, consultation *model.Consultation) *Orchestrator {
	o := &Orchestrator{
		deps:         deps,
		consultation: consultation,
		messages:     store.NewMessageStore(),
		unread:       store.NewUnreadTracker(),
		state:        StateIdle,
	}

	cfg := deps.Config
	o.transport = transport.NewSession(
		transport.Options{
			URL:               fmt.Sprintf("%s/ws/consultations/%d", cfg.Backend.WSBaseURL, consultation.Id),
			ConsultationId:    consultation.Id,
			HeartbeatInterval: cfg.Chat.HeartbeatInterval,
			EstablishTimeout:  cfg.Chat.EstablishTimeout,
			InitialBatchDelay: cfg.Chat.InitialBatchDelay,
		},
		transport.Handlers{
			OnOpened:      o.onOpened,
			OnFrame:       o.onFrame,
			OnFailure:     o.onTransportFailure,
			OnStateChange: o.onConnectionState,
		},
		deps.Logger,
	)

	o.reconnect = reconnect.NewController(
		cfg.Reconnect.BaseDelay,
		cfg.Reconnect.MaxDelay,
		cfg.Reconnect.MaxAttempts,
		o.retryConnect,
		o.onReconnectExhausted,
		deps.Logger,
	)

	o.monitor = monitor.New(monitor.Options{
		Consultation:      consultation,
		ActorId:           deps.Creds.UserId,
		ActorIsPatient:    deps.Creds.UserId == consultation.PatientId,
		Session:           o.transport,
		Bus:               deps.Bus,
		Logger:            deps.Logger,
		CompletionTimeout: cfg.Chat.CompletionTimeout,
		ReviewPromptDelay: cfg.Chat.ReviewPromptDelay,
		RestFallback:      o.completeViaRest,
	})

	return o
}

// Mount brings the view up: preload history over REST, acquire a connection
// token and open the transport. A token failure on mount is terminal for the
// view (no automatic retry); the user must reload.
func (o *Orchestrator) Mount(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("mount from state %s", o.state)
	}
	o.state = StateAcquiring
	o.mu.Unlock()

	// REST preload covers the window before the socket's bulk sync lands.
	if history, err := o.deps.Rest.GetMessages(ctx, o.consultation.Id); err == nil {
		o.messages.BulkReplace(history)
		o.monitor.SyncCount(countAuthoredBy(history, o.consultation.PatientId))
		o.unread.SetCount(o.consultation.Id, countUnreadForeign(history, o.deps.Creds.UserId))
	} else {
		o.deps.Logger.Warn("Session", "History preload failed", map[string]interface{}{
			"consultation_id": o.consultation.Id,
			"error":           err.Error(),
		})
	}

	if err := o.connect(ctx); err != nil {
		var closeErr *transport.CloseError
		if errors.As(err, &closeErr) {
			// The handshake itself failed; that is a transport failure and
			// recovery belongs to the reconnection controller.
			o.setState(StateReconnecting)
			o.reconnect.OnFailure()
			return nil
		}
		// Token acquisition failed: terminal for the view, no automatic
		// retry of the initial mount.
		o.setState(StateIdle)
		o.deps.Bus.PublishNotice(events.NoticeError, "Could not connect to the consultation. Please reload the page.")
		return err
	}
	return nil
}

// connect runs one Acquiring -> Connecting -> Live pass.
func (o *Orchestrator) connect(ctx context.Context) error {
	o.setState(StateAcquiring)

	credential, err := o.deps.Tokens.FetchConnectionToken(ctx, o.consultation.Id)
	if err != nil {
		o.deps.Logger.Error("Session", "Connection token fetch failed", map[string]interface{}{
			"consultation_id": o.consultation.Id,
			"error":           err.Error(),
		})
		return err
	}

	o.setState(StateConnecting)
	if err := o.transport.Open(credential); err != nil {
		return err
	}
	return nil
}

// retryConnect is the reconnect controller's callback: every attempt
// re-fetches a token so stale credentials are never reused.
func (o *Orchestrator) retryConnect() {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if err := o.connect(context.Background()); err != nil {
		o.setState(StateReconnecting)
		o.reconnect.OnFailure()
	}
}

func (o *Orchestrator) onOpened() {
	o.reconnect.OnSuccess()
	o.setState(StateLive)
}

func (o *Orchestrator) onTransportFailure(err error) {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	o.state = StateReconnecting
	o.mu.Unlock()

	var closeErr *transport.CloseError
	if errors.As(err, &closeErr) && closeErr.CredentialInvalid() {
		o.deps.Logger.Warn("Session", "Connection token rejected, will fetch a fresh one", map[string]interface{}{
			"consultation_id": o.consultation.Id,
		})
	}
	o.reconnect.OnFailure()
}

func (o *Orchestrator) onReconnectExhausted() {
	o.setState(StateIdle)
	o.deps.Bus.PublishNotice(events.NoticeFatal, "Connection lost. Please reload the page to continue.")
}

func (o *Orchestrator) onConnectionState(state transport.ConnectionState) {
	o.deps.Bus.PublishConnectionState(o.consultation.Id, string(state))
}

// SendMessage sends a chat message with optimistic local echo. Rejected
// outright while the session is not live: no frame goes out and no
// optimistic entry is ever added.
func (o *Orchestrator) SendMessage(content string) error {
	if content == "" {
		return errors.New("empty message")
	}

	o.mu.Lock()
	live := o.state == StateLive
	o.mu.Unlock()
	if !live {
		o.deps.Bus.PublishNotice(events.NoticeError, "Message not sent: connection is down. Please wait for reconnection.")
		return ErrNotLive
	}

	temp := model.NewTempMessage(o.consultation.Id, o.deps.Creds.UserId, content)
	o.messages.AppendTemp(temp)

	if err := o.transport.Send(protocol.SendMessage(content, temp.TempId)); err != nil {
		// Reflect the failure: the optimistic entry comes back out.
		o.messages.RemoveTemporary(temp.TempId)
		o.deps.Bus.PublishNotice(events.NoticeError, "Message could not be sent.")
		return err
	}
	return nil
}

// CompleteConsultation is the manual completion action (doctor's button).
func (o *Orchestrator) CompleteConsultation() error {
	return o.monitor.RequestCompletion(false)
}

// StartConsultation activates a pending consultation over REST.
func (o *Orchestrator) StartConsultation(ctx context.Context) error {
	updated, err := o.deps.Rest.StartConsultation(ctx, o.consultation.Id)
	if err != nil {
		o.deps.Bus.PublishNotice(events.NoticeError, "Could not start the consultation.")
		return err
	}
	o.monitor.HandleStatusUpdate(updated)
	o.deps.Bus.PublishNotice(events.NoticeSuccess, "Consultation started.")
	return nil
}

// SubmitReview posts the patient's review after completion.
func (o *Orchestrator) SubmitReview(ctx context.Context, rating int, comment string) error {
	return o.deps.Rest.SubmitReview(ctx, o.consultation.Id, restapi.Review{Rating: rating, Comment: comment})
}

// Suspend pauses reconnection while the application is hidden.
func (o *Orchestrator) Suspend() {
	o.mu.Lock()
	o.suspended = true
	o.mu.Unlock()
	o.reconnect.Suspend()
}

// Resume lifts the suspension, re-arming any parked retry and flushing
// read state for messages that arrived while hidden.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.suspended = false
	live := o.state == StateLive
	o.mu.Unlock()
	o.reconnect.Resume()

	if live && o.unread.Count(o.consultation.Id) > 0 {
		if err := o.transport.Send(protocol.MarkRead()); err == nil {
			o.unread.MarkAsRead(o.consultation.Id)
		}
	}
}

// Unmount tears the view down from any state: normal-closure close, all
// timers cancelled, message store discarded.
func (o *Orchestrator) Unmount() {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	o.state = StateClosed
	o.mu.Unlock()

	o.reconnect.Cancel()
	o.monitor.Teardown()
	o.transport.Close(websocket.CloseNormalClosure, "view unmounted")
	o.messages.Clear()
	o.unread.Reset()
	o.deps.Logger.Info("Session", "Consultation view unmounted", map[string]interface{}{
		"consultation_id": o.consultation.Id,
	})
}

// Messages returns the ordered message sequence for rendering.
func (o *Orchestrator) Messages() []model.Message {
	return o.messages.All()
}

// Consultation returns a snapshot of the local consultation view. The copy
// is taken under the monitor's lock so it never tears against a concurrent
// status merge.
func (o *Orchestrator) Consultation() model.Consultation {
	return o.monitor.Snapshot()
}

// UnreadCount returns unread messages accumulated while suspended.
func (o *Orchestrator) UnreadCount() int {
	return o.unread.Count(o.consultation.Id)
}

// StateNow returns the current machine state.
func (o *Orchestrator) StateNow() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	// Closed is final; nothing may resurrect the view.
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	o.state = state
	o.mu.Unlock()
}

// onFrame dispatches every decoded inbound frame.
func (o *Orchestrator) onFrame(frame protocol.Inbound) {
	switch f := frame.(type) {
	case protocol.Pong:
		// Heartbeat answer, nothing to do.

	case protocol.IncomingMessage:
		o.handleIncomingMessage(f)

	case protocol.MessagesBulk:
		o.messages.BulkReplace(f.Messages)
		o.monitor.SyncCount(countAuthoredBy(f.Messages, o.consultation.PatientId))
		o.unread.SetCount(o.consultation.Id, countUnreadForeign(f.Messages, o.deps.Creds.UserId))
		if f.Consultation != nil {
			o.monitor.HandleStatusUpdate(f.Consultation)
		}

	case protocol.ReadReceiptNotice:
		o.messages.MarkRead(f.MessageId)

	case protocol.StatusUpdate:
		o.monitor.HandleStatusUpdate(f.Consultation)

	case protocol.ServerError:
		o.deps.Bus.PublishNotice(events.NoticeError, f.Message)
	}
}

func (o *Orchestrator) handleIncomingMessage(f protocol.IncomingMessage) {
	mine := f.Message.AuthoredBy(o.deps.Creds.UserId)

	if f.TempId != "" && mine {
		o.messages.ReplaceTemporary(f.TempId, f.Message)
	} else if !o.messages.Append(f.Message) {
		// Duplicate delivery; nothing else to process.
		return
	}

	o.monitor.ObserveConfirmed(f.Message)

	if mine {
		return
	}

	o.mu.Lock()
	suspended := o.suspended
	o.mu.Unlock()

	if suspended {
		o.unread.AddUnread(o.consultation.Id)
		return
	}
	// Visible view: acknowledge right away so the sender sees the tick.
	if err := o.transport.Send(protocol.ReadReceipt(f.Message.Id)); err == nil {
		o.messages.MarkRead(f.Message.Id)
	}
}

func countAuthoredBy(messages []model.Message, senderId int64) int {
	count := 0
	for _, msg := range messages {
		if msg.AuthoredBy(senderId) {
			count++
		}
	}
	return count
}

// countUnreadForeign tallies the other participant's unread messages in a
// synced batch, seeding the unread counter after history replaces local state.
func countUnreadForeign(messages []model.Message, selfId int64) int {
	count := 0
	for _, msg := range messages {
		if !msg.IsRead && !msg.AuthoredBy(selfId) {
			count++
		}
	}
	return count
}

func (o *Orchestrator) completeViaRest() error {
	updated, err := o.deps.Rest.CompleteConsultation(context.Background(), o.consultation.Id)
	if err != nil {
		return err
	}
	o.monitor.HandleStatusUpdate(updated)
	return nil
}
