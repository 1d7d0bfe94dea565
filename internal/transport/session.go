// Package transport owns the websocket connection for one consultation view.
// It adapts the classic read/write pump split: the read pump decodes inbound
// frames and dispatches them, the write pump serializes outbound frames and
// drives the protocol-level heartbeat.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"telemed-chat-client/internal/pkg/logger"
	"telemed-chat-client/internal/protocol"

	"github.com/gorilla/websocket"
)

// ConnectionState as observed by the orchestrator and UI.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Close codes with protocol meaning.
const (
	// CloseEstablishTimeout distinguishes a connection that never finished
	// its handshake from one that died afterwards.
	CloseEstablishTimeout = 4000
	// CloseAuthFailure is sent by the server for invalid or expired tokens.
	CloseAuthFailure = 4001
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
	maxFrameSize   = 64 * 1024
)

var (
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("transport not connected")
)

// CloseError is the typed outcome of an abnormal connection end.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// CredentialInvalid reports whether the close indicates a dead token, in
// which case the next attempt must fetch a fresh one.
func (e *CloseError) CredentialInvalid() bool {
	return e.Code == CloseAuthFailure
}

// Handlers receive session events. All callbacks fire from the session's
// pump goroutines; handlers must not block.
type Handlers struct {
	OnOpened      func()
	OnFrame       func(protocol.Inbound)
	OnFailure     func(err error)
	OnStateChange func(ConnectionState)
}

// Options configure a Session.
type Options struct {
	// URL is the full websocket endpoint without the token parameter,
	// e.g. ws://host/ws/consultations/42
	URL               string
	ConsultationId    int64
	HeartbeatInterval time.Duration
	EstablishTimeout  time.Duration
	InitialBatchDelay time.Duration
}

// conn bundles one underlying websocket connection with its pumps, so a
// superseded connection can die without confusing the current one.
type conn struct {
	ws         *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	closedByUs bool
	mu         sync.Mutex
}

// Session owns at most one live websocket connection per consultation view.
// Opening a new connection always closes the previous one first.
type Session struct {
	opts     Options
	handlers Handlers
	logger   logger.ILogger

	mu      sync.Mutex
	current *conn
	state   ConnectionState

	subMu sync.Mutex
	subs  []*Subscription
}

func NewSession(opts Options, handlers Handlers, log logger.ILogger) *Session {
	return &Session{
		opts:     opts,
		handlers: handlers,
		logger:   log,
		state:    StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open dials the endpoint with the given connection token. It blocks until
// the handshake succeeds or the establishment timeout elapses. On success the
// pumps start, the initial batch goes out and OnOpened fires.
func (s *Session) Open(credential string) error {
	s.closeCurrent(websocket.CloseNormalClosure, "superseded")
	s.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.EstablishTimeout}
	url := fmt.Sprintf("%s?token=%s", s.opts.URL, credential)

	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		s.setState(StateDisconnected)
		if errors.Is(err, websocket.ErrBadHandshake) {
			return &CloseError{Code: CloseAuthFailure, Reason: "handshake rejected"}
		}
		return &CloseError{Code: CloseEstablishTimeout, Reason: err.Error()}
	}
	ws.SetReadLimit(maxFrameSize)

	c := &conn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.current = c
	s.state = StateConnected
	s.mu.Unlock()
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(StateConnected)
	}

	go s.writePump(c)
	go s.readPump(c)
	go s.sendInitialBatch(c)

	if s.handlers.OnOpened != nil {
		s.handlers.OnOpened()
	}
	return nil
}

// Send marshals and queues one outbound frame.
func (s *Session) Send(frame protocol.Outbound) error {
	s.mu.Lock()
	c := s.current
	connected := s.state == StateConnected
	s.mu.Unlock()

	if c == nil || !connected {
		return ErrNotConnected
	}

	data, err := marshalFrame(frame)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for consultation %d", s.opts.ConsultationId)
	}
}

// Close shuts down the connection with the given close code. Used with
// CloseNormalClosure on unmount so the server sees a deliberate exit.
func (s *Session) Close(code int, reason string) {
	s.closeCurrent(code, reason)
	s.setState(StateDisconnected)
	s.cancelAllSubscriptions()
}

func (s *Session) closeCurrent(code int, reason string) {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closedByUs = true
		c.mu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.ws.Close()
		close(c.done)
	})
}

// sendInitialBatch sends [ping, get_messages_bulk, mark_read] staggered by a
// small fixed delay so the server never sees a burst right after accept.
func (s *Session) sendInitialBatch(c *conn) {
	batch := []protocol.Outbound{
		protocol.Ping(),
		protocol.GetMessagesBulk(s.opts.ConsultationId),
		protocol.MarkRead(),
	}
	for i, frame := range batch {
		if i > 0 {
			select {
			case <-c.done:
				return
			case <-time.After(s.opts.InitialBatchDelay):
			}
		}
		if err := s.Send(frame); err != nil {
			return
		}
	}
}

// readPump decodes inbound frames until the connection dies, then classifies
// the end: deliberate closes are silent, everything else reports a failure.
func (s *Session) readPump(c *conn) {
	defer s.closeCurrentIf(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			deliberate := c.closedByUs
			c.mu.Unlock()
			if deliberate {
				return
			}
			s.reportFailure(c, err)
			return
		}

		frame, perr := protocol.ParseInbound(data)
		if perr != nil {
			// Malformed payloads must not kill the session.
			s.logger.Warn("Transport", "Dropping malformed frame", map[string]interface{}{
				"consultation_id": s.opts.ConsultationId,
				"error":           perr.Error(),
			})
			continue
		}

		if unknown, ok := frame.(protocol.Unknown); ok {
			s.logger.Info("Transport", "Ignoring unrecognized frame type", map[string]interface{}{
				"type": unknown.Type,
			})
			continue
		}

		s.dispatch(frame)
	}
}

// writePump serializes writes and emits the protocol heartbeat. It exits when
// the connection's done channel closes, which also stops the heartbeat.
func (s *Session) writePump(c *conn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ping, _ := marshalFrame(protocol.Ping())
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (s *Session) dispatch(frame protocol.Inbound) {
	s.deliverToSubscriptions(frame)
	if s.handlers.OnFrame != nil {
		s.handlers.OnFrame(frame)
	}
}

// reportFailure converts a read error into a typed CloseError and notifies
// the failure handler, but only if c is still the current connection.
func (s *Session) reportFailure(c *conn, err error) {
	s.mu.Lock()
	stale := s.current != c
	if !stale {
		s.current = nil
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	if stale {
		return
	}
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(StateDisconnected)
	}

	closeErr := &CloseError{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		closeErr.Code = wsErr.Code
		closeErr.Reason = wsErr.Text
	}

	s.logger.Warn("Transport", "Connection lost", map[string]interface{}{
		"consultation_id": s.opts.ConsultationId,
		"code":            closeErr.Code,
		"reason":          closeErr.Reason,
	})

	if closeErr.Code == websocket.CloseNormalClosure {
		// Server-side normal closure, nothing to recover.
		return
	}
	if s.handlers.OnFailure != nil {
		s.handlers.OnFailure(closeErr)
	}
}

func (s *Session) closeCurrentIf(c *conn) {
	c.closeOnce.Do(func() {
		c.ws.Close()
		close(c.done)
	})
}

func (s *Session) setState(state ConnectionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed && s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(state)
	}
}

func marshalFrame(frame protocol.Outbound) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", frame.FrameType(), err)
	}
	return data, nil
}
