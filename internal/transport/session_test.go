package transport

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"telemed-chat-client/internal/pkg/logger"
	"telemed-chat-client/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// testServer upgrades one websocket connection and exposes both directions
// as channels.
type testServer struct {
	*httptest.Server
	received chan map[string]interface{}
	conns    chan *websocket.Conn
}

func newTestServer(t *testing.T, requireToken string) *testServer {
	t.Helper()
	ts := &testServer{
		received: make(chan map[string]interface{}, 32),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requireToken != "" && r.URL.Query().Get("token") != requireToken {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]interface{}
			if json.Unmarshal(data, &frame) == nil {
				ts.received <- frame
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) waitFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case frame := <-ts.received:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame from client")
		return nil
	}
}

func (ts *testServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-ts.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func newTestSession(ts *testServer, handlers Handlers) *Session {
	return NewSession(Options{
		URL:               ts.wsURL() + "/ws/consultations/1",
		ConsultationId:    1,
		HeartbeatInterval: time.Minute,
		EstablishTimeout:  2 * time.Second,
		InitialBatchDelay: time.Millisecond,
	}, handlers, &logger.Noop{})
}

func TestOpenSendsInitialBatch(t *testing.T) {
	ts := newTestServer(t, "tok")

	opened := make(chan struct{}, 1)
	session := newTestSession(ts, Handlers{
		OnOpened: func() { opened <- struct{}{} },
	})
	defer session.Close(websocket.CloseNormalClosure, "test done")

	err := session.Open("tok")
	assert.NoError(t, err)
	assert.Equal(t, StateConnected, session.State())

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("OnOpened never fired")
	}

	// Fixed order: heartbeat probe, history request, read sync.
	assert.Equal(t, "ping", ts.waitFrame(t)["type"])
	bulk := ts.waitFrame(t)
	assert.Equal(t, "get_messages_bulk", bulk["type"])
	assert.Equal(t, float64(1), bulk["consultation_id"])
	assert.Equal(t, "mark_read", ts.waitFrame(t)["type"])
}

func TestOpenRejectedToken(t *testing.T) {
	ts := newTestServer(t, "tok")

	session := newTestSession(ts, Handlers{})
	err := session.Open("wrong")

	var closeErr *CloseError
	assert.ErrorAs(t, err, &closeErr)
	assert.True(t, closeErr.CredentialInvalid())
	assert.Equal(t, StateDisconnected, session.State())
}

func TestInboundFrameDispatch(t *testing.T) {
	ts := newTestServer(t, "")

	frames := make(chan protocol.Inbound, 8)
	session := newTestSession(ts, Handlers{
		OnFrame: func(f protocol.Inbound) { frames <- f },
	})
	defer session.Close(websocket.CloseNormalClosure, "test done")

	assert.NoError(t, session.Open("tok"))
	ws := ts.waitConn(t)

	// Malformed and unknown frames are dropped without killing the session.
	ws.WriteMessage(websocket.TextMessage, []byte("not json"))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing_indicator"}`))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))

	select {
	case frame := <-frames:
		assert.IsType(t, protocol.Pong{}, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("pong never dispatched")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	ts := newTestServer(t, "")
	session := newTestSession(ts, Handlers{})

	err := session.Send(protocol.Ping())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAbnormalCloseReportsFailure(t *testing.T) {
	ts := newTestServer(t, "")

	failures := make(chan error, 1)
	session := newTestSession(ts, Handlers{
		OnFailure: func(err error) { failures <- err },
	})

	assert.NoError(t, session.Open("tok"))
	ws := ts.waitConn(t)

	// Kill the TCP stream without a close handshake.
	ws.UnderlyingConn().Close()

	select {
	case err := <-failures:
		var closeErr *CloseError
		assert.ErrorAs(t, err, &closeErr)
		assert.False(t, closeErr.CredentialInvalid())
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure never fired")
	}
	assert.Equal(t, StateDisconnected, session.State())
}

func TestDeliberateCloseIsSilent(t *testing.T) {
	ts := newTestServer(t, "")

	failures := make(chan error, 1)
	session := newTestSession(ts, Handlers{
		OnFailure: func(err error) { failures <- err },
	})

	assert.NoError(t, session.Open("tok"))
	ts.waitConn(t)

	session.Close(websocket.CloseNormalClosure, "view unmounted")

	select {
	case err := <-failures:
		t.Fatalf("OnFailure fired for deliberate close: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHeartbeatPings(t *testing.T) {
	ts := newTestServer(t, "")

	session := NewSession(Options{
		URL:               ts.wsURL() + "/ws/consultations/1",
		ConsultationId:    1,
		HeartbeatInterval: 50 * time.Millisecond,
		EstablishTimeout:  2 * time.Second,
		InitialBatchDelay: time.Millisecond,
	}, Handlers{}, &logger.Noop{})

	assert.NoError(t, session.Open("tok"))

	// The initial batch comes first.
	assert.Equal(t, "ping", ts.waitFrame(t)["type"])
	assert.Equal(t, "get_messages_bulk", ts.waitFrame(t)["type"])
	assert.Equal(t, "mark_read", ts.waitFrame(t)["type"])

	// Then the heartbeat keeps ticking.
	for i := 0; i < 3; i++ {
		assert.Equal(t, "ping", ts.waitFrame(t)["type"])
	}

	session.Close(websocket.CloseNormalClosure, "test done")

	// The heartbeat dies with the connection: drain anything already in
	// flight, then the stream stays quiet.
	time.Sleep(150 * time.Millisecond)
	for {
		select {
		case <-ts.received:
			continue
		default:
		}
		break
	}
	select {
	case frame := <-ts.received:
		t.Fatalf("heartbeat continued after close: %v", frame)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOpenEstablishTimeout(t *testing.T) {
	// A listener that accepts TCP connections but never answers the
	// websocket handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()

	var heldMu sync.Mutex
	var held []net.Conn
	defer func() {
		heldMu.Lock()
		defer heldMu.Unlock()
		for _, c := range held {
			c.Close()
		}
	}()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, c)
			heldMu.Unlock()
		}
	}()

	session := NewSession(Options{
		URL:               "ws://" + ln.Addr().String() + "/ws/consultations/1",
		ConsultationId:    1,
		HeartbeatInterval: time.Minute,
		EstablishTimeout:  200 * time.Millisecond,
		InitialBatchDelay: time.Millisecond,
	}, Handlers{}, &logger.Noop{})

	started := time.Now()
	err = session.Open("tok")
	elapsed := time.Since(started)

	var closeErr *CloseError
	assert.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseEstablishTimeout, closeErr.Code)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StateDisconnected, session.State())
}

func TestSubscribeOnce(t *testing.T) {
	ts := newTestServer(t, "")
	session := newTestSession(ts, Handlers{})
	defer session.Close(websocket.CloseNormalClosure, "test done")

	assert.NoError(t, session.Open("tok"))
	ws := ts.waitConn(t)

	sub := session.SubscribeOnce(func(frame protocol.Inbound) bool {
		update, ok := frame.(protocol.StatusUpdate)
		return ok && update.Consultation != nil && update.Consultation.Id == 1
	})

	// A non-matching frame passes through without firing the subscription.
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_update","consultation":{"id":1,"status":"completed"}}`))

	select {
	case frame := <-sub.C:
		update := frame.(protocol.StatusUpdate)
		assert.Equal(t, int64(1), update.Consultation.Id)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never fired")
	}

	// One-shot: a second matching frame stays out of the channel.
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_update","consultation":{"id":1,"status":"completed"}}`))
	select {
	case <-sub.C:
		t.Fatal("one-shot subscription fired twice")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSubscriptionCancel(t *testing.T) {
	ts := newTestServer(t, "")
	session := newTestSession(ts, Handlers{})
	defer session.Close(websocket.CloseNormalClosure, "test done")

	assert.NoError(t, session.Open("tok"))
	ws := ts.waitConn(t)

	sub := session.SubscribeOnce(func(protocol.Inbound) bool { return true })
	sub.Cancel()
	sub.Cancel() // idempotent

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
	select {
	case <-sub.C:
		t.Fatal("cancelled subscription fired")
	case <-time.After(300 * time.Millisecond):
	}
}
