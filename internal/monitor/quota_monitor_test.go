package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telemed-chat-client/internal/events"
	"telemed-chat-client/internal/model"
	"telemed-chat-client/internal/pkg/logger"
	"telemed-chat-client/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// fakeBackend upgrades websocket connections and optionally confirms
// completion requests with a status_update frame.
type fakeBackend struct {
	*httptest.Server
	confirmCompletion bool
	completionFrames  chan map[string]interface{}
}

func newFakeBackend(t *testing.T, confirmCompletion bool) *fakeBackend {
	t.Helper()
	backend := &fakeBackend{
		confirmCompletion: confirmCompletion,
		completionFrames:  make(chan map[string]interface{}, 8),
	}
	upgrader := websocket.Upgrader{}

	backend.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]interface{}
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			if frame["type"] != "status_update" {
				continue
			}
			backend.completionFrames <- frame
			if backend.confirmCompletion {
				ws.WriteJSON(map[string]interface{}{
					"type": "status_update",
					"consultation": map[string]interface{}{
						"id":     1,
						"status": "completed",
					},
				})
			}
		}
	}))
	t.Cleanup(backend.Close)
	return backend
}

type fixture struct {
	monitor      *Monitor
	session      *transport.Session
	consultation *model.Consultation
	bus          *events.Bus
	backend      *fakeBackend
	restCalls    *atomic.Int32
}

func newFixture(t *testing.T, confirmCompletion bool, limit int) *fixture {
	t.Helper()

	backend := newFakeBackend(t, confirmCompletion)
	consultation := &model.Consultation{
		Id: 1, PatientId: 10, DoctorId: 20,
		Status: model.StatusActive, MessageLimit: limit,
	}
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	session := transport.NewSession(transport.Options{
		URL:               "ws" + strings.TrimPrefix(backend.URL, "http") + "/ws/consultations/1",
		ConsultationId:    1,
		HeartbeatInterval: time.Minute,
		EstablishTimeout:  2 * time.Second,
		InitialBatchDelay: time.Millisecond,
	}, transport.Handlers{}, &logger.Noop{})

	restCalls := &atomic.Int32{}
	m := New(Options{
		Consultation:      consultation,
		ActorId:           10,
		ActorIsPatient:    true,
		Session:           session,
		Bus:               bus,
		Logger:            &logger.Noop{},
		CompletionTimeout: 500 * time.Millisecond,
		ReviewPromptDelay: 10 * time.Millisecond,
		RestFallback: func() error {
			restCalls.Add(1)
			return nil
		},
	})
	t.Cleanup(m.Teardown)

	return &fixture{
		monitor:      m,
		session:      session,
		consultation: consultation,
		bus:          bus,
		backend:      backend,
		restCalls:    restCalls,
	}
}

func patientMessage(id int64) model.Message {
	return model.Message{Id: id, ConsultationId: 1, SenderId: 10, Content: "msg", SentAt: time.Now()}
}

func doctorMessage(id int64) model.Message {
	return model.Message{Id: id, ConsultationId: 1, SenderId: 20, Content: "msg", SentAt: time.Now()}
}

func TestQuotaTriggersAutoCompletionOnce(t *testing.T) {
	f := newFixture(t, true, 3)
	assert.NoError(t, f.session.Open("tok"))
	defer f.session.Close(websocket.CloseNormalClosure, "test done")

	f.monitor.ObserveConfirmed(patientMessage(1))
	f.monitor.ObserveConfirmed(doctorMessage(2)) // doctor replies never count
	f.monitor.ObserveConfirmed(patientMessage(3))
	assert.Equal(t, 2, f.monitor.PatientMessageCount())

	select {
	case frame := <-f.backend.completionFrames:
		t.Fatalf("completion requested below the limit: %v", frame)
	case <-time.After(200 * time.Millisecond):
	}

	// Third patient message hits the limit.
	f.monitor.ObserveConfirmed(patientMessage(4))

	select {
	case frame := <-f.backend.completionFrames:
		assert.Equal(t, "completed", frame["status"])
		assert.Equal(t, true, frame["auto_completed"])
		assert.Equal(t, "message limit reached", frame["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("auto-completion never requested")
	}

	// Further patient messages never fire a second auto request.
	f.monitor.ObserveConfirmed(patientMessage(5))
	select {
	case <-f.backend.completionFrames:
		t.Fatal("auto-completion requested twice")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSyncCountReplacesTally(t *testing.T) {
	f := newFixture(t, true, 30)
	f.monitor.ObserveConfirmed(patientMessage(1))
	f.monitor.SyncCount(12)
	assert.Equal(t, 12, f.monitor.PatientMessageCount())
}

func TestManualCompletionInFlightGuard(t *testing.T) {
	f := newFixture(t, false, 30)
	assert.NoError(t, f.session.Open("tok"))
	defer f.session.Close(websocket.CloseNormalClosure, "test done")

	assert.NoError(t, f.monitor.RequestCompletion(false))
	assert.ErrorIs(t, f.monitor.RequestCompletion(false), ErrCompletionInFlight)
}

func TestCompletionTimeoutReleasesGuard(t *testing.T) {
	f := newFixture(t, false, 30)
	assert.NoError(t, f.session.Open("tok"))
	defer f.session.Close(websocket.CloseNormalClosure, "test done")

	notices, err := f.bus.Subscribe(context.Background(), events.TopicNotice)
	assert.NoError(t, err)

	assert.NoError(t, f.monitor.RequestCompletion(false))

	// The server never confirms; the timeout surfaces an error notice.
	select {
	case msg := <-notices:
		notice, derr := events.DecodeNotice(msg)
		assert.NoError(t, derr)
		assert.Equal(t, events.NoticeError, notice.Severity)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout notice never published")
	}

	// Guard released; a fresh request goes out again.
	assert.NoError(t, f.monitor.RequestCompletion(false))
}

func TestCompletionFallsBackToRestWhenDisconnected(t *testing.T) {
	f := newFixture(t, false, 30)
	// Session never opened: Send fails, REST fallback takes over.

	assert.NoError(t, f.monitor.RequestCompletion(false))
	assert.Equal(t, int32(1), f.restCalls.Load())
}

func TestHandleStatusUpdatePublishesAndPromptsReview(t *testing.T) {
	f := newFixture(t, true, 30)

	ctx := context.Background()
	updates, err := f.bus.Subscribe(ctx, events.TopicConsultationUpdated)
	assert.NoError(t, err)
	reviews, err := f.bus.Subscribe(ctx, events.TopicReviewPrompt)
	assert.NoError(t, err)

	completed := &model.Consultation{Id: 1, Status: model.StatusCompleted}
	f.monitor.HandleStatusUpdate(completed)

	select {
	case msg := <-updates:
		payload, derr := events.DecodeConsultationUpdated(msg)
		assert.NoError(t, derr)
		assert.Equal(t, model.StatusCompleted, payload.Consultation.Status)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("consultation update never published")
	}

	select {
	case msg := <-reviews:
		payload, derr := events.DecodeReviewPrompt(msg)
		assert.NoError(t, derr)
		assert.Equal(t, int64(1), payload.ConsultationId)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("review prompt never published")
	}

	// A stale duplicate is a no-op and never re-prompts.
	f.monitor.HandleStatusUpdate(completed)
	select {
	case <-reviews:
		t.Fatal("review prompted twice")
	case <-time.After(200 * time.Millisecond):
	}
}

// Status updates land from the read pump while REST responses apply on the
// caller's goroutine; the merge and the snapshot reads must tolerate that
// (run with -race).
func TestConcurrentStatusUpdates(t *testing.T) {
	f := newFixture(t, true, 30)

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	// Frame path: repeated same-status updates bumping the count.
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 200; i++ {
			f.monitor.HandleStatusUpdate(&model.Consultation{Id: 1, Status: model.StatusActive, MessageCount: i})
		}
	}()
	// REST path: the completion response.
	go func() {
		defer wg.Done()
		<-start
		f.monitor.HandleStatusUpdate(&model.Consultation{Id: 1, Status: model.StatusCompleted})
	}()
	// UI path: concurrent snapshot reads.
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 200; i++ {
			_ = f.monitor.Snapshot()
		}
	}()

	close(start)
	wg.Wait()

	snapshot := f.monitor.Snapshot()
	assert.Equal(t, model.StatusCompleted, snapshot.Status)
}

func TestReviewPromptSkippedForDoctor(t *testing.T) {
	f := newFixture(t, true, 30)
	f.monitor.opts.ActorIsPatient = false

	reviews, err := f.bus.Subscribe(context.Background(), events.TopicReviewPrompt)
	assert.NoError(t, err)

	f.monitor.HandleStatusUpdate(&model.Consultation{Id: 1, Status: model.StatusCompleted})

	select {
	case <-reviews:
		t.Fatal("review prompted for the doctor")
	case <-time.After(200 * time.Millisecond):
	}
}
