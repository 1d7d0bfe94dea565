// Package events is the in-process event bus between the chat core and the
// surrounding application (UI, routing, badges). Consumers subscribe to
// topics; the core never calls UI code directly.
package events

import (
	"context"
	"encoding/json"

	"telemed-chat-client/internal/model"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics produced by the chat core.
const (
	TopicConnectionState     = "chat.connection_state"
	TopicConsultationUpdated = "chat.consultation_updated"
	TopicReviewPrompt        = "chat.review_prompt"
	TopicNotice              = "chat.notice"
)

// Notice severities.
const (
	NoticeInfo    = "info"
	NoticeError   = "error"
	NoticeFatal   = "fatal" // persistent until reload (max reconnects exhausted)
	NoticeSuccess = "success"
)

type ConnectionStatePayload struct {
	ConsultationId int64  `json:"consultation_id"`
	State          string `json:"state"`
}

type ConsultationUpdatedPayload struct {
	Consultation model.Consultation `json:"consultation"`
}

type ReviewPromptPayload struct {
	ConsultationId int64 `json:"consultation_id"`
}

type NoticePayload struct {
	Severity string `json:"severity"`
	Text     string `json:"text"`
}

// Bus wraps a watermill gochannel pub/sub.
type Bus struct {
	pubSub *gochannel.GoChannel
}

func NewBus() *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
	}
}

func (b *Bus) publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	// Publish on gochannel only fails when the bus is closed; the session is
	// tearing down then and the event is moot.
	_ = b.pubSub.Publish(topic, message.NewMessage(watermill.NewUUID(), data))
}

func (b *Bus) PublishConnectionState(consultationId int64, state string) {
	b.publish(TopicConnectionState, ConnectionStatePayload{
		ConsultationId: consultationId,
		State:          state,
	})
}

func (b *Bus) PublishConsultationUpdated(c model.Consultation) {
	b.publish(TopicConsultationUpdated, ConsultationUpdatedPayload{Consultation: c})
}

func (b *Bus) PublishReviewPrompt(consultationId int64) {
	b.publish(TopicReviewPrompt, ReviewPromptPayload{ConsultationId: consultationId})
}

func (b *Bus) PublishNotice(severity, text string) {
	b.publish(TopicNotice, NoticePayload{Severity: severity, Text: text})
}

// Subscribe returns a channel of raw messages for one topic. Callers decode
// with the Decode helpers and must Ack every message.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubSub.Subscribe(ctx, topic)
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}

func DecodeNotice(msg *message.Message) (NoticePayload, error) {
	var p NoticePayload
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

func DecodeConnectionState(msg *message.Message) (ConnectionStatePayload, error) {
	var p ConnectionStatePayload
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

func DecodeConsultationUpdated(msg *message.Message) (ConsultationUpdatedPayload, error) {
	var p ConsultationUpdatedPayload
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}

func DecodeReviewPrompt(msg *message.Message) (ReviewPromptPayload, error) {
	var p ReviewPromptPayload
	err := json.Unmarshal(msg.Payload, &p)
	return p, err
}
