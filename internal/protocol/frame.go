// Package protocol defines the JSON frame envelope exchanged with the
// consultation websocket endpoint. Every frame is a JSON object tagged by
// a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"telemed-chat-client/internal/model"
)

// Frame type discriminators.
const (
	TypePing             = "ping"
	TypePong             = "pong"
	TypeMessage          = "message"
	TypeReadReceipt      = "read_receipt"
	TypeMarkRead         = "mark_read"
	TypeStatusUpdate     = "status_update"
	TypeGetMessagesBulk  = "get_messages_bulk"
	TypeMessagesBulk     = "messages_bulk"
	TypeMessagesHistory  = "messages_history"
	TypeConsultationData = "consultation_data"
	TypeError            = "error"
)

// --- Outbound frames ---

// Outbound is any frame the client may send.
type Outbound interface {
	FrameType() string
}

type PingFrame struct {
	Type string `json:"type"`
}

func Ping() PingFrame { return PingFrame{Type: TypePing} }

func (f PingFrame) FrameType() string { return f.Type }

type SendMessageFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	TempId  string `json:"temp_id"`
}

func SendMessage(content, tempId string) SendMessageFrame {
	return SendMessageFrame{Type: TypeMessage, Content: content, TempId: tempId}
}

func (f SendMessageFrame) FrameType() string { return f.Type }

type ReadReceiptFrame struct {
	Type      string `json:"type"`
	MessageId int64  `json:"message_id"`
}

func ReadReceipt(messageId int64) ReadReceiptFrame {
	return ReadReceiptFrame{Type: TypeReadReceipt, MessageId: messageId}
}

func (f ReadReceiptFrame) FrameType() string { return f.Type }

type MarkReadFrame struct {
	Type string `json:"type"`
}

func MarkRead() MarkReadFrame { return MarkReadFrame{Type: TypeMarkRead} }

func (f MarkReadFrame) FrameType() string { return f.Type }

type StatusUpdateFrame struct {
	Type           string `json:"type"`
	Status         string `json:"status"`
	ConsultationId int64  `json:"consultation_id"`
	AutoCompleted  bool   `json:"auto_completed,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// CompleteConsultation builds the completion request frame. reason is only
// set for auto-completion (quota reached).
func CompleteConsultation(consultationId int64, auto bool, reason string) StatusUpdateFrame {
	return StatusUpdateFrame{
		Type:           TypeStatusUpdate,
		Status:         string(model.StatusCompleted),
		ConsultationId: consultationId,
		AutoCompleted:  auto,
		Reason:         reason,
	}
}

func (f StatusUpdateFrame) FrameType() string { return f.Type }

type GetMessagesBulkFrame struct {
	Type           string `json:"type"`
	ConsultationId int64  `json:"consultation_id"`
}

func GetMessagesBulk(consultationId int64) GetMessagesBulkFrame {
	return GetMessagesBulkFrame{Type: TypeGetMessagesBulk, ConsultationId: consultationId}
}

func (f GetMessagesBulkFrame) FrameType() string { return f.Type }

// --- Inbound frames ---

// Inbound is the tagged union of frames the server may send. Dispatch with a
// type switch; unrecognized types decode to Unknown so new server frames
// never break old clients.
type Inbound interface {
	inboundFrame()
}

type Pong struct{}

// IncomingMessage is a confirmed chat message. TempId is echoed back when
// the message confirms one of our own optimistic sends.
type IncomingMessage struct {
	Message model.Message
	TempId  string
}

// MessagesBulk carries a full history snapshot plus the current consultation
// view. The server uses three spellings for it (messages_bulk,
// messages_history, consultation_data); all decode here.
type MessagesBulk struct {
	Messages     []model.Message
	Consultation *model.Consultation
}

type ReadReceiptNotice struct {
	MessageId int64
}

type StatusUpdate struct {
	Consultation *model.Consultation
}

type ServerError struct {
	Message string
}

// Unknown preserves an unrecognized frame for logging.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Pong) inboundFrame()              {}
func (IncomingMessage) inboundFrame()   {}
func (MessagesBulk) inboundFrame()      {}
func (ReadReceiptNotice) inboundFrame() {}
func (StatusUpdate) inboundFrame()      {}
func (ServerError) inboundFrame()       {}
func (Unknown) inboundFrame()           {}

// ParseInbound decodes one wire frame. A decode error means the payload was
// not valid JSON or lacked a type tag; callers log and drop such frames.
func ParseInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("frame missing type tag")
	}

	switch envelope.Type {
	case TypePong:
		return Pong{}, nil

	case TypeMessage:
		var body struct {
			Message model.Message `json:"message"`
			TempId  string        `json:"temp_id"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("malformed message frame: %w", err)
		}
		return IncomingMessage{Message: body.Message, TempId: body.TempId}, nil

	case TypeMessagesBulk, TypeMessagesHistory, TypeConsultationData:
		var body struct {
			Messages     []model.Message     `json:"messages"`
			Consultation *model.Consultation `json:"consultation"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", envelope.Type, err)
		}
		return MessagesBulk{Messages: body.Messages, Consultation: body.Consultation}, nil

	case TypeReadReceipt:
		var body struct {
			MessageId int64 `json:"message_id"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("malformed read_receipt frame: %w", err)
		}
		return ReadReceiptNotice{MessageId: body.MessageId}, nil

	case TypeStatusUpdate:
		var body struct {
			Consultation *model.Consultation `json:"consultation"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("malformed status_update frame: %w", err)
		}
		return StatusUpdate{Consultation: body.Consultation}, nil

	case TypeError:
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		return ServerError{Message: body.Message}, nil

	default:
		return Unknown{Type: envelope.Type, Raw: json.RawMessage(data)}, nil
	}
}
