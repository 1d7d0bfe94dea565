// Simulator is a local stand-in for the consultation backend. It implements
// the REST and websocket wire contract the chat client consumes, with
// in-memory state, so the client can be developed and demoed without the
// real platform.
package main

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"telemed-chat-client/internal/auth"
	"telemed-chat-client/internal/model"
	"telemed-chat-client/internal/protocol"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const wsTokenTTL = 5 * time.Minute

type wsToken struct {
	userId    int64
	expiresAt time.Time
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) writeJSON(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

type simulator struct {
	mu            sync.Mutex
	consultations map[int64]*model.Consultation
	messages      map[int64][]model.Message
	reviews       map[int64]map[string]interface{}
	tokens        map[string]wsToken
	peers         map[int64][]*peer
	nextMessageId int64
}

func newSimulator() *simulator {
	now := time.Now().UTC()
	s := &simulator{
		consultations: make(map[int64]*model.Consultation),
		messages:      make(map[int64][]model.Message),
		reviews:       make(map[int64]map[string]interface{}),
		tokens:        make(map[string]wsToken),
		peers:         make(map[int64][]*peer),
		nextMessageId: 1,
	}
	// Seed one consultation: patient 1, doctor 2.
	s.consultations[1] = &model.Consultation{
		Id:           1,
		PatientId:    1,
		DoctorId:     2,
		Status:       model.StatusActive,
		MessageLimit: 30,
		CreatedAt:    &now,
		StartedAt:    &now,
	}
	return s
}

// userFromQuery identifies the caller. The simulator decodes the Bearer
// token without verifying its signature, falling back to a user_id query
// parameter for hand-rolled requests.
func userFromQuery(c *fiber.Ctx) int64 {
	authHeader := c.Get("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		if creds, err := auth.FromAccessToken(authHeader[7:]); err == nil && creds.UserId != 0 {
			return creds.UserId
		}
	}
	if v := c.Query("user_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 1
}

func (s *simulator) issueToken(c *fiber.Ctx) error {
	userId := userFromQuery(c)
	tok := uuid.NewString()

	s.mu.Lock()
	s.tokens[tok] = wsToken{userId: userId, expiresAt: time.Now().Add(wsTokenTTL)}
	s.mu.Unlock()

	return c.JSON(fiber.Map{"token": tok, "expires_in": int(wsTokenTTL.Seconds())})
}

func (s *simulator) getConsultation(c *fiber.Ctx) error {
	id, _ := strconv.ParseInt(c.Params("id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	consultation, ok := s.consultations[id]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Consultation not found"})
	}
	return c.JSON(consultation)
}

func (s *simulator) getMessages(c *fiber.Ctx) error {
	id, _ := strconv.ParseInt(c.Params("id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[id]
	if msgs == nil {
		msgs = []model.Message{}
	}
	return c.JSON(msgs)
}

func (s *simulator) startConsultation(c *fiber.Ctx) error {
	id, _ := strconv.ParseInt(c.Params("id"), 10, 64)
	s.mu.Lock()
	consultation, ok := s.consultations[id]
	if !ok {
		s.mu.Unlock()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Consultation not found"})
	}
	if consultation.Status == model.StatusPending {
		now := time.Now().UTC()
		consultation.Status = model.StatusActive
		consultation.StartedAt = &now
	}
	snapshot := *consultation
	s.mu.Unlock()

	s.broadcastStatus(&snapshot)
	return c.JSON(snapshot)
}

func (s *simulator) completeConsultation(c *fiber.Ctx) error {
	id, _ := strconv.ParseInt(c.Params("id"), 10, 64)
	s.mu.Lock()
	consultation, ok := s.consultations[id]
	if !ok {
		s.mu.Unlock()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Consultation not found"})
	}
	s.completeLocked(consultation)
	snapshot := *consultation
	s.mu.Unlock()

	s.broadcastStatus(&snapshot)
	return c.JSON(snapshot)
}

func (s *simulator) completeLocked(consultation *model.Consultation) {
	if consultation.Status != model.StatusCompleted {
		now := time.Now().UTC()
		consultation.Status = model.StatusCompleted
		consultation.CompletedAt = &now
	}
}

func (s *simulator) submitReview(c *fiber.Ctx) error {
	id, _ := strconv.ParseInt(c.Params("id"), 10, 64)
	var body map[string]interface{}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid body"})
	}
	s.mu.Lock()
	body["id"] = id
	s.reviews[id] = body
	s.mu.Unlock()
	return c.JSON(body)
}

func (s *simulator) getReview(c *fiber.Ctx) error {
	id, _ := strconv.ParseInt(c.Params("id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	review, ok := s.reviews[id]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Review not found"})
	}
	return c.JSON(review)
}

func profileHandler(prefix string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"full_name": prefix + " " + c.Params("id")})
	}
}

// serveConsultation runs the websocket loop for one connected participant.
func (s *simulator) serveConsultation(conn *websocket.Conn, consultationId, userId int64) {
	p := &peer{conn: conn}

	s.mu.Lock()
	s.peers[consultationId] = append(s.peers[consultationId], p)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		list := s.peers[consultationId]
		for i, existing := range list {
			if existing == p {
				s.peers[consultationId] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope map[string]interface{}
		if err := json.Unmarshal(data, &envelope); err != nil {
			p.writeJSON(fiber.Map{"type": protocol.TypeError, "message": "malformed frame"})
			continue
		}

		frameType, _ := envelope["type"].(string)
		switch frameType {
		case protocol.TypePing:
			p.writeJSON(fiber.Map{"type": protocol.TypePong})

		case protocol.TypeMessage:
			s.handleChatMessage(p, consultationId, userId, envelope)

		case protocol.TypeReadReceipt:
			if id, ok := envelope["message_id"].(float64); ok {
				s.markMessageRead(consultationId, int64(id))
				s.broadcast(consultationId, fiber.Map{
					"type":       protocol.TypeReadReceipt,
					"message_id": int64(id),
				})
			}

		case protocol.TypeMarkRead:
			s.markAllRead(consultationId, userId)

		case protocol.TypeStatusUpdate:
			s.handleStatusUpdate(p, consultationId, userId, envelope)

		case protocol.TypeGetMessagesBulk:
			s.mu.Lock()
			msgs := append([]model.Message{}, s.messages[consultationId]...)
			var snapshot *model.Consultation
			if consultation, ok := s.consultations[consultationId]; ok {
				copied := *consultation
				snapshot = &copied
			}
			s.mu.Unlock()
			p.writeJSON(fiber.Map{
				"type":         protocol.TypeMessagesBulk,
				"messages":     msgs,
				"consultation": snapshot,
			})

		default:
			log.Printf("simulator: ignoring frame type %q", frameType)
		}
	}
}

func (s *simulator) handleChatMessage(p *peer, consultationId, userId int64, envelope map[string]interface{}) {
	content, _ := envelope["content"].(string)
	tempId, _ := envelope["temp_id"].(string)
	if content == "" {
		return
	}

	s.mu.Lock()
	consultation, ok := s.consultations[consultationId]
	if !ok || consultation.Status != model.StatusActive {
		s.mu.Unlock()
		p.writeJSON(fiber.Map{"type": protocol.TypeError, "message": "Consultation is not active"})
		return
	}

	msg := model.Message{
		Id:             s.nextMessageId,
		ConsultationId: consultationId,
		SenderId:       userId,
		Content:        content,
		SentAt:         time.Now().UTC(),
	}
	s.nextMessageId++
	s.messages[consultationId] = append(s.messages[consultationId], msg)
	if userId == consultation.PatientId {
		consultation.MessageCount++
	}
	s.mu.Unlock()

	// Confirm to the sender with the echoed correlation token, then fan out.
	p.writeJSON(fiber.Map{"type": protocol.TypeMessage, "message": msg, "temp_id": tempId})
	s.broadcastExcept(consultationId, p, fiber.Map{"type": protocol.TypeMessage, "message": msg})
}

func (s *simulator) handleStatusUpdate(p *peer, consultationId, userId int64, envelope map[string]interface{}) {
	status, _ := envelope["status"].(string)
	autoCompleted, _ := envelope["auto_completed"].(bool)
	if status != string(model.StatusCompleted) {
		return
	}

	s.mu.Lock()
	consultation, ok := s.consultations[consultationId]
	if !ok {
		s.mu.Unlock()
		return
	}
	// Doctors complete manually; the patient side only completes via quota.
	if userId != consultation.DoctorId && !autoCompleted {
		s.mu.Unlock()
		p.writeJSON(fiber.Map{"type": protocol.TypeError, "message": "Only the doctor may complete the consultation"})
		return
	}
	s.completeLocked(consultation)
	snapshot := *consultation
	s.mu.Unlock()

	s.broadcastStatus(&snapshot)
}

func (s *simulator) markMessageRead(consultationId, messageId int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[consultationId]
	for i := range msgs {
		if msgs[i].Id == messageId {
			msgs[i].IsRead = true
			return
		}
	}
}

func (s *simulator) markAllRead(consultationId, readerId int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[consultationId]
	for i := range msgs {
		if msgs[i].SenderId != readerId {
			msgs[i].IsRead = true
		}
	}
}

func (s *simulator) broadcastStatus(consultation *model.Consultation) {
	s.broadcast(consultation.Id, fiber.Map{
		"type":         protocol.TypeStatusUpdate,
		"consultation": consultation,
	})
}

func (s *simulator) broadcast(consultationId int64, payload interface{}) {
	s.broadcastExcept(consultationId, nil, payload)
}

func (s *simulator) broadcastExcept(consultationId int64, skip *peer, payload interface{}) {
	s.mu.Lock()
	peers := append([]*peer{}, s.peers[consultationId]...)
	s.mu.Unlock()

	for _, p := range peers {
		if p == skip {
			continue
		}
		p.writeJSON(payload)
	}
}

func main() {
	sim := newSimulator()

	app := fiber.New(fiber.Config{DisableStartupMessage: false})

	app.Get("/api/ws-token", sim.issueToken)
	app.Get("/api/consultations/:id", sim.getConsultation)
	app.Get("/api/consultations/:id/messages", sim.getMessages)
	app.Post("/api/consultations/:id/start", sim.startConsultation)
	app.Post("/api/consultations/:id/complete", sim.completeConsultation)
	app.Post("/api/consultations/:id/review", sim.submitReview)
	app.Get("/api/consultations/:id/review", sim.getReview)
	app.Get("/doctors/:id/profile", profileHandler("Doctor"))
	app.Get("/patients/:id/profile", profileHandler("Patient"))

	app.Get("/ws/consultations/:id", func(c *fiber.Ctx) error {
		consultationId, _ := strconv.ParseInt(c.Params("id"), 10, 64)
		tok := c.Query("token")

		sim.mu.Lock()
		entry, ok := sim.tokens[tok]
		if ok && time.Now().After(entry.expiresAt) {
			delete(sim.tokens, tok)
			ok = false
		}
		sim.mu.Unlock()

		if !ok {
			// Matches the production close code for bad credentials.
			return c.Status(fiber.StatusUnauthorized).SendString("Invalid or expired token")
		}

		if websocket.IsWebSocketUpgrade(c) {
			userId := entry.userId
			return websocket.New(func(conn *websocket.Conn) {
				sim.serveConsultation(conn, consultationId, userId)
			})(c)
		}
		return fiber.ErrUpgradeRequired
	})

	port := os.Getenv("SIMULATOR_PORT")
	if port == "" {
		port = "8000"
	}
	log.Printf("consultation simulator listening on :%s", port)
	log.Fatal(app.Listen(":" + port))
}
