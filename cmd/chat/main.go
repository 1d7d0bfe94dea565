// Chat is an interactive terminal client for one consultation. It exercises
// the full SDK: token flow, websocket session, optimistic sends, quota
// display, completion and the review prompt.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"telemed-chat-client/internal/auth"
	"telemed-chat-client/internal/config"
	"telemed-chat-client/internal/events"
	"telemed-chat-client/internal/model"
	"telemed-chat-client/internal/pkg/logger"
	"telemed-chat-client/internal/restapi"
	"telemed-chat-client/internal/session"
	"telemed-chat-client/internal/token"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
)

var (
	infoColor   = color.New(color.FgCyan)
	errColor    = color.New(color.FgRed, color.Bold)
	okColor     = color.New(color.FgGreen)
	mineColor   = color.New(color.FgHiWhite)
	theirsColor = color.New(color.FgYellow)
)

func main() {
	consultationId := flag.Int64("consultation", 1, "consultation id to join")
	userId := flag.Int64("user", 1, "user id (used when no ACCESS_TOKEN is set)")
	role := flag.String("role", "patient", "role for the dev token: patient or doctor")
	flag.Parse()

	cfg := config.Load()
	appLogger := logger.NewIsolatedLogger(cfg.App.ChatLogPath)
	defer appLogger.Sync()

	creds, err := resolveCredentials(cfg, *userId, *role)
	if err != nil {
		errColor.Printf("credentials: %v\n", err)
		os.Exit(1)
	}

	rest := restapi.NewClient(cfg.Backend.APIBaseURL, creds, cfg.Chat.ProfileCacheTTL)

	ctx := context.Background()
	consultation, err := rest.GetConsultation(ctx, *consultationId)
	if err != nil {
		errColor.Printf("load consultation %d: %v\n", *consultationId, err)
		os.Exit(1)
	}

	bus := events.NewBus()
	defer bus.Close()

	orchestrator := session.NewOrchestrator(session.Deps{
		Config: cfg,
		Creds:  creds,
		Tokens: token.NewHTTPProvider(cfg.Backend.APIBaseURL, creds),
		Rest:   rest,
		Bus:    bus,
		Logger: appLogger,
	}, consultation)

	go watchEvents(ctx, bus, orchestrator)

	doctorName, patientName := participantNames(ctx, rest, consultation)
	printHeader(consultation, creds, doctorName, patientName)

	if err := orchestrator.Mount(ctx); err != nil {
		errColor.Printf("connect: %v\n", err)
		os.Exit(1)
	}
	defer orchestrator.Unmount()

	// Give the bulk sync a moment, then show history.
	time.Sleep(500 * time.Millisecond)
	for _, msg := range orchestrator.Messages() {
		printMessage(msg, creds.UserId)
	}

	runInputLoop(ctx, orchestrator, creds)
}

// resolveCredentials uses ACCESS_TOKEN when present, otherwise mints a dev
// token the simulator accepts.
func resolveCredentials(cfg *config.Config, userId int64, role string) (*auth.Credentials, error) {
	if cfg.Backend.AccessToken != "" {
		return auth.FromAccessToken(cfg.Backend.AccessToken)
	}

	claims := jwt.MapClaims{
		"user_id": userId,
		"role":    role,
		"exp":     time.Now().Add(12 * time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("dev-secret"))
	if err != nil {
		return nil, err
	}
	return auth.FromAccessToken(signed)
}

// participantNames resolves display names for the header. A failed lookup
// falls back to the numeric id so the client still starts against backends
// without profile endpoints.
func participantNames(ctx context.Context, rest *restapi.Client, c *model.Consultation) (string, string) {
	doctorName := fmt.Sprintf("doctor %d", c.DoctorId)
	if profile, err := rest.GetDoctorProfile(ctx, c.DoctorId); err == nil && profile.FullName != "" {
		doctorName = profile.FullName
	}
	patientName := fmt.Sprintf("patient %d", c.PatientId)
	if profile, err := rest.GetPatientProfile(ctx, c.PatientId); err == nil && profile.FullName != "" {
		patientName = profile.FullName
	}
	return doctorName, patientName
}

func printHeader(c *model.Consultation, creds *auth.Credentials, doctorName, patientName string) {
	infoColor.Printf("--- consultation %d (%s) ---\n", c.Id, c.Status)
	infoColor.Printf("%s with %s, messages %d/%d\n", patientName, doctorName, c.MessageCount, c.MessageLimit)
	infoColor.Printf("you are user %d (%s)\n", creds.UserId, creds.Role)
	infoColor.Println("commands: /start, /complete, /review <1-5> [comment], /quit; anything else is sent as a message")
}

func printMessage(msg model.Message, selfId int64) {
	ts := msg.SentAt.Local().Format("15:04")
	if msg.AuthoredBy(selfId) {
		tick := " "
		if msg.IsRead {
			tick = "✓"
		}
		mineColor.Printf("[%s] you: %s %s\n", ts, msg.Content, tick)
		return
	}
	theirsColor.Printf("[%s] them: %s\n", ts, msg.Content)
}

// watchEvents renders bus traffic: notices, state changes, status updates
// and the review prompt.
func watchEvents(ctx context.Context, bus *events.Bus, orchestrator *session.Orchestrator) {
	notices, _ := bus.Subscribe(ctx, events.TopicNotice)
	states, _ := bus.Subscribe(ctx, events.TopicConnectionState)
	updates, _ := bus.Subscribe(ctx, events.TopicConsultationUpdated)
	reviews, _ := bus.Subscribe(ctx, events.TopicReviewPrompt)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-notices:
			if !ok {
				return
			}
			if notice, err := events.DecodeNotice(msg); err == nil {
				switch notice.Severity {
				case events.NoticeError, events.NoticeFatal:
					errColor.Println(notice.Text)
				case events.NoticeSuccess:
					okColor.Println(notice.Text)
				default:
					infoColor.Println(notice.Text)
				}
			}
			msg.Ack()
		case msg, ok := <-states:
			if !ok {
				return
			}
			if state, err := events.DecodeConnectionState(msg); err == nil {
				infoColor.Printf("* connection: %s\n", state.State)
			}
			msg.Ack()
		case msg, ok := <-updates:
			if !ok {
				return
			}
			if update, err := events.DecodeConsultationUpdated(msg); err == nil {
				infoColor.Printf("* consultation is now %s\n", update.Consultation.Status)
			}
			msg.Ack()
		case msg, ok := <-reviews:
			if !ok {
				return
			}
			if _, err := events.DecodeReviewPrompt(msg); err == nil {
				okColor.Println("The consultation is completed. Leave a review with: /review <1-5> [comment]")
			}
			msg.Ack()
		}
	}
}

func submitReview(ctx context.Context, orchestrator *session.Orchestrator, args string) {
	rating := 0
	comment := ""
	if fields := strings.SplitN(args, " ", 2); len(fields) > 0 {
		rating, _ = strconv.Atoi(fields[0])
		if len(fields) == 2 {
			comment = strings.TrimSpace(fields[1])
		}
	}
	if rating < 1 || rating > 5 {
		errColor.Println("usage: /review <1-5> [comment]")
		return
	}

	if err := orchestrator.SubmitReview(ctx, rating, comment); err != nil {
		errColor.Printf("review not submitted: %v\n", err)
		return
	}
	okColor.Println("Thank you for your review!")
}

func runInputLoop(ctx context.Context, orchestrator *session.Orchestrator, creds *auth.Credentials) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/start":
			if err := orchestrator.StartConsultation(ctx); err != nil {
				errColor.Printf("start failed: %v\n", err)
			}
		case line == "/complete":
			if err := orchestrator.CompleteConsultation(); err != nil {
				errColor.Printf("complete failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/review"):
			submitReview(ctx, orchestrator, strings.TrimSpace(strings.TrimPrefix(line, "/review")))
		default:
			if err := orchestrator.SendMessage(line); err != nil {
				continue
			}
			c := orchestrator.Consultation()
			if creds.UserId == c.PatientId && c.MessageLimit > 0 {
				infoColor.Printf("(messages used: %d/%d)\n", c.MessageCount+1, c.MessageLimit)
			}
		}
	}
}
