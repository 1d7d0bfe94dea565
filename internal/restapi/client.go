// Package restapi is the REST boundary of the chat client: consultation
// loading, the doctor's start action, the degraded-mode completion fallback,
// reviews, and participant profiles.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"telemed-chat-client/internal/auth"
	"telemed-chat-client/internal/model"

	gocache "github.com/patrickmn/go-cache"
)

var (
	// ErrNotFound maps 404 responses (e.g. no review yet).
	ErrNotFound = errors.New("resource not found")

	// ErrRequestFailed covers every other non-2xx outcome.
	ErrRequestFailed = errors.New("backend request failed")
)

// Profile is the subset of a participant profile the chat view renders.
type Profile struct {
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Review of a completed consultation.
type Review struct {
	Id      int64  `json:"id,omitempty"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// Client talks to the consultation backend over HTTP. Participant profiles
// are cached with a TTL since the chat view requests them repeatedly.
type Client struct {
	baseURL  string
	creds    *auth.Credentials
	http     *http.Client
	profiles *gocache.Cache
}

func NewClient(baseURL string, creds *auth.Credentials, profileTTL time.Duration) *Client {
	return &Client{
		baseURL:  baseURL,
		creds:    creds,
		http:     &http.Client{Timeout: 15 * time.Second},
		profiles: gocache.New(profileTTL, 2*profileTTL),
	}
}

// GetConsultation loads the consultation the view is mounting for.
func (c *Client) GetConsultation(ctx context.Context, id int64) (*model.Consultation, error) {
	var out model.Consultation
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/consultations/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessages loads the message history over REST. The socket's
// get_messages_bulk supersedes this once connected; this call covers the
// window before the connection opens.
func (c *Client) GetMessages(ctx context.Context, consultationId int64) ([]model.Message, error) {
	var out []model.Message
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/consultations/%d/messages", consultationId), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartConsultation activates a pending consultation. Doctor-only on the
// server side.
func (c *Client) StartConsultation(ctx context.Context, consultationId int64) (*model.Consultation, error) {
	var out model.Consultation
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/consultations/%d/start", consultationId), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteConsultation is the degraded-mode completion path used when the
// websocket is unavailable.
func (c *Client) CompleteConsultation(ctx context.Context, consultationId int64) (*model.Consultation, error) {
	var out model.Consultation
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/consultations/%d/complete", consultationId), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitReview posts the patient's review for a completed consultation.
func (c *Client) SubmitReview(ctx context.Context, consultationId int64, review Review) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/consultations/%d/review", consultationId), review, nil)
}

// GetReview fetches an existing review; ErrNotFound means none was left yet.
func (c *Client) GetReview(ctx context.Context, consultationId int64) (*Review, error) {
	var out Review
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/consultations/%d/review", consultationId), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDoctorProfile returns the doctor's display profile, cached.
func (c *Client) GetDoctorProfile(ctx context.Context, doctorId int64) (*Profile, error) {
	return c.getProfile(ctx, fmt.Sprintf("/doctors/%d/profile", doctorId))
}

// GetPatientProfile returns the patient's display profile, cached.
func (c *Client) GetPatientProfile(ctx context.Context, patientId int64) (*Profile, error) {
	return c.getProfile(ctx, fmt.Sprintf("/patients/%d/profile", patientId))
}

func (c *Client) getProfile(ctx context.Context, path string) (*Profile, error) {
	if cached, found := c.profiles.Get(path); found {
		profile := cached.(Profile)
		return &profile, nil
	}
	var out Profile
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	c.profiles.SetDefault(path, out)
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s returned %d", ErrRequestFailed, method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
