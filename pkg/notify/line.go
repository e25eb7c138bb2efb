// Package notify pushes a patient's reminder list to the LINE bot bridge,
// which forwards it to the patient's LINE account.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"medicare/pkg/domain"
)

const defaultBaseURL = "http://127.0.0.1:5487"

// ErrNoLineUser is returned when the patient has no LINE user id.
var ErrNoLineUser = errors.New("patient has no LINE user id")

// APIError is a non-2xx answer from the bot bridge.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("line bot request failed: status %d", e.Status)
	}
	return fmt.Sprintf("line bot request failed: status %d: %s", e.Status, e.Message)
}

// LineClient calls the bridge's /api/web-to-bot endpoint.
type LineClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewLineClient(baseURL string) *LineClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &LineClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type webToBotRequest struct {
	UserID string `json:"user_id"`
	// Query carries the reminder list serialized as a JSON string.
	Query string `json:"query"`
}

// PushReminders sends the whole list to the patient. It is not retried.
func (c *LineClient) PushReminders(ctx context.Context, patient domain.Patient, reminders []domain.Reminder) error {
	userID := strings.TrimSpace(patient.LineUserID)
	if userID == "" {
		return ErrNoLineUser
	}
	if reminders == nil {
		reminders = []domain.Reminder{}
	}
	query, err := json.Marshal(reminders)
	if err != nil {
		return err
	}
	body, err := json.Marshal(webToBotRequest{UserID: userID, Query: string(query)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/web-to-bot", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line bot request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(text))}
	}
	return nil
}
