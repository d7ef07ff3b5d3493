package analytics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotConfigured = errors.New("analytics not configured")
	ErrTrackFailed   = errors.New("failed to record analytics event")
)

// Client posts billing/usage events to an external analytics sink.
// Callers treat every Track as best-effort: a failure is logged, never
// propagated.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) IsConfigured() bool {
	return c.endpoint != ""
}

type trackRequest struct {
	ID         string         `json:"id"`
	Event      string         `json:"event"`
	AccountID  int64          `json:"account_id"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func (c *Client) Track(event string, accountID int64, props map[string]any) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(trackRequest{
		ID:         uuid.NewString(),
		Event:      event,
		AccountID:  accountID,
		Properties: props,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: status code %d", ErrTrackFailed, resp.StatusCode)
	}
	return nil
}
