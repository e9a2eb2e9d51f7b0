package register

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eleven-am/face-kiosk/internal/shared"
)

const DefaultURL = "http://localhost:3001/register"

type ClientConfig struct {
	URL     string
	Timeout time.Duration
}

type Request struct {
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Images []string `json:"images"`
}

type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Client submits enrollments to the registration endpoint.
type Client struct {
	httpClient *http.Client
	url        string
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
	}
}

// Register sends one enrollment. A reply of {ok:false} becomes a
// shared.BackendError carrying the backend's message; anything that is not a
// readable reply is a shared.ErrTransport.
func (c *Client) Register(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", shared.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: register request: %v", shared.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", shared.ErrTransport, err)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("%w: backend returned status %d", shared.ErrTransport, resp.StatusCode)
	}

	if !out.OK {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("registration failed with status %d", resp.StatusCode)
		}
		return &shared.BackendError{Message: msg}
	}
	return nil
}
