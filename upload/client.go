package upload

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

	"binedge/protocol"
)

// ErrUploadFailed is returned when the server rejects a bulk upload.
var ErrUploadFailed = errors.New("upload: bulk upload failed")

// Response is the server's reply envelope.
type Response struct {
	Status   string          `json:"status"`
	Contents json.RawMessage `json:"contents,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Client posts aggregated measurements to the collection server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the client's base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// BulkMeasurements posts one batch keyed by node id.
func (c *Client) BulkMeasurements(ctx context.Context, batch map[string]protocol.Measurement) (*Response, error) {
	var resp Response
	if err := c.post(ctx, "/bulkmeasurements", batch, &resp); err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusOK {
		return &resp, fmt.Errorf("%w: status %q: %s", ErrUploadFailed, resp.Status, resp.Error)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("upload marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	return c.decode(resp, result)
}

func (c *Client) decode(resp *http.Response, result any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("upload read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d: %s", ErrUploadFailed, resp.StatusCode, string(data))
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("%w: decode: %v", ErrUploadFailed, err)
		}
	}
	return nil
}
