package registryclient

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
)

const DefaultTimeout = 10 * time.Second

var (
	// ErrUnauthorized is returned when the registry rejects the token.
	ErrUnauthorized = errors.New("registry rejected access token")
	// ErrConflict is returned when registering an identifier the registry already knows.
	ErrConflict = errors.New("node already registered")
	// ErrUnreachable is returned when the registry cannot be contacted.
	ErrUnreachable = errors.New("registry unreachable")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Registration is the body of POST /nodes.
type Registration struct {
	Identifier string `json:"identifier"`
	Endpoint   string `json:"endpoint,omitempty"`
	Role       string `json:"role,omitempty"`
}

// UpdateReport is the body of POST /updates.
type UpdateReport struct {
	Identifier string `json:"identifier"`
	Endpoint   string `json:"endpoint,omitempty"`
	BuildID    string `json:"build_id"`
	Timestamp  string `json:"timestamp"`
	Role       string `json:"role,omitempty"`
}

// Client calls the registry service with a shared bearer token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a Client. A nil httpClient gets one with DefaultTimeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// AnnounceEndpoint posts this node's enode.
func (c *Client) AnnounceEndpoint(ctx context.Context, endpoint string) error {
	return c.send(ctx, http.MethodPost, "/endpoints", map[string]string{"endpoint": endpoint}, nil)
}

// Endpoints fetches every known peer endpoint.
func (c *Client) Endpoints(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.send(ctx, http.MethodGet, "/endpoints", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterNode registers the node. ErrConflict means it was already known.
func (c *Client) RegisterNode(ctx context.Context, reg Registration) error {
	return c.send(ctx, http.MethodPost, "/nodes", reg, nil)
}

// ReportUpdate reports a completed software update.
func (c *Client) ReportUpdate(ctx context.Context, rep UpdateReport) error {
	return c.send(ctx, http.MethodPost, "/updates", rep, nil)
}

func (c *Client) send(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil {
		e.Message = strings.TrimSpace(string(data))
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, e.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, e.Message)
	}
	return &StatusError{StatusCode: resp.StatusCode, Code: e.Error, Message: e.Message}
}
