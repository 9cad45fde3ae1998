package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"grimm.is/privacyd/internal/brand"
	"grimm.is/privacyd/internal/logging"
)

// DefaultTimeout bounds each directory request.
const DefaultTimeout = 10 * time.Second

// Client is the HTTP implementation of Directory.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the topic store at baseURL
// (e.g. http://localhost:3000).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logging.WithComponent("directory"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the store address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// doRequest performs an HTTP request and decodes the JSON response.
// A 404 is reported as ErrNotFound.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", brand.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

func recordPath(kind, id string) string {
	return "/topic_name/" + url.PathEscape(kind) + "/topic_uuid/" + url.PathEscape(id)
}

// FetchAll returns every record in the store.
func (c *Client) FetchAll(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := c.doRequest(ctx, http.MethodGet, "/get_all", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// FetchKind returns every record of one kind.
func (c *Client) FetchKind(ctx context.Context, kind string) ([]Record, error) {
	var records []Record
	if err := c.doRequest(ctx, http.MethodGet, "/topic_name/"+url.PathEscape(kind), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Fetch returns a single record. The store answers unknown ids with either
// 404 or an empty body; both map to ErrNotFound.
func (c *Client) Fetch(ctx context.Context, kind, id string) (Record, error) {
	var rec *Record
	path := recordPath(kind, id)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return Record{}, err
	}
	if rec == nil || (rec.Kind == "" && rec.ID == "") {
		return Record{}, fmt.Errorf("GET %s: %w", path, ErrNotFound)
	}
	return *rec, nil
}

// Update upserts the value of a record.
func (c *Client) Update(ctx context.Context, kind, id string, value interface{}) error {
	return c.doRequest(ctx, http.MethodPost, recordPath(kind, id), value, nil)
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, kind, id string) error {
	return c.doRequest(ctx, http.MethodDelete, recordPath(kind, id), nil, nil)
}
