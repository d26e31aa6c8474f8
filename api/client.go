// Package api is the HTTP client for the monios backend.
//
// Every call goes through one request path: the URL is built from the fixed
// base plus an endpoint path, JSON headers are attached, credentials are
// requested from the configured Credentials for authenticated calls, and the
// response status is mapped onto the error taxonomy in errors.go. The client
// never retries.
//
// Example usage:
//
//	client := api.NewClient("http://127.0.0.1:8000")
//	client.SetCredentials(session)
//
//	var pair auth.TokenPair
//	err := client.Do(ctx, api.Request{
//	    Method: http.MethodPost,
//	    Path:   "/auth/refresh",
//	    Body:   map[string]string{"refresh_token": token},
//	}, &pair)
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"monios/logging"
)

const (
	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps buffered response bodies.
	MaxResponseSize = 10 << 20
)

// Credentials supplies per-request headers. HeadersFor(false) must return an
// empty map; HeadersFor(true) fails with ErrNotAuthenticated when no
// credentials are available.
type Credentials interface {
	HeadersFor(authenticated bool) (map[string]string, error)
}

// Request describes one call. Body, when non-nil, is sent as JSON.
type Request struct {
	Method        string
	Path          string
	Body          any
	Authenticated bool
}

// Client talks to one backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger

	mu    sync.RWMutex
	creds Credentials
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient uses a copy of hc for requests, so later options never
// change the caller's client. A nil hc is ignored.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc == nil {
			return
		}
		cp := *hc
		c.httpClient = &cp
	}
}

// WithTimeout sets the timeout for non-streaming requests.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		cp := *c.httpClient
		cp.Timeout = d
		c.httpClient = &cp
	}
}

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCredentials sets the header source for authenticated requests.
func WithCredentials(creds Credentials) ClientOption {
	return func(c *Client) {
		c.creds = creds
	}
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCredentials replaces the header source. It exists because the auth
// session itself needs a client to exchange tokens.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

func (c *Client) credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// Do performs req and decodes a 2xx JSON body into out, which must be a
// non-nil pointer. On any error out is left untouched.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	var target reflect.Value
	if out != nil {
		target = reflect.ValueOf(out)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("%w: target must be a non-nil pointer, got %T", ErrDecode, out)
		}
	}

	body, err := c.Raw(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	// Decode into a fresh value so a failure never leaves out half-filled.
	fresh := reflect.New(target.Elem().Type())
	if err := json.Unmarshal(body, fresh.Interface()); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	target.Elem().Set(fresh.Elem())
	return nil
}

// Raw performs req and returns the complete 2xx body.
func (c *Client) Raw(ctx context.Context, req Request) ([]byte, error) {
	resp, err := c.send(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

// Stream performs req and returns the open 2xx body for incremental reading.
// The caller must close it. Streaming requests are bounded by ctx only.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	streaming := *c.httpClient
	streaming.Timeout = 0

	resp, err := c.send(ctx, &streaming, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, err := readBody(resp.Body)
		if err != nil {
			return nil, err
		}
		return nil, statusError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// Health checks that the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Raw(ctx, Request{Method: http.MethodGet, Path: "/health"})
	return err
}

func (c *Client) send(ctx context.Context, hc *http.Client, req Request) (*http.Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	mode := "guest"
	if req.Authenticated {
		mode = "bearer"
	}
	rl := c.log.StartRequest(httpReq.Method, req.Path, "auth", mode)
	resp, err := hc.Do(httpReq)
	if err != nil {
		rl.Failed(err)
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp == nil || resp.Body == nil {
		return nil, ErrInvalidResponse
	}
	rl.Done(resp.StatusCode)
	return resp, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	u, err := c.url(req.Path)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if req.Authenticated {
		creds := c.credentials()
		if creds == nil {
			return nil, ErrNotAuthenticated
		}
		headers, err = creds.HeadersFor(true)
		if err != nil {
			return nil, err
		}
	}

	var bodyReader io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Client) url(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: path %q must start with /", ErrInvalidURL, path)
	}
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, c.baseURL+path)
	}
	return u.String(), nil
}

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidResponse, MaxResponseSize)
	}
	return body, nil
}
