// Package api is the HTTP client for the keyrent backend.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/keyrent/errs"
)

const maxErrorBody = 4 << 10

// TokenSource supplies the bearer token attached to each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Tokens     TokenSource
	RateLimit  rate.Limit
	Burst      int
	HTTPClient *http.Client
}

// Client issues JSON requests against the backend.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
}

// NewClient constructs a backend client. A zero RateLimit leaves requests unbounded.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = new(http.Client)
		httpClient.Timeout = timeout
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		http:    httpClient,
		tokens:  opts.Tokens,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Get fetches path and decodes the JSON response into out (which may be nil).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON to path and decodes the response into out (which may be nil).
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New("api", errs.CodeRateLimited,
			errs.WithMessage("request not admitted"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errs.New("api", errs.CodeInvalid,
				errs.WithMessage("encode request body"),
				errs.WithField("path", path),
				errs.WithCause(err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New("api", errs.CodeNetwork,
			errs.WithField("method", method),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(method, path, resp.StatusCode, raw)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New("api", errs.CodeNetwork,
			errs.WithMessage("read response"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.New("api", errs.CodeInvalid,
			errs.WithMessage("decode response"),
			errs.WithField("path", path),
			errs.WithRawMessage(string(data)),
			errs.WithCause(err))
	}
	return nil
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func statusError(method, path string, status int, raw []byte) error {
	message := http.StatusText(status)
	var parsed errorBody
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			message = parsed.Message
		case parsed.Error != "":
			message = parsed.Error
		}
	}
	return errs.New("api", codeForStatus(status),
		errs.WithHTTP(status),
		errs.WithMessage(message),
		errs.WithRawMessage(strings.TrimSpace(string(raw))),
		errs.WithField("method", method),
		errs.WithField("path", path))
}

func codeForStatus(status int) errs.Code {
	switch {
	case status == http.StatusNotFound:
		return errs.CodeNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.CodeAuth
	case status == http.StatusConflict:
		return errs.CodeConflict
	case status == http.StatusTooManyRequests:
		return errs.CodeRateLimited
	case status >= 500:
		return errs.CodeUnavailable
	default:
		return errs.CodeInvalid
	}
}
