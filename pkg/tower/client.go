package tower

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

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxInFlight caps concurrent requests across the whole client.
	DefaultMaxInFlight = 20

	// DefaultMinSpacing is the minimum gap between two dispatched requests.
	DefaultMinSpacing = 50 * time.Millisecond

	maxErrorBody = 4096
)

// RequestObserver receives one observation per completed remote call.
type RequestObserver interface {
	ObserveRequest(verb, resource string, status int, duration time.Duration)
}

// Config configures a Client.
type Config struct {
	// Endpoint is the API base URL, e.g. https://tower.nf/api.
	Endpoint string

	// Token is the bearer token sent with every request.
	Token string

	// WorkspaceID scopes every request when set.
	WorkspaceID string

	// MaxInFlight bounds concurrent requests.
	MaxInFlight int64

	// MinSpacing is the minimum interval between dispatched requests.
	MinSpacing time.Duration

	// Timeout bounds a single request.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	Logger   zerolog.Logger
	Observer RequestObserver
}

// DefaultConfig returns a Config with the default pacing.
func DefaultConfig() Config {
	return Config{
		MaxInFlight: DefaultMaxInFlight,
		MinSpacing:  DefaultMinSpacing,
		Timeout:     60 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

// Client issues typed requests against the remote API. It is safe for concurrent
// use; the concurrency cap and pacing are shared by every copy made with
// WithWorkspace.
type Client struct {
	endpoint    string
	token       string
	workspaceID string

	http     *http.Client
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	tracer   trace.Tracer
	logger   zerolog.Logger
	observer RequestObserver
}

// NewClient creates a client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}

	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		token:       cfg.Token,
		workspaceID: cfg.WorkspaceID,
		http:        httpClient,
		sem:         semaphore.NewWeighted(cfg.MaxInFlight),
		limiter:     rate.NewLimiter(limit, 1),
		tracer:      otel.Tracer("github.com/openfroyo/towerconf/pkg/tower"),
		logger:      cfg.Logger.With().Str("component", "tower-client").Logger(),
		observer:    cfg.Observer,
	}, nil
}

// Endpoint returns the API base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// WorkspaceID returns the workspace scope, empty for the personal workspace.
func (c *Client) WorkspaceID() string {
	return c.workspaceID
}

// WithWorkspace returns a copy scoped to workspaceID that shares the
// concurrency cap and pacing of c.
func (c *Client) WithWorkspace(workspaceID string) *Client {
	cp := *c
	cp.workspaceID = workspaceID
	return &cp
}

// do performs one request. Any status other than expect yields an *APIError.
// When out is non-nil the response body is decoded into it.
func (c *Client) do(ctx context.Context, verb, path string, query url.Values, body interface{}, expect int, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s /%s body: %w", verb, path, err)
		}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resource := resourceOf(path)
	ctx, span := c.tracer.Start(ctx, "tower."+strings.ToLower(verb)+"."+resource,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", verb),
			attribute.String("tower.path", path),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, verb, c.url(path, query), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s /%s request: %w", verb, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.observe(verb, resource, 0, duration)
		c.logger.Debug().Err(err).Str("verb", verb).Str("path", path).Dur("duration", duration).Msg("Remote call failed")
		return fmt.Errorf("%s /%s: %w", verb, path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.observe(verb, resource, resp.StatusCode, duration)
	c.logger.Debug().
		Str("verb", verb).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("Remote call")

	if resp.StatusCode != expect {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{
			Verb:     verb,
			Path:     path,
			Status:   resp.StatusCode,
			Expected: expect,
			Body:     strings.TrimSpace(string(raw)),
		}
		span.SetStatus(codes.Error, apiErr.Error())
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s /%s response: %w", verb, path, err)
	}
	return nil
}

func (c *Client) url(path string, query url.Values) string {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if c.workspaceID != "" {
		q.Set("workspaceId", c.workspaceID)
	}
	u := c.endpoint + "/" + strings.TrimLeft(path, "/")
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

func (c *Client) observe(verb, resource string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(verb, resource, status, d)
	}
}

// resourceOf returns the first path segment, used as a low-cardinality label.
func resourceOf(path string) string {
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
