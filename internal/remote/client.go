// Package remote talks to the PostgREST-style backend that holds the shared
// copy of every entity collection. It provides a [Client] with typed
// [Table] handles for upsert, fetch, delete, and realtime change
// subscription, a 3-attempt exponential-backoff [Retry] helper, and the
// conversion between the backend's camelCase JSON rows and the model types.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/njoerd114/bookingsync/internal/model"
)

const (
	// DefaultTimeout bounds every request and the realtime handshake.
	DefaultTimeout = 30 * time.Second

	// heartbeatInterval is how often the realtime socket pings the server.
	heartbeatInterval = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 32 << 20
)

// Client is a connection to the remote backend. Create one with [NewClient].
type Client struct {
	baseURL *url.URL
	apiKey  string
	timeout time.Duration
	hc      *http.Client
	logger  *slog.Logger
	now     func() time.Time

	maxAttempts int
	backOff     func() backoff.BackOff
	heartbeat   time.Duration

	patients     *Table[model.Patient]
	appointments *Table[model.Appointment]
}

// NewClient creates a Client for the backend at baseURL (the project URL,
// e.g. "https://xyz.example.co"), authenticating with apiKey. A zero timeout
// selects [DefaultTimeout].
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing remote URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("remote URL %q: missing host", baseURL)
	}
	if apiKey == "" {
		return nil, errors.New("remote API key is empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		baseURL:     u,
		apiKey:      apiKey,
		timeout:     timeout,
		hc:          &http.Client{Timeout: timeout},
		logger:      logger,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		backOff:     newBackOff,
		heartbeat:   heartbeatInterval,
	}
	c.patients = &Table[model.Patient]{
		c:      c,
		typ:    model.TypePatient,
		encode: func(p model.Patient) any { return patientToRow(p) },
		decode: decodeRow(rowToPatient),
	}
	c.appointments = &Table[model.Appointment]{
		c:      c,
		typ:    model.TypeAppointment,
		encode: func(a model.Appointment) any { return appointmentToRow(a) },
		decode: decodeRow(rowToAppointment),
	}
	return c, nil
}

// Patients returns the remote patients table.
func (c *Client) Patients() *Table[model.Patient] { return c.patients }

// Appointments returns the remote appointments table.
func (c *Client) Appointments() *Table[model.Appointment] { return c.appointments }

// Ping validates the URL and API key with retry.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.retry(ctx, func() ([]byte, error) {
		return c.do(ctx, request{method: http.MethodGet, path: "rest/v1/"})
	})
	if err != nil {
		return fmt.Errorf("ping remote: %w", err)
	}
	return nil
}

// request describes one REST call.
type request struct {
	method string
	path   string
	query  url.Values
	body   any
	prefer string
}

// do performs one HTTP round trip and classifies the outcome.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	u := c.baseURL.JoinPath(r.path)
	u.RawQuery = r.query.Encode()

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding request body: %w", ErrRemoteRejected, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", r.method, err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", r.method, u.Path, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRemoteUnavailable, r.method, u.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", ErrRemoteUnavailable, u.Path, err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.method, u.Path, err)
	}
	return data, nil
}

func (c *Client) retry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	return Retry(ctx, c.backOff(), c.maxAttempts, fn)
}
