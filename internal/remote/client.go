package remote

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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/SimoneErba/Flumen/internal/logging"
	"github.com/SimoneErba/Flumen/internal/observability"
	"github.com/SimoneErba/Flumen/model"
)

// Operation names used in logs, metrics and WriteError.Op.
const (
	OpFetchGraph        = "fetch_graph"
	OpCreateLocation    = "create_location"
	OpUpdateLocation    = "update_location"
	OpDeleteLocation    = "delete_location"
	OpCreateConnection  = "create_connection"
	OpDeleteConnection  = "delete_connection"
	OpReverseConnection = "reverse_connection"
	OpSavePosition      = "save_position"
)

// API is the backend surface the gateway writes through.
type API interface {
	FetchGraph(ctx context.Context) (model.GraphData, error)
	CreateLocation(ctx context.Context, in model.LocationInput) error
	UpdateLocation(ctx context.Context, u model.UpdateModel) error
	DeleteLocation(ctx context.Context, id string) error
	CreateConnection(ctx context.Context, in model.ConnectionInput) error
	DeleteConnection(ctx context.Context, from, to string) error
}

// CallMetrics records one REST call. status is 0 when no response arrived.
type CallMetrics interface {
	ObserveRemoteCall(op string, status int, d time.Duration)
}

// ClientOption customises a RESTClient.
type ClientOption func(*RESTClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(rc *RESTClient) {
		if c != nil {
			rc.http = c
		}
	}
}

// WithRateLimit caps outbound calls to rps requests per second with the
// given burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(rc *RESTClient) {
		if rps <= 0 {
			rc.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		rc.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l logging.Logger) ClientOption {
	return func(rc *RESTClient) {
		rc.log = logging.OrNoop(l)
	}
}

// WithCallMetrics attaches a per-call metrics sink.
func WithCallMetrics(m CallMetrics) ClientOption {
	return func(rc *RESTClient) {
		rc.metrics = m
	}
}

// RESTClient talks JSON to the backend REST API.
type RESTClient struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	log     logging.Logger
	metrics CallMetrics
}

// NewRESTClient constructs a client for the API rooted at baseURL, e.g.
// "http://localhost:8080/api".
func NewRESTClient(baseURL string, opts ...ClientOption) (*RESTClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse api url %q: missing scheme or host", baseURL)
	}
	rc := &RESTClient{
		base: u,
		http: &http.Client{},
		log:  logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rc)
		}
	}
	return rc, nil
}

// FetchGraph loads the full graph snapshot.
func (c *RESTClient) FetchGraph(ctx context.Context) (model.GraphData, error) {
	var data model.GraphData
	err := c.do(ctx, OpFetchGraph, http.MethodGet, "/graph", nil, nil, &data)
	return data, err
}

// CreateLocation posts a new location.
func (c *RESTClient) CreateLocation(ctx context.Context, in model.LocationInput) error {
	return c.do(ctx, OpCreateLocation, http.MethodPost, "/locations", nil, in, nil, attribute.String("entity_id", in.ID))
}

// UpdateLocation patches a subset of a location's properties.
func (c *RESTClient) UpdateLocation(ctx context.Context, u model.UpdateModel) error {
	return c.do(ctx, OpUpdateLocation, http.MethodPatch, "/locations", nil, u, nil, attribute.String("entity_id", u.ID))
}

// DeleteLocation deletes a location; the backend removes its connections.
func (c *RESTClient) DeleteLocation(ctx context.Context, id string) error {
	return c.do(ctx, OpDeleteLocation, http.MethodDelete, "/locations/"+url.PathEscape(id), nil, nil, nil, attribute.String("entity_id", id))
}

// CreateConnection posts a new connection location1Id -> location2Id.
func (c *RESTClient) CreateConnection(ctx context.Context, in model.ConnectionInput) error {
	return c.do(ctx, OpCreateConnection, http.MethodPost, "/connections", nil, in, nil,
		attribute.String("source_id", in.Location1ID), attribute.String("target_id", in.Location2ID))
}

// DeleteConnection deletes the connection from -> to.
func (c *RESTClient) DeleteConnection(ctx context.Context, from, to string) error {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	return c.do(ctx, OpDeleteConnection, http.MethodDelete, "/connections", q, nil, nil,
		attribute.String("source_id", from), attribute.String("target_id", to))
}

func (c *RESTClient) do(ctx context.Context, op, method, path string, query url.Values, body, out any, attrs ...attribute.KeyValue) (err error) {
	ctx, reqID := logging.EnsureRequestID(ctx)
	ctx, span := observability.StartSpan(ctx, "remote."+op, "", "",
		append(attrs, attribute.String("http.method", method), attribute.String("http.route", path))...)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit: %w", op, err)
		}
	}

	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	if u.Path, err = url.PathUnescape(u.RawPath); err != nil {
		return fmt.Errorf("%s: bad path %q: %w", op, path, err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		c.log.Warn(ctx, "remote call failed", logging.String("op", op), logging.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.observe(op, resp.StatusCode, start)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		herr := &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		c.log.Warn(ctx, "remote call rejected",
			logging.String("op", op), logging.Int("status", resp.StatusCode))
		return herr
	}

	c.log.Debug(ctx, "remote call",
		logging.String("op", op), logging.Int("status", resp.StatusCode), logging.Duration("elapsed", time.Since(start)))

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *RESTClient) observe(op string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveRemoteCall(op, status, time.Since(start))
	}
}
