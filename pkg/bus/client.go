package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

// Invoker sends a request to a backend and waits for its correlated reply.
type Invoker interface {
	Invoke(ctx context.Context, backend, pattern string, payload any) (json.RawMessage, error)
}

type clientConfig struct {
	timeout          time.Duration
	patternTimeouts  map[string]time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	logger           *slog.Logger
	meter            metric.Meter
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithTimeout sets the default reply deadline (5s if unset).
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithPatternTimeout overrides the reply deadline for one pattern.
func WithPatternTimeout(pattern string, d time.Duration) ClientOption {
	return func(c *clientConfig) { c.patternTimeouts[pattern] = d }
}

// WithBreaker configures the per-backend circuit breaker.
func WithBreaker(threshold int, cooldown time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.breakerThreshold = threshold
		c.breakerCooldown = cooldown
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// WithClientMeter sets the meter used for request metrics.
func WithClientMeter(m metric.Meter) ClientOption {
	return func(c *clientConfig) { c.meter = m }
}

// Client is the edge side of the bus. Its correlation table is private to the
// instance: replies are routed to "<inbox>.<id>" and matched by id exactly once.
type Client struct {
	nc     *nats.Conn
	cfg    clientConfig
	inbox  string
	sub    *nats.Subscription
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *Reply
	closed  bool

	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker

	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewClient subscribes to a private reply inbox on nc.
func NewClient(nc *nats.Conn, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		timeout:          5 * time.Second,
		patternTimeouts:  make(map[string]time.Duration),
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
		logger:           slog.Default(),
		meter:            otel.Meter("bus-client"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{
		nc:       nc,
		cfg:      cfg,
		inbox:    nc.NewInbox(),
		logger:   cfg.logger.With("component", "bus_client"),
		pending:  make(map[string]chan *Reply),
		breakers: make(map[string]*CircuitBreaker),
	}
	c.requests, _ = cfg.meter.Int64Counter("bus_client_requests_total",
		metric.WithDescription("Total bus requests by pattern and outcome"))
	c.duration, _ = otelhelper.NewDurationHistogram(cfg.meter, "bus_client_request_duration_seconds",
		"Time from publish to matching reply")

	sub, err := nc.Subscribe(c.inbox+".*", c.handleReply)
	if err != nil {
		return nil, fmt.Errorf("subscribe reply inbox: %w", err)
	}
	c.sub = sub
	return c, nil
}

func (c *Client) timeoutFor(pattern string) time.Duration {
	if d, ok := c.cfg.patternTimeouts[pattern]; ok && d > 0 {
		return d
	}
	return c.cfg.timeout
}

func (c *Client) breaker(backend string) *CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	cb, ok := c.breakers[backend]
	if !ok {
		cb = newBreaker(c.cfg.breakerThreshold, c.cfg.breakerCooldown)
		c.breakers[backend] = cb
	}
	return cb
}

// handleReply routes a reply to its pending entry. Replies whose id is no
// longer pending (timed out or already answered) are dropped.
func (c *Client) handleReply(msg *nats.Msg) {
	var rep Reply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		c.logger.Warn("Discarding malformed reply", "subject", msg.Subject, "error", err)
		return
	}
	if rep.ID == "" {
		rep.ID = msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	}

	c.mu.Lock()
	ch, ok := c.pending[rep.ID]
	if ok {
		delete(c.pending, rep.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Discarding stale reply", "id", rep.ID)
		return
	}
	ch <- &rep
}

func (c *Client) track(id string) (chan *Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan *Reply, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// PendingCount returns the number of requests awaiting a reply.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Invoke publishes pattern with payload to backend and waits for the reply.
//
// It returns ErrTimeout if no reply arrives before the pattern's deadline or
// the deadline of ctx, ErrBackendUnavailable if the request could not be
// published or the backend's breaker is open, and *ApplicationError if the
// backend replied with a failure. A cancelled ctx returns ctx.Err().
func (c *Client) Invoke(ctx context.Context, backend, pattern string, payload any) (result json.RawMessage, err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		attrs := metric.WithAttributes(
			attribute.String("pattern", pattern),
			attribute.String("outcome", outcome),
		)
		c.requests.Add(ctx, 1, attrs)
		c.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	cb := c.breaker(backend)
	if !cb.Allow() {
		outcome = "unavailable"
		return nil, fmt.Errorf("%w: circuit open for %s", ErrBackendUnavailable, backend)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		outcome = "encode_error"
		return nil, fmt.Errorf("encode %s payload: %w", pattern, err)
	}

	id := nuid.Next()
	body, err := json.Marshal(Request{Pattern: pattern, ID: id, Payload: data})
	if err != nil {
		outcome = "encode_error"
		return nil, fmt.Errorf("encode %s envelope: %w", pattern, err)
	}

	ch, err := c.track(id)
	if err != nil {
		outcome = "closed"
		return nil, err
	}
	defer c.forget(id)

	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(pattern))
	defer cancel()

	subject := Subject(backend)
	ctx, span := otelhelper.StartClientSpan(ctx, subject, pattern, len(body))
	defer span.End()

	msg := &nats.Msg{
		Subject: subject,
		Reply:   c.inbox + "." + id,
		Data:    body,
		Header:  otelhelper.InjectContext(ctx),
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		cb.RecordFailure()
		outcome = "unavailable"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			outcome = "closed"
			return nil, ErrClosed
		}
		cb.RecordSuccess()
		if rep.OK {
			return rep.Result, nil
		}
		outcome = "app_error"
		appErr := &ApplicationError{Code: CodeInternal, Message: "backend returned failure without detail"}
		if rep.Error != nil {
			appErr = &ApplicationError{Code: rep.Error.Code, Message: rep.Error.Message}
		}
		span.SetAttributes(attribute.String("rpc.error_code", appErr.Code))
		return nil, appErr
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cb.RecordFailure()
			outcome = "timeout"
			span.SetStatus(codes.Error, "timeout")
			c.logger.WarnContext(ctx, "Bus request timed out", "backend", backend, "pattern", pattern, "id", id)
			return nil, ErrTimeout
		}
		outcome = "cancelled"
		return nil, ctx.Err()
	}
}

// Close unsubscribes the reply inbox and fails every pending request with
// ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	return c.sub.Unsubscribe()
}

// Call invokes pattern and decodes the result into Resp.
func Call[Resp any](ctx context.Context, inv Invoker, backend, pattern string, req any) (Resp, error) {
	var resp Resp
	raw, err := inv.Invoke(ctx, backend, pattern, req)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode %s result: %w", pattern, err)
	}
	return resp, nil
}
