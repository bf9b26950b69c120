package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

// HandlerFunc handles the raw payload of one request.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

type serverConfig struct {
	maxInFlight    int
	handlerTimeout time.Duration
	logger         *slog.Logger
	meter          metric.Meter
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

// WithMaxInFlight bounds the number of concurrently running handlers (256 if unset).
func WithMaxInFlight(n int) ServerOption {
	return func(c *serverConfig) { c.maxInFlight = n }
}

// WithHandlerTimeout bounds the context passed to handlers (30s if unset).
func WithHandlerTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.handlerTimeout = d }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

// WithServerMeter sets the meter used for dispatch metrics.
func WithServerMeter(m metric.Meter) ServerOption {
	return func(c *serverConfig) { c.meter = m }
}

// Server is the backend side of the bus. Requests are dispatched concurrently;
// a slow or panicking handler never blocks or stops unrelated requests.
type Server struct {
	nc      *nats.Conn
	backend string
	cfg     serverConfig
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sub      *nats.Subscription

	inflight errgroup.Group

	handled  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewServer creates a server for backend. Register handlers with Handle or
// HandleRaw before calling Start.
func NewServer(nc *nats.Conn, backend string, opts ...ServerOption) *Server {
	cfg := serverConfig{
		maxInFlight:    256,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		meter:          otel.Meter("bus-server"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		nc:       nc,
		backend:  backend,
		cfg:      cfg,
		logger:   cfg.logger.With("component", "bus_server", "backend", backend),
		handlers: make(map[string]HandlerFunc),
	}
	s.inflight.SetLimit(cfg.maxInFlight)
	s.handled, _ = cfg.meter.Int64Counter("bus_server_requests_total",
		metric.WithDescription("Total bus requests handled by pattern and outcome"))
	s.duration, _ = otelhelper.NewDurationHistogram(cfg.meter, "bus_server_request_duration_seconds",
		"Handler duration")
	return s
}

// HandleRaw registers fn for pattern, replacing any previous registration.
func (s *Server) HandleRaw(pattern string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pattern] = fn
}

// Handle registers a typed handler for pattern. A payload that does not
// decode into Req is answered with a bad-request ApplicationError.
func Handle[Req, Resp any](s *Server, pattern string, fn func(ctx context.Context, req Req) (Resp, error)) {
	s.HandleRaw(pattern, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, NewError(CodeBadRequest, "invalid %s payload: %v", pattern, err)
			}
		}
		return fn(ctx, req)
	})
}

// Patterns returns the registered pattern names in sorted order.
func (s *Server) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start subscribes to the backend subject in the "<backend>-workers" queue
// group, so several instances share the load.
func (s *Server) Start() error {
	sub, err := s.nc.QueueSubscribe(Subject(s.backend), s.backend+"-workers", func(msg *nats.Msg) {
		s.inflight.Go(func() error {
			s.dispatch(msg)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Subject(s.backend), err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info("Bus server ready", "subject", Subject(s.backend), "patterns", s.Patterns())
	return nil
}

// Stop unsubscribes and waits for in-flight handlers, or for ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warn("Failed to unsubscribe", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		_ = s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) lookup(pattern string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[pattern]
	return fn, ok
}

// invoke runs fn, converting a panic into an internal ApplicationError.
func (s *Server) invoke(ctx context.Context, fn HandlerFunc, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "Bus handler panicked", "pattern", req.Pattern, "id", req.ID, "panic", r)
			err = NewError(CodeInternal, "handler panicked")
		}
	}()
	return fn(ctx, req.Payload)
}

func (s *Server) dispatch(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "rpc "+s.backend)
	defer span.End()

	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.WarnContext(ctx, "Invalid bus envelope", "error", err)
		span.RecordError(err)
		s.respond(ctx, msg, failure("", NewError(CodeBadRequest, "invalid envelope")))
		return
	}
	span.SetAttributes(
		attribute.String("rpc.method", req.Pattern),
		attribute.String("rpc.correlation_id", req.ID),
	)

	outcome := "ok"
	defer func() {
		attrs := metric.WithAttributes(
			attribute.String("pattern", req.Pattern),
			attribute.String("outcome", outcome),
		)
		s.handled.Add(ctx, 1, attrs)
		s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	fn, ok := s.lookup(req.Pattern)
	if !ok {
		outcome = "unknown_pattern"
		s.logger.WarnContext(ctx, "Unknown bus pattern", "pattern", req.Pattern, "id", req.ID)
		s.respond(ctx, msg, failure(req.ID, NewError(CodeUnknownPattern, "no handler for %q", req.Pattern)))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.handlerTimeout)
	defer cancel()

	result, err := s.invoke(hctx, fn, &req)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.respond(ctx, msg, failure(req.ID, err))
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		outcome = "error"
		s.logger.ErrorContext(ctx, "Failed to encode bus result", "pattern", req.Pattern, "error", err)
		s.respond(ctx, msg, failure(req.ID, NewError(CodeInternal, "encode result")))
		return
	}
	s.respond(ctx, msg, &Reply{ID: req.ID, OK: true, Result: data})
}

// failure converts err into a failed Reply. Non-application errors become
// internal errors carrying err's message.
func failure(id string, err error) *Reply {
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		appErr = &ApplicationError{Code: CodeInternal, Message: err.Error()}
	}
	return &Reply{ID: id, Error: &ErrorInfo{Code: appErr.Code, Message: appErr.Message}}
}

func (s *Server) respond(ctx context.Context, msg *nats.Msg, rep *Reply) {
	if msg.Reply == "" {
		s.logger.DebugContext(ctx, "Bus request without reply subject", "id", rep.ID)
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode bus reply", "id", rep.ID, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish bus reply", "id", rep.ID, "error", err)
	}
}
