// Package gateway accepts websocket clients, authenticates them and fans
// room events out to the connections subscribed to each room.
//
// The session registry answers "who is online", the room index answers "who
// receives this room's events", and the presence broadcaster turns registry
// transitions into presence frames. Within one room, every event is
// delivered to the membership snapshot taken when it is fanned out; events of
// different connections have no global order.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-realtime/pkg/auth"
	"github.com/example/nats-chat-realtime/pkg/contract"
	"github.com/example/nats-chat-realtime/pkg/persistence"
	"github.com/example/nats-chat-realtime/pkg/presence"
	"github.com/example/nats-chat-realtime/pkg/protocol"
	"github.com/example/nats-chat-realtime/pkg/rooms"
	"github.com/example/nats-chat-realtime/pkg/session"
)

// Deps are the collaborators of a Gateway.
type Deps struct {
	Verifier auth.Verifier
	Store    persistence.Store
	// Journal records messages under DeliveryAsync. When nil, Store is used
	// if it implements persistence.Journal.
	Journal persistence.Journal
	// Recorder mirrors presence transitions. Optional.
	Recorder presence.Recorder
	Logger   *slog.Logger
	Meter    metric.Meter
}

// roomJoiner is implemented by stores that keep membership (room.join and
// room.leave on the bus). Others only answer IsMember.
type roomJoiner interface {
	Join(ctx context.Context, roomID, userID string) (bool, error)
	Leave(ctx context.Context, roomID, userID string) (bool, error)
}

// Gateway owns every client connection of this process.
type Gateway struct {
	cfg      Config
	verifier auth.Verifier
	store    persistence.Store
	journal  persistence.Journal
	registry *session.Registry
	index    *rooms.Index
	presence *presence.Broadcaster
	users    *userLocks
	logger   *slog.Logger
	upgrader websocket.Upgrader
	metrics  *metrics

	mu       sync.RWMutex
	conns    map[string]*Conn
	closing  atomic.Bool
	wg       sync.WaitGroup
	journals sync.WaitGroup
}

// New creates a Gateway.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	if deps.Verifier == nil || deps.Store == nil {
		return nil, errors.New("gateway requires a verifier and a store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter("gateway")
	}
	journal := deps.Journal
	if journal == nil {
		journal, _ = deps.Store.(persistence.Journal)
	}
	if cfg.Delivery == DeliveryAsync && journal == nil {
		return nil, errors.New("async delivery requires a journal")
	}

	gw := &Gateway{
		cfg:      cfg,
		verifier: deps.Verifier,
		store:    deps.Store,
		journal:  journal,
		registry: session.NewRegistry(),
		index:    rooms.NewIndex(),
		users:    newUserLocks(),
		logger:   deps.Logger.With("component", "gateway"),
		conns:    make(map[string]*Conn),
	}
	gw.presence = presence.NewBroadcaster(gw, deps.Recorder, deps.Logger)
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	m, err := newMetrics(deps.Meter, gw)
	if err != nil {
		return nil, err
	}
	gw.metrics = m
	return gw, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// credential extracts a bearer credential from the upgrade request.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP upgrades the request to a websocket connection.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if gw.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Warn("Websocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(gw, uuid.NewString(), ws, r.RemoteAddr)
	gw.mu.Lock()
	if gw.closing.Load() {
		gw.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		ws.Close()
		return
	}
	gw.conns[c.id] = c
	gw.wg.Add(1)
	gw.mu.Unlock()

	c.logger.Debug("Connection opened")
	c.start(credential(r))
}

// HealthHandler reports connection, user and room counts.
func (gw *Gateway) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if gw.closing.Load() {
			status = "shutting-down"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      status,
			"connections": gw.ConnectionCount(),
			"users":       gw.registry.UserCount(),
			"rooms":       gw.index.RoomCount(),
		})
	})
}

// ConnectionCount returns the number of open connections.
func (gw *Gateway) ConnectionCount() int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return len(gw.conns)
}

// IsOnline reports whether userID has an authenticated connection.
func (gw *Gateway) IsOnline(userID string) bool {
	return gw.registry.IsOnline(userID)
}

func (gw *Gateway) conn(id string) *Conn {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.conns[id]
}

func (gw *Gateway) removeConn(id string) {
	gw.mu.Lock()
	delete(gw.conns, id)
	gw.mu.Unlock()
}

// otherConns returns the user's registered connections except connID.
func (gw *Gateway) otherConns(userID, connID string) []string {
	all := gw.registry.Connections(userID)
	out := all[:0]
	for _, id := range all {
		if id != connID {
			out = append(out, id)
		}
	}
	return out
}

// Broadcast delivers frame to every member of roomID except the connection
// except. A full or closed recipient is skipped and scheduled for teardown;
// it never fails delivery to the others.
func (gw *Gateway) Broadcast(ctx context.Context, roomID string, frame any, except string) {
	start := time.Now()
	data, err := protocol.Encode(frame)
	if err != nil {
		gw.logger.ErrorContext(ctx, "Failed to encode broadcast", "room", roomID, "error", err)
		return
	}
	delivered, dropped := 0, 0
	for _, id := range gw.index.MembersOf(roomID) {
		if id == except {
			continue
		}
		c := gw.conn(id)
		if c == nil {
			continue
		}
		if c.enqueue(data) {
			delivered++
			continue
		}
		dropped++
		select {
		case <-c.done:
		default:
			gw.logger.WarnContext(ctx, "Send buffer full, closing connection", "connID", id, "room", roomID)
			go c.close(reasonSlowConsumer)
		}
	}
	gw.metrics.fanout(ctx, delivered, dropped, time.Since(start))
}

// admit decides whether userID may join roomID.
func (gw *Gateway) admit(ctx context.Context, roomID, userID string) (bool, error) {
	if j, ok := gw.store.(roomJoiner); ok {
		return j.Join(ctx, roomID, userID)
	}
	return gw.store.IsMember(ctx, roomID, userID)
}

// release tells a membership-keeping store that userID left roomID.
func (gw *Gateway) release(ctx context.Context, roomID, userID string) {
	j, ok := gw.store.(roomJoiner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, gw.cfg.PersistTimeout)
	defer cancel()
	if _, err := j.Leave(ctx, roomID, userID); err != nil {
		gw.logger.WarnContext(ctx, "Failed to record leave", "room", roomID, "user", userID, "error", err)
	}
}

// teardown removes a closing connection from both indexes and emits the
// resulting left and presence events.
func (gw *Gateway) teardown(id contract.Identity, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.WriteWait)
	defer cancel()
	unlock := gw.users.lock(id.UserID)
	defer unlock()

	left := gw.index.LeaveAll(connID)
	others := gw.otherConns(id.UserID, connID)
	for _, room := range left {
		if !gw.index.AnyMember(room, others) {
			gw.Broadcast(ctx, room, protocol.Left(room, id), "")
		}
	}
	last := gw.registry.Unregister(id.UserID, connID)
	gw.presence.Disconnected(ctx, id.UserID, last, left)
}

func (gw *Gateway) journalAsync(rec contract.MessageRecord) {
	gw.journals.Add(1)
	go func() {
		defer gw.journals.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.PersistTimeout)
		defer cancel()
		if err := gw.journal.Record(ctx, rec); err != nil {
			gw.logger.Error("Failed to journal message", "id", rec.ID, "room", rec.RoomID, "error", err)
			gw.metrics.journalFailed(ctx)
		}
	}()
}

// Shutdown closes every connection, running the normal teardown for each,
// and waits for them and for pending journal writes.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.mu.Lock()
	gw.closing.Store(true)
	conns := make([]*Conn, 0, len(gw.conns))
	for _, c := range gw.conns {
		conns = append(conns, c)
	}
	gw.mu.Unlock()

	gw.logger.Info("Closing connections", "count", len(conns))
	for _, c := range conns {
		c.close(reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		gw.wg.Wait()
		gw.journals.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
