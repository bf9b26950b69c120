package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/nats-chat-realtime/pkg/auth"
	"github.com/example/nats-chat-realtime/pkg/contract"
	"github.com/example/nats-chat-realtime/pkg/protocol"
)

// closeReason is sent to the client in the websocket close frame.
type closeReason struct {
	code int
	text string
}

var (
	reasonClientGone       = closeReason{websocket.CloseNormalClosure, ""}
	reasonShutdown         = closeReason{websocket.CloseGoingAway, "shutdown"}
	reasonHeartbeatTimeout = closeReason{websocket.CloseGoingAway, protocol.CodeHeartbeatTimeout}
	reasonSlowConsumer     = closeReason{websocket.CloseTryAgainLater, "slow-consumer"}
	reasonInvalidCred      = closeReason{websocket.ClosePolicyViolation, protocol.CodeInvalidCredential}
	reasonProtocol         = closeReason{websocket.CloseProtocolError, protocol.CodeProtocolError}
)

// Conn is one live client connection. Its identity is set once by the
// handshake and never changes afterwards.
type Conn struct {
	id         string
	gw         *Gateway
	ws         *websocket.Conn
	remoteAddr string
	send       chan []byte
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	mu       sync.Mutex
	state    State
	identity contract.Identity
	logger   *slog.Logger

	lastAck   atomic.Int64
	closeOnce sync.Once
	reason    closeReason
	authTimer *time.Timer
}

func newConn(gw *Gateway, id string, ws *websocket.Conn, remoteAddr string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:         id,
		gw:         gw,
		ws:         ws,
		remoteAddr: remoteAddr,
		send:       make(chan []byte, gw.cfg.SendBuffer),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateConnecting,
		logger:     gw.logger.With("connID", id, "remoteAddr", remoteAddr),
	}
	c.lastAck.Store(time.Now().UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the authenticated identity, if any.
func (c *Conn) Identity() (contract.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.state == StateAuthenticated
}

func (c *Conn) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// enqueue queues data for the write pump without blocking. It reports false
// when the connection is closing or its buffer is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// reply queues a frame for this connection only.
func (c *Conn) reply(frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		c.log().Error("Failed to encode frame", "error", err)
		return
	}
	if !c.enqueue(data) {
		c.log().Warn("Dropping reply to full or closed connection")
	}
}

func (c *Conn) replyError(code, message string) {
	c.reply(protocol.Error(code, message))
}

// fail sends an error frame and closes the connection with reason.
func (c *Conn) fail(code, message string, reason closeReason) {
	c.replyError(code, message)
	c.close(reason)
}

// start moves the connection to Authenticating and runs its pumps. credential
// comes from the upgrade request and may be empty, in which case the client
// must send an auth frame within the auth timeout.
func (c *Conn) start(credential string) {
	c.mu.Lock()
	c.state = StateAuthenticating
	if credential == "" {
		c.authTimer = time.AfterFunc(c.gw.cfg.AuthTimeout, func() {
			if c.State() == StateAuthenticating {
				c.log().Info("Authentication timed out")
				c.fail(protocol.CodeInvalidCredential, "authentication timed out", reasonInvalidCred)
			}
		})
	}
	c.mu.Unlock()

	go c.writePump()
	go c.readPump(credential)
}

// authenticate verifies credential and, on success, registers the
// connection. Any failure closes the connection.
func (c *Conn) authenticate(credential string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.gw.cfg.AuthTimeout)
	defer cancel()

	id, err := c.gw.verifier.Verify(ctx, credential)
	if err != nil {
		code := protocol.CodeInvalidCredential
		if !errors.Is(err, auth.ErrInvalidCredential) {
			code = errorCode(err)
		}
		c.log().Info("Authentication failed", "code", code, "error", err)
		c.gw.metrics.authFailures(ctx, code)
		reason := reasonInvalidCred
		if code != protocol.CodeInvalidCredential {
			reason = closeReason{websocket.CloseTryAgainLater, code}
		}
		c.fail(code, "authentication failed", reason)
		return
	}

	// Teardown of this connection waits on the user lock, so the online
	// transition is always recorded before the matching offline one.
	unlock := c.gw.users.lock(id.UserID)
	c.mu.Lock()
	if c.state != StateAuthenticating {
		c.mu.Unlock()
		unlock()
		return
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.state = StateAuthenticated
	c.identity = id
	c.logger = c.logger.With("user", id.UserID)
	first := c.gw.registry.Register(id.UserID, c.id)
	c.mu.Unlock()

	c.gw.presence.Connected(c.ctx, id.UserID, first, c.gw.index.RoomsOf(c.id))
	unlock()
	c.reply(protocol.Authenticated(id))
	c.log().Info("Connection authenticated", "firstConnection", first)
}

func (c *Conn) readPump(credential string) {
	defer c.close(reasonClientGone)

	c.ws.SetReadLimit(c.gw.cfg.MaxFrameBytes)
	if credential != "" {
		c.authenticate(credential)
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.log().Warn("Frame exceeded maximum size", "limit", c.gw.cfg.MaxFrameBytes)
				c.fail(protocol.CodeProtocolError, "frame too large", reasonProtocol)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log().Debug("Unexpected close", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(protocol.CodeProtocolError, "text frames only", reasonProtocol)
			return
		}
		frame, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrInvalidPayload) {
			c.log().Info("Invalid frame payload", "error", err)
			c.gw.metrics.frame(c.ctx, "invalid")
			c.replyError(protocol.CodeInvalidPayload, err.Error())
			continue
		}
		if err != nil {
			c.log().Info("Malformed frame", "error", err)
			c.gw.metrics.frame(c.ctx, "malformed")
			c.fail(protocol.CodeProtocolError, err.Error(), reasonProtocol)
			return
		}
		c.gw.metrics.frame(c.ctx, frame.FrameType())
		c.handle(frame)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.gw.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.gw.wg.Done()
	}()

	heartbeat, _ := protocol.Encode(protocol.Heartbeat())
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log().Debug("Write failed", "error", err)
				c.close(reasonClientGone)
				return
			}
		case <-ticker.C:
			if since := time.Since(time.Unix(0, c.lastAck.Load())); since > c.gw.cfg.HeartbeatTimeout {
				c.log().Info("Heartbeat timed out", "since", since)
				c.close(reasonHeartbeatTimeout)
				continue
			}
			if err := c.write(websocket.TextMessage, heartbeat); err != nil {
				c.close(reasonClientGone)
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.reason.code, c.reason.text)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.gw.cfg.WriteWait))
			return
		}
	}
}

// flush writes frames queued before the connection started closing.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(msgType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(msgType, data)
}

// close tears the connection down once: it leaves every room, unregisters
// the session and lets the write pump send the close frame.
func (c *Conn) close(reason closeReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasAuthenticated := c.state == StateAuthenticated
		c.state = StateClosing
		id := c.identity
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.mu.Unlock()

		c.reason = reason
		c.cancel()
		c.gw.removeConn(c.id)

		if wasAuthenticated {
			c.gw.teardown(id, c.id)
		}
		close(c.done)
		c.log().Info("Connection closed", "reason", reason.text, "code", reason.code)
	})
}
