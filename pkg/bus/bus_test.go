package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-realtime/pkg/natstest"
)

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text string `json:"text"`
}

func startServer(t *testing.T, nc *nats.Conn, backend string, register func(s *Server)) *Server {
	t.Helper()
	s := NewServer(nc, backend)
	register(s)
	require.NoError(t, s.Start())
	require.NoError(t, nc.Flush())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func newClient(t *testing.T, nc *nats.Conn, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(nc, opts...)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInvoke_Success(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		Handle(s, "echo.say", func(ctx context.Context, req echoReq) (echoResp, error) {
			return echoResp{Text: "hi " + req.Text}, nil
		})
	})
	c := newClient(t, nc)

	resp, err := Call[echoResp](context.Background(), c, "echo", "echo.say", echoReq{Text: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "hi bob", resp.Text)
	assert.Zero(t, c.PendingCount())
}

func TestInvoke_ApplicationError(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "room", func(s *Server) {
		Handle(s, "room.join", func(ctx context.Context, req echoReq) (echoResp, error) {
			return echoResp{}, NewError("not-member", "user is not a member of %s", req.Text)
		})
	})
	c := newClient(t, nc)

	_, err := c.Invoke(context.Background(), "room", "room.join", echoReq{Text: "r1"})
	require.Error(t, err)
	var appErr *ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "not-member", appErr.Code)
	assert.Contains(t, appErr.Message, "r1")
	assert.True(t, IsCode(err, "not-member"))
	assert.False(t, IsTransient(err))
}

func TestInvoke_PlainErrorBecomesInternal(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		s.HandleRaw("echo.fail", func(ctx context.Context, payload json.RawMessage) (any, error) {
			return nil, errors.New("disk full")
		})
	})
	c := newClient(t, nc)

	_, err := c.Invoke(context.Background(), "echo", "echo.fail", nil)
	assert.True(t, IsCode(err, CodeInternal))
	assert.Contains(t, err.Error(), "disk full")
}

func TestInvoke_UnknownPattern(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {})
	c := newClient(t, nc)

	_, err := c.Invoke(context.Background(), "echo", "echo.missing", nil)
	assert.True(t, IsCode(err, CodeUnknownPattern))
}

func TestInvoke_BadPayload(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		Handle(s, "echo.say", func(ctx context.Context, req echoReq) (echoResp, error) {
			return echoResp{Text: req.Text}, nil
		})
	})
	c := newClient(t, nc)

	_, err := c.Invoke(context.Background(), "echo", "echo.say", map[string]int{"text": 5})
	assert.True(t, IsCode(err, CodeBadRequest))
}

func TestInvoke_TimeoutReleasesEntry(t *testing.T) {
	srv, nc := natstest.Connect(t)
	release := make(chan struct{})
	handled := make(chan struct{}, 1)
	startServer(t, natstest.Dial(t, srv), "room", func(s *Server) {
		Handle(s, "room.join", func(ctx context.Context, req echoReq) (echoResp, error) {
			if req.Text == "r1" {
				<-release
				handled <- struct{}{}
			}
			return echoResp{Text: req.Text}, nil
		})
	})
	c := newClient(t, nc, WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := c.Invoke(context.Background(), "room", "room.join", echoReq{Text: "r1"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, c.PendingCount(), "timed out request must not stay pending")

	// The late reply is discarded and does not disturb the next call.
	close(release)
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never completed")
	}
	resp, err := Call[echoResp](context.Background(), c, "room", "room.join", echoReq{Text: "r2"})
	require.NoError(t, err)
	assert.Equal(t, "r2", resp.Text, "stale r1 reply must not be matched to the new call")
	assert.Zero(t, c.PendingCount())
}

func TestInvoke_PatternTimeout(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		Handle(s, "echo.slow", func(ctx context.Context, req echoReq) (echoResp, error) {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-ctx.Done():
			}
			return echoResp{Text: "slow"}, nil
		})
	})
	c := newClient(t, nc,
		WithTimeout(50*time.Millisecond),
		WithPatternTimeout("echo.slow", 3*time.Second),
	)

	resp, err := Call[echoResp](context.Background(), c, "echo", "echo.slow", echoReq{})
	require.NoError(t, err)
	assert.Equal(t, "slow", resp.Text)
}

func TestInvoke_ContextCancelled(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		Handle(s, "echo.block", func(ctx context.Context, req echoReq) (echoResp, error) {
			time.Sleep(300 * time.Millisecond)
			return echoResp{}, nil
		})
	})
	c := newClient(t, nc, WithTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := c.Invoke(ctx, "echo", "echo.block", echoReq{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.PendingCount())
}

func TestServer_PanicBecomesInternalError(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		Handle(s, "echo.panic", func(ctx context.Context, req echoReq) (echoResp, error) {
			panic("boom")
		})
		Handle(s, "echo.say", func(ctx context.Context, req echoReq) (echoResp, error) {
			return echoResp{Text: req.Text}, nil
		})
	})
	c := newClient(t, nc)

	_, err := c.Invoke(context.Background(), "echo", "echo.panic", echoReq{})
	assert.True(t, IsCode(err, CodeInternal))

	// The server keeps serving after a panic.
	resp, err := Call[echoResp](context.Background(), c, "echo", "echo.say", echoReq{Text: "still here"})
	require.NoError(t, err)
	assert.Equal(t, "still here", resp.Text)
}

func TestServer_SlowHandlerDoesNotBlockOthers(t *testing.T) {
	srv, nc := natstest.Connect(t)
	release := make(chan struct{})
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		Handle(s, "echo.slow", func(ctx context.Context, req echoReq) (echoResp, error) {
			<-release
			return echoResp{Text: "slow"}, nil
		})
		Handle(s, "echo.fast", func(ctx context.Context, req echoReq) (echoResp, error) {
			return echoResp{Text: "fast"}, nil
		})
	})
	c := newClient(t, nc)
	defer close(release)

	slowDone := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "echo", "echo.slow", echoReq{})
		slowDone <- err
	}()

	for i := 0; i < 10; i++ {
		resp, err := Call[echoResp](context.Background(), c, "echo", "echo.fast", echoReq{})
		require.NoError(t, err)
		assert.Equal(t, "fast", resp.Text)
	}
	select {
	case err := <-slowDone:
		t.Fatalf("slow request finished early: %v", err)
	default:
	}
}

func TestInvoke_ConcurrentCorrelation(t *testing.T) {
	srv, nc := natstest.Connect(t)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		Handle(s, "echo.say", func(ctx context.Context, req echoReq) (echoResp, error) {
			return echoResp{Text: req.Text}, nil
		})
	})
	c := newClient(t, nc)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := string(rune('a' + i%26))
			resp, err := Call[echoResp](context.Background(), c, "echo", "echo.say", echoReq{Text: want})
			if err != nil {
				errs <- err
				return
			}
			if resp.Text != want {
				errs <- errors.New("reply routed to wrong caller: " + resp.Text + " != " + want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, c.PendingCount())
}

func TestInvoke_BackendUnavailableWhenConnClosed(t *testing.T) {
	_, nc := natstest.Connect(t)
	c := newClient(t, nc)
	nc.Close()

	_, err := c.Invoke(context.Background(), "room", "room.join", echoReq{})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.True(t, IsTransient(err))
}

func TestInvoke_BreakerFastFails(t *testing.T) {
	_, nc := natstest.Connect(t)
	c := newClient(t, nc, WithTimeout(20*time.Millisecond), WithBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := c.Invoke(context.Background(), "nobody", "nobody.ping", nil)
		require.ErrorIs(t, err, ErrTimeout)
	}

	start := time.Now()
	_, err := c.Invoke(context.Background(), "nobody", "nobody.ping", nil)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	// Other backends keep their own breaker.
	_, err = c.Invoke(context.Background(), "other", "other.ping", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_CloseFailsPending(t *testing.T) {
	srv, nc := natstest.Connect(t)
	release := make(chan struct{})
	defer close(release)
	startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
		Handle(s, "echo.block", func(ctx context.Context, req echoReq) (echoResp, error) {
			<-release
			return echoResp{}, nil
		})
	})
	c, err := NewClient(nc)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "echo", "echo.block", echoReq{})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Invoke not released by Close")
	}

	_, err = c.Invoke(context.Background(), "echo", "echo.block", echoReq{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServer_QueueGroupSharesLoad(t *testing.T) {
	srv, nc := natstest.Connect(t)
	var mu sync.Mutex
	seen := map[string]int{}
	for _, name := range []string{"a", "b"} {
		name := name
		startServer(t, natstest.Dial(t, srv), "echo", func(s *Server) {
			Handle(s, "echo.who", func(ctx context.Context, req echoReq) (echoResp, error) {
				mu.Lock()
				seen[name]++
				mu.Unlock()
				return echoResp{Text: name}, nil
			})
		})
	}
	c := newClient(t, nc)

	for i := 0; i < 40; i++ {
		_, err := c.Invoke(context.Background(), "echo", "echo.who", echoReq{})
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 40, seen["a"]+seen["b"], "each request handled exactly once")
}

func TestServer_Patterns(t *testing.T) {
	_, nc := natstest.Connect(t)
	s := NewServer(nc, "room")
	Handle(s, "room.leave", func(ctx context.Context, req echoReq) (echoResp, error) { return echoResp{}, nil })
	Handle(s, "room.join", func(ctx context.Context, req echoReq) (echoResp, error) { return echoResp{}, nil })
	assert.Equal(t, []string{"room.join", "room.leave"}, s.Patterns())
}
