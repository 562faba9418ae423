package delegate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/imgdelegate/cacher"
	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/operation"
	"github.com/cyberinferno/imgdelegate/protocol"
	"github.com/cyberinferno/imgdelegate/transport"
)

type roundTripFunc func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

type fakeHandle struct {
	calls     atomic.Int32
	closes    atomic.Int32
	closeErr  error
	roundTrip roundTripFunc
}

func (h *fakeHandle) RoundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	h.calls.Add(1)
	if h.closes.Load() > 0 {
		return nil, transport.ErrClosed
	}
	return h.roundTrip(ctx, req)
}

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return h.closeErr
}

func (h *fakeHandle) RemoteAddr() string {
	return "fake:1"
}

type fakeTransport struct {
	dials   atomic.Int32
	dialErr error
	handle  *fakeHandle
}

func (t *fakeTransport) Dial(ctx context.Context, endpoint string) (transport.Handle, error) {
	t.dials.Add(1)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	if _, err := transport.ParseEndpoint(endpoint); err != nil {
		return nil, err
	}
	return t.handle, nil
}

// respond answers like a correct endpoint: same pixels, resized shape for resize.
func respond(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	out := req.Image.Clone()
	if req.Operation == operation.Resize {
		w, _ := req.Params.Int(operation.KeyWidth)
		h, _ := req.Params.Int(operation.KeyHeight)
		resized, err := imagebuf.New(w, h, req.Image.Channels)
		if err != nil {
			return nil, err
		}
		out = resized
	}
	return protocol.NewSuccessResponse(req.ID, out), nil
}

func blockUntilDone(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("read response: %w", ctx.Err())
}

func testImage(t *testing.T, w, h, c int) *imagebuf.ImageBuffer {
	t.Helper()
	img, err := imagebuf.New(w, h, c)
	require.NoError(t, err)
	for i := range img.Pix {
		img.Pix[i] = byte(i * 7)
	}
	return img
}

func newFakeClient(rt roundTripFunc, opts ...Option) (*Client, *fakeTransport) {
	ft := &fakeTransport{handle: &fakeHandle{roundTrip: rt}}
	return New(append([]Option{WithTransport(ft)}, opts...)...), ft
}

func connectedClient(t *testing.T, rt roundTripFunc, opts ...Option) (*Client, *fakeTransport) {
	t.Helper()
	c, ft := newFakeClient(rt, opts...)
	_, err := c.Connect(context.Background(), "render:7400")
	require.NoError(t, err)
	return c, ft
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "error %v is not *Error", err)
	assert.Equal(t, want, e.Kind, err.Error())
}

func TestNew(t *testing.T) {
	c := New()
	require.NotNil(t, c)
	assert.Equal(t, Disconnected, c.State())
	assert.IsType(t, &transport.TCPTransport{}, c.transport)
	assert.Equal(t, DefaultConnectTimeout, c.connectTimeout)
	assert.Equal(t, DefaultRequestTimeout, c.requestTimeout)

	_, ok := c.Connection()
	assert.False(t, ok)
}

func TestClient_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("connects and reports connection", func(t *testing.T) {
		c, ft := newFakeClient(respond)
		conn, err := c.Connect(ctx, "render:7400")
		require.NoError(t, err)

		assert.NotEmpty(t, conn.ID)
		assert.Equal(t, "render:7400", conn.Endpoint)
		assert.Equal(t, "fake:1", conn.RemoteAddr)
		assert.Equal(t, Connected, c.State())
		assert.Equal(t, int32(1), ft.dials.Load())

		got, ok := c.Connection()
		assert.True(t, ok)
		assert.Same(t, conn, got)
	})

	t.Run("same endpoint is idempotent", func(t *testing.T) {
		c, ft := newFakeClient(respond)
		first, err := c.Connect(ctx, "render:7400")
		require.NoError(t, err)

		second, err := c.Connect(ctx, "tcp://render:7400")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, int32(1), ft.dials.Load())
	})

	t.Run("different endpoint while connected", func(t *testing.T) {
		c, ft := newFakeClient(respond)
		first, err := c.Connect(ctx, "render:7400")
		require.NoError(t, err)

		_, err = c.Connect(ctx, "other:7400")
		requireKind(t, err, KindConnection)
		assert.Equal(t, int32(1), ft.dials.Load())

		got, _ := c.Connection()
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("empty endpoint", func(t *testing.T) {
		c, ft := newFakeClient(respond)
		_, err := c.Connect(ctx, "  ")
		requireKind(t, err, KindConnection)
		assert.Equal(t, int32(0), ft.dials.Load())
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("malformed endpoint", func(t *testing.T) {
		c, _ := newFakeClient(respond)
		_, err := c.Connect(ctx, "http://render")
		requireKind(t, err, KindConnection)
		assert.ErrorIs(t, err, transport.ErrInvalidEndpoint)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("dial failure", func(t *testing.T) {
		c, ft := newFakeClient(respond)
		ft.dialErr = errors.New("connection refused")

		_, err := c.Connect(ctx, "render:7400")
		requireKind(t, err, KindConnection)
		assert.True(t, errors.Is(err, ErrConnection))
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("reconnect gets a new id", func(t *testing.T) {
		c, _ := newFakeClient(respond)
		first, err := c.Connect(ctx, "render:7400")
		require.NoError(t, err)
		c.Disconnect()

		second, err := c.Connect(ctx, "render:7400")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestClient_Disconnect(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		c, ft := connectedClient(t, respond)
		c.Disconnect()
		c.Disconnect()

		assert.Equal(t, Disconnected, c.State())
		assert.Equal(t, int32(1), ft.handle.closes.Load())
	})

	t.Run("never connected", func(t *testing.T) {
		c, _ := newFakeClient(respond)
		assert.NotPanics(t, c.Disconnect)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("teardown error is swallowed", func(t *testing.T) {
		c, ft := connectedClient(t, respond)
		ft.handle.closeErr = errors.New("reset by peer")

		c.Disconnect()
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("process after disconnect", func(t *testing.T) {
		c, ft := connectedClient(t, respond)
		c.Disconnect()

		_, err := c.Process(context.Background(), testImage(t, 2, 2, 3), operation.Sepia, nil)
		requireKind(t, err, KindNotConnected)
		assert.Equal(t, int32(0), ft.handle.calls.Load())
	})
}

func TestClient_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("sepia keeps shape", func(t *testing.T) {
		c, _ := connectedClient(t, respond)
		img := testImage(t, 5, 4, 3)

		out, err := c.Process(ctx, img, operation.Sepia, nil)
		require.NoError(t, err)
		assert.Equal(t, 5, out.Width)
		assert.Equal(t, 4, out.Height)
		assert.Equal(t, 3, out.Channels)
	})

	t.Run("blur sends default kernel", func(t *testing.T) {
		var sent operation.Params
		c, _ := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			sent = req.Params
			return respond(ctx, req)
		})

		_, err := c.Process(ctx, testImage(t, 3, 3, 1), operation.Blur, operation.Params{})
		require.NoError(t, err)
		k, ok := sent.Int(operation.KeyKernelSize)
		assert.True(t, ok)
		assert.Equal(t, operation.DefaultBlurKernel, k)
	})

	t.Run("resize yields requested dimensions", func(t *testing.T) {
		c, _ := connectedClient(t, respond)
		img := testImage(t, 8, 6, 4)

		out, err := c.Process(ctx, img, operation.Resize, operation.Params{"width": 3, "height": 2})
		require.NoError(t, err)
		assert.Equal(t, 3, out.Width)
		assert.Equal(t, 2, out.Height)
		assert.Equal(t, 4, out.Channels)
	})

	t.Run("input is not modified", func(t *testing.T) {
		c, _ := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			out := req.Image.Clone()
			for i := range out.Pix {
				out.Pix[i] = 0
			}
			return protocol.NewSuccessResponse(req.ID, out), nil
		})
		img := testImage(t, 2, 2, 3)
		orig := img.Clone()

		_, err := c.Process(ctx, img, operation.Sepia, nil)
		require.NoError(t, err)
		assert.True(t, orig.Equal(img))
	})

	t.Run("request ids increase", func(t *testing.T) {
		var ids []uint64
		c, _ := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			ids = append(ids, req.ID)
			return respond(ctx, req)
		})

		for i := 0; i < 3; i++ {
			_, err := c.Process(ctx, testImage(t, 1, 1, 3), operation.Sepia, nil)
			require.NoError(t, err)
		}
		assert.Equal(t, []uint64{1, 2, 3}, ids)
	})
}

func TestClient_Process_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		img    *imagebuf.ImageBuffer
		op     operation.Operation
		params operation.Params
		want   Kind
	}{
		{"unknown operation", testImage(t, 2, 2, 3), "cartoonify", nil, KindUnsupportedOperation},
		{"empty operation", testImage(t, 2, 2, 3), "", nil, KindUnsupportedOperation},
		{"operation checked before image", nil, "cartoonify", nil, KindUnsupportedOperation},
		{"nil image", nil, operation.Blur, nil, KindInvalidImage},
		{"zero width", &imagebuf.ImageBuffer{Width: 0, Height: 2, Channels: 3}, operation.Blur, nil, KindInvalidImage},
		{"empty pixels", &imagebuf.ImageBuffer{Width: 2, Height: 2, Channels: 3}, operation.Blur, nil, KindInvalidImage},
		{"short pixels", &imagebuf.ImageBuffer{Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 11)}, operation.Blur, nil, KindInvalidImage},
		{"five channels", &imagebuf.ImageBuffer{Width: 1, Height: 1, Channels: 5, Pix: make([]byte, 5)}, operation.Blur, nil, KindInvalidImage},
		{"sepia on grayscale", testImage(t, 2, 2, 1), operation.Sepia, nil, KindInvalidImage},
		{"image over frame limit", testImage(t, 8192, 8192, 1), operation.Blur, nil, KindInvalidImage},
		{"image checked before params", nil, operation.Resize, operation.Params{"width": -1}, KindInvalidImage},
		{"resize negative width", testImage(t, 2, 2, 3), operation.Resize, operation.Params{"width": -1, "height": 10}, KindInvalidParameter},
		{"resize missing height", testImage(t, 2, 2, 3), operation.Resize, operation.Params{"width": 10}, KindInvalidParameter},
		{"resize non-integer", testImage(t, 2, 2, 3), operation.Resize, operation.Params{"width": "ten", "height": 10}, KindInvalidParameter},
		{"blur even kernel", testImage(t, 2, 2, 3), operation.Blur, operation.Params{"kernel_size": 4}, KindInvalidParameter},
		{"blur zero kernel", testImage(t, 2, 2, 3), operation.Blur, operation.Params{"kernel_size": 0}, KindInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ft := connectedClient(t, respond)

			_, err := c.Process(ctx, tt.img, tt.op, tt.params)
			requireKind(t, err, tt.want)
			assert.Equal(t, int32(0), ft.handle.calls.Load(), "nothing may be transmitted")
			assert.Equal(t, Connected, c.State())
			assert.Equal(t, uint64(0), c.Stats().Requests)
		})
	}

	t.Run("not connected wins over everything", func(t *testing.T) {
		c, ft := newFakeClient(respond)
		_, err := c.Process(ctx, nil, "cartoonify", operation.Params{"width": -1})
		requireKind(t, err, KindNotConnected)
		assert.Equal(t, int32(0), ft.handle.calls.Load())
	})
}

func TestClient_Process_Timeout(t *testing.T) {
	t.Run("request timeout", func(t *testing.T) {
		c, ft := connectedClient(t, blockUntilDone, WithRequestTimeout(100*time.Millisecond))

		start := time.Now()
		_, err := c.Process(context.Background(), testImage(t, 4, 4, 3), operation.Blur, nil)
		elapsed := time.Since(start)

		requireKind(t, err, KindTimeout)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		assert.Less(t, elapsed, 150*time.Millisecond)

		assert.Equal(t, Disconnected, c.State())
		assert.Equal(t, int32(1), ft.handle.closes.Load())

		_, err = c.Process(context.Background(), testImage(t, 4, 4, 3), operation.Blur, nil)
		requireKind(t, err, KindNotConnected)

		stats := c.Stats()
		assert.Equal(t, uint64(1), stats.Timeouts)
		assert.Equal(t, uint64(1), stats.Failed)
	})

	t.Run("caller deadline earlier than request timeout", func(t *testing.T) {
		c, _ := connectedClient(t, blockUntilDone)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := c.Process(ctx, testImage(t, 4, 4, 3), operation.Sepia, nil)
		requireKind(t, err, KindTimeout)
		assert.Less(t, time.Since(start), 150*time.Millisecond)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("client can reconnect after timeout", func(t *testing.T) {
		c, ft := connectedClient(t, blockUntilDone, WithRequestTimeout(20*time.Millisecond))
		_, err := c.Process(context.Background(), testImage(t, 1, 1, 3), operation.Sepia, nil)
		requireKind(t, err, KindTimeout)

		ft.handle = &fakeHandle{roundTrip: respond}
		_, err = c.Connect(context.Background(), "render:7400")
		require.NoError(t, err)

		_, err = c.Process(context.Background(), testImage(t, 1, 1, 3), operation.Sepia, nil)
		assert.NoError(t, err)
	})
}

func TestClient_Process_Canceled(t *testing.T) {
	c, ft := connectedClient(t, blockUntilDone)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Process(ctx, testImage(t, 2, 2, 3), operation.Sepia, nil)
	requireKind(t, err, KindCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, int32(1), ft.handle.closes.Load())
}

func TestClient_Process_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("transport failure keeps connection", func(t *testing.T) {
		fail := true
		c, ft := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if fail {
				fail = false
				return nil, errors.New("read response: connection reset by peer")
			}
			return respond(ctx, req)
		})

		_, err := c.Process(ctx, testImage(t, 2, 2, 3), operation.Sepia, nil)
		requireKind(t, err, KindProcessing)
		assert.Equal(t, Connected, c.State())
		assert.Equal(t, int32(0), ft.handle.closes.Load())

		_, err = c.Process(ctx, testImage(t, 2, 2, 3), operation.Sepia, nil)
		assert.NoError(t, err)
		assert.Equal(t, int32(2), ft.handle.calls.Load())
	})

	t.Run("handle closed underneath", func(t *testing.T) {
		c, ft := connectedClient(t, respond)
		_ = ft.handle.Close()

		_, err := c.Process(ctx, testImage(t, 2, 2, 3), operation.Sepia, nil)
		requireKind(t, err, KindProcessing)
		assert.Equal(t, Connected, c.State())
	})

	t.Run("disconnect during request", func(t *testing.T) {
		release := make(chan struct{})
		c, ft := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			<-release
			return nil, fmt.Errorf("read response: %w", transport.ErrClosed)
		})

		img := testImage(t, 2, 2, 3)
		errs := make(chan error, 1)
		go func() {
			_, err := c.Process(ctx, img, operation.Sepia, nil)
			errs <- err
		}()

		require.Eventually(t, func() bool { return ft.handle.calls.Load() == 1 }, time.Second, time.Millisecond)
		c.Disconnect()
		close(release)

		requireKind(t, <-errs, KindNotConnected)
		assert.Equal(t, Disconnected, c.State())
	})

	remote := []struct {
		kind protocol.ErrorKind
		want Kind
	}{
		{protocol.ErrorKindUnsupportedOperation, KindUnsupportedOperation},
		{protocol.ErrorKindInvalidImage, KindInvalidImage},
		{protocol.ErrorKindInvalidParameter, KindInvalidParameter},
		{protocol.ErrorKindProcessingFailed, KindProcessing},
		{protocol.ErrorKindInternal, KindProcessing},
		{"gpu_melted", KindProcessing},
	}

	for _, tt := range remote {
		t.Run("remote "+string(tt.kind), func(t *testing.T) {
			c, _ := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
				return protocol.NewErrorResponse(req.ID, tt.kind, "nope"), nil
			})

			_, err := c.Process(ctx, testImage(t, 2, 2, 3), operation.Sepia, nil)
			requireKind(t, err, tt.want)

			var remoteErr *protocol.RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, "nope", remoteErr.Message)
			assert.Equal(t, Connected, c.State())
		})
	}

	badResults := map[string]func(req *protocol.Request) *imagebuf.ImageBuffer{
		"no image": func(req *protocol.Request) *imagebuf.ImageBuffer { return nil },
		"wrong channels": func(req *protocol.Request) *imagebuf.ImageBuffer {
			img, _ := imagebuf.New(req.Image.Width, req.Image.Height, 1)
			return img
		},
		"wrong dimensions": func(req *protocol.Request) *imagebuf.ImageBuffer {
			img, _ := imagebuf.New(req.Image.Width+1, req.Image.Height, req.Image.Channels)
			return img
		},
		"inconsistent pixels": func(req *protocol.Request) *imagebuf.ImageBuffer {
			return &imagebuf.ImageBuffer{Width: req.Image.Width, Height: req.Image.Height, Channels: req.Image.Channels, Pix: []byte{1}}
		},
	}

	for name, result := range badResults {
		t.Run("shape mismatch "+name, func(t *testing.T) {
			c, _ := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
				return protocol.NewSuccessResponse(req.ID, result(req)), nil
			})

			_, err := c.Process(ctx, testImage(t, 3, 3, 3), operation.Blur, nil)
			requireKind(t, err, KindProcessing)
			assert.Equal(t, Connected, c.State())
		})
	}

	t.Run("resize result must match requested size", func(t *testing.T) {
		c, _ := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			return protocol.NewSuccessResponse(req.ID, req.Image.Clone()), nil
		})

		_, err := c.Process(ctx, testImage(t, 3, 3, 3), operation.Resize, operation.Params{"width": 6, "height": 6})
		requireKind(t, err, KindProcessing)
	})
}

func TestClient_Process_ConcurrentUse(t *testing.T) {
	release := make(chan struct{})
	c, ft := connectedClient(t, func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		<-release
		return respond(ctx, req)
	})

	img := testImage(t, 2, 2, 3)
	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = c.Process(context.Background(), img, operation.Sepia, nil)
	}()

	require.Eventually(t, func() bool { return ft.handle.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := c.Process(context.Background(), testImage(t, 2, 2, 3), operation.Sepia, nil)
	requireKind(t, err, KindConcurrentUse)
	assert.ErrorIs(t, err, ErrConcurrentUse)

	close(release)
	wg.Wait()
	assert.NoError(t, firstErr)
	assert.Equal(t, int32(1), ft.handle.calls.Load())
	assert.Equal(t, Connected, c.State())

	// slot is free again
	_, err = c.Process(context.Background(), testImage(t, 2, 2, 3), operation.Sepia, nil)
	assert.NoError(t, err)
}

func TestClient_ResultCache(t *testing.T) {
	ctx := context.Background()
	results := cacher.NewMemoryCacher[*imagebuf.ImageBuffer](cache.NoExpiration, time.Minute)
	c, ft := connectedClient(t, respond, WithResultCache(results, time.Minute))

	img := testImage(t, 4, 4, 3)
	first, err := c.Process(ctx, img, operation.Blur, operation.Params{"kernel_size": 3})
	require.NoError(t, err)

	second, err := c.Process(ctx, img.Clone(), operation.Blur, operation.Params{"kernel_size": 3.0})
	require.NoError(t, err)

	assert.Equal(t, int32(1), ft.handle.calls.Load())
	assert.True(t, first.Equal(second))
	assert.NotSame(t, first, second)

	second.Pix[0]++
	third, err := c.Process(ctx, img, operation.Blur, operation.Params{"kernel_size": 3})
	require.NoError(t, err)
	assert.True(t, first.Equal(third), "callers must not share cached buffers")

	t.Run("different params miss", func(t *testing.T) {
		_, err := c.Process(ctx, img, operation.Blur, operation.Params{"kernel_size": 5})
		require.NoError(t, err)
		assert.Equal(t, int32(2), ft.handle.calls.Load())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		ft.handle.roundTrip = func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			return protocol.NewErrorResponse(req.ID, protocol.ErrorKindProcessingFailed, "busy"), nil
		}
		other := testImage(t, 2, 2, 3)
		_, err := c.Process(ctx, other, operation.Sepia, nil)
		requireKind(t, err, KindProcessing)

		ft.handle.roundTrip = respond
		_, err = c.Process(ctx, other, operation.Sepia, nil)
		assert.NoError(t, err)
	})

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.CacheHits)
}

func TestClient_SharedResultCache(t *testing.T) {
	ctx := context.Background()
	results := cacher.NewMemoryCacher[*imagebuf.ImageBuffer](cache.NoExpiration, time.Minute)

	slow, slowTransport := connectedClient(t, blockUntilDone,
		WithRequestTimeout(100*time.Millisecond), WithResultCache(results, time.Minute))
	fast, fastTransport := connectedClient(t, respond,
		WithRequestTimeout(5*time.Second), WithResultCache(results, time.Minute))

	img := testImage(t, 3, 3, 3)

	slowErr := make(chan error, 1)
	go func() {
		_, err := slow.Process(ctx, img, operation.Sepia, nil)
		slowErr <- err
	}()
	require.Eventually(t, func() bool { return slowTransport.handle.calls.Load() == 1 },
		time.Second, time.Millisecond)

	out, err := fast.Process(ctx, img, operation.Sepia, nil)
	require.NoError(t, err)
	assert.True(t, img.Equal(out))
	assert.Equal(t, int32(1), fastTransport.handle.calls.Load())
	assert.Equal(t, Connected, fast.State())
	assert.Equal(t, uint64(0), fast.Stats().CacheHits)

	requireKind(t, <-slowErr, KindTimeout)
	assert.Equal(t, Disconnected, slow.State())

	t.Run("later callers hit the stored result", func(t *testing.T) {
		_, err := fast.Process(ctx, img, operation.Sepia, nil)
		require.NoError(t, err)
		assert.Equal(t, int32(1), fastTransport.handle.calls.Load())
		assert.Equal(t, uint64(1), fast.Stats().CacheHits)
	})
}

func TestClient_OnStateChange(t *testing.T) {
	events := make(chan StateEvent, 4)
	c, _ := newFakeClient(blockUntilDone, WithRequestTimeout(10*time.Millisecond))
	c.OnStateChange(func(e StateEvent) { events <- e })

	conn, err := c.Connect(context.Background(), "render:7400")
	require.NoError(t, err)

	next := func() StateEvent {
		select {
		case e := <-events:
			return e
		case <-time.After(time.Second):
			t.Fatal("no state event")
			return StateEvent{}
		}
	}

	e := next()
	assert.Equal(t, Connected, e.State)
	assert.Equal(t, conn.ID, e.ConnectionID)
	assert.Empty(t, e.Reason)

	_, err = c.Process(context.Background(), testImage(t, 1, 1, 3), operation.Sepia, nil)
	requireKind(t, err, KindTimeout)

	e = next()
	assert.Equal(t, Disconnected, e.State)
	assert.Equal(t, "timeout", e.Reason)
	assert.Equal(t, "render:7400", e.Endpoint)
}

func TestClient_Stats(t *testing.T) {
	c, _ := connectedClient(t, respond)
	for i := 0; i < 3; i++ {
		_, err := c.Process(context.Background(), testImage(t, 2, 2, 3), operation.Sepia, nil)
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(3), stats.Succeeded)
	assert.Equal(t, uint64(0), stats.Failed)
	assert.GreaterOrEqual(t, stats.LastLatency, time.Duration(0))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Unknown", State(42).String())
}
