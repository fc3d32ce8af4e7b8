package tunnel

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startHub(t *testing.T, opts ...Option) (*Hub, string) {
	t.Helper()
	h := NewHub(opts...)
	mux := http.NewServeMux()
	mux.Handle("GET /ws/media/{call}", h.Handler(SideMedia))
	mux.Handle("GET /ws/proxy/{call}", h.Handler(SideProxy))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialMedia(t *testing.T, base, key string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, base+"/ws/media/"+key, nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func dialProxy(t *testing.T, base, key string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, base, key)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func write(t *testing.T, c *websocket.Conn, typ websocket.MessageType, p []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Write(ctx, typ, p); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expect(t *testing.T, c *websocket.Conn, typ websocket.MessageType, want []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	gotTyp, got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if gotTyp != typ || !bytes.Equal(got, want) {
		t.Errorf("frame = %v %q, want %v %q", gotTyp, got, typ, want)
	}
}

// expectClosed reads until the connection fails and returns its close
// status.
func expectClosed(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := c.Read(ctx); err != nil {
			if ctx.Err() != nil {
				t.Fatal("connection was not closed")
			}
			return websocket.CloseStatus(err)
		}
	}
}

func waitLen(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d keys, want %d", h.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_RelaysBothWays(t *testing.T) {
	t.Parallel()
	h, base := startHub(t)

	media := dialMedia(t, base, "CA1")
	proxy := dialProxy(t, base, "CA1")

	start := []byte(`{"event":"start","start":{"callSid":"CA1"}}`)
	write(t, media, websocket.MessageText, start)
	expect(t, proxy, websocket.MessageText, start)

	write(t, proxy, websocket.MessageBinary, []byte{0xff, 0x7f, 0x00})
	expect(t, media, websocket.MessageBinary, []byte{0xff, 0x7f, 0x00})

	if h.Len() != 1 {
		t.Errorf("keys = %d, want 1", h.Len())
	}

	media.Close(websocket.StatusNormalClosure, "hangup")
	if code := expectClosed(t, proxy); code != websocket.StatusNormalClosure {
		t.Errorf("proxy close status = %v", code)
	}
	waitLen(t, h, 0)
}

func TestHub_ReconnectReplacesPrevious(t *testing.T) {
	t.Parallel()
	h, base := startHub(t)

	first := dialMedia(t, base, "CA1")
	proxy := dialProxy(t, base, "CA1")
	write(t, first, websocket.MessageText, []byte("from first"))
	expect(t, proxy, websocket.MessageText, []byte("from first"))

	second := dialMedia(t, base, "CA1")
	if code := expectClosed(t, first); code != websocket.StatusPolicyViolation {
		t.Errorf("first close status = %v, want policy violation", code)
	}

	write(t, proxy, websocket.MessageText, []byte("to newcomer"))
	expect(t, second, websocket.MessageText, []byte("to newcomer"))
	write(t, second, websocket.MessageText, []byte("from second"))
	expect(t, proxy, websocket.MessageText, []byte("from second"))

	if h.Len() != 1 {
		t.Errorf("keys = %d, want 1", h.Len())
	}

	second.Close(websocket.StatusNormalClosure, "")
	expectClosed(t, proxy)
	waitLen(t, h, 0)
}

// idleConn is a tunnel side that sends nothing until it is closed.
type idleConn struct {
	once   sync.Once
	closed chan struct{}
}

func newIdleConn() *idleConn { return &idleConn{closed: make(chan struct{})} }

func (c *idleConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, websocket.CloseError{Code: websocket.StatusPolicyViolation}
	}
}

func (c *idleConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (c *idleConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestHub_ReplacedWaitingPeerReturns(t *testing.T) {
	t.Parallel()
	h := NewHub(WithWaitTimeout(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newIdleConn()
	firstDone := make(chan error, 1)
	go func() { firstDone <- h.Attach(ctx, "CA1", SideProxy, first) }()
	waitLen(t, h, 1)

	secondDone := make(chan error, 1)
	go func() { secondDone <- h.Attach(ctx, "CA1", SideProxy, newIdleConn()) }()

	select {
	case err := <-firstDone:
		if err != nil {
			t.Errorf("replaced Attach() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replaced peer still waiting for its partner")
	}
	select {
	case <-first.closed:
	default:
		t.Error("replaced connection was not closed")
	}
	if h.Len() != 1 {
		t.Errorf("keys = %d, want 1", h.Len())
	}

	cancel()
	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return after cancel")
	}
	waitLen(t, h, 0)
}

func TestHub_PeerTimeout(t *testing.T) {
	t.Parallel()
	h, base := startHub(t, WithWaitTimeout(50*time.Millisecond))

	proxy := dialProxy(t, base, "CA1")
	if code := expectClosed(t, proxy); code != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want try again later", code)
	}
	waitLen(t, h, 0)
}

func TestHandler_RequiresKey(t *testing.T) {
	t.Parallel()
	h := NewHub()
	rec := httptest.NewRecorder()
	h.Handler(SideMedia).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/media/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEvent(t *testing.T) {
	t.Parallel()
	e := NewEvent()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx); err == nil {
		t.Fatal("Wait on a cleared event should time out")
	}

	released := make(chan struct{})
	go func() {
		_ = e.Wait(context.Background())
		close(released)
	}()
	e.Set()
	e.Set()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Set did not release the waiter")
	}
	if !e.IsSet() {
		t.Error("IsSet = false after Set")
	}

	e.Clear()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if err := e.Wait(ctx2); err == nil {
		t.Error("Wait after Clear should block")
	}
}
