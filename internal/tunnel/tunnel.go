// Package tunnel pairs two independently opened websocket connections that
// share a call key and relays frames between them unmodified.
//
// One side is the telephony provider's media stream, the other a proxy
// connection from the process that runs the realtime bridge. Whichever side
// arrives first waits for the other. At most one connection occupies a side
// of a key: a newcomer replaces the occupant, which is closed, and the peer
// on the other side relays to the newcomer from then on. When an occupant
// disconnects, the other side is closed and the key is removed.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/internal/observe"
)

// Side is one end of a pairing.
type Side int

const (
	SideMedia Side = iota
	SideProxy
)

func (s Side) String() string {
	if s == SideMedia {
		return "media"
	}
	return "proxy"
}

func (s Side) other() Side { return 1 - s }

// DefaultWaitTimeout bounds how long the first peer waits for the second.
const DefaultWaitTimeout = 30 * time.Second

// readLimit matches the realtime bridge; media frames are small but
// custom parameters and marks can add up.
const readLimit = 1 << 20

// ErrPeerTimeout is returned by [Hub.Attach] when the other side never
// arrived.
var ErrPeerTimeout = errors.New("tunnel: peer did not connect")

// Conn is one websocket. *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Conn = (*websocket.Conn)(nil)

type peer struct {
	conn Conn

	// stopWait ends the peer's wait for the other side.
	stopWait context.CancelFunc
}

type pairing struct {
	peers [2]*peer
	ready *Event
}

// Hub holds the pairing table. It is safe for concurrent use.
type Hub struct {
	mu    sync.Mutex
	pairs map[string]*pairing

	waitTimeout time.Duration
	metrics     *observe.Metrics
}

// Option configures a [Hub].
type Option func(*Hub)

// WithWaitTimeout overrides [DefaultWaitTimeout].
func WithWaitTimeout(d time.Duration) Option {
	return func(h *Hub) { h.waitTimeout = d }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		pairs:       make(map[string]*pairing),
		waitTimeout: DefaultWaitTimeout,
		metrics:     observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Attach places conn on side of key and relays its frames to the other side
// until conn closes. It returns nil when the session ended normally or conn
// was replaced by a newer connection.
func (h *Hub) Attach(ctx context.Context, key string, side Side, conn Conn) error {
	ctx = observe.WithAttrs(ctx, "call", key, "side", side.String())
	log := observe.Logger(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, h.waitTimeout)
	me := &peer{conn: conn, stopWait: cancel}
	ready, old := h.join(key, side, me)
	if old != nil {
		log.Info("replacing tunnel peer")
		old.stopWait()
		old.conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
	h.metrics.TunnelPeers.Add(ctx, 1)
	defer h.metrics.TunnelPeers.Add(context.WithoutCancel(ctx), -1)

	err := ready.Wait(waitCtx)
	cancel()
	if err != nil {
		if ok, _ := h.leave(key, side, me, false); !ok {
			return nil
		}
		conn.Close(websocket.StatusTryAgainLater, "peer did not connect")
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("tunnel peer timed out")
		return ErrPeerTimeout
	}
	if !h.occupies(key, side, me) {
		return nil
	}
	log.Debug("tunnel paired")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			ok, other := h.leave(key, side, me, true)
			if other != nil {
				other.conn.Close(websocket.StatusNormalClosure, "peer disconnected")
			}
			if !ok || closedNormally(ctx, err) {
				return nil
			}
			return fmt.Errorf("tunnel: read %s: %w", side, err)
		}
		other := h.peer(key, side.other())
		if other == nil {
			continue
		}
		if err := other.conn.Write(ctx, typ, data); err != nil {
			log.Debug("dropping frame for closed peer", "err", err)
		}
	}
}

// join installs me on side of key. It returns the pairing's ready event and
// the previous occupant, which the caller closes.
func (h *Hub) join(key string, side Side, me *peer) (*Event, *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pairs[key]
	if !ok {
		p = &pairing{ready: NewEvent()}
		h.pairs[key] = p
	}
	old := p.peers[side]
	p.peers[side] = me
	if p.peers[side.other()] != nil {
		p.ready.Set()
	} else {
		p.ready.Clear()
	}
	return p.ready, old
}

// leave removes me if it still occupies its side and reports whether it
// did. With teardown the key is dropped and the other side's peer returned
// for the caller to close; otherwise only me is removed.
func (h *Hub) leave(key string, side Side, me *peer, teardown bool) (bool, *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pairs[key]
	if !ok || p.peers[side] != me {
		return false, nil
	}
	if !teardown {
		p.peers[side] = nil
		p.ready.Clear()
		if p.peers[side.other()] == nil {
			delete(h.pairs, key)
		}
		return true, nil
	}
	delete(h.pairs, key)
	return true, p.peers[side.other()]
}

func (h *Hub) occupies(key string, side Side, me *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pairs[key]
	return ok && p.peers[side] == me
}

func (h *Hub) peer(key string, side Side) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pairs[key]; ok {
		return p.peers[side]
	}
	return nil
}

// Len returns the number of keys with at least one peer.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pairs)
}

// Handler accepts websockets for side. The call key is the "call" path
// value, e.g. from the pattern "GET /ws/media/{call}".
func (h *Hub) Handler(side Side) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("call")
		if key == "" {
			http.Error(w, "missing call key", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			observe.Logger(r.Context()).Warn("tunnel: accept failed", "err", err)
			return
		}
		conn.SetReadLimit(readLimit)
		if err := h.Attach(r.Context(), key, side, conn); err != nil {
			observe.ReportError(r.Context(), "tunnel", err, "call", key)
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})
}

// Dial opens the proxy side of key on the tunnel at base, e.g.
// "wss://voice.example.com". The realtime bridge runs on the returned
// connection.
func Dial(ctx context.Context, base, key string) (*websocket.Conn, error) {
	u := strings.TrimSuffix(base, "/") + "/ws/proxy/" + key
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("tunnel: dial %s: %w", key, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func closedNormally(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, io.EOF)
}
