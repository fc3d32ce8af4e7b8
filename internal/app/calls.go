package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/internal/extension"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/ratelimit"
	"github.com/MrWong99/switchboard/internal/realtime"
)

// defaultHoldTimeout bounds how long a permit waits for its media stream.
const defaultHoldTimeout = 2 * time.Minute

var errStreamNeverConnected = errors.New("calls: media stream never connected")

// CallInfo holds metadata about an active realtime call.
type CallInfo struct {
	CallSID       string
	IntegrationID string
	Caller        string
	StartedAt     time.Time
}

// CallServer runs the realtime conversation of one call on its telephony
// socket. *realtime.Bridge satisfies it.
type CallServer interface {
	Serve(ctx context.Context, phone realtime.Socket) error
}

var (
	_ CallServer        = (*realtime.Bridge)(nil)
	_ realtime.Unbinder = (*extension.Router)(nil)
)

// ProxyDialer opens the bridge side of a call's tunnel.
type ProxyDialer func(ctx context.Context, callSID string) (realtime.Socket, error)

type activeCall struct {
	info   CallInfo
	cancel context.CancelFunc
	permit *ratelimit.Permit
}

// heldPermit is a permit of an answered call whose stream has not started.
type heldPermit struct {
	permit *ratelimit.Permit
	timer  *time.Timer
}

// CallManager manages the lifecycle of realtime calls. Each call runs in
// its own goroutine; a call SID is active at most once. All exported
// methods are safe for concurrent use.
type CallManager struct {
	mu     sync.Mutex
	active map[string]*activeCall
	held   map[string]*heldPermit
	closed bool
	wg     sync.WaitGroup

	server      CallServer
	dial        ProxyDialer
	now         func() time.Time
	holdTimeout time.Duration
}

// CallManagerConfig holds all dependencies for a [CallManager].
type CallManagerConfig struct {
	Server CallServer

	// Dial is required for [CallManager.Start]. Without it calls can only
	// be served on sockets accepted by the gateway itself.
	Dial ProxyDialer

	Now func() time.Time

	// HoldTimeout releases a held permit whose media stream never
	// connects. Defaults to two minutes.
	HoldTimeout time.Duration
}

// NewCallManager creates a CallManager with the given dependencies.
func NewCallManager(cfg CallManagerConfig) *CallManager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CallManager{
		active:      make(map[string]*activeCall),
		held:        make(map[string]*heldPermit),
		server:      cfg.Server,
		dial:        cfg.Dial,
		now:         now,
		holdTimeout: cmp.Or(cfg.HoldTimeout, defaultHoldTimeout),
	}
}

// Hold parks the rate-limit permit of an answered call until its media
// stream connects; the permit is then released when the call ends. A
// permit whose stream never connects is released after the hold timeout.
func (cm *CallManager) Hold(ctx context.Context, callSID string, p *ratelimit.Permit) {
	if p == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	hp := &heldPermit{permit: p}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		releasePermit(ctx, p, errStreamNeverConnected)
		return
	}
	prev := cm.held[callSID]
	cm.held[callSID] = hp
	hp.timer = time.AfterFunc(cm.holdTimeout, func() {
		cm.mu.Lock()
		expired := cm.held[callSID] == hp
		if expired {
			delete(cm.held, callSID)
		}
		cm.mu.Unlock()
		if expired {
			observe.Logger(ctx).Info("calls: media stream never connected", "call_sid", callSID)
			releasePermit(ctx, p, errStreamNeverConnected)
		}
	})
	cm.mu.Unlock()

	if prev != nil {
		prev.timer.Stop()
		releasePermit(ctx, prev.permit, nil)
	}
}

// takeHeld removes and returns the permit held for callSID. Must be called
// with cm.mu held.
func (cm *CallManager) takeHeld(callSID string) *ratelimit.Permit {
	hp, ok := cm.held[callSID]
	if !ok {
		return nil
	}
	delete(cm.held, callSID)
	hp.timer.Stop()
	return hp.permit
}

func releasePermit(ctx context.Context, p *ratelimit.Permit, runErr error) {
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if err := p.Release(ctx, runErr); err != nil {
		observe.Logger(ctx).Warn("calls: release permit", "err", err)
	}
}

// track registers info and returns the call's context and a release
// function that must be called with the call's outcome when it ends.
func (cm *CallManager) track(ctx context.Context, info CallInfo) (context.Context, func(error), error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, nil, fmt.Errorf("calls: shutting down")
	}
	if _, ok := cm.active[info.CallSID]; ok {
		return nil, nil, fmt.Errorf("calls: call %s is already active", info.CallSID)
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = cm.now()
	}
	bg := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)
	ac := &activeCall{info: info, cancel: cancel, permit: cm.takeHeld(info.CallSID)}
	cm.active[info.CallSID] = ac
	cm.wg.Add(1)

	release := func(runErr error) {
		cancel()
		if ac.permit != nil {
			releasePermit(bg, ac.permit, runErr)
		}
		cm.mu.Lock()
		if cm.active[info.CallSID] == ac {
			delete(cm.active, info.CallSID)
		}
		cm.mu.Unlock()
		cm.wg.Done()
	}
	return ctx, release, nil
}

// Start dials the proxy side of the call's tunnel and runs the bridge on
// it in the background. The call outlives ctx; it ends when either leg
// closes, on [CallManager.Stop] or on [CallManager.Shutdown].
func (cm *CallManager) Start(ctx context.Context, info CallInfo) error {
	if cm.dial == nil {
		return fmt.Errorf("calls: no proxy dialer configured")
	}
	callCtx, release, err := cm.track(context.WithoutCancel(ctx), info)
	if err != nil {
		return err
	}
	callCtx = observe.WithAttrs(callCtx, "call_sid", info.CallSID)

	go func() {
		var runErr error
		defer func() { release(runErr) }()
		phone, err := cm.dial(callCtx, info.CallSID)
		if err != nil {
			runErr = err
			observe.ReportError(callCtx, "calls", err)
			return
		}
		if runErr = cm.server.Serve(callCtx, phone); runErr != nil {
			observe.Logger(callCtx).Debug("calls: bridge ended with error", "err", runErr)
		}
	}()
	observe.Logger(callCtx).Info("calls: realtime call started", "integration", info.IntegrationID)
	return nil
}

// Serve runs the bridge on phone and blocks until the call ends.
func (cm *CallManager) Serve(ctx context.Context, info CallInfo, phone realtime.Socket) error {
	callCtx, release, err := cm.track(ctx, info)
	if err != nil {
		phone.Close(websocket.StatusTryAgainLater, "call already active")
		return err
	}
	err = cm.server.Serve(callCtx, phone)
	release(err)
	return err
}

// Stop ends the call with callSID. It reports whether the call was active.
func (cm *CallManager) Stop(callSID string) bool {
	cm.mu.Lock()
	ac, ok := cm.active[callSID]
	cm.mu.Unlock()
	if ok {
		ac.cancel()
	}
	return ok
}

// IsActive reports whether callSID is active.
func (cm *CallManager) IsActive(callSID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.active[callSID]
	return ok
}

// Active returns the active calls, oldest first.
func (cm *CallManager) Active() []CallInfo {
	cm.mu.Lock()
	out := make([]CallInfo, 0, len(cm.active))
	for _, ac := range cm.active {
		out = append(out, ac.info)
	}
	cm.mu.Unlock()
	slices.SortFunc(out, func(a, b CallInfo) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.CallSID, b.CallSID))
	})
	return out
}

// Shutdown ends every call and waits for them to finish or ctx to expire.
// No new calls are accepted afterwards.
func (cm *CallManager) Shutdown(ctx context.Context) error {
	cm.mu.Lock()
	cm.closed = true
	for _, ac := range cm.active {
		ac.cancel()
	}
	held := cm.held
	cm.held = make(map[string]*heldPermit)
	cm.mu.Unlock()

	for _, hp := range held {
		hp.timer.Stop()
		releasePermit(ctx, hp.permit, errStreamNeverConnected)
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("calls: shutdown: %w", ctx.Err())
	}
}
