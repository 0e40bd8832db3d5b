package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/relaybot/mediarelay/internal/events"
)

// Gate is the download admission gate. It blocks admission while the
// wifi-only policy is on and the network is reported metered. Gates
// are consulted between tasks, never mid-download.
type Gate struct {
	mu       sync.Mutex
	wifiOnly bool
	metered  bool
	open     chan struct{}
	bus      *events.Bus
}

func NewGate(wifiOnly bool, bus *events.Bus) *Gate {
	g := &Gate{wifiOnly: wifiOnly, bus: bus, open: make(chan struct{})}
	close(g.open)
	return g
}

// Wait blocks until admission is allowed or ctx is canceled. Plugged
// into the download stage as its queue.GateFunc.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.open
		g.mu.Unlock()
		select {
		case <-ch:
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			return nil
		}
	}
}

// SetWifiOnly toggles the policy at runtime.
func (g *Gate) SetWifiOnly(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wifiOnly = on
	g.recomputeLocked()
}

// SetMetered records the reported network state.
func (g *Gate) SetMetered(metered bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metered = metered
	g.recomputeLocked()
}

// Blocked reports whether admission is currently paused.
func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		return false
	default:
		return true
	}
}

func (g *Gate) recomputeLocked() {
	blocked := g.wifiOnly && g.metered
	select {
	case <-g.open:
		if blocked {
			g.open = make(chan struct{})
			g.publish(events.EventPaused)
		}
	default:
		if !blocked {
			close(g.open)
			g.publish(events.EventResumed)
		}
	}
}

func (g *Gate) publish(typ events.EventType) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.PauseEvent{
		BaseEvent: events.BaseEvent{EventType: typ, Time: time.Now()},
		Stage:     "download",
		Reason:    "wifi-only",
	})
}

// AuthGate pauses the upload stage after a credential rejection. The
// rejected task stays at the head of the queue; the gate reopens only
// on an operator signal, so nothing is retried against a dead
// credential.
type AuthGate struct {
	mu   sync.Mutex
	open chan struct{}
	bus  *events.Bus
}

func NewAuthGate(bus *events.Bus) *AuthGate {
	g := &AuthGate{bus: bus, open: make(chan struct{})}
	close(g.open)
	return g
}

// Wait blocks while the stage is paused. Plugged into the upload stage
// as its queue.GateFunc.
func (g *AuthGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Pause closes the gate. Wired as the upload worker's OnAuth hook.
func (g *AuthGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
		g.publish(events.EventPaused)
	default:
	}
}

// Resume reopens the gate after the operator has renewed the
// credential.
func (g *AuthGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
		g.publish(events.EventResumed)
	}
}

// Blocked reports whether uploads are currently paused.
func (g *AuthGate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		return false
	default:
		return true
	}
}

func (g *AuthGate) publish(typ events.EventType) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.PauseEvent{
		BaseEvent: events.BaseEvent{EventType: typ, Time: time.Now()},
		Stage:     "upload",
		Reason:    "auth",
	})
}
