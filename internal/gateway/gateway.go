// Package gateway turns session notifications into journal rows, backend
// directory updates and events on the EventBus.
package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/directory"
	"github.com/meshcommons/backendlink/internal/link"
	"github.com/meshcommons/backendlink/internal/protocol"
	"github.com/meshcommons/backendlink/internal/store"
)

// Journal is where the gateway appends lifecycle events.
type Journal interface {
	InsertEvent(e *store.Event) (int64, error)
}

// Source describes the session the gateway is attached to.
type Source interface {
	Descriptor() link.Descriptor
	Attempt() string
	State() link.State
}

// StateChange is the payload of EventState and EventLost events.
type StateChange struct {
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Attempt    string `json:"attempt,omitempty"`
	Descriptor string `json:"descriptor"`
}

// Traffic is the payload of EventTraffic events.
type Traffic struct {
	Direction string `json:"direction"` // "in" | "out"
	Line      string `json:"line"`
}

// Gateway implements link.Handler and link.TrafficObserver.
type Gateway struct {
	journal Journal
	dir     *directory.Manager
	bus     *EventBus
	log     *zap.Logger
	traffic bool

	mu  sync.RWMutex
	src Source
}

var (
	_ link.Handler         = (*Gateway)(nil)
	_ link.TrafficObserver = (*Gateway)(nil)
)

// New constructs a Gateway. With traffic set, every raw line is published.
func New(journal Journal, dir *directory.Manager, bus *EventBus, log *zap.Logger, traffic bool) *Gateway {
	return &Gateway{journal: journal, dir: dir, bus: bus, log: log, traffic: traffic}
}

// Bind attaches the session whose notifications the gateway receives.
func (g *Gateway) Bind(src Source) {
	g.mu.Lock()
	g.src = src
	g.mu.Unlock()
}

// Bus returns the bus events are published on.
func (g *Gateway) Bus() *EventBus { return g.bus }

// ── link.Handler ──────────────────────────────────────────────────────────

func (g *Gateway) OnConnectedTCP()     { g.record(link.StateConnectedTCP, nil) }
func (g *Gateway) OnPortListReceived() { g.record(link.StatePortListReceived, nil) }
func (g *Gateway) OnConnectingDevice() { g.record(link.StateConnectingDevice, nil) }
func (g *Gateway) OnFullyConnected()   { g.record(link.StateFullyConnected, nil) }

func (g *Gateway) ConnectionLost(reason link.LostReason) {
	src := g.source()
	st := link.StateUnconnected
	if !reason.EndsSession() && src != nil {
		// A rejected connect leaves the running session untouched.
		st = src.State()
	}
	g.record(st, &reason)

	if reason.Voluntary() || reason.Kind == link.ReasonAlreadyConnected || src == nil {
		return
	}
	d := src.Descriptor()
	if err := g.dir.Unavailable(d.Host, d.TCPPort); err != nil {
		g.log.Warn("gateway: mark backend unavailable", zap.Error(err))
	}
}

// ── link.TrafficObserver ──────────────────────────────────────────────────

func (g *Gateway) RawFromBackend(line string) {
	if g.traffic {
		g.bus.Publish(Event{Type: EventTraffic, Data: Traffic{Direction: "in", Line: line}})
	}
}

func (g *Gateway) RawToBackend(line string) {
	if g.traffic {
		g.bus.Publish(Event{Type: EventTraffic, Data: Traffic{Direction: "out", Line: line}})
	}
}

func (g *Gateway) Decoded(msg protocol.Message) {
	if msg.Name != protocol.EvtBackend {
		return
	}
	a, err := protocol.DecodeAnnouncement(msg)
	if err != nil {
		return
	}
	if src := g.source(); src != nil {
		d := src.Descriptor()
		if err := g.dir.Announced(d.Host, d.TCPPort, a); err != nil {
			g.log.Warn("gateway: record announcement", zap.Error(err))
		}
	}
	g.bus.Publish(Event{Type: EventAnnouncement, Data: a})
}

// ── internal ──────────────────────────────────────────────────────────────

func (g *Gateway) source() Source {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.src
}

func (g *Gateway) record(st link.State, reason *link.LostReason) {
	now := time.Now().UTC()
	e := &store.Event{Kind: "state", State: st.String(), At: now}
	change := StateChange{State: st.String()}
	typ := EventState
	if reason != nil {
		typ = EventLost
		e.Kind = string(EventLost)
		e.Reason = reason.Kind.String()
		e.Detail = reason.Detail
		change.Reason = reason.String()
	}
	if src := g.source(); src != nil {
		e.Attempt = src.Attempt()
		e.Descriptor = src.Descriptor().String()
		change.Attempt = e.Attempt
		change.Descriptor = e.Descriptor
	}

	if _, err := g.journal.InsertEvent(e); err != nil {
		g.log.Warn("gateway: journal event", zap.Error(err), zap.String("state", e.State))
	}
	g.bus.Publish(Event{Type: typ, Timestamp: now, Data: change})
}
