package gateway

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/backendlink/internal/directory"
	"github.com/meshcommons/backendlink/internal/link"
	"github.com/meshcommons/backendlink/internal/protocol"
	"github.com/meshcommons/backendlink/internal/store"
)

type fakeSource struct {
	d     link.Descriptor
	state link.State
}

func (f *fakeSource) Descriptor() link.Descriptor { return f.d }
func (f *fakeSource) Attempt() string             { return "attempt-1" }
func (f *fakeSource) State() link.State           { return f.state }

func newTestGateway(t *testing.T) (*Gateway, *store.Memory, *directory.Manager) {
	t.Helper()
	journal := store.NewMemory(0)
	dir, err := directory.New(journal, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	g := New(journal, dir, NewEventBus(8), zaptest.NewLogger(t), true)
	g.Bind(&fakeSource{d: link.Descriptor{Host: "h", TCPPort: 7000, DevicePort: "A"}, state: link.StateFullyConnected})
	return g, journal, dir
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return Event{}
	}
}

func TestGatewayJournalsLifecycle(t *testing.T) {
	g, journal, _ := newTestGateway(t)
	ch, unsub := g.Bus().Subscribe()
	defer unsub()

	g.OnConnectedTCP()
	g.ConnectionLost(link.Reason(link.ReasonPortlistTimeout))

	if e := recv(t, ch); e.Type != EventState || e.Data.(StateChange).State != "connected_tcp" {
		t.Fatalf("first event = %+v", e)
	}
	lost := recv(t, ch)
	if lost.Type != EventLost || lost.Data.(StateChange).Reason != "portlist_timeout" {
		t.Fatalf("second event = %+v", lost)
	}

	rows, _ := journal.ListEvents(10)
	if len(rows) != 2 {
		t.Fatalf("journal rows = %d", len(rows))
	}
	if r := rows[0]; r.Kind != "connection_lost" || r.State != "unconnected" || r.Reason != "portlist_timeout" || r.Attempt != "attempt-1" || r.Descriptor != "h:7000:A" {
		t.Fatalf("lost row = %+v", r)
	}
}

func TestGatewayDirectoryAvailability(t *testing.T) {
	g, _, dir := newTestGateway(t)

	a := protocol.Announcement{ProtocolVersion: 5, Ports: []protocol.Port{{ID: "A", Compatible: true}}}
	g.Decoded(protocol.Message{Name: protocol.EvtBackend, Args: protocol.AnnouncementArgs(a)})
	if b, ok := dir.Get("h", 7000); !ok || !b.Available {
		t.Fatalf("announced backend = %+v, %v", b, ok)
	}

	g.ConnectionLost(link.Reason(link.ReasonAlreadyConnected))
	g.ConnectionLost(link.Reason(link.ReasonUserDisconnected))
	if b, _ := dir.Get("h", 7000); !b.Available {
		t.Fatal("voluntary or already-connected loss marked the backend unavailable")
	}

	g.ConnectionLost(link.Reason(link.ReasonHeartbeatTimeout))
	if b, _ := dir.Get("h", 7000); b.Available {
		t.Fatal("heartbeat timeout left the backend available")
	}
}

func TestEventBusDropsSlowConsumers(t *testing.T) {
	bus := NewEventBus(1)
	ch, unsub := bus.Subscribe()
	bus.Publish(Event{Type: EventTraffic})
	bus.Publish(Event{Type: EventTraffic})
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	unsub()
	unsub()
	if bus.Len() != 0 {
		t.Fatalf("Len() = %d after unsubscribe", bus.Len())
	}
}

func TestGatewayJournalsReplacedSessionAsUnconnected(t *testing.T) {
	g, journal, _ := newTestGateway(t)

	g.ConnectionLost(link.Reason(link.ReasonAlreadyConnected))
	g.ConnectionLost(link.LostReason{Kind: link.ReasonAlreadyConnected, Detail: link.DetailReplaced})

	rows, _ := journal.ListEvents(10)
	if len(rows) != 2 {
		t.Fatalf("journal rows = %d", len(rows))
	}
	if rows[1].State != "fully_connected" {
		t.Fatalf("rejected connect journaled state %q, want the running session's", rows[1].State)
	}
	if rows[0].State != "unconnected" || rows[0].Detail != link.DetailReplaced {
		t.Fatalf("replaced session row = %+v", rows[0])
	}
}
