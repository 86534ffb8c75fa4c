package link

import (
	"sync"
	"sync/atomic"

	"github.com/meshcommons/backendlink/internal/protocol"
)

// Handler receives session lifecycle notifications. Calls are serialized,
// delivered in order on a goroutine owned by the session and never made while
// the session lock is held, so a handler may call back into the session.
type Handler interface {
	OnConnectedTCP()
	OnPortListReceived()
	OnConnectingDevice()
	OnFullyConnected()
	ConnectionLost(reason LostReason)
}

// TrafficObserver is an optional Handler extension for raw and decoded traffic.
type TrafficObserver interface {
	RawFromBackend(line string)
	RawToBackend(line string)
	Decoded(msg protocol.Message)
}

// NopHandler ignores every notification. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) OnConnectedTCP()           {}
func (NopHandler) OnPortListReceived()       {}
func (NopHandler) OnConnectingDevice()       {}
func (NopHandler) OnFullyConnected()         {}
func (NopHandler) ConnectionLost(LostReason) {}

// notifier delivers handler calls queued under the session lock. A single
// delivery goroutine runs them one at a time and in order; it is started on
// demand and exits once the queue is empty. No session goroutine ever runs a
// callback itself, so the reader and the watchdogs never wait on a handler.
type notifier struct {
	h Handler

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []func(Handler)
	running   bool
	pushed    uint64
	delivered uint64

	inCallback atomic.Bool
}

func newNotifier(h Handler) *notifier {
	n := &notifier{h: h}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) push(fn func(Handler)) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.pushed++
	if !n.running {
		n.running = true
		go n.deliver()
	}
	n.mu.Unlock()
}

func (n *notifier) deliver() {
	n.mu.Lock()
	for len(n.queue) > 0 {
		fn := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()

		n.inCallback.Store(true)
		fn(n.h)
		n.inCallback.Store(false)

		n.mu.Lock()
		n.delivered++
		n.cond.Broadcast()
	}
	n.running = false
	n.mu.Unlock()
}

// settle waits until every call queued so far has been delivered. While a
// callback is running it returns at once: the caller may be that callback,
// and later calls cannot overtake the running one anyway.
func (n *notifier) settle() {
	if n.inCallback.Load() {
		return
	}
	n.mu.Lock()
	target := n.pushed
	for n.delivered < target {
		n.cond.Wait()
	}
	n.mu.Unlock()
}
