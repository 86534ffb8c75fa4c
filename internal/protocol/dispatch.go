package protocol

import "sync"

// HandlerFunc consumes one decoded message.
type HandlerFunc func(Message)

// Dispatcher routes decoded messages to handlers by command name.
// Names without a handler are ignored.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for name, replacing any previous handler.
func (d *Dispatcher) Handle(name string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = fn
}

// Dispatch calls the handler registered for m.Name and reports whether one existed.
func (d *Dispatcher) Dispatch(m Message) bool {
	d.mu.RLock()
	fn, ok := d.handlers[m.Name]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	fn(m)
	return true
}
