package bus

import "sync"

// Handler receives an emitted payload.
type Handler func(payload any)

type registration struct {
	id   uint64
	fn   Handler
	once bool
}

// Emitter dispatches payloads to handlers registered per event type.
// Handlers for one type run synchronously in registration order; no ordering
// is guaranteed across types.
type Emitter struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]*registration
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]*registration)}
}

// On registers a handler for the event type and returns its unsubscribe func.
func (e *Emitter) On(eventType string, fn Handler) (off func()) {
	return e.register(eventType, fn, false)
}

// Once registers a handler that is removed after its first invocation.
func (e *Emitter) Once(eventType string, fn Handler) (off func()) {
	return e.register(eventType, fn, true)
}

// Off removes all handlers for the event type. Individual handlers are
// removed through the unsubscribe func returned by On/Once.
func (e *Emitter) Off(eventType string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.handlers, eventType)
	e.mu.Unlock()
}

// Emit invokes the handlers registered for the event type in registration
// order. Emitting a type with no handlers is a no-op.
func (e *Emitter) Emit(eventType string, payload any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	regs := e.handlers[eventType]
	if len(regs) == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := make([]*registration, len(regs))
	copy(snapshot, regs)
	kept := regs[:0]
	for _, reg := range regs {
		if !reg.once {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(e.handlers, eventType)
	} else {
		e.handlers[eventType] = kept
	}
	e.mu.Unlock()

	for _, reg := range snapshot {
		reg.fn(payload)
	}
}

// HandlerCount returns the number of handlers registered for the event type.
func (e *Emitter) HandlerCount(eventType string) int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	n := len(e.handlers[eventType])
	e.mu.Unlock()
	return n
}

func (e *Emitter) register(eventType string, fn Handler, once bool) func() {
	if e == nil || fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	reg := &registration{id: e.nextID, fn: fn, once: once}
	e.handlers[eventType] = append(e.handlers[eventType], reg)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.handlers[eventType]
		for i, existing := range list {
			if existing.id == reg.id {
				list = append(list[:i], list[i+1:]...)
				if len(list) == 0 {
					delete(e.handlers, eventType)
				} else {
					e.handlers[eventType] = list
				}
				return
			}
		}
	}
}
