package ble

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventStateChanged reports a ConnectionState transition.
	EventStateChanged EventKind = iota
	// EventFailure reports a PermissionDenied or TransportFailure.
	EventFailure
	// EventAnomaly reports a non-fatal PreconditionViolation or
	// MalformedDiscovery.
	EventAnomaly
	// EventAdvisory reports that the calibration probe exceeded the
	// configured threshold. Caller-facing readiness is withheld.
	EventAdvisory
	// EventCleared reports that the machine is Ready and no advisory is
	// pending.
	EventCleared
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventFailure:
		return "failure"
	case EventAnomaly:
		return "anomaly"
	case EventAdvisory:
		return "advisory"
	case EventCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// MarshalText lets EventKind appear by name in JSON.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Advisory is the result of a calibration probe that exceeded its threshold.
type Advisory struct {
	Channel   string  `json:"channel"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Event is emitted to external collaborators (UI, logging, service managers).
type Event struct {
	Kind     EventKind
	Time     time.Time
	State    State     // new state, for EventStateChanged
	Previous State     // old state, for EventStateChanged
	Err      error     // for EventFailure and EventAnomaly
	Advisory *Advisory // for EventAdvisory
}

// Emitter fans events out to any number of listeners. It is owned by one
// Machine and closed with it.
type Emitter struct {
	mu        sync.Mutex
	listeners map[int]chan Event
	next      int
	closed    bool
}

// NewEmitter returns an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[int]chan Event)}
}

// Listen registers a listener with the given queue size. The returned cancel
// func removes it and closes the channel; it is safe to call more than once.
// A listener whose queue is full misses events rather than stalling the
// machine.
func (e *Emitter) Listen(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.next
	e.next++
	e.listeners[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if l, ok := e.listeners[id]; ok {
			delete(e.listeners, id)
			close(l)
		}
	}
}

// Emit delivers ev to every listener without blocking.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.listeners {
		select {
		case l <- ev:
		default:
			slog.Warn("[BLE] event listener full, dropping event", "kind", ev.Kind)
		}
	}
}

// Close closes every listener channel. Later Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, l := range e.listeners {
		delete(e.listeners, id)
		close(l)
	}
}
