package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blelink/internal/ble/codec"
)

// Options configures a Machine.
type Options struct {
	Service string // target service id; only its characteristics become channels

	Calibrate      bool          // run the frame-size + probe exchange after discovery
	FrameSize      int           // frame size requested while calibrating
	ProbeChannel   string        // notify channel read once while calibrating
	ProbeThreshold float64       // probe values above this raise an Advisory
	ProbeTimeout   time.Duration // bound on the probe wait
	OnAdvisory     func(Advisory)

	StreamBuffer int // per-subscriber notification queue

	Reconnect    bool // reconnect with backoff after link loss
	ReconnectMax int  // max reconnect backoff in seconds
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Service:        "0100",
		FrameSize:      DefaultFrameSize,
		ProbeChannel:   "0107",
		ProbeThreshold: 5,
		ProbeTimeout:   5 * time.Second,
		StreamBuffer:   64,
		ReconnectMax:   30,
	}
}

// Machine is the connection state machine for one peripheral address. It is
// the only object callers interact with; all state transitions are
// serialized behind mu.
type Machine struct {
	radio   Radio
	gate    PermissionGate
	address string
	opts    Options
	events  *Emitter

	mu             sync.Mutex
	state          State
	registry       *Registry
	epoch          uint64 // bumped by every connect attempt, disconnect and link loss
	authorizing    bool
	cleared        bool
	userDisconnect bool
	closed         bool

	reconnecting atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMachine creates a Machine for address and starts demultiplexing the
// radio's events. Call Close to release it.
func NewMachine(radio Radio, gate PermissionGate, address string, opts Options) (*Machine, error) {
	if radio == nil {
		return nil, errors.New("ble: radio must not be nil")
	}
	if gate == nil {
		return nil, errors.New("ble: permission gate must not be nil")
	}
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("ble: peripheral address must not be empty")
	}
	def := DefaultOptions()
	if opts.Service == "" {
		opts.Service = def.Service
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = def.FrameSize
	}
	if opts.ProbeChannel == "" {
		opts.ProbeChannel = def.ProbeChannel
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = def.StreamBuffer
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}

	m := &Machine{
		radio:   radio,
		gate:    gate,
		address: address,
		opts:    opts,
		events:  NewEmitter(),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.dispatch()
	return m, nil
}

// Address returns the peripheral address the machine drives.
func (m *Machine) Address() string { return m.address }

// State returns the current connection state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cleared reports whether the machine is Ready with no advisory pending.
func (m *Machine) Cleared() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Ready && m.cleared
}

// Listen subscribes to the machine's events. See Emitter.Listen.
func (m *Machine) Listen(buffer int) (<-chan Event, func()) {
	return m.events.Listen(buffer)
}

// Registry returns the current channel registry, nil while disconnected.
func (m *Machine) Registry() *Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry
}

// Channel returns the channel for a characteristic id.
func (m *Machine) Channel(id string) (*Channel, bool) {
	return m.Registry().Get(id)
}

// Channels returns every channel of the current registry.
func (m *Machine) Channels() []*Channel {
	return m.Registry().Channels()
}

// Connect runs the connection lifecycle: authorize, connect, discover,
// classify and, when enabled, calibrate. It returns once the machine is
// Ready or has settled back to Disconnected. A Connect issued while another
// is in progress is rejected with ErrPrecondition; failures are not retried.
func (m *Machine) Connect(ctx context.Context) error {
	return m.connect(ctx, true)
}

// connect runs one connection attempt. Reconnect attempts pass explicit
// false so a Disconnect issued between attempts is never overridden.
func (m *Machine) connect(ctx context.Context, explicit bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.anomaly(preconditionErr("connect", "", "machine is closed"))
	}
	if m.state != Disconnected || m.authorizing {
		st := m.state
		m.mu.Unlock()
		return m.anomaly(preconditionErr("connect", "", "connection already %s", st))
	}
	if !explicit && m.userDisconnect {
		m.mu.Unlock()
		return ErrAborted
	}
	m.authorizing = true
	m.userDisconnect = false
	e := m.epoch
	m.mu.Unlock()

	slog.Info("[BLE] connecting", "addr", m.address)
	granted, err := m.gate.Authorize(ctx, PermissionConnect)

	m.mu.Lock()
	m.authorizing = false
	if m.epoch != e || m.closed {
		m.mu.Unlock()
		return ErrAborted
	}
	if err != nil || !granted {
		m.mu.Unlock()
		opErr := &OpError{Op: "connect", Kind: ErrPermissionDenied, Err: err}
		m.failure(opErr)
		return opErr
	}
	m.epoch++
	e = m.epoch
	m.transition(Connecting)
	m.mu.Unlock()

	if err := m.radio.Connect(ctx, m.address); err != nil {
		return m.abort(ctx, e, transportErr("connect", "", err))
	}
	if !m.advance(e, Discovering) {
		m.abandon(ctx)
		return ErrAborted
	}

	infos, err := m.radio.Discover(ctx, m.address)
	if err != nil {
		return m.abort(ctx, e, transportErr("discover", "", err))
	}
	reg, malformed := classify(infos, m.opts.Service, &binding{
		radio:   m.radio,
		address: m.address,
		buffer:  m.opts.StreamBuffer,
		report:  m.report,
	})

	m.mu.Lock()
	if m.epoch != e {
		m.mu.Unlock()
		reg.discard()
		m.abandon(ctx)
		return ErrAborted
	}
	m.registry = reg
	if !m.opts.Calibrate {
		m.cleared = true
		m.transition(Ready)
	} else {
		m.transition(Calibrating)
	}
	m.mu.Unlock()

	slog.Info("[BLE] channels identified", "addr", m.address, "service", m.opts.Service, "count", reg.Len())
	if malformed > 0 {
		m.anomaly(&OpError{Op: "discover", Kind: ErrMalformedDiscovery,
			Err: fmt.Errorf("skipped %d of %d entries", malformed, len(infos))})
	}

	if !m.opts.Calibrate {
		m.events.Emit(Event{Kind: EventCleared})
		return nil
	}

	cleared := m.calibrate(ctx, reg)

	m.mu.Lock()
	if m.epoch != e {
		m.mu.Unlock()
		return ErrAborted
	}
	m.cleared = cleared
	m.transition(Ready)
	m.mu.Unlock()

	if cleared {
		m.events.Emit(Event{Kind: EventCleared})
	}
	return nil
}

// Disconnect tears the link down and discards the registry. It is honoured
// in every state; an in-flight Connect is abandoned. Disconnecting while not
// connected is reported as an anomaly, not an error.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	e := m.epoch
	m.userDisconnect = true
	if m.state != Disconnected {
		m.transition(Disconnecting)
	}
	m.mu.Unlock()

	return m.recover(ctx, e)
}

// Close disconnects if needed and stops the machine. The event stream is
// closed. Close is idempotent.
func (m *Machine) Close() error {
	var err error
	m.closeOnce.Do(func() {
		// closed is set first so an attempt still authorizing stops there.
		m.mu.Lock()
		m.closed = true
		m.userDisconnect = true
		st := m.state
		m.mu.Unlock()

		if st != Disconnected {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = m.Disconnect(ctx)
			cancel()
		}
		m.mu.Lock()
		m.epoch++
		reg := m.registry
		m.registry = nil
		m.mu.Unlock()
		reg.discard()

		close(m.done)
		m.wg.Wait()
		m.events.Close()
	})
	return err
}

// Read reads and decodes the channel with the given characteristic id.
func (m *Machine) Read(ctx context.Context, id string) (codec.Number, error) {
	ch, err := m.channel("read", id)
	if err != nil {
		return codec.Number{}, err
	}
	return ch.Read(ctx)
}

// ReadRaw reads the channel with the given characteristic id undecoded.
func (m *Machine) ReadRaw(ctx context.Context, id string) ([]byte, error) {
	ch, err := m.channel("read", id)
	if err != nil {
		return nil, err
	}
	return ch.ReadRaw(ctx)
}

// Write writes data to the channel with the given characteristic id.
func (m *Machine) Write(ctx context.Context, id string, data []byte) error {
	ch, err := m.channel("write", id)
	if err != nil {
		return err
	}
	return ch.Write(ctx, data)
}

// Subscribe subscribes to the channel with the given characteristic id.
func (m *Machine) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	ch, err := m.channel("subscribe", id)
	if err != nil {
		return nil, err
	}
	return ch.Subscribe(ctx)
}

// Unsubscribe unsubscribes the channel with the given characteristic id.
func (m *Machine) Unsubscribe(ctx context.Context, id string) error {
	ch, err := m.channel("unsubscribe", id)
	if err != nil {
		return err
	}
	return ch.Unsubscribe(ctx)
}

func (m *Machine) channel(op, id string) (*Channel, error) {
	ch, ok := m.Registry().Get(id)
	if !ok {
		return nil, m.anomaly(preconditionErr(op, id, "no such channel"))
	}
	return ch, nil
}

// transition moves to a new state (caller must hold mu).
func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	slog.Info("[BLE] state changed", "addr", m.address, "from", from, "to", to)
	m.events.Emit(Event{Kind: EventStateChanged, State: to, Previous: from})
}

// advance transitions to the next state if attempt e is still current.
func (m *Machine) advance(e uint64, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != e {
		return false
	}
	m.transition(to)
	return true
}

// abort handles a transport failure of connect attempt e: the failure is
// reported once and the recovery path settles the machine.
func (m *Machine) abort(ctx context.Context, e uint64, opErr *OpError) error {
	m.mu.Lock()
	if m.epoch != e {
		m.mu.Unlock()
		return ErrAborted
	}
	m.epoch++
	e = m.epoch
	m.mu.Unlock()

	m.failure(opErr)
	m.recover(context.WithoutCancel(ctx), e)
	return opErr
}

// abandon drops a link that an aborted connect attempt left up, unless a
// newer attempt already owns the machine.
func (m *Machine) abandon(ctx context.Context) {
	m.mu.Lock()
	idle := m.state == Disconnected && !m.authorizing
	m.mu.Unlock()
	if !idle || !m.radio.IsConnected(ctx, m.address) {
		return
	}
	if err := m.radio.Disconnect(context.WithoutCancel(ctx), m.address); err != nil {
		slog.Warn("[BLE] failed to drop abandoned link", "addr", m.address, "error", err)
	}
}

// recover is the disconnection-recovery path: query the link, disconnect it
// if up, then settle to Disconnected with the registry discarded.
func (m *Machine) recover(ctx context.Context, e uint64) error {
	if !m.radio.IsConnected(ctx, m.address) {
		m.settle(e)
		m.anomaly(preconditionErr("disconnect", "", "device %s is not connected", m.address))
		return nil
	}
	if err := m.radio.Disconnect(ctx, m.address); err != nil {
		opErr := transportErr("disconnect", "", err)
		m.failure(opErr)
		m.settle(e)
		return opErr
	}
	m.settle(e)
	slog.Info("[BLE] disconnected from device", "addr", m.address)
	return nil
}

// settle moves to Disconnected and discards the registry if e is current.
func (m *Machine) settle(e uint64) {
	m.mu.Lock()
	if m.epoch != e {
		m.mu.Unlock()
		return
	}
	reg := m.registry
	m.registry = nil
	m.cleared = false
	m.transition(Disconnected)
	m.mu.Unlock()
	reg.discard()
}

// calibrate requests a larger frame and runs the motion probe. It reports
// whether caller-facing readiness may be granted; a refused frame size
// withholds it.
func (m *Machine) calibrate(ctx context.Context, reg *Registry) bool {
	if err := m.radio.RequestFrameSize(ctx, m.address, m.opts.FrameSize); err != nil {
		m.failure(transportErr("request frame size", "", err))
		return false
	}

	v, err := m.probe(ctx, reg)
	if err != nil {
		slog.Warn("[BLE] calibration probe produced no value", "channel", m.opts.ProbeChannel, "error", err)
		return true
	}
	if v.Float64() <= m.opts.ProbeThreshold {
		return true
	}

	adv := Advisory{Channel: m.opts.ProbeChannel, Value: v.Float64(), Threshold: m.opts.ProbeThreshold}
	slog.Warn("[BLE] device reports motion, withholding readiness", "value", adv.Value, "threshold", adv.Threshold)
	m.events.Emit(Event{Kind: EventAdvisory, Advisory: &adv})
	if m.opts.OnAdvisory != nil {
		m.opts.OnAdvisory(adv)
	}
	return false
}

// probe subscribes to the probe channel, waits for one value and always
// unsubscribes again.
func (m *Machine) probe(ctx context.Context, reg *Registry) (codec.Number, error) {
	ch, ok := reg.Get(m.opts.ProbeChannel)
	if !ok {
		return codec.Number{}, m.anomaly(preconditionErr("probe", m.opts.ProbeChannel, "probe channel not discovered"))
	}
	sub, err := ch.Subscribe(ctx)
	if err != nil {
		return codec.Number{}, err
	}
	defer func() {
		if err := ch.Unsubscribe(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("[BLE] probe unsubscribe failed", "channel", ch.ID(), "error", err)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return sub.Next(pctx)
}

// dispatch demultiplexes radio events until Close.
func (m *Machine) dispatch() {
	defer m.wg.Done()
	events := m.radio.Events()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Machine) handle(ev RadioEvent) {
	if !strings.EqualFold(ev.Address, m.address) {
		return
	}
	switch ev.Kind {
	case RadioNotification:
		ch, ok := m.Registry().lookup(ev.Service, ev.Characteristic)
		if !ok {
			slog.Debug("[BLE] notification for unknown channel", "service", ev.Service, "channel", ev.Characteristic)
			return
		}
		ch.deliver(ev.Value)
	case RadioLinkLost:
		m.linkLost()
	}
}

func (m *Machine) linkLost() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.transition(Disconnecting)
	reg := m.registry
	m.registry = nil
	m.cleared = false
	m.transition(Disconnected)
	retry := m.opts.Reconnect && !m.userDisconnect && !m.closed
	m.mu.Unlock()
	reg.discard()

	slog.Warn("[BLE] link lost", "addr", m.address)
	if retry {
		m.startReconnect()
	}
}

// report routes a per-operation failure to the matching event kind.
func (m *Machine) report(err error) {
	if errors.Is(err, ErrPrecondition) || errors.Is(err, ErrMalformedDiscovery) {
		m.anomaly(err)
		return
	}
	m.failure(err)
}

func (m *Machine) failure(err error) error {
	slog.Error("[BLE] operation failed", "addr", m.address, "error", err)
	m.events.Emit(Event{Kind: EventFailure, Err: err})
	return err
}

func (m *Machine) anomaly(err error) error {
	slog.Warn("[BLE] anomaly", "addr", m.address, "error", err)
	m.events.Emit(Event{Kind: EventAnomaly, Err: err})
	return err
}
