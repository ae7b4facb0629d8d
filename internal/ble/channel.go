package ble

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/blelink/internal/ble/codec"
)

// ErrClosed is returned by Subscription.Next once the stream has ended.
var ErrClosed = errors.New("ble: subscription closed")

// binding is what every Channel of one registry shares.
type binding struct {
	radio   Radio
	address string
	buffer  int         // per-consumer notification queue
	report  func(error) // surfaces per-operation failures
}

// Channel is a capability-bound handle on one characteristic of the target
// service. Operations outside its capability set fail with ErrPrecondition;
// so does every operation once the registry that produced it is discarded.
type Channel struct {
	id      string
	service string
	caps    Capability
	reg     *Registry
	bind    *binding

	// ctl serializes Subscribe/Unsubscribe so one channel never holds more
	// than one radio subscription.
	ctl sync.Mutex

	// mu guards subscribed and consumers. deliver takes it, so it is never
	// held across a Radio call.
	mu         sync.Mutex
	subscribed bool
	consumers  map[*Subscription]struct{}
}

// ID returns the characteristic id as the radio reported it.
func (c *Channel) ID() string { return c.id }

// Service returns the service id the characteristic belongs to.
func (c *Channel) Service() string { return c.service }

// Capabilities returns the operations this channel supports.
func (c *Channel) Capabilities() Capability { return c.caps }

// Subscribed reports whether the channel holds a radio subscription.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *Channel) check(op string, need Capability) error {
	if c.reg.discarded.Load() {
		return preconditionErr(op, c.id, "channel belongs to a discarded registry")
	}
	if !c.caps.Has(need) {
		return preconditionErr(op, c.id, "channel lacks %s capability (has %s)", need, c.caps)
	}
	return nil
}

func (c *Channel) fail(err error) error {
	if c.bind.report != nil {
		c.bind.report(err)
	}
	return err
}

// Read returns the characteristic value decoded as a number.
func (c *Channel) Read(ctx context.Context) (codec.Number, error) {
	raw, err := c.ReadRaw(ctx)
	if err != nil {
		return codec.Number{}, err
	}
	return codec.Decode(raw), nil
}

// ReadRaw returns the characteristic value undecoded.
func (c *Channel) ReadRaw(ctx context.Context) ([]byte, error) {
	if err := c.check("read", CapRead); err != nil {
		return nil, c.fail(err)
	}
	data, err := c.bind.radio.Read(ctx, c.bind.address, c.service, c.id)
	if err != nil {
		return nil, c.fail(transportErr("read", c.id, err))
	}
	return data, nil
}

// Write stores data into the characteristic.
func (c *Channel) Write(ctx context.Context, data []byte) error {
	if err := c.check("write", CapWrite); err != nil {
		return c.fail(err)
	}
	if err := c.bind.radio.Write(ctx, c.bind.address, c.service, c.id, data); err != nil {
		return c.fail(transportErr("write", c.id, err))
	}
	slog.Debug("[BLE] wrote characteristic", "channel", c.id, "bytes", len(data))
	return nil
}

// Subscribe returns a stream of decoded notification values. The first call
// enables notifications on the radio; later calls share that subscription
// and each receive every value. The stream ends on Unsubscribe, on
// disconnect or when the Subscription is cancelled.
func (c *Channel) Subscribe(ctx context.Context) (*Subscription, error) {
	if err := c.check("subscribe", CapNotify); err != nil {
		return nil, c.fail(err)
	}

	c.ctl.Lock()
	defer c.ctl.Unlock()

	sub := &Subscription{ch: c, values: make(chan codec.Number, c.bind.buffer)}

	c.mu.Lock()
	if c.reg.discarded.Load() {
		c.mu.Unlock()
		return nil, c.fail(preconditionErr("subscribe", c.id, "channel belongs to a discarded registry"))
	}
	first := !c.subscribed
	c.subscribed = true
	c.consumers[sub] = struct{}{}
	c.mu.Unlock()

	if !first {
		return sub, nil
	}
	if err := c.bind.radio.Subscribe(ctx, c.bind.address, c.service, c.id); err != nil {
		c.mu.Lock()
		c.subscribed = false
		c.closeConsumersLocked()
		c.mu.Unlock()
		return nil, c.fail(transportErr("subscribe", c.id, err))
	}
	slog.Debug("[BLE] subscribed", "channel", c.id)
	return sub, nil
}

// Unsubscribe ends every stream of this channel and disables notifications
// on the radio. Calling it on a channel that is not subscribed is a no-op.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	if !c.caps.Has(CapNotify) {
		return c.fail(preconditionErr("unsubscribe", c.id, "channel lacks %s capability (has %s)", CapNotify, c.caps))
	}

	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.unsubscribeLocked(ctx)
}

// unsubscribeLocked releases the radio subscription (caller holds ctl).
func (c *Channel) unsubscribeLocked(ctx context.Context) error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	c.closeConsumersLocked()
	c.mu.Unlock()

	if c.reg.discarded.Load() {
		// The link is gone; there is nothing to release on the radio.
		return nil
	}
	if err := c.bind.radio.Unsubscribe(ctx, c.bind.address, c.service, c.id); err != nil {
		return c.fail(transportErr("unsubscribe", c.id, err))
	}
	slog.Debug("[BLE] unsubscribed", "channel", c.id)
	return nil
}

// deliver hands one notification to every consumer without blocking.
func (c *Channel) deliver(raw []byte) {
	v := codec.Decode(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed {
		return
	}
	for sub := range c.consumers {
		select {
		case sub.values <- v:
		default:
			slog.Warn("[BLE] subscriber queue full, dropping value", "channel", c.id)
		}
	}
}

// detach ends all streams without touching the radio (caller holds no locks).
func (c *Channel) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = false
	c.closeConsumersLocked()
}

func (c *Channel) closeConsumersLocked() {
	for sub := range c.consumers {
		delete(c.consumers, sub)
		sub.closeLocked()
	}
}

// Subscription is one consumer's view of a channel's notifications.
type Subscription struct {
	ch     *Channel
	values chan codec.Number
	closed bool // guarded by ch.mu
}

// C returns the stream of values. It is closed when the stream ends.
func (s *Subscription) C() <-chan codec.Number { return s.values }

// Next blocks for the next value.
func (s *Subscription) Next(ctx context.Context) (codec.Number, error) {
	select {
	case v, ok := <-s.values:
		if !ok {
			return codec.Number{}, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return codec.Number{}, ctx.Err()
	}
}

// Cancel detaches this consumer only; the channel stays subscribed for the
// others until Unsubscribe.
func (s *Subscription) Cancel() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	delete(s.ch.consumers, s)
	s.closeLocked()
}

// Release detaches this consumer and, if it was the last one, unsubscribes
// the channel on the radio.
func (s *Subscription) Release(ctx context.Context) error {
	c := s.ch
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	delete(c.consumers, s)
	s.closeLocked()
	last := len(c.consumers) == 0
	c.mu.Unlock()

	if !last {
		return nil
	}
	return c.unsubscribeLocked(ctx)
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.values)
}

// Registry maps characteristic ids to the Channels of one discovery pass.
// It is never mutated after classification; a reconnect builds a new one.
type Registry struct {
	service   string
	channels  map[string]*Channel // keyed by NormalizeID(characteristic)
	discarded atomic.Bool
}

// Get returns the channel for a characteristic id.
func (r *Registry) Get(id string) (*Channel, bool) {
	if r == nil {
		return nil, false
	}
	ch, ok := r.channels[NormalizeID(id)]
	return ch, ok
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.channels)
}

// Channels returns every channel ordered by id.
func (r *Registry) Channels() []*Channel {
	if r == nil {
		return nil
	}
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// lookup finds the channel a notification belongs to.
func (r *Registry) lookup(service, characteristic string) (*Channel, bool) {
	if r == nil || r.discarded.Load() {
		return nil, false
	}
	if NormalizeID(service) != r.service {
		return nil, false
	}
	ch, ok := r.channels[NormalizeID(characteristic)]
	return ch, ok
}

// discard invalidates every channel and ends their streams.
func (r *Registry) discard() {
	if r == nil || r.discarded.Swap(true) {
		return
	}
	for _, ch := range r.channels {
		ch.detach()
	}
}

// classify builds a Registry from one discovery pass, keeping only
// characteristics of the target service. It returns the number of entries
// skipped for missing service, characteristic or capability data.
func classify(infos []CharacteristicInfo, target string, bind *binding) (*Registry, int) {
	reg := &Registry{
		service:  NormalizeID(target),
		channels: make(map[string]*Channel),
	}
	malformed := 0
	for _, info := range infos {
		if info.Service == "" || info.Characteristic == "" || info.Capabilities&CapAll == 0 {
			malformed++
			continue
		}
		if NormalizeID(info.Service) != reg.service {
			continue
		}
		slog.Debug("[BLE] channel identified", "channel", info.Characteristic, "capabilities", info.Capabilities)
		reg.channels[NormalizeID(info.Characteristic)] = &Channel{
			id:        info.Characteristic,
			service:   info.Service,
			caps:      info.Capabilities & CapAll,
			reg:       reg,
			bind:      bind,
			consumers: make(map[*Subscription]struct{}),
		}
	}
	return reg, malformed
}
