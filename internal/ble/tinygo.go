package ble

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoRadio is a Radio backed by tinygo-org/bluetooth, which wraps
// CoreBluetooth on macOS and BlueZ on Linux. On macOS peripheral addresses are
// CoreBluetooth UUIDs rather than MAC addresses.
//
// tinygo does not expose GATT property flags, so every discovered
// characteristic is reported with the capability hint given to
// NewTinygoRadio. Operations the peripheral refuses fail at the radio.
type TinygoRadio struct {
	adapter *bluetooth.Adapter
	hint    Capability
	events  chan RadioEvent

	enableOnce sync.Once
	enableErr  error

	// mu protects the peripherals map.
	mu          sync.Mutex
	peripherals map[string]*tinygoPeripheral // keyed by upper-cased address
}

// tinygoPeripheral holds the discovered characteristics by pointer: on Linux
// EnableNotifications keeps its signal listener inside the struct, so
// Subscribe and Unsubscribe must reach the same value.
type tinygoPeripheral struct {
	device bluetooth.Device
	chars  map[charKey]*bluetooth.DeviceCharacteristic
}

type charKey struct{ service, characteristic string }

func keyOf(service, characteristic string) charKey {
	return charKey{NormalizeID(service), NormalizeID(characteristic)}
}

// NewTinygoRadio creates a Radio using the default adapter. A zero hint
// reports every characteristic as readable, writable and notifiable.
func NewTinygoRadio(hint Capability) *TinygoRadio {
	if hint&CapAll == 0 {
		hint = CapAll
	}
	return &TinygoRadio{
		adapter:     bluetooth.DefaultAdapter,
		hint:        hint & CapAll,
		events:      make(chan RadioEvent, 256),
		peripherals: make(map[string]*tinygoPeripheral),
	}
}

// Compile-time check that TinygoRadio implements Radio.
var _ Radio = (*TinygoRadio)(nil)

func (r *TinygoRadio) enable() error {
	r.enableOnce.Do(func() {
		if err := r.adapter.Enable(); err != nil {
			r.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}
		// tinygo fires this with connected=false when a peripheral drops.
		r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			addr := device.Address.String()
			r.mu.Lock()
			_, ok := r.peripherals[strings.ToUpper(addr)]
			delete(r.peripherals, strings.ToUpper(addr))
			r.mu.Unlock()
			if ok {
				r.emit(RadioEvent{Kind: RadioLinkLost, Address: addr})
			}
		})
	})
	return r.enableErr
}

func (r *TinygoRadio) emit(ev RadioEvent) {
	select {
	case r.events <- ev:
	default:
		slog.Warn("[BLE] radio event queue full, dropping event", "channel", ev.Characteristic)
	}
}

func (r *TinygoRadio) peripheral(address string) (*tinygoPeripheral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peripherals[strings.ToUpper(address)]
	if !ok {
		return nil, fmt.Errorf("ble: %s is not connected", address)
	}
	return p, nil
}

func (r *TinygoRadio) characteristic(address, service, characteristic string) (*bluetooth.DeviceCharacteristic, error) {
	p, err := r.peripheral(address)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := p.chars[keyOf(service, characteristic)]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s/%s not discovered", service, characteristic)
	}
	return c, nil
}

func (r *TinygoRadio) Connect(ctx context.Context, address string) error {
	if err := r.enable(); err != nil {
		return err
	}
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		r.mu.Lock()
		r.peripherals[strings.ToUpper(address)] = &tinygoPeripheral{
			device: result.device,
			chars:  make(map[charKey]*bluetooth.DeviceCharacteristic),
		}
		r.mu.Unlock()
		return nil
	}
}

func (r *TinygoRadio) Disconnect(_ context.Context, address string) error {
	p, err := r.peripheral(address)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.peripherals, strings.ToUpper(address))
	r.mu.Unlock()
	return p.device.Disconnect()
}

func (r *TinygoRadio) IsConnected(_ context.Context, address string) bool {
	_, err := r.peripheral(address)
	return err == nil
}

func (r *TinygoRadio) Discover(_ context.Context, address string) ([]CharacteristicInfo, error) {
	p, err := r.peripheral(address)
	if err != nil {
		return nil, err
	}
	svcs, err := p.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	chars := make(map[charKey]*bluetooth.DeviceCharacteristic)
	var infos []CharacteristicInfo
	for _, svc := range svcs {
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svc.UUID(), err)
		}
		for i := range found {
			c := &found[i]
			info := CharacteristicInfo{
				Service:        svc.UUID().String(),
				Characteristic: c.UUID().String(),
				Capabilities:   r.hint,
			}
			chars[keyOf(info.Service, info.Characteristic)] = c
			infos = append(infos, info)
		}
	}

	r.mu.Lock()
	p.chars = chars
	r.mu.Unlock()
	return infos, nil
}

// RequestFrameSize checks the negotiated MTU. tinygo negotiates it itself on
// connect, so a smaller MTU is logged rather than renegotiated.
func (r *TinygoRadio) RequestFrameSize(_ context.Context, address string, size int) error {
	p, err := r.peripheral(address)
	if err != nil {
		return err
	}
	r.mu.Lock()
	var first *bluetooth.DeviceCharacteristic
	for _, c := range p.chars {
		first = c
		break
	}
	r.mu.Unlock()
	if first == nil {
		return fmt.Errorf("ble: no characteristic discovered on %s", address)
	}
	mtu, err := first.GetMTU()
	if err != nil {
		return fmt.Errorf("ble: get mtu: %w", err)
	}
	if int(mtu) < size {
		slog.Warn("[BLE] negotiated MTU below requested frame size", "mtu", mtu, "requested", size)
	}
	return nil
}

func (r *TinygoRadio) Read(_ context.Context, address, service, characteristic string) ([]byte, error) {
	c, err := r.characteristic(address, service, characteristic)
	if err != nil {
		return nil, err
	}
	mtu, err := c.GetMTU()
	if err != nil {
		return nil, fmt.Errorf("ble: get mtu: %w", err)
	}
	buf := make([]byte, mtu)
	n, err := c.Read(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("ble: read %s: %w", characteristic, err)
	}
	return buf[:n], nil
}

func (r *TinygoRadio) Write(_ context.Context, address, service, characteristic string, data []byte) error {
	c, err := r.characteristic(address, service, characteristic)
	if err != nil {
		return err
	}
	// Write-with-response is not available on every tinygo platform.
	if _, err := c.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write %s: %w", characteristic, err)
	}
	return nil
}

func (r *TinygoRadio) Subscribe(_ context.Context, address, service, characteristic string) error {
	c, err := r.characteristic(address, service, characteristic)
	if err != nil {
		return err
	}
	return c.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		r.emit(RadioEvent{
			Kind:           RadioNotification,
			Address:        address,
			Service:        service,
			Characteristic: characteristic,
			Value:          value,
		})
	})
}

func (r *TinygoRadio) Unsubscribe(_ context.Context, address, service, characteristic string) error {
	c, err := r.characteristic(address, service, characteristic)
	if err != nil {
		return err
	}
	return c.EnableNotifications(nil)
}

func (r *TinygoRadio) Events() <-chan RadioEvent { return r.events }
