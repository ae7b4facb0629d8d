// Package bluez implements ble.Radio over the BlueZ D-Bus API on Linux.
//
// Unlike the tinygo backend it reads the real GATT property flags of every
// characteristic, so channels carry exactly the capabilities the peripheral
// advertises.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/blelink/internal/ble"
)

// BlueZ D-Bus names.
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService  = "org.bluez.GattService1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	propertiesChanged = dbusProperties + ".PropertiesChanged"
)

// DefaultAdapter is the controller used when none is configured.
const DefaultAdapter = "hci0"

// ErrAdapterOff is returned by Connect when the controller is missing or
// powered off.
var ErrAdapterOff = errors.New("bluez: bluetooth adapter is not powered")

// servicesResolvedTimeout bounds the wait for BlueZ's own GATT discovery.
const servicesResolvedTimeout = 15 * time.Second

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type charKey struct{ service, characteristic string }

func keyOf(service, characteristic string) charKey {
	return charKey{ble.NormalizeID(service), ble.NormalizeID(characteristic)}
}

// device is the discovered GATT layout of one connected peripheral.
type device struct {
	address string
	paths   map[charKey]dbus.ObjectPath
	keys    map[dbus.ObjectPath]charKey
}

// Radio is a ble.Radio speaking to bluetoothd over the system bus.
type Radio struct {
	conn    *dbus.Conn
	adapter string
	events  chan ble.RadioEvent
	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	devices map[dbus.ObjectPath]*device // keyed by device object path
}

// Compile-time check that Radio implements ble.Radio.
var _ ble.Radio = (*Radio)(nil)

// New connects to the system bus and starts listening for BlueZ property
// changes under adapter. Call Close to release it.
func New(adapter string) (*Radio, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	return newRadio(conn, adapter)
}

func newRadio(conn *dbus.Conn, adapter string) (*Radio, error) {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	r := &Radio{
		conn:    conn,
		adapter: adapter,
		events:  make(chan ble.RadioEvent, 256),
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
		devices: make(map[dbus.ObjectPath]*device),
	}

	call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, r.matchRule())
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: add signal match: %w", call.Err)
	}
	conn.Signal(r.signals)

	r.wg.Add(1)
	go r.listen()
	return r, nil
}

func (r *Radio) matchRule() string {
	return fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='/org/bluez/%s'",
		bluezBus, dbusProperties, r.adapter,
	)
}

// Close stops the signal listener. The shared system bus connection is left
// open for other users in the process.
func (r *Radio) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}
	close(r.done)
	r.conn.RemoveSignal(r.signals)
	r.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, r.matchRule())
	r.wg.Wait()
	return nil
}

// DevicePath converts a MAC address to its BlueZ object path, e.g.
// "AA:BB:CC:DD:EE:FF" on hci0 is /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func DevicePath(adapter, address string) dbus.ObjectPath {
	devAddr := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, devAddr))
}

func (r *Radio) devicePath(address string) dbus.ObjectPath {
	return DevicePath(r.adapter, address)
}

func property[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + name)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, name, v.Value())
	}
	return val, nil
}

// adapterReady turns the adapter's Powered property into a Connect error.
func adapterReady(adapter string, powered bool, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s unavailable: %v", ErrAdapterOff, adapter, err)
	}
	if !powered {
		return fmt.Errorf("%w: %s is off", ErrAdapterOff, adapter)
	}
	return nil
}

func (r *Radio) Connect(ctx context.Context, address string) error {
	powered, err := property[bool](r.conn, dbus.ObjectPath("/org/bluez/"+r.adapter), bluezAdapter1, "Powered")
	if err := adapterReady(r.adapter, powered, err); err != nil {
		return err
	}

	path := r.devicePath(address)
	if connected, err := property[bool](r.conn, path, bluezDevice1, "Connected"); err == nil && connected {
		slog.Debug("[BLE] device already connected", "addr", address)
	} else {
		call := r.conn.Object(bluezBus, path).CallWithContext(ctx, bluezDevice1+".Connect", 0)
		if call.Err != nil {
			return fmt.Errorf("bluez: connect %s: %w", address, call.Err)
		}
	}

	r.mu.Lock()
	r.devices[path] = &device{address: address}
	r.mu.Unlock()
	return nil
}

func (r *Radio) Disconnect(ctx context.Context, address string) error {
	path := r.devicePath(address)
	r.mu.Lock()
	delete(r.devices, path)
	r.mu.Unlock()

	call := r.conn.Object(bluezBus, path).CallWithContext(ctx, bluezDevice1+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", address, call.Err)
	}
	return nil
}

func (r *Radio) IsConnected(_ context.Context, address string) bool {
	connected, err := property[bool](r.conn, r.devicePath(address), bluezDevice1, "Connected")
	return err == nil && connected
}

func (r *Radio) waitServicesResolved(ctx context.Context, path dbus.ObjectPath) error {
	deadline := time.After(servicesResolvedTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if resolved, err := property[bool](r.conn, path, bluezDevice1, "ServicesResolved"); err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("service discovery timed out after %s", servicesResolvedTimeout)
		case <-ticker.C:
		}
	}
}

func (r *Radio) Discover(ctx context.Context, address string) ([]ble.CharacteristicInfo, error) {
	path := r.devicePath(address)
	if err := r.waitServicesResolved(ctx, path); err != nil {
		return nil, fmt.Errorf("bluez: discover %s: %w", address, err)
	}

	var objects managedObjects
	call := r.conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: get managed objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: parse managed objects: %w", err)
	}

	infos, paths := characteristics(objects, path)
	dev := &device{
		address: address,
		paths:   make(map[charKey]dbus.ObjectPath, len(paths)),
		keys:    make(map[dbus.ObjectPath]charKey, len(paths)),
	}
	for p, info := range paths {
		k := keyOf(info.Service, info.Characteristic)
		dev.paths[k] = p
		dev.keys[p] = k
	}

	r.mu.Lock()
	r.devices[path] = dev
	r.mu.Unlock()
	return infos, nil
}

// characteristics extracts every GATT characteristic below devicePath.
// Entries whose UUID or service cannot be resolved are returned with the
// missing field empty so the classifier can report them.
func characteristics(objects managedObjects, devicePath dbus.ObjectPath) ([]ble.CharacteristicInfo, map[dbus.ObjectPath]ble.CharacteristicInfo) {
	prefix := string(devicePath) + "/"

	services := make(map[dbus.ObjectPath]string)
	for p, ifaces := range objects {
		props, ok := ifaces[bluezGattService]
		if !ok || !strings.HasPrefix(string(p), prefix) {
			continue
		}
		if uuid, ok := props["UUID"].Value().(string); ok {
			services[p] = uuid
		}
	}

	var infos []ble.CharacteristicInfo
	paths := make(map[dbus.ObjectPath]ble.CharacteristicInfo)
	for p, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(p), prefix) {
			continue
		}
		var info ble.CharacteristicInfo
		info.Characteristic, _ = props["UUID"].Value().(string)
		if svc, ok := props["Service"].Value().(dbus.ObjectPath); ok {
			info.Service = services[svc]
		}
		flags, _ := props["Flags"].Value().([]string)
		info.Capabilities = ble.ParseCapabilities(flags)

		infos = append(infos, info)
		if info.Service != "" && info.Characteristic != "" {
			paths[p] = info
		}
	}
	return infos, paths
}

func (r *Radio) charPath(address, service, characteristic string) (dbus.ObjectPath, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[r.devicePath(address)]
	if !ok {
		return "", fmt.Errorf("bluez: %s is not connected", address)
	}
	p, ok := dev.paths[keyOf(service, characteristic)]
	if !ok {
		return "", fmt.Errorf("bluez: characteristic %s/%s not discovered", service, characteristic)
	}
	return p, nil
}

// RequestFrameSize checks the MTU BlueZ negotiated. BlueZ exchanges the MTU
// itself on connect, so a smaller value is logged rather than renegotiated.
func (r *Radio) RequestFrameSize(_ context.Context, address string, size int) error {
	r.mu.Lock()
	dev, ok := r.devices[r.devicePath(address)]
	var first dbus.ObjectPath
	if ok {
		for _, p := range dev.paths {
			first = p
			break
		}
	}
	r.mu.Unlock()
	if first == "" {
		return fmt.Errorf("bluez: no characteristic discovered on %s", address)
	}

	mtu, err := property[uint16](r.conn, first, bluezGattChar, "MTU")
	if err != nil {
		return fmt.Errorf("bluez: read mtu: %w", err)
	}
	if int(mtu) < size {
		slog.Warn("[BLE] negotiated MTU below requested frame size", "mtu", mtu, "requested", size)
	}
	return nil
}

func (r *Radio) Read(ctx context.Context, address, service, characteristic string) ([]byte, error) {
	p, err := r.charPath(address, service, characteristic)
	if err != nil {
		return nil, err
	}
	call := r.conn.Object(bluezBus, p).CallWithContext(ctx, bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: read %s: %w", characteristic, call.Err)
	}
	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, fmt.Errorf("bluez: decode read of %s: %w", characteristic, err)
	}
	return data, nil
}

func (r *Radio) Write(ctx context.Context, address, service, characteristic string, data []byte) error {
	p, err := r.charPath(address, service, characteristic)
	if err != nil {
		return err
	}
	call := r.conn.Object(bluezBus, p).CallWithContext(ctx, bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	})
	if call.Err != nil {
		return fmt.Errorf("bluez: write %s: %w", characteristic, call.Err)
	}
	return nil
}

func (r *Radio) Subscribe(ctx context.Context, address, service, characteristic string) error {
	p, err := r.charPath(address, service, characteristic)
	if err != nil {
		return err
	}
	call := r.conn.Object(bluezBus, p).CallWithContext(ctx, bluezGattChar+".StartNotify", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: start notify %s: %w", characteristic, call.Err)
	}
	return nil
}

func (r *Radio) Unsubscribe(ctx context.Context, address, service, characteristic string) error {
	p, err := r.charPath(address, service, characteristic)
	if err != nil {
		return err
	}
	call := r.conn.Object(bluezBus, p).CallWithContext(ctx, bluezGattChar+".StopNotify", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: stop notify %s: %w", characteristic, call.Err)
	}
	return nil
}

func (r *Radio) Events() <-chan ble.RadioEvent { return r.events }

func (r *Radio) listen() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case sig, ok := <-r.signals:
			if !ok {
				return
			}
			if ev, ok := r.translate(sig); ok {
				r.emit(ev)
			}
		}
	}
}

func (r *Radio) emit(ev ble.RadioEvent) {
	select {
	case r.events <- ev:
	default:
		slog.Warn("[BLE] radio event queue full, dropping event", "channel", ev.Characteristic)
	}
}

// translate turns a PropertiesChanged signal into a notification (Value of
// a known characteristic changed) or a link loss (Connected of a known
// device became false).
func (r *Radio) translate(sig *dbus.Signal) (ble.RadioEvent, bool) {
	iface, changed, ok := parsePropertiesChanged(sig)
	if !ok {
		return ble.RadioEvent{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch iface {
	case bluezDevice1:
		v, ok := changed["Connected"]
		if !ok {
			return ble.RadioEvent{}, false
		}
		connected, _ := v.Value().(bool)
		dev, known := r.devices[sig.Path]
		if connected || !known {
			return ble.RadioEvent{}, false
		}
		delete(r.devices, sig.Path)
		return ble.RadioEvent{Kind: ble.RadioLinkLost, Address: dev.address}, true

	case bluezGattChar:
		v, ok := changed["Value"]
		if !ok {
			return ble.RadioEvent{}, false
		}
		value, _ := v.Value().([]byte)
		for devPath, dev := range r.devices {
			if !strings.HasPrefix(string(sig.Path), string(devPath)+"/") {
				continue
			}
			k, ok := dev.keys[sig.Path]
			if !ok {
				return ble.RadioEvent{}, false
			}
			return ble.RadioEvent{
				Kind:           ble.RadioNotification,
				Address:        dev.address,
				Service:        k.service,
				Characteristic: k.characteristic,
				Value:          value,
			}, true
		}
	}
	return ble.RadioEvent{}, false
}

func parsePropertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}
