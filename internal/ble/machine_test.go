package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fullChannel(id string) CharacteristicInfo {
	return CharacteristicInfo{Service: "0100", Characteristic: id, Capabilities: CapAll}
}

func TestNewMachineValidatesArguments(t *testing.T) {
	radio := newMockRadio()
	if _, err := NewMachine(nil, grantAll(), testAddr, DefaultOptions()); err == nil {
		t.Error("NewMachine(nil radio) should fail")
	}
	if _, err := NewMachine(radio, nil, testAddr, DefaultOptions()); err == nil {
		t.Error("NewMachine(nil gate) should fail")
	}
	if _, err := NewMachine(radio, grantAll(), "  ", DefaultOptions()); err == nil {
		t.Error("NewMachine(empty address) should fail")
	}
}

func TestConnectReachesReady(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	gate := grantAll()
	m := newTestMachine(t, radio, gate, DefaultOptions())
	events, cancel := m.Listen(128)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != Ready {
		t.Fatalf("State() = %v, want ready", m.State())
	}
	if !m.Cleared() {
		t.Error("Cleared() = false, want true without calibration")
	}
	if len(gate.asked) != 1 || gate.asked[0] != PermissionConnect {
		t.Errorf("gate asked %v, want [connect]", gate.asked)
	}

	reg := m.Registry()
	if reg.Len() != 1 {
		t.Fatalf("registry has %d channels, want 1", reg.Len())
	}
	ch, ok := m.Channel("0001")
	if !ok {
		t.Fatal("channel 0001 missing")
	}
	if ch.Capabilities() != CapAll {
		t.Errorf("capabilities = %v, want read|write|notify", ch.Capabilities())
	}

	got := statesOf(drain(events))
	want := []State{Connecting, Discovering, Ready}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConnectPermissionDenied(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, &mockGate{granted: false}, DefaultOptions())
	events, cancel := m.Listen(128)
	defer cancel()

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Connect() error = %v, want ErrPermissionDenied", err)
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if radio.count("connect") != 0 {
		t.Errorf("radio connect called %d times, want 0", radio.count("connect"))
	}
	evs := drain(events)
	if countKind(evs, EventFailure) != 1 {
		t.Errorf("failure events = %d, want 1", countKind(evs, EventFailure))
	}
	if len(statesOf(evs)) != 0 {
		t.Errorf("unexpected transitions %v", statesOf(evs))
	}
}

func TestConnectGateErrorIsPermissionDenied(t *testing.T) {
	cause := errors.New("prompt dismissed")
	m := newTestMachine(t, newMockRadio(), &mockGate{err: cause}, DefaultOptions())

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrPermissionDenied) || !errors.Is(err, cause) {
		t.Fatalf("Connect() error = %v, want ErrPermissionDenied wrapping cause", err)
	}
}

func TestConnectTransportFailureSettlesDisconnected(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	radio.connectErr = errors.New("link refused")
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	events, cancel := m.Listen(128)
	defer cancel()

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if m.Registry().Len() != 0 {
		t.Errorf("registry has %d channels, want 0", m.Registry().Len())
	}

	evs := drain(events)
	failures := 0
	for _, ev := range evs {
		if ev.Kind == EventFailure && errors.Is(ev.Err, ErrTransport) {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("transport failures reported = %d, want exactly 1", failures)
	}
	if radio.count("discover") != 0 {
		t.Errorf("discover called %d times after failed connect", radio.count("discover"))
	}
	if radio.count("isConnected") == 0 {
		t.Error("recovery path should query link status")
	}
}

func TestDiscoverFailureRunsRecovery(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	radio.discoverErr = errors.New("gatt error")
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if radio.count("disconnect") != 1 {
		t.Errorf("disconnect called %d times, want 1", radio.count("disconnect"))
	}
	if radio.IsConnected(context.Background(), testAddr) {
		t.Error("link should be down after recovery")
	}
}

func TestConnectWhileConnectingIsRejected(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	radio.connectGate = make(chan struct{})
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = m.Connect(context.Background())
	}()
	waitFor(t, "connecting", func() bool { return m.State() == Connecting })

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrPrecondition) {
		t.Errorf("second Connect() error = %v, want ErrPrecondition", err)
	}

	close(radio.connectGate)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first Connect() error = %v", firstErr)
	}
	if radio.count("discover") != 1 {
		t.Errorf("discover called %d times, want 1", radio.count("discover"))
	}
	if radio.count("connect") != 1 {
		t.Errorf("connect called %d times, want 1", radio.count("connect"))
	}
}

func TestConnectWhileReadyIsRejected(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	reg := m.Registry()

	if err := m.Connect(context.Background()); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Connect() while ready error = %v, want ErrPrecondition", err)
	}
	if m.Registry() != reg {
		t.Error("rejected Connect must not replace the registry")
	}
}

func TestDisconnectDuringDiscoveringDiscardsResult(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	radio.discoverGate = make(chan struct{})
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	waitFor(t, "discovering", func() bool { return m.State() == Discovering })

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	close(radio.discoverGate)

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("Connect() error = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after disconnect")
	}

	if m.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if m.Registry() != nil {
		t.Error("registry should be absent after a cancelled discovery")
	}
	if radio.IsConnected(context.Background(), testAddr) {
		t.Error("link should be down")
	}
}

func TestDisconnectWhileDisconnectedIsAnomaly(t *testing.T) {
	radio := newMockRadio()
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	events, cancel := m.Listen(128)
	defer cancel()

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v, want nil", err)
	}
	evs := drain(events)
	anomalies := 0
	for _, ev := range evs {
		if ev.Kind == EventAnomaly && errors.Is(ev.Err, ErrPrecondition) {
			anomalies++
		}
	}
	if anomalies != 1 {
		t.Errorf("precondition anomalies = %d, want 1", anomalies)
	}
	if radio.count("disconnect") != 0 {
		t.Errorf("radio disconnect called %d times, want 0", radio.count("disconnect"))
	}
}

func TestDisconnectFromReadyDiscardsRegistry(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ch, _ := m.Channel("0001")
	sub, err := ch.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	events, cancel := m.Listen(128)
	defer cancel()
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	got := statesOf(drain(events))
	if len(got) != 2 || got[0] != Disconnecting || got[1] != Disconnected {
		t.Errorf("states = %v, want [disconnecting disconnected]", got)
	}
	if m.Registry() != nil {
		t.Error("registry should be discarded")
	}
	if _, err := ch.Read(context.Background()); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Read on stale channel error = %v, want ErrPrecondition", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("subscription stream should be closed on disconnect")
	}
}

func TestReconnectRediscovers(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := m.Registry()
	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	radio.mu.Lock()
	radio.chars = []CharacteristicInfo{fullChannel("0002")}
	radio.mu.Unlock()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if m.Registry() == first {
		t.Error("reconnect must build a fresh registry")
	}
	if _, ok := m.Channel("0001"); ok {
		t.Error("channel from the old GATT database should be gone")
	}
	if _, ok := m.Channel("0002"); !ok {
		t.Error("channel 0002 should be discovered")
	}
	if radio.count("discover") != 2 {
		t.Errorf("discover called %d times, want 2", radio.count("discover"))
	}
}

func TestLinkLossSettlesDisconnected(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	radio.LoseLink(testAddr)
	waitFor(t, "disconnected", func() bool { return m.State() == Disconnected })
	if m.Registry() != nil {
		t.Error("registry should be discarded after link loss")
	}
}

func TestLinkLossForOtherAddressIgnored(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	radio.LoseLink("11:22:33:44:55:66")
	radio.Notify(testAddr, "0100", "0001", []byte{1})
	time.Sleep(20 * time.Millisecond)
	if m.State() != Ready {
		t.Errorf("State() = %v, want ready", m.State())
	}
}

func TestMalformedDiscoveryReportedOnce(t *testing.T) {
	radio := newMockRadio(
		fullChannel("0001"),
		CharacteristicInfo{Service: "0100", Characteristic: ""},
		CharacteristicInfo{Service: "", Characteristic: "0003", Capabilities: CapRead},
		CharacteristicInfo{Service: "0100", Characteristic: "0004"},
	)
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	events, cancel := m.Listen(128)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.Registry().Len() != 1 {
		t.Errorf("registry has %d channels, want 1", m.Registry().Len())
	}
	malformed := 0
	for _, ev := range drain(events) {
		if ev.Kind == EventAnomaly && errors.Is(ev.Err, ErrMalformedDiscovery) {
			malformed++
		}
	}
	if malformed != 1 {
		t.Errorf("malformed discovery reports = %d, want 1", malformed)
	}
}

func TestReadFailureKeepsReady(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	reg := m.Registry()

	radio.mu.Lock()
	radio.readErr = errors.New("att error")
	radio.mu.Unlock()

	if _, err := m.Read(context.Background(), "0001"); !errors.Is(err, ErrTransport) {
		t.Errorf("Read() error = %v, want ErrTransport", err)
	}
	if m.State() != Ready {
		t.Errorf("State() = %v, want ready", m.State())
	}
	if m.Registry() != reg {
		t.Error("operation failures must leave the registry intact")
	}
}

func TestMachineUnknownChannel(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, grantAll(), DefaultOptions())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Write(context.Background(), "ffff", []byte{1}); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Write(unknown) error = %v, want ErrPrecondition", err)
	}
}

func TestCloseIsIdempotentAndClosesEvents(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m, err := NewMachine(radio, grantAll(), testAddr, DefaultOptions())
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	events, _ := m.Listen(128)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if radio.IsConnected(context.Background(), testAddr) {
		t.Error("Close should disconnect the link")
	}
	for range events {
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Connect() after Close error = %v, want ErrPrecondition", err)
	}
}

// heldGate blocks Authorize until release is closed.
type heldGate struct {
	entered chan struct{}
	release chan struct{}
}

func (g *heldGate) Authorize(ctx context.Context, _ Permission) (bool, error) {
	close(g.entered)
	select {
	case <-g.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestCloseDuringAuthorizationAbortsConnect(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	gate := &heldGate{entered: make(chan struct{}), release: make(chan struct{})}
	m, err := NewMachine(radio, gate, testAddr, DefaultOptions())
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}

	result := make(chan error, 1)
	go func() { result <- m.Connect(context.Background()) }()
	<-gate.entered

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(gate.release)

	select {
	case err := <-result:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("Connect() error = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect() did not return after Close")
	}
	if n := radio.count("connect"); n != 0 {
		t.Errorf("radio connect called %d times after Close, want 0", n)
	}
	if m.State() != Disconnected || m.Registry() != nil {
		t.Errorf("State() = %v, Registry() = %v; want disconnected with no registry", m.State(), m.Registry())
	}
}
