package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func calibrateOptions() Options {
	opts := DefaultOptions()
	opts.Calibrate = true
	opts.ProbeTimeout = 50 * time.Millisecond
	return opts
}

// probeOnSubscribe makes the mock push value on the probe channel as soon as
// it is subscribed.
func probeOnSubscribe(radio *mockRadio, value []byte) {
	radio.onSubscribe = func(service, characteristic string) {
		radio.Notify(testAddr, service, characteristic, value)
	}
}

func TestCalibrationBelowThresholdClears(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"), fullChannel("0107"))
	probeOnSubscribe(radio, []byte{3})
	m := newTestMachine(t, radio, grantAll(), calibrateOptions())
	events, cancel := m.Listen(32)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != Ready || !m.Cleared() {
		t.Errorf("State() = %v, Cleared() = %v; want ready and cleared", m.State(), m.Cleared())
	}

	got := drain(events)
	want := []State{Connecting, Discovering, Calibrating, Ready}
	if states := statesOf(got); !equalStates(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if countKind(got, EventCleared) != 1 || countKind(got, EventAdvisory) != 0 {
		t.Errorf("cleared = %d, advisory = %d; want 1, 0", countKind(got, EventCleared), countKind(got, EventAdvisory))
	}
	if radio.count("frameSize") != 1 {
		t.Errorf("frame size requested %d times, want 1", radio.count("frameSize"))
	}
	if radio.count("unsubscribe") != 1 {
		t.Errorf("unsubscribe called %d times, want 1", radio.count("unsubscribe"))
	}
}

func TestCalibrationAboveThresholdRaisesAdvisory(t *testing.T) {
	radio := newMockRadio(fullChannel("0107"))
	probeOnSubscribe(radio, []byte{9})

	var mu sync.Mutex
	var advisories []Advisory
	opts := calibrateOptions()
	opts.OnAdvisory = func(a Advisory) {
		mu.Lock()
		defer mu.Unlock()
		advisories = append(advisories, a)
	}
	m := newTestMachine(t, radio, grantAll(), opts)
	events, cancel := m.Listen(32)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != Ready {
		t.Errorf("State() = %v, want ready regardless of the probe value", m.State())
	}
	if m.Cleared() {
		t.Error("Cleared() should be false while an advisory is pending")
	}

	got := drain(events)
	if countKind(got, EventAdvisory) != 1 || countKind(got, EventCleared) != 0 {
		t.Errorf("advisory = %d, cleared = %d; want 1, 0", countKind(got, EventAdvisory), countKind(got, EventCleared))
	}
	for _, ev := range got {
		if ev.Kind == EventAdvisory && (ev.Advisory == nil || ev.Advisory.Value != 9 || ev.Advisory.Threshold != 5) {
			t.Errorf("advisory event = %+v", ev.Advisory)
		}
	}

	mu.Lock()
	if len(advisories) != 1 || advisories[0].Channel != "0107" {
		t.Errorf("OnAdvisory calls = %+v", advisories)
	}
	mu.Unlock()

	ch, _ := m.Channel("0107")
	if ch.Subscribed() || radio.count("unsubscribe") != 1 {
		t.Error("probe channel must be unsubscribed after calibration")
	}
}

func TestCalibrationProbeTimeoutStillUnsubscribes(t *testing.T) {
	radio := newMockRadio(fullChannel("0107"))
	m := newTestMachine(t, radio, grantAll(), calibrateOptions())

	start := time.Now()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("probe wait should be bounded by ProbeTimeout")
	}
	if m.State() != Ready || !m.Cleared() {
		t.Errorf("State() = %v, Cleared() = %v; want ready and cleared", m.State(), m.Cleared())
	}
	if radio.count("unsubscribe") != 1 {
		t.Errorf("unsubscribe called %d times, want 1", radio.count("unsubscribe"))
	}
}

func TestCalibrationProbeSubscribeFailure(t *testing.T) {
	radio := newMockRadio(fullChannel("0107"))
	radio.subscribeErr = errors.New("gatt error")
	m := newTestMachine(t, radio, grantAll(), calibrateOptions())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != Ready {
		t.Errorf("State() = %v, want ready", m.State())
	}
	ch, _ := m.Channel("0107")
	if ch.Subscribed() {
		t.Error("failed probe subscribe must leave the channel unsubscribed")
	}
}

func TestCalibrationFrameSizeFailureWithholdsReadiness(t *testing.T) {
	radio := newMockRadio(fullChannel("0107"))
	radio.frameErr = errors.New("mtu refused")
	m := newTestMachine(t, radio, grantAll(), calibrateOptions())
	events, cancel := m.Listen(32)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != Ready {
		t.Errorf("State() = %v, want ready", m.State())
	}
	if m.Cleared() {
		t.Error("Cleared() must be false when the frame size request fails")
	}
	if radio.count("subscribe") != 0 {
		t.Error("probe must not run when the frame size request fails")
	}

	got := drain(events)
	if n := countKind(got, EventFailure); n != 1 {
		t.Errorf("failure events = %d, want 1", n)
	}
	for _, ev := range got {
		if ev.Kind == EventFailure && !errors.Is(ev.Err, ErrTransport) {
			t.Errorf("failure = %v, want ErrTransport", ev.Err)
		}
	}
}

func TestCalibrationMissingProbeChannel(t *testing.T) {
	radio := newMockRadio(fullChannel("0001"))
	m := newTestMachine(t, radio, grantAll(), calibrateOptions())
	events, cancel := m.Listen(32)
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != Ready {
		t.Errorf("State() = %v, want ready", m.State())
	}
	if n := countKind(drain(events), EventAnomaly); n != 1 {
		t.Errorf("anomaly events = %d, want 1", n)
	}
}

func TestDisconnectDuringCalibrationDiscardsResult(t *testing.T) {
	radio := newMockRadio(fullChannel("0107"))
	m := newTestMachine(t, radio, grantAll(), calibrateOptions())
	radio.onSubscribe = func(string, string) {
		if err := m.Disconnect(context.Background()); err != nil {
			t.Errorf("Disconnect() error = %v", err)
		}
	}

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Errorf("Connect() error = %v, want ErrAborted", err)
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if m.Registry() != nil {
		t.Error("registry must stay discarded after a disconnect during calibration")
	}
	if m.Cleared() {
		t.Error("Cleared() must be false after disconnect")
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
