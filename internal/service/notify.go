// Package service reports the driver's lifecycle to systemd.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/chaz8081/blelink/internal/ble"
)

const sdStatus = "STATUS="

// NotifyFunc sends one sd_notify state string. It reports whether the
// message was delivered; false with a nil error means no notify socket.
type NotifyFunc func(state string) (bool, error)

// SdNotify is the NotifyFunc backed by $NOTIFY_SOCKET.
func SdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Notifier translates machine events into systemd notifications: STATUS on
// every state change, READY=1 the first time the machine is Ready and
// STOPPING=1 on shutdown.
type Notifier struct {
	notify NotifyFunc
	ready  bool
}

// NewNotifier returns a Notifier using fn, or SdNotify if fn is nil.
func NewNotifier(fn NotifyFunc) *Notifier {
	if fn == nil {
		fn = SdNotify
	}
	return &Notifier{notify: fn}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, events <-chan ble.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.Handle(ev)
		}
	}
}

// Handle sends the notifications for one event.
func (n *Notifier) Handle(ev ble.Event) {
	switch ev.Kind {
	case ble.EventStateChanged:
		n.send(sdStatus + "BLE " + ev.State.String())
		if ev.State == ble.Ready && !n.ready {
			n.ready = true
			n.send(daemon.SdNotifyReady)
		}
	case ble.EventAdvisory:
		if ev.Advisory != nil {
			n.send(fmt.Sprintf("%sBLE advisory on %s (%.2f > %.2f)",
				sdStatus, ev.Advisory.Channel, ev.Advisory.Value, ev.Advisory.Threshold))
		}
	case ble.EventFailure:
		if ev.Err != nil {
			n.send(sdStatus + "BLE failure: " + ev.Err.Error())
		}
	}
}

// Stopping tells systemd the service is shutting down.
func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

func (n *Notifier) send(state string) {
	if _, err := n.notify(state); err != nil {
		slog.Warn("[SYSTEMD] notify failed", "state", state, "error", err)
	}
}
