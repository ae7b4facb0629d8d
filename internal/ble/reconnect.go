package ble

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// startReconnect spawns the reconnect loop unless one is already running.
func (m *Machine) startReconnect() {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop re-runs the connection lifecycle with exponential backoff
// until it succeeds, the caller disconnects or the machine is closed.
func (m *Machine) reconnectLoop() {
	defer m.wg.Done()
	defer m.reconnecting.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, m.opts.ReconnectMax)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		err := m.connect(ctx, false)
		switch {
		case err == nil:
			slog.Info("[BLE] reconnected", "addr", m.address)
			return
		case errors.Is(err, ErrAborted), errors.Is(err, ErrPrecondition), ctx.Err() != nil:
			// Disconnected by the caller, closed, or another Connect owns the machine.
			return
		default:
			slog.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
		}
	}
}
