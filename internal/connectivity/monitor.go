// Package connectivity derives the device's Online/Offline state from a
// websocket keepalive held against the registry.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/jashmhta/palitana-yatra-tracker/internal/observability"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultPingTimeout   = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
	initialDialTimeout   = 10 * time.Second
)

// Monitor maintains the Online/Offline state machine. The Offline -> Online
// transition fires the onOnline hook; Resume fires onResume only while Online.
// Scan submission is never gated on this component.
type Monitor struct {
	url          string
	pingInterval time.Duration
	online       atomic.Bool

	mu        sync.Mutex
	onOnline  func()
	onResume  func()
	onOffline func()
}

// NewMonitor constructs a monitor dialing the given websocket URL. A zero
// pingInterval uses the default.
func NewMonitor(url string, pingInterval time.Duration) *Monitor {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	m := new(Monitor)
	m.url = url
	m.pingInterval = pingInterval
	return m
}

// OnOnline registers the hook fired on every Offline -> Online transition.
func (m *Monitor) OnOnline(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = hook
}

// OnOffline registers the hook fired on every Online -> Offline transition.
func (m *Monitor) OnOffline(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = hook
}

// OnResume registers the hook fired when the app returns to the foreground
// while Online.
func (m *Monitor) OnResume(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResume = hook
}

// Online reports the current reachability state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Resume signals a foreground resume. While Online it triggers the resume
// hook; while Offline the reconnect loop is already probing.
func (m *Monitor) Resume() {
	if !m.online.Load() {
		return
	}
	m.mu.Lock()
	hook := m.onResume
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Run keeps a single keepalive session alive until the context terminates,
// reconnecting with exponential backoff and flipping the state machine on
// every transition.
func (m *Monitor) Run(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			m.setOnline(false)
			return
		default:
		}

		dialCtx, dialCancel := context.WithTimeout(ctx, initialDialTimeout)
		conn, _, err := websocket.Dial(dialCtx, m.url, nil)
		dialCancel()
		if err != nil {
			m.setOnline(false)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			observability.Log().Debug("reachability probe failed",
				observability.Field{Key: "url", Value: m.url},
				observability.Field{Key: "retry_in", Value: sleep.String()},
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		backoffCfg.Reset()
		m.setOnline(true)

		err = m.pingLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		m.setOnline(false)
		if errors.Is(err, context.Canceled) {
			return
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// pingLoop drains the connection and pings on the configured interval. It
// returns when a ping fails or the context ends.
func (m *Monitor) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	readCtx := conn.CloseRead(ctx)
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-readCtx.Done():
			return readCtx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) setOnline(online bool) {
	previous := m.online.Swap(online)
	if previous == online {
		return
	}
	m.mu.Lock()
	onOnline := m.onOnline
	onOffline := m.onOffline
	m.mu.Unlock()

	if online {
		observability.Log().Info("connectivity online")
		if onOnline != nil {
			onOnline()
		}
		return
	}
	observability.Log().Info("connectivity offline")
	if onOffline != nil {
		onOffline()
	}
}
