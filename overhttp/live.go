// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// LiveMonitorConfig holds live channel settings.
type LiveMonitorConfig struct {
	BaseURL    string
	Token      TokenFunc // optional
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// ReadTimeout is how long the channel may stay silent before the server is
	// considered gone. Zero means three default heartbeat intervals.
	ReadTimeout time.Duration
	// OnChange is called for every change notice, from the monitor goroutine.
	OnChange func(table, id string)
}

// LiveMonitor is an oversync.Connectivity backed by the server's live
// channel: online while the websocket is up.
type LiveMonitor struct {
	url         string
	token       TokenFunc
	minBackoff  time.Duration
	maxBackoff  time.Duration
	readTimeout time.Duration
	onChange    func(table, id string)
	logger      *slog.Logger

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
	cancel context.CancelFunc
	done   chan struct{}
}

var _ oversync.Connectivity = (*LiveMonitor)(nil)

// NewLiveMonitor creates a monitor. It stays offline until Start.
func NewLiveMonitor(config *LiveMonitorConfig, logger *slog.Logger) (*LiveMonitor, error) {
	if config == nil || config.BaseURL == "" {
		return nil, errors.New("remote base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &LiveMonitor{
		url:         liveURL(config.BaseURL),
		token:       config.Token,
		minBackoff:  config.MinBackoff,
		maxBackoff:  config.MaxBackoff,
		readTimeout: config.ReadTimeout,
		onChange:    config.OnChange,
		logger:      logger,
		subs:        make(map[int]func(bool)),
	}
	if m.minBackoff <= 0 {
		m.minBackoff = DefaultMinBackoff
	}
	if m.maxBackoff < m.minBackoff {
		m.maxBackoff = max(DefaultMaxBackoff, m.minBackoff)
	}
	if m.readTimeout <= 0 {
		m.readTimeout = 3 * DefaultHeartbeatInterval
	}
	return m, nil
}

func liveURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + livePath
}

func (m *LiveMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *LiveMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *LiveMonitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("Remote connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Start connects in the background and keeps reconnecting until Stop or ctx
// is cancelled.
func (m *LiveMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("live monitor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	return nil
}

// Stop disconnects and waits for the monitor goroutine. Stopping twice is a no-op.
func (m *LiveMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.setOnline(false)
}

func (m *LiveMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := m.minBackoff
	for {
		connected, err := m.session(ctx)
		m.setOnline(false)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = m.minBackoff
		}
		m.logger.Debug("Live channel down, reconnecting", "error", err, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, m.maxBackoff)
	}
}

// session holds one websocket connection until it fails. connected reports
// whether the dial succeeded.
func (m *LiveMonitor) session(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{}
	if m.token != nil {
		token, err := m.token(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to get token: %w", err)
		}
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, resp, err := websocket.Dial(ctx, m.url, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.logger.Warn("Live channel rejected credentials")
		}
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	m.setOnline(true)
	for {
		readCtx, cancel := context.WithTimeout(ctx, m.readTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return true, err
		}

		var msg LiveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("Ignoring malformed live message", "error", err)
			continue
		}
		if msg.Type == LiveChange && m.onChange != nil {
			m.onChange(msg.Table, msg.ID)
		}
	}
}
