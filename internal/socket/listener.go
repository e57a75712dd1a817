// Stall is a seller-side runtime for the Agent Commerce Protocol.
// Copyright (C) 2025 The Stall Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package socket maintains the push channel to the ACP backend. It
// dials the backend's websocket endpoint, authenticates with the wallet
// address, and feeds onNewTask/onEvaluate frames to callbacks. The
// connection self-heals: automatic reconnect with capped backoff,
// manual re-dial after server-initiated closes, and a PagerDuty-style
// alert when the channel stays down too long.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stall/internal/alert"
	"stall/internal/metrics"
)

// Defaults for the self-healing behavior. Thresholds are configurable;
// the wire timings are not.
const (
	DefaultDisconnectThreshold = 120 * time.Second
	DefaultMaxManualAttempts   = 3

	reconnectBase  = time.Second
	reconnectCap   = 30 * time.Second
	manualInterval = 5 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 1 << 20

	monitorEvery   = 10 * time.Second
	heartbeatEvery = 30 * time.Second
)

// Events the backend pushes into the seller room.
const (
	eventRoomJoined = "roomJoined"
	eventNewTask    = "onNewTask"
	eventEvaluate   = "onEvaluate"
)

// frame is the wire envelope in both directions. Frames carrying an
// ackId are acknowledged; the id is echoed back verbatim.
type frame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	AckID any            `json:"ackId,omitempty"`
}

// wsConn is the slice of *websocket.Conn the listener uses, split out
// so tests can substitute a scripted connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Config wires a Listener.
type Config struct {
	// BaseURL is the backend base URL (http/https or ws/wss); the
	// listener derives the /ws endpoint from it.
	BaseURL       string
	WalletAddress string
	APIKey        string

	OnNewTask  func(payload map[string]any)
	OnEvaluate func(payload map[string]any)

	Logger  *slog.Logger
	Alerter *alert.Alerter

	// DisconnectThreshold is how long the channel may stay down before
	// an incident is triggered. Zero means DefaultDisconnectThreshold.
	DisconnectThreshold time.Duration
	// MaxManualAttempts is the count of failed manual reconnects that
	// triggers the same incident. Zero means DefaultMaxManualAttempts.
	MaxManualAttempts int
}

// Listener runs the push channel until its context is canceled.
type Listener struct {
	cfg     Config
	logger  *slog.Logger
	alerter *alert.Alerter

	dial func(ctx context.Context) (wsConn, error)
	now  func() time.Time

	// Reconnect pacing, overridable in tests.
	backoffBase time.Duration
	backoffCap  time.Duration
	manualWait  time.Duration
	monitorTick time.Duration
	beatTick    time.Duration

	mu             sync.Mutex
	connected      bool
	disconnectedAt time.Time
	manualMode     bool
	manualFails    int
}

// New builds a listener. The returned listener does nothing until Run.
func New(cfg Config) (*Listener, error) {
	if cfg.WalletAddress == "" {
		return nil, errors.New("socket: wallet address is empty")
	}
	endpoint, err := wsURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Alerter == nil {
		cfg.Alerter = alert.New("", cfg.Logger)
	}
	if cfg.DisconnectThreshold <= 0 {
		cfg.DisconnectThreshold = DefaultDisconnectThreshold
	}
	if cfg.MaxManualAttempts <= 0 {
		cfg.MaxManualAttempts = DefaultMaxManualAttempts
	}

	l := &Listener{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "socket"),
		alerter:     cfg.Alerter,
		now:         time.Now,
		backoffBase: reconnectBase,
		backoffCap:  reconnectCap,
		manualWait:  manualInterval,
		monitorTick: monitorEvery,
		beatTick:    heartbeatEvery,
	}
	l.dial = func(ctx context.Context) (wsConn, error) {
		header := http.Header{}
		if cfg.APIKey != "" {
			header.Set("x-api-key", cfg.APIKey)
		}
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
		conn, resp, err := dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
			}
			return nil, fmt.Errorf("websocket handshake: %w", err)
		}
		return conn, nil
	}
	return l, nil
}

// wsURL derives the websocket endpoint from the backend base URL.
func wsURL(base string) (string, error) {
	if base == "" {
		return "", errors.New("socket: base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("socket: invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socket: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Run drives the connection until ctx is canceled. It always returns
// ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	go l.monitor(ctx)
	go l.heartbeat(ctx)

	backoff := l.backoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		hadSession, err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if hadSession {
			backoff = l.backoffBase
		}

		wait := backoff
		if l.inManualMode() {
			wait = l.manualWait
		} else {
			backoff *= 2
			if backoff > l.backoffCap {
				backoff = l.backoffCap
			}
		}
		wait += time.Duration(rand.Float64() * 0.25 * float64(wait))
		l.logger.Warn("socket disconnected", "error", errString(err), "retryInMs", wait.Milliseconds())

		if serr := sleepCtx(ctx, wait); serr != nil {
			return serr
		}
	}
}

// runOnce dials, authenticates, and pumps frames until the connection
// drops. It reports whether a session was established at all.
func (l *Listener) runOnce(ctx context.Context) (bool, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		l.noteDialFailure(err)
		return false, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(l.now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(l.now().Add(pongWait))
	})

	if err := l.writeJSON(conn, map[string]any{"walletAddress": l.cfg.WalletAddress}); err != nil {
		l.noteDialFailure(err)
		return false, fmt.Errorf("send hello: %w", err)
	}
	l.noteConnect()

	go l.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.noteDisconnect(isServerClose(err))
			return true, err
		}
		l.handleFrame(conn, data)
	}
}

func (l *Listener) handleFrame(conn wsConn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		l.logger.Warn("unparseable socket frame", "error", err)
		return
	}

	if f.AckID != nil {
		if err := l.writeJSON(conn, frame{Event: "ack", Data: map[string]any{"id": f.AckID, "ok": true}}); err != nil {
			l.logger.Warn("socket ack failed", "error", err)
		}
	}

	event := strings.TrimSpace(f.Event)
	metrics.IncSocketEvent(event)
	switch event {
	case eventRoomJoined:
		l.logger.Info("joined seller room")
	case eventNewTask:
		if l.cfg.OnNewTask != nil {
			// Stages may run long; never stall the read pump.
			go l.cfg.OnNewTask(f.Data)
		}
	case eventEvaluate:
		if l.cfg.OnEvaluate != nil {
			go l.cfg.OnEvaluate(f.Data)
		}
	case "":
		l.logger.Warn("socket frame without event name")
	default:
		l.logger.Debug("ignoring socket event", "event", event)
	}
}

func (l *Listener) pingLoop(conn wsConn, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, l.now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (l *Listener) writeJSON(conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.SetWriteDeadline(l.now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// monitor raises the prolonged-disconnect incident. The alerter dedups,
// so firing on every tick past the threshold is safe.
func (l *Listener) monitor(ctx context.Context) {
	t := time.NewTicker(l.monitorTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			down, since := l.downFor()
			if down && since >= l.cfg.DisconnectThreshold {
				l.alerter.Trigger(ctx,
					fmt.Sprintf("seller socket disconnected for %s", since.Round(time.Second)),
					"stall-seller")
			}
		}
	}
}

func (l *Listener) heartbeat(ctx context.Context) {
	t := time.NewTicker(l.beatTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			down, since := l.downFor()
			if down {
				l.logger.Warn("socket heartbeat", "connected", false, "downForMs", since.Milliseconds())
			} else {
				l.logger.Info("socket heartbeat", "connected", true)
			}
		}
	}
}

func (l *Listener) downFor() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected || l.disconnectedAt.IsZero() {
		return false, 0
	}
	return true, l.now().Sub(l.disconnectedAt)
}

func (l *Listener) inManualMode() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manualMode
}

func (l *Listener) noteConnect() {
	l.mu.Lock()
	l.connected = true
	l.disconnectedAt = time.Time{}
	l.manualMode = false
	l.manualFails = 0
	l.mu.Unlock()

	metrics.IncSocketEvent("connected")
	l.logger.Info("socket connected")
	go l.alerter.Resolve(context.Background())
}

func (l *Listener) noteDisconnect(serverClose bool) {
	l.mu.Lock()
	l.connected = false
	if l.disconnectedAt.IsZero() {
		l.disconnectedAt = l.now()
	}
	if serverClose {
		l.manualMode = true
		l.manualFails = 0
	}
	l.mu.Unlock()

	metrics.IncSocketEvent("disconnected")
	if serverClose {
		l.logger.Warn("server closed the socket, switching to manual reconnect")
	}
}

func (l *Listener) noteDialFailure(err error) {
	l.mu.Lock()
	l.connected = false
	if l.disconnectedAt.IsZero() {
		l.disconnectedAt = l.now()
	}
	fails := 0
	if l.manualMode {
		l.manualFails++
		fails = l.manualFails
	}
	limit := l.cfg.MaxManualAttempts
	l.mu.Unlock()

	if fails >= limit {
		summary := fmt.Sprintf("seller socket: %d manual reconnect attempts failed", fails)
		go l.alerter.Trigger(context.Background(), summary, "stall-seller")
	}
}

// isServerClose reports whether the peer sent a close frame, which is
// the signal to stop automatic backoff and re-dial on a fixed interval.
// Code 1006 never travels on the wire; gorilla synthesizes it for
// abrupt drops, which follow the automatic path instead.
func isServerClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code != websocket.CloseAbnormalClosure
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
