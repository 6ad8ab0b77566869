// Package agent keeps one session's local stage document loosely synchronized with the relay.
//
// An Agent owns a single websocket connection at a time. It pushes the whole document whenever
// it changes locally, replaces the document whenever another session's update arrives, and
// reconnects after a fixed delay for as long as it runs.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rachllee/hci-stage-manager/pkg/stage"
	"github.com/rachllee/hci-stage-manager/pkg/wire"
)

const writeWait = 10 * time.Second

type Agent struct {
	url            string
	originID       string
	doc            *stage.Document
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *slog.Logger
	onStatus       func(Status, string)

	mu      sync.Mutex
	status  Status
	errText string
	version int64

	// lastFingerprint and awaitingEcho are only touched by the Run goroutine.
	lastFingerprint string
	awaitingEcho    bool
}

type Option func(*Agent)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(a *Agent) { a.reconnectDelay = d }
}

// WithStatusHook registers fn to be called on every status transition, from the Run goroutine.
func WithStatusHook(fn func(Status, string)) Option {
	return func(a *Agent) { a.onStatus = fn }
}

func WithOriginID(id string) Option {
	return func(a *Agent) { a.originID = id }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

// New creates an agent for the relay at url. An empty url leaves the agent permanently
// unavailable.
func New(url string, doc *stage.Document, opts ...Option) *Agent {
	a := &Agent{
		url:            url,
		originID:       "client-" + uuid.NewString(),
		doc:            doc,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: DefaultReconnectDelay,
		status:         StatusConnecting,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("origin", a.originID)
	if a.url == "" {
		a.status = StatusUnavailable
		a.errText = errTextUnavailable
	}
	return a
}

func (a *Agent) OriginID() string { return a.originID }

func (a *Agent) Document() *stage.Document { return a.doc }

// Status returns the current status and any error text that goes with it.
func (a *Agent) Status() (Status, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.errText
}

// Version is the last relay version seen on a state packet. It is informational only.
func (a *Agent) Version() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// Run connects and keeps reconnecting until ctx is done. Cancelling ctx closes the connection
// and stops any pending reconnect.
func (a *Agent) Run(ctx context.Context) error {
	if a.url == "" {
		a.logger.Warn("no sync url resolved, sync disabled")
		a.setStatus(StatusUnavailable, errTextUnavailable)
		return nil
	}

	changes, stop := a.doc.Watch()
	defer stop()

	for {
		a.session(ctx, changes)
		if ctx.Err() != nil {
			return nil
		}
		t := time.NewTimer(a.reconnectDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

func (a *Agent) session(ctx context.Context, changes <-chan struct{}) {
	a.setStatus(StatusConnecting, "")
	a.logger.Info("attempting to connect", "url", a.url)

	conn, _, err := a.dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.fail(err)
		a.closed()
		return
	}
	defer conn.Close()

	a.awaitingEcho = false
	a.setStatus(StatusConnected, "")
	if err := a.write(conn, wire.NewRequestState(a.originID)); err != nil {
		a.logger.Warn("failed to request state", "err", err)
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- raw:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case raw := <-frames:
			a.handleFrame(conn, raw, changes)
		case <-changes:
			a.broadcast(conn)
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				a.fail(err)
			}
			a.closed()
			return
		case <-ctx.Done():
			a.logger.Info("cleaning up websocket connection")
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// handleFrame sends any local edit that is still pending before applying raw, so a remote state
// can never overwrite an edit that was not yet broadcast.
func (a *Agent) handleFrame(conn *websocket.Conn, raw []byte, changes <-chan struct{}) {
	select {
	case <-changes:
		a.broadcast(conn)
	default:
	}
	a.receive(raw)
}

// receive applies another session's state packet. Echoes of our own updates, packets queued ahead
// of that echo, other message types and undecodable payloads are dropped without touching the
// document.
func (a *Agent) receive(raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		a.logger.Warn("failed to parse sync payload", "err", err)
		return
	}
	if env.Type != wire.TypeState || !env.HasPayload() {
		return
	}

	a.mu.Lock()
	a.version = env.Version
	a.mu.Unlock()

	if env.OriginID == a.originID {
		a.awaitingEcho = false
		a.logger.Debug("discarding own echo", "version", env.Version)
		return
	}
	// The relay delivers in acceptance order, so anything ahead of our echo is older than our
	// update and already lost to it.
	if a.awaitingEcho {
		a.logger.Debug("discarding state superseded by own update", "from", env.OriginID, "version", env.Version)
		return
	}

	snap, err := stage.Decode(env.Payload)
	if err != nil {
		a.logger.Warn("failed to parse sync payload", "err", err, "version", env.Version)
		return
	}
	payload, err := stage.Encode(snap)
	if err != nil {
		a.logger.Warn("failed to fingerprint remote state", "err", err)
		return
	}
	a.lastFingerprint = stage.Fingerprint(payload)
	a.doc.ApplyRemote(snap)
	a.logger.Info("received remote state",
		"from", env.OriginID,
		"version", env.Version,
		"equipment", len(snap.Equipment),
		"issues", len(snap.Issues),
	)
}

// broadcast sends the document if it differs from the last state sent or received. The
// fingerprint is recorded before writing so a slow write can not cause a duplicate send.
func (a *Agent) broadcast(conn *websocket.Conn) {
	if status, _ := a.Status(); status != StatusConnected {
		return
	}
	snap := a.doc.Snapshot()
	payload, err := stage.Encode(snap)
	if err != nil {
		a.logger.Warn("failed to serialize stage state", "err", err)
		return
	}
	fingerprint := stage.Fingerprint(payload)
	if fingerprint == a.lastFingerprint {
		return
	}
	a.lastFingerprint = fingerprint

	if err := a.write(conn, wire.NewUpdate(payload, a.originID)); err != nil {
		a.logger.Warn("failed to broadcast stage update", "err", err)
		return
	}
	a.awaitingEcho = true
	a.logger.Info("broadcasted stage update", "equipment", len(snap.Equipment), "issues", len(snap.Issues))
}

func (a *Agent) write(conn *websocket.Conn, env wire.Envelope) error {
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", env.Type, err)
	}
	return nil
}

func (a *Agent) fail(err error) {
	a.logger.Warn("websocket error, marked as offline", "err", err)
	a.setStatus(StatusError, errTextUnreachable)
}

// closed records the end of a connection. An error already recorded stays visible.
func (a *Agent) closed() {
	a.logger.Info("connection closed, scheduling reconnect", "delay", a.reconnectDelay)
	a.mu.Lock()
	if a.status == StatusError {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.setStatus(StatusDisconnected, "")
}

func (a *Agent) setStatus(s Status, errText string) {
	a.mu.Lock()
	prev := a.status
	a.status = s
	a.errText = errText
	a.mu.Unlock()
	if prev != s {
		a.logger.Info("sync status changed", "from", prev, "to", s)
	}
	if a.onStatus != nil {
		a.onStatus(s, errText)
	}
}
