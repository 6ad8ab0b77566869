// Package relay is the single source of truth for the shared stage snapshot. It keeps the latest
// snapshot in memory with a version counter and fans every accepted update out to all peers.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rachllee/hci-stage-manager/pkg/wire"
)

// Entry is an accepted snapshot. Payload is stored exactly as received.
type Entry struct {
	Version    int64
	Origin     string
	Payload    json.RawMessage
	AcceptedAt time.Time
}

// Hub owns the snapshot/version pair and the set of connected peers. All reads and writes of
// that state happen under mu, and fan-out is enqueued under the same lock so every peer sees
// updates in acceptance order.
type Hub struct {
	logger     *slog.Logger
	metrics    *Metrics
	upgrader   websocket.Upgrader
	sendBuffer int

	mu     sync.Mutex
	latest *Entry
	peers  map[*peer]struct{}
}

type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSendBuffer sets how many frames may queue for a single peer before it is disconnected.
func WithSendBuffer(n int) Option {
	return func(h *Hub) { h.sendBuffer = n }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sendBuffer: 64,
		peers:      make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return h
}

// Latest returns the most recently accepted snapshot, if any.
func (h *Hub) Latest() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return Entry{}, false
	}
	return *h.latest, true
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// ServeWS upgrades the request and serves the peer until its connection ends.
func (h *Hub) ServeWS(writer http.ResponseWriter, request *http.Request) {
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := newPeer(uuid.NewString(), conn, h.sendBuffer, h.logger)
	h.register(p)
	defer h.unregister(p)

	go p.writeLoop()
	for {
		raw, err := p.readMessage()
		if err != nil {
			// A read failing after the hub closed the peer is the hub's own doing.
			if !p.closed() && !websocket.IsCloseError(errors.Unwrap(err), websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				p.logger.Warn("connection failed", "err", err)
			}
			return
		}
		h.handle(p, raw)
	}
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = struct{}{}
	h.metrics.Peers.Set(float64(len(h.peers)))
	p.logger.Info("client connected", "peers", len(h.peers))
	if h.latest != nil {
		h.sendLocked(p, h.stateFrameLocked(wire.ServerOrigin))
	}
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	n := len(h.peers)
	h.metrics.Peers.Set(float64(n))
	h.mu.Unlock()
	p.close()
	p.logger.Info("client disconnected", "peers", n)
}

func (h *Hub) handle(p *peer, raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		h.metrics.Malformed.Inc()
		p.logger.Warn("failed to parse message", "err", err)
		return
	}
	switch env.Type {
	case wire.TypeUpdate:
		if !env.HasPayload() {
			p.logger.Warn("dropping update without payload", "origin", env.OriginID)
			return
		}
		h.accept(p, env)
	case wire.TypeRequestState:
		h.mu.Lock()
		if h.latest != nil {
			h.sendLocked(p, h.stateFrameLocked(wire.ServerOrigin))
		}
		h.mu.Unlock()
	default:
		p.logger.Debug("ignoring message", "type", env.Type)
	}
}

// accept replaces the snapshot unconditionally, bumps the version, rebroadcasts to every other
// peer and acknowledges the sender with the same packet.
func (h *Hub) accept(sender *peer, env *wire.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	version := int64(1)
	if h.latest != nil {
		version = h.latest.Version + 1
	}
	h.latest = &Entry{
		Version:    version,
		Origin:     env.OriginID,
		Payload:    append(json.RawMessage(nil), env.Payload...),
		AcceptedAt: time.Now(),
	}
	h.metrics.Updates.Inc()
	h.metrics.Version.Set(float64(version))

	frame := h.stateFrameLocked(env.OriginID)
	if frame == nil {
		return
	}
	for p := range h.peers {
		if p != sender {
			h.sendLocked(p, frame)
		}
	}
	h.sendLocked(sender, frame)
	sender.logger.Info("accepted update", "version", version, "origin", env.OriginID, "peers", len(h.peers))
}

func (h *Hub) stateFrameLocked(origin string) []byte {
	frame, err := wire.Encode(wire.NewState(h.latest.Payload, h.latest.Version, origin))
	if err != nil {
		h.logger.Error("failed to encode state packet", "err", err)
		return nil
	}
	return frame
}

func (h *Hub) sendLocked(p *peer, frame []byte) {
	if frame == nil {
		return
	}
	if !p.enqueue(frame) && !p.closed() {
		h.metrics.Dropped.Inc()
		p.logger.Warn("peer queue full, disconnecting")
		go p.closeWith(websocket.ClosePolicyViolation, "too slow", evictWait)
	}
}

// DisconnectAll sends every peer a going-away close frame and drops its connection.
func (h *Hub) DisconnectAll(reason string) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.closeWith(websocket.CloseGoingAway, reason, writeWait)
	}
}
