package relay

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rachllee/hci-stage-manager/pkg/wire"
)

const (
	payloadU1 = `{"equipment":[],"issues":[{"id":"i1","equipmentId":"mic-1","equipmentLabel":"Vox 1","title":"Hum","status":"problem-detected","reportedBy":"kp","reportedAt":"2024-05-01T17:30:12.345Z"}]}`
	payloadU2 = `{"equipment":[{"id":"light-1","type":"light","label":"Spot","position":{"x":0.5,"y":0.1},"status":"resolved"}],"issues":[]}`
)

type fixture struct {
	hub     *Hub
	metrics *Metrics
	server  *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := NewHub(append([]Option{WithMetrics(m)}, opts...)...)
	srv := httptest.NewServer(NewRouter(h, reg))
	t.Cleanup(srv.Close)
	return &fixture{hub: h, metrics: m, server: srv}
}

// connect dials the relay and waits until the hub has registered the new peer.
func (f *fixture) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	before := f.hub.PeerCount()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.server.URL, "http")+"/", nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	eventually(t, func() bool { return f.hub.PeerCount() > before })
	return conn
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
}

func sendUpdate(t *testing.T, conn *websocket.Conn, payload, origin string) {
	t.Helper()
	send(t, conn, `{"type":"stage:update","payload":`+payload+`,"originId":"`+origin+`"}`)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	env, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("relay sent malformed frame %s: %v", raw, err)
	}
	return env
}

func expectState(t *testing.T, env *wire.Envelope, payload string, version int64, origin string) {
	t.Helper()
	if env.Type != wire.TypeState {
		t.Fatalf("expected state packet, got %q", env.Type)
	}
	if string(env.Payload) != payload || env.Version != version || env.OriginID != origin {
		t.Fatalf("unexpected state packet: version=%d origin=%q payload=%s", env.Version, env.OriginID, env.Payload)
	}
}

func TestBootstrapScenario(t *testing.T) {
	f := newFixture(t)

	a := f.connect(t)
	send(t, a, `{"type":"stage:request-state","originId":"client-a"}`)
	sendUpdate(t, a, payloadU1, "client-a")

	// Nothing was stored when A asked, so the first thing A hears is its own acknowledgment.
	expectState(t, readEnvelope(t, a), payloadU1, 1, "client-a")

	b := f.connect(t)
	expectState(t, readEnvelope(t, b), payloadU1, 1, wire.ServerOrigin)

	entry, ok := f.hub.Latest()
	if !ok || entry.Version != 1 || entry.Origin != "client-a" {
		t.Fatalf("unexpected latest entry: %+v", entry)
	}
}

func TestUpdateIsBroadcastToOthersAndAcknowledged(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)
	b := f.connect(t)
	c := f.connect(t)

	sendUpdate(t, a, payloadU1, "client-a")

	expectState(t, readEnvelope(t, b), payloadU1, 1, "client-a")
	expectState(t, readEnvelope(t, c), payloadU1, 1, "client-a")
	expectState(t, readEnvelope(t, a), payloadU1, 1, "client-a")

	if got := testutil.ToFloat64(f.metrics.Updates); got != 1 {
		t.Fatalf("expected one accepted update, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.Peers); got != 3 {
		t.Fatalf("expected three peers, got %v", got)
	}
}

func TestIdenticalUpdatesStillBumpVersion(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)

	for want := int64(1); want <= 3; want++ {
		sendUpdate(t, a, payloadU1, "client-a")
		expectState(t, readEnvelope(t, a), payloadU1, want, "client-a")
	}
	if got := testutil.ToFloat64(f.metrics.Version); got != 3 {
		t.Fatalf("expected version gauge 3, got %v", got)
	}
}

func TestLastWriteWins(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)
	b := f.connect(t)

	sendUpdate(t, a, payloadU1, "client-a")
	expectState(t, readEnvelope(t, b), payloadU1, 1, "client-a")
	sendUpdate(t, b, payloadU2, "client-b")

	expectState(t, readEnvelope(t, a), payloadU1, 1, "client-a")
	expectState(t, readEnvelope(t, a), payloadU2, 2, "client-b")

	late := f.connect(t)
	expectState(t, readEnvelope(t, late), payloadU2, 2, wire.ServerOrigin)
}

func TestMalformedFramesDoNotCorruptSnapshot(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)

	sendUpdate(t, a, payloadU1, "client-a")
	expectState(t, readEnvelope(t, a), payloadU1, 1, "client-a")

	send(t, a, `{"type":"stage:update","payload":`)
	send(t, a, `[]`)
	send(t, a, `{"type":"stage:update","originId":"client-a"}`)
	send(t, a, `{"type":"stage:update","payload":null,"originId":"client-a"}`)
	send(t, a, `{"type":"stage:ping","originId":"client-a"}`)
	send(t, a, `{"type":"stage:request-state","originId":"client-a"}`)

	// The connection survives and the stored snapshot is untouched.
	expectState(t, readEnvelope(t, a), payloadU1, 1, wire.ServerOrigin)
	if got := testutil.ToFloat64(f.metrics.Malformed); got != 2 {
		t.Fatalf("expected two malformed frames, got %v", got)
	}
}

func TestUnvalidatedPayloadIsRelayedAsIs(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)
	b := f.connect(t)

	sendUpdate(t, a, `{"equipment":"not a list"}`, "client-a")
	expectState(t, readEnvelope(t, b), `{"equipment":"not a list"}`, 1, "client-a")
}

func TestStateEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 before any update, got %d", resp.StatusCode)
	}

	a := f.connect(t)
	sendUpdate(t, a, payloadU2, "client-a")
	readEnvelope(t, a)

	resp, err = http.Get(f.server.URL + "/state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != payloadU2 {
		t.Fatalf("unexpected response %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderVersion) != "1" || resp.Header.Get(HeaderOrigin) != "client-a" {
		t.Fatalf("unexpected headers: %v", resp.Header)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)
	sendUpdate(t, a, payloadU2, "client-a")
	readEnvelope(t, a)

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "stage_relay_updates_total 1") {
		t.Fatalf("metrics missing update counter:\n%s", body)
	}
}

func TestDisconnectAllSendsGoingAway(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)

	f.hub.DisconnectAll("relay shutting down")

	_ = a.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := a.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	eventually(t, func() bool { return f.hub.PeerCount() == 0 })
}

func TestDisconnectedPeerIsForgotten(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t)
	b := f.connect(t)

	_ = b.Close()
	eventually(t, func() bool { return f.hub.PeerCount() == 1 })

	sendUpdate(t, a, payloadU1, "client-a")
	expectState(t, readEnvelope(t, a), payloadU1, 1, "client-a")
}

func TestSlowPeerIsEvicted(t *testing.T) {
	f := newFixture(t, WithSendBuffer(8))
	a := f.connect(t)
	b := f.connect(t)
	slow := f.connect(t)

	versions := make(chan int64, 1024)
	go func() {
		defer close(versions)
		for {
			_ = b.SetReadDeadline(time.Now().Add(10 * time.Second))
			_, raw, err := b.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Decode(raw)
			if err != nil {
				return
			}
			versions <- env.Version
		}
	}()

	// Large frames fill the socket buffers of the peer that never reads.
	payload := `{"equipment":[],"issues":[],"pad":"` + strings.Repeat("x", 256<<10) + `"}`
	var sent int64
	for testutil.ToFloat64(f.metrics.Dropped) < 1 {
		if sent == 400 {
			t.Fatalf("peer was never evicted after %d updates", sent)
		}
		sendUpdate(t, a, payload, "client-a")
		sent++
		if env := readEnvelope(t, a); env.Version != sent {
			t.Fatalf("expected ack for version %d, got %d", sent, env.Version)
		}
	}
	eventually(t, func() bool { return f.hub.PeerCount() == 2 })

	for want := int64(1); want <= sent; want++ {
		select {
		case got, ok := <-versions:
			if !ok {
				t.Fatalf("healthy peer lost its connection before version %d", want)
			}
			if got != want {
				t.Fatalf("healthy peer got version %d, want %d", got, want)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("healthy peer never received version %d", want)
		}
	}

	var err error
	for err == nil {
		_ = slow.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, _, err = slow.ReadMessage()
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseAbnormalClosure) {
		t.Fatalf("expected the slow peer to be closed, got %v", err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDisconnectAllIsNotLoggedAsFailure(t *testing.T) {
	logs := &lockedBuffer{}
	f := newFixture(t, WithLogger(slog.New(slog.NewTextHandler(logs, nil))))
	f.connect(t)
	f.connect(t)

	f.hub.DisconnectAll("relay shutting down")
	eventually(t, func() bool { return strings.Count(logs.String(), "client disconnected") == 2 })

	out := logs.String()
	if strings.Contains(out, "connection failed") {
		t.Fatalf("hub-initiated close was logged as a failure:\n%s", out)
	}
}
