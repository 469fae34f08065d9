package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"continuum/internal/bus"
	"continuum/internal/correlation"
	"continuum/internal/dispatch"
	"continuum/internal/metrics"
	"continuum/internal/protocol"
	"continuum/internal/registry"
	"continuum/internal/rooms"

	"github.com/gorilla/websocket"
)

type testGateway struct {
	server  *Server
	httpSrv *httptest.Server
	bus     *bus.Bus
	tracker *correlation.Tracker
}

// newTestGateway stands up the full transport surface over a rooms daemon,
// served from an httptest listener.
func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	b := bus.New()
	tr := correlation.New(nil)
	reg := registry.New()
	d := dispatch.New(b, tr, reg)

	svc, err := rooms.New(b, nil)
	if err != nil {
		t.Fatalf("rooms.New: %v", err)
	}
	if err := svc.RegisterCommands(reg); err != nil {
		t.Fatalf("RegisterCommands: %v", err)
	}
	d.AttachDaemon(svc.ResponseEvent())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("rooms Start: %v", err)
	}
	t.Cleanup(svc.Stop)

	srv, err := New(Options{
		Addr:            "127.0.0.1:0",
		PingInterval:    30 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxMessageSize:  1 << 20,
		RequestTimeout:  5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}, d, reg, nil, metrics.New())
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}

	httpSrv := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(httpSrv.Close)

	return &testGateway{server: srv, httpSrv: httpSrv, bus: b, tracker: tr}
}

func (g *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.httpSrv.URL, "http") + "/ws"
}

// dial opens a WebSocket client negotiating the given subprotocol.
func (g *testGateway) dial(t *testing.T, subprotocol string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{subprotocol}}
	ws, _, err := dialer.Dial(g.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// roundTrip sends a request envelope and reads envelopes until the matching
// response arrives.
func roundTrip(t *testing.T, ws *websocket.Conn, codec protocol.Codec, req protocol.Envelope) protocol.Envelope {
	t.Helper()
	data, err := codec.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	messageType := websocket.TextMessage
	if codec.Name() == protocol.SubprotocolCBOR {
		messageType = websocket.BinaryMessage
	}
	if err := ws.WriteMessage(messageType, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		env, err := codec.Decode(frame)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if env.CorrelationID == req.CorrelationID {
			return env
		}
	}
}

func TestWebSocketJSONRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, protocol.SubprotocolJSON)
	if got := ws.Subprotocol(); got != protocol.SubprotocolJSON {
		t.Fatalf("negotiated subprotocol = %q, want %s", got, protocol.SubprotocolJSON)
	}
	codec := protocol.JSONCodec{}

	create := protocol.NewRequest("rooms/createRoom", map[string]any{
		"name": "design", "creatorId": "ana",
	})
	resp := roundTrip(t, ws, codec, create)
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("createRoom reply = %s: %v", resp.Kind, resp.Payload)
	}
	roomID, _ := resp.Payload["roomId"].(string)
	if roomID == "" {
		t.Fatalf("no roomId in %v", resp.Payload)
	}

	send := protocol.NewRequest("rooms/sendMessage", map[string]any{
		"roomId": roomID, "senderId": "ana", "content": "over the wire",
	})
	resp = roundTrip(t, ws, codec, send)
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("sendMessage reply = %s: %v", resp.Kind, resp.Payload)
	}

	history := protocol.NewRequest("rooms/roomHistory", map[string]any{"roomId": roomID})
	resp = roundTrip(t, ws, codec, history)
	if resp.Payload["count"] != float64(1) {
		t.Fatalf("history count = %v, want 1", resp.Payload["count"])
	}
}

func TestWebSocketCBORRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, protocol.SubprotocolCBOR)
	if got := ws.Subprotocol(); got != protocol.SubprotocolCBOR {
		t.Fatalf("negotiated subprotocol = %q, want %s", got, protocol.SubprotocolCBOR)
	}
	codec := protocol.CBORCodec{}

	create := protocol.NewRequest("rooms/createRoom", map[string]any{
		"name": "binary", "creatorId": "bo",
	})
	resp := roundTrip(t, ws, codec, create)
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("createRoom reply = %s: %v", resp.Kind, resp.Payload)
	}
	if roomID, _ := resp.Payload["roomId"].(string); roomID == "" {
		t.Fatalf("no roomId in %v", resp.Payload)
	}
}

func TestValidationErrorComesBackOverWire(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, protocol.SubprotocolJSON)
	codec := protocol.JSONCodec{}

	// creatorId missing: the dispatcher validates before the daemon runs.
	req := protocol.NewRequest("rooms/createRoom", map[string]any{"name": "x"})
	resp := roundTrip(t, ws, codec, req)
	if resp.Kind != protocol.KindError {
		t.Fatalf("reply = %s, want error", resp.Kind)
	}
	if resp.Payload["code"] != protocol.CodeValidation {
		t.Fatalf("code = %v, want %s", resp.Payload["code"], protocol.CodeValidation)
	}
}

func TestMalformedFrameIsDroppedConnectionSurvives(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, protocol.SubprotocolJSON)
	codec := protocol.JSONCodec{}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{garbage")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The connection must still serve valid traffic afterwards.
	req := protocol.NewRequest("rooms/listRooms", map[string]any{})
	resp := roundTrip(t, ws, codec, req)
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("reply after garbage = %s: %v", resp.Kind, resp.Payload)
	}
}

func TestDisconnectNotifiesSink(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, protocol.SubprotocolJSON)

	deadline := time.Now().Add(2 * time.Second)
	for g.server.ConnCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ws.Close()
	for g.server.ConnCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never deregistered after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t)
	resp, err := http.Get(g.httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCommandsEndpoint(t *testing.T) {
	g := newTestGateway(t)
	resp, err := http.Get(g.httpSrv.URL + "/api/commands?category=rooms")
	if err != nil {
		t.Fatalf("GET /api/commands: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRoomsEndpointDispatchesThroughCore(t *testing.T) {
	g := newTestGateway(t)
	resp, err := http.Get(g.httpSrv.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET /api/rooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if g.tracker.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after HTTP dispatch, want 0", g.tracker.PendingCount())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t)
	resp, err := http.Get(g.httpSrv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStaleFrameStillProcessed(t *testing.T) {
	g := newTestGateway(t)
	ws := g.dial(t, protocol.SubprotocolJSON)
	codec := protocol.JSONCodec{}

	// A frame stamped a minute ago is logged as stale but never dropped:
	// peer clocks are not synchronized.
	create := protocol.NewRequest("rooms/createRoom", map[string]any{
		"name": "archive", "creatorId": "ana",
	})
	create.Timestamp = time.Now().Add(-time.Minute).UnixMilli()

	resp := roundTrip(t, ws, codec, create)
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("Kind = %q, want %q (payload %v)", resp.Kind, protocol.KindResponse, resp.Payload)
	}
}
