package rooms

import (
	"context"
	"testing"
	"time"

	"continuum/internal/bus"
	"continuum/internal/protocol"
	"continuum/internal/registry"

	"go.uber.org/goleak"
)

// harness runs a rooms service on an isolated bus and lets tests issue
// operations as correlated request envelopes, the way the dispatcher does.
type harness struct {
	t         *testing.T
	bus       *bus.Bus
	svc       *Service
	responses chan protocol.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	svc, err := New(b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &harness{t: t, bus: b, svc: svc, responses: make(chan protocol.Envelope, 32)}
	b.On(svc.ResponseEvent(), func(payload any) {
		if env, ok := payload.(protocol.Envelope); ok {
			h.responses <- env
		}
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return h
}

// call issues one operation and returns its response envelope.
func (h *harness) call(operation string, payload map[string]any) protocol.Envelope {
	h.t.Helper()
	req := protocol.NewRequest(operation, payload)
	h.bus.Emit(h.svc.RequestEvent(), req)

	for {
		select {
		case resp := <-h.responses:
			if resp.CorrelationID == req.CorrelationID {
				return resp
			}
		case <-time.After(2 * time.Second):
			h.t.Fatalf("no response for %s within 2s", operation)
		}
	}
}

// mustCall fails the test if the operation returns an error envelope.
func (h *harness) mustCall(operation string, payload map[string]any) map[string]any {
	h.t.Helper()
	resp := h.call(operation, payload)
	if resp.Kind != protocol.KindResponse {
		h.t.Fatalf("%s returned %s: %v", operation, resp.Kind, resp.Payload)
	}
	return resp.Payload
}

func (h *harness) createRoom(name, creator string, autoJoin bool) string {
	h.t.Helper()
	payload := h.mustCall("createRoom", map[string]any{
		"name": name, "creatorId": creator, "autoJoin": autoJoin,
	})
	roomID, _ := payload["roomId"].(string)
	if roomID == "" {
		h.t.Fatalf("createRoom returned no roomId: %v", payload)
	}
	return roomID
}

func TestCreateRoomAddsCreatorAsParticipant(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t)

	roomID := h.createRoom("design", "ana", false)

	payload := h.mustCall("listRooms", nil)
	if payload["count"] != 1 {
		t.Fatalf("count = %v, want 1", payload["count"])
	}
	summaries := payload["rooms"].([]map[string]any)
	if summaries[0]["roomId"] != roomID || summaries[0]["participants"] != 1 {
		t.Fatalf("summary = %v", summaries[0])
	}
}

func TestSendMessageAppendsToLog(t *testing.T) {
	h := newHarness(t)
	roomID := h.createRoom("design", "ana", false)

	sent := h.mustCall("sendMessage", map[string]any{
		"roomId": roomID, "senderId": "ana", "content": "first",
	})
	if sent["messageId"] == "" {
		t.Fatalf("sendMessage returned no messageId: %v", sent)
	}
	h.mustCall("sendMessage", map[string]any{
		"roomId": roomID, "senderId": "ana", "content": "second",
	})

	history := h.mustCall("roomHistory", map[string]any{"roomId": roomID})
	if history["count"] != 2 {
		t.Fatalf("history count = %v, want 2", history["count"])
	}
	messages := history["messages"].([]map[string]any)
	if messages[0]["content"] != "first" || messages[1]["content"] != "second" {
		t.Fatalf("history order wrong: %v", messages)
	}
}

func TestConcurrentSendsBothLand(t *testing.T) {
	h := newHarness(t)
	roomID := h.createRoom("design", "ana", true)

	// Two requests racing into the queue; the single worker serializes them
	// and neither append may be lost.
	reqA := protocol.NewRequest("sendMessage", map[string]any{
		"roomId": roomID, "senderId": "ana", "content": "from A",
	})
	reqB := protocol.NewRequest("sendMessage", map[string]any{
		"roomId": roomID, "senderId": "bo", "content": "from B",
	})
	go h.bus.Emit(h.svc.RequestEvent(), reqA)
	go h.bus.Emit(h.svc.RequestEvent(), reqB)

	got := 0
	for got < 2 {
		select {
		case resp := <-h.responses:
			if resp.Kind != protocol.KindResponse {
				t.Fatalf("send failed: %v", resp.Payload)
			}
			got++
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 responses arrived", got)
		}
	}

	history := h.mustCall("roomHistory", map[string]any{"roomId": roomID})
	if history["count"] != 2 {
		t.Fatalf("log has %v messages, want 2", history["count"])
	}
}

func TestRestrictedRoomRejectsNonParticipant(t *testing.T) {
	h := newHarness(t)
	roomID := h.createRoom("private", "ana", false)

	resp := h.call("sendMessage", map[string]any{
		"roomId": roomID, "senderId": "mallory", "content": "let me in",
	})
	if resp.Kind != protocol.KindError {
		t.Fatalf("kind = %s, want error", resp.Kind)
	}
	if resp.Payload["code"] != "not_a_participant" {
		t.Fatalf("code = %v, want not_a_participant", resp.Payload["code"])
	}
	if resp.Payload["userId"] != "mallory" {
		t.Fatalf("detail userId = %v, want mallory", resp.Payload["userId"])
	}

	// The rejected send must leave the log untouched.
	history := h.mustCall("roomHistory", map[string]any{"roomId": roomID})
	if history["count"] != 0 {
		t.Fatalf("log has %v messages after rejected send, want 0", history["count"])
	}
}

func TestAutoJoinRoomAdmitsSenderOnFirstMessage(t *testing.T) {
	h := newHarness(t)
	roomID := h.createRoom("lobby", "ana", true)

	h.mustCall("sendMessage", map[string]any{
		"roomId": roomID, "senderId": "bo", "content": "hi all",
	})

	payload := h.mustCall("listRooms", nil)
	summaries := payload["rooms"].([]map[string]any)
	if summaries[0]["participants"] != 2 {
		t.Fatalf("participants = %v, want 2 (creator + auto-joined sender)", summaries[0]["participants"])
	}
}

func TestJoinAndLeave(t *testing.T) {
	h := newHarness(t)
	roomID := h.createRoom("design", "ana", false)

	joined := h.mustCall("joinRoom", map[string]any{"roomId": roomID, "userId": "bo"})
	if joined["participants"] != 2 {
		t.Fatalf("participants after join = %v, want 2", joined["participants"])
	}

	// A joined member may send in a restricted room.
	h.mustCall("sendMessage", map[string]any{
		"roomId": roomID, "senderId": "bo", "content": "hello",
	})

	h.mustCall("leaveRoom", map[string]any{"roomId": roomID, "userId": "bo"})
	resp := h.call("sendMessage", map[string]any{
		"roomId": roomID, "senderId": "bo", "content": "still here?",
	})
	if resp.Kind != protocol.KindError || resp.Payload["code"] != "not_a_participant" {
		t.Fatalf("send after leave = %s %v, want not_a_participant error", resp.Kind, resp.Payload)
	}
}

func TestDeleteRoomCreatorOnly(t *testing.T) {
	h := newHarness(t)
	roomID := h.createRoom("design", "ana", false)
	h.mustCall("joinRoom", map[string]any{"roomId": roomID, "userId": "bo"})

	resp := h.call("deleteRoom", map[string]any{"roomId": roomID, "userId": "bo"})
	if resp.Kind != protocol.KindError || resp.Payload["code"] != "not_creator" {
		t.Fatalf("non-creator delete = %s %v, want not_creator error", resp.Kind, resp.Payload)
	}

	h.mustCall("deleteRoom", map[string]any{"roomId": roomID, "userId": "ana"})

	// Room and its log are gone together.
	resp = h.call("roomHistory", map[string]any{"roomId": roomID})
	if resp.Kind != protocol.KindError || resp.Payload["code"] != "room_not_found" {
		t.Fatalf("history after delete = %s %v, want room_not_found error", resp.Kind, resp.Payload)
	}
}

func TestUnknownRoomOperationsFail(t *testing.T) {
	h := newHarness(t)

	for _, op := range []string{"joinRoom", "leaveRoom", "roomHistory"} {
		resp := h.call(op, map[string]any{"roomId": "ghost", "userId": "ana"})
		if resp.Kind != protocol.KindError || resp.Payload["code"] != "room_not_found" {
			t.Fatalf("%s on missing room = %s %v, want room_not_found", op, resp.Kind, resp.Payload)
		}
	}
}

func TestRoomHistoryLimit(t *testing.T) {
	h := newHarness(t)
	roomID := h.createRoom("busy", "ana", false)
	for _, content := range []string{"one", "two", "three", "four"} {
		h.mustCall("sendMessage", map[string]any{
			"roomId": roomID, "senderId": "ana", "content": content,
		})
	}

	history := h.mustCall("roomHistory", map[string]any{"roomId": roomID, "limit": float64(2)})
	if history["count"] != 2 {
		t.Fatalf("limited count = %v, want 2", history["count"])
	}
	messages := history["messages"].([]map[string]any)
	if messages[0]["content"] != "three" || messages[1]["content"] != "four" {
		t.Fatalf("limit must keep most recent: %v", messages)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	h := newHarness(t)
	resp := h.call("createRoom", map[string]any{"name": 42, "creatorId": "ana"})
	if resp.Kind != protocol.KindError {
		t.Fatalf("kind = %s, want error", resp.Kind)
	}
}

func TestCommandDefinitionsRegister(t *testing.T) {
	reg := registry.New()
	if err := RegisterCommandDefinitions(reg); err != nil {
		t.Fatalf("RegisterCommandDefinitions: %v", err)
	}
	for _, name := range []string{"createRoom", "deleteRoom", "joinRoom", "leaveRoom", "sendMessage", "listRooms", "roomHistory"} {
		def, err := reg.Resolve("rooms", name)
		if err != nil {
			t.Fatalf("Resolve rooms/%s: %v", name, err)
		}
		if def.Affinity != registry.AffinityLocal {
			t.Fatalf("rooms/%s affinity = %s, want local", name, def.Affinity)
		}
	}
}
