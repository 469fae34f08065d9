package rooms

import (
	"context"
	"fmt"
	"time"

	"continuum/internal/bus"
	"continuum/internal/daemon"
	"continuum/internal/logging"
	"continuum/internal/protocol"
	"continuum/internal/registry"

	"github.com/google/uuid"
)

// Service is the room/message daemon. It owns the roomID -> Room map; the
// embedded daemon's single worker is the only writer.
type Service struct {
	*daemon.Daemon

	rooms map[string]*Room
	store Store // nil when persistence is not configured
	log   *logging.Logger
}

// New creates the rooms service on the given bus. A nil store disables
// persistence; otherwise previously stored rooms are loaded before the
// daemon starts serving.
func New(b *bus.Bus, store Store) (*Service, error) {
	s := &Service{
		Daemon: daemon.New("rooms", b),
		rooms:  make(map[string]*Room),
		store:  store,
		log:    logging.Get(logging.CategoryRooms),
	}

	if store != nil {
		loaded, err := store.LoadRooms()
		if err != nil {
			return nil, fmt.Errorf("load rooms: %w", err)
		}
		for _, room := range loaded {
			s.rooms[room.ID] = room
		}
		s.log.Info("loaded %d rooms from store", len(loaded))
	}

	for op, h := range map[string]daemon.Handler{
		"createRoom":  s.handleCreateRoom,
		"deleteRoom":  s.handleDeleteRoom,
		"joinRoom":    s.handleJoinRoom,
		"leaveRoom":   s.handleLeaveRoom,
		"sendMessage": s.handleSendMessage,
		"listRooms":   s.handleListRooms,
		"roomHistory": s.handleRoomHistory,
	} {
		if err := s.RegisterOperation(op, h); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// RegisterCommands publishes the service's command definitions into the
// registry so callers can resolve and validate before dispatching.
func (s *Service) RegisterCommands(reg *registry.Registry) error {
	return RegisterCommandDefinitions(reg)
}

// RegisterCommandDefinitions registers the room command surface without
// needing a running service. Introspection tooling uses this directly.
func RegisterCommandDefinitions(reg *registry.Registry) error {
	defs := []registry.CommandDefinition{
		{
			Name:     "createRoom",
			Category: "rooms",
			Affinity: registry.AffinityLocal,
			Params: []registry.ParamSpec{
				{Name: "name", Type: "string", Required: true, Description: "Display name for the room"},
				{Name: "creatorId", Type: "string", Required: true},
				{Name: "autoJoin", Type: "bool", Description: "Senders join implicitly on first message"},
			},
			Examples: []string{`{"name": "design", "creatorId": "ana"}`},
		},
		{
			Name:     "deleteRoom",
			Category: "rooms",
			Affinity: registry.AffinityLocal,
			Params: []registry.ParamSpec{
				{Name: "roomId", Type: "string", Required: true},
				{Name: "userId", Type: "string", Required: true, Description: "Must be the room creator"},
			},
		},
		{
			Name:     "joinRoom",
			Category: "rooms",
			Affinity: registry.AffinityLocal,
			Params: []registry.ParamSpec{
				{Name: "roomId", Type: "string", Required: true},
				{Name: "userId", Type: "string", Required: true},
			},
		},
		{
			Name:     "leaveRoom",
			Category: "rooms",
			Affinity: registry.AffinityLocal,
			Params: []registry.ParamSpec{
				{Name: "roomId", Type: "string", Required: true},
				{Name: "userId", Type: "string", Required: true},
			},
		},
		{
			Name:     "sendMessage",
			Category: "rooms",
			Affinity: registry.AffinityLocal,
			Params: []registry.ParamSpec{
				{Name: "roomId", Type: "string", Required: true},
				{Name: "senderId", Type: "string", Required: true},
				{Name: "content", Type: "string", Required: true},
			},
			Examples: []string{`{"roomId": "...", "senderId": "ana", "content": "hello"}`},
		},
		{
			Name:     "listRooms",
			Category: "rooms",
			Affinity: registry.AffinityLocal,
		},
		{
			Name:     "roomHistory",
			Category: "rooms",
			Affinity: registry.AffinityLocal,
			Params: []registry.ParamSpec{
				{Name: "roomId", Type: "string", Required: true},
				{Name: "limit", Type: "number", Description: "Most recent N messages; 0 or absent means all"},
			},
		},
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleCreateRoom(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
	name, err := stringField(req.Payload, "name")
	if err != nil {
		return nil, err
	}
	creatorID, err := stringField(req.Payload, "creatorId")
	if err != nil {
		return nil, err
	}
	autoJoin, _ := req.Payload["autoJoin"].(bool)

	room := &Room{
		ID:           uuid.NewString(),
		Name:         name,
		CreatorID:    creatorID,
		AutoJoin:     autoJoin,
		Participants: map[string]struct{}{creatorID: {}},
	}

	if s.store != nil {
		if err := s.store.UpsertRoom(room.ID, room.Name, room.CreatorID, room.AutoJoin); err != nil {
			return nil, fmt.Errorf("persist room: %w", err)
		}
		if err := s.store.AddParticipant(room.ID, creatorID); err != nil {
			return nil, fmt.Errorf("persist participant: %w", err)
		}
	}

	s.rooms[room.ID] = room
	s.log.Info("room %s (%q) created by %s", room.ID, name, creatorID)
	return map[string]any{"roomId": room.ID}, nil
}

// handleDeleteRoom removes the room and its message log together; there is
// never a window where orphaned messages survive the room.
func (s *Service) handleDeleteRoom(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
	roomID, err := stringField(req.Payload, "roomId")
	if err != nil {
		return nil, err
	}
	userID, err := stringField(req.Payload, "userId")
	if err != nil {
		return nil, err
	}

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, &RoomNotFoundError{RoomID: roomID}
	}
	if room.CreatorID != userID {
		return nil, &NotCreatorError{RoomID: roomID, UserID: userID}
	}

	if s.store != nil {
		if err := s.store.DeleteRoom(roomID); err != nil {
			return nil, fmt.Errorf("delete room: %w", err)
		}
	}

	delete(s.rooms, roomID)
	s.log.Info("room %s deleted by creator %s", roomID, userID)
	return map[string]any{"deleted": true}, nil
}

func (s *Service) handleJoinRoom(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
	roomID, err := stringField(req.Payload, "roomId")
	if err != nil {
		return nil, err
	}
	userID, err := stringField(req.Payload, "userId")
	if err != nil {
		return nil, err
	}

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, &RoomNotFoundError{RoomID: roomID}
	}

	if err := s.join(room, userID); err != nil {
		return nil, err
	}
	return map[string]any{"joined": true, "participants": len(room.Participants)}, nil
}

func (s *Service) handleLeaveRoom(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
	roomID, err := stringField(req.Payload, "roomId")
	if err != nil {
		return nil, err
	}
	userID, err := stringField(req.Payload, "userId")
	if err != nil {
		return nil, err
	}

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, &RoomNotFoundError{RoomID: roomID}
	}

	if s.store != nil {
		if err := s.store.RemoveParticipant(roomID, userID); err != nil {
			return nil, fmt.Errorf("remove participant: %w", err)
		}
	}
	delete(room.Participants, userID)
	return map[string]any{"left": true}, nil
}

// handleSendMessage appends to the room log. A sender who is not a
// participant is joined implicitly first when the room allows auto-join;
// join-then-append is one logical operation on the daemon worker. In a
// restricted room the send is rejected and the log is untouched.
func (s *Service) handleSendMessage(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
	roomID, err := stringField(req.Payload, "roomId")
	if err != nil {
		return nil, err
	}
	senderID, err := stringField(req.Payload, "senderId")
	if err != nil {
		return nil, err
	}
	content, err := stringField(req.Payload, "content")
	if err != nil {
		return nil, err
	}

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, &RoomNotFoundError{RoomID: roomID}
	}

	if !room.IsParticipant(senderID) {
		if !room.AutoJoin {
			return nil, &NotAParticipantError{RoomID: roomID, UserID: senderID}
		}
		if err := s.join(room, senderID); err != nil {
			return nil, err
		}
	}

	msg := Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}

	if s.store != nil {
		if err := s.store.AppendMessage(msg); err != nil {
			return nil, fmt.Errorf("persist message: %w", err)
		}
	}

	room.Log = append(room.Log, msg)
	return map[string]any{"messageId": msg.ID, "timestamp": msg.Timestamp}, nil
}

func (s *Service) handleListRooms(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
	summaries := make([]map[string]any, 0, len(s.rooms))
	for _, room := range s.rooms {
		summaries = append(summaries, room.summary())
	}
	return map[string]any{"rooms": summaries, "count": len(summaries)}, nil
}

func (s *Service) handleRoomHistory(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
	roomID, err := stringField(req.Payload, "roomId")
	if err != nil {
		return nil, err
	}

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, &RoomNotFoundError{RoomID: roomID}
	}

	log := room.Log
	if limit, ok := numberField(req.Payload, "limit"); ok && limit > 0 && limit < len(log) {
		log = log[len(log)-limit:]
	}

	messages := make([]map[string]any, len(log))
	for i, msg := range log {
		messages[i] = map[string]any{
			"id":        msg.ID,
			"roomId":    msg.RoomID,
			"senderId":  msg.SenderID,
			"content":   msg.Content,
			"timestamp": msg.Timestamp,
		}
	}
	return map[string]any{"roomId": roomID, "messages": messages, "count": len(messages)}, nil
}

// join adds the user to the room, writing through the store first so the
// in-memory map never runs ahead of durable state.
func (s *Service) join(room *Room, userID string) error {
	if s.store != nil {
		if err := s.store.AddParticipant(room.ID, userID); err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
	}
	room.Participants[userID] = struct{}{}
	return nil
}

func stringField(payload map[string]any, key string) (string, error) {
	value, ok := payload[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("payload field %q must be a non-empty string", key)
	}
	return value, nil
}

func numberField(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	}
	return 0, false
}
