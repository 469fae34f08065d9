// Package rooms implements the room/message service, the exemplar stateful
// daemon of the platform. All room state is owned by the daemon's single
// worker; handlers are the only writers, so the membership and log
// invariants hold without locking.
package rooms

import (
	"fmt"
)

// Message is one entry in a room's ordered message log.
type Message struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // epoch ms
}

// Room holds one room's membership and message log.
type Room struct {
	ID           string
	Name         string
	CreatorID    string
	AutoJoin     bool
	Participants map[string]struct{}
	Log          []Message
}

// IsParticipant reports whether the user is currently in the room.
func (r *Room) IsParticipant(userID string) bool {
	_, ok := r.Participants[userID]
	return ok
}

// summary is the introspection shape for one room.
func (r *Room) summary() map[string]any {
	return map[string]any{
		"roomId":       r.ID,
		"name":         r.Name,
		"creatorId":    r.CreatorID,
		"autoJoin":     r.AutoJoin,
		"participants": len(r.Participants),
		"messages":     len(r.Log),
	}
}

// RoomNotFoundError reports an operation against an unknown room ID.
type RoomNotFoundError struct {
	RoomID string
}

func (e *RoomNotFoundError) Error() string {
	return fmt.Sprintf("room %s not found", e.RoomID)
}

func (e *RoomNotFoundError) ErrCode() string { return "room_not_found" }

func (e *RoomNotFoundError) ErrDetails() map[string]any {
	return map[string]any{"roomId": e.RoomID}
}

// NotAParticipantError rejects a send from a user who is not in the room
// and cannot auto-join it.
type NotAParticipantError struct {
	RoomID string
	UserID string
}

func (e *NotAParticipantError) Error() string {
	return fmt.Sprintf("user %s is not a participant of room %s", e.UserID, e.RoomID)
}

func (e *NotAParticipantError) ErrCode() string { return "not_a_participant" }

func (e *NotAParticipantError) ErrDetails() map[string]any {
	return map[string]any{"roomId": e.RoomID, "userId": e.UserID}
}

// NotCreatorError rejects a room deletion from anyone but the creator.
type NotCreatorError struct {
	RoomID string
	UserID string
}

func (e *NotCreatorError) Error() string {
	return fmt.Sprintf("user %s is not the creator of room %s", e.UserID, e.RoomID)
}

func (e *NotCreatorError) ErrCode() string { return "not_creator" }

func (e *NotCreatorError) ErrDetails() map[string]any {
	return map[string]any{"roomId": e.RoomID, "userId": e.UserID}
}

// Store is the optional persistence delegate. When configured, handlers
// write through it before emitting their response, so a response implies
// the durable state was updated. The sqlite implementation lives in
// internal/store.
type Store interface {
	UpsertRoom(roomID, name, creatorID string, autoJoin bool) error
	DeleteRoom(roomID string) error
	AddParticipant(roomID, userID string) error
	RemoveParticipant(roomID, userID string) error
	AppendMessage(msg Message) error
	LoadRooms() ([]*Room, error)
}
