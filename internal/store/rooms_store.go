// Package store provides the SQLite persistence delegate for daemons that
// opt in to durable state. The rooms daemon writes through RoomStore before
// emitting responses; on restart the daemon reloads its full state from here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"continuum/internal/logging"
	"continuum/internal/rooms"

	_ "github.com/mattn/go-sqlite3"
)

// RoomStore persists rooms, participants, and message logs in SQLite.
// All access happens from the rooms daemon's single worker, so the single
// connection is not a bottleneck.
type RoomStore struct {
	db     *sql.DB
	dbPath string
	log    *logging.Logger
}

// NewRoomStore initializes the SQLite database at the given path.
func NewRoomStore(path string) (*RoomStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewRoomStore")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	log := logging.Get(logging.CategoryStore)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// Foreign keys enforce that deleting a room cascades to its
	// participants and messages in one statement.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &RoomStore{db: db, dbPath: path, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("RoomStore ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *RoomStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		auto_join INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS participants (
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *RoomStore) Close() error {
	return s.db.Close()
}

// UpsertRoom stores room metadata.
func (s *RoomStore) UpsertRoom(roomID, name, creatorID string, autoJoin bool) error {
	_, err := s.db.Exec(
		`INSERT INTO rooms (id, name, creator_id, auto_join) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, auto_join = excluded.auto_join`,
		roomID, name, creatorID, boolToInt(autoJoin),
	)
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", roomID, err)
	}
	return nil
}

// DeleteRoom removes a room; participants and messages cascade in the same
// statement, so no orphaned messages survive.
func (s *RoomStore) DeleteRoom(roomID string) error {
	if _, err := s.db.Exec(`DELETE FROM rooms WHERE id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

// AddParticipant records room membership. Re-adding is a no-op.
func (s *RoomStore) AddParticipant(roomID, userID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO participants (room_id, user_id) VALUES (?, ?)`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("add participant %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// RemoveParticipant drops room membership.
func (s *RoomStore) RemoveParticipant(roomID, userID string) error {
	_, err := s.db.Exec(
		`DELETE FROM participants WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("remove participant %s from %s: %w", userID, roomID, err)
	}
	return nil
}

// AppendMessage stores one message at the end of its room's log.
func (s *RoomStore) AppendMessage(msg rooms.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, room_id, sender_id, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

// LoadRooms reconstructs every room with its participants and ordered
// message log. Called once at daemon construction.
func (s *RoomStore) LoadRooms() ([]*rooms.Room, error) {
	roomRows, err := s.db.Query(`SELECT id, name, creator_id, auto_join FROM rooms`)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	defer roomRows.Close()

	byID := make(map[string]*rooms.Room)
	var loaded []*rooms.Room
	for roomRows.Next() {
		var room rooms.Room
		var autoJoin int
		if err := roomRows.Scan(&room.ID, &room.Name, &room.CreatorID, &autoJoin); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.AutoJoin = autoJoin != 0
		room.Participants = make(map[string]struct{})
		byID[room.ID] = &room
		loaded = append(loaded, &room)
	}
	if err := roomRows.Err(); err != nil {
		return nil, err
	}

	partRows, err := s.db.Query(`SELECT room_id, user_id FROM participants`)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer partRows.Close()
	for partRows.Next() {
		var roomID, userID string
		if err := partRows.Scan(&roomID, &userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if room, ok := byID[roomID]; ok {
			room.Participants[userID] = struct{}{}
		}
	}
	if err := partRows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := s.db.Query(
		`SELECT id, room_id, sender_id, content, timestamp FROM messages ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var msg rooms.Message
		if err := msgRows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if room, ok := byID[msg.RoomID]; ok {
			room.Log = append(room.Log, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}

	return loaded, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
