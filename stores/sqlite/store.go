package sqlite

import (
	"collab-editor/core"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type roomStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewRoomStore(dataSourceName string, ttl time.Duration) (core.RoomStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	// Create rooms table
	roomsTable := `CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		lines TEXT NOT NULL DEFAULT '[]',
		members TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);`
	if _, err = db.Exec(roomsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create rooms table: %w", err)
	}

	return &roomStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *roomStore) Load(ctx context.Context, roomID string) (*core.RoomRecord, error) {
	log := logrus.WithField("room_id", roomID)
	log.Debug("Retrieving room by ID")

	var (
		record         = core.RoomRecord{ID: roomID}
		lines, members string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT content, lines, members, updated_at FROM rooms WHERE room_id = ? AND expires_at > ?",
		roomID, s.now().UnixMilli(),
	).Scan(&record.Content, &lines, &members, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("Room not found in sqlite")
			return nil, core.ErrRoomNotFound
		}
		log.WithError(err).Warn("Failed to retrieve room")
		return nil, err
	}

	if err := json.Unmarshal([]byte(lines), &record.Lines); err != nil {
		return nil, fmt.Errorf("decode lines for %s: %w", roomID, err)
	}
	if err := json.Unmarshal([]byte(members), &record.Members); err != nil {
		return nil, fmt.Errorf("decode members for %s: %w", roomID, err)
	}
	return &record, nil
}

func (s *roomStore) SaveDocument(ctx context.Context, roomID, content string, lines []string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	encoded, err := json.Marshal(lines)
	if err != nil {
		return err
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `INSERT INTO rooms (room_id, content, lines, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			content = excluded.content,
			lines = excluded.lines,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		roomID, content, string(encoded), now.UnixMilli(), now.Add(s.ttl).UnixMilli(),
	)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(content),
	}).Debug("Room document saved to sqlite")
	return nil
}

func (s *roomStore) SaveMembers(ctx context.Context, roomID string, members []string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if members == nil {
		members = []string{}
	}
	encoded, err := json.Marshal(members)
	if err != nil {
		return err
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `INSERT INTO rooms (room_id, members, updated_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			members = excluded.members,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		roomID, string(encoded), now.UnixMilli(), now.Add(s.ttl).UnixMilli(),
	)
	return err
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.StoredRoom, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT room_id, updated_at FROM rooms WHERE expires_at > ? ORDER BY updated_at DESC, room_id ASC",
		s.now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []core.StoredRoom{}
	for rows.Next() {
		var room core.StoredRoom
		if err := rows.Scan(&room.ID, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *roomStore) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = ?", roomID)
	return err
}

func (s *roomStore) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(purged), nil
}

func (s *roomStore) Close() error {
	return s.db.Close()
}
