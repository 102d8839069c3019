package filesystem

import (
	"collab-editor/core"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const fileExt = ".json"

// fileRecord is the on-disk layout of one room.
type fileRecord struct {
	core.RoomRecord
	ExpiresAt int64 `json:"expiresAt"`
}

type roomStore struct {
	// mu serializes read-modify-write of room files.
	mu       sync.Mutex
	basePath string
	ttl      time.Duration
	now      func() time.Time
}

func NewRoomStore(basePath string, ttl time.Duration) (core.RoomStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &roomStore{basePath: basePath, ttl: ttl, now: time.Now}, nil
}

// roomPath maps a room id onto a single file name inside basePath. Encoding
// the id keeps separators and dot segments out of the path.
func (s *roomStore) roomPath(roomID string) string {
	return filepath.Join(s.basePath, base64.RawURLEncoding.EncodeToString([]byte(roomID))+fileExt)
}

func (s *roomStore) Load(ctx context.Context, roomID string) (*core.RoomRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.read(s.roomPath(roomID))
	if err != nil {
		return nil, err
	}
	return &record.RoomRecord, nil
}

func (s *roomStore) read(filePath string) (*fileRecord, error) {
	log := logrus.WithField("file_path", filePath)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("Room file not found")
			return nil, core.ErrRoomNotFound
		}
		log.WithError(err).Warn("Failed to read room file")
		return nil, err
	}

	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(filePath), err)
	}
	if record.ExpiresAt <= s.now().UnixMilli() {
		log.Debug("Room file expired")
		return nil, core.ErrRoomNotFound
	}
	return &record, nil
}

func (s *roomStore) SaveDocument(ctx context.Context, roomID, content string, lines []string) error {
	err := s.update(roomID, func(record *core.RoomRecord) {
		record.Content = content
		record.Lines = lines
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(content),
	}).Debug("Room document saved to disk")
	return nil
}

func (s *roomStore) SaveMembers(ctx context.Context, roomID string, members []string) error {
	return s.update(roomID, func(record *core.RoomRecord) {
		record.Members = members
	})
}

func (s *roomStore) update(roomID string, mutate func(*core.RoomRecord)) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.roomPath(roomID)
	record, err := s.read(filePath)
	if err != nil {
		record = &fileRecord{RoomRecord: core.RoomRecord{ID: roomID}}
	}

	mutate(&record.RoomRecord)
	now := s.now()
	record.UpdatedAt = now.UnixMilli()
	record.ExpiresAt = now.Add(s.ttl).UnixMilli()

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	// Write to a temp file and rename so readers never see a partial file.
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to write room file")
		return err
	}
	return os.Rename(tmp, filePath)
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.StoredRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	rooms := make([]core.StoredRoom, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), fileExt) {
			continue
		}
		record, err := s.read(filepath.Join(s.basePath, file.Name()))
		if err != nil {
			continue
		}
		rooms = append(rooms, core.StoredRoom{ID: record.ID, UpdatedAt: record.UpdatedAt})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].UpdatedAt == rooms[j].UpdatedAt {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].UpdatedAt > rooms[j].UpdatedAt
	})
	return rooms, nil
}

func (s *roomStore) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.roomPath(roomID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PurgeExpired removes room files whose expiry has passed. Unreadable files
// are left for an operator.
func (s *roomStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, err
	}

	now := s.now().UnixMilli()
	purged := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), fileExt) {
			continue
		}
		filePath := filepath.Join(s.basePath, file.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}
		var record fileRecord
		if err := json.Unmarshal(data, &record); err != nil || record.ExpiresAt > now {
			continue
		}
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (s *roomStore) Close() error { return nil }
