package memory

import (
	"collab-editor/core"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type entry struct {
	record    core.RoomRecord
	expiresAt time.Time
}

type roomStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	rooms map[string]*entry
	now   func() time.Time
}

func NewRoomStore(ttl time.Duration) core.RoomStore {
	return &roomStore{
		ttl:   ttl,
		rooms: make(map[string]*entry),
		now:   time.Now,
	}
}

func (s *roomStore) Load(ctx context.Context, roomID string) (*core.RoomRecord, error) {
	log := logrus.WithField("room_id", roomID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[roomID]
	if !ok {
		log.Debug("Room not found in memory store")
		return nil, core.ErrRoomNotFound
	}
	if s.expired(e) {
		delete(s.rooms, roomID)
		log.Debug("Room entry expired")
		return nil, core.ErrRoomNotFound
	}

	record := e.record
	record.Lines = append([]string(nil), e.record.Lines...)
	record.Members = append([]string(nil), e.record.Members...)
	return &record, nil
}

func (s *roomStore) SaveDocument(ctx context.Context, roomID, content string, lines []string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	e := s.touch(roomID)
	e.record.Content = content
	e.record.Lines = append([]string(nil), lines...)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(content),
	}).Debug("Room document saved")
	return nil
}

func (s *roomStore) SaveMembers(ctx context.Context, roomID string, members []string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	e := s.touch(roomID)
	e.record.Members = append([]string(nil), members...)
	s.mu.Unlock()

	return nil
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.StoredRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.StoredRoom, 0, len(s.rooms))
	for id, e := range s.rooms {
		if s.expired(e) {
			continue
		}
		rooms = append(rooms, core.StoredRoom{ID: id, UpdatedAt: e.record.UpdatedAt})
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

	delete(s.rooms, roomID)
	return nil
}

func (s *roomStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, e := range s.rooms {
		if s.expired(e) {
			delete(s.rooms, id)
			purged++
		}
	}
	return purged, nil
}

func (s *roomStore) Close() error { return nil }

// touch returns the live entry for roomID, refreshing its expiry. Callers hold mu.
func (s *roomStore) touch(roomID string) *entry {
	now := s.now()
	e, ok := s.rooms[roomID]
	if !ok || s.expired(e) {
		e = &entry{record: core.RoomRecord{ID: roomID}}
		s.rooms[roomID] = e
	}
	e.record.UpdatedAt = now.UnixMilli()
	e.expiresAt = now.Add(s.ttl)
	return e
}

func (s *roomStore) expired(e *entry) bool {
	return !s.now().Before(e.expiresAt)
}
