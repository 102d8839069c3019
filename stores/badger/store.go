package badger

import (
	"collab-editor/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "room/"

type roomStore struct {
	db  *badger.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens (or creates) a badger database at path. An empty path opens an
// in-memory database.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return db, nil
}

func NewRoomStore(db *badger.DB, ttl time.Duration) core.RoomStore {
	return &roomStore{db: db, ttl: ttl, now: time.Now}
}

func roomKey(roomID string) []byte {
	return []byte(keyPrefix + roomID)
}

func (s *roomStore) Load(ctx context.Context, roomID string) (*core.RoomRecord, error) {
	var record core.RoomRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(roomID))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		logrus.WithField("room_id", roomID).Debug("Room not found in badger")
		return nil, core.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger load %s: %w", roomID, err)
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
	}).Debug("Room document saved to badger")
	return nil
}

func (s *roomStore) SaveMembers(ctx context.Context, roomID string, members []string) error {
	return s.update(roomID, func(record *core.RoomRecord) {
		record.Members = members
	})
}

// update applies mutate to the stored record inside one read-write
// transaction and rewrites it with a fresh ttl.
func (s *roomStore) update(roomID string, mutate func(*core.RoomRecord)) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		record := core.RoomRecord{ID: roomID}
		item, err := txn.Get(roomKey(roomID))
		switch {
		case err == nil:
			if err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &record)
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		mutate(&record)
		record.UpdatedAt = s.now().UnixMilli()

		value, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(roomKey(roomID), value).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("badger save %s: %w", roomID, err)
	}
	return nil
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.StoredRoom, error) {
	var rooms []core.StoredRoom
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(keyPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var record core.RoomRecord
			if err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &record)
			}); err != nil {
				logrus.WithError(err).WithField("key", string(item.Key())).Warn("Skipping unreadable room entry")
				continue
			}
			rooms = append(rooms, core.StoredRoom{
				ID:        strings.TrimPrefix(string(item.Key()), keyPrefix),
				UpdatedAt: record.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list rooms: %w", err)
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
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(roomKey(roomID))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", roomID, err)
	}
	return nil
}

// PurgeExpired removes no keys itself: badger hides expired entries and drops
// them on compaction. On disk it runs one value log GC round to reclaim space.
func (s *roomStore) PurgeExpired(ctx context.Context) (int, error) {
	if s.db.Opts().InMemory {
		return 0, nil
	}
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		return 0, fmt.Errorf("badger value log gc: %w", err)
	}
	return 0, nil
}

func (s *roomStore) Close() error {
	return s.db.Close()
}
