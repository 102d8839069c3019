package redis

import (
	"collab-editor/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// roomIndexKey is a sorted set of room ids scored by last update (unix millis).
const roomIndexKey = "rooms"

type roomStore struct {
	rdb *goredis.Client
	ttl time.Duration
	now func() time.Time
}

// NewClient builds a client for the given address. Connectivity is checked
// once; a failed ping is logged and the store keeps retrying per call.
func NewClient(ctx context.Context, addr, password string, db int) *goredis.Client {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	log := logrus.WithField("redis_addr", addr)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Failed to reach redis, rooms will start empty until it recovers")
	} else {
		log.Info("Redis connection established")
	}
	return rdb
}

func NewRoomStore(rdb *goredis.Client, ttl time.Duration) core.RoomStore {
	return &roomStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func contentKey(roomID string) string { return "room:" + roomID + ":content" }
func linesKey(roomID string) string   { return "room:" + roomID + ":lines" }
func membersKey(roomID string) string { return "room:" + roomID + ":members" }

func (s *roomStore) Load(ctx context.Context, roomID string) (*core.RoomRecord, error) {
	log := logrus.WithField("room_id", roomID)

	var (
		content *goredis.StringCmd
		lines   *goredis.StringCmd
		members *goredis.StringSliceCmd
		score   *goredis.FloatCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		content = pipe.Get(ctx, contentKey(roomID))
		lines = pipe.Get(ctx, linesKey(roomID))
		members = pipe.SMembers(ctx, membersKey(roomID))
		score = pipe.ZScore(ctx, roomIndexKey, roomID)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		log.WithError(err).Warn("Failed to load room from redis")
		return nil, fmt.Errorf("redis load %s: %w", roomID, err)
	}

	record := core.RoomRecord{ID: roomID, Members: members.Val()}
	sort.Strings(record.Members)

	found := len(record.Members) > 0
	if c, err := content.Result(); err == nil {
		record.Content = c
		found = true
	}
	if raw, err := lines.Bytes(); err == nil {
		if err := json.Unmarshal(raw, &record.Lines); err != nil {
			log.WithError(err).Warn("Ignoring malformed stored lines")
			record.Lines = nil
		}
	}
	if !found {
		log.Debug("Room not found in redis")
		return nil, core.ErrRoomNotFound
	}
	record.UpdatedAt = int64(score.Val())

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

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, contentKey(roomID), content, s.ttl)
		pipe.Set(ctx, linesKey(roomID), encoded, s.ttl)
		pipe.Expire(ctx, membersKey(roomID), s.ttl)
		s.index(ctx, pipe, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save document %s: %w", roomID, err)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(content),
	}).Debug("Room document saved to redis")
	return nil
}

func (s *roomStore) SaveMembers(ctx context.Context, roomID string, members []string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		key := membersKey(roomID)
		pipe.Del(ctx, key)
		if len(members) > 0 {
			values := make([]any, len(members))
			for i, m := range members {
				values[i] = m
			}
			pipe.SAdd(ctx, key, values...)
			pipe.Expire(ctx, key, s.ttl)
		}
		pipe.Expire(ctx, contentKey(roomID), s.ttl)
		pipe.Expire(ctx, linesKey(roomID), s.ttl)
		s.index(ctx, pipe, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save members %s: %w", roomID, err)
	}
	return nil
}

// index records the room in the sorted set and drops entries older than the ttl.
func (s *roomStore) index(ctx context.Context, pipe goredis.Pipeliner, roomID string) {
	now := s.now()
	pipe.ZAdd(ctx, roomIndexKey, goredis.Z{Score: float64(now.UnixMilli()), Member: roomID})
	pipe.ZRemRangeByScore(ctx, roomIndexKey, "-inf", "("+strconv.FormatInt(now.Add(-s.ttl).UnixMilli(), 10))
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.StoredRoom, error) {
	cutoff := strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)
	entries, err := s.rdb.ZRevRangeByScoreWithScores(ctx, roomIndexKey, &goredis.ZRangeBy{
		Min: cutoff,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list rooms: %w", err)
	}

	rooms := make([]core.StoredRoom, 0, len(entries))
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		rooms = append(rooms, core.StoredRoom{ID: id, UpdatedAt: int64(z.Score)})
	}
	return rooms, nil
}

func (s *roomStore) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, contentKey(roomID), linesKey(roomID), membersKey(roomID))
		pipe.ZRem(ctx, roomIndexKey, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", roomID, err)
	}
	return nil
}

// PurgeExpired drops index entries older than the ttl along with any room keys
// redis has not yet expired on its own.
func (s *roomStore) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := "(" + strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)
	stale, err := s.rdb.ZRangeByScore(ctx, roomIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list expired rooms: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		members := make([]any, len(stale))
		for i, roomID := range stale {
			pipe.Del(ctx, contentKey(roomID), linesKey(roomID), membersKey(roomID))
			members[i] = roomID
		}
		pipe.ZRem(ctx, roomIndexKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis purge expired rooms: %w", err)
	}
	return len(stale), nil
}

func (s *roomStore) Close() error {
	return s.rdb.Close()
}
