package s3

import (
	"bytes"
	"collab-editor/core"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

const (
	roomsPrefix    = "rooms/"
	documentObject = "document.json"
	membersObject  = "members.json"
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type (
	documentBody struct {
		Content   string   `json:"content"`
		Lines     []string `json:"lines"`
		UpdatedAt int64    `json:"updatedAt"`
		ExpiresAt int64    `json:"expiresAt"`
	}

	membersBody struct {
		Members   []string `json:"members"`
		UpdatedAt int64    `json:"updatedAt"`
		ExpiresAt int64    `json:"expiresAt"`
	}
)

type roomStore struct {
	client s3API
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

// NewRoomStore creates an S3-backed store using the default AWS credential chain.
func NewRoomStore(ctx context.Context, bucketName string, ttl time.Duration) (core.RoomStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return newRoomStore(s3.NewFromConfig(cfg), bucketName, ttl), nil
}

func newRoomStore(client s3API, bucket string, ttl time.Duration) *roomStore {
	return &roomStore{client: client, bucket: bucket, ttl: ttl, now: time.Now}
}

// roomPrefix encodes the room id into a single key segment.
func roomPrefix(roomID string) string {
	return roomsPrefix + base64.RawURLEncoding.EncodeToString([]byte(roomID)) + "/"
}

func decodeRoomKey(key string) (roomID, object string, ok bool) {
	rest, found := strings.CutPrefix(key, roomsPrefix)
	if !found {
		return "", "", false
	}
	segment, object, found := strings.Cut(rest, "/")
	if !found {
		return "", "", false
	}
	id, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "", "", false
	}
	return string(id), object, true
}

func (s *roomStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *roomStore) putJSON(ctx context.Context, key string, v any, expires time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Expires:     aws.Time(expires),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *roomStore) Load(ctx context.Context, roomID string) (*core.RoomRecord, error) {
	prefix := roomPrefix(roomID)
	now := s.now().UnixMilli()
	record := core.RoomRecord{ID: roomID}

	var doc documentBody
	hasDoc, err := s.getJSON(ctx, prefix+documentObject, &doc)
	if err != nil {
		return nil, err
	}
	hasDoc = hasDoc && doc.ExpiresAt > now
	if hasDoc {
		record.Content = doc.Content
		record.Lines = doc.Lines
		record.UpdatedAt = doc.UpdatedAt
	}

	var members membersBody
	hasMembers, err := s.getJSON(ctx, prefix+membersObject, &members)
	if err != nil {
		return nil, err
	}
	hasMembers = hasMembers && members.ExpiresAt > now
	if hasMembers {
		record.Members = members.Members
		record.UpdatedAt = max(record.UpdatedAt, members.UpdatedAt)
	}

	if !hasDoc && !hasMembers {
		logrus.WithField("room_id", roomID).Debug("Room not found in s3")
		return nil, core.ErrRoomNotFound
	}
	return &record, nil
}

func (s *roomStore) SaveDocument(ctx context.Context, roomID, content string, lines []string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	body := documentBody{
		Content:   content,
		Lines:     lines,
		UpdatedAt: now.UnixMilli(),
		ExpiresAt: expires.UnixMilli(),
	}
	if err := s.putJSON(ctx, roomPrefix(roomID)+documentObject, body, expires); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(content),
	}).Debug("Room document saved to s3")
	return nil
}

func (s *roomStore) SaveMembers(ctx context.Context, roomID string, members []string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	body := membersBody{
		Members:   members,
		UpdatedAt: now.UnixMilli(),
		ExpiresAt: expires.UnixMilli(),
	}
	return s.putJSON(ctx, roomPrefix(roomID)+membersObject, body, expires)
}

// ListRooms uses object modification times; objects older than the ttl are skipped.
func (s *roomStore) ListRooms(ctx context.Context) ([]core.StoredRoom, error) {
	cutoff := s.now().Add(-s.ttl)
	latest := make(map[string]int64)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(roomsPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list rooms: %w", err)
		}
		for _, object := range page.Contents {
			roomID, _, ok := decodeRoomKey(aws.ToString(object.Key))
			if !ok {
				continue
			}
			modified := aws.ToTime(object.LastModified)
			if modified.Before(cutoff) {
				continue
			}
			latest[roomID] = max(latest[roomID], modified.UnixMilli())
		}
	}

	rooms := make([]core.StoredRoom, 0, len(latest))
	for id, updatedAt := range latest {
		rooms = append(rooms, core.StoredRoom{ID: id, UpdatedAt: updatedAt})
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
	prefix := roomPrefix(roomID)
	for _, object := range []string{documentObject, membersObject} {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(prefix + object),
		})
		if err != nil {
			return fmt.Errorf("failed to delete room %s: %w", roomID, err)
		}
	}
	return nil
}

// PurgeExpired deletes room objects whose body expiry has passed. The
// Expires header only steers HTTP caches, so nothing is removed without this.
func (s *roomStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	purged := make(map[string]struct{})

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(roomsPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return len(purged), fmt.Errorf("failed to list rooms: %w", err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			roomID, _, ok := decodeRoomKey(key)
			if !ok {
				continue
			}

			var body struct {
				ExpiresAt int64 `json:"expiresAt"`
			}
			found, err := s.getJSON(ctx, key, &body)
			if err != nil {
				logrus.WithError(err).WithField("key", key).Warn("Skipping unreadable room object")
				continue
			}
			if !found || body.ExpiresAt > now {
				continue
			}

			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			}); err != nil {
				return len(purged), fmt.Errorf("failed to delete %s: %w", key, err)
			}
			purged[roomID] = struct{}{}
		}
	}
	return len(purged), nil
}

func (s *roomStore) Close() error { return nil }
