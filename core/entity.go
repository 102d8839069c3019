package core

import (
	"context"
	"io"
)

type (
	// RoomRecord is the persisted view of a room kept in the Room Store.
	RoomRecord struct {
		ID        string   `json:"id"`
		Content   string   `json:"content"`
		Lines     []string `json:"lines"`
		Members   []string `json:"members"`
		UpdatedAt int64    `json:"updatedAt"`
	}

	// StoredRoom is a listing entry; UpdatedAt is unix milliseconds.
	StoredRoom struct {
		ID        string
		UpdatedAt int64
	}

	// RoomStore is a best-effort cache used to recover rooms across restarts.
	// It is never the authority while the process is alive. Every entry written
	// carries the store's bounded time-to-live.
	RoomStore interface {
		// Load returns ErrRoomNotFound on a miss.
		Load(ctx context.Context, roomID string) (*RoomRecord, error)
		SaveDocument(ctx context.Context, roomID, content string, lines []string) error
		SaveMembers(ctx context.Context, roomID string, members []string) error
		ListRooms(ctx context.Context) ([]StoredRoom, error)
		DeleteRoom(ctx context.Context, roomID string) error
		// PurgeExpired physically removes entries past their time-to-live and
		// reports how many room entries it removed.
		PurgeExpired(ctx context.Context) (int, error)
		io.Closer
	}
)
