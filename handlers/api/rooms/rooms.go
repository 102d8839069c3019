package rooms

import (
	"collab-editor/core"
	"collab-editor/gateway"
	"collab-editor/metrics"
	"collab-editor/rooms"
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	Registry interface {
		Get(roomID string) *rooms.Room
		List() []rooms.Summary
		Stored(ctx context.Context) ([]core.StoredRoom, error)
	}

	StatsSource interface {
		Snapshot() metrics.Stats
	}

	SessionSource interface {
		Sessions() []gateway.SessionInfo
	}

	RoomResponse struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive int64  `json:"lastActive,omitempty"`
		core.InitialState
	}

	HealthResponse struct {
		Status string `json:"status"`
	}
)

// HandleList lists live rooms merged with rooms the store still remembers.
func HandleList(registry Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		live := registry.List()
		if live == nil {
			live = []rooms.Summary{}
		}
		seen := make(map[string]struct{}, len(live))
		for _, summary := range live {
			seen[summary.ID] = struct{}{}
		}

		stored, err := registry.Stored(r.Context())
		if err != nil {
			logrus.WithError(err).Warn("Failed to list rooms from store")
		}
		for _, room := range stored {
			if _, ok := seen[room.ID]; ok {
				continue
			}
			live = append(live, rooms.Summary{ID: room.ID, LastActive: room.UpdatedAt})
		}

		rooms.SortSummaries(live)
		render.JSON(w, r, live)
	}
}

// HandleGet returns the full state of a live room.
func HandleGet(registry Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		room := registry.Get(roomID)
		if room == nil {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}

		summary := room.Summary()
		render.JSON(w, r, RoomResponse{
			ID:           summary.ID,
			Users:        summary.Users,
			LastActive:   summary.LastActive,
			InitialState: room.Snapshot(),
		})
	}
}

// HandleStats returns the current metrics snapshot.
func HandleStats(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, stats.Snapshot())
	}
}

// HandleSessions lists connected sessions.
func HandleSessions(sessions SessionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := sessions.Sessions()
		if list == nil {
			list = []gateway.SessionInfo{}
		}
		render.JSON(w, r, list)
	}
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{Status: "healthy"})
}
