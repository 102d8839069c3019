package rooms

import (
	"collab-editor/core"
	"collab-editor/metrics"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLockTimeout   = 2 * time.Second
	defaultTypingTimeout = 2 * time.Second
	defaultStoreTimeout  = 500 * time.Millisecond

	// purgeTimeout bounds one reconciliation pass, which may walk the whole store.
	purgeTimeout = 30 * time.Second
)

// Config tunes room behaviour. Zero fields take defaults.
type Config struct {
	LockTimeout      time.Duration
	TypingTimeout    time.Duration
	StoreTimeout     time.Duration
	MaxContentLength int
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = defaultTypingTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	return c
}

// Registry owns every live room. Rooms are created on first use and stay
// for the life of the process.
type Registry struct {
	cfg      Config
	store    core.RoomStore
	mirror   *Mirror
	notifier Notifier
	metrics  *metrics.Collector

	mu     sync.RWMutex
	rooms  map[string]*Room
	group  singleflight.Group
	closed bool
}

// NewRegistry builds a registry. store and mirror may be nil, in which case
// rooms start empty and nothing is persisted.
func NewRegistry(cfg Config, store core.RoomStore, mirror *Mirror, notifier Notifier, collector *metrics.Collector) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		store:    store,
		mirror:   mirror,
		notifier: notifier,
		metrics:  collector,
		rooms:    make(map[string]*Room),
	}
}

// Get returns the live room or nil.
func (r *Registry) Get(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// GetOrCreate returns the single live room for roomID, creating it and
// seeding it from the store on first access. Concurrent first callers share
// one creation. Store failures never fail the call.
func (r *Registry) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, &core.ValidationError{Field: "roomId", Reason: "must not be empty"}
	}
	if room := r.Get(roomID); room != nil {
		return room, nil
	}

	v, err, _ := r.group.Do(roomID, func() (any, error) {
		if room := r.Get(roomID); room != nil {
			return room, nil
		}

		room := newRoom(roomID, r.cfg, r.notifier, r.mirror, r.metrics)
		r.hydrate(ctx, room)

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, errors.New("registry is closed")
		}
		r.rooms[roomID] = room
		r.metrics.RoomCreated()
		logrus.WithField("room_id", roomID).Info("Room created")
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (r *Registry) hydrate(ctx context.Context, room *Room) {
	if r.store == nil {
		return
	}
	log := logrus.WithField("room_id", room.id)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	record, err := r.store.Load(ctx, room.id)
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		log.Debug("No stored state for room")
		return
	case err != nil:
		err = &core.StoreError{Op: "load", RoomID: room.id, Err: err}
		r.metrics.Error(core.CategoryOf(err))
		log.WithError(err).Warn("Failed to load room, starting empty")
		return
	}

	room.seed(record)
	log.WithFields(logrus.Fields{
		"data_length":    len(record.Content),
		"stored_members": len(record.Members),
	}).Info("Room restored from store")
}

// List returns summaries of live rooms, busiest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	summaries := make([]Summary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, room.Summary())
	}
	SortSummaries(summaries)
	return summaries
}

// SortSummaries orders by users desc, then last activity desc, then id.
func SortSummaries(summaries []Summary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Users != summaries[j].Users {
			return summaries[i].Users > summaries[j].Users
		}
		if summaries[i].LastActive != summaries[j].LastActive {
			return summaries[i].LastActive > summaries[j].LastActive
		}
		return summaries[i].ID < summaries[j].ID
	})
}

// Stored lists rooms known to the store. It returns nil when there is no store.
func (r *Registry) Stored(ctx context.Context) ([]core.StoredRoom, error) {
	if r.store == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	stored, err := r.store.ListRooms(ctx)
	if err != nil {
		err = &core.StoreError{Op: "list", Err: err}
		r.metrics.Error(core.CategoryOf(err))
		return nil, err
	}
	return stored, nil
}

// Reconcile asks the store to physically remove entries past the store ttl
// and returns how many were evicted. Entries of idle live rooms go too; the
// mirror rewrites them on the room's next change.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	evicted, err := r.store.PurgeExpired(ctx)
	r.metrics.StoreEvicted(evicted)
	if err != nil {
		err = &core.StoreError{Op: "purge", Err: err}
		r.metrics.Error(core.CategoryOf(err))
		return evicted, err
	}

	if evicted > 0 {
		logrus.WithField("evicted", evicted).Info("Reconciled room store")
	}
	return evicted, nil
}

// RunReconciler calls Reconcile every interval until ctx is done. A
// non-positive interval disables it.
func (r *Registry) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				logrus.WithError(err).Warn("Room store reconciliation failed")
			}
		}
	}
}

// Close stops every room's timers. Rooms stay readable.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		room.close()
	}
}
