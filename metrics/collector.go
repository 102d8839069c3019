// Package metrics holds the passive counters and gauges fed by the room engine.
// Exporters read Snapshot; nothing here knows about any specific exporter.
package metrics

import (
	"collab-editor/core"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time copy of every counter.
type Stats struct {
	ActiveConnections int64                         `json:"active_connections"`
	Rooms             int64                         `json:"rooms"`
	RoomMembers       map[string]int                `json:"room_members"`
	DocumentChanges   uint64                        `json:"document_changes"`
	DocumentBytes     uint64                        `json:"document_bytes"`
	LocksAcquired     uint64                        `json:"locks_acquired"`
	LocksActive       int64                         `json:"locks_active"`
	LockHeldMillis    uint64                        `json:"lock_held_millis"`
	LocksReleased     uint64                        `json:"locks_released"`
	StoreWrites       uint64                        `json:"store_writes"`
	StoreEvictions    uint64                        `json:"store_evictions"`
	Errors            map[core.ErrorCategory]uint64 `json:"errors"`
}

// Collector is safe for concurrent use. A nil *Collector discards everything.
type Collector struct {
	activeConnections atomic.Int64
	rooms             atomic.Int64
	documentChanges   atomic.Uint64
	documentBytes     atomic.Uint64
	locksAcquired     atomic.Uint64
	locksActive       atomic.Int64
	lockHeldMillis    atomic.Uint64
	locksReleased     atomic.Uint64
	storeWrites       atomic.Uint64
	storeEvictions    atomic.Uint64

	mu          sync.RWMutex
	roomMembers map[string]int
	errors      map[core.ErrorCategory]uint64
}

func NewCollector() *Collector {
	return &Collector{
		roomMembers: make(map[string]int),
		errors:      make(map[core.ErrorCategory]uint64),
	}
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.activeConnections.Add(1)
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.activeConnections.Add(-1)
}

func (c *Collector) RoomCreated() {
	if c == nil {
		return
	}
	c.rooms.Add(1)
}

func (c *Collector) SetRoomMembers(roomID string, n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.roomMembers[roomID] = n
	c.mu.Unlock()
}

// DocumentChanged records one accepted change of the given content size.
func (c *Collector) DocumentChanged(size int) {
	if c == nil {
		return
	}
	c.documentChanges.Add(1)
	c.documentBytes.Add(uint64(size))
}

// LockAcquired counts a fresh acquisition; refreshes by the owner are not counted.
func (c *Collector) LockAcquired() {
	if c == nil {
		return
	}
	c.locksAcquired.Add(1)
	c.locksActive.Add(1)
}

func (c *Collector) LockReleased(held time.Duration) {
	if c == nil {
		return
	}
	c.locksReleased.Add(1)
	c.locksActive.Add(-1)
	c.lockHeldMillis.Add(uint64(held.Milliseconds()))
}

func (c *Collector) StoreWrite() {
	if c == nil {
		return
	}
	c.storeWrites.Add(1)
}

// StoreEvicted counts room entries removed from the store by reconciliation.
func (c *Collector) StoreEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.storeEvictions.Add(uint64(n))
}

func (c *Collector) Error(category core.ErrorCategory) {
	if c == nil || category == "" {
		return
	}
	c.mu.Lock()
	c.errors[category]++
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Stats {
	if c == nil {
		return Stats{RoomMembers: map[string]int{}, Errors: map[core.ErrorCategory]uint64{}}
	}

	c.mu.RLock()
	members := make(map[string]int, len(c.roomMembers))
	for id, n := range c.roomMembers {
		members[id] = n
	}
	errs := make(map[core.ErrorCategory]uint64, len(c.errors))
	for category, n := range c.errors {
		errs[category] = n
	}
	c.mu.RUnlock()

	return Stats{
		ActiveConnections: c.activeConnections.Load(),
		Rooms:             c.rooms.Load(),
		RoomMembers:       members,
		DocumentChanges:   c.documentChanges.Load(),
		DocumentBytes:     c.documentBytes.Load(),
		LocksAcquired:     c.locksAcquired.Load(),
		LocksActive:       c.locksActive.Load(),
		LockHeldMillis:    c.lockHeldMillis.Load(),
		LocksReleased:     c.locksReleased.Load(),
		StoreWrites:       c.storeWrites.Load(),
		StoreEvictions:    c.storeEvictions.Load(),
		Errors:            errs,
	}
}
