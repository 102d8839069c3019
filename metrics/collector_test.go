package metrics

import (
	"collab-editor/core"
	"sync"
	"testing"
	"time"
)

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector

	c.ConnectionOpened()
	c.DocumentChanged(10)
	c.LockAcquired()
	c.LockReleased(time.Second)
	c.Error(core.CategoryConflict)
	c.SetRoomMembers("r", 2)
	c.StoreEvicted(1)

	stats := c.Snapshot()
	if stats.DocumentChanges != 0 || len(stats.Errors) != 0 {
		t.Errorf("nil collector should report zero values, got %+v", stats)
	}
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.RoomCreated()
	c.SetRoomMembers("demo", 2)
	c.DocumentChanged(5)
	c.DocumentChanged(7)
	c.LockAcquired()
	c.LockReleased(1500 * time.Millisecond)
	c.StoreWrite()
	c.Error(core.CategoryValidation)
	c.Error(core.CategoryValidation)
	c.Error("")

	stats := c.Snapshot()
	if stats.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1", stats.ActiveConnections)
	}
	if stats.Rooms != 1 {
		t.Errorf("Rooms = %d, want 1", stats.Rooms)
	}
	if stats.RoomMembers["demo"] != 2 {
		t.Errorf("RoomMembers[demo] = %d, want 2", stats.RoomMembers["demo"])
	}
	if stats.DocumentChanges != 2 || stats.DocumentBytes != 12 {
		t.Errorf("document counters = %d/%d, want 2/12", stats.DocumentChanges, stats.DocumentBytes)
	}
	if stats.LocksActive != 0 || stats.LocksAcquired != 1 || stats.LocksReleased != 1 {
		t.Errorf("lock counters = %+v", stats)
	}
	if stats.LockHeldMillis != 1500 {
		t.Errorf("LockHeldMillis = %d, want 1500", stats.LockHeldMillis)
	}
	if stats.StoreWrites != 1 {
		t.Errorf("StoreWrites = %d, want 1", stats.StoreWrites)
	}
	if stats.Errors[core.CategoryValidation] != 2 || len(stats.Errors) != 1 {
		t.Errorf("Errors = %v", stats.Errors)
	}


	c.StoreEvicted(3)
	c.StoreEvicted(0)
	if got := c.Snapshot().StoreEvictions; got != 3 {
		t.Errorf("StoreEvictions = %d, want 3", got)
	}
}

func TestCollector_Concurrency(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.DocumentChanged(1)
			c.Error(core.CategoryStoreUnavailable)
			_ = c.Snapshot()
		}()
	}
	wg.Wait()

	stats := c.Snapshot()
	if stats.DocumentChanges != 50 {
		t.Errorf("DocumentChanges = %d, want 50", stats.DocumentChanges)
	}
	if stats.Errors[core.CategoryStoreUnavailable] != 50 {
		t.Errorf("store errors = %d, want 50", stats.Errors[core.CategoryStoreUnavailable])
	}
}
