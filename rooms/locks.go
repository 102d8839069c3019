package rooms

import (
	"sort"
	"time"
)

// lineLock is an advisory claim on one line. gen changes on every
// (re)acquire so a timer armed for an older claim can detect it is stale.
type lineLock struct {
	owner      string
	acquiredAt time.Time
	timer      *time.Timer
	gen        uint64
}

type lockTable struct {
	locks map[int]*lineLock
	gen   uint64
}

func newLockTable() lockTable {
	return lockTable{locks: make(map[int]*lineLock)}
}

func (t *lockTable) owner(line int) (string, bool) {
	l, ok := t.locks[line]
	if !ok {
		return "", false
	}
	return l.owner, true
}

// arm sets owner on line and (re)starts its expiry, returning the new
// generation and whether the line was previously unlocked.
func (t *lockTable) arm(line int, owner string, now time.Time, timeout time.Duration, onExpire func(line int, gen uint64)) (gen uint64, fresh bool) {
	t.gen++
	gen = t.gen

	l, ok := t.locks[line]
	if ok {
		l.timer.Stop()
	} else {
		l = &lineLock{acquiredAt: now}
		t.locks[line] = l
	}
	l.owner = owner
	l.gen = gen
	l.timer = time.AfterFunc(timeout, func() { onExpire(line, gen) })
	return gen, !ok
}

// clear removes the lock on line and returns how long it was held.
func (t *lockTable) clear(line int, now time.Time) time.Duration {
	l, ok := t.locks[line]
	if !ok {
		return 0
	}
	l.timer.Stop()
	delete(t.locks, line)
	return now.Sub(l.acquiredAt)
}

// current reports whether gen is still the live claim on line.
func (t *lockTable) current(line int, gen uint64) bool {
	l, ok := t.locks[line]
	return ok && l.gen == gen
}

// ownedBy returns the lines held by owner in ascending order.
func (t *lockTable) ownedBy(owner string) []int {
	var lines []int
	for line, l := range t.locks {
		if l.owner == owner {
			lines = append(lines, line)
		}
	}
	sort.Ints(lines)
	return lines
}

func (t *lockTable) snapshot() map[int]string {
	out := make(map[int]string, len(t.locks))
	for line, l := range t.locks {
		out[line] = l.owner
	}
	return out
}

func (t *lockTable) stopAll() {
	for _, l := range t.locks {
		l.timer.Stop()
	}
}
