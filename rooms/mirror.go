package rooms

import (
	"collab-editor/core"
	"collab-editor/metrics"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type pendingWrite struct {
	document   bool
	content    string
	lines      []string
	hasMembers bool
	members    []string
}

// Mirror copies room state to the Room Store in the background. Only the
// latest document and member list per room are kept while a write is
// pending, so a slow store never queues stale states. A nil *Mirror
// discards writes.
type Mirror struct {
	store   core.RoomStore
	timeout time.Duration
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[string]*pendingWrite
	order   []string
	wake    chan struct{}

	// drainMu keeps Run and Flush from writing the same room out of order.
	drainMu sync.Mutex
	done    chan struct{}
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func NewMirror(store core.RoomStore, timeout time.Duration, collector *metrics.Collector) *Mirror {
	return &Mirror{
		store:   store,
		timeout: timeout,
		metrics: collector,
		pending: make(map[string]*pendingWrite),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (m *Mirror) entry(roomID string) *pendingWrite {
	p, ok := m.pending[roomID]
	if !ok {
		p = &pendingWrite{}
		m.pending[roomID] = p
		m.order = append(m.order, roomID)
	}
	return p
}

func (m *Mirror) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SaveDocument queues content and lines for roomID without blocking.
func (m *Mirror) SaveDocument(roomID, content string, lines []string) {
	if m == nil || m.store == nil {
		return
	}
	m.mu.Lock()
	p := m.entry(roomID)
	p.document = true
	p.content = content
	p.lines = lines
	m.mu.Unlock()
	m.signal()
}

// SaveMembers queues the member list for roomID without blocking.
func (m *Mirror) SaveMembers(roomID string, members []string) {
	if m == nil || m.store == nil {
		return
	}
	m.mu.Lock()
	p := m.entry(roomID)
	p.hasMembers = true
	p.members = members
	m.mu.Unlock()
	m.signal()
}

// Pending reports how many rooms have unwritten state.
func (m *Mirror) Pending() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Run drains queued writes until ctx is done. It must be called at most once.
func (m *Mirror) Run(ctx context.Context) {
	if m == nil {
		return
	}
	defer close(m.done)
	if m.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.drain(ctx)
		}
	}
}

// Done is closed once Run has returned, including any drain it had started.
func (m *Mirror) Done() <-chan struct{} {
	if m == nil {
		return closedDone
	}
	return m.done
}

// Flush writes everything still queued. It waits for a drain already in
// progress, so call it after Done to be sure nothing writes afterwards.
func (m *Mirror) Flush(ctx context.Context) {
	if m == nil || m.store == nil {
		return
	}
	m.drain(ctx)
}

func (m *Mirror) next() (string, *pendingWrite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return "", nil, false
	}
	roomID := m.order[0]
	m.order = m.order[1:]
	p := m.pending[roomID]
	delete(m.pending, roomID)
	return roomID, p, true
}

func (m *Mirror) drain(ctx context.Context) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	for {
		roomID, p, ok := m.next()
		if !ok {
			return
		}
		if p.document {
			m.write(ctx, "save_document", roomID, func(ctx context.Context) error {
				return m.store.SaveDocument(ctx, roomID, p.content, p.lines)
			})
		}
		if p.hasMembers {
			m.write(ctx, "save_members", roomID, func(ctx context.Context) error {
				return m.store.SaveMembers(ctx, roomID, p.members)
			})
		}
	}
}

func (m *Mirror) write(ctx context.Context, op, roomID string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		err = &core.StoreError{Op: op, RoomID: roomID, Err: err}
		m.metrics.Error(core.CategoryOf(err))
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to mirror room state")
		return
	}
	m.metrics.StoreWrite()
}
