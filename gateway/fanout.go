package gateway

import (
	"collab-editor/core"
	"collab-editor/metrics"
	"collab-editor/rooms"
	"sync"

	"github.com/sirupsen/logrus"
)

// Transport delivers events to one connection. Send must not block; a
// transport that cannot keep up drops or closes instead.
type Transport interface {
	Send(evt core.Event) error
}

// Fanout is the single outbound path: it knows which connections are bound
// to which room and delivers room events to the right subset.
type Fanout struct {
	metrics *metrics.Collector

	mu      sync.RWMutex
	conns   map[string]Transport
	members map[string]map[string]struct{}
	bound   map[string]string
}

var _ rooms.Notifier = (*Fanout)(nil)

func NewFanout(collector *metrics.Collector) *Fanout {
	return &Fanout{
		metrics: collector,
		conns:   make(map[string]Transport),
		members: make(map[string]map[string]struct{}),
		bound:   make(map[string]string),
	}
}

func (f *Fanout) register(connID string, t Transport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[connID] = t
}

// unregister forgets the connection and its room binding.
func (f *Fanout) unregister(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbindLocked(connID)
	delete(f.conns, connID)
}

// bind moves connID into roomID, leaving any previous room.
func (f *Fanout) bind(connID, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unbindLocked(connID)
	set, ok := f.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		f.members[roomID] = set
	}
	set[connID] = struct{}{}
	f.bound[connID] = roomID
}

func (f *Fanout) unbind(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbindLocked(connID)
}

func (f *Fanout) unbindLocked(connID string) {
	roomID, ok := f.bound[connID]
	if !ok {
		return
	}
	delete(f.bound, connID)
	if set := f.members[roomID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(f.members, roomID)
		}
	}
}

// Connections returns how many connections are bound to roomID.
func (f *Fanout) Connections(roomID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.members[roomID])
}

func (f *Fanout) Notify(roomID string, to rooms.Audience, originConn string, evt core.Event) {
	type target struct {
		id string
		t  Transport
	}

	f.mu.RLock()
	var targets []target
	switch to {
	case rooms.Caller:
		if t, ok := f.conns[originConn]; ok {
			targets = append(targets, target{originConn, t})
		}
	default:
		for connID := range f.members[roomID] {
			if to == rooms.Others && connID == originConn {
				continue
			}
			if t, ok := f.conns[connID]; ok {
				targets = append(targets, target{connID, t})
			}
		}
	}
	f.mu.RUnlock()

	for _, tg := range targets {
		f.deliver(tg.id, tg.t, evt)
	}
}

// Send delivers evt to a single connection.
func (f *Fanout) Send(connID string, evt core.Event) {
	f.mu.RLock()
	t, ok := f.conns[connID]
	f.mu.RUnlock()
	if ok {
		f.deliver(connID, t, evt)
	}
}

func (f *Fanout) deliver(connID string, t Transport, evt core.Event) {
	if err := t.Send(evt); err != nil {
		f.metrics.Error(core.CategoryTransportFault)
		logrus.WithError(err).WithFields(logrus.Fields{
			"conn_id": connID,
			"event":   evt.Name,
		}).Error("Failed to deliver event")
	}
}
