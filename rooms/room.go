package rooms

import (
	"collab-editor/core"
	"collab-editor/metrics"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Summary is a listing view of a live room.
type Summary struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	LastActive int64  `json:"lastActive"`
}

// Room is the live, authoritative state of one document. Every field below
// mu is read and written only while holding mu, including from timers.
type Room struct {
	id       string
	cfg      Config
	notifier Notifier
	mirror   *Mirror
	metrics  *metrics.Collector

	mu          sync.Mutex
	content     string
	lines       []string
	lastEditors map[int]string
	locks       lockTable
	presence    presence
	lastActive  time.Time
	closed      bool
}

func newRoom(id string, cfg Config, notifier Notifier, mirror *Mirror, collector *metrics.Collector) *Room {
	return &Room{
		id:          id,
		cfg:         cfg,
		notifier:    notifier,
		mirror:      mirror,
		metrics:     collector,
		lines:       splitLines(""),
		lastEditors: make(map[int]string),
		locks:       newLockTable(),
		presence:    newPresence(),
		lastActive:  time.Now(),
	}
}

func (r *Room) ID() string { return r.id }

func splitLines(content string) []string {
	return strings.Split(content, "\n")
}

// seed installs hydrated content before the room is published.
func (r *Room) seed(record *core.RoomRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.content = record.Content
	r.lines = splitLines(record.Content)
}

func (r *Room) notify(to Audience, origin string, name string, payload any) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(r.id, to, origin, core.Event{Name: name, Payload: payload})
}

func (r *Room) log(actor Actor) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"room_id":  r.id,
		"username": actor.Username,
		"conn_id":  actor.ConnID,
	})
}

// snapshotLocked builds the initial state. Callers hold mu.
func (r *Room) snapshotLocked() core.InitialState {
	state := core.InitialState{
		Content:     r.content,
		Lines:       append([]string{}, r.lines...),
		LockedLines: r.locks.snapshot(),
		Members:     r.presence.memberList(),
	}
	if len(r.lastEditors) > 0 {
		state.LastEditors = make(map[int]string, len(r.lastEditors))
		for line, user := range r.lastEditors {
			state.LastEditors[line] = user
		}
	}
	return state
}

// Snapshot returns a copy of the room state.
func (r *Room) Snapshot() core.InitialState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		ID:         r.id,
		Users:      len(r.presence.members),
		LastActive: r.lastActive.UnixMilli(),
	}
}

// HasMember reports whether username is joined.
func (r *Room) HasMember(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.has(username)
}

// Join adds the actor to the room. The caller receives the full state and
// everyone receives the member list. Joining twice is harmless.
func (r *Room) Join(actor Actor) (core.InitialState, error) {
	if strings.TrimSpace(actor.Username) == "" {
		return core.InitialState{}, &core.ValidationError{Field: "username", Reason: "must not be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return core.InitialState{}, fmt.Errorf("room %s is closed", r.id)
	}

	added := r.presence.add(actor.Username)
	r.lastActive = time.Now()
	state := r.snapshotLocked()

	r.notify(Caller, actor.ConnID, core.EventInitialState, state)
	r.notify(Everyone, actor.ConnID, core.EventUsersUpdate, core.UsersUpdate{Members: state.Members})

	if added {
		r.metrics.SetRoomMembers(r.id, len(state.Members))
		r.mirror.SaveMembers(r.id, state.Members)
	}
	r.log(actor).WithField("members", len(state.Members)).Info("User joined room")
	return state, nil
}

// Leave removes the actor, force-releasing its locks and typing mark.
func (r *Room) Leave(actor Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.presence.has(actor.Username) {
		return
	}

	now := time.Now()
	for _, line := range r.locks.ownedBy(actor.Username) {
		held := r.locks.clear(line, now)
		r.metrics.LockReleased(held)
		r.notify(Everyone, actor.ConnID, core.EventLineUnlocked, core.LineUnlocked{LineIndex: line})
	}

	r.presence.remove(actor.Username)
	r.lastActive = now
	members := r.presence.memberList()

	r.notify(Everyone, actor.ConnID, core.EventUsersUpdate, core.UsersUpdate{Members: members})
	r.notify(Everyone, actor.ConnID, core.EventTyping, core.TypingUpdate{TypingUsers: r.presence.typingList()})

	r.metrics.SetRoomMembers(r.id, len(members))
	r.mirror.SaveMembers(r.id, members)
	r.log(actor).WithField("members", len(members)).Info("User left room")
}

// ApplyDocumentChange replaces the whole document. An edit to a line locked
// by another member is answered to the caller only and changes nothing.
func (r *Room) ApplyDocumentChange(actor Actor, content string, lineIndex int) error {
	if r.cfg.MaxContentLength > 0 && len(content) > r.cfg.MaxContentLength {
		return &core.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("exceeds %d bytes", r.cfg.MaxContentLength),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.presence.has(actor.Username) {
		return core.ErrNotInRoom
	}

	if owner, ok := r.locks.owner(lineIndex); ok && owner != actor.Username {
		r.notify(Caller, actor.ConnID, core.EventLineLocked, core.LineLocked{LineIndex: lineIndex, LockedBy: owner})
		r.log(actor).WithFields(logrus.Fields{
			"line_index": lineIndex,
			"locked_by":  owner,
		}).Debug("Rejected edit on locked line")
		return &core.ConflictError{LineIndex: lineIndex, LockedBy: owner}
	}

	r.content = content
	r.lines = splitLines(content)
	r.lastEditors[lineIndex] = actor.Username
	r.lastActive = time.Now()

	r.notify(Others, actor.ConnID, core.EventDocumentChange, core.DocumentChanged{Content: content})
	r.notify(Others, actor.ConnID, core.EventUpdateLastEditor, core.LastEditorUpdate{LineIndex: lineIndex, LastEditor: actor.Username})

	r.metrics.DocumentChanged(len(content))
	r.mirror.SaveDocument(r.id, content, append([]string{}, r.lines...))
	r.log(actor).WithFields(logrus.Fields{
		"line_index":  lineIndex,
		"data_length": len(content),
	}).Debug("Document changed")
	return nil
}

// AcquireLock claims lineIndex for the actor or refreshes its own claim. A
// line held by someone else is left untouched and a ConflictError returned.
func (r *Room) AcquireLock(actor Actor, lineIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.presence.has(actor.Username) {
		return core.ErrNotInRoom
	}
	if owner, ok := r.locks.owner(lineIndex); ok && owner != actor.Username {
		return &core.ConflictError{LineIndex: lineIndex, LockedBy: owner}
	}

	now := time.Now()
	_, fresh := r.locks.arm(lineIndex, actor.Username, now, r.cfg.LockTimeout, r.expireLock)
	r.lastActive = now
	if fresh {
		r.metrics.LockAcquired()
	}

	r.notify(Everyone, actor.ConnID, core.EventLineLocked, core.LineLocked{LineIndex: lineIndex, LockedBy: actor.Username})
	r.log(actor).WithFields(logrus.Fields{
		"line_index": lineIndex,
		"refresh":    !fresh,
	}).Debug("Line locked")
	return nil
}

// ReleaseLock frees lineIndex when the actor owns it and reports whether it did.
func (r *Room) ReleaseLock(actor Actor, lineIndex int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if owner, ok := r.locks.owner(lineIndex); !ok || owner != actor.Username {
		return false
	}

	held := r.locks.clear(lineIndex, time.Now())
	r.metrics.LockReleased(held)
	r.notify(Everyone, actor.ConnID, core.EventLineUnlocked, core.LineUnlocked{LineIndex: lineIndex})
	r.log(actor).WithField("line_index", lineIndex).Debug("Line unlocked")
	return true
}

func (r *Room) expireLock(line int, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.locks.current(line, gen) {
		return
	}
	owner, _ := r.locks.owner(line)
	held := r.locks.clear(line, time.Now())
	r.metrics.LockReleased(held)
	r.notify(Everyone, "", core.EventLineUnlocked, core.LineUnlocked{LineIndex: line})
	logrus.WithFields(logrus.Fields{
		"room_id":    r.id,
		"line_index": line,
		"username":   owner,
	}).Debug("Line lock expired")
}

// MarkTyping adds the actor to the typing set and tells the others.
func (r *Room) MarkTyping(actor Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.presence.has(actor.Username) {
		return core.ErrNotInRoom
	}

	r.presence.mark(actor.Username, actor.ConnID, r.cfg.TypingTimeout, r.expireTyping)
	r.notify(Others, actor.ConnID, core.EventTyping, core.TypingUpdate{TypingUsers: r.presence.typingList()})
	return nil
}

func (r *Room) expireTyping(username string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	mark, ok := r.presence.currentMark(username, gen)
	if !ok {
		return
	}
	origin := mark.origin
	r.presence.unmark(username)
	r.notify(Others, origin, core.EventTyping, core.TypingUpdate{TypingUsers: r.presence.typingList()})
}

// close stops every pending timer; later operations are rejected.
func (r *Room) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.locks.stopAll()
	r.presence.stopAll()
}
