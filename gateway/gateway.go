package gateway

import (
	"collab-editor/core"
	"collab-editor/metrics"
	"collab-editor/rooms"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const invalidUsernameMessage = "Invalid username."

// Session binds one transport connection to a username and at most one room.
type Session struct {
	ID          string
	ConnID      string
	Username    string
	RoomID      string
	ConnectedAt time.Time

	// mu serializes intents and disconnect for this connection.
	mu sync.Mutex
}

// SessionInfo is a point-in-time copy of a session.
type SessionInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
}

func (s *Session) actor() rooms.Actor {
	return rooms.Actor{ConnID: s.ConnID, Username: s.Username}
}

func (s *Session) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"session_id": s.ID,
		"conn_id":    s.ConnID,
		"username":   s.Username,
		"room_id":    s.RoomID,
	})
}

// Gateway translates inbound intents into room operations. Handle is the
// only inbound entry point; every outbound event leaves through the Fanout.
type Gateway struct {
	registry *rooms.Registry
	fanout   *Fanout
	metrics  *metrics.Collector

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(registry *rooms.Registry, fanout *Fanout, collector *metrics.Collector) *Gateway {
	return &Gateway{
		registry: registry,
		fanout:   fanout,
		metrics:  collector,
		sessions: make(map[string]*Session),
	}
}

// Connect registers a new connection and returns its session.
func (g *Gateway) Connect(connID string, t Transport) *Session {
	sess := &Session{
		ID:          ulid.Make().String(),
		ConnID:      connID,
		ConnectedAt: time.Now(),
	}

	g.fanout.register(connID, t)
	g.mu.Lock()
	g.sessions[connID] = sess
	g.mu.Unlock()

	g.metrics.ConnectionOpened()
	sess.log().Info("Client connected")
	return sess
}

func (g *Gateway) session(connID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sess, ok := g.sessions[connID]
	return sess, ok
}

// Sessions returns every live session ordered by connect time.
func (g *Gateway) Sessions() []SessionInfo {
	g.mu.RLock()
	list := lo.Values(g.sessions)
	g.mu.RUnlock()

	out := lo.Map(list, func(sess *Session, _ int) SessionInfo {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return SessionInfo{
			ID:          sess.ID,
			Username:    sess.Username,
			RoomID:      sess.RoomID,
			ConnectedAt: sess.ConnectedAt.UnixMilli(),
		}
	})
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handle applies one intent from connID. The returned error is informational
// (for acks and logs); any client-visible reply has already been sent.
func (g *Gateway) Handle(ctx context.Context, connID string, intent core.Intent) error {
	sess, ok := g.session(connID)
	if !ok {
		return core.ErrUnknownConnection
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	err := g.dispatch(ctx, sess, intent)
	if err != nil {
		g.metrics.Error(core.CategoryOf(err))
		entry := sess.log().WithError(err).WithField("intent", intent.IntentName())
		var conflict *core.ConflictError
		if errors.As(err, &conflict) {
			entry.Debug("Intent rejected")
		} else {
			entry.Warn("Intent dropped")
		}
	}
	return err
}

// Receive decodes a raw transport payload for the named intent and handles it.
func (g *Gateway) Receive(ctx context.Context, connID, name string, raw any) error {
	intent, err := DecodeIntent(name, raw)
	if err == nil {
		return g.Handle(ctx, connID, intent)
	}

	sess, ok := g.session(connID)
	if !ok {
		return core.ErrUnknownConnection
	}
	g.metrics.Error(core.CategoryOf(err))
	sess.log().WithError(err).WithField("intent", name).Warn("Intent dropped")
	if name == core.IntentJoinRoom {
		sess.mu.Lock()
		g.sendError(sess, err)
		sess.mu.Unlock()
	}
	return err
}

func (g *Gateway) dispatch(ctx context.Context, sess *Session, intent core.Intent) error {
	if err := validateIntent(intent); err != nil {
		if _, ok := intent.(core.JoinRoom); ok {
			g.sendError(sess, err)
		}
		return err
	}

	switch in := intent.(type) {
	case core.JoinRoom:
		return g.join(ctx, sess, in.RoomID, in.Username)
	case core.SetUsername:
		return g.setUsername(ctx, sess, in.Username)
	case core.DocumentChange:
		room, err := g.boundRoom(sess, in.RoomID)
		if err != nil {
			return err
		}
		return room.ApplyDocumentChange(sess.actor(), in.Content, in.LineIndex)
	case core.LockLine:
		room, err := g.boundRoom(sess, in.RoomID)
		if err != nil {
			return err
		}
		if err := sess.claims(in.Username); err != nil {
			return err
		}
		return room.AcquireLock(sess.actor(), in.LineIndex)
	case core.UnlockLine:
		room, err := g.boundRoom(sess, in.RoomID)
		if err != nil {
			return err
		}
		room.ReleaseLock(sess.actor(), in.LineIndex)
		return nil
	case core.Typing:
		room, err := g.boundRoom(sess, in.RoomID)
		if err != nil {
			return err
		}
		if err := sess.claims(in.Username); err != nil {
			return err
		}
		return room.MarkTyping(sess.actor())
	default:
		return &core.ValidationError{Field: "event", Reason: fmt.Sprintf("unsupported intent %T", intent)}
	}
}

// claims rejects a payload username that differs from the session's.
func (s *Session) claims(username string) error {
	if username != "" && username != s.Username {
		return &core.ValidationError{Field: "username", Reason: "does not match session"}
	}
	return nil
}

func (g *Gateway) join(ctx context.Context, sess *Session, roomID, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		err := &core.ValidationError{Field: "username", Reason: "must not be empty"}
		g.sendError(sess, err)
		return err
	}

	if sess.RoomID != "" && (sess.RoomID != roomID || sess.Username != username) {
		g.leave(sess)
	}

	room, err := g.registry.GetOrCreate(ctx, roomID)
	if err != nil {
		g.sendError(sess, err)
		return err
	}

	g.fanout.bind(sess.ConnID, roomID)
	sess.RoomID = roomID
	sess.Username = username

	if _, err := room.Join(sess.actor()); err != nil {
		g.fanout.unbind(sess.ConnID)
		sess.RoomID = ""
		g.sendError(sess, err)
		return err
	}
	return nil
}

// setUsername renames the session. A bound session rejoins its room under
// the new name so locks and presence follow the rename.
func (g *Gateway) setUsername(ctx context.Context, sess *Session, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return &core.ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if username == sess.Username {
		return nil
	}
	if sess.RoomID == "" {
		sess.Username = username
		sess.log().Info("Username set")
		return nil
	}
	return g.join(ctx, sess, sess.RoomID, username)
}

// boundRoom resolves the room an intent targets. An empty roomID means the
// session's room; any other room is refused.
func (g *Gateway) boundRoom(sess *Session, roomID string) (*rooms.Room, error) {
	if sess.RoomID == "" || (roomID != "" && roomID != sess.RoomID) {
		return nil, core.ErrNotInRoom
	}
	room := g.registry.Get(sess.RoomID)
	if room == nil {
		return nil, core.ErrNotInRoom
	}
	return room, nil
}

// leave detaches the session from its room. Callers hold sess.mu.
func (g *Gateway) leave(sess *Session) {
	roomID, username := sess.RoomID, sess.Username
	g.fanout.unbind(sess.ConnID)
	sess.RoomID = ""

	if roomID == "" || username == "" {
		return
	}
	if room := g.registry.Get(roomID); room != nil {
		room.Leave(rooms.Actor{ConnID: sess.ConnID, Username: username})
	}
}

// Disconnect tears down connID, leaving its room. It is safe to call more
// than once.
func (g *Gateway) Disconnect(connID, reason string) {
	g.mu.Lock()
	sess, ok := g.sessions[connID]
	delete(g.sessions, connID)
	g.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	g.leave(sess)
	g.fanout.unregister(connID)

	g.metrics.ConnectionClosed()
	if IsTransportFault(reason) {
		g.metrics.Error(core.CategoryTransportFault)
	}
	sess.log().WithField("reason", reason).Info("Client disconnected")
}

// IsTransportFault reports whether a disconnect reason means the link
// failed rather than the client leaving.
func IsTransportFault(reason string) bool {
	switch reason {
	case "transport error", "ping timeout", "parse error":
		return true
	default:
		return false
	}
}

func (g *Gateway) sendError(sess *Session, err error) {
	message := err.Error()
	var validation *core.ValidationError
	if errors.As(err, &validation) && validation.Field == "username" {
		message = invalidUsernameMessage
	}
	g.fanout.Send(sess.ConnID, core.Event{
		Name: core.EventError,
		Payload: core.ErrorNotice{
			Message:  message,
			Category: string(core.CategoryOf(err)),
		},
	})
}
