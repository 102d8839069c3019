package gateway

import (
	"collab-editor/core"
	"collab-editor/metrics"
	"collab-editor/rooms"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeTransport records every event sent to one connection.
type fakeTransport struct {
	mu     sync.Mutex
	events []core.Event
	fail   error
}

func (f *fakeTransport) Send(evt core.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeTransport) named(name string) []core.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Event
	for _, evt := range f.events {
		if evt.Name == name {
			out = append(out, evt)
		}
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

type harness struct {
	gateway   *Gateway
	registry  *rooms.Registry
	collector *metrics.Collector
}

func newHarness(t *testing.T, cfg rooms.Config) *harness {
	t.Helper()
	collector := metrics.NewCollector()
	fanout := NewFanout(collector)
	registry := rooms.NewRegistry(cfg, nil, nil, fanout, collector)
	t.Cleanup(registry.Close)
	return &harness{
		gateway:   New(registry, fanout, collector),
		registry:  registry,
		collector: collector,
	}
}

func (h *harness) connect(connID string) *fakeTransport {
	tr := &fakeTransport{}
	h.gateway.Connect(connID, tr)
	return tr
}

func (h *harness) handle(t *testing.T, connID string, intent core.Intent) error {
	t.Helper()
	return h.gateway.Handle(context.Background(), connID, intent)
}

func TestAliceAndBobEndToEnd(t *testing.T) {
	h := newHarness(t, rooms.Config{})
	aliceConn := h.connect("a")
	bobConn := h.connect("b")

	if err := h.handle(t, "a", core.JoinRoom{RoomID: "demo", Username: "alice"}); err != nil {
		t.Fatalf("alice join failed: %v", err)
	}
	initial := aliceConn.named(core.EventInitialState)
	if len(initial) != 1 {
		t.Fatalf("alice initial-state events = %d", len(initial))
	}
	want := core.InitialState{Content: "", Lines: []string{""}, LockedLines: map[int]string{}, Members: []string{"alice"}}
	if !reflect.DeepEqual(initial[0].Payload, want) {
		t.Errorf("alice initial-state = %+v, want %+v", initial[0].Payload, want)
	}

	if err := h.handle(t, "a", core.DocumentChange{RoomID: "demo", Content: "hello", LineIndex: 0}); err != nil {
		t.Fatalf("alice edit failed: %v", err)
	}
	if err := h.handle(t, "a", core.LockLine{RoomID: "demo", LineIndex: 0, Username: "alice"}); err != nil {
		t.Fatalf("alice lock failed: %v", err)
	}

	if err := h.handle(t, "b", core.JoinRoom{RoomID: "demo", Username: "bob"}); err != nil {
		t.Fatalf("bob join failed: %v", err)
	}
	initial = bobConn.named(core.EventInitialState)
	if len(initial) != 1 {
		t.Fatalf("bob initial-state events = %d", len(initial))
	}
	want = core.InitialState{
		Content:     "hello",
		Lines:       []string{"hello"},
		LockedLines: map[int]string{0: "alice"},
		Members:     []string{"alice", "bob"},
		LastEditors: map[int]string{0: "alice"},
	}
	if !reflect.DeepEqual(initial[0].Payload, want) {
		t.Errorf("bob initial-state = %+v, want %+v", initial[0].Payload, want)
	}

	aliceConn.reset()
	bobConn.reset()
	err := h.handle(t, "b", core.DocumentChange{RoomID: "demo", Content: "bob", LineIndex: 0})
	var conflict *core.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("bob edit error = %v, want ConflictError", err)
	}
	locked := bobConn.named(core.EventLineLocked)
	if len(locked) != 1 || locked[0].Payload != (core.LineLocked{LineIndex: 0, LockedBy: "alice"}) {
		t.Errorf("bob line-locked = %+v", locked)
	}
	if aliceConn.count() != 0 {
		t.Errorf("alice received %d events for bob's rejected edit", aliceConn.count())
	}
	if got := h.registry.Get("demo").Snapshot().Content; got != "hello" {
		t.Errorf("Content = %q, want hello", got)
	}
}

func TestJoin_BlankUsername(t *testing.T) {
	h := newHarness(t, rooms.Config{})
	watcher := h.connect("w")
	_ = h.handle(t, "w", core.JoinRoom{RoomID: "demo", Username: "watcher"})
	watcher.reset()
	caller := h.connect("c")

	for _, name := range []string{"", "   "} {
		err := h.handle(t, "c", core.JoinRoom{RoomID: "demo", Username: name})
		var validation *core.ValidationError
		if !errors.As(err, &validation) {
			t.Errorf("join(%q) error = %v, want ValidationError", name, err)
		}
	}

	errs := caller.named(core.EventError)
	if len(errs) != 2 {
		t.Fatalf("error events = %d, want 2", len(errs))
	}
	notice := errs[0].Payload.(core.ErrorNotice)
	if notice.Message != "Invalid username." || notice.Category != string(core.CategoryValidation) {
		t.Errorf("notice = %+v", notice)
	}
	if watcher.count() != 0 {
		t.Errorf("other members received %d events", watcher.count())
	}
	if h.collector.Snapshot().Errors[core.CategoryValidation] != 2 {
		t.Errorf("validation errors = %v", h.collector.Snapshot().Errors)
	}
}

func TestIntentsBeforeJoinAreDropped(t *testing.T) {
	h := newHarness(t, rooms.Config{})
	tr := h.connect("c")

	intents := []core.Intent{
		core.DocumentChange{RoomID: "demo", Content: "x"},
		core.LockLine{RoomID: "demo"},
		core.UnlockLine{RoomID: "demo"},
		core.Typing{RoomID: "demo"},
	}
	for _, intent := range intents {
		if err := h.handle(t, "c", intent); !errors.Is(err, core.ErrNotInRoom) {
			t.Errorf("%s error = %v, want ErrNotInRoom", intent.IntentName(), err)
		}
	}
	if tr.count() != 0 {
		t.Errorf("dropped intents produced %d events", tr.count())
	}
}

func TestIntentForOtherRoomIsDropped(t *testing.T) {
	h := newHarness(t, rooms.Config{})
	h.connect("c")
	_ = h.handle(t, "c", core.JoinRoom{RoomID: "demo", Username: "alice"})

	err := h.handle(t, "c", core.DocumentChange{RoomID: "elsewhere", Content: "x"})
	if !errors.Is(err, core.ErrNotInRoom) {
		t.Errorf("error = %v, want ErrNotInRoom", err)
	}

	// An empty room id targets the bound room.
	if err := h.handle(t, "c", core.DocumentChange{Content: "ok"}); err != nil {
		t.Errorf("edit without room id failed: %v", err)
	}
	if got := h.registry.Get("demo").Snapshot().Content; got != "ok" {
		t.Errorf("Content = %q, want ok", got)
	}
}

func TestLockForSomeoneElseIsDropped(t *testing.T) {
	h := newHarness(t, rooms.Config{LockTimeout: time.Minute})
	h.connect("a")
	h.connect("b")
	_ = h.handle(t, "a", core.JoinRoom{RoomID: "demo", Username: "alice"})
	_ = h.handle(t, "b", core.JoinRoom{RoomID: "demo", Username: "bob"})

	if err := h.handle(t, "b", core.LockLine{RoomID: "demo", LineIndex: 1, Username: "alice"}); err == nil {
		t.Error("locking on behalf of another user should fail")
	}
	if locked := h.registry.Get("demo").Snapshot().LockedLines; len(locked) != 0 {
		t.Errorf("LockedLines = %v, want none", locked)
	}
}

func TestLockConflictIsSilent(t *testing.T) {
	h := newHarness(t, rooms.Config{LockTimeout: time.Minute})
	aliceConn := h.connect("a")
	bobConn := h.connect("b")
	_ = h.handle(t, "a", core.JoinRoom{RoomID: "demo", Username: "alice"})
	_ = h.handle(t, "b", core.JoinRoom{RoomID: "demo", Username: "bob"})
	_ = h.handle(t, "a", core.LockLine{RoomID: "demo", LineIndex: 4, Username: "alice"})
	aliceConn.reset()
	bobConn.reset()

	_ = h.handle(t, "b", core.LockLine{RoomID: "demo", LineIndex: 4, Username: "bob"})
	_ = h.handle(t, "b", core.UnlockLine{RoomID: "demo", LineIndex: 4})

	if aliceConn.count() != 0 || bobConn.count() != 0 {
		t.Errorf("conflicting lock/unlock produced events: alice=%d bob=%d", aliceConn.count(), bobConn.count())
	}
	if owner := h.registry.Get("demo").Snapshot().LockedLines[4]; owner != "alice" {
		t.Errorf("owner = %q, want alice", owner)
	}
}

func TestDisconnectReleasesLocks(t *testing.T) {
	h := newHarness(t, rooms.Config{LockTimeout: time.Minute})
	aliceConn := h.connect("a")
	h.connect("b")
	_ = h.handle(t, "a", core.JoinRoom{RoomID: "R1", Username: "alice"})
	_ = h.handle(t, "b", core.JoinRoom{RoomID: "R1", Username: "bob"})
	_ = h.handle(t, "b", core.LockLine{RoomID: "R1", LineIndex: 2, Username: "bob"})
	_ = h.handle(t, "b", core.LockLine{RoomID: "R1", LineIndex: 5, Username: "bob"})
	aliceConn.reset()

	h.gateway.Disconnect("b", "ping timeout")

	if n := len(aliceConn.named(core.EventLineUnlocked)); n != 2 {
		t.Errorf("line-unlocked events = %d, want 2", n)
	}
	updates := aliceConn.named(core.EventUsersUpdate)
	if len(updates) != 1 {
		t.Fatalf("users-update events = %d, want 1", len(updates))
	}
	if got := updates[0].Payload.(core.UsersUpdate).Members; !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("Members = %v, want [alice]", got)
	}
	if locked := h.registry.Get("R1").Snapshot().LockedLines; len(locked) != 0 {
		t.Errorf("locks survived disconnect: %v", locked)
	}

	stats := h.collector.Snapshot()
	if stats.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1", stats.ActiveConnections)
	}
	if stats.Errors[core.CategoryTransportFault] != 1 {
		t.Errorf("transport faults = %d, want 1", stats.Errors[core.CategoryTransportFault])
	}

	// A second disconnect is a no-op.
	h.gateway.Disconnect("b", "ping timeout")
	if err := h.handle(t, "b", core.Typing{}); !errors.Is(err, core.ErrUnknownConnection) {
		t.Errorf("error = %v, want ErrUnknownConnection", err)
	}
}

func TestJoinAnotherRoomLeavesPrevious(t *testing.T) {
	h := newHarness(t, rooms.Config{})
	watcher := h.connect("w")
	mover := h.connect("m")
	_ = h.handle(t, "w", core.JoinRoom{RoomID: "one", Username: "watcher"})
	_ = h.handle(t, "m", core.JoinRoom{RoomID: "one", Username: "mover"})
	watcher.reset()

	_ = h.handle(t, "m", core.JoinRoom{RoomID: "two", Username: "mover"})

	if h.registry.Get("one").HasMember("mover") {
		t.Error("mover is still a member of room one")
	}
	if !h.registry.Get("two").HasMember("mover") {
		t.Error("mover did not join room two")
	}
	if len(watcher.named(core.EventUsersUpdate)) != 1 {
		t.Error("room one was not told that mover left")
	}

	// Events in room one no longer reach the mover.
	mover.reset()
	_ = h.handle(t, "w", core.DocumentChange{Content: "only for room one"})
	if mover.count() != 0 {
		t.Errorf("mover received %d events from its old room", mover.count())
	}
}

func TestSetUsername(t *testing.T) {
	h := newHarness(t, rooms.Config{})
	tr := h.connect("c")

	if err := h.handle(t, "c", core.SetUsername{Username: "anon"}); err != nil {
		t.Fatalf("set-username failed: %v", err)
	}
	if tr.count() != 0 {
		t.Errorf("unbound rename produced %d events", tr.count())
	}

	_ = h.handle(t, "c", core.JoinRoom{RoomID: "demo", Username: "anon"})
	if err := h.handle(t, "c", core.SetUsername{Username: "carol"}); err != nil {
		t.Fatalf("set-username failed: %v", err)
	}

	room := h.registry.Get("demo")
	if room.HasMember("anon") || !room.HasMember("carol") {
		t.Errorf("Members = %v, want [carol]", room.Snapshot().Members)
	}

	sessions := h.gateway.Sessions()
	if len(sessions) != 1 || sessions[0].Username != "carol" || sessions[0].RoomID != "demo" {
		t.Errorf("Sessions() = %+v", sessions)
	}
}

func TestTypingReachesOthersOnly(t *testing.T) {
	h := newHarness(t, rooms.Config{TypingTimeout: time.Minute})
	aliceConn := h.connect("a")
	bobConn := h.connect("b")
	_ = h.handle(t, "a", core.JoinRoom{RoomID: "demo", Username: "alice"})
	_ = h.handle(t, "b", core.JoinRoom{RoomID: "demo", Username: "bob"})
	aliceConn.reset()
	bobConn.reset()

	if err := h.handle(t, "a", core.Typing{RoomID: "demo", Username: "alice"}); err != nil {
		t.Fatalf("typing failed: %v", err)
	}
	if len(aliceConn.named(core.EventTyping)) != 0 {
		t.Error("typist received its own typing event")
	}
	typing := bobConn.named(core.EventTyping)
	if len(typing) != 1 || !reflect.DeepEqual(typing[0].Payload.(core.TypingUpdate).TypingUsers, []string{"alice"}) {
		t.Errorf("bob typing events = %+v", typing)
	}
}

func TestFanout_TransportFailureIsCounted(t *testing.T) {
	collector := metrics.NewCollector()
	fanout := NewFanout(collector)
	broken := &fakeTransport{fail: core.ErrTransportClosed}
	fanout.register("x", broken)
	fanout.bind("x", "demo")

	fanout.Notify("demo", rooms.Everyone, "", core.Event{Name: core.EventTyping})

	if n := collector.Snapshot().Errors[core.CategoryTransportFault]; n != 1 {
		t.Errorf("transport faults = %d, want 1", n)
	}
	if fanout.Connections("demo") != 1 {
		t.Errorf("Connections() = %d, want 1", fanout.Connections("demo"))
	}
	fanout.unregister("x")
	if fanout.Connections("demo") != 0 {
		t.Errorf("Connections() after unregister = %d", fanout.Connections("demo"))
	}
}

func TestIsTransportFault(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{"transport error", true},
		{"ping timeout", true},
		{"transport close", false},
		{"client namespace disconnect", false},
		{"server shutting down", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsTransportFault(tt.reason); got != tt.want {
			t.Errorf("IsTransportFault(%q) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestReceive(t *testing.T) {
	h := newHarness(t, rooms.Config{})
	tr := h.connect("c")
	ctx := context.Background()

	if err := h.gateway.Receive(ctx, "c", core.IntentJoinRoom, map[string]any{"roomId": "demo", "username": "alice"}); err != nil {
		t.Fatalf("Receive(join) error = %v", err)
	}
	if len(tr.named(core.EventInitialState)) != 1 {
		t.Fatal("join through Receive did not send initial-state")
	}

	err := h.gateway.Receive(ctx, "c", "rename-room", map[string]any{})
	var validation *core.ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("Receive(unknown) error = %v, want ValidationError", err)
	}

	tr.reset()
	_ = h.gateway.Receive(ctx, "c", core.IntentJoinRoom, []byte(`{"roomId":`))
	if len(tr.named(core.EventError)) != 1 {
		t.Error("malformed join did not send an error event")
	}

	if got := h.collector.Snapshot().Errors[core.CategoryValidation]; got != 2 {
		t.Errorf("validation errors = %d, want 2", got)
	}
	if err := h.gateway.Receive(ctx, "nobody", core.IntentTyping, nil); !errors.Is(err, core.ErrUnknownConnection) {
		t.Errorf("Receive(unknown conn) error = %v", err)
	}
}

func TestReceive_IncompleteChangeKeepsDocument(t *testing.T) {
	h := newHarness(t, rooms.Config{})
	h.connect("a")
	bobConn := h.connect("b")
	ctx := context.Background()

	_ = h.gateway.Receive(ctx, "a", core.IntentJoinRoom, map[string]any{"roomId": "demo", "username": "alice"})
	_ = h.gateway.Receive(ctx, "b", core.IntentJoinRoom, map[string]any{"roomId": "demo", "username": "bob"})
	if err := h.gateway.Receive(ctx, "a", core.IntentDocumentChange, map[string]any{"roomId": "demo", "content": "hello\nworld", "lineIndex": 1}); err != nil {
		t.Fatalf("Receive(document-change) error = %v", err)
	}
	bobConn.reset()

	err := h.gateway.Receive(ctx, "a", core.IntentDocumentChange, map[string]any{"roomId": "demo", "lineIndex": 1})
	var validation *core.ValidationError
	if !errors.As(err, &validation) || validation.Field != "content" {
		t.Fatalf("Receive(no content) error = %v, want content ValidationError", err)
	}
	if err := h.gateway.Receive(ctx, "a", core.IntentLockLine, map[string]any{"roomId": "demo", "username": "alice"}); err == nil {
		t.Error("Receive(lock without line) should fail")
	}

	if got := h.registry.Get("demo").Snapshot().Content; got != "hello\nworld" {
		t.Errorf("Content = %q, want hello\\nworld", got)
	}
	if bobConn.count() != 0 {
		t.Errorf("bob received %d events for rejected intents", bobConn.count())
	}
}
