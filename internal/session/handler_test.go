package session_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/BekaChkhiro/Planflow-sub003/internal/session"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/registry"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeSink is an observer connection's outbound side; the tests assert on
// what it received.
type fakeSink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *fakeSink) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSink) Writable() bool { return true }

type envelope struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *fakeSink) events(t *testing.T) []envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope, 0, len(s.sent))
	for _, raw := range s.sent {
		var e envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("Observer received unparseable event: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func (s *fakeSink) countOf(t *testing.T, eventType string) int {
	t.Helper()
	n := 0
	for _, e := range s.events(t) {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

const projectID = "proj-1"

func ident(id string) registry.Identity {
	return registry.Identity{UserID: id, Email: id + "@example.com", Name: "User " + id}
}

// addObserver registers a bare connection for another user so broadcasts
// have a visible recipient.
func addObserver(reg *registry.Registry, userID string) *fakeSink {
	sink := &fakeSink{}
	reg.AddConnection(projectID, registry.NewConn(uuid.New(), ident(userID), projectID, sink))
	return sink
}

// newHandler builds a session over a transport connection that is never
// run; replies queue into its buffer and are not inspected here.
func newHandler(t *testing.T, reg *registry.Registry, userID string) *session.Handler {
	t.Helper()
	var wg sync.WaitGroup
	conn := transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, nil, nil, newTestLogger())
	return session.NewHandler(newTestLogger(), reg, conn, ident(userID), projectID, "Test Project")
}

func TestStartBroadcastsJoinOncePerUser(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")

	tab1 := newHandler(t, reg, "alice")
	tab1.Start()
	tab2 := newHandler(t, reg, "alice")
	tab2.Start()

	if got := observer.countOf(t, "presence_joined"); got != 1 {
		t.Errorf("Expected exactly one presence_joined for two tabs, got %d", got)
	}
	if got := reg.CountForProject(projectID); got != 3 {
		t.Errorf("Expected 3 connections registered, got %d", got)
	}
	if got := reg.UniqueUserCount(projectID); got != 2 {
		t.Errorf("Expected 2 unique users, got %d", got)
	}
}

func TestPresenceUpdateDispatch(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")
	h := newHandler(t, reg, "alice")
	h.Start()

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"presence_update","status":"idle"}`))

	if got := observer.countOf(t, "presence_updated"); got != 1 {
		t.Fatalf("Expected presence_updated broadcast, got %d", got)
	}
	presence := reg.Presence(projectID)
	for _, rec := range presence {
		if rec.User.UserID == "alice" && rec.Status != registry.StatusIdle {
			t.Errorf("Expected alice idle, got %s", rec.Status)
		}
	}

	// Invalid status is ignored: no state change, no broadcast.
	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"presence_update","status":"sleeping"}`))
	if got := observer.countOf(t, "presence_updated"); got != 1 {
		t.Errorf("Invalid status must not broadcast, got %d updates", got)
	}
}

func TestWorkingOnDispatch(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")
	h := newHandler(t, reg, "alice")
	h.Start()

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"working_on_start","taskId":42,"taskUuid":"u-42","taskName":"Ship it"}`))
	if got := observer.countOf(t, "working_on_changed"); got != 1 {
		t.Fatalf("Expected working_on_changed broadcast, got %d", got)
	}
	if w := reg.WorkingOn(projectID, "alice"); w == nil || w.TaskID != 42 {
		t.Fatalf("Working-on not recorded: %+v", w)
	}

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"working_on_stop"}`))
	if got := observer.countOf(t, "working_on_changed"); got != 2 {
		t.Errorf("Expected second working_on_changed with null payload, got %d", got)
	}
	if reg.WorkingOn(projectID, "alice") != nil {
		t.Error("Working-on should be cleared")
	}
}

func TestTypingDispatch(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")
	h := newHandler(t, reg, "alice")
	h.Start()

	// Stop without start: no typing record existed, nothing broadcast.
	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"typing_stop"}`))
	if got := observer.countOf(t, "typing_stop"); got != 0 {
		t.Errorf("Stop without a typing record must not broadcast, got %d", got)
	}

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"typing_start","taskId":7,"taskDisplayId":"PLN-7"}`))
	if got := observer.countOf(t, "typing_start"); got != 1 {
		t.Fatalf("Expected typing_start broadcast, got %d", got)
	}

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"typing_stop"}`))
	if got := observer.countOf(t, "typing_stop"); got != 1 {
		t.Errorf("Expected typing_stop broadcast, got %d", got)
	}
}

func TestLockDispatchFlow(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")
	h := newHandler(t, reg, "alice")
	h.Start()

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"task_lock","taskId":10,"taskUuid":"u-10"}`))
	if got := observer.countOf(t, "task_locked"); got != 1 {
		t.Fatalf("Expected task_locked broadcast, got %d", got)
	}

	// Re-acquiring one's own lock broadcasts an extension, not a fresh lock.
	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"task_lock","taskId":10,"taskUuid":"u-10"}`))
	if got := observer.countOf(t, "task_locked"); got != 1 {
		t.Errorf("Own-lock refresh must not rebroadcast task_locked, got %d", got)
	}
	if got := observer.countOf(t, "task_lock_extended"); got != 1 {
		t.Errorf("Expected task_lock_extended for own-lock refresh, got %d", got)
	}

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"task_lock_extend","taskId":10}`))
	if got := observer.countOf(t, "task_lock_extended"); got != 2 {
		t.Errorf("Expected explicit extend broadcast, got %d", got)
	}

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"task_unlock","taskId":10}`))
	events := observer.events(t)
	var unlocked *envelope
	for i := range events {
		if events[i].Type == "task_unlocked" {
			unlocked = &events[i]
		}
	}
	if unlocked == nil {
		t.Fatal("Expected task_unlocked broadcast")
	}
	var payload struct {
		TaskID     int64              `json:"taskId"`
		UnlockedBy *registry.Identity `json:"unlockedBy"`
	}
	if err := json.Unmarshal(unlocked.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.UnlockedBy == nil || payload.UnlockedBy.UserID != "alice" {
		t.Errorf("Explicit unlock must name the releaser, got %+v", payload.UnlockedBy)
	}
}

func TestCloseLastConnectionTearsEverythingDown(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")
	h := newHandler(t, reg, "alice")
	h.Start()

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"working_on_start","taskId":42,"taskUuid":"u-42","taskName":"Ship it"}`))
	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"typing_start","taskId":7,"taskDisplayId":"PLN-7"}`))
	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"task_lock","taskId":10,"taskUuid":"u-10"}`))

	h.HandleClose(uuid.Nil, nil)

	if got := observer.countOf(t, "presence_left"); got != 1 {
		t.Errorf("Expected presence_left, got %d", got)
	}
	if got := observer.countOf(t, "working_on_changed"); got != 2 {
		t.Errorf("Expected working-on cleared broadcast on close, got %d total", got)
	}
	if got := observer.countOf(t, "typing_stop"); got != 1 {
		t.Errorf("Expected typing_stop on close, got %d", got)
	}
	if got := observer.countOf(t, "task_unlocked"); got != 1 {
		t.Errorf("Expected auto-release task_unlocked, got %d", got)
	}

	for _, e := range observer.events(t) {
		if e.Type != "task_unlocked" {
			continue
		}
		var payload struct {
			UnlockedBy *registry.Identity `json:"unlockedBy"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.UnlockedBy != nil {
			t.Errorf("Disconnect auto-release must carry null unlockedBy, got %+v", payload.UnlockedBy)
		}
	}

	if got := reg.UniqueUserCount(projectID); got != 1 {
		t.Errorf("Expected only the observer to remain, got %d users", got)
	}
}

func TestCloseWithSecondTabOpenStaysQuiet(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")

	tab1 := newHandler(t, reg, "alice")
	tab1.Start()
	tab2 := newHandler(t, reg, "alice")
	tab2.Start()

	tab1.HandleClose(uuid.Nil, nil)

	if got := observer.countOf(t, "presence_left"); got != 0 {
		t.Errorf("Closing one of two tabs must not broadcast presence_left, got %d", got)
	}
	if got := reg.UniqueUserCount(projectID); got != 2 {
		t.Errorf("Alice must still be present, got %d users", got)
	}
}

// A stream can die between the websocket upgrade and the session's
// registration. Teardown firing first must not be followed by a successful
// Start, or the connection would be inserted with no path left to remove it.
func TestCloseBeforeStartRegistersNothing(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")
	h := newHandler(t, reg, "alice")

	h.HandleClose(uuid.Nil, nil)
	h.Start()

	if got := reg.CountForProject(projectID); got != 1 {
		t.Errorf("Expected only the observer registered, got %d connections", got)
	}
	if got := reg.UniqueUserCount(projectID); got != 1 {
		t.Errorf("Ghost user left behind: %d unique users", got)
	}
	if got := observer.countOf(t, "presence_joined"); got != 0 {
		t.Errorf("A never-registered session must not announce itself, got %d joins", got)
	}

	// The already-spent teardown must stay idempotent.
	h.HandleClose(uuid.Nil, nil)
	if got := reg.CountForProject(projectID); got != 1 {
		t.Errorf("Count changed after duplicate close: %d", got)
	}
}

func TestMalformedAndUnknownMessagesAreDropped(t *testing.T) {
	reg := registry.New(newTestLogger(), 0)
	observer := addObserver(reg, "bob")
	h := newHandler(t, reg, "alice")
	h.Start()

	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{broken`))
	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"make_coffee"}`))
	h.HandleMessage(context.Background(), uuid.Nil, []byte(`{"type":"working_on_start"}`))

	for _, e := range observer.events(t) {
		if e.Type != "presence_joined" {
			t.Errorf("Unexpected broadcast %s from dropped messages", e.Type)
		}
	}
	if got := reg.CountForProject(projectID); got != 2 {
		t.Errorf("Connection must survive malformed input, got count %d", got)
	}
}
