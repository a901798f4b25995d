package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BekaChkhiro/Planflow-sub003/pkg/protocol"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/registry"
)

func marshalToMap(t *testing.T, event protocol.Event) map[string]any {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Event did not marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Event did not round-trip: %v", err)
	}
	return out
}

func TestConnectedEventEnvelope(t *testing.T) {
	event := protocol.ConnectedEvent("proj-1", "Website Redesign", nil, nil)
	if event.Type != protocol.EventConnected {
		t.Fatalf("Wrong type tag %s", event.Type)
	}

	m := marshalToMap(t, event)
	if m["type"] != "connected" || m["projectId"] != "proj-1" {
		t.Fatalf("Bad envelope: %v", m)
	}
	payload, ok := m["payload"].(map[string]any)
	if !ok {
		t.Fatalf("Missing payload: %v", m)
	}
	if payload["projectName"] != "Website Redesign" {
		t.Errorf("Missing project name: %v", payload)
	}
	// Nil slices must render as empty arrays, not null, for client parsers.
	if _, ok := payload["presence"].([]any); !ok {
		t.Errorf("presence should be an array, got %T", payload["presence"])
	}
	if _, ok := payload["locks"].([]any); !ok {
		t.Errorf("locks should be an array, got %T", payload["locks"])
	}
}

func TestTaskUnlockedEventNullReleaser(t *testing.T) {
	m := marshalToMap(t, protocol.TaskUnlockedEvent("proj-1", 42, nil))
	payload := m["payload"].(map[string]any)
	unlockedBy, present := payload["unlockedBy"]
	if !present {
		t.Fatal("unlockedBy must be present even when null")
	}
	if unlockedBy != nil {
		t.Errorf("Expected null unlockedBy for auto-release, got %v", unlockedBy)
	}

	alice := registry.Identity{UserID: "alice", Email: "alice@example.com"}
	m = marshalToMap(t, protocol.TaskUnlockedEvent("proj-1", 42, &alice))
	payload = m["payload"].(map[string]any)
	who, ok := payload["unlockedBy"].(map[string]any)
	if !ok || who["userId"] != "alice" {
		t.Errorf("Expected alice as releaser, got %v", payload["unlockedBy"])
	}
}

func TestLockResultEventShapes(t *testing.T) {
	lock := &registry.TaskLock{
		TaskID:    10,
		TaskUUID:  "u-10",
		Holder:    registry.Identity{UserID: "bob", Email: "bob@example.com"},
		ExpiresAt: time.Now().Add(time.Minute),
	}

	m := marshalToMap(t, protocol.LockResultEvent("proj-1", registry.LockResult{Lock: lock}))
	payload := m["payload"].(map[string]any)
	if payload["success"] != false {
		t.Errorf("Expected success=false, got %v", payload["success"])
	}
	conflicting, ok := payload["lock"].(map[string]any)
	if !ok {
		t.Fatalf("Conflict reply must carry the holder's lock: %v", payload)
	}
	holder := conflicting["holder"].(map[string]any)
	if holder["userId"] != "bob" {
		t.Errorf("Expected bob as conflicting holder, got %v", holder)
	}

	m = marshalToMap(t, protocol.LockResultEvent("proj-1", registry.LockResult{OK: true, OwnLock: true, Lock: lock}))
	payload = m["payload"].(map[string]any)
	if payload["success"] != true || payload["isOwnLock"] != true {
		t.Errorf("Expected own-lock success reply, got %v", payload)
	}
}

func TestWorkingOnChangedNullPayload(t *testing.T) {
	alice := registry.Identity{UserID: "alice", Email: "alice@example.com"}
	m := marshalToMap(t, protocol.WorkingOnChangedEvent("proj-1", alice, nil))
	payload := m["payload"].(map[string]any)
	w, present := payload["workingOn"]
	if !present || w != nil {
		t.Errorf("Cleared working-on must serialize as explicit null, got %v present=%v", w, present)
	}
}
