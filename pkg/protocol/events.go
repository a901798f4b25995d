package protocol

import (
	"time"

	"github.com/BekaChkhiro/Planflow-sub003/pkg/registry"
)

// Outbound event type tags.
const (
	EventConnected        = "connected"
	EventPresenceJoined   = "presence_joined"
	EventPresenceLeft     = "presence_left"
	EventPresenceUpdated  = "presence_updated"
	EventWorkingOnChanged = "working_on_changed"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventTaskLocked       = "task_locked"
	EventTaskUnlocked     = "task_unlocked"
	EventTaskLockExtended = "task_lock_extended"
	EventLockResult       = "task_lock_result"
	EventUnlockResult     = "task_unlock_result"
	EventLockExtendResult = "task_lock_extend_result"
	EventPong             = "pong"
)

// Event is the envelope every outbound message travels in. It is marshalled
// exactly once per broadcast.
type Event struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

func newEvent(typ, projectID string, payload any) Event {
	return Event{
		Type:      typ,
		ProjectID: projectID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// ConnectedPayload seeds a newly admitted client with full project state.
type ConnectedPayload struct {
	ProjectName string                    `json:"projectName"`
	Presence    []registry.PresenceRecord `json:"presence"`
	Locks       []registry.TaskLock       `json:"locks"`
}

func ConnectedEvent(projectID, projectName string, presence []registry.PresenceRecord, locks []registry.TaskLock) Event {
	if presence == nil {
		presence = []registry.PresenceRecord{}
	}
	if locks == nil {
		locks = []registry.TaskLock{}
	}
	return newEvent(EventConnected, projectID, ConnectedPayload{
		ProjectName: projectName,
		Presence:    presence,
		Locks:       locks,
	})
}

func PresenceJoinedEvent(projectID string, rec registry.PresenceRecord) Event {
	return newEvent(EventPresenceJoined, projectID, rec)
}

type PresenceLeftPayload struct {
	User registry.Identity `json:"user"`
}

func PresenceLeftEvent(projectID string, user registry.Identity) Event {
	return newEvent(EventPresenceLeft, projectID, PresenceLeftPayload{User: user})
}

type PresenceUpdatedPayload struct {
	User   registry.Identity `json:"user"`
	Status registry.Status   `json:"status"`
}

func PresenceUpdatedEvent(projectID string, user registry.Identity, status registry.Status) Event {
	return newEvent(EventPresenceUpdated, projectID, PresenceUpdatedPayload{User: user, Status: status})
}

// WorkingOnChangedPayload carries a nil WorkingOn when the user stopped.
type WorkingOnChangedPayload struct {
	User      registry.Identity   `json:"user"`
	WorkingOn *registry.WorkingOn `json:"workingOn"`
}

func WorkingOnChangedEvent(projectID string, user registry.Identity, w *registry.WorkingOn) Event {
	return newEvent(EventWorkingOnChanged, projectID, WorkingOnChangedPayload{User: user, WorkingOn: w})
}

type TypingPayload struct {
	User          registry.Identity `json:"user"`
	TaskID        int64             `json:"taskId"`
	TaskDisplayID string            `json:"taskDisplayId,omitempty"`
	StartedAt     time.Time         `json:"startedAt,omitempty"`
}

func TypingStartEvent(projectID string, user registry.Identity, taskID int64, taskDisplayID string, startedAt time.Time) Event {
	return newEvent(EventTypingStart, projectID, TypingPayload{
		User:          user,
		TaskID:        taskID,
		TaskDisplayID: taskDisplayID,
		StartedAt:     startedAt,
	})
}

func TypingStopEvent(projectID string, user registry.Identity, taskID int64) Event {
	return newEvent(EventTypingStop, projectID, TypingPayload{User: user, TaskID: taskID})
}

func TaskLockedEvent(projectID string, lock registry.TaskLock) Event {
	return newEvent(EventTaskLocked, projectID, lock)
}

// TaskUnlockedPayload's UnlockedBy is null when the lock was auto-released
// by a disconnect rather than an explicit user action.
type TaskUnlockedPayload struct {
	TaskID     int64              `json:"taskId"`
	UnlockedBy *registry.Identity `json:"unlockedBy"`
}

func TaskUnlockedEvent(projectID string, taskID int64, unlockedBy *registry.Identity) Event {
	return newEvent(EventTaskUnlocked, projectID, TaskUnlockedPayload{TaskID: taskID, UnlockedBy: unlockedBy})
}

func TaskLockExtendedEvent(projectID string, lock registry.TaskLock) Event {
	return newEvent(EventTaskLockExtended, projectID, lock)
}

// LockResultPayload is the direct reply to a lock request. On failure Lock
// identifies the current holder.
type LockResultPayload struct {
	Success   bool               `json:"success"`
	IsOwnLock bool               `json:"isOwnLock,omitempty"`
	Lock      *registry.TaskLock `json:"lock,omitempty"`
}

func LockResultEvent(projectID string, res registry.LockResult) Event {
	return newEvent(EventLockResult, projectID, LockResultPayload{
		Success:   res.OK,
		IsOwnLock: res.OwnLock,
		Lock:      res.Lock,
	})
}

type LockOpResultPayload struct {
	Success bool  `json:"success"`
	TaskID  int64 `json:"taskId"`
}

func UnlockResultEvent(projectID string, taskID int64, released bool) Event {
	return newEvent(EventUnlockResult, projectID, LockOpResultPayload{Success: released, TaskID: taskID})
}

func LockExtendResultEvent(projectID string, taskID int64, extended bool) Event {
	return newEvent(EventLockExtendResult, projectID, LockOpResultPayload{Success: extended, TaskID: taskID})
}

func PongEvent(projectID string) Event {
	return newEvent(EventPong, projectID, nil)
}
