package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Inbound message type tags.
const (
	TypePing           = "ping"
	TypePresenceUpdate = "presence_update"
	TypeWorkingOnStart = "working_on_start"
	TypeWorkingOnStop  = "working_on_stop"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypeLockAcquire    = "task_lock"
	TypeLockRelease    = "task_unlock"
	TypeLockExtend     = "task_lock_extend"
)

var (
	ErrMalformed    = errors.New("protocol: malformed message")
	ErrUnknownType  = errors.New("protocol: unknown message type")
	ErrMissingField = errors.New("protocol: missing required field")
)

// Inbound is the closed set of client messages. Decode produces exactly one
// variant per frame; the session dispatches on the concrete type, so adding
// a message type is a compile-checked change rather than a string compare.
type Inbound interface {
	inbound()
}

type Ping struct{}

type PresenceUpdate struct {
	Status string `json:"status"`
}

type StartWorkingOn struct {
	TaskID   int64  `json:"taskId"`
	TaskUUID string `json:"taskUuid"`
	TaskName string `json:"taskName"`
}

type StopWorkingOn struct{}

type StartTyping struct {
	TaskID        int64  `json:"taskId"`
	TaskDisplayID string `json:"taskDisplayId"`
}

type StopTyping struct{}

type AcquireLock struct {
	TaskID   int64  `json:"taskId"`
	TaskUUID string `json:"taskUuid"`
}

type ReleaseLock struct {
	TaskID int64 `json:"taskId"`
}

type ExtendLock struct {
	TaskID int64 `json:"taskId"`
}

func (Ping) inbound()           {}
func (PresenceUpdate) inbound() {}
func (StartWorkingOn) inbound() {}
func (StopWorkingOn) inbound()  {}
func (StartTyping) inbound()    {}
func (StopTyping) inbound()     {}
func (AcquireLock) inbound()    {}
func (ReleaseLock) inbound()    {}
func (ExtendLock) inbound()     {}

// Decode parses one raw frame into its typed variant. The type tag is peeked
// with gjson before the full decode; required fields are checked here so the
// session never sees a half-formed message.
func Decode(msg []byte) (Inbound, error) {
	if !gjson.ValidBytes(msg) {
		return nil, ErrMalformed
	}
	typ := gjson.GetBytes(msg, "type")
	if !typ.Exists() {
		return nil, fmt.Errorf("%w: no type tag", ErrMalformed)
	}

	switch typ.String() {
	case TypePing:
		return Ping{}, nil

	case TypePresenceUpdate:
		var m PresenceUpdate
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.Status == "" {
			return nil, fmt.Errorf("%w: status", ErrMissingField)
		}
		return m, nil

	case TypeWorkingOnStart:
		var m StartWorkingOn
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.TaskID == 0 || m.TaskUUID == "" || m.TaskName == "" {
			return nil, fmt.Errorf("%w: taskId, taskUuid and taskName are required", ErrMissingField)
		}
		return m, nil

	case TypeWorkingOnStop:
		return StopWorkingOn{}, nil

	case TypeTypingStart:
		var m StartTyping
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.TaskID == 0 || m.TaskDisplayID == "" {
			return nil, fmt.Errorf("%w: taskId and taskDisplayId are required", ErrMissingField)
		}
		return m, nil

	case TypeTypingStop:
		return StopTyping{}, nil

	case TypeLockAcquire:
		var m AcquireLock
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.TaskID == 0 || m.TaskUUID == "" {
			return nil, fmt.Errorf("%w: taskId and taskUuid are required", ErrMissingField)
		}
		return m, nil

	case TypeLockRelease:
		var m ReleaseLock
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.TaskID == 0 {
			return nil, fmt.Errorf("%w: taskId", ErrMissingField)
		}
		return m, nil

	case TypeLockExtend:
		var m ExtendLock
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.TaskID == 0 {
			return nil, fmt.Errorf("%w: taskId", ErrMissingField)
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ.String())
}
