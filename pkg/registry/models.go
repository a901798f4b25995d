package registry

import (
	"time"

	"github.com/google/uuid"
)

// Status is a user's presence status within a project.
type Status string

const (
	StatusOnline Status = "online"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusAway:
		return true
	}
	return false
}

// Identity is the user attached to a connection.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

// Sink is the outbound half of a connection. Sends must never block; a
// failed send is reported, not retried. *transport.Connection satisfies it.
type Sink interface {
	Send(msg []byte) error
	Writable() bool
}

// WorkingOn is the soft "actively engaged with this task" signal, distinct
// from a lock.
type WorkingOn struct {
	TaskID    int64     `json:"taskId"`
	TaskUUID  string    `json:"taskUuid"`
	TaskName  string    `json:"taskName"`
	StartedAt time.Time `json:"startedAt"`
}

// Typing marks a user composing a comment on a task.
type Typing struct {
	TaskID        int64     `json:"taskId"`
	TaskDisplayID string    `json:"taskDisplayId"`
	StartedAt     time.Time `json:"startedAt"`
}

// Conn is the registry's view of one live connection. It is created by the
// session that owns the underlying stream and referenced here only for the
// connection's lifetime. All field mutation happens under the registry lock.
type Conn struct {
	ID           uuid.UUID
	User         Identity
	ProjectID    string
	ConnectedAt  time.Time
	LastActiveAt time.Time
	Status       Status
	WorkingOn    *WorkingOn
	Typing       *Typing
	Sink         Sink
}

func NewConn(id uuid.UUID, user Identity, projectID string, sink Sink) *Conn {
	now := time.Now()
	return &Conn{
		ID:           id,
		User:         user,
		ProjectID:    projectID,
		ConnectedAt:  now,
		LastActiveAt: now,
		Status:       StatusOnline,
		Sink:         sink,
	}
}

// PresenceRecord is the per-user projection of a project's connections. A
// user with several tabs open collapses to one record.
type PresenceRecord struct {
	User         Identity   `json:"user"`
	Status       Status     `json:"status"`
	ConnectedAt  time.Time  `json:"connectedAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	WorkingOn    *WorkingOn `json:"workingOn,omitempty"`
}

// TaskLock is an exclusive, time-limited editing claim on one task.
type TaskLock struct {
	TaskID     int64     `json:"taskId"`
	TaskUUID   string    `json:"taskUuid"`
	Holder     Identity  `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (l *TaskLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockResult is the outcome of an acquire attempt. On failure Lock carries
// the conflicting lock so the client can show who holds it. OwnLock marks a
// refresh of a lock the requester already held.
type LockResult struct {
	OK      bool
	OwnLock bool
	Lock    *TaskLock
}
