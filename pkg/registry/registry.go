package registry

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTTL is the rolling window a task lock stays valid without an
// extend.
const DefaultLockTTL = 5 * time.Minute

// Registry owns every live connection, grouped by project, plus the task
// locks within each project. It is the single shared mutable structure of
// the realtime core; one mutex serializes all mutation and broadcast so
// events for a project reach every recipient in invocation order.
//
// The registry is purely in-memory and single-process. Replacing Broadcast
// with a publish to a shared pub/sub channel is the seam for a
// multi-instance deployment.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*project

	lockTTL time.Duration
	logger  *slog.Logger
}

// project is one entry in the registry. Invariant: an entry exists if and
// only if conns is non-empty; locks die with the entry.
type project struct {
	conns map[uuid.UUID]*Conn
	locks map[int64]*TaskLock
}

func New(logger *slog.Logger, lockTTL time.Duration) *Registry {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Registry{
		projects: make(map[string]*project),
		lockTTL:  lockTTL,
		logger:   logger.With(slog.String("component", "registry")),
	}
}

// AddConnection inserts conn into the project's connection set, creating the
// set if absent. Membership is identity-based on the connection ID.
func (r *Registry) AddConnection(projectID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		p = &project{
			conns: make(map[uuid.UUID]*Conn),
			locks: make(map[int64]*TaskLock),
		}
		r.projects[projectID] = p
	}
	p.conns[conn.ID] = conn
	r.logger.Debug("Connection added",
		slog.String("projectID", projectID),
		slog.String("connID", conn.ID.String()),
		slog.String("userID", conn.User.UserID),
	)
}

// RemoveConnection removes the connection from the project's set. The last
// removal deletes the project entry entirely so churn never grows the map.
// No-op for an unknown project or connection.
func (r *Registry) RemoveConnection(projectID string, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return
	}
	if _, ok := p.conns[connID]; !ok {
		return
	}
	delete(p.conns, connID)
	if len(p.conns) == 0 {
		delete(r.projects, projectID)
		r.logger.Debug("Removed empty project entry", slog.String("projectID", projectID))
	}
	r.logger.Debug("Connection removed",
		slog.String("projectID", projectID),
		slog.String("connID", connID.String()),
	)
}

// Broadcast serializes event once and delivers it to every writable
// connection in the project, skipping connections owned by excludeUserID.
// Pass an empty excludeUserID to reach everyone. A failed send is logged and
// never aborts delivery to the remaining connections.
func (r *Registry) Broadcast(projectID string, event any, excludeUserID string) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Failed to marshal broadcast event", slog.Any("error", err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return
	}
	for _, c := range p.conns {
		if excludeUserID != "" && c.User.UserID == excludeUserID {
			continue
		}
		if !c.Sink.Writable() {
			continue
		}
		if err := c.Sink.Send(data); err != nil {
			r.logger.Warn("Broadcast send failed",
				slog.String("projectID", projectID),
				slog.String("connID", c.ID.String()),
				slog.Any("error", err),
			)
		}
	}
}

func (r *Registry) CountForProject(projectID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[projectID]
	if !ok {
		return 0
	}
	return len(p.conns)
}

func (r *Registry) CountTotal() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, p := range r.projects {
		total += len(p.conns)
	}
	return total
}

func (r *Registry) ActiveProjectIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.projects))
	for id := range r.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Presence computes the deduplicated-by-user view of a project. Multiple
// connections from one user merge into a single record: earliest connect
// time wins for ConnectedAt, and the status, activity time and working-on
// pointer come from whichever connection was active most recently.
func (r *Registry) Presence(projectID string) []PresenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[projectID]
	if !ok {
		return nil
	}

	byUser := make(map[string]*PresenceRecord)
	for _, c := range p.conns {
		rec, seen := byUser[c.User.UserID]
		if !seen {
			byUser[c.User.UserID] = &PresenceRecord{
				User:         c.User,
				Status:       c.Status,
				ConnectedAt:  c.ConnectedAt,
				LastActiveAt: c.LastActiveAt,
				WorkingOn:    c.WorkingOn,
			}
			continue
		}
		if c.ConnectedAt.Before(rec.ConnectedAt) {
			rec.ConnectedAt = c.ConnectedAt
		}
		if c.LastActiveAt.After(rec.LastActiveAt) {
			rec.LastActiveAt = c.LastActiveAt
			rec.Status = c.Status
			rec.WorkingOn = c.WorkingOn
		}
	}

	out := make([]PresenceRecord, 0, len(byUser))
	for _, rec := range byUser {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.UserID < out[j].User.UserID })
	return out
}

func (r *Registry) UniqueUserCount(projectID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[projectID]
	if !ok {
		return 0
	}
	users := make(map[string]struct{}, len(p.conns))
	for _, c := range p.conns {
		users[c.User.UserID] = struct{}{}
	}
	return len(users)
}

// UpdateStatus applies the status to every connection the user has open in
// the project, so presence stays consistent no matter which tab sent the
// update. Reports whether any connection matched.
func (r *Registry) UpdateStatus(projectID, userID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	matched := false
	for _, c := range r.userConns(projectID, userID) {
		c.Status = status
		c.LastActiveAt = now
		matched = true
	}
	return matched
}

// Touch refreshes the last-activity timestamp on all of the user's
// connections in the project.
func (r *Registry) Touch(projectID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, c := range r.userConns(projectID, userID) {
		c.LastActiveAt = now
	}
}

// IsFirstConnection answers "would an add for this user be their first
// connection to the project". It must be evaluated before the corresponding
// AddConnection; the session uses it to broadcast exactly one join per user
// no matter how many tabs they open.
func (r *Registry) IsFirstConnection(projectID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns(projectID, userID)) == 0
}

// IsLastConnection answers "is the connection being removed the user's only
// one". Evaluated before the corresponding RemoveConnection.
func (r *Registry) IsLastConnection(projectID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns(projectID, userID)) == 1
}

// SetWorkingOn points every one of the user's connections at the task and
// returns the start timestamp so the caller can reuse it in the broadcast
// without a second query.
func (r *Registry) SetWorkingOn(projectID, userID string, taskID int64, taskUUID, taskName string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	w := &WorkingOn{TaskID: taskID, TaskUUID: taskUUID, TaskName: taskName, StartedAt: now}
	for _, c := range r.userConns(projectID, userID) {
		c.WorkingOn = w
		c.LastActiveAt = now
	}
	return now
}

// ClearWorkingOn clears the pointer on all of the user's connections,
// returning the prior value and whether one existed.
func (r *Registry) ClearWorkingOn(projectID, userID string) (*WorkingOn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prior *WorkingOn
	for _, c := range r.userConns(projectID, userID) {
		if c.WorkingOn != nil {
			prior = c.WorkingOn
		}
		c.WorkingOn = nil
	}
	return prior, prior != nil
}

func (r *Registry) WorkingOn(projectID, userID string) *WorkingOn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.userConns(projectID, userID) {
		if c.WorkingOn != nil {
			return c.WorkingOn
		}
	}
	return nil
}

// SetTyping mirrors SetWorkingOn for the typing indicator.
func (r *Registry) SetTyping(projectID, userID string, taskID int64, taskDisplayID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	t := &Typing{TaskID: taskID, TaskDisplayID: taskDisplayID, StartedAt: now}
	for _, c := range r.userConns(projectID, userID) {
		c.Typing = t
		c.LastActiveAt = now
	}
	return now
}

func (r *Registry) ClearTyping(projectID, userID string) (*Typing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prior *Typing
	for _, c := range r.userConns(projectID, userID) {
		if c.Typing != nil {
			prior = c.Typing
		}
		c.Typing = nil
	}
	return prior, prior != nil
}

func (r *Registry) TypingInfo(projectID, userID string) *Typing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.userConns(projectID, userID) {
		if c.Typing != nil {
			return c.Typing
		}
	}
	return nil
}

// userConns collects the user's connections in a project. Callers must hold
// the registry lock.
func (r *Registry) userConns(projectID, userID string) []*Conn {
	p, ok := r.projects[projectID]
	if !ok {
		return nil
	}
	var conns []*Conn
	for _, c := range p.conns {
		if c.User.UserID == userID {
			conns = append(conns, c)
		}
	}
	return conns
}
