package registry

import (
	"log/slog"
	"sort"
	"time"
)

// Lock state machine per (project, task): Unlocked -> Locked(holder) ->
// Unlocked. A lock self-transitions on extend or re-acquire by its holder
// and rejects acquire from anyone else until it expires. Expiry is evaluated
// lazily against the wall clock at acquire/read time; there is no background
// sweep, so other clients learn of a silent expiry only when the lock is
// next contended.

// AcquireLock grants or refreshes the lock on a task. It succeeds when no
// lock exists, the existing one has expired, or the requester already holds
// it; OwnLock distinguishes the refresh case so callers broadcast an
// extended event rather than a fresh acquisition. On conflict the result
// carries the current lock so the client can show who holds it.
func (r *Registry) AcquireLock(projectID string, taskID int64, taskUUID string, holder Identity) LockResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return LockResult{}
	}

	now := time.Now()
	existing := p.locks[taskID]
	if existing != nil && !existing.Expired(now) && existing.Holder.UserID != holder.UserID {
		conflict := *existing
		return LockResult{Lock: &conflict}
	}

	own := existing != nil && !existing.Expired(now) && existing.Holder.UserID == holder.UserID
	lock := &TaskLock{
		TaskID:     taskID,
		TaskUUID:   taskUUID,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(r.lockTTL),
	}
	if own {
		lock.AcquiredAt = existing.AcquiredAt
	}
	p.locks[taskID] = lock

	r.logger.Debug("Task lock granted",
		slog.String("projectID", projectID),
		slog.Int64("taskID", taskID),
		slog.String("userID", holder.UserID),
		slog.Bool("refresh", own),
	)
	granted := *lock
	return LockResult{OK: true, OwnLock: own, Lock: &granted}
}

// ReleaseLock clears the lock if it exists and is held by userID. Anything
// else, including an expired lock, is a no-op returning false.
func (r *Registry) ReleaseLock(projectID string, taskID int64, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return false
	}
	lock := p.locks[taskID]
	if lock == nil {
		return false
	}
	if lock.Expired(time.Now()) {
		delete(p.locks, taskID)
		return false
	}
	if lock.Holder.UserID != userID {
		return false
	}
	delete(p.locks, taskID)
	r.logger.Debug("Task lock released",
		slog.String("projectID", projectID),
		slog.Int64("taskID", taskID),
		slog.String("userID", userID),
	)
	return true
}

// ExtendLock re-arms the TTL under the same ownership check as ReleaseLock.
// The refreshed lock is returned so the caller can broadcast the new expiry.
func (r *Registry) ExtendLock(projectID string, taskID int64, userID string) (*TaskLock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return nil, false
	}
	lock := p.locks[taskID]
	if lock == nil {
		return nil, false
	}
	now := time.Now()
	if lock.Expired(now) {
		delete(p.locks, taskID)
		return nil, false
	}
	if lock.Holder.UserID != userID {
		return nil, false
	}
	lock.ExpiresAt = now.Add(r.lockTTL)
	extended := *lock
	return &extended, true
}

// ReleaseUserLocks drops every lock the user holds in the project and
// returns the affected task ids in ascending order. Called on disconnect so
// the session can broadcast one unlock per task with a null releaser.
func (r *Registry) ReleaseUserLocks(projectID, userID string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return nil
	}
	var released []int64
	for taskID, lock := range p.locks {
		if lock.Holder.UserID == userID {
			delete(p.locks, taskID)
			released = append(released, taskID)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	if len(released) > 0 {
		r.logger.Debug("Released user locks on disconnect",
			slog.String("projectID", projectID),
			slog.String("userID", userID),
			slog.Int("count", len(released)),
		)
	}
	return released
}

// Locks lists the project's live locks sorted by task id, pruning any that
// expired. Used to seed a newly joined client.
func (r *Registry) Locks(projectID string) []TaskLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return nil
	}
	now := time.Now()
	out := make([]TaskLock, 0, len(p.locks))
	for taskID, lock := range p.locks {
		if lock.Expired(now) {
			delete(p.locks, taskID)
			continue
		}
		out = append(out, *lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
