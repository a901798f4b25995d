package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/BekaChkhiro/Planflow-sub003/pkg/protocol"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/registry"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/transport"
)

// Handler drives one admitted connection: it registers the connection,
// seeds the client with a snapshot, translates inbound messages into
// registry mutations and broadcasts, and tears everything down exactly once
// when the stream closes, whether cleanly or not.
type Handler struct {
	logger *slog.Logger
	reg    *registry.Registry
	conn   *transport.Connection

	user        registry.Identity
	projectID   string
	projectName string

	// mu orders Start against HandleClose: a stream that dies before the
	// session registered must not be inserted afterwards.
	mu       sync.Mutex
	closed   bool
	teardown sync.Once
}

func NewHandler(logger *slog.Logger, reg *registry.Registry, conn *transport.Connection, user registry.Identity, projectID, projectName string) *Handler {
	return &Handler{
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("connID", conn.ID().String()),
			slog.String("userID", user.UserID),
			slog.String("projectID", projectID),
		),
		reg:         reg,
		conn:        conn,
		user:        user,
		projectID:   projectID,
		projectName: projectName,
	}
}

// Start registers the connection and announces the user. First/last
// detection happens before the mutating call: a user with three tabs open
// joins and leaves exactly once from everyone else's point of view.
func (h *Handler) Start() {
	h.mu.Lock()
	if h.closed {
		// The stream already died; registering now would leak a connection
		// no teardown will ever remove.
		h.mu.Unlock()
		return
	}
	first := h.reg.IsFirstConnection(h.projectID, h.user.UserID)

	conn := registry.NewConn(h.conn.ID(), h.user, h.projectID, h.conn)
	h.reg.AddConnection(h.projectID, conn)
	h.mu.Unlock()

	h.reply(protocol.ConnectedEvent(
		h.projectID,
		h.projectName,
		h.reg.Presence(h.projectID),
		h.reg.Locks(h.projectID),
	))

	if first {
		h.reg.Broadcast(h.projectID, protocol.PresenceJoinedEvent(h.projectID, registry.PresenceRecord{
			User:         conn.User,
			Status:       conn.Status,
			ConnectedAt:  conn.ConnectedAt,
			LastActiveAt: conn.LastActiveAt,
		}), h.user.UserID)
	}
}

// HandleMessage is the dispatch loop body. A malformed or unknown message is
// dropped with a log line; it never closes the connection.
func (h *Handler) HandleMessage(_ context.Context, _ uuid.UUID, msg []byte) {
	in, err := protocol.Decode(msg)
	if err != nil {
		h.logger.Warn("Dropping inbound message", slog.Any("error", err))
		return
	}

	switch m := in.(type) {
	case protocol.Ping:
		h.reg.Touch(h.projectID, h.user.UserID)
		h.reply(protocol.PongEvent(h.projectID))

	case protocol.PresenceUpdate:
		status := registry.Status(m.Status)
		if !status.Valid() {
			h.logger.Warn("Ignoring invalid presence status", slog.String("status", m.Status))
			return
		}
		h.reg.UpdateStatus(h.projectID, h.user.UserID, status)
		h.reg.Broadcast(h.projectID, protocol.PresenceUpdatedEvent(h.projectID, h.user, status), h.user.UserID)

	case protocol.StartWorkingOn:
		startedAt := h.reg.SetWorkingOn(h.projectID, h.user.UserID, m.TaskID, m.TaskUUID, m.TaskName)
		// Every tab of every user sees working-on changes, the sender's
		// included, so all views stay in sync.
		h.reg.Broadcast(h.projectID, protocol.WorkingOnChangedEvent(h.projectID, h.user, &registry.WorkingOn{
			TaskID:    m.TaskID,
			TaskUUID:  m.TaskUUID,
			TaskName:  m.TaskName,
			StartedAt: startedAt,
		}), "")

	case protocol.StopWorkingOn:
		h.reg.ClearWorkingOn(h.projectID, h.user.UserID)
		h.reg.Broadcast(h.projectID, protocol.WorkingOnChangedEvent(h.projectID, h.user, nil), "")

	case protocol.StartTyping:
		startedAt := h.reg.SetTyping(h.projectID, h.user.UserID, m.TaskID, m.TaskDisplayID)
		h.reg.Broadcast(h.projectID, protocol.TypingStartEvent(h.projectID, h.user, m.TaskID, m.TaskDisplayID, startedAt), h.user.UserID)

	case protocol.StopTyping:
		prior, existed := h.reg.ClearTyping(h.projectID, h.user.UserID)
		if !existed {
			return
		}
		h.reg.Broadcast(h.projectID, protocol.TypingStopEvent(h.projectID, h.user, prior.TaskID), h.user.UserID)

	case protocol.AcquireLock:
		res := h.reg.AcquireLock(h.projectID, m.TaskID, m.TaskUUID, h.user)
		// Reply to the requester first, then broadcast.
		h.reply(protocol.LockResultEvent(h.projectID, res))
		if !res.OK {
			return
		}
		if res.OwnLock {
			h.reg.Broadcast(h.projectID, protocol.TaskLockExtendedEvent(h.projectID, *res.Lock), h.user.UserID)
		} else {
			h.reg.Broadcast(h.projectID, protocol.TaskLockedEvent(h.projectID, *res.Lock), h.user.UserID)
		}

	case protocol.ReleaseLock:
		released := h.reg.ReleaseLock(h.projectID, m.TaskID, h.user.UserID)
		h.reply(protocol.UnlockResultEvent(h.projectID, m.TaskID, released))
		if released {
			unlockedBy := h.user
			h.reg.Broadcast(h.projectID, protocol.TaskUnlockedEvent(h.projectID, m.TaskID, &unlockedBy), "")
		}

	case protocol.ExtendLock:
		lock, extended := h.reg.ExtendLock(h.projectID, m.TaskID, h.user.UserID)
		h.reply(protocol.LockExtendResultEvent(h.projectID, m.TaskID, extended))
		if extended {
			h.reg.Broadcast(h.projectID, protocol.TaskLockExtendedEvent(h.projectID, *lock), "")
		}
	}
}

// HandleClose is the single teardown path for clean closes, read/write
// errors and ping failures alike; the transport guarantees it fires once and
// the teardown guard protects against a duplicate close event.
func (h *Handler) HandleClose(_ uuid.UUID, err error) {
	h.teardown.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		h.logger.Info("Session closing", slog.Any("reason", err))

		last := h.reg.IsLastConnection(h.projectID, h.user.UserID)
		working := h.reg.WorkingOn(h.projectID, h.user.UserID)
		typing := h.reg.TypingInfo(h.projectID, h.user.UserID)

		h.reg.RemoveConnection(h.projectID, h.conn.ID())
		if !last {
			// Another tab is still open: presence, working-on and typing all
			// survive untouched.
			return
		}

		h.reg.Broadcast(h.projectID, protocol.PresenceLeftEvent(h.projectID, h.user), h.user.UserID)
		if working != nil {
			h.reg.Broadcast(h.projectID, protocol.WorkingOnChangedEvent(h.projectID, h.user, nil), "")
		}
		if typing != nil {
			h.reg.Broadcast(h.projectID, protocol.TypingStopEvent(h.projectID, h.user, typing.TaskID), h.user.UserID)
		}
		for _, taskID := range h.reg.ReleaseUserLocks(h.projectID, h.user.UserID) {
			h.reg.Broadcast(h.projectID, protocol.TaskUnlockedEvent(h.projectID, taskID, nil), "")
		}
	})
}

// reply sends a direct (non-broadcast) event to this connection only.
func (h *Handler) reply(event protocol.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal reply", slog.String("event", event.Type), slog.Any("error", err))
		return
	}
	if err := h.conn.Send(data); err != nil {
		h.logger.Warn("Failed to send reply", slog.String("event", event.Type), slog.Any("error", err))
	}
}
