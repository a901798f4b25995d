package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/BekaChkhiro/Planflow-sub003/pkg/registry"
)

// Close codes used when admission fails. 4xxx is the application range of
// the websocket protocol.
const (
	CloseUnauthorized websocket.StatusCode = 4401
	CloseForbidden    websocket.StatusCode = 4403
)

// AdmissionError is terminal for one connection attempt: the session closes
// the stream with Code and Reason and never touches the registry.
type AdmissionError struct {
	Code   websocket.StatusCode
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admission rejected (%d): %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("admission rejected (%d): %s", e.Code, e.Reason)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// Authenticator verifies an opaque bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (registry.Identity, error)
}

// Access is the outcome of an authorization check. ProjectName rides along
// so the gate does not need a second lookup for the welcome snapshot.
type Access struct {
	Granted     bool
	ProjectName string
	Reason      string
}

// AccessStore is the external user/permission store this core consumes. The
// surrounding application supplies the real implementation.
type AccessStore interface {
	CheckAccess(ctx context.Context, userID, projectID string) (Access, error)
	LookupDisplayName(ctx context.Context, userID string) (string, error)
}

// Gate validates a credential and project-access claim before a connection
// is admitted. It is stateless; every decision is delegated to the
// authenticator and the store.
type Gate struct {
	logger *slog.Logger
	auth   Authenticator
	store  AccessStore
}

func New(logger *slog.Logger, auth Authenticator, store AccessStore) *Gate {
	return &Gate{
		logger: logger.With(slog.String("component", "gate")),
		auth:   auth,
		store:  store,
	}
}

// Admit runs the full admission sequence: credential verification, project
// access check, then a best-effort display-name lookup whose failure is
// non-fatal. Returns the caller's identity and the project's display name.
func (g *Gate) Admit(ctx context.Context, credential, projectID string) (registry.Identity, string, *AdmissionError) {
	if credential == "" || projectID == "" {
		return registry.Identity{}, "", &AdmissionError{
			Code:   websocket.StatusPolicyViolation,
			Reason: "missing credential or project id",
		}
	}

	identity, err := g.auth.Authenticate(ctx, credential)
	if err != nil {
		g.logger.Warn("Credential rejected", slog.Any("error", err))
		return registry.Identity{}, "", &AdmissionError{
			Code:   CloseUnauthorized,
			Reason: "authentication failed",
			Err:    err,
		}
	}

	access, err := g.store.CheckAccess(ctx, identity.UserID, projectID)
	if err != nil {
		g.logger.Error("Access check failed",
			slog.String("userID", identity.UserID),
			slog.String("projectID", projectID),
			slog.Any("error", err),
		)
		return registry.Identity{}, "", &AdmissionError{
			Code:   CloseForbidden,
			Reason: "access check failed",
			Err:    err,
		}
	}
	if !access.Granted {
		reason := access.Reason
		if reason == "" {
			reason = "access denied"
		}
		g.logger.Warn("Access denied",
			slog.String("userID", identity.UserID),
			slog.String("projectID", projectID),
		)
		return registry.Identity{}, "", &AdmissionError{Code: CloseForbidden, Reason: reason}
	}

	// Best effort: a missing display name never blocks admission.
	if name, err := g.store.LookupDisplayName(ctx, identity.UserID); err != nil {
		g.logger.Debug("Display name lookup failed", slog.String("userID", identity.UserID), slog.Any("error", err))
	} else {
		identity.Name = name
	}

	return identity, access.ProjectName, nil
}
