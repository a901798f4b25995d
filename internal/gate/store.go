package gate

import (
	"context"
	"errors"

	"github.com/BekaChkhiro/Planflow-sub003/pkg/config"
)

var ErrUnknownUser = errors.New("gate: unknown user")

// StaticAccessStore is a config-backed AccessStore for standalone
// deployments and tests. Production embeds the main application's store
// behind the same interface.
type StaticAccessStore struct {
	allowAll bool
	projects map[string]map[string]struct{}
	names    map[string]string
	users    map[string]string
}

var _ AccessStore = (*StaticAccessStore)(nil)

func NewStaticAccessStore(cfg config.AccessConfig) *StaticAccessStore {
	projects := make(map[string]map[string]struct{}, len(cfg.Projects))
	for projectID, userIDs := range cfg.Projects {
		members := make(map[string]struct{}, len(userIDs))
		for _, id := range userIDs {
			members[id] = struct{}{}
		}
		projects[projectID] = members
	}
	return &StaticAccessStore{
		allowAll: cfg.AllowAll,
		projects: projects,
		names:    cfg.Names,
		users:    cfg.Users,
	}
}

func (s *StaticAccessStore) CheckAccess(_ context.Context, userID, projectID string) (Access, error) {
	name := s.names[projectID]
	if name == "" {
		name = projectID
	}

	if members, ok := s.projects[projectID]; ok {
		if _, member := members[userID]; member {
			return Access{Granted: true, ProjectName: name}, nil
		}
		return Access{Reason: "not a project member"}, nil
	}
	if s.allowAll {
		return Access{Granted: true, ProjectName: name}, nil
	}
	return Access{Reason: "unknown project"}, nil
}

func (s *StaticAccessStore) LookupDisplayName(_ context.Context, userID string) (string, error) {
	name, ok := s.users[userID]
	if !ok {
		return "", ErrUnknownUser
	}
	return name, nil
}
