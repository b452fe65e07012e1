package authz

import (
	"context"
	"errors"

	"log/slog"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/repository"
)

// Service answers whether a caller may act on behalf of a team.
// Administrators are always authorized; everyone else must be a registered
// member of the team. Nothing is cached: the roster is consulted on every
// call because membership can change between requests.
type Service struct {
	roster repository.RosterRepository
	logger *slog.Logger
}

// New constructs the gate.
func New(roster repository.RosterRepository, logger *slog.Logger) *Service {
	return &Service{roster: roster, logger: logger}
}

// Admin reports whether the caller is an administrator. Unknown callers are
// not administrators.
func (s *Service) Admin(ctx context.Context, callerID string) (bool, error) {
	user, err := s.roster.GetUserByID(ctx, callerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.Admin, nil
}

// Authorize reports whether the caller may act for the team.
func (s *Service) Authorize(ctx context.Context, callerID, teamID string) (bool, error) {
	admin, err := s.Admin(ctx, callerID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	member, err := s.roster.IsMember(ctx, callerID, teamID)
	if err != nil {
		return false, err
	}
	if !member {
		s.logger.Warn("authorization denied", "caller_id", callerID, "team_id", teamID)
	}
	return member, nil
}

// TeamFor resolves the caller's own team within a competition. A caller on
// no team gets nil without error; the caller decides the failure mode.
func (s *Service) TeamFor(ctx context.Context, callerID, competitionID string) (*domain.Team, error) {
	team, err := s.roster.GetTeamByMember(ctx, callerID, competitionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return team, nil
}
