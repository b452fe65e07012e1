package repository

import (
	"context"

	"github.com/mkorzh/dropslot/internal/domain"
)

// MatchRepository resolves match identity, parent competition and map.
type MatchRepository interface {
	GetMatchByID(ctx context.Context, matchID string) (*domain.Match, error)
}

// TemplateRepository reads the per-map slot template catalog.
type TemplateRepository interface {
	GetTemplateByID(ctx context.Context, templateID string) (*domain.SlotTemplate, error)
	ListTemplatesByMap(ctx context.Context, mapID string) ([]domain.SlotTemplate, error)
}

// RosterRepository resolves callers, teams and memberships.
type RosterRepository interface {
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
	GetTeamByMember(ctx context.Context, userID, competitionID string) (*domain.Team, error)
	IsMember(ctx context.Context, userID, teamID string) (bool, error)
}

// SeatBinding names the capacity unit a team should be bound to.
type SeatBinding struct {
	MatchID  string
	SlotID   string
	TeamID   string
	CallerID string
}

// BoardEntry is one occupancy row joined with its template geometry and the
// occupant's resolved name.
type BoardEntry struct {
	Template domain.SlotTemplate
	Slot     domain.SlotAssignment
	TeamName *string
}

// AssignmentRepository owns per-match slot occupancy state. Every mutation
// executes as a single transaction; the schema's uniqueness constraints are
// the final backstop against racing writers, and violations surface as the
// sentinel errors in this package.
type AssignmentRepository interface {
	InstantiateSlots(ctx context.Context, matchID, mapID, createdBy string) (int, error)
	GetSlotByID(ctx context.Context, matchID, slotID string) (*domain.SlotAssignment, error)
	FindTeamSlot(ctx context.Context, matchID, teamID string) (*domain.SlotAssignment, error)
	FindTemplateSlot(ctx context.Context, matchID, templateID string) (*domain.SlotAssignment, error)
	AssignSeat(ctx context.Context, bind SeatBinding) (*domain.SlotAssignment, error)
	MoveSeat(ctx context.Context, bind SeatBinding) (*domain.SlotAssignment, error)
	ReleaseSlot(ctx context.Context, matchID, slotID, teamID string) error
	ReleaseTeam(ctx context.Context, matchID, teamID string) error
	ListBoard(ctx context.Context, matchID string) ([]BoardEntry, error)
}
