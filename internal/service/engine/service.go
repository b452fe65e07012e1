package engine

import (
	"context"
	"errors"

	"log/slog"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/repository"
)

// Gate decides whether a caller may act on behalf of a team. The decision is
// re-evaluated on every mutating call; membership can change between calls.
type Gate interface {
	Admin(ctx context.Context, callerID string) (bool, error)
	Authorize(ctx context.Context, callerID, teamID string) (bool, error)
	TeamFor(ctx context.Context, callerID, competitionID string) (*domain.Team, error)
}

// Service owns per-match slot occupancy state transitions. Each operation is
// one repository transaction; the store's uniqueness constraints back the
// checks performed here, so a losing concurrent writer receives a conflict
// rather than corrupting state.
type Service struct {
	matches   repository.MatchRepository
	templates repository.TemplateRepository
	roster    repository.RosterRepository
	slots     repository.AssignmentRepository
	gate      Gate
	logger    *slog.Logger
}

// New constructs the assignment engine.
func New(
	matches repository.MatchRepository,
	templates repository.TemplateRepository,
	roster repository.RosterRepository,
	slots repository.AssignmentRepository,
	gate Gate,
	logger *slog.Logger,
) *Service {
	return &Service{
		matches:   matches,
		templates: templates,
		roster:    roster,
		slots:     slots,
		gate:      gate,
		logger:    logger,
	}
}

// Instantiate materializes one vacant capacity unit per template of the
// match's map. Idempotent: units that already exist are skipped. Admin only.
func (s *Service) Instantiate(ctx context.Context, matchID, callerID string) (int, error) {
	admin, err := s.gate.Admin(ctx, callerID)
	if err != nil {
		return 0, err
	}
	if !admin {
		return 0, ErrForbidden
	}
	match, err := s.getMatch(ctx, matchID)
	if err != nil {
		return 0, err
	}
	if match.MapID == "" {
		return 0, ErrMapNotSet
	}
	templates, err := s.templates.ListTemplatesByMap(ctx, match.MapID)
	if err != nil {
		return 0, err
	}
	if len(templates) == 0 {
		return 0, ErrNoTemplates
	}
	for _, t := range templates {
		if t.Capacity < 1 {
			return 0, ErrBadCapacity
		}
	}
	created, err := s.slots.InstantiateSlots(ctx, match.ID, match.MapID, callerID)
	if err != nil {
		return 0, translate(err)
	}
	s.logger.Info("slots instantiated", "match_id", match.ID, "map_id", match.MapID, "created", created)
	return created, nil
}

// Assign binds the team to the named slot. Precondition order: slot exists,
// team eligible, caller authorized, team not assigned elsewhere, slot not
// full. Re-assigning a team to its own slot succeeds without a new row.
func (s *Service) Assign(ctx context.Context, matchID, slotID, teamID, callerID string) (*domain.SlotAssignment, error) {
	match, err := s.getMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	slot, err := s.slots.GetSlotByID(ctx, match.ID, slotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	if err := s.checkEligible(ctx, match, teamID); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, callerID, teamID); err != nil {
		return nil, err
	}
	current, err := s.currentSlot(ctx, match.ID, teamID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.TemplateID != slot.TemplateID {
		return nil, ErrAlreadyAssigned
	}
	updated, err := s.slots.AssignSeat(ctx, repository.SeatBinding{
		MatchID:  match.ID,
		SlotID:   slot.ID,
		TeamID:   teamID,
		CallerID: callerID,
	})
	if err != nil {
		return nil, translate(err)
	}
	s.logger.Info("slot assigned",
		"match_id", match.ID, "slot_id", updated.ID, "template_id", updated.TemplateID,
		"team_id", teamID, "caller_id", callerID)
	return updated, nil
}

// AssignByTemplate binds the team to the template's preferred unit. The
// original client keyed assignment to the template rather than the unit.
func (s *Service) AssignByTemplate(ctx context.Context, matchID, templateID, teamID, callerID string) (*domain.SlotAssignment, error) {
	match, err := s.getMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	template, err := s.templates.GetTemplateByID(ctx, templateID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	if template.MapID != match.MapID {
		return nil, ErrTemplateNotFound
	}
	slot, err := s.slots.FindTemplateSlot(ctx, match.ID, template.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return s.Assign(ctx, matchID, slot.ID, teamID, callerID)
}

// Move atomically relocates the team to the destination slot. The previous
// unit is released only once the destination binding is confirmed; on any
// failure the original binding is preserved.
func (s *Service) Move(ctx context.Context, matchID, toSlotID, teamID, callerID string) (*domain.SlotAssignment, error) {
	match, err := s.getMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	slot, err := s.slots.GetSlotByID(ctx, match.ID, toSlotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	if err := s.checkEligible(ctx, match, teamID); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, callerID, teamID); err != nil {
		return nil, err
	}
	moved, err := s.slots.MoveSeat(ctx, repository.SeatBinding{
		MatchID:  match.ID,
		SlotID:   slot.ID,
		TeamID:   teamID,
		CallerID: callerID,
	})
	if err != nil {
		return nil, translate(err)
	}
	s.logger.Info("slot moved",
		"match_id", match.ID, "slot_id", moved.ID, "template_id", moved.TemplateID,
		"team_id", teamID, "caller_id", callerID)
	return moved, nil
}

// MoveSelf relocates the caller's own team.
func (s *Service) MoveSelf(ctx context.Context, matchID, toSlotID, callerID string) (*domain.SlotAssignment, error) {
	match, err := s.getMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	team, err := s.gate.TeamFor(ctx, callerID, match.CompetitionID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, ErrNoTeam
	}
	return s.Move(ctx, matchID, toSlotID, team.ID, callerID)
}

// ClaimSelf binds the caller's own team to the named slot.
func (s *Service) ClaimSelf(ctx context.Context, matchID, slotID, callerID string) (*domain.SlotAssignment, error) {
	match, err := s.getMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	team, err := s.gate.TeamFor(ctx, callerID, match.CompetitionID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, ErrNoTeam
	}
	return s.Assign(ctx, matchID, slotID, team.ID, callerID)
}

// Release vacates the named slot. Releasing an already-vacant slot succeeds
// without touching state.
func (s *Service) Release(ctx context.Context, matchID, slotID, callerID string) error {
	match, err := s.getMatch(ctx, matchID)
	if err != nil {
		return err
	}
	slot, err := s.slots.GetSlotByID(ctx, match.ID, slotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSlotNotFound
		}
		return err
	}
	if !slot.Occupied() {
		return nil
	}
	if err := s.authorize(ctx, callerID, *slot.TeamID); err != nil {
		return err
	}
	if err := s.slots.ReleaseSlot(ctx, match.ID, slot.ID, *slot.TeamID); err != nil {
		return translate(err)
	}
	s.logger.Info("slot released",
		"match_id", match.ID, "slot_id", slot.ID, "team_id", *slot.TeamID, "caller_id", callerID)
	return nil
}

// ReleaseSelf vacates whichever slot the caller's team holds in the match.
// A team holding nothing is a no-op.
func (s *Service) ReleaseSelf(ctx context.Context, matchID, callerID string) error {
	match, err := s.getMatch(ctx, matchID)
	if err != nil {
		return err
	}
	team, err := s.gate.TeamFor(ctx, callerID, match.CompetitionID)
	if err != nil {
		return err
	}
	if team == nil {
		return ErrNoTeam
	}
	if err := s.slots.ReleaseTeam(ctx, match.ID, team.ID); err != nil {
		return translate(err)
	}
	s.logger.Info("slot released", "match_id", match.ID, "team_id", team.ID, "caller_id", callerID)
	return nil
}

func (s *Service) getMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	match, err := s.matches.GetMatchByID(ctx, matchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMatchNotFound
		}
		return nil, err
	}
	return match, nil
}

func (s *Service) checkEligible(ctx context.Context, match *domain.Match, teamID string) error {
	team, err := s.roster.GetTeamByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTeamNotEligible
		}
		return err
	}
	if team.CompetitionID != match.CompetitionID {
		return ErrTeamNotEligible
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, callerID, teamID string) error {
	ok, err := s.gate.Authorize(ctx, callerID, teamID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Service) currentSlot(ctx context.Context, matchID, teamID string) (*domain.SlotAssignment, error) {
	slot, err := s.slots.FindTeamSlot(ctx, matchID, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return slot, nil
}

// translate maps repository sentinels onto the engine taxonomy. Constraint
// violations raised by a losing concurrent writer land here too.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrTeamAssigned):
		return ErrAlreadyAssigned
	case errors.Is(err, repository.ErrSlotFull):
		return ErrSlotFull
	case errors.Is(err, repository.ErrInvalidArgument):
		return newError(KindInvalid, "invalid slot state")
	case errors.Is(err, repository.ErrNotFound):
		return ErrSlotNotFound
	}
	return err
}
