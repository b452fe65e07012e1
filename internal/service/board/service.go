package board

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/repository"
	"github.com/mkorzh/dropslot/internal/service/engine"
	"github.com/mkorzh/dropslot/internal/ws"
)

// Service builds the board read model: template geometry joined with live
// occupancy, grouped per slot. It is a pure projection; invariants are
// enforced by the engine and the store, but an occupant count above the
// declared capacity is reported as an internal defect, never hidden.
type Service struct {
	matches repository.MatchRepository
	slots   repository.AssignmentRepository
	hub     *ws.Hub
	logger  *slog.Logger
}

// New constructs the view builder.
func New(matches repository.MatchRepository, slots repository.AssignmentRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	return &Service{matches: matches, slots: slots, hub: hub, logger: logger}
}

// Hub exposes the live stream hub for transport handlers.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// Board returns the current slot views for the match.
func (s *Service) Board(ctx context.Context, matchID string) ([]domain.SlotView, error) {
	if _, err := s.matches.GetMatchByID(ctx, matchID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, engine.ErrMatchNotFound
		}
		return nil, err
	}
	entries, err := s.slots.ListBoard(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return s.project(matchID, entries)
}

// project folds occupancy rows into per-template views. Rows arrive ordered
// by template then seat, so occupant order is stable.
func (s *Service) project(matchID string, entries []repository.BoardEntry) ([]domain.SlotView, error) {
	views := make([]domain.SlotView, 0)
	index := make(map[string]int)
	for _, e := range entries {
		i, ok := index[e.Template.ID]
		if !ok {
			i = len(views)
			index[e.Template.ID] = i
			views = append(views, domain.SlotView{
				TemplateID: e.Template.ID,
				Name:       e.Template.Name,
				XPercent:   e.Template.XPercent,
				YPercent:   e.Template.YPercent,
				Radius:     e.Template.Radius,
				Capacity:   e.Template.Capacity,
				Occupants:  make([]domain.SlotOccupant, 0, e.Template.Capacity),
			})
		}
		if !e.Slot.Occupied() {
			continue
		}
		name := ""
		if e.TeamName != nil {
			name = *e.TeamName
		}
		views[i].Occupants = append(views[i].Occupants, domain.SlotOccupant{
			SlotID:     e.Slot.ID,
			SeatNo:     e.Slot.SeatNo,
			TeamID:     *e.Slot.TeamID,
			TeamName:   name,
			AssignedAt: e.Slot.CreatedAt,
		})
	}
	for i := range views {
		v := &views[i]
		v.Occupied = len(v.Occupants)
		if v.Occupied > v.Capacity {
			s.logger.Error("slot occupancy exceeds capacity",
				"match_id", matchID, "template_id", v.TemplateID,
				"occupied", v.Occupied, "capacity", v.Capacity)
			return nil, engine.ErrInconsistent
		}
		if v.Occupied > 0 {
			first := v.Occupants[0]
			teamID := first.TeamID
			teamName := first.TeamName
			v.TeamID = &teamID
			v.TeamName = &teamName
		}
	}
	return views, nil
}

type boardEvent struct {
	MatchID string            `json:"match_id"`
	Board   []domain.SlotView `json:"board"`
	SentAt  time.Time         `json:"sent_at"`
}

// Publish rebuilds the board and fans it out to the match's stream
// subscribers. Stream delivery is best effort; failures are logged, not
// propagated to the mutating request.
func (s *Service) Publish(ctx context.Context, matchID string) {
	views, err := s.Board(ctx, matchID)
	if err != nil {
		s.logger.Warn("board publish skipped", "match_id", matchID, "error", err)
		return
	}
	payload, err := json.Marshal(boardEvent{MatchID: matchID, Board: views, SentAt: time.Now().UTC()})
	if err != nil {
		s.logger.Error("board payload marshal failed", "match_id", matchID, "error", err)
		return
	}
	s.hub.Broadcast(matchID, payload)
}
