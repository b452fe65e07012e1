package board

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/repository"
	"github.com/mkorzh/dropslot/internal/service/engine"
	"github.com/mkorzh/dropslot/internal/ws"
)

type matchStub struct {
	matches map[string]*domain.Match
}

func (s *matchStub) GetMatchByID(_ context.Context, id string) (*domain.Match, error) {
	if m, ok := s.matches[id]; ok {
		copy := *m
		return &copy, nil
	}
	return nil, repository.ErrNotFound
}

type boardRepoStub struct {
	entries []repository.BoardEntry
}

func (s *boardRepoStub) InstantiateSlots(context.Context, string, string, string) (int, error) {
	return 0, nil
}

func (s *boardRepoStub) GetSlotByID(context.Context, string, string) (*domain.SlotAssignment, error) {
	return nil, repository.ErrNotFound
}

func (s *boardRepoStub) FindTeamSlot(context.Context, string, string) (*domain.SlotAssignment, error) {
	return nil, repository.ErrNotFound
}

func (s *boardRepoStub) FindTemplateSlot(context.Context, string, string) (*domain.SlotAssignment, error) {
	return nil, repository.ErrNotFound
}

func (s *boardRepoStub) AssignSeat(context.Context, repository.SeatBinding) (*domain.SlotAssignment, error) {
	return nil, repository.ErrNotFound
}

func (s *boardRepoStub) MoveSeat(context.Context, repository.SeatBinding) (*domain.SlotAssignment, error) {
	return nil, repository.ErrNotFound
}

func (s *boardRepoStub) ReleaseSlot(context.Context, string, string, string) error { return nil }

func (s *boardRepoStub) ReleaseTeam(context.Context, string, string) error { return nil }

func (s *boardRepoStub) ListBoard(context.Context, string) ([]repository.BoardEntry, error) {
	return s.entries, nil
}

func strPtr(s string) *string { return &s }

func newBoardService(entries []repository.BoardEntry) *Service {
	matches := &matchStub{matches: map[string]*domain.Match{
		"match-1": {ID: "match-1", CompetitionID: "comp-1", MapID: "map-1", Number: 1},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(matches, &boardRepoStub{entries: entries}, ws.NewHub(8), logger)
}

func sampleEntries() []repository.BoardEntry {
	base := time.Date(2026, time.March, 14, 18, 0, 0, 0, time.UTC)
	military := domain.SlotTemplate{ID: "tpl-mil", MapID: "map-1", Name: "Military Base", XPercent: 57, YPercent: 88, Radius: 6, Capacity: 2}
	pochinki := domain.SlotTemplate{ID: "tpl-poc", MapID: "map-1", Name: "Pochinki", XPercent: 48, YPercent: 55, Radius: 5, Capacity: 1}
	return []repository.BoardEntry{
		{
			Template: military,
			Slot: domain.SlotAssignment{
				ID: "slot-1", MatchID: "match-1", MapID: "map-1", TemplateID: "tpl-mil",
				SeatNo: 0, TeamID: strPtr("team-1"), CreatedAt: base,
			},
			TeamName: strPtr("Night Ravens"),
		},
		{
			Template: military,
			Slot: domain.SlotAssignment{
				ID: "slot-2", MatchID: "match-1", MapID: "map-1", TemplateID: "tpl-mil",
				SeatNo: 1, TeamID: strPtr("team-2"), CreatedAt: base.Add(time.Minute),
			},
			TeamName: strPtr("Iron Wolves"),
		},
		{
			Template: pochinki,
			Slot: domain.SlotAssignment{
				ID: "slot-3", MatchID: "match-1", MapID: "map-1", TemplateID: "tpl-poc",
				SeatNo: 0, CreatedAt: base,
			},
		},
	}
}

func TestBoardGroupsUnitsByTemplate(t *testing.T) {
	svc := newBoardService(sampleEntries())
	views, err := svc.Board(context.Background(), "match-1")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(views))
	}

	mil := views[0]
	if mil.TemplateID != "tpl-mil" {
		t.Fatalf("expected military slot first, got %s", mil.TemplateID)
	}
	if mil.Occupied != 2 || len(mil.Occupants) != 2 {
		t.Fatalf("expected 2 occupants, got occupied=%d occupants=%d", mil.Occupied, len(mil.Occupants))
	}
	if mil.Occupants[0].SeatNo != 0 || mil.Occupants[0].TeamID != "team-1" {
		t.Fatalf("unexpected first occupant: %+v", mil.Occupants[0])
	}
	if mil.Occupants[1].TeamName != "Iron Wolves" {
		t.Fatalf("unexpected second occupant: %+v", mil.Occupants[1])
	}
	if mil.TeamID == nil || *mil.TeamID != "team-1" || mil.TeamName == nil || *mil.TeamName != "Night Ravens" {
		t.Fatalf("legacy scalar fields should mirror first occupant: %+v", mil)
	}

	poc := views[1]
	if poc.Occupied != 0 || len(poc.Occupants) != 0 {
		t.Fatalf("expected vacant slot, got %+v", poc)
	}
	if poc.TeamID != nil || poc.TeamName != nil {
		t.Fatalf("vacant slot must not carry team fields: %+v", poc)
	}
}

func TestBoardUnknownMatch(t *testing.T) {
	svc := newBoardService(nil)
	if _, err := svc.Board(context.Background(), "missing"); !errors.Is(err, engine.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestBoardDetectsOverCapacity(t *testing.T) {
	entries := sampleEntries()
	// shrink the declared capacity below the live occupancy
	for i := range entries {
		if entries[i].Template.ID == "tpl-mil" {
			entries[i].Template.Capacity = 1
		}
	}
	svc := newBoardService(entries)
	if _, err := svc.Board(context.Background(), "match-1"); !errors.Is(err, engine.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
}

type captureSubscriber struct {
	payloads chan []byte
}

func (c *captureSubscriber) Send(payload []byte) error {
	c.payloads <- payload
	return nil
}

func (c *captureSubscriber) Close() {}

func TestPublishBroadcastsBoard(t *testing.T) {
	svc := newBoardService(sampleEntries())
	sub := &captureSubscriber{payloads: make(chan []byte, 1)}
	svc.Hub().Register("match-1", sub)

	svc.Publish(context.Background(), "match-1")

	select {
	case payload := <-sub.payloads:
		var event struct {
			MatchID string            `json:"match_id"`
			Board   []domain.SlotView `json:"board"`
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if event.MatchID != "match-1" {
			t.Fatalf("unexpected match id %q", event.MatchID)
		}
		if len(event.Board) != 2 {
			t.Fatalf("expected 2 slots in broadcast, got %d", len(event.Board))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast not delivered")
	}
}
