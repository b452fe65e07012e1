package authz

import (
	"context"
	"io"
	"testing"

	"log/slog"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/repository"
)

type rosterStub struct {
	users   map[string]*domain.User
	teams   map[string]*domain.Team
	members map[string]map[string]bool
}

func (s *rosterStub) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	if u, ok := s.users[id]; ok {
		copy := *u
		return &copy, nil
	}
	return nil, repository.ErrNotFound
}

func (s *rosterStub) GetTeamByID(_ context.Context, id string) (*domain.Team, error) {
	if t, ok := s.teams[id]; ok {
		copy := *t
		return &copy, nil
	}
	return nil, repository.ErrNotFound
}

func (s *rosterStub) GetTeamByMember(_ context.Context, userID, competitionID string) (*domain.Team, error) {
	for teamID, members := range s.members {
		if !members[userID] {
			continue
		}
		team := s.teams[teamID]
		if team != nil && team.CompetitionID == competitionID {
			copy := *team
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *rosterStub) IsMember(_ context.Context, userID, teamID string) (bool, error) {
	return s.members[teamID][userID], nil
}

func newService() *Service {
	roster := &rosterStub{
		users: map[string]*domain.User{
			"admin": {ID: "admin", Username: "admin", Admin: true},
			"alice": {ID: "alice", Username: "alice"},
		},
		teams: map[string]*domain.Team{
			"team-1": {ID: "team-1", CompetitionID: "comp-1", Name: "Night Ravens"},
		},
		members: map[string]map[string]bool{
			"team-1": {"alice": true},
		},
	}
	return New(roster, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAdmin(t *testing.T) {
	svc := newService()
	admin, err := svc.Admin(context.Background(), "admin")
	if err != nil || !admin {
		t.Fatalf("expected admin=true, got %v %v", admin, err)
	}
	admin, err = svc.Admin(context.Background(), "alice")
	if err != nil || admin {
		t.Fatalf("expected admin=false, got %v %v", admin, err)
	}
}

func TestAdminUnknownCaller(t *testing.T) {
	svc := newService()
	admin, err := svc.Admin(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if admin {
		t.Fatalf("unknown caller must not be admin")
	}
}

func TestAuthorizeAdminShortCircuits(t *testing.T) {
	svc := newService()
	ok, err := svc.Authorize(context.Background(), "admin", "team-1")
	if err != nil || !ok {
		t.Fatalf("expected admin authorized, got %v %v", ok, err)
	}
}

func TestAuthorizeMembership(t *testing.T) {
	svc := newService()
	ok, err := svc.Authorize(context.Background(), "alice", "team-1")
	if err != nil || !ok {
		t.Fatalf("expected member authorized, got %v %v", ok, err)
	}
	ok, err = svc.Authorize(context.Background(), "alice", "team-2")
	if err != nil || ok {
		t.Fatalf("expected non-member denied, got %v %v", ok, err)
	}
}

func TestTeamForReturnsNilWhenUnrostered(t *testing.T) {
	svc := newService()
	team, err := svc.TeamFor(context.Background(), "admin", "comp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if team != nil {
		t.Fatalf("expected nil team, got %+v", team)
	}
}

func TestTeamForResolvesMembership(t *testing.T) {
	svc := newService()
	team, err := svc.TeamFor(context.Background(), "alice", "comp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if team == nil || team.ID != "team-1" {
		t.Fatalf("expected team-1, got %+v", team)
	}
}
