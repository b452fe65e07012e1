package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/service/engine"
	"github.com/mkorzh/dropslot/internal/ws"
	jwtpkg "github.com/mkorzh/dropslot/pkg/jwt"
)

const testSecret = "router-test-secret"

type engineStub struct {
	mu sync.Mutex

	instantiateResp int
	instantiateErr  error
	assignResp      *domain.SlotAssignment
	assignErr       error
	releaseErr      error

	lastAssign struct {
		matchID, slotID, teamID, callerID string
	}
	lastTemplate struct {
		matchID, templateID, teamID string
	}
	moveCalls     int
	moveSelfCalls int
	releaseCalls  int
}

func (s *engineStub) Instantiate(_ context.Context, matchID, callerID string) (int, error) {
	return s.instantiateResp, s.instantiateErr
}

func (s *engineStub) Assign(_ context.Context, matchID, slotID, teamID, callerID string) (*domain.SlotAssignment, error) {
	s.mu.Lock()
	s.lastAssign.matchID = matchID
	s.lastAssign.slotID = slotID
	s.lastAssign.teamID = teamID
	s.lastAssign.callerID = callerID
	s.mu.Unlock()
	return s.assignResp, s.assignErr
}

func (s *engineStub) AssignByTemplate(_ context.Context, matchID, templateID, teamID, callerID string) (*domain.SlotAssignment, error) {
	s.mu.Lock()
	s.lastTemplate.matchID = matchID
	s.lastTemplate.templateID = templateID
	s.lastTemplate.teamID = teamID
	s.mu.Unlock()
	return s.assignResp, s.assignErr
}

func (s *engineStub) ClaimSelf(_ context.Context, matchID, slotID, callerID string) (*domain.SlotAssignment, error) {
	return s.assignResp, s.assignErr
}

func (s *engineStub) Move(_ context.Context, matchID, toSlotID, teamID, callerID string) (*domain.SlotAssignment, error) {
	s.mu.Lock()
	s.moveCalls++
	s.mu.Unlock()
	return s.assignResp, s.assignErr
}

func (s *engineStub) MoveSelf(_ context.Context, matchID, toSlotID, callerID string) (*domain.SlotAssignment, error) {
	s.mu.Lock()
	s.moveSelfCalls++
	s.mu.Unlock()
	return s.assignResp, s.assignErr
}

func (s *engineStub) Release(_ context.Context, matchID, slotID, callerID string) error {
	s.mu.Lock()
	s.releaseCalls++
	s.mu.Unlock()
	return s.releaseErr
}

func (s *engineStub) ReleaseSelf(_ context.Context, matchID, callerID string) error {
	s.mu.Lock()
	s.releaseCalls++
	s.mu.Unlock()
	return s.releaseErr
}

type boardStub struct {
	mu       sync.Mutex
	views    []domain.SlotView
	err      error
	hub      *ws.Hub
	publishN int
}

func (s *boardStub) Board(_ context.Context, matchID string) ([]domain.SlotView, error) {
	return s.views, s.err
}

func (s *boardStub) Publish(_ context.Context, matchID string) {
	s.mu.Lock()
	s.publishN++
	s.mu.Unlock()
}

func (s *boardStub) Hub() *ws.Hub { return s.hub }

func (s *boardStub) published() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishN
}

func newTestRouter(t *testing.T, eng *engineStub, brd *boardStub) (*Router, string) {
	t.Helper()
	if brd.hub == nil {
		brd.hub = ws.NewHub(8)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(logger, eng, brd, NewMemoryRateLimiter(), testSecret, time.Minute, nil)
	t.Cleanup(router.Close)
	token, err := jwtpkg.GenerateToken("user-1", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return router, token
}

func sampleSlot() *domain.SlotAssignment {
	teamID := "team-1"
	return &domain.SlotAssignment{
		ID: "slot-1", MatchID: "match-1", MapID: "map-1", TemplateID: "tpl-1",
		SeatNo: 0, TeamID: &teamID, CreatedAt: time.Date(2026, time.March, 14, 18, 0, 0, 0, time.UTC),
	}
}

func doJSON(t *testing.T, router *Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthzWithoutProbe(t *testing.T) {
	router, _ := newTestRouter(t, &engineStub{}, &boardStub{})
	rr := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected status %v", payload["status"])
	}
}

func TestHealthzReportsDatabaseDown(t *testing.T) {
	eng := &engineStub{}
	brd := &boardStub{hub: ws.NewHub(8)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(logger, eng, brd, NewMemoryRateLimiter(), testSecret, time.Minute, func(context.Context) error {
		return context.DeadlineExceeded
	})
	t.Cleanup(router.Close)

	rr := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	router, _ := newTestRouter(t, &engineStub{}, &boardStub{})
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/matches/match-1/slots"},
		{http.MethodGet, "/matches/match-1/board"},
		{http.MethodPost, "/matches/match-1/slots/slot-1/assign"},
		{http.MethodDelete, "/matches/match-1/slots/slot-1"},
		{http.MethodDelete, "/matches/match-1/assignment"},
	}
	for _, p := range paths {
		rr := doJSON(t, router, p.method, p.path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", p.method, p.path, rr.Code)
		}
	}
}

func TestInstantiateReturnsCreatedCount(t *testing.T) {
	eng := &engineStub{instantiateResp: 8}
	brd := &boardStub{}
	router, token := newTestRouter(t, eng, brd)

	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/slots", token, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["created"] != 8 {
		t.Fatalf("expected created=8, got %d", payload["created"])
	}
	if brd.published() != 1 {
		t.Fatalf("expected one board publish, got %d", brd.published())
	}
}

func TestInstantiateForbiddenMapsTo403(t *testing.T) {
	eng := &engineStub{instantiateErr: engine.ErrForbidden}
	router, token := newTestRouter(t, eng, &boardStub{})

	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/slots", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestBoardReturnsViews(t *testing.T) {
	brd := &boardStub{views: []domain.SlotView{{TemplateID: "tpl-1", Name: "Pochinki", Capacity: 1}}}
	router, token := newTestRouter(t, &engineStub{}, brd)

	rr := doJSON(t, router, http.MethodGet, "/matches/match-1/board", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		MatchID string            `json:"match_id"`
		Board   []domain.SlotView `json:"board"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.MatchID != "match-1" || len(payload.Board) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestBoardUnknownMatchMapsTo404(t *testing.T) {
	brd := &boardStub{err: engine.ErrMatchNotFound}
	router, token := newTestRouter(t, &engineStub{}, brd)

	rr := doJSON(t, router, http.MethodGet, "/matches/missing/board", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAssignPassesPayload(t *testing.T) {
	eng := &engineStub{assignResp: sampleSlot()}
	brd := &boardStub{}
	router, token := newTestRouter(t, eng, brd)

	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/slots/slot-1/assign", token, map[string]string{"team_id": "team-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if eng.lastAssign.matchID != "match-1" || eng.lastAssign.slotID != "slot-1" || eng.lastAssign.teamID != "team-1" {
		t.Fatalf("unexpected assign args: %+v", eng.lastAssign)
	}
	if eng.lastAssign.callerID != "user-1" {
		t.Fatalf("expected caller from token, got %q", eng.lastAssign.callerID)
	}
	if brd.published() != 1 {
		t.Fatalf("expected board publish after assign")
	}
}

func TestAssignRequiresTeamID(t *testing.T) {
	router, token := newTestRouter(t, &engineStub{}, &boardStub{})
	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/slots/slot-1/assign", token, map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAssignConflictMapsTo409(t *testing.T) {
	eng := &engineStub{assignErr: engine.ErrAlreadyAssigned}
	brd := &boardStub{}
	router, token := newTestRouter(t, eng, brd)

	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/slots/slot-1/assign", token, map[string]string{"team_id": "team-1"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if brd.published() != 0 {
		t.Fatalf("failed assign must not publish")
	}
}

func TestMoveWithTeamUsesExplicitPath(t *testing.T) {
	eng := &engineStub{assignResp: sampleSlot()}
	router, token := newTestRouter(t, eng, &boardStub{})

	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/slots/slot-2/move", token, map[string]string{"team_id": "team-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if eng.moveCalls != 1 || eng.moveSelfCalls != 0 {
		t.Fatalf("expected explicit move, got move=%d self=%d", eng.moveCalls, eng.moveSelfCalls)
	}
}

func TestMoveWithoutTeamUsesSelfPath(t *testing.T) {
	eng := &engineStub{assignResp: sampleSlot()}
	router, token := newTestRouter(t, eng, &boardStub{})

	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/slots/slot-2/move", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if eng.moveSelfCalls != 1 || eng.moveCalls != 0 {
		t.Fatalf("expected self move, got move=%d self=%d", eng.moveCalls, eng.moveSelfCalls)
	}
}

func TestTemplateAssignRoute(t *testing.T) {
	eng := &engineStub{assignResp: sampleSlot()}
	router, token := newTestRouter(t, eng, &boardStub{})

	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/templates/tpl-1/assign", token, map[string]string{"team_id": "team-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if eng.lastTemplate.templateID != "tpl-1" || eng.lastTemplate.teamID != "team-1" {
		t.Fatalf("unexpected template assign args: %+v", eng.lastTemplate)
	}
}

func TestReleaseSlotRoute(t *testing.T) {
	eng := &engineStub{}
	brd := &boardStub{}
	router, token := newTestRouter(t, eng, brd)

	rr := doJSON(t, router, http.MethodDelete, "/matches/match-1/slots/slot-1", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if eng.releaseCalls != 1 {
		t.Fatalf("expected one release call, got %d", eng.releaseCalls)
	}
	if brd.published() != 1 {
		t.Fatalf("expected board publish after release")
	}
}

func TestReleaseSelfRoute(t *testing.T) {
	eng := &engineStub{}
	router, token := newTestRouter(t, eng, &boardStub{})

	rr := doJSON(t, router, http.MethodDelete, "/matches/match-1/assignment", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if eng.releaseCalls != 1 {
		t.Fatalf("expected one release call, got %d", eng.releaseCalls)
	}
}

func TestUnknownMatchSubroute(t *testing.T) {
	router, token := newTestRouter(t, &engineStub{}, &boardStub{})
	rr := doJSON(t, router, http.MethodGet, "/matches/match-1/unknown", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMethodNotAllowedOnBoard(t *testing.T) {
	router, token := newTestRouter(t, &engineStub{}, &boardStub{})
	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/board", token, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestRateLimitHeadersPresent(t *testing.T) {
	eng := &engineStub{assignResp: sampleSlot()}
	router, token := newTestRouter(t, eng, &boardStub{})

	rr := doJSON(t, router, http.MethodPost, "/matches/match-1/slots/slot-1/claim", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") == "" || rr.Header().Get("X-RateLimit-Remaining") == "" {
		t.Fatalf("expected rate limit headers, got %+v", rr.Header())
	}
}

func TestMemoryRateLimiterBlocksOverLimit(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("k", 3, time.Minute); !d.allowed {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if d := rl.Allow("k", 3, time.Minute); d.allowed {
		t.Fatalf("fourth call should be blocked")
	}
	if d := rl.Allow("other", 3, time.Minute); !d.allowed {
		t.Fatalf("separate key must not share the window")
	}
}
