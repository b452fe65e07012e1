package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkorzh/dropslot/internal/domain"
	"github.com/mkorzh/dropslot/internal/service/engine"
	"github.com/mkorzh/dropslot/internal/ws"
)

// Engine is the slot assignment surface the router depends on.
type Engine interface {
	Instantiate(ctx context.Context, matchID, callerID string) (int, error)
	Assign(ctx context.Context, matchID, slotID, teamID, callerID string) (*domain.SlotAssignment, error)
	AssignByTemplate(ctx context.Context, matchID, templateID, teamID, callerID string) (*domain.SlotAssignment, error)
	ClaimSelf(ctx context.Context, matchID, slotID, callerID string) (*domain.SlotAssignment, error)
	Move(ctx context.Context, matchID, toSlotID, teamID, callerID string) (*domain.SlotAssignment, error)
	MoveSelf(ctx context.Context, matchID, toSlotID, callerID string) (*domain.SlotAssignment, error)
	Release(ctx context.Context, matchID, slotID, callerID string) error
	ReleaseSelf(ctx context.Context, matchID, callerID string) error
}

// Board is the read-model surface the router depends on.
type Board interface {
	Board(ctx context.Context, matchID string) ([]domain.SlotView, error)
	Publish(ctx context.Context, matchID string)
	Hub() *ws.Hub
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	engine     Engine
	board      Board
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	jwtSecret  string
	streamIdle time.Duration
	dbHealth   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	assignConflicts    *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitMutate    = 60
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	streamHeartbeat    = 25 * time.Second
	defaultStreamIdle  = 5 * time.Minute
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, engineSvc Engine, boardSvc Board, limiter RateLimiter, jwtSecret string, streamIdle time.Duration, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		engine: engineSvc,
		board:  boardSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		jwtSecret:  jwtSecret,
		streamIdle: streamIdle,
		dbHealth:   dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.streamIdle <= 0 {
		r.streamIdle = defaultStreamIdle
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/matches/", r.audit("/matches", r.handleMatches))
	r.mux.HandleFunc("/ws/board", r.audit("/ws/board", r.handlerAuthRate("/ws/board", rateLimitWebsocket, rateWindowRealtime, r.handleBoardWS)))
}

// handleMatches dispatches everything under /matches/{matchID}/...
func (r *Router) handleMatches(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/matches/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	matchID := parts[0]
	switch parts[1] {
	case "board":
		if len(parts) == 2 {
			r.handlerAuthRate("/matches/board", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleBoard(w, req, matchID)
			})(w, req)
			return
		}
		if len(parts) == 3 && parts[2] == "stream" {
			r.handlerAuthRate("/matches/board/stream", rateLimitWebsocket, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
				r.handleBoardStream(w, req, matchID)
			})(w, req)
			return
		}
	case "slots":
		if len(parts) == 2 {
			r.handlerAuthRate("/matches/slots", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleInstantiate(w, req, matchID)
			})(w, req)
			return
		}
		if parts[2] == "" {
			break
		}
		slotID := parts[2]
		if len(parts) == 3 {
			r.handlerAuthRate("/matches/slots/release", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleRelease(w, req, matchID, slotID)
			})(w, req)
			return
		}
		if len(parts) == 4 {
			action := parts[3]
			route := "/matches/slots/" + action
			r.handlerAuthRate(route, rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleSlotAction(w, req, matchID, slotID, action, route)
			})(w, req)
			return
		}
	case "templates":
		if len(parts) == 4 && parts[2] != "" && parts[3] == "assign" {
			templateID := parts[2]
			r.handlerAuthRate("/matches/templates/assign", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleTemplateAssign(w, req, matchID, templateID)
			})(w, req)
			return
		}
	case "assignment":
		if len(parts) == 2 {
			r.handlerAuthRate("/matches/assignment", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleReleaseSelf(w, req, matchID)
			})(w, req)
			return
		}
	}
	r.notFound(w)
}

// handleInstantiate materializes the match's slots from its map templates.
func (r *Router) handleInstantiate(w http.ResponseWriter, req *http.Request, matchID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	created, err := r.engine.Instantiate(req.Context(), matchID, info.UserID)
	if err != nil {
		r.respondEngineError(w, "/matches/slots", err)
		return
	}
	if created > 0 {
		r.board.Publish(req.Context(), matchID)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"created": created})
}

func (r *Router) handleBoard(w http.ResponseWriter, req *http.Request, matchID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	views, err := r.board.Board(req.Context(), matchID)
	if err != nil {
		r.respondEngineError(w, "/matches/board", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"match_id": matchID,
		"board":    views,
	})
}

// handleBoardStream serves the board over Server-Sent Events: a snapshot on
// connect, a frame per change, comment heartbeats in between. The stream is
// closed after the configured idle period.
func (r *Router) handleBoardStream(w http.ResponseWriter, req *http.Request, matchID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	views, err := r.board.Board(req.Context(), matchID)
	if err != nil {
		r.respondEngineError(w, "/matches/board/stream", err)
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	snapshot, err := json.Marshal(map[string]any{"match_id": matchID, "board": views})
	if err == nil {
		if err := client.Send(snapshot); err != nil {
			return
		}
	}
	hub := r.board.Hub()
	hub.Register(matchID, client)
	defer func() {
		hub.Unregister(matchID, client)
		client.Close()
	}()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if time.Since(client.LastActivity()) > r.streamIdle {
				return
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// handleSlotAction handles POST /matches/{id}/slots/{slotID}/{assign|claim|move}.
func (r *Router) handleSlotAction(w http.ResponseWriter, req *http.Request, matchID, slotID, action, route string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	var payload struct {
		TeamID string `json:"team_id"`
	}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	payload.TeamID = strings.TrimSpace(payload.TeamID)

	var (
		slot *domain.SlotAssignment
		err  error
	)
	switch action {
	case "assign":
		if payload.TeamID == "" {
			writeError(w, http.StatusBadRequest, "team_id is required")
			return
		}
		slot, err = r.engine.Assign(req.Context(), matchID, slotID, payload.TeamID, info.UserID)
	case "claim":
		slot, err = r.engine.ClaimSelf(req.Context(), matchID, slotID, info.UserID)
	case "move":
		if payload.TeamID != "" {
			slot, err = r.engine.Move(req.Context(), matchID, slotID, payload.TeamID, info.UserID)
		} else {
			slot, err = r.engine.MoveSelf(req.Context(), matchID, slotID, info.UserID)
		}
	default:
		r.notFound(w)
		return
	}
	if err != nil {
		r.respondEngineError(w, route, err)
		return
	}
	r.board.Publish(req.Context(), matchID)
	writeJSON(w, http.StatusOK, slot)
}

// handleTemplateAssign binds a team keyed by template rather than slot unit.
func (r *Router) handleTemplateAssign(w http.ResponseWriter, req *http.Request, matchID, templateID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	var payload struct {
		TeamID string `json:"team_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.TeamID = strings.TrimSpace(payload.TeamID)
	if payload.TeamID == "" {
		writeError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	slot, err := r.engine.AssignByTemplate(req.Context(), matchID, templateID, payload.TeamID, info.UserID)
	if err != nil {
		r.respondEngineError(w, "/matches/templates/assign", err)
		return
	}
	r.board.Publish(req.Context(), matchID)
	writeJSON(w, http.StatusOK, slot)
}

func (r *Router) handleRelease(w http.ResponseWriter, req *http.Request, matchID, slotID string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	if err := r.engine.Release(req.Context(), matchID, slotID, info.UserID); err != nil {
		r.respondEngineError(w, "/matches/slots/release", err)
		return
	}
	r.board.Publish(req.Context(), matchID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (r *Router) handleReleaseSelf(w http.ResponseWriter, req *http.Request, matchID string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	if err := r.engine.ReleaseSelf(req.Context(), matchID, info.UserID); err != nil {
		r.respondEngineError(w, "/matches/assignment", err)
		return
	}
	r.board.Publish(req.Context(), matchID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// handleBoardWS upgrades to a websocket subscribed to one match's board feed.
func (r *Router) handleBoardWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.missingAuthContext(w, req)
		return
	}
	matchID := req.URL.Query().Get("match_id")
	if matchID == "" {
		writeError(w, http.StatusBadRequest, "match_id query parameter required")
		return
	}
	if _, err := r.board.Board(req.Context(), matchID); err != nil {
		r.respondEngineError(w, "/ws/board", err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.board.Hub()
	hub.Register(matchID, client)
	go func() {
		defer func() {
			hub.Unregister(matchID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// respondEngineError maps the engine taxonomy onto HTTP statuses. Unclassified
// errors are logged and masked.
func (r *Router) respondEngineError(w http.ResponseWriter, route string, err error) {
	switch engine.KindOf(err) {
	case engine.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case engine.KindForbidden:
		writeError(w, http.StatusForbidden, err.Error())
	case engine.KindConflict:
		r.recordAssignConflict(route)
		writeError(w, http.StatusConflict, err.Error())
	case engine.KindInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case engine.KindInconsistent:
		r.logger.Error("inconsistent slot state", "route", route, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		r.logger.Error("request failed", "route", route, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) missingAuthContext(w http.ResponseWriter, req *http.Request) {
	r.logger.Error("auth context missing", "path", req.URL.Path)
	writeError(w, http.StatusInternalServerError, "authorization context missing")
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
