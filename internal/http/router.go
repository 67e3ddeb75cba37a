// Package httpx maps the HTTP surface onto the auth, multisig and
// proposal services. Handlers decode requests, delegate, and translate
// service errors into transport statuses.
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

	"github.com/sol-warrior/solana-multisig-server/internal/domain"
	"github.com/sol-warrior/solana-multisig-server/internal/service/auth"
	"github.com/sol-warrior/solana-multisig-server/internal/service/multisig"
	"github.com/sol-warrior/solana-multisig-server/internal/service/proposal"
	"github.com/sol-warrior/solana-multisig-server/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      auth.Service
	multisigs multisig.Service
	proposals proposal.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, multisigSvc multisig.Service, proposalSvc proposal.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		auth:      authSvc,
		multisigs: multisigSvc,
		proposals: proposalSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
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
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit(r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/me", r.audit(r.handlerAuthRate("/auth/me", rateLimitUserRead, rateWindowDefault, r.handleMe)))
	r.mux.HandleFunc("/multisigs", r.audit(r.handlerAuthRate("/multisigs", rateLimitUserWrite, rateWindowDefault, r.handleMultisigs)))
	r.mux.HandleFunc("/multisigs/", r.audit(r.handlerAuthRate("/multisigs/", rateLimitUserWrite, rateWindowDefault, r.handleMultisigSubroutes)))
	r.mux.HandleFunc("/proposals/", r.audit(r.handlerAuthRate("/proposals/", rateLimitUserWrite, rateWindowDefault, r.handleProposalSubroutes)))
	r.mux.HandleFunc("/ws/proposals", r.audit(r.handlerAuthRate("/ws/proposals", rateLimitStream, rateWindowRealtime, r.handleProposalsWS)))
	r.mux.HandleFunc("/events/proposals", r.audit(r.handlerAuthRate("/events/proposals", rateLimitStream, rateWindowRealtime, r.handleProposalsSSE)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Error("database health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   userJSON(user),
		"tokens": tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   userJSON(user),
		"tokens": tokens,
	})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := r.auth.Me(req.Context(), info.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userJSON(user))
}

func (r *Router) handleMultisigs(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Owners      []string `json:"owners"`
			Threshold   int      `json:"threshold"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.multisigs.Create(req.Context(), info.UserID, payload.Name, payload.Description, payload.Owners, payload.Threshold)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, multisigJSON(created))
	case http.MethodGet:
		multisigs, err := r.multisigs.ListForUser(req.Context(), info.UserID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(multisigs))
		for i := range multisigs {
			out = append(out, multisigJSON(&multisigs[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleMultisigSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	segments := pathSegments(req.URL.Path, "/multisigs/")
	switch {
	case len(segments) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		ms, err := r.multisigs.CheckOwner(req.Context(), segments[0], info.UserID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, multisigJSON(ms))
	case len(segments) == 2 && segments[1] == "proposals":
		r.handleMultisigProposals(w, req, segments[0], info.UserID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleMultisigProposals(w http.ResponseWriter, req *http.Request, multisigID, userID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Title           string `json:"title"`
			Description     string `json:"description"`
			TransactionData string `json:"transaction_data"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.proposals.Create(req.Context(), multisigID, userID, payload.Title, payload.Description, payload.TransactionData)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, proposalJSON(created))
	case http.MethodGet:
		proposals, err := r.proposals.ListForMultisig(req.Context(), multisigID, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(proposals))
		for i := range proposals {
			out = append(out, proposalJSON(&proposals[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProposalSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	segments := pathSegments(req.URL.Path, "/proposals/")
	switch {
	case len(segments) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		p, err := r.proposals.Get(req.Context(), segments[0], info.UserID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proposalJSON(p))
	case len(segments) == 2:
		r.handleProposalAction(w, req, segments[0], segments[1], info.UserID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProposalAction(w http.ResponseWriter, req *http.Request, proposalID, action, userID string) {
	if action == "approvals" {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		approvals, err := r.proposals.ListApprovals(req.Context(), proposalID, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(approvals))
		for i := range approvals {
			out = append(out, approvalJSON(&approvals[i]))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	switch action {
	case "activate":
		r.respondTransition(w, req, userID, proposalID, r.proposals.Activate)
	case "reject":
		r.respondTransition(w, req, userID, proposalID, r.proposals.Reject)
	case "expire":
		r.respondTransition(w, req, userID, proposalID, r.proposals.Expire)
	case "execute":
		r.respondTransition(w, req, userID, proposalID, r.proposals.Execute)
	case "approve":
		approval, p, err := r.proposals.Approve(req.Context(), proposalID, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"approval": approvalJSON(approval),
			"proposal": proposalJSON(p),
		})
	default:
		r.notFound(w)
	}
}

func (r *Router) respondTransition(w http.ResponseWriter, req *http.Request, userID, proposalID string, op func(context.Context, string, string) (*domain.Proposal, error)) {
	p, err := op(req.Context(), proposalID, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalJSON(p))
}

func (r *Router) handleProposalsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	multisigID := strings.TrimSpace(req.URL.Query().Get("multisig_id"))
	if multisigID == "" {
		writeError(w, http.StatusBadRequest, "multisig_id is required")
		return
	}
	if err := r.proposals.CanSubscribe(req.Context(), multisigID, info.UserID); err != nil {
		writeAppError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(multisigID, client)
	defer r.hub.Unregister(multisigID, client)

	// Reads only detect disconnects; subscribers never send data.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) handleProposalsSSE(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	multisigID := strings.TrimSpace(req.URL.Query().Get("multisig_id"))
	if multisigID == "" {
		writeError(w, http.StatusBadRequest, "multisig_id is required")
		return
	}
	if err := r.proposals.CanSubscribe(req.Context(), multisigID, info.UserID); err != nil {
		writeAppError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(multisigID, client)
	defer func() {
		r.hub.Unregister(multisigID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
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
		actor := "anonymous"
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
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

// routeLabel collapses entity ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	for _, prefix := range []string{"/multisigs/", "/proposals/"} {
		if strings.HasPrefix(path, prefix) {
			rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
			parts := strings.Split(rest, "/")
			if len(parts) >= 2 {
				return prefix + ":id/" + parts[1]
			}
			return prefix + ":id"
		}
	}
	return path
}

func pathSegments(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
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

func (sr *statusRecorder) Write(payload []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(payload)
	sr.bytes += n
	return n, err
}

// SetContext lets the auth middleware surface the enriched context to the
// audit wrapper.
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

func userJSON(u *domain.User) map[string]any {
	out := map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"created_at": u.CreatedAt,
	}
	if u.LastLoginAt != nil {
		out["last_login_at"] = u.LastLoginAt
	}
	return out
}

func multisigJSON(m *domain.Multisig) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"name":        m.Name,
		"description": m.Description,
		"created_by":  m.CreatedBy,
		"owners":      m.Owners,
		"threshold":   m.Threshold,
		"created_at":  m.CreatedAt,
	}
}

func proposalJSON(p *domain.Proposal) map[string]any {
	out := map[string]any{
		"id":               p.ID,
		"multisig_id":      p.MultisigID,
		"title":            p.Title,
		"description":      p.Description,
		"status":           p.Status,
		"created_by":       p.CreatedBy,
		"created_at":       p.CreatedAt,
		"transaction_data": p.TransactionData,
	}
	if p.ExecutedAt != nil {
		out["executed_at"] = p.ExecutedAt
	}
	return out
}

func approvalJSON(a *domain.Approval) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"proposal_id": a.ProposalID,
		"approver_id": a.ApproverID,
		"approved_at": a.ApprovedAt,
	}
}
