package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/health"
	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/jobs"
	"github.com/ixpanel/ixpanel/internal/metrics"
	"github.com/ixpanel/ixpanel/internal/session"
	"github.com/ixpanel/ixpanel/internal/telemetry"
	"github.com/ixpanel/ixpanel/internal/tool"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Server is the local panel API and metrics server.
type Server struct {
	app        *tool.App
	session    *session.Context
	metrics    *metrics.Collector
	upstream   *health.Checker
	httpServer *http.Server
	startTime  time.Time
	listenCfg  config.ListenConfig
	tracing    bool
}

// NewServer creates a new panel API server.
func NewServer(app *tool.App, sess *session.Context, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		app:       app,
		session:   sess,
		metrics:   m,
		startTime: time.Now(),
		listenCfg: lc,
	}
}

// SetHealthChecker wires the upstream checker into /health.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.upstream = c
}

// SetTracing wraps the served handler with otelhttp server spans.
func (s *Server) SetTracing(enabled bool) {
	s.tracing = enabled
}

// authMiddleware checks the bearer key against the configured bcrypt hash.
// Health and metrics stay open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if !s.listenCfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		key, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || key == "" || bcrypt.CompareHashAndPassword([]byte(s.listenCfg.APIKeyHash), []byte(key)) != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Routes returns the panel router wrapped with security headers and auth.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	// Exchange selection and lifecycle
	r.HandleFunc("/exchanges", s.listExchanges).Methods("GET")
	r.HandleFunc("/exchanges", s.createExchange).Methods("POST")
	r.HandleFunc("/exchanges/import", s.importExchange).Methods("POST")
	r.HandleFunc("/exchanges/select", s.selectExchange).Methods("POST")
	r.HandleFunc("/exchanges/refresh", s.refreshExchanges).Methods("POST")
	r.HandleFunc("/exchanges/current", s.updateExchange).Methods("PUT")
	r.HandleFunc("/exchanges/current", s.deleteExchange).Methods("DELETE")

	// Tools
	r.HandleFunc("/tools", s.listTools).Methods("GET")
	r.HandleFunc("/tools/members/filters", s.memberFilters).Methods("POST")
	r.HandleFunc("/tools/member_details/{id}", s.memberDetails).Methods("POST")
	r.HandleFunc("/tools/networks/{asn}", s.networkTab).Methods("POST")
	r.HandleFunc("/tools/traffic/range", s.trafficRange).Methods("POST")
	r.HandleFunc("/tools/{name}", s.getTool).Methods("GET")

	// Route server jobs and edit view
	r.HandleFunc("/routeservers/edit", s.closeEdit).Methods("DELETE")
	r.HandleFunc("/routeservers/{id}/generate", s.generateConfig).Methods("POST")
	r.HandleFunc("/routeservers/{id}/badge", s.routeserverBadge).Methods("GET")
	r.HandleFunc("/routeservers/{id}/edit", s.editRouteserver).Methods("POST")

	r.HandleFunc("/location", s.locationHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	if s.metrics != nil && s.metrics.Registry != nil {
		r.Handle("/metrics", s.metrics.Handler())
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	return s.securityHeaders(s.authMiddleware(r))
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	bind := s.listenCfg.APIBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      telemetry.WrapHandler(s.tracing, "ixpanel.api", s.Routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if !s.listenCfg.AuthEnabled() {
		slog.Warn("API key hash not configured, panel endpoints are unauthenticated")
	}
	slog.Info("panel API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Exchange Handlers ---

type exchangesResponse struct {
	State     tool.State       `json:"state"`
	Exchanges []ixapi.Exchange `json:"exchanges"`
}

func (s *Server) exchanges() exchangesResponse {
	return exchangesResponse{State: s.app.State(), Exchanges: s.session.Exchanges()}
}

func (s *Server) listExchanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exchanges())
}

func (s *Server) createExchange(w http.ResponseWriter, r *http.Request) {
	var req ixapi.ExchangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Slug == "" {
		writeError(w, http.StatusBadRequest, "name and slug are required")
		return
	}
	if req.IXFExportPrivacy != "" && req.IXFExportPrivacy != ixapi.PrivacyPublic && req.IXFExportPrivacy != ixapi.PrivacyPrivate {
		writeError(w, http.StatusBadRequest, "ixf_export_privacy must be public or private")
		return
	}

	if _, err := s.app.CreateExchange(r.Context(), req); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.exchanges())
}

func (s *Server) importExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PDBID int `json:"pdb_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PDBID <= 0 {
		writeError(w, http.StatusBadRequest, "pdb_id is required")
		return
	}

	if _, err := s.app.ImportExchange(r.Context(), req.PDBID); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.exchanges())
}

func (s *Server) selectExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID < 0 {
		writeError(w, http.StatusBadRequest, "id must not be negative")
		return
	}

	s.session.Select(req.ID)
	writeJSON(w, http.StatusOK, s.app.State())
}

func (s *Server) refreshExchanges(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Refresh(r.Context()); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.exchanges())
}

func (s *Server) updateExchange(w http.ResponseWriter, r *http.Request) {
	var req ixapi.ExchangeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ex, err := s.app.Settings.Update(r.Context(), req)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) deleteExchange(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Settings.Delete(r.Context()); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.State())
}

// --- Tool Handlers ---

type toolSummary struct {
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	Visible bool   `json:"visible"`
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	tools := s.app.Tools()
	result := make([]toolSummary, 0, len(tools))
	for _, t := range tools {
		result = append(result, toolSummary{Name: t.Name(), Active: t.Active(), Visible: t.Visible()})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	t, ok := s.app.Tool(name)
	if !ok {
		writeError(w, http.StatusNotFound, "tool not found")
		return
	}
	writeJSON(w, http.StatusOK, t.View())
}

func (s *Server) memberFilters(w http.ResponseWriter, r *http.Request) {
	var f tool.MemberFilter
	if !decodeBody(w, r, &f) {
		return
	}
	if asn := strings.TrimPrefix(strings.ToUpper(f.ASN), "AS"); asn != "" {
		if _, err := strconv.Atoi(asn); err != nil {
			writeError(w, http.StatusBadRequest, "asn must be numeric")
			return
		}
	}
	writeJSON(w, http.StatusOK, s.app.Members.SetFilter(f))
}

func (s *Server) memberDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}

	s.app.MemberDetails.Activate()
	v, err := s.app.MemberDetails.ShowMember(r.Context(), id)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) networkTab(w http.ResponseWriter, r *http.Request) {
	asn, ok := pathInt(w, r, "asn")
	if !ok {
		return
	}

	s.app.Networks.Activate()
	v, err := s.app.Networks.Tab(r.Context(), asn)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) trafficRange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		End      *time.Time `json:"end,omitempty"`
		Duration string     `json:"duration,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var (
		end time.Time
		d   time.Duration
	)
	if req.End != nil {
		end = *req.End
	}
	if req.Duration != "" {
		var err error
		d, err = time.ParseDuration(req.Duration)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid duration: "+req.Duration)
			return
		}
	}

	s.app.Traffic.Activate()
	v, err := s.app.Traffic.SetRange(r.Context(), end, d)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Route Server Handlers ---

func (s *Server) generateConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}

	b, err := s.app.Routeservers.Generate(r.Context(), id)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) routeserverBadge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}

	b, err := s.app.Routeservers.Badge(id)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) editRouteserver(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}

	if err := s.app.Routeservers.Edit(id); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"location": s.session.Location().String()})
}

func (s *Server) closeEdit(w http.ResponseWriter, r *http.Request) {
	s.app.Routeservers.CloseEdit()
	writeJSON(w, http.StatusOK, map[string]string{"location": s.session.Location().String()})
}

// --- Location, Status & Health Handlers ---

func (s *Server) locationHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"location": s.session.Location().String()})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	st := s.app.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"org":            st.Org,
		"num_exchanges":  st.Exchanges,
		"selected":       st.Selected,
		"api_port":       s.listenCfg.APIPort,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"selected": s.session.Current(),
		})
		return
	}

	up := s.upstream.GetStatus()
	healthy := s.upstream.IsHealthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   boolToStatus(healthy),
		"selected": s.session.Current(),
		"upstream": up,
	})
}

// securityHeaders adds security-related HTTP headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := mux.Vars(r)[key]
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, key+" must be a positive integer")
		return 0, false
	}
	return n, true
}

// writeActionError maps an action failure onto a status code.
func writeActionError(w http.ResponseWriter, err error) {
	var te *ixapi.TransportError
	switch {
	case ixapi.IsNotFound(err), errors.Is(err, ixapi.ErrEmptyResponse), errors.Is(err, tool.ErrUnknownRouteserver):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &te):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, tool.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, tool.ErrNoExchange), errors.Is(err, jobs.ErrStopped), errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("panel action failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
