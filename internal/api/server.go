// Package api serves the engine's HTTP control and status interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/busybox42/outbound/internal/metrics"
	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/pool"
	"github.com/busybox42/outbound/internal/queue"
	"github.com/busybox42/outbound/internal/rules"
	"github.com/busybox42/outbound/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents API server configuration
type Config struct {
	Enabled    bool            `toml:"enabled" json:"enabled"`
	ListenAddr string          `toml:"listen_addr" json:"listen_addr"`
	RateLimit  RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
	CORS       CORSConfig      `toml:"cors" json:"cors"`
}

// RuleResolver is the rule engine as seen by the API.
type RuleResolver interface {
	GetRules(ctx context.Context, host string, identity mta.Identity) ([]rules.Rule, int, error)
	GetMaxConnectionsToDestination(ctx context.Context, host string, identity mta.Identity) (int, error)
	GetMaxMessagesPerConnection(ctx context.Context, host string, identity mta.Identity) (int, error)
	GetMaxMessagesPerHour(ctx context.Context, host string, identity mta.Identity) (int, error)
	Invalidate()
}

// HourlyCounter reports the messages counted against the hourly limit.
type HourlyCounter interface {
	Count(ctx context.Context, identity mta.Identity, host string) (int64, error)
}

// IdentityLookup finds configured sending identities.
type IdentityLookup interface {
	Identity(id int) (mta.Identity, bool)
	Identities() []mta.Identity
}

// PoolStats exposes the connection pool snapshot.
type PoolStats interface {
	Stats() pool.Stats
}

// ProcessorState exposes the queue processor state.
type ProcessorState interface {
	Running() bool
	Processed() int64
}

// MetricsStore provides the persisted delivery counters.
type MetricsStore interface {
	GetMetrics(ctx context.Context) (*metrics.DeliveryMetrics, error)
	GetHourlyStats(ctx context.Context) ([]metrics.HourlyStats, error)
	GetRecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

// Deps are the engine components served by the API. Metrics may be nil.
type Deps struct {
	Queue      *queue.Manager
	Rules      RuleResolver
	Hourly     HourlyCounter
	Identities IdentityLookup
	Pool       PoolStats
	Processor  ProcessorState
	Metrics    MetricsStore
	Version    string
}

// Server represents the API server
type Server struct {
	Deps

	config         Config
	httpServer     *http.Server
	listener       net.Listener
	rateLimiter    *RateLimitMiddleware
	corsMiddleware *CORSMiddleware
	logger         *slog.Logger
	startedAt      time.Time
}

// NewServer creates a new API server
func NewServer(config Config, deps Deps) (*Server, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("API server disabled in configuration")
	}
	if deps.Queue == nil || deps.Rules == nil || deps.Identities == nil {
		return nil, fmt.Errorf("API server requires the queue, rules and identities")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}

	return &Server{
		Deps:           deps,
		config:         config,
		rateLimiter:    NewRateLimitMiddleware(config.RateLimit),
		corsMiddleware: NewCORSMiddleware(config.CORS),
		logger:         slog.Default().With("component", "api"),
		startedAt:      time.Now(),
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware.Handler)
	r.Use(LoggingMiddleware)
	r.Use(s.rateLimiter.Limit)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealthStats).Methods("GET")
	api.HandleFunc("/stats/delivery", s.handleDeliveryStats).Methods("GET")

	api.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods("GET")
	api.HandleFunc("/logging/level", s.HandleSetLogLevel).Methods("POST", "PUT")

	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/messages/{id}", s.handleGetMessage).Methods("GET")
	api.HandleFunc("/messages/{id}", s.handleDeleteMessage).Methods("DELETE")
	api.HandleFunc("/messages/{id}/release", s.handleReleaseMessage).Methods("POST")

	api.HandleFunc("/sends/{id}/summary", s.handleSendSummary).Methods("GET")
	api.HandleFunc("/sends/{id}/status", s.handleSetSendStatus).Methods("PUT")

	api.HandleFunc("/pool", s.handlePool).Methods("GET")
	api.HandleFunc("/identities", s.handleIdentities).Methods("GET")

	api.HandleFunc("/rules/resolve", s.handleResolveRules).Methods("GET")
	api.HandleFunc("/rules/invalidate", s.handleInvalidateRules).Methods("POST")

	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		s.logger.Info("Starting API server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop stops the API server
func (s *Server) Stop() error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// MessageView is the JSON form of a queue entry.
type MessageView struct {
	ID               string    `json:"id"`
	SendID           string    `json:"send_id"`
	MailFrom         string    `json:"mail_from"`
	RcptTo           []string  `json:"rcpt_to"`
	QueuedAt         time.Time `json:"queued_at"`
	AttemptSendAfter time.Time `json:"attempt_send_after"`
	Locked           bool      `json:"locked"`
	IdentityGroupID  int       `json:"identity_group_id"`
	DeferredCount    int       `json:"deferred_count"`
}

func messageView(qm *store.QueuedMessage) MessageView {
	return MessageView{
		ID:               qm.ID,
		SendID:           qm.SendID,
		MailFrom:         qm.MailFrom,
		RcptTo:           qm.RcptTo,
		QueuedAt:         qm.QueuedAt,
		AttemptSendAfter: qm.AttemptSendAfter,
		Locked:           qm.Locked,
		IdentityGroupID:  qm.IdentityGroupID,
		DeferredCount:    qm.DeferredCount,
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	qm, err := s.Queue.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, messageView(qm))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Queue.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Queue.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleReleaseMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Queue.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Queue.ReleaseLock(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "released", "id": id})
}

// SendSummaryView is the JSON form of a send's transaction summary.
type SendSummaryView struct {
	SendID           string  `json:"send_id"`
	Status           string  `json:"status"`
	Attempts         int64   `json:"attempts"`
	Accepted         int64   `json:"accepted"`
	Rejected         int64   `json:"rejected"`
	ThrottledPercent float64 `json:"throttled_percent"`
	DeferredPercent  float64 `json:"deferred_percent"`
	store.TransactionSummary
}

func (s *Server) handleSendSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st := s.Queue.Store()
	send, err := st.GetSend(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := st.GetSendSummary(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, SendSummaryView{
		SendID:             id,
		Status:             send.Status.String(),
		Attempts:           sum.Attempts(),
		Accepted:           sum.Accepted(),
		Rejected:           sum.Rejected(),
		ThrottledPercent:   sum.ThrottledPercent(),
		DeferredPercent:    sum.DeferredPercent(),
		TransactionSummary: sum,
	})
}

// SendStatusRequest changes a send's status.
type SendStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetSendStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req SendStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	status, err := store.ParseSendStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Queue.Store().SetSendStatus(r.Context(), id, status); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Send status changed", "send_id", id, "status", status.String())
	writeJSON(w, map[string]string{"send_id": id, "status": status.String()})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil {
		writeJSON(w, pool.Stats{})
		return
	}
	writeJSON(w, s.Pool.Stats())
}

// IdentityView is the JSON form of a sending identity.
type IdentityView struct {
	ID       int    `json:"id"`
	Address  string `json:"address,omitempty"`
	Hostname string `json:"hostname"`
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	ids := s.Identities.Identities()
	out := make([]IdentityView, 0, len(ids))
	for _, id := range ids {
		v := IdentityView{ID: id.ID, Hostname: id.Hostname}
		if id.Address != nil {
			v.Address = id.Address.String()
		}
		out = append(out, v)
	}
	writeJSON(w, out)
}

// RuleResolution describes the policy resolved for a host and identity.
type RuleResolution struct {
	Host                     string     `json:"host"`
	IdentityID               int        `json:"identity_id"`
	PatternID                int        `json:"pattern_id"`
	Rules                    []RuleView `json:"rules"`
	MaxConnections           int        `json:"max_connections"`
	MaxMessagesPerConnection int        `json:"max_messages_per_connection"`
	MaxMessagesPerHour       int        `json:"max_messages_per_hour"`
	SentThisHour             int64      `json:"sent_this_hour"`
}

// RuleView is the JSON form of a rule.
type RuleView struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *Server) handleResolveRules(w http.ResponseWriter, r *http.Request) {
	host := mta.NormalizeHost(r.URL.Query().Get("host"))
	if host == "" {
		http.Error(w, "host is required", http.StatusBadRequest)
		return
	}
	identity, ok := s.identityParam(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	list, patternID, err := s.Rules.GetRules(ctx, host, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	res := RuleResolution{Host: host, IdentityID: identity.ID, PatternID: patternID, Rules: make([]RuleView, 0, len(list))}
	for _, rl := range list {
		res.Rules = append(res.Rules, RuleView{Type: rl.Type.String(), Value: rl.Value})
	}
	if res.MaxConnections, err = s.Rules.GetMaxConnectionsToDestination(ctx, host, identity); err != nil {
		writeError(w, err)
		return
	}
	if res.MaxMessagesPerConnection, err = s.Rules.GetMaxMessagesPerConnection(ctx, host, identity); err != nil {
		writeError(w, err)
		return
	}
	if res.MaxMessagesPerHour, err = s.Rules.GetMaxMessagesPerHour(ctx, host, identity); err != nil {
		writeError(w, err)
		return
	}
	if s.Hourly != nil {
		if n, err := s.Hourly.Count(ctx, identity, host); err == nil {
			res.SentThisHour = n
		}
	}
	writeJSON(w, res)
}

func (s *Server) identityParam(w http.ResponseWriter, r *http.Request) (mta.Identity, bool) {
	raw := r.URL.Query().Get("identity")
	if raw == "" {
		ids := s.Identities.Identities()
		if len(ids) == 0 {
			http.Error(w, "no identities configured", http.StatusNotFound)
			return mta.Identity{}, false
		}
		return ids[0], true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, "identity must be a number", http.StatusBadRequest)
		return mta.Identity{}, false
	}
	identity, ok := s.Identities.Identity(n)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown identity %d", n), http.StatusNotFound)
		return mta.Identity{}, false
	}
	return identity, true
}

func (s *Server) handleInvalidateRules(w http.ResponseWriter, r *http.Request) {
	s.Rules.Invalidate()
	writeJSON(w, map[string]string{"status": "invalidated"})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding JSON: %v", err), http.StatusInternalServerError)
	}
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, queue.ErrBreakerOpen):
		code = http.StatusServiceUnavailable
	case rules.IsFatal(err):
		code = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
