// Copyright 2024 The msq-tx-monitor Authors
// This file is part of the msq-tx-monitor library.
//
// The msq-tx-monitor library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The msq-tx-monitor library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the msq-tx-monitor library. If not, see <http://www.gnu.org/licenses/>.

// Package httpapi serves the read API: thin handlers that map query
// parameters onto dashboard and ranking queries and wrap the results in the
// response envelope. All heavy lifting stays in the query services.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/dashboard"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/metrics"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/rank"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

const serviceName = "msq-tx-monitor"

// granularities maps the path vocabulary onto the series bucket widths the
// dashboard service understands.
var granularities = map[string]string{
	"minutes": "minute",
	"hourly":  "hour",
	"daily":   "day",
	"weekly":  "week",
}

var validMetrics = map[string]bool{
	"volume":             true,
	"transactions":       true,
	"uniqueInteractions": true,
}

var validTimeframes = map[string]bool{
	"24h": true, "7d": true, "30d": true, "3m": true, "6m": true, "1y": true, "all": true,
}

// Server is the read-API HTTP server.
type Server struct {
	cfg   config.HTTP
	dash  *dashboard.Service
	ranks *rank.Engine
	reg   *tokens.Registry
	ttl   config.Cache
	met   *metrics.Set
	log   *zap.Logger

	ln  net.Listener
	srv *http.Server
}

// New assembles the server. met may be nil; the /metrics route is then
// omitted.
func New(cfg config.HTTP, dash *dashboard.Service, ranks *rank.Engine, reg *tokens.Registry, ttl config.Cache, met *metrics.Set, log *zap.Logger) *Server {
	return &Server{
		cfg:   cfg,
		dash:  dash,
		ranks: ranks,
		reg:   reg,
		ttl:   ttl,
		met:   met,
		log:   log.Named("api"),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.corsOrigin()},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.observe)
	r.Use(newIPLimiter(s.cfg.RateLimitWindow, s.cfg.RateLimitMax).middleware)

	r.Get("/health", s.handleHealth)
	if s.met != nil {
		r.Method(http.MethodGet, "/metrics", s.met.Handler())
	}

	r.Route("/statistics", func(r chi.Router) {
		r.Get("/realtime", s.handleRealtime)
		r.Get("/volume/{granularity}", s.handleVolumeSeries)
		r.Get("/addresses/top", s.handleTopAddresses)
		r.Get("/anomalies", s.handleAnomalies)
		r.Get("/anomalies/timeseries/{granularity}", s.handleAnomalySeries)
		r.Get("/network", s.handleNetwork)
		r.Get("/distribution/token", s.handleTokenDistribution)
	})
	r.Route("/analytics", func(r chi.Router) {
		r.Get("/addresses/senders", s.handleTopSenders)
		r.Get("/addresses/receivers", s.handleTopReceivers)
		r.Get("/rankings", s.handleRankings)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusNotFound, "not_found", "unknown route")
	})
	return r
}

// Start binds the API port and serves in the background. The bind error is
// returned synchronously so startup can gate on it.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server failed", zap.Error(err))
		}
	}()
	s.log.Info("api listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address, for tests and logs.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsOrigin() string {
	if s.cfg.CORSOrigin == "" {
		return "*"
	}
	return s.cfg.CORSOrigin
}

// logRequests emits one debug line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("reqId", middleware.GetReqID(r.Context())))
	})
}

// observe records route-level request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	if s.met == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.met.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.met.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   serviceName,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 0)
	token, err := s.resolveToken(r.URL.Query().Get("token"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	out, cached, err := s.dash.RealtimeStats(r.Context(), dashboard.RealtimeQuery{Hours: hours, Token: token})
	if err != nil {
		internalError(w, r, err)
		return
	}
	ok(w, out, filters("hours", hours, "token", token), cached, s.ttl.TTLSummary)
}

func (s *Server) handleVolumeSeries(w http.ResponseWriter, r *http.Request) {
	gran, ok2 := granularities[chi.URLParam(r, "granularity")]
	if !ok2 {
		badRequest(w, r, "granularity must be one of minutes, hourly, daily, weekly")
		return
	}
	token, err := s.resolveToken(r.URL.Query().Get("token"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit := intQuery(r, "limit", 0)
	out, cached, err := s.dash.VolumeSeries(r.Context(), gran, token, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	ok(w, out, filters("granularity", gran, "token", token, "limit", limit), cached, s.ttl.TTLSummary)
}

func (s *Server) handleTopAddresses(w http.ResponseWriter, r *http.Request) {
	metric := defaulted(r.URL.Query().Get("metric"), "volume")
	if !validMetrics[metric] {
		badRequest(w, r, "metric must be one of volume, transactions, uniqueInteractions")
		return
	}
	timeframe := defaulted(r.URL.Query().Get("timeframe"), "24h")
	if !validTimeframes[timeframe] {
		badRequest(w, r, "timeframe must be one of 24h, 7d, 30d, 3m, 6m, 1y, all")
		return
	}
	token, err := s.resolveToken(r.URL.Query().Get("token"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit := intQuery(r, "limit", 0)
	out, cached, err := s.dash.TopAddresses(r.Context(), metric, timeframe, token, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	ok(w, out, filters("metric", metric, "timeframe", timeframe, "token", token, "limit", limit), cached, s.ttl.TTLAddressStats)
}

func (s *Server) handleTopSenders(w http.ResponseWriter, r *http.Request) {
	s.handleCounterparties(w, r, s.dash.TopSenders)
}

func (s *Server) handleTopReceivers(w http.ResponseWriter, r *http.Request) {
	s.handleCounterparties(w, r, s.dash.TopReceivers)
}

func (s *Server) handleCounterparties(w http.ResponseWriter, r *http.Request, query func(ctx context.Context, hours int, token string, limit int) ([]dashboard.AddressEntry, bool, error)) {
	hours := intQuery(r, "hours", 24)
	token, err := s.resolveToken(r.URL.Query().Get("token"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit := intQuery(r, "limit", 0)
	out, cached, err := query(r.Context(), hours, token, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	ok(w, out, filters("hours", hours, "token", token, "limit", limit), cached, s.ttl.TTLAddressStats)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	token, err := s.resolveToken(r.URL.Query().Get("token"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit := intQuery(r, "limit", 0)
	out, cached, err := s.dash.RecentAnomalies(r.Context(), token, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	ok(w, out, filters("token", token, "limit", limit), cached, s.ttl.TTLSummary)
}

func (s *Server) handleAnomalySeries(w http.ResponseWriter, r *http.Request) {
	gran, ok2 := granularities[chi.URLParam(r, "granularity")]
	if !ok2 {
		badRequest(w, r, "granularity must be one of minutes, hourly, daily, weekly")
		return
	}
	token, err := s.resolveToken(r.URL.Query().Get("token"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit := intQuery(r, "limit", 0)
	out, cached, err := s.dash.AnomalySeries(r.Context(), gran, token, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	ok(w, out, filters("granularity", gran, "token", token, "limit", limit), cached, s.ttl.TTLSummary)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)
	out, cached, err := s.dash.NetworkStats(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		internalError(w, r, err)
		return
	}
	ok(w, out, filters("hours", hours), cached, s.ttl.TTLSummary)
}

func (s *Server) handleTokenDistribution(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)
	out, cached, err := s.dash.TokenDistribution(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		internalError(w, r, err)
		return
	}
	ok(w, out, filters("hours", hours), cached, s.ttl.TTLSummary)
}

// rankings serves C8's cached leaderboards. category selects the list:
// whales (default), risky, active.
func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	list := defaulted(r.URL.Query().Get("category"), rank.ListWhales)
	switch list {
	case rank.ListWhales, rank.ListRisky, rank.ListActive:
	default:
		badRequest(w, r, "category must be one of whales, risky, active")
		return
	}
	token, err := s.resolveToken(r.URL.Query().Get("token"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if token == "" {
		badRequest(w, r, "token is required")
		return
	}
	out, cached, err := s.ranks.List(r.Context(), list, token)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if limit := intQuery(r, "limit", 0); limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	ok(w, out, filters("category", list, "token", token), cached, s.ttl.TTLRankings)
}

// resolveToken accepts a token address or a registered symbol and returns
// the canonical lowercase address, empty for "all tokens".
func (s *Server) resolveToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		if len(raw) != 42 {
			return "", fmt.Errorf("invalid token address %q", raw)
		}
		return strings.ToLower(raw), nil
	}
	for _, t := range s.reg.All() {
		if strings.EqualFold(t.Symbol, raw) {
			return t.Address, nil
		}
	}
	return "", fmt.Errorf("unknown token %q", raw)
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func defaulted(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// filters builds the filter echo map, skipping zero values.
func filters(kv ...interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := kv[i].(string)
		switch v := kv[i+1].(type) {
		case string:
			if v != "" {
				out[key] = v
			}
		case int:
			if v != 0 {
				out[key] = v
			}
		default:
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
