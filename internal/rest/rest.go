// Package rest exposes the billing core over HTTP/JSON for the site's
// server-rendered pages and admin tooling.
//
// Error translation follows the product rules: insufficient credits maps to
// 402, unknown tools to 404 on the direct debit path, validation to 400,
// store contention to 503 (retry with the same idempotency key), everything
// unexpected to 500. The weekly access endpoint never surfaces pricing
// misconfiguration; the controller has already degraded it to read-only.
//
// Identity is verified upstream by the site's auth layer; handlers trust the
// uid and email they are given.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dweinbeck/brandsite/internal/billing"
	"github.com/dweinbeck/brandsite/internal/cache"
	"github.com/dweinbeck/brandsite/internal/metrics"
	"github.com/dweinbeck/brandsite/internal/pricing"
	"github.com/dweinbeck/brandsite/internal/store"
	"github.com/dweinbeck/brandsite/internal/weekly"
)

// Server bundles the handlers and their dependencies.
type Server struct {
	engine   *billing.Engine
	weekly   *weekly.Controller
	registry *pricing.Registry
	cache    *cache.Cache // may be nil in dev mode
	ready    func(ctx context.Context) error
	log      zerolog.Logger
}

// NewServer creates a Server. cache may be nil; ready may be nil, in which
// case /ready always succeeds.
func NewServer(
	engine *billing.Engine,
	weeklyCtl *weekly.Controller,
	registry *pricing.Registry,
	c *cache.Cache,
	ready func(ctx context.Context) error,
	logger zerolog.Logger,
) *Server {
	return &Server{
		engine:   engine,
		weekly:   weeklyCtl,
		registry: registry,
		cache:    c,
		ready:    ready,
		log:      logger.With().Str("component", "rest").Logger(),
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/billing", func(r chi.Router) {
			r.Post("/debit", s.handleDebit)
			r.Post("/topup", s.handleTopup)
			r.Post("/research/open", s.handleResearchOpen)
			r.Post("/research/finalize", s.handleResearchFinalize)
			r.Post("/usage/{usageID}/refund", s.handleRefund)
			r.Post("/usage/{usageID}/succeeded", s.handleMarkSucceeded)
			r.Get("/balance/{uid}", s.handleGetBalance)
			r.Get("/account/{uid}", s.handleGetAccount)
			r.Get("/usage/{uid}", s.handleListUsage)
		})
		r.Get("/access/weekly/{family}", s.handleWeeklyAccess)
		r.Get("/pricing/{toolKey}", s.handleGetPricing)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/pricing", s.handleSetPricing)
			r.Get("/pricing", s.handleListPricing)
		})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type debitRequest struct {
	UID            string `json:"uid"`
	Email          string `json:"email"`
	ToolKey        string `json:"tool_key"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.DebitForToolUse(r.Context(), billing.DebitRequest{
		UID:            req.UID,
		Email:          req.Email,
		ToolKey:        req.ToolKey,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResearchOpen(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.OpenResearchDebit(r.Context(), billing.DebitRequest{
		UID:            req.UID,
		Email:          req.Email,
		ToolKey:        req.ToolKey,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type finalizeRequest struct {
	UsageID          string `json:"usage_id"`
	Status           string `json:"status"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

func (s *Server) handleResearchFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.engine.FinalizeResearchBilling(r.Context(), req.UsageID,
		billing.UsageStatus(req.Status), billing.FinalizeMetrics{
			PromptTokens:     req.PromptTokens,
			CompletionTokens: req.CompletionTokens,
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.RefundUsage(r.Context(), chi.URLParam(r, "usageID"), req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMarkSucceeded(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalJobID string `json:"external_job_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.MarkUsageSucceeded(r.Context(), chi.URLParam(r, "usageID"), req.ExternalJobID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID     string `json:"uid"`
		Email   string `json:"email"`
		Credits int64  `json:"credits"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	balance, err := s.engine.CreditPurchase(r.Context(), req.UID, req.Email, req.Credits)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uid":             req.UID,
		"balance_credits": balance,
	})
}

// handleGetBalance serves the dashboard balance read. Cache first; a miss or
// a Redis error falls back to the store.
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	if s.cache != nil {
		balance, ok, err := s.cache.GetBalance(r.Context(), uid)
		if err != nil {
			s.log.Warn().Err(err).Str("uid", uid).Msg("balance cache read failed, falling back to store")
		} else if ok {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"uid":             uid,
				"balance_credits": balance,
			})
			return
		}
	}

	acct, err := s.engine.GetAccount(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uid":             uid,
		"balance_credits": acct.BalanceCredits,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.GetAccount(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody("validation", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	records, err := s.engine.ListUsage(r.Context(), chi.URLParam(r, "uid"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleWeeklyAccess(w http.ResponseWriter, r *http.Request) {
	decision, err := s.weekly.CheckWeeklyAccess(r.Context(),
		r.URL.Query().Get("uid"),
		r.URL.Query().Get("email"),
		chi.URLParam(r, "family"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// handleGetPricing serves the public price display, read-through the cache.
func (s *Server) handleGetPricing(w http.ResponseWriter, r *http.Request) {
	toolKey := chi.URLParam(r, "toolKey")

	if s.cache != nil {
		p, ok, err := s.cache.GetToolPricing(r.Context(), toolKey)
		if err != nil {
			s.log.Warn().Err(err).Str("tool_key", toolKey).Msg("pricing cache read failed, falling back to store")
		} else if ok {
			s.writeJSON(w, http.StatusOK, p)
			return
		}
	}

	p, err := s.registry.Get(r.Context(), toolKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cache != nil {
		if err := s.cache.SetToolPricing(r.Context(), p); err != nil {
			s.log.Warn().Err(err).Str("tool_key", toolKey).Msg("pricing cache fill failed")
		}
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetPricing(w http.ResponseWriter, r *http.Request) {
	var p pricing.ToolPricing
	if !s.decode(w, r, &p) {
		return
	}
	saved, err := s.registry.Set(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListPricing(w http.ResponseWriter, r *http.Request) {
	prices, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pricing": prices})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.log.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// instrument logs each request and feeds the HTTP metrics, labeled by the
// chi route pattern rather than the raw path.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		duration := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())

		s.log.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("duration_ms", duration).
			Msg("http request completed")
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("bad_json", "request body is not valid JSON"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
	}
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

// writeError maps core errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrInsufficientCredits):
		s.writeJSON(w, http.StatusPaymentRequired, errorBody("insufficient_credits", err.Error()))
	case errors.Is(err, billing.ErrUnknownTool), errors.Is(err, pricing.ErrNotFound), errors.Is(err, pricing.ErrInactive):
		s.writeJSON(w, http.StatusNotFound, errorBody("unknown_tool", err.Error()))
	case errors.Is(err, billing.ErrUsageNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody("usage_not_found", err.Error()))
	case errors.Is(err, billing.ErrValidation), errors.Is(err, pricing.ErrValidation):
		s.writeJSON(w, http.StatusBadRequest, errorBody("validation", err.Error()))
	case errors.Is(err, store.ErrContention):
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody("contention", "store contention, retry with the same idempotency key"))
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		s.writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal server error"))
	}
}
