package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/analytics"
	"github.com/sells-group/lead-funnel/internal/lead"
	"github.com/sells-group/lead-funnel/internal/runlog"
)

// api serves the read side of the store over HTTP.
type api struct {
	leads     lead.Store
	analytics *analytics.Service
	runs      runlog.Log
	ping      func(ctx context.Context) error
}

// buildRouter wires the read API. metrics may be nil.
func buildRouter(a *api, metrics http.Handler, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/leads", func(r chi.Router) {
		r.Get("/", a.searchLeads)
		r.Get("/{id}", a.getLead)
	})

	r.Route("/analytics", func(r chi.Router) {
		r.Get("/funnels", a.funnels)
		r.Get("/funnels/{id}", a.funnel)
		r.Get("/sources", a.sources)
		r.Get("/sources/{source}", a.source)
		r.Get("/dashboard", a.dashboard)
		r.Get("/alerts", a.alerts)
		r.Get("/bottlenecks", a.bottlenecks)
	})

	r.Get("/runs", a.listRuns)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("serve: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail logs err and answers 500 without leaking internals.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("serve: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.ping != nil {
		if err := a.ping(r.Context()); err != nil {
			zap.L().Warn("serve: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) searchLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	matches, err := lead.Search(r.Context(), a.leads, lead.SearchQuery{
		Email: q.Get("email"),
		Phone: q.Get("phone"),
		Name:  q.Get("name"),
	}, queryInt(r, "limit", 10))
	if errors.Is(err, lead.ErrEmptyQuery) {
		writeError(w, http.StatusBadRequest, "email, phone or name is required")
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	if matches == nil {
		matches = []lead.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (a *api) getLead(w http.ResponseWriter, r *http.Request) {
	d, err := a.leads.GetDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) funnels(w http.ResponseWriter, r *http.Request) {
	rep, err := a.analytics.GetFunnelAnalytics(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) funnel(w http.ResponseWriter, r *http.Request) {
	f, err := a.analytics.GetFunnelDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "funnel not found")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *api) sources(w http.ResponseWriter, r *http.Request) {
	items, err := a.analytics.ListSources(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) source(w http.ResponseWriter, r *http.Request) {
	d, err := a.analytics.GetSourceDetails(r.Context(), chi.URLParam(r, "source"), queryBool(r, "stages"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := a.analytics.GetDashboard(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) alerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.analytics.GetAlerts(r.Context(), queryBool(r, "critical"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []analytics.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *api) bottlenecks(w http.ResponseWriter, r *http.Request) {
	b, err := a.analytics.GetBottlenecks(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if b == nil {
		b = []analytics.Bottleneck{}
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.runs.List(r.Context(), r.URL.Query().Get("source"), queryInt(r, "limit", 50))
	if err != nil {
		fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}
