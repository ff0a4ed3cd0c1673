// Package httpapi exposes the HTTP surface: alert management, one-click
// token links from delivered emails, webhook endpoint registration, and
// operational endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nazarbodak221/courtalerts/internal/config"
	"github.com/nazarbodak221/courtalerts/internal/model"
	"github.com/nazarbodak221/courtalerts/internal/query"
	"github.com/nazarbodak221/courtalerts/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

// AlertCache invalidates the match engine's per-corpus alert cache so
// create/disable operations take effect within one evaluation cycle.
type AlertCache interface {
	Invalidate(corpus model.CorpusType)
}

// BufferControl drops in-flight buffered matches for an alert.
type BufferControl interface {
	DiscardAlert(ctx context.Context, alertID int64) error
}

// Deps carries the handler dependencies.
type Deps struct {
	Store   storage.Storage
	Cache   AlertCache
	Buffers BufferControl
	Config  *config.Config
	Log     *slog.Logger
}

// NewHandler builds the router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/alerts", handleCreateAlert(deps))
	// Disable links are embedded in emails, so GET must work; POST is
	// accepted for clients that follow redirects with the right verb.
	r.Get("/alerts/disable/{token}", handleDisableAlert(deps))
	r.Post("/alerts/disable/{token}", handleDisableAlert(deps))

	r.Get("/docket-alerts/unsubscribe/{token}", handleDocketToggle(deps, false))
	r.Get("/docket-alerts/resubscribe/{token}", handleDocketToggle(deps, true))

	r.Post("/webhooks", handleCreateWebhook(deps))
	r.Get("/webhooks", handleListWebhooks(deps))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type createAlertRequest struct {
	UserID         int64  `json:"user_id"`
	Name           string `json:"name"`
	Query          string `json:"query"`
	Corpus         string `json:"corpus"`
	Rate           string `json:"rate"`
	RecapScope     string `json:"recap_scope"`
	WebhookEnabled bool   `json:"webhook_enabled"`
	HasExtension   bool   `json:"has_extension"`
}

type alertResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Query       string `json:"query"`
	Corpus      string `json:"corpus"`
	Rate        string `json:"rate"`
	SecretToken string `json:"secret_token"`
}

func handleCreateAlert(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer func() { _ = r.Body.Close() }()

		var req createAlertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.UserID == 0 {
			httpError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "name is required")
			return
		}

		corpus := model.CorpusType(req.Corpus)
		switch corpus {
		case model.CorpusOpinion, model.CorpusOralArgument, model.CorpusRecap:
		default:
			httpError(w, http.StatusBadRequest, "unknown corpus %q", req.Corpus)
			return
		}

		rate := model.Rate(req.Rate)
		switch rate {
		case model.RateRealTime, model.RateDaily, model.RateWeekly, model.RateMonthly, model.RateOff:
		default:
			httpError(w, http.StatusBadRequest, "unknown rate %q", req.Rate)
			return
		}

		scope := model.RecapScope(req.RecapScope)
		if corpus == model.CorpusRecap {
			switch scope {
			case model.ScopeCasesOnly, model.ScopeCasesAndFilings:
			case "":
				scope = model.ScopeCasesAndFilings
			default:
				httpError(w, http.StatusBadRequest, "unknown recap_scope %q", req.RecapScope)
				return
			}
		} else {
			scope = ""
		}

		if err := query.Validate(req.Query); err != nil {
			httpError(w, http.StatusBadRequest, "invalid query: %v", err)
			return
		}

		count, err := deps.Store.CountUserAlerts(r.Context(), req.UserID)
		if err != nil {
			deps.Log.Error("count user alerts", "user_id", req.UserID, "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if quota := deps.Config.AlertQuota(req.HasExtension); count >= quota {
			httpError(w, http.StatusForbidden, "alert quota of %d reached", quota)
			return
		}

		a := &model.Alert{
			UserID:         req.UserID,
			Name:           req.Name,
			Query:          req.Query,
			Corpus:         corpus,
			Rate:           rate,
			RecapScope:     scope,
			SecretToken:    uuid.NewString(),
			WebhookEnabled: req.WebhookEnabled,
			CreatedAt:      time.Now().UTC(),
		}
		if err := deps.Store.CreateAlert(r.Context(), a); err != nil {
			deps.Log.Error("create alert", "user_id", req.UserID, "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		deps.Cache.Invalidate(corpus)

		respondJSON(w, http.StatusCreated, alertResponse{
			ID:          a.ID,
			Name:        a.Name,
			Query:       a.Query,
			Corpus:      string(a.Corpus),
			Rate:        string(a.Rate),
			SecretToken: a.SecretToken,
		})
	}
}

// handleDisableAlert turns an alert off via its secret token. Repeating the
// request is a no-op success so stale email links never error.
func handleDisableAlert(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")

		a, err := deps.Store.GetAlertByToken(r.Context(), token)
		if errors.Is(err, sql.ErrNoRows) {
			httpError(w, http.StatusNotFound, "unknown token")
			return
		}
		if err != nil {
			deps.Log.Error("look up alert by token", "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if err := deps.Store.DisableAlert(r.Context(), token); err != nil {
			deps.Log.Error("disable alert", "alert_id", a.ID, "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		deps.Cache.Invalidate(a.Corpus)
		if err := deps.Buffers.DiscardAlert(r.Context(), a.ID); err != nil {
			deps.Log.Warn("discard buffered matches", "alert_id", a.ID, "error", err)
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"alert_id": a.ID,
			"rate":     string(model.RateOff),
		})
	}
}

func handleDocketToggle(deps Deps, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")

		var err error
		if active {
			err = deps.Store.ResubscribeDocket(r.Context(), token)
		} else {
			err = deps.Store.UnsubscribeDocket(r.Context(), token)
		}
		if errors.Is(err, sql.ErrNoRows) {
			httpError(w, http.StatusNotFound, "unknown token")
			return
		}
		if err != nil {
			deps.Log.Error("toggle docket subscription", "active", active, "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"active": active})
	}
}

type createWebhookRequest struct {
	UserID int64  `json:"user_id"`
	URL    string `json:"url"`
}

func handleCreateWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer func() { _ = r.Body.Close() }()

		var req createWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.UserID == 0 || req.URL == "" {
			httpError(w, http.StatusBadRequest, "user_id and url are required")
			return
		}

		e := &model.WebhookEndpoint{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			URL:       req.URL,
			Enabled:   true,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateWebhookEndpoint(r.Context(), e); err != nil {
			deps.Log.Error("create webhook endpoint", "user_id", req.UserID, "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		respondJSON(w, http.StatusCreated, e)
	}
}

func handleListWebhooks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil || userID == 0 {
			httpError(w, http.StatusBadRequest, "user_id query parameter is required")
			return
		}
		endpoints, err := deps.Store.ListWebhookEndpoints(r.Context(), userID)
		if err != nil {
			deps.Log.Error("list webhook endpoints", "user_id", userID, "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		respondJSON(w, http.StatusOK, endpoints)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	respondJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
