package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/remote"
	"github.com/isaacmuchunu/offsync/internal/remote/entitystore"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody    int64         // bytes, for JSON endpoints
	RequestsPerMinute int           // per-device rate limit
	Auth              Authenticator // nil leaves the entity API open
	AdminToken        string        // for admin endpoints
	JWTSecret         string        // lets the admin API issue device tokens
	IdempotencyTTL    time.Duration // default age for admin prune requests
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    8 * 1024 * 1024, // 8MB
		RequestsPerMinute: 600,
		IdempotencyTTL:    DefaultIdempotencyTTL,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(store entitystore.EntityStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := authMiddleware(cfg.Auth, logger)

	// Execution order: auth -> rl -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", makeHealthzHandler(store, logger))
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := store.Count(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: entity store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", makeAdminIssueTokenHandler(cfg, logger))
		adminMux.HandleFunc("POST /admin/gc", makeAdminPruneHandler(store, cfg, logger))
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Entities. GET also answers HEAD with the body discarded.
	mux.Handle("GET /api/v1/entities/{type}", withAuth(makeEntityHandler(store, cfg, logger, handleListEntities)))
	mux.Handle("POST /api/v1/entities/{type}", withAuth(makeEntityHandler(store, cfg, logger, handleCreateEntity)))
	mux.Handle("GET /api/v1/entities/{type}/{id}", withAuth(makeEntityHandler(store, cfg, logger, handleGetEntity)))
	mux.Handle("PUT /api/v1/entities/{type}/{id}", withAuth(makeEntityHandler(store, cfg, logger, handleUpdateEntity)))
	mux.Handle("DELETE /api/v1/entities/{type}/{id}", withAuth(makeEntityHandler(store, cfg, logger, handleDeleteEntity)))

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type entityHandlerFunc func(w http.ResponseWriter, r *http.Request, store entitystore.EntityStore, cfg *ServerConfig, logger *slog.Logger)

// makeEntityHandler validates the entity type path segment and calls fn.
func makeEntityHandler(store entitystore.EntityStore, cfg *ServerConfig, logger *slog.Logger, fn entityHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.PathValue("type")) == "" {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "missing entity type in path")
			return
		}
		fn(w, r, store, cfg, logger)
	}
}

// --- Entity Handlers ---

func handleListEntities(w http.ResponseWriter, r *http.Request, store entitystore.EntityStore, _ *ServerConfig, logger *slog.Logger) {
	recs, err := store.List(r.Context(), r.PathValue("type"))
	if err != nil {
		writeStoreError(w, logger, err)
		return
	}
	out := make([]*remote.EntityResponse, len(recs))
	for i, rec := range recs {
		out[i] = entityResponse(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func handleCreateEntity(w http.ResponseWriter, r *http.Request, store entitystore.EntityStore, cfg *ServerConfig, logger *slog.Logger) {
	var req remote.EntityRequest
	if err := readJSON(r, cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	}
	if req.Payload == nil {
		req.Payload = models.Payload{}
	}

	key := r.Header.Get(remote.HeaderIdempotencyKey)
	rec, err := store.Create(r.Context(), r.PathValue("type"), req.ID, req.Payload, key)
	if err != nil {
		writeStoreError(w, logger, err)
		return
	}

	logger.Debug("entity created",
		"entity_type", rec.Type,
		"entity_id", rec.ID,
		"idempotency_key", key,
	)
	writeEntity(w, http.StatusCreated, rec)
}

func handleGetEntity(w http.ResponseWriter, r *http.Request, store entitystore.EntityStore, _ *ServerConfig, logger *slog.Logger) {
	rec, err := store.Get(r.Context(), r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, logger, err)
		return
	}
	writeEntity(w, http.StatusOK, rec)
}

func handleUpdateEntity(w http.ResponseWriter, r *http.Request, store entitystore.EntityStore, cfg *ServerConfig, logger *slog.Logger) {
	var req remote.EntityRequest
	if err := readJSON(r, cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	}
	if req.Payload == nil {
		req.Payload = models.Payload{}
	}

	expected := strings.Trim(r.Header.Get(remote.HeaderIfMatch), `"`)
	if expected == "*" {
		expected = ""
	}

	rec, err := store.Update(r.Context(), r.PathValue("type"), r.PathValue("id"), req.Payload, expected)
	if err != nil {
		writeStoreError(w, logger, err)
		return
	}
	writeEntity(w, http.StatusOK, rec)
}

func handleDeleteEntity(w http.ResponseWriter, r *http.Request, store entitystore.EntityStore, _ *ServerConfig, logger *slog.Logger) {
	if err := store.Delete(r.Context(), r.PathValue("type"), r.PathValue("id")); err != nil {
		writeStoreError(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func makeHealthzHandler(store entitystore.EntityStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := store.Count(r.Context())
		if err != nil {
			logger.Error("health check", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, &remote.HealthResponse{Status: "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, &remote.HealthResponse{Status: "ok", Entities: n})
	}
}

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, remote.CodeUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func entityResponse(rec *entitystore.Record) *remote.EntityResponse {
	e := rec.Entity()
	return &remote.EntityResponse{Type: e.Type, ID: e.ID, Payload: e.Payload, Version: e.Version}
}

func writeEntity(w http.ResponseWriter, status int, rec *entitystore.Record) {
	resp := entityResponse(rec)
	w.Header().Set(remote.HeaderETag, `"`+resp.Version+`"`)
	writeJSON(w, status, resp)
}

// writeStoreError maps entity store errors onto protocol status codes.
func writeStoreError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, entitystore.ErrNotFound):
		writeError(w, http.StatusNotFound, remote.CodeNotFound, err.Error())
	case errors.Is(err, entitystore.ErrAlreadyExists):
		writeError(w, http.StatusConflict, remote.CodeAlreadyExists, err.Error())
	case errors.Is(err, entitystore.ErrVersionConflict):
		writeError(w, http.StatusPreconditionFailed, remote.CodeVersionConflict, err.Error())
	default:
		logger.Error("entity store", "error", err)
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &remote.ErrorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// --- Admin Handlers ---

func makeAdminIssueTokenHandler(cfg *ServerConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.JWTSecret == "" {
			writeError(w, http.StatusNotImplemented, "not_implemented", "server has no JWT secret configured")
			return
		}

		var req remote.TokenRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "invalid JSON")
			return
		}
		if req.UserID == "" || req.DeviceID == "" {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "user_id and device_id are required")
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}

		token, err := remote.NewJWTAuth(cfg.JWTSecret).GenerateToken(req.UserID, req.DeviceID, ttl)
		if err != nil {
			logger.Error("issue token", "error", err)
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}

		logger.Info("device token issued", "user_id", req.UserID, "device_id", req.DeviceID)
		writeJSON(w, http.StatusCreated, &remote.TokenResponse{Token: token, ExpiresAt: time.Now().Add(ttl).UTC()})
	}
}

// makeAdminPruneHandler drops idempotency entries older than the requested age.
func makeAdminPruneHandler(store entitystore.EntityStore, cfg *ServerConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req remote.PruneRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "invalid JSON")
				return
			}
		}
		ttl := cfg.IdempotencyTTL
		if req.OlderThanSeconds > 0 {
			ttl = time.Duration(req.OlderThanSeconds) * time.Second
		}

		result, err := PruneIdempotency(r.Context(), store, ttl, time.Now(), logger)
		if err != nil {
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}
