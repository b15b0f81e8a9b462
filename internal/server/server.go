// Package server builds the HTTP surface of the embed-platform daemon.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/txn2/embed-platform/pkg/embed"
	"github.com/txn2/embed-platform/pkg/health"
	"github.com/txn2/embed-platform/pkg/platform"
	"github.com/txn2/embed-platform/pkg/powerbi"
	"github.com/txn2/embed-platform/pkg/token"
)

// Version is set at build time.
var Version = "dev"

const maxRequestBody = 64 << 10

// New returns the daemon's handler. The /api routes are only mounted when
// the platform has a Power BI client.
func New(p *platform.Platform, checker *health.Checker) http.Handler {
	return corsMiddleware(p.Config().Server.AllowedOrigins, routes(p, checker))
}

func routes(p *platform.Platform, checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", checker.LivenessHandler())
	mux.Handle("GET /readyz", checker.ReadinessHandler())
	mux.Handle("GET /status", checker.StatusHandler(func() any { return p.Status() }))
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	if client := p.PowerBI(); client != nil {
		h := &apiHandler{client: client}
		mux.HandleFunc("GET /api/workspaces", h.workspaces)
		mux.HandleFunc("GET /api/workspaces/{group}/reports", h.reports)
		mux.HandleFunc("GET /api/workspaces/{group}/dashboards", h.dashboards)
		mux.HandleFunc("GET /api/workspaces/{group}/dashboards/{dashboard}/tiles", h.tiles)
		mux.HandleFunc("POST /api/embed-token", h.embedToken)
	}
	return mux
}

type apiHandler struct {
	client *powerbi.Client
}

func (h *apiHandler) workspaces(w http.ResponseWriter, r *http.Request) {
	out, err := h.client.ListWorkspaces(r.Context())
	respond(w, out, err)
}

func (h *apiHandler) reports(w http.ResponseWriter, r *http.Request) {
	out, err := h.client.ListReports(r.Context(), r.PathValue("group"))
	respond(w, out, err)
}

func (h *apiHandler) dashboards(w http.ResponseWriter, r *http.Request) {
	out, err := h.client.ListDashboards(r.Context(), r.PathValue("group"))
	respond(w, out, err)
}

func (h *apiHandler) tiles(w http.ResponseWriter, r *http.Request) {
	out, err := h.client.ListTiles(r.Context(), r.PathValue("group"), r.PathValue("dashboard"))
	respond(w, out, err)
}

// embedTokenRequest accepts the same shape the browser stores as an embed
// config, so a client can ask for a token for exactly what it will embed.
type embedTokenRequest struct {
	embed.Config
	AccessLevel string `json:"accessLevel,omitempty"`
}

func (h *apiHandler) embedToken(w http.ResponseWriter, r *http.Request) {
	var req embedTokenRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if !req.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("unsupported type"))
		return
	}

	gen := powerbi.GenerateTokenRequestFor(req.Config)
	gen.AccessLevel = req.AccessLevel
	out, err := h.client.GenerateToken(r.Context(), gen)
	respond(w, out, err)
}

// corsMiddleware echoes allowed origins and answers preflight requests.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	allow := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allow[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allow["*"] || allow[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func respond(w http.ResponseWriter, v any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, v)
		return
	}

	var apiErr *powerbi.APIError
	if errors.As(err, &apiErr) {
		ee := apiErr.EmbedError()
		slog.Warn("power bi request failed", "status", apiErr.StatusCode, "code", ee.Code)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  ee.Message,
			"code":   ee.Code,
			"status": apiErr.StatusCode,
		})
		return
	}
	var authErr *token.AuthError
	if errors.As(err, &authErr) {
		slog.Warn("token unavailable", "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody("token unavailable"))
		return
	}
	slog.Warn("request failed", "error", err)
	writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
