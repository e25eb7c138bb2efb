// Package server exposes the medicare JSON API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"medicare/internal/app"
	"medicare/internal/ratelimit"
	"medicare/internal/util"
	"medicare/pkg/notify"
	"medicare/pkg/reconcile"
	"medicare/pkg/scan"
	"medicare/pkg/sharecode"
	"medicare/pkg/storage"
	"medicare/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// ScanLimiter throttles scan uploads per client IP; nil disables it.
	ScanLimiter    *ratelimit.Limiter
	TrustedProxies util.ProxyList
	// PublicBaseURL prefixes magic import links. Empty uses the request host.
	PublicBaseURL  string
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for patients, reminders and scan review.
type Server struct {
	app            *app.App
	limiter        *ratelimit.Limiter
	proxies        util.ProxyList
	publicBaseURL  string
	maxUploadBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		limiter:        cfg.ScanLimiter,
		proxies:        cfg.TrustedProxies,
		publicBaseURL:  strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		maxUploadBytes: maxUploadBytes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/import", s.handleMagicImport)
	s.mux.HandleFunc("/media/", s.handleMediaFile)

	s.mux.HandleFunc("/api/patients", s.handlePatients)
	s.mux.HandleFunc("/api/patients/", s.handlePatientByID)
	s.mux.HandleFunc("/api/current-patient", s.handleCurrentPatient)

	s.mux.HandleFunc("/api/scans/", s.handleScanByID)
	s.mux.HandleFunc("/api/media", s.handleMediaUpload)

	s.mux.HandleFunc("/api/notifications/active", s.handleActiveNotification)
	s.mux.HandleFunc("/api/notifications/dismiss", s.handleDismissNotification)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"scanEnabled": s.app.ScanEnabled(),
	})
}

// allowScan charges one scan upload to the caller's IP.
func (s *Server) allowScan(w http.ResponseWriter, r *http.Request) bool {
	d := s.limiter.Allow(r.Context(), util.ClientIP(r, s.proxies))
	if d.Allowed {
		return true
	}
	secs := int(d.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many scan requests")
	return false
}

// pathParts splits what follows prefix into non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

// readUpload returns the bytes of one multipart file part.
func readUpload(r *http.Request, field string) ([]byte, string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	return data, header.Filename, nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps core errors to HTTP statuses.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNoPatient):
		writeError(w, http.StatusConflict, "select a patient first")
	case errors.Is(err, app.ErrPatientNotFound):
		notFound(w, "patient not found")
	case errors.Is(err, store.ErrQuotaExceeded):
		writeError(w, http.StatusInsufficientStorage, "storage is full; remove some photos or reminders")
	case errors.Is(err, store.ErrInvalidImport):
		writeError(w, http.StatusBadRequest, "invalid import data")
	case errors.Is(err, sharecode.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "invalid share code")
	case errors.Is(err, scan.ErrScanFailed), errors.Is(err, scan.ErrParse):
		util.LoggerFromContext(r.Context()).Warn("scan failed", "err", err)
		writeError(w, http.StatusBadGateway, "could not read the prescription; try another photo")
	case errors.Is(err, notify.ErrNoLineUser):
		writeError(w, http.StatusBadRequest, "patient has no LINE user id")
	case errors.Is(err, app.ErrSessionNotFound):
		notFound(w, "scan session not found")
	case errors.Is(err, reconcile.ErrEntryNotFound):
		notFound(w, "scan entry not found")
	case errors.Is(err, reconcile.ErrSessionClosed):
		writeError(w, http.StatusConflict, "scan session is closed")
	case errors.Is(err, app.ErrNameRequired), errors.Is(err, app.ErrTimeRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUnsupportedMedia), errors.Is(err, storage.ErrBadKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		notFound(w, "media not found")
	case errors.Is(err, app.ErrMediaUnavailable):
		writeError(w, http.StatusServiceUnavailable, "media storage not configured")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
