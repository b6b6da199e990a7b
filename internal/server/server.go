// Package server exposes the download endpoint and the link issuance API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"photodrop/internal/bundle"
)

// DefaultRetryAfter is advertised when too many archives are being built.
const DefaultRetryAfter = 30 * time.Second

// ArchiveService is the part of bundle.Service the HTTP layer needs.
type ArchiveService interface {
	OpenArchive(ctx context.Context, raw string) (*bundle.Archive, error)
	IssueLink(ctx context.Context, itemIDs []string, recipient string) (*bundle.Link, error)
}

// Server is the HTTP front end.
type Server struct {
	svc        ArchiveService
	logger     bundle.Logger
	adminToken string
	retryAfter time.Duration
	mux        *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithAdminToken enables the link issuance API, guarded by a bearer token.
// Without it the API is not mounted and links can only be issued from the CLI.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// WithRetryAfter sets the Retry-After hint sent with 429 responses.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) {
		s.retryAfter = d
	}
}

// New creates a Server with all routes registered.
func New(svc ArchiveService, logger bundle.Logger, opts ...Option) *Server {
	s := &Server{
		svc:        svc,
		logger:     logger,
		retryAfter: DefaultRetryAfter,
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logRequests(s.mux).ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /download/{token}", s.handleDownload)

	if s.adminToken != "" {
		s.mux.Handle("POST /api/links", s.requireAdmin(http.HandlerFunc(s.handleCreateLink)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "photodrop",
	})
}

// requireAdmin rejects requests without the configured bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="photodrop"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
