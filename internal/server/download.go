package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"photodrop/internal/buildflight"
	"photodrop/internal/bundle"
	"photodrop/internal/token"
)

// handleDownload handles GET /download/{token}: verify the token, build or
// reuse the archive and stream it.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	archive, err := s.svc.OpenArchive(r.Context(), r.PathValue("token"))
	if err != nil {
		s.downloadFailed(w, r, err)
		return
	}
	defer archive.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, archive.Name))
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	// ServeContent handles HEAD, Range and conditional requests.
	http.ServeContent(w, r, archive.Name, archive.ModTime, archive.File)
}

func (s *Server) downloadFailed(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrInvalid):
		s.logger.Debug("invalid download token", "error", err)
		renderErrorPage(w, r, http.StatusBadRequest, invalidLinkPage)
	case errors.Is(err, token.ErrExpired):
		s.logger.Debug("expired download token", "error", err)
		renderErrorPage(w, r, http.StatusGone, expiredLinkPage)
	case errors.Is(err, buildflight.ErrTooManyConcurrentBuilds):
		s.logger.Warn("archive build rejected", "error", err)
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
		renderErrorPage(w, r, http.StatusTooManyRequests, busyPage)
	case errors.Is(err, bundle.ErrNoContent):
		s.logger.Warn("archive has no content", "error", err)
		renderErrorPage(w, r, http.StatusInternalServerError, emptyArchivePage)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// The client went away; nobody is left to read a response.
		s.logger.Debug("download abandoned by client")
	default:
		s.logger.Error("download failed", "error", err)
		renderErrorPage(w, r, http.StatusInternalServerError, internalErrorPage)
	}
}
