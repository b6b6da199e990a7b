package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"photodrop/internal/bundle"
	"photodrop/internal/token"
)

// maxRequestBody bounds the link issuance request body.
const maxRequestBody = 64 << 10

// createLinkRequest is the JSON body for issuing a download link.
type createLinkRequest struct {
	ItemIDs   []string `json:"item_ids"`
	Recipient string   `json:"recipient"`
}

// linkResponse describes an issued link.
type linkResponse struct {
	URL       string    `json:"url"`
	Items     int       `json:"items"`
	ExpiresAt time.Time `json:"expires_at"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
}

// handleCreateLink handles POST /api/links.
func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req createLinkRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	link, err := s.svc.IssueLink(r.Context(), req.ItemIDs, req.Recipient)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, linkResponse{
			URL:       link.URL,
			Items:     len(link.ItemIDs),
			ExpiresAt: link.ExpiresAt.UTC(),
			Delivered: true,
		})
	case errors.Is(err, bundle.ErrDeliveryFailed) && link != nil:
		// The link is valid; hand it back so it can be forwarded another way.
		writeJSON(w, http.StatusBadGateway, linkResponse{
			URL:       link.URL,
			Items:     len(link.ItemIDs),
			ExpiresAt: link.ExpiresAt.UTC(),
			Error:     "link issued but delivery failed",
		})
	case errors.Is(err, bundle.ErrInvalidRecipient), errors.Is(err, token.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("issuing link failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue link")
	}
}
