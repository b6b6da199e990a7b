package bundle

import "errors"

var (
	// ErrNoContent means none of the items referenced by a token could be
	// resolved and fetched, so no archive was produced.
	ErrNoContent = errors.New("no items could be added to the archive")

	// ErrDeliveryFailed wraps delivery channel failures during issuance.
	// The issued token remains valid.
	ErrDeliveryFailed = errors.New("download link delivery failed")

	// ErrInvalidRecipient is returned by IssueLink for a malformed address.
	ErrInvalidRecipient = errors.New("invalid recipient address")
)
