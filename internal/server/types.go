package server

import "github.com/craexpense/receipt-processor/internal/model"

// ProcessResponse is returned on a successful /upload-receipt or
// /upload-receipt-agents call.
type ProcessResponse struct {
	CorrelationID        string                  `json:"correlation_id"`
	State                string                  `json:"state"`
	Receipt              *model.CategorizedReceipt `json:"receipt"`
	ExtractionConfidence float64                 `json:"extraction_confidence"`
}

// ErrorResponse is returned on any failed request. Kind is the closed
// model.Kind classification so a caller can branch on it the same way the
// CLI branches on exit code.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  model.Kind  `json:"kind,omitempty"`
}

// AuthStatusResponse reports whether the accounting OAuth grant is
// currently valid, without attempting a refresh.
type AuthStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// AuthURLResponse carries the authorization-code redirect URL the caller
// should send the user to.
type AuthURLResponse struct {
	URL string `json:"url"`
}
