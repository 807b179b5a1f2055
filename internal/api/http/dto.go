package http

import (
	"encoding/json"
	"fmt"

	"batch-ingest/internal/domain"
)

// IngestRequest is the Data Transfer Object for POST /ingest.
type IngestRequest struct {
	IDs      []domain.WorkItem `json:"ids" validate:"required,min=1"`
	Priority string            `json:"priority" validate:"required,oneof=HIGH MEDIUM LOW"`
}

// rawIngestRequest defers decoding so a malformed field maps to its own error.
type rawIngestRequest struct {
	IDs      json.RawMessage `json:"ids"`
	Priority json.RawMessage `json:"priority"`
}

// decodeIngestRequest turns a request body into an IngestRequest. Errors wrap
// domain.ErrInvalidIDs or domain.ErrInvalidPriority where the field is to blame.
func decodeIngestRequest(body []byte) (*IngestRequest, error) {
	var raw rawIngestRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed request body: %v", domain.ErrInvalidIDs, err)
	}

	req := &IngestRequest{}
	if len(raw.IDs) > 0 && string(raw.IDs) != "null" {
		if err := json.Unmarshal(raw.IDs, &req.IDs); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidIDs, err)
		}
	}
	if len(raw.Priority) > 0 && string(raw.Priority) != "null" {
		if err := json.Unmarshal(raw.Priority, &req.Priority); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPriority, err)
		}
	}
	return req, nil
}

// IngestResponse is returned for an accepted submission.
type IngestResponse struct {
	IngestionID string `json:"ingestion_id"`
}

// ErrorResponse is the body of every 4xx/5xx answer.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
