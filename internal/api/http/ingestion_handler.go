// internal/api/http/ingestion_handler.go
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"batch-ingest/internal/domain"
	"batch-ingest/internal/metrics"
	"batch-ingest/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 1 << 20

// IngestionHandler serves the admission and status endpoints.
type IngestionHandler struct {
	service  *usecase.IngestionService
	limiter  *AdmissionLimiter
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewIngestionHandler creates a handler. A nil limiter admits every request.
func NewIngestionHandler(service *usecase.IngestionService, limiter *AdmissionLimiter, logger *slog.Logger) *IngestionHandler {
	return &IngestionHandler{
		service:  service,
		limiter:  limiter,
		logger:   logger.With("component", "ingestion-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("batch-ingest-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// instrument traces the request and counts it under route.
func (h *IngestionHandler) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// RegisterRoutes registers ingestion routes to the http.ServeMux.
func (h *IngestionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/ingest", h.instrument("/ingest", h.handleIngest))
	mux.Handle("/status/", h.instrument("/status/{ingestion_id}", h.handleStatus))
	mux.Handle("/queue", h.instrument("/queue", h.handleQueue))
	mux.Handle("/healthz", h.instrument("/healthz", h.handleHealth))
}

// handleIngest handles POST /ingest {ids, priority}.
func (h *IngestionHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "handler.Ingest")
	defer span.End()

	if h.limiter != nil {
		if ok, retryAfter := h.limiter.Allow(clientKey(r)); !ok {
			metrics.AdmissionRejectedTotal.WithLabelValues("rate_limited").Inc()
			span.SetStatus(codes.Error, "rate limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to read request body")
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := decodeIngestRequest(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode request body")
		h.logger.Info("rejected ingestion request", "error", err)
		h.writeDomainError(w, err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Validation failed")
		h.logger.Info("rejected ingestion request", "error", err)
		writeValidationError(w, err)
		return
	}

	ingestionID, err := h.service.Submit(ctx, req.IDs, req.Priority)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to submit ingestion")
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.String("ingestion.id", ingestionID))

	writeJSON(w, http.StatusOK, IngestResponse{IngestionID: ingestionID})
}

// handleStatus handles GET /status/{ingestion_id}.
func (h *IngestionHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/status/"), "/")
	ctx, span := h.tracer.Start(r.Context(), "handler.Status")
	defer span.End()
	span.SetAttributes(attribute.String("ingestion.id", id))

	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, domain.ErrIngestionNotFound.Error())
		return
	}

	view, err := h.service.Status(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get ingestion status")
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleQueue handles GET /queue.
func (h *IngestionHandler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := h.service.QueueStats(r.Context())
	if err != nil {
		h.logger.Error("error reading queue stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *IngestionHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps service errors to status codes.
func (h *IngestionHandler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidIDs):
		writeError(w, http.StatusBadRequest, domain.ErrInvalidIDs.Error())
	case errors.Is(err, domain.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, domain.ErrInvalidPriority.Error())
	case errors.Is(err, domain.ErrIngestionNotFound):
		writeError(w, http.StatusNotFound, domain.ErrIngestionNotFound.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeValidationError reports the first offending field the way the service
// would, ids before priority.
func writeValidationError(w http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var details []string
	message := ""
	for _, fe := range validationErrors {
		details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
		switch fe.Field() {
		case "IDs":
			message = domain.ErrInvalidIDs.Error()
		case "Priority":
			if message == "" {
				message = domain.ErrInvalidPriority.Error()
			}
		}
	}
	if message == "" {
		message = "validation failed"
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Details: details})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
