// internal/infra/http/http_unit_processor.go
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"batch-ingest/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type httpUnitProcessor struct {
	client *http.Client
	url    string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHttpUnitProcessor creates a processor that POSTs every work item to url.
func NewHttpUnitProcessor(url string, timeout time.Duration, logger *slog.Logger) domain.UnitProcessor {
	return &httpUnitProcessor{
		client: &http.Client{
			Timeout: timeout,
		},
		url:    url,
		logger: logger.With("processor", "http"),
		tracer: otel.Tracer("batch-ingest-http-processor"),
	}
}

// Process sends {"id": item} and expects a 2xx answer. The response body, if
// it is a JSON object with a data field, becomes the result payload.
func (p *httpUnitProcessor) Process(ctx context.Context, item domain.WorkItem) (domain.UnitResult, error) {
	ctx, span := p.tracer.Start(ctx, "processor.http.Process",
		trace.WithAttributes(
			attribute.String("item", item.String()),
			attribute.String("http.url", p.url),
		))
	defer span.End()

	result, err := p.doProcess(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "downstream call failed")
		return domain.UnitResult{}, err
	}
	return result, nil
}

func (p *httpUnitProcessor) doProcess(ctx context.Context, item domain.WorkItem) (domain.UnitResult, error) {
	body, err := json.Marshal(map[string]domain.WorkItem{"id": item})
	if err != nil {
		return domain.UnitResult{}, fmt.Errorf("failed to encode work item: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return domain.UnitResult{}, fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.UnitResult{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read a small portion of the body for the result payload.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return domain.UnitResult{}, fmt.Errorf("http request returned 5xx server error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return domain.UnitResult{}, fmt.Errorf("http request returned 4xx client error: %s", resp.Status)
	}

	result := domain.UnitResult{ID: item, Data: string(bodyBytes)}
	var decoded struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &decoded); err == nil && decoded.Data != "" {
		result.Data = decoded.Data
	}
	p.logger.Debug("processed item", "item", item.String(), "status", resp.StatusCode)
	return result, nil
}
