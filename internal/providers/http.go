package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DoRequest sends a request with a JSON payload and returns the response
// body bytes. It handles marshaling, header setting (Content-Type plus any
// caller-supplied headers), request-ID forwarding, error responses
// (StatusError with Retry-After parsing), and body reading. Adapted from
// omen's providers.DoRequest to also accept the HTTP method, so the
// same helper covers health probes (GET) and chat calls (POST).
func DoRequest(ctx context.Context, client *http.Client, method, url string, payload any, headers map[string]string) ([]byte, error) {
	ctx, span := otel.Tracer("omen.providers").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url), attribute.String("http.method", method)),
	)
	defer span.End()

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "marshal failed")
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if reqID := GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return respBody, nil
}

// DoStreamRequest sends a POST request with a JSON payload and returns the raw
// response body for streaming consumption. The caller must close the
// returned ReadCloser; closing it ends the OTel span, since the body is
// read asynchronously relative to this call returning.
func DoStreamRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) (io.ReadCloser, error) {
	ctx, span := otel.Tracer("omen.providers").Start(ctx, "provider.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		span.End()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		span.End()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if reqID := GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			span.RecordError(fmt.Errorf("read error response: %w", err))
			span.SetStatus(codes.Error, "read error response failed")
			span.End()
			return nil, fmt.Errorf("failed to read error response: %w", err)
		}
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.End()
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return &spanCloser{ReadCloser: resp.Body, span: span}, nil
}

// spanCloser wraps an io.ReadCloser and ends the associated OTel span on Close.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
