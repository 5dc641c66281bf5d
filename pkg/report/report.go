// Package report submits cycle results to the scoring API.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/models"
)

var (
	// ErrFailed means the API answered with a non-2xx status
	ErrFailed = errors.New("report failed")
	// ErrRejected means the API answered 2xx without a true success flag
	ErrRejected = errors.New("report rejected")
)

type apiResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// Response is what the API said about a submitted report
type Response struct {
	Payload models.ReportPayload
	Message string
}

type Reporter struct {
	endpoint string
	logger   *slog.Logger
	now      func() time.Time
}

func NewReporter(endpoint string, logger *slog.Logger) *Reporter {
	return &Reporter{endpoint: endpoint, logger: logger, now: time.Now}
}

// Submit posts one report. It is never retried here; the next cycle is the retry.
func (r *Reporter) Submit(ctx context.Context, h *fetch.Handle, credential string, sample models.SpeedSample, point models.GeoPoint) (*Response, error) {
	payload := models.NewReportPayload(sample, point, r.now())
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	req, err := h.NewRequest(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	result, err := h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}

	var res apiResponse
	decodeErr := json.Unmarshal(result.Body, &res)

	if !result.OK() {
		return nil, fmt.Errorf("%w: %s%s", ErrFailed, result.Response.Status, suffix(res.Message))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", ErrRejected, decodeErr)
	}
	if res.Success == nil || !*res.Success {
		return nil, fmt.Errorf("%w%s", ErrRejected, suffix(res.Message))
	}

	r.logger.Debug("report accepted", "message", res.Message, "timestamp", payload.Timestamp)
	return &Response{Payload: payload, Message: res.Message}, nil
}

func suffix(message string) string {
	if message == "" {
		return ""
	}
	return ": " + message
}
