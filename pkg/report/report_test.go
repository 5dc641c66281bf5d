package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/models"
)

func newTestReporter(url string) *Reporter {
	r := NewReporter(url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return time.Date(2024, 5, 1, 8, 30, 15, 123_000_000, time.FixedZone("CST", 8*3600)) }
	return r
}

func TestSubmit(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success":true,"message":"recorded"}`))
	}))
	defer srv.Close()

	h := fetch.NewFactory(fetch.Options{Header: http.Header{"User-Agent": {"test-agent"}}}).Direct()
	res, err := newTestReporter(srv.URL).Submit(context.Background(), h, "tok",
		models.SpeedSample{DownloadMbps: 93.456, UploadMbps: 12.344},
		models.GeoPoint{Latitude: 31.230416, Longitude: 121.473701})
	require.NoError(t, err)

	assert.Equal(t, "recorded", res.Message)
	assert.Equal(t, 93.46, res.Payload.DownloadSpeed)
	assert.Equal(t, 12.34, res.Payload.UploadSpeed)
	assert.Equal(t, map[string]any{
		"download_speed": 93.46,
		"upload_speed":   12.34,
		"latitude":       31.230416,
		"longitude":      121.473701,
		"timestamp":      "2024-05-01T00:30:15.123Z",
	}, got)
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    error
		message string
	}{
		{"server error", http.StatusInternalServerError, `{"message":"db down"}`, ErrFailed, "db down"},
		{"unauthorized plain body", http.StatusUnauthorized, `nope`, ErrFailed, "401"},
		{"success false", http.StatusOK, `{"success":false,"message":"duplicate report"}`, ErrRejected, "duplicate report"},
		{"success absent", http.StatusOK, `{"message":"hm"}`, ErrRejected, "hm"},
		{"not json", http.StatusOK, `<html>`, ErrRejected, "undecodable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			h := fetch.NewFactory(fetch.Options{}).Direct()
			_, err := newTestReporter(srv.URL).Submit(context.Background(), h, "tok", models.SpeedSample{}, models.GeoPoint{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestSubmitUnreachable(t *testing.T) {
	h := fetch.NewFactory(fetch.Options{Timeout: time.Second}).Direct()
	_, err := newTestReporter("http://127.0.0.1:1/report").Submit(context.Background(), h, "tok", models.SpeedSample{}, models.GeoPoint{})
	assert.ErrorIs(t, err, ErrFailed)
}
