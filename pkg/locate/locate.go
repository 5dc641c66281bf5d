// Package locate resolves the ndt7 server for a cycle through the locate API.
package locate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/models"
)

var (
	ErrDiscovery = errors.New("server discovery failed")
	ErrNoServer  = errors.New("no measurement server available")
)

const (
	downloadKey         = "wss:///ndt/v7/download"
	uploadKey           = "wss:///ndt/v7/upload"
	insecureDownloadKey = "ws:///ndt/v7/download"
	insecureUploadKey   = "ws:///ndt/v7/upload"
)

type result struct {
	Machine string            `json:"machine"`
	URLs    map[string]string `json:"urls"`
}

type response struct {
	Results []result `json:"results"`
}

type Locator struct {
	endpoint   string
	clientName string
	logger     *slog.Logger
	newID      func() string
}

func NewLocator(endpoint, clientName string, logger *slog.Logger) *Locator {
	return &Locator{
		endpoint:   endpoint,
		clientName: clientName,
		logger:     logger,
		newID:      func() string { return uuid.New().String() },
	}
}

// Locate asks for the nearest server and returns the first candidate as-is.
// Every call uses a fresh client_session_id.
func (l *Locator) Locate(ctx context.Context, h *fetch.Handle) (*models.MeasurementServer, error) {
	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid locate url: %v", ErrDiscovery, err)
	}
	sessionID := l.newID()
	q := u.Query()
	q.Set("client_name", l.clientName)
	q.Set("client_session_id", sessionID)
	u.RawQuery = q.Encode()

	req, err := h.NewRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("%w: locate returned %s", ErrDiscovery, res.Response.Status)
	}

	var body response
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: failed to decode locate response: %v", ErrDiscovery, err)
	}
	if len(body.Results) == 0 {
		return nil, ErrNoServer
	}

	first := body.Results[0]
	server := &models.MeasurementServer{
		Machine:     first.Machine,
		DownloadURL: pick(first.URLs, downloadKey, insecureDownloadKey),
		UploadURL:   pick(first.URLs, uploadKey, insecureUploadKey),
	}
	if server.DownloadURL == "" || server.UploadURL == "" {
		return nil, fmt.Errorf("%w: server %s has no ndt7 urls", ErrNoServer, first.Machine)
	}

	l.logger.Debug("located server", "machine", server.Machine, "session_id", sessionID)
	return server, nil
}

func pick(urls map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := urls[k]; v != "" {
			return v
		}
	}
	return ""
}
