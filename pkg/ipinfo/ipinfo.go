package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"ndt-reporter/pkg/fetch"
)

type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Org      string `json:"org"`
}

// GetIPInfo asks an IP echo endpoint which address the handle egresses from.
// Any 2xx response counts as success; the body may be JSON or a bare address.
func GetIPInfo(ctx context.Context, h *fetch.Handle, echoURL string) (IPInfoResponse, error) {
	req, err := h.NewRequest(ctx, http.MethodGet, echoURL, nil)
	if err != nil {
		return IPInfoResponse{}, err
	}

	result, err := h.Do(req)
	if err != nil {
		return IPInfoResponse{}, err
	}
	if !result.OK() {
		return IPInfoResponse{}, fmt.Errorf("ip echo returned %s", result.Response.Status)
	}

	var ipInfo IPInfoResponse
	if err := json.Unmarshal(result.Body, &ipInfo); err != nil {
		ipInfo.IP = strings.TrimSpace(string(result.Body))
	}

	return ipInfo, nil
}

// ASN splits the "AS1234 Org Name" form of the org field
func (r IPInfoResponse) ASN() (asNumber, asOrg string) {
	orgParts := strings.SplitN(r.Org, " ", 2)
	if len(orgParts) == 2 && strings.HasPrefix(orgParts[0], "AS") {
		return strings.TrimPrefix(orgParts[0], "AS"), orgParts[1]
	}
	return "", r.Org
}
