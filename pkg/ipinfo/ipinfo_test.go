package ipinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndt-reporter/pkg/fetch"
)

func TestGetIPInfo(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantIP  string
		wantErr bool
	}{
		{name: "json body", status: http.StatusOK, body: `{"ip":"203.0.113.7","org":"AS64500 Example Net"}`, wantIP: "203.0.113.7"},
		{name: "plain body", status: http.StatusOK, body: "198.51.100.2\n", wantIP: "198.51.100.2"},
		{name: "error status", status: http.StatusBadGateway, body: "bad gateway", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			h := fetch.NewFactory(fetch.Options{}).Direct()
			got, err := GetIPInfo(context.Background(), h, srv.URL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIP, got.IP)
		})
	}
}

func TestASN(t *testing.T) {
	num, org := IPInfoResponse{Org: "AS64500 Example Net"}.ASN()
	assert.Equal(t, "64500", num)
	assert.Equal(t, "Example Net", org)

	num, org = IPInfoResponse{Org: "Example"}.ASN()
	assert.Empty(t, num)
	assert.Equal(t, "Example", org)
}
