package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndt-reporter/pkg/models"
)

// value returns the first sample of the named family matching the label value
func value(t *testing.T, m *Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if label != "" {
				match := false
				for _, lp := range metric.GetLabel() {
					if lp.GetValue() == label {
						match = true
					}
				}
				if !match {
					continue
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveCycle("success")
	m.ObserveCycle("success")
	m.ObserveCycle("credential_expired")
	m.ObserveSample(models.SpeedSample{DownloadMbps: 93.5, UploadMbps: 12})
	m.ObserveProbe(true)
	m.ObserveProbe(false)
	m.ObserveProbe(false)

	assert.Equal(t, 2.0, value(t, m, "ndt_reporter_cycles_total", "success"))
	assert.Equal(t, 1.0, value(t, m, "ndt_reporter_cycles_total", "credential_expired"))
	assert.Equal(t, 93.5, value(t, m, "ndt_reporter_download_mbps", ""))
	assert.Equal(t, 12.0, value(t, m, "ndt_reporter_upload_mbps", ""))
	assert.Equal(t, 1.0, value(t, m, "ndt_reporter_proxy_probes_total", "alive"))
	assert.Equal(t, 2.0, value(t, m, "ndt_reporter_proxy_probes_total", "dead"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveCycle("success")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ndt_reporter_cycles_total{outcome="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
