package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{ServiceName: "fleet-test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Options{})
	assert.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("fleet-test", "warn", "json", &buf)

	log.Info().Msg("dropped")
	log.Warn().Str("server_id", "abc").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "fleet-test", line["service"])
	assert.Equal(t, "abc", line["server_id"])

	buf.Reset()
	fallback := NewLogger("fleet-test", "nonsense", "json", &buf)
	fallback.Debug().Msg("dropped")
	assert.Empty(t, buf.String())
}

func TestMiddlewareLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("fleet-test", "info", "json", &buf)

	h := Middleware("fleet-test", log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/servers", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "/v1/servers", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
}

func TestExporterOptions(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
		wantErr  bool
	}{
		{endpoint: "otel-collector:4318", want: 2},
		{endpoint: "http://otel-collector:4318", want: 2},
		{endpoint: "https://otel.example.com/custom/traces", want: 2},
		{endpoint: "https://otel.example.com/", want: 1},
		{endpoint: "grpc://otel-collector:4317", wantErr: true},
		{endpoint: "http:///v1/traces", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			opts, err := exporterOptions(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, opts, tt.want)
		})
	}
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
