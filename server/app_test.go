package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quark/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Address: "127.0.0.1", HTTPPort: "0"},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: "file:" + uuid.NewString() + "?mode=memory&cache=shared"},
		Logging:  config.LoggingConfig{Level: "warn"},
		IPAM:     config.IPAMConfig{ReuseAfter: time.Hour},
		NVP: config.NVPConfig{
			Driver:            "optimized",
			DefaultTZ:         "tz-default",
			MaxPortsPerSwitch: 2,
			RetryDelay:        time.Millisecond,
			Memory:            true,

			DefaultSecurityGroup: true,
		},
	}
}

func call(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Tenant-ID", "t1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]interface{}{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestRunBeforeInitialize(t *testing.T) {
	var a App
	assert.ErrorIs(t, a.Run(), ErrNotInitialized)
}

func TestInitializeServesPortWorkflow(t *testing.T) {
	var a App
	require.NoError(t, a.Initialize(memoryConfig()))
	h := a.Router

	rec, _ := call(t, h, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = call(t, h, http.MethodPost, "/api/v1/mac_address_ranges", map[string]string{"cidr": "AA:BB:CC"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, n := call(t, h, http.MethodPost, "/api/v1/networks", map[string]string{"name": "net"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec, _ = call(t, h, http.MethodPost, "/api/v1/subnets", map[string]string{"network_id": n["id"].(string), "cidr": "10.0.0.0/24"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = call(t, h, http.MethodGet, "/api/v1/security-groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "default", groups[0]["name"])

	for i := 0; i < 3; i++ {
		rec, _ = call(t, h, http.MethodPost, "/api/v1/ports", map[string]string{"network_id": n["id"].(string)})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec, _ = call(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quark_switches_created_total")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
