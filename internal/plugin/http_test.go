package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"quark/internal/driver"
	"quark/internal/quota"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.Handler, method, path, tenantID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenantID != "" {
		req.Header.Set(TenantHeader, tenantID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPortHTTP(t *testing.T) {
	e := newEnv(t, driver.KindOptimized, quota.Limits{})
	r := mux.NewRouter()
	NewHTTP(e.p).RegisterRoutes(r)

	rec := serve(t, r, http.MethodPost, "/api/v1/networks", "", NetworkRequest{Name: "net"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, r, http.MethodPost, "/api/v1/networks", tenant, NetworkRequest{Name: "net"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var n networkOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))

	rec = serve(t, r, http.MethodPost, "/api/v1/subnets", tenant, SubnetRequest{NetworkID: n.ID, CIDR: "192.168.0.0/30"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(t, r, http.MethodPost, "/api/v1/ports", tenant, PortRequest{NetworkID: n.ID, FixedIPs: []FixedIP{{IPAddress: "192.168.0.2"}}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p portOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Len(t, p.FixedIPs, 1)
	assert.Equal(t, "192.168.0.2", p.FixedIPs[0].IPAddress)
	assert.Equal(t, "aa:bb:cc:00:00:00", p.MACAddress)

	rec = serve(t, r, http.MethodPost, "/api/v1/ports", tenant, PortRequest{NetworkID: n.ID, FixedIPs: []FixedIP{{IPAddress: "192.168.0.2"}}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, r, http.MethodGet, "/api/v1/ports?network_id="+n.ID, tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ports []portOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ports))
	assert.Len(t, ports, 1)

	rec = serve(t, r, http.MethodGet, "/api/v1/ports/"+p.ID, "other-tenant", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var failure struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failure))
	assert.Equal(t, "NotFound", failure.Error.Type)

	rec = serve(t, r, http.MethodDelete, "/api/v1/networks/"+n.ID, tenant, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, r, http.MethodDelete, "/api/v1/ports/"+p.ID, tenant, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSecurityGroupHTTP(t *testing.T) {
	e := newEnv(t, driver.KindDirect, quota.Limits{RulesPerGroup: 1})
	r := mux.NewRouter()
	NewHTTP(e.p).RegisterRoutes(r)

	rec := serve(t, r, http.MethodPost, "/api/v1/security-groups", tenant, GroupRequest{
		Name:  "web",
		Rules: []RuleRequest{{Direction: "ingress", Protocol: 6}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var g groupOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	require.Len(t, g.Rules, 1)

	rec = serve(t, r, http.MethodPost, "/api/v1/security-group-rules", tenant, RuleRequest{GroupID: g.ID, Direction: "egress"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, r, http.MethodDelete, "/api/v1/security-group-rules/"+g.Rules[0].ID, tenant, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, r, http.MethodGet, "/api/v1/security-groups/"+g.ID, tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Empty(t, g.Rules)

	rec = serve(t, r, http.MethodPost, "/api/v1/security-groups", tenant, "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIPAddressHTTP(t *testing.T) {
	e := newEnv(t, driver.KindOptimized, quota.Limits{})
	r := mux.NewRouter()
	NewHTTP(e.p).RegisterRoutes(r)
	n := e.network("10.0.0.0/28")

	name := "renamed"
	rec := serve(t, r, http.MethodPut, "/api/v1/networks/"+n.ID, tenant, NetworkUpdateRequest{Name: &name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got networkOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "renamed", got.Name)

	rec = serve(t, r, http.MethodPost, "/api/v1/ports", tenant, PortRequest{NetworkID: n.ID, DeviceID: "vm-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p portOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))

	rec = serve(t, r, http.MethodPost, "/api/v1/ip_addresses", tenant, IPAddressRequest{NetworkID: n.ID, DeviceIDs: []string{"vm-1"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var a ipAddressOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, []string{p.ID}, a.PortIDs)
	assert.Equal(t, n.ID, a.NetworkID)

	rec = serve(t, r, http.MethodPost, "/api/v1/ip_addresses", tenant, IPAddressRequest{NetworkID: n.ID, DeviceIDs: []string{"vm-2"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	path := fmt.Sprintf("/api/v1/ip_addresses/%d", a.ID)
	rec = serve(t, r, http.MethodPut, path, tenant, map[string][]string{"port_ids": {}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.True(t, a.Deallocated)
	assert.Empty(t, a.PortIDs)

	rec = serve(t, r, http.MethodGet, "/api/v1/ip_addresses", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var live []ipAddressOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	assert.Len(t, live, 1, "only the port's own address is live")

	rec = serve(t, r, http.MethodGet, path, "other-tenant", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
