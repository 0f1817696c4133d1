package plugin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"quark/internal/errdefs"
	"quark/internal/ipam"
	"quark/internal/models"

	"github.com/gorilla/mux"
)

// TenantHeader carries the tenant every request acts for.
const TenantHeader = "X-Tenant-ID"

type HTTP struct{ p *Plugin }

func NewHTTP(p *Plugin) *HTTP { return &HTTP{p: p} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/networks", h.createNetwork).Methods(http.MethodPost)
	api.HandleFunc("/networks", h.listNetworks).Methods(http.MethodGet)
	api.HandleFunc("/networks/{id}", h.getNetwork).Methods(http.MethodGet)
	api.HandleFunc("/networks/{id}", h.updateNetwork).Methods(http.MethodPut)
	api.HandleFunc("/networks/{id}", h.deleteNetwork).Methods(http.MethodDelete)

	api.HandleFunc("/subnets", h.createSubnet).Methods(http.MethodPost)
	// GET /api/v1/subnets?network_id=
	api.HandleFunc("/subnets", h.listSubnets).Methods(http.MethodGet)
	api.HandleFunc("/subnets/{id}", h.getSubnet).Methods(http.MethodGet)
	api.HandleFunc("/subnets/{id}", h.updateSubnet).Methods(http.MethodPut)
	api.HandleFunc("/subnets/{id}", h.deleteSubnet).Methods(http.MethodDelete)

	api.HandleFunc("/ports", h.createPort).Methods(http.MethodPost)
	// GET /api/v1/ports?network_id=
	api.HandleFunc("/ports", h.listPorts).Methods(http.MethodGet)
	api.HandleFunc("/ports/{id}", h.getPort).Methods(http.MethodGet)
	api.HandleFunc("/ports/{id}", h.updatePort).Methods(http.MethodPut)
	api.HandleFunc("/ports/{id}", h.deletePort).Methods(http.MethodDelete)

	api.HandleFunc("/ip_addresses", h.createIPAddress).Methods(http.MethodPost)
	api.HandleFunc("/ip_addresses", h.listIPAddresses).Methods(http.MethodGet)
	api.HandleFunc("/ip_addresses/{id:[0-9]+}", h.getIPAddress).Methods(http.MethodGet)
	api.HandleFunc("/ip_addresses/{id:[0-9]+}", h.updateIPAddress).Methods(http.MethodPut)

	api.HandleFunc("/security-groups", h.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/security-groups", h.listGroups).Methods(http.MethodGet)
	api.HandleFunc("/security-groups/{id}", h.getGroup).Methods(http.MethodGet)
	api.HandleFunc("/security-groups/{id}", h.updateGroup).Methods(http.MethodPut)
	api.HandleFunc("/security-groups/{id}", h.deleteGroup).Methods(http.MethodDelete)

	api.HandleFunc("/security-group-rules", h.createRule).Methods(http.MethodPost)
	api.HandleFunc("/security-group-rules/{id}", h.getRule).Methods(http.MethodGet)
	api.HandleFunc("/security-group-rules/{id}", h.deleteRule).Methods(http.MethodDelete)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), map[string]interface{}{
		"error": map[string]string{"type": errdefs.KindOf(err).String(), "message": err.Error()},
	})
}

// tenantOf returns the request's tenant, answering 400 itself when absent.
func tenantOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	t := r.Header.Get(TenantHeader)
	if t == "" {
		writeError(w, errdefs.InvalidInput("missing %s header", TenantHeader))
		return "", false
	}
	return t, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errdefs.InvalidInput("invalid body: %v", err))
		return false
	}
	return true
}

// networks

type networkOut struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	Subnets  []string `json:"subnets"`
}

func networkView(n *models.Network) networkOut {
	out := networkOut{ID: n.ID, TenantID: n.TenantID, Name: n.Name, Subnets: []string{}}
	for _, s := range n.Subnets {
		out.Subnets = append(out.Subnets, s.ID)
	}
	return out
}

func (h *HTTP) createNetwork(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in NetworkRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	n, err := h.p.CreateNetwork(r.Context(), t, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, networkView(n))
}

func (h *HTTP) listNetworks(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	ns, err := h.p.ListNetworks(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]networkOut, 0, len(ns))
	for i := range ns {
		out = append(out, networkView(&ns[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) getNetwork(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	n, err := h.p.GetNetwork(r.Context(), t, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, networkView(n))
}

func (h *HTTP) updateNetwork(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in NetworkUpdateRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	n, err := h.p.UpdateNetwork(r.Context(), t, mux.Vars(r)["id"], in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, networkView(n))
}

func (h *HTTP) deleteNetwork(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	if err := h.p.DeleteNetwork(r.Context(), t, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// subnets

type subnetOut struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	CIDR      string `json:"cidr"`
	IPVersion int    `json:"ip_version"`
	Next      string `json:"next_auto_assign_ip"`
}

func subnetView(s *models.Subnet) subnetOut {
	return subnetOut{
		ID:        s.ID,
		NetworkID: s.NetworkID,
		TenantID:  s.TenantID,
		Name:      s.Name,
		CIDR:      s.CIDR,
		IPVersion: s.IPVersion,
		Next:      s.NextAutoAssignIP,
	}
}

func (h *HTTP) createSubnet(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in SubnetRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	s, err := h.p.CreateSubnet(r.Context(), t, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subnetView(s))
}

func (h *HTTP) listSubnets(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	ss, err := h.p.ListSubnets(r.Context(), t, r.URL.Query().Get("network_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]subnetOut, 0, len(ss))
	for i := range ss {
		out = append(out, subnetView(&ss[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) getSubnet(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s, err := h.p.GetSubnet(r.Context(), t, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subnetView(s))
}

func (h *HTTP) updateSubnet(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in SubnetUpdateRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	s, err := h.p.UpdateSubnet(r.Context(), t, mux.Vars(r)["id"], in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subnetView(s))
}

func (h *HTTP) deleteSubnet(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	if err := h.p.DeleteSubnet(r.Context(), t, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ports

type fixedIPOut struct {
	SubnetID  string `json:"subnet_id"`
	IPAddress string `json:"ip_address"`
}

type portOut struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	NetworkID      string       `json:"network_id"`
	Name           string       `json:"name"`
	DeviceID       string       `json:"device_id"`
	AdminStateUp   bool         `json:"admin_state_up"`
	MACAddress     string       `json:"mac_address"`
	FixedIPs       []fixedIPOut `json:"fixed_ips"`
	SecurityGroups []string     `json:"security_groups"`
	BackendKey     string       `json:"backend_key"`
}

func portView(p *models.Port) portOut {
	out := portOut{
		ID:             p.ID,
		TenantID:       p.TenantID,
		NetworkID:      p.NetworkID,
		Name:           p.Name,
		DeviceID:       p.DeviceID,
		AdminStateUp:   p.AdminStateUp,
		MACAddress:     ipam.FormatMAC(p.MACAddress),
		FixedIPs:       []fixedIPOut{},
		SecurityGroups: []string{},
		BackendKey:     p.BackendKey,
	}
	for _, a := range p.IPAddresses {
		out.FixedIPs = append(out.FixedIPs, fixedIPOut{SubnetID: a.SubnetID, IPAddress: a.Address})
	}
	for _, g := range p.SecurityGroups {
		out.SecurityGroups = append(out.SecurityGroups, g.ID)
	}
	return out
}

func (h *HTTP) createPort(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in PortRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	p, err := h.p.CreatePort(r.Context(), t, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, portView(p))
}

func (h *HTTP) listPorts(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	ps, err := h.p.ListPorts(r.Context(), t, r.URL.Query().Get("network_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]portOut, 0, len(ps))
	for i := range ps {
		out = append(out, portView(&ps[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) getPort(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	p, err := h.p.GetPort(r.Context(), t, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portView(p))
}

func (h *HTTP) updatePort(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in PortUpdateRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	p, err := h.p.UpdatePort(r.Context(), t, mux.Vars(r)["id"], in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portView(p))
}

func (h *HTTP) deletePort(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	if err := h.p.DeletePort(r.Context(), t, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ip addresses

type ipAddressOut struct {
	ID          uint     `json:"id"`
	NetworkID   string   `json:"network_id"`
	SubnetID    string   `json:"subnet_id"`
	Address     string   `json:"address"`
	Version     int      `json:"version"`
	Deallocated bool     `json:"deallocated"`
	PortIDs     []string `json:"port_ids"`
}

func ipAddressView(a *models.IPAddress) ipAddressOut {
	out := ipAddressOut{
		ID:          a.ID,
		NetworkID:   a.NetworkID,
		SubnetID:    a.SubnetID,
		Address:     a.Address,
		Version:     a.Version,
		Deallocated: a.Deallocated,
		PortIDs:     []string{},
	}
	for _, p := range a.Ports {
		out.PortIDs = append(out.PortIDs, p.ID)
	}
	return out
}

// addressID reads the numeric {id} route variable.
func addressID(r *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id)
}

func (h *HTTP) createIPAddress(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in IPAddressRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	a, err := h.p.CreateIPAddress(r.Context(), t, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ipAddressView(a))
}

func (h *HTTP) listIPAddresses(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	as, err := h.p.ListIPAddresses(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ipAddressOut, 0, len(as))
	for i := range as {
		out = append(out, ipAddressView(&as[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) getIPAddress(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	a, err := h.p.GetIPAddress(r.Context(), t, addressID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ipAddressView(a))
}

func (h *HTTP) updateIPAddress(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in IPAddressUpdateRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	a, err := h.p.UpdateIPAddress(r.Context(), t, addressID(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ipAddressView(a))
}

// security groups

type ruleOut struct {
	ID             string `json:"id"`
	GroupID        string `json:"security_group_id"`
	Direction      string `json:"direction"`
	Ethertype      string `json:"ethertype"`
	Protocol       int    `json:"protocol"`
	PortRangeMin   *int   `json:"port_range_min"`
	PortRangeMax   *int   `json:"port_range_max"`
	RemoteIPPrefix string `json:"remote_ip_prefix,omitempty"`
	RemoteGroupID  string `json:"remote_group_id,omitempty"`
}

type groupOut struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Rules       []ruleOut `json:"security_group_rules"`
}

func ruleView(r *models.SecurityGroupRule) ruleOut {
	return ruleOut{
		ID:             r.ID,
		GroupID:        r.GroupID,
		Direction:      r.Direction,
		Ethertype:      r.Ethertype,
		Protocol:       r.Protocol,
		PortRangeMin:   r.PortRangeMin,
		PortRangeMax:   r.PortRangeMax,
		RemoteIPPrefix: r.RemoteIPPrefix,
		RemoteGroupID:  r.RemoteGroupID,
	}
}

func groupView(g *models.SecurityGroup) groupOut {
	out := groupOut{ID: g.ID, TenantID: g.TenantID, Name: g.Name, Description: g.Description, Rules: []ruleOut{}}
	for i := range g.Rules {
		out.Rules = append(out.Rules, ruleView(&g.Rules[i]))
	}
	return out
}

func (h *HTTP) createGroup(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in GroupRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	g, err := h.p.CreateSecurityGroup(r.Context(), t, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, groupView(g))
}

func (h *HTTP) listGroups(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	gs, err := h.p.ListSecurityGroups(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]groupOut, 0, len(gs))
	for i := range gs {
		out = append(out, groupView(&gs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) getGroup(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	g, err := h.p.GetSecurityGroup(r.Context(), t, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (h *HTTP) updateGroup(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in GroupUpdateRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	g, err := h.p.UpdateSecurityGroup(r.Context(), t, mux.Vars(r)["id"], in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (h *HTTP) deleteGroup(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	if err := h.p.DeleteSecurityGroup(r.Context(), t, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) createRule(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	var in RuleRequest
	if !ok || !decode(w, r, &in) {
		return
	}
	rule, err := h.p.CreateSecurityGroupRule(r.Context(), t, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ruleView(rule))
}

func (h *HTTP) getRule(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	rule, err := h.p.GetSecurityGroupRule(r.Context(), t, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleView(rule))
}

func (h *HTTP) deleteRule(w http.ResponseWriter, r *http.Request) {
	t, ok := tenantOf(w, r)
	if !ok {
		return
	}
	if err := h.p.DeleteSecurityGroupRule(r.Context(), t, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
