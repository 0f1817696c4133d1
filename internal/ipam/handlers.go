package ipam

import (
	"encoding/json"
	"errors"
	"net/http"

	"quark/internal/errdefs"
	"quark/internal/models"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
	"inet.af/netaddr"
)

// AddressHTTP exposes read access to allocated addresses.
type AddressHTTP struct{ db *gorm.DB }

func NewAddressHTTP(db *gorm.DB) *AddressHTTP { return &AddressHTTP{db: db} }

func (h *AddressHTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// GET /api/v1/networks/{id}/ip_addresses?deallocated=true
	api.HandleFunc("/networks/{id}/ip_addresses", h.listNetworkIPs).Methods(http.MethodGet)
	// GET /api/v1/subnets/{id}/capacity
	api.HandleFunc("/subnets/{id}/capacity", h.subnetCapacity).Methods(http.MethodGet)
}

func (h *AddressHTTP) listNetworkIPs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	f := IPFilter{NetworkID: mux.Vars(r)["id"]}
	switch r.URL.Query().Get("deallocated") {
	case "true":
		f.Deallocated = boolPtr(true)
	case "false":
		f.Deallocated = boolPtr(false)
	}
	recs, err := NewRepo(h.db).WithContext(r.Context()).IPAddresses(All, f)
	if err != nil {
		http.Error(w, err.Error(), errdefs.HTTPStatus(err))
		return
	}

	type out struct {
		ID          uint   `json:"id"`
		SubnetID    string `json:"subnet_id"`
		Address     string `json:"address"`
		Version     int    `json:"version"`
		Deallocated bool   `json:"deallocated"`
	}
	result := make([]out, 0, len(recs))
	for _, rec := range recs {
		result = append(result, out{
			ID:          rec.ID,
			SubnetID:    rec.SubnetID,
			Address:     rec.Address,
			Version:     rec.Version,
			Deallocated: rec.Deallocated,
		})
	}
	_ = json.NewEncoder(w).Encode(result)
}

// subnetCapacity reports the numbers subnet selection works with.
func (h *AddressHTTP) subnetCapacity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := mux.Vars(r)["id"]
	var s models.Subnet
	if err := h.db.WithContext(r.Context()).Preload("IPPolicy.Exclude").First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = errdefs.NotFound("subnet %s not found", id)
		}
		http.Error(w, err.Error(), errdefs.HTTPStatus(err))
		return
	}
	repo := NewRepo(h.db).WithContext(r.Context())
	network, err := repo.Network(s.NetworkID)
	if err != nil {
		http.Error(w, err.Error(), errdefs.HTTPStatus(err))
		return
	}
	policy, err := NewPolicySet(s.CIDR, EffectivePolicy(&s, network))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var allocated int64
	if err := h.db.WithContext(r.Context()).Model(&models.IPAddress{}).Where("subnet_id = ?", s.ID).Count(&allocated).Error; err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"cidr":      s.CIDR,
		"size":      prefixSize(policy.Prefix()).String(),
		"allocated": allocated,
		"excluded":  policy.Size().String(),
		"free":      policy.FreeCapacity(allocated).String(),
		"gateway":   firstUsable(policy.Prefix()),
		"next":      s.NextAutoAssignIP,
	})
}

func firstUsable(p netaddr.IPPrefix) string {
	return p.IP().Next().String()
}

func macRangeView(rng *models.MacAddressRange) macRangeOut {
	return macRangeOut{
		ID:           rng.ID,
		CIDR:         rng.CIDR,
		FirstAddress: FormatMAC(rng.FirstAddress),
		LastAddress:  FormatMAC(rng.LastAddress - 1),
		NextAddress:  FormatMAC(rng.NextAutoAssignMAC),
	}
}
