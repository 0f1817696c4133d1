package ipam

import (
	"encoding/json"
	"net/http"

	"quark/internal/errdefs"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// HTTP serves MAC address range administration.
type HTTP struct{ db *gorm.DB }

func NewHTTP(db *gorm.DB) *HTTP { return &HTTP{db: db} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// POST /api/v1/mac_address_ranges  { cidr }
	api.HandleFunc("/mac_address_ranges", h.createMacRange).Methods(http.MethodPost)
	api.HandleFunc("/mac_address_ranges", h.listMacRanges).Methods(http.MethodGet)
	api.HandleFunc("/mac_address_ranges/{id}", h.getMacRange).Methods(http.MethodGet)
	api.HandleFunc("/mac_address_ranges/{id}", h.deleteMacRange).Methods(http.MethodDelete)
}

type macRangeOut struct {
	ID           string `json:"id"`
	CIDR         string `json:"cidr"`
	FirstAddress string `json:"first_address"`
	LastAddress  string `json:"last_address"`
	NextAddress  string `json:"next_auto_assign_mac"`
}

func (h *HTTP) createMacRange(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		CIDR string `json:"cidr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.CIDR == "" {
		http.Error(w, "invalid body (need {cidr})", http.StatusBadRequest)
		return
	}
	rng, err := CreateMacRange(r.Context(), h.db, in.CIDR)
	if err != nil {
		http.Error(w, err.Error(), errdefs.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(macRangeView(rng))
}

func (h *HTTP) listMacRanges(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	rngs, err := ListMacRanges(r.Context(), h.db)
	if err != nil {
		http.Error(w, err.Error(), errdefs.HTTPStatus(err))
		return
	}
	out := make([]macRangeOut, 0, len(rngs))
	for i := range rngs {
		out = append(out, macRangeView(&rngs[i]))
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (h *HTTP) getMacRange(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	rng, err := GetMacRange(r.Context(), h.db, mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), errdefs.HTTPStatus(err))
		return
	}
	_ = json.NewEncoder(w).Encode(macRangeView(rng))
}

func (h *HTTP) deleteMacRange(w http.ResponseWriter, r *http.Request) {
	err := h.db.Transaction(func(tx *gorm.DB) error {
		return DeleteMacRange(r.Context(), tx, mux.Vars(r)["id"])
	})
	if err != nil {
		http.Error(w, err.Error(), errdefs.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
