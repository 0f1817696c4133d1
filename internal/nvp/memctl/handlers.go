package memctl

import (
	"net/http"

	"quark/internal/nvp"

	"github.com/gorilla/mux"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"
)

func wantsRelation(r *http.Request, rel string) bool {
	for _, v := range r.URL.Query()["relations"] {
		if v == rel {
			return true
		}
	}
	return false
}

func switchView(txn *memdb.Txn, e *switchEntry, withStatus bool) nvp.LSwitch {
	out := e.LSwitch
	out.Relations = nil
	if withStatus {
		n := len(byIndex(txn, tablePort, indexSwitch, e.UUID))
		out.Relations = &nvp.LSwitchRelations{LogicalSwitchStatus: &nvp.LSwitchStatus{LportCount: n}}
	}
	return out
}

// switches

func (c *Controller) listSwitches(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(false)
	id := r.URL.Query().Get("uuid")
	status := wantsRelation(r, nvp.RelationSwitchStatus)

	res := nvp.QueryResult[nvp.LSwitch]{Results: []nvp.LSwitch{}}
	for _, obj := range all(txn, tableSwitch, tagFilter(r)) {
		e := obj.(*switchEntry)
		if id != "" && e.UUID != id {
			continue
		}
		res.Results = append(res.Results, switchView(txn, e, status))
	}
	res.ResultCount = len(res.Results)
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) createSwitch(w http.ResponseWriter, r *http.Request) {
	var in nvp.LSwitch
	if !decode(w, r, &in) {
		return
	}
	txn := c.db.Txn(true)
	defer txn.Abort()
	for _, z := range in.TransportZones {
		if first(txn, tableZone, z.ZoneUUID) == nil {
			http.Error(w, "unknown transport zone "+z.ZoneUUID, http.StatusBadRequest)
			return
		}
	}
	in.UUID = newUUID()
	in.Relations = nil
	e := &switchEntry{in}
	if err := txn.Insert(tableSwitch, e); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	c.log.WithFields(logrus.Fields{"lswitch": in.UUID, "name": in.DisplayName}).Debug("lswitch created")
	writeJSON(w, http.StatusCreated, in)
}

func (c *Controller) getSwitch(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(false)
	obj := first(txn, tableSwitch, mux.Vars(r)["sw"])
	if obj == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, switchView(txn, obj.(*switchEntry), wantsRelation(r, nvp.RelationSwitchStatus)))
}

func (c *Controller) updateSwitch(w http.ResponseWriter, r *http.Request) {
	var in nvp.LSwitch
	if !decode(w, r, &in) {
		return
	}
	txn := c.db.Txn(true)
	defer txn.Abort()
	id := mux.Vars(r)["sw"]
	if first(txn, tableSwitch, id) == nil {
		http.NotFound(w, r)
		return
	}
	in.UUID = id
	in.Relations = nil
	if err := txn.Insert(tableSwitch, &switchEntry{in}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	writeJSON(w, http.StatusOK, in)
}

// deleteSwitch drops the switch together with its ports.
func (c *Controller) deleteSwitch(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(true)
	defer txn.Abort()
	id := mux.Vars(r)["sw"]
	obj := first(txn, tableSwitch, id)
	if obj == nil {
		http.NotFound(w, r)
		return
	}
	if _, err := txn.DeleteAll(tablePort, indexSwitch, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := txn.Delete(tableSwitch, obj); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	c.log.WithField("lswitch", id).Debug("lswitch deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ports

func (c *Controller) portView(txn *memdb.Txn, e *portEntry, withConfig bool) nvp.LPort {
	out := e.LPort
	out.Relations = nil
	if withConfig {
		if obj := first(txn, tableSwitch, e.SwitchUUID); obj != nil {
			sw := switchView(txn, obj.(*switchEntry), false)
			out.Relations = &nvp.LPortRelations{LogicalSwitchConfig: &sw}
		}
	}
	return out
}

// lookupPort finds a port under sw, "*" matching any switch.
func lookupPort(txn *memdb.Txn, sw, id string) *portEntry {
	obj := first(txn, tablePort, id)
	if obj == nil {
		return nil
	}
	p := obj.(*portEntry)
	if sw != "*" && p.SwitchUUID != sw {
		return nil
	}
	return p
}

func (c *Controller) listPorts(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(false)
	sw := mux.Vars(r)["sw"]
	if sw != "*" && first(txn, tableSwitch, sw) == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	tags := tagFilter(r)
	id := q.Get("uuid")
	profile := q.Get("security_profile_uuid")

	var objs []interface{}
	switch {
	case profile != "":
		objs = byIndex(txn, tablePort, indexProfile, profile)
	case sw != "*":
		objs = byIndex(txn, tablePort, indexSwitch, sw)
	default:
		objs = all(txn, tablePort, tags)
	}

	withConfig := wantsRelation(r, nvp.RelationSwitchConfig)
	res := nvp.QueryResult[nvp.LPort]{Results: []nvp.LPort{}}
	for _, obj := range objs {
		p := obj.(*portEntry)
		if sw != "*" && p.SwitchUUID != sw {
			continue
		}
		if id != "" && p.UUID != id {
			continue
		}
		if !hasTags(p.Tags, tags) {
			continue
		}
		res.Results = append(res.Results, c.portView(txn, p, withConfig))
	}
	res.ResultCount = len(res.Results)
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) validProfiles(txn *memdb.Txn, w http.ResponseWriter, ids []string) bool {
	for _, id := range ids {
		if first(txn, tableProfile, id) == nil {
			http.Error(w, "unknown security profile "+id, http.StatusBadRequest)
			return false
		}
	}
	return true
}

func (c *Controller) createPort(w http.ResponseWriter, r *http.Request) {
	var in nvp.LPort
	if !decode(w, r, &in) {
		return
	}
	txn := c.db.Txn(true)
	defer txn.Abort()
	sw := mux.Vars(r)["sw"]
	if first(txn, tableSwitch, sw) == nil {
		http.NotFound(w, r)
		return
	}
	if !c.validProfiles(txn, w, in.SecurityProfiles) {
		return
	}
	in.UUID = newUUID()
	in.Relations = nil
	if err := txn.Insert(tablePort, &portEntry{LPort: in, SwitchUUID: sw}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	c.log.WithFields(logrus.Fields{"lswitch": sw, "lport": in.UUID}).Debug("lport created")
	writeJSON(w, http.StatusCreated, in)
}

func (c *Controller) getPort(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(false)
	vars := mux.Vars(r)
	p := lookupPort(txn, vars["sw"], vars["port"])
	if p == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, c.portView(txn, p, wantsRelation(r, nvp.RelationSwitchConfig)))
}

func (c *Controller) updatePort(w http.ResponseWriter, r *http.Request) {
	var in nvp.LPort
	if !decode(w, r, &in) {
		return
	}
	txn := c.db.Txn(true)
	defer txn.Abort()
	vars := mux.Vars(r)
	p := lookupPort(txn, vars["sw"], vars["port"])
	if p == nil {
		http.NotFound(w, r)
		return
	}
	if !c.validProfiles(txn, w, in.SecurityProfiles) {
		return
	}
	in.UUID = p.UUID
	in.Relations = nil
	if err := txn.Insert(tablePort, &portEntry{LPort: in, SwitchUUID: p.SwitchUUID}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	writeJSON(w, http.StatusOK, in)
}

func (c *Controller) deletePort(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(true)
	defer txn.Abort()
	vars := mux.Vars(r)
	p := lookupPort(txn, vars["sw"], vars["port"])
	if p == nil {
		http.NotFound(w, r)
		return
	}
	if err := txn.Delete(tablePort, p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	w.WriteHeader(http.StatusNoContent)
}

// security profiles

func (c *Controller) listProfiles(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(false)
	id := r.URL.Query().Get("uuid")
	res := nvp.QueryResult[nvp.SecurityProfile]{Results: []nvp.SecurityProfile{}}
	for _, obj := range all(txn, tableProfile, tagFilter(r)) {
		e := obj.(*profileEntry)
		if id != "" && e.UUID != id {
			continue
		}
		res.Results = append(res.Results, e.SecurityProfile)
	}
	res.ResultCount = len(res.Results)
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) createProfile(w http.ResponseWriter, r *http.Request) {
	var in nvp.SecurityProfile
	if !decode(w, r, &in) {
		return
	}
	txn := c.db.Txn(true)
	defer txn.Abort()
	in.UUID = newUUID()
	if err := txn.Insert(tableProfile, &profileEntry{in}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	writeJSON(w, http.StatusCreated, in)
}

func (c *Controller) getProfile(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(false)
	obj := first(txn, tableProfile, mux.Vars(r)["id"])
	if obj == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, obj.(*profileEntry).SecurityProfile)
}

func (c *Controller) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in nvp.SecurityProfile
	if !decode(w, r, &in) {
		return
	}
	txn := c.db.Txn(true)
	defer txn.Abort()
	id := mux.Vars(r)["id"]
	if first(txn, tableProfile, id) == nil {
		http.NotFound(w, r)
		return
	}
	in.UUID = id
	if err := txn.Insert(tableProfile, &profileEntry{in}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	writeJSON(w, http.StatusOK, in)
}

// deleteProfile refuses profiles still attached to a port.
func (c *Controller) deleteProfile(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(true)
	defer txn.Abort()
	id := mux.Vars(r)["id"]
	obj := first(txn, tableProfile, id)
	if obj == nil {
		http.NotFound(w, r)
		return
	}
	if len(byIndex(txn, tablePort, indexProfile, id)) > 0 {
		http.Error(w, "security profile in use", http.StatusConflict)
		return
	}
	if err := txn.Delete(tableProfile, obj); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	w.WriteHeader(http.StatusNoContent)
}

// transport zones

func (c *Controller) listZones(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(false)
	id := r.URL.Query().Get("uuid")
	res := nvp.QueryResult[nvp.TransportZone]{Results: []nvp.TransportZone{}}
	for _, obj := range all(txn, tableZone, tagFilter(r)) {
		e := obj.(*zoneEntry)
		if id != "" && e.UUID != id {
			continue
		}
		res.Results = append(res.Results, e.TransportZone)
	}
	res.ResultCount = len(res.Results)
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) createZone(w http.ResponseWriter, r *http.Request) {
	var in nvp.TransportZone
	if !decode(w, r, &in) {
		return
	}
	txn := c.db.Txn(true)
	defer txn.Abort()
	if in.UUID == "" {
		in.UUID = newUUID()
	}
	if err := txn.Insert(tableZone, &zoneEntry{in}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	txn.Commit()
	writeJSON(w, http.StatusCreated, in)
}

func (c *Controller) getZone(w http.ResponseWriter, r *http.Request) {
	txn := c.db.Txn(false)
	obj := first(txn, tableZone, mux.Vars(r)["id"])
	if obj == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, obj.(*zoneEntry).TransportZone)
}
