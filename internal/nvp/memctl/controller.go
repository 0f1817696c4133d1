// Package memctl is an in-process controller serving the /ws.v1 subset the
// nvp client uses, backed by go-memdb. It backs the package tests and the
// nvp.memory development mode.
package memctl

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"quark/internal/logs"
	"quark/internal/nvp"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"
)

type fault struct {
	method string
	path   string
	exact  bool
	status int
	left   int
}

// Controller is safe for concurrent use.
type Controller struct {
	db     *memdb.MemDB
	router *mux.Router
	log    *logrus.Entry

	mu     sync.Mutex
	faults []*fault
}

func New() *Controller {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		// This shouldn't fail
		panic(err)
	}
	c := &Controller{db: db, router: mux.NewRouter(), log: logs.For("memctl")}
	c.routes()
	return c
}

func (c *Controller) routes() {
	r := c.router.PathPrefix("/ws.v1").Subrouter()

	r.HandleFunc("/lswitch", c.listSwitches).Methods(http.MethodGet)
	r.HandleFunc("/lswitch", c.createSwitch).Methods(http.MethodPost)
	r.HandleFunc("/lswitch/{sw}", c.getSwitch).Methods(http.MethodGet)
	r.HandleFunc("/lswitch/{sw}", c.updateSwitch).Methods(http.MethodPut)
	r.HandleFunc("/lswitch/{sw}", c.deleteSwitch).Methods(http.MethodDelete)

	r.HandleFunc("/lswitch/{sw}/lport", c.listPorts).Methods(http.MethodGet)
	r.HandleFunc("/lswitch/{sw}/lport", c.createPort).Methods(http.MethodPost)
	r.HandleFunc("/lswitch/{sw}/lport/{port}", c.getPort).Methods(http.MethodGet)
	r.HandleFunc("/lswitch/{sw}/lport/{port}", c.updatePort).Methods(http.MethodPut)
	r.HandleFunc("/lswitch/{sw}/lport/{port}", c.deletePort).Methods(http.MethodDelete)

	r.HandleFunc("/security-profile", c.listProfiles).Methods(http.MethodGet)
	r.HandleFunc("/security-profile", c.createProfile).Methods(http.MethodPost)
	r.HandleFunc("/security-profile/{id}", c.getProfile).Methods(http.MethodGet)
	r.HandleFunc("/security-profile/{id}", c.updateProfile).Methods(http.MethodPut)
	r.HandleFunc("/security-profile/{id}", c.deleteProfile).Methods(http.MethodDelete)

	r.HandleFunc("/transport-zone", c.listZones).Methods(http.MethodGet)
	r.HandleFunc("/transport-zone", c.createZone).Methods(http.MethodPost)
	r.HandleFunc("/transport-zone/{id}", c.getZone).Methods(http.MethodGet)
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if status, ok := c.takeFault(r); ok {
		http.Error(w, "injected fault", status)
		return
	}
	c.router.ServeHTTP(w, r)
}

// Transport serves requests in process, without a listener.
func (c *Controller) Transport() http.RoundTripper {
	return roundTripper{h: c}
}

type roundTripper struct{ h http.Handler }

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.h.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// FailNext answers the next n requests matching method and path prefix with
// status. An empty method matches every method.
func (c *Controller) FailNext(method, pathPrefix string, status, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, &fault{method: method, path: pathPrefix, status: status, left: n})
}

// FailNextExact is FailNext for one path only, so a switch can fail without
// its ports failing too.
func (c *Controller) FailNextExact(method, path string, status, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, &fault{method: method, path: path, exact: true, status: status, left: n})
}

func (c *Controller) takeFault(r *http.Request) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.faults {
		if f.left == 0 {
			continue
		}
		if f.method != "" && f.method != r.Method {
			continue
		}
		if f.exact && r.URL.Path != f.path || !strings.HasPrefix(r.URL.Path, f.path) {
			continue
		}
		f.left--
		return f.status, true
	}
	return 0, false
}

// AddTransportZone seeds a zone a provider network can bind to.
func (c *Controller) AddTransportZone(id, name string) {
	txn := c.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableZone, &zoneEntry{nvp.TransportZone{UUID: id, DisplayName: name}}); err != nil {
		panic(err)
	}
	txn.Commit()
}

// Switches returns every switch, with port counts expanded.
func (c *Controller) Switches() []nvp.LSwitch {
	txn := c.db.Txn(false)
	out := []nvp.LSwitch{}
	for _, obj := range all(txn, tableSwitch, nil) {
		out = append(out, switchView(txn, obj.(*switchEntry), true))
	}
	return out
}

// Ports returns the ports of one switch, or of every switch for "*".
func (c *Controller) Ports(switchUUID string) []nvp.LPort {
	txn := c.db.Txn(false)
	var objs []interface{}
	if switchUUID == "*" {
		objs = all(txn, tablePort, nil)
	} else {
		objs = byIndex(txn, tablePort, indexSwitch, switchUUID)
	}
	out := []nvp.LPort{}
	for _, obj := range objs {
		out = append(out, obj.(*portEntry).LPort)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// tagFilter reads the tag/tag_scope pairs of a query.
func tagFilter(r *http.Request) []nvp.Tag {
	q := r.URL.Query()
	tags, scopes := q["tag"], q["tag_scope"]
	out := make([]nvp.Tag, 0, len(tags))
	for i := range tags {
		if i < len(scopes) {
			out = append(out, nvp.Tag{Scope: scopes[i], Tag: tags[i]})
		}
	}
	return out
}

func hasTags(have []nvp.Tag, want []nvp.Tag) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h.Scope == w.Scope && h.Tag == w.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// all lists a table, narrowed through the tag index when tags are given.
func all(txn *memdb.Txn, table string, tags []nvp.Tag) []interface{} {
	var (
		it  memdb.ResultIterator
		err error
	)
	if len(tags) > 0 {
		it, err = txn.Get(table, indexTag, tags[0].Scope, tags[0].Tag)
	} else {
		it, err = txn.Get(table, indexID)
	}
	if err != nil {
		panic(err)
	}
	var out []interface{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		_, have := entryMeta(obj)
		if hasTags(have, tags) {
			out = append(out, obj)
		}
	}
	return out
}

func byIndex(txn *memdb.Txn, table, index, val string) []interface{} {
	it, err := txn.Get(table, index, val)
	if err != nil {
		panic(err)
	}
	var out []interface{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj)
	}
	return out
}

func first(txn *memdb.Txn, table, id string) interface{} {
	obj, err := txn.First(table, indexID, id)
	if err != nil {
		panic(err)
	}
	return obj
}

func newUUID() string { return uuid.NewString() }
