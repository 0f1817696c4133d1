package memctl

import (
	"fmt"

	"quark/internal/nvp"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	tableSwitch  = "lswitch"
	tablePort    = "lport"
	tableProfile = "security_profile"
	tableZone    = "transport_zone"

	indexID      = "id"
	indexTag     = "tag"
	indexSwitch  = "switch"
	indexProfile = "profile"
)

type switchEntry struct{ nvp.LSwitch }

type portEntry struct {
	nvp.LPort
	SwitchUUID string
}

type profileEntry struct{ nvp.SecurityProfile }

type zoneEntry struct{ nvp.TransportZone }

func tableSchema(name string, extra map[string]*memdb.IndexSchema) *memdb.TableSchema {
	indexes := map[string]*memdb.IndexSchema{
		indexID: {
			Name:    indexID,
			Unique:  true,
			Indexer: indexerByID{},
		},
		indexTag: {
			Name:         indexTag,
			AllowMissing: true,
			Indexer:      indexerByTag{},
		},
	}
	for k, v := range extra {
		indexes[k] = v
	}
	return &memdb.TableSchema{Name: name, Indexes: indexes}
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableSwitch: tableSchema(tableSwitch, nil),
		tablePort: tableSchema(tablePort, map[string]*memdb.IndexSchema{
			indexSwitch: {
				Name:    indexSwitch,
				Indexer: portIndexerBySwitch{},
			},
			indexProfile: {
				Name:         indexProfile,
				AllowMissing: true,
				Indexer:      portIndexerByProfile{},
			},
		}),
		tableProfile: tableSchema(tableProfile, nil),
		tableZone:    tableSchema(tableZone, nil),
	},
}

func fromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	arg, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string: %#v", args[0])
	}
	// Add the null character as a terminator
	return []byte(arg + "\x00"), nil
}

func tagKey(scope, tag string) string {
	return scope + "\x1f" + tag
}

func entryMeta(obj interface{}) (string, []nvp.Tag) {
	switch e := obj.(type) {
	case *switchEntry:
		return e.UUID, e.Tags
	case *portEntry:
		return e.UUID, e.Tags
	case *profileEntry:
		return e.UUID, e.Tags
	case *zoneEntry:
		return e.UUID, e.Tags
	}
	panic("unexpected type passed to FromObject")
}

type indexerByID struct{}

func (indexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (indexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	id, _ := entryMeta(obj)
	return true, []byte(id + "\x00"), nil
}

// indexerByTag indexes every scope/tag pair of an object.
type indexerByTag struct{}

func (indexerByTag) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("must provide scope and tag")
	}
	scope, ok1 := args[0].(string)
	tag, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("scope and tag must be strings: %#v", args)
	}
	return []byte(tagKey(scope, tag) + "\x00"), nil
}

func (indexerByTag) FromObject(obj interface{}) (bool, [][]byte, error) {
	_, tags := entryMeta(obj)
	if len(tags) == 0 {
		return false, nil, nil
	}
	vals := make([][]byte, 0, len(tags))
	for _, t := range tags {
		vals = append(vals, []byte(tagKey(t.Scope, t.Tag)+"\x00"))
	}
	return true, vals, nil
}

type portIndexerBySwitch struct{}

func (portIndexerBySwitch) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (portIndexerBySwitch) FromObject(obj interface{}) (bool, []byte, error) {
	p, ok := obj.(*portEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}
	return true, []byte(p.SwitchUUID + "\x00"), nil
}

type portIndexerByProfile struct{}

func (portIndexerByProfile) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (portIndexerByProfile) FromObject(obj interface{}) (bool, [][]byte, error) {
	p, ok := obj.(*portEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}
	if len(p.SecurityProfiles) == 0 {
		return false, nil, nil
	}
	vals := make([][]byte, 0, len(p.SecurityProfiles))
	for _, id := range p.SecurityProfiles {
		vals = append(vals, []byte(id+"\x00"))
	}
	return true, vals, nil
}
