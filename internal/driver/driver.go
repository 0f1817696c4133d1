// Package driver places ports onto logical switches of the remote controller
// and keeps security profiles in step with security groups.
//
// Two implementations share one contract. DirectPlacement asks the controller
// for everything. CachedPlacement answers placement questions from a local
// mirror of switches, ports and profiles, and only talks to the controller to
// create or delete objects.
package driver

import (
	"context"
	"fmt"

	"quark/internal/nvp"
	"quark/internal/quota"

	"gorm.io/gorm"
)

const (
	KindDirect    = "direct"
	KindOptimized = "optimized"
)

// Provider is the optional physical binding of a network.
type Provider struct {
	PhysicalNetwork string
	NetworkType     string
	SegmentID       *int
}

func (p Provider) empty() bool { return p.PhysicalNetwork == "" && p.NetworkType == "" }

type NetworkSpec struct {
	TenantID  string
	NetworkID string
	Name      string
	Provider  Provider
}

// SwitchRef identifies a placement target. ID is the local mirror id and is
// empty for DirectPlacement.
type SwitchRef struct {
	ID        string
	RemoteID  string
	NetworkID string
	Name      string
	// Binding is the transport zone attachment the switch was created with.
	Binding *nvp.TransportZoneBinding
}

type PortSpec struct {
	TenantID       string
	NetworkID      string
	PortID         string
	AdminUp        bool
	SecurityGroups []string
	AllowedPairs   []nvp.AddressPair

	// profiles are the resolved remote profile uuids of SecurityGroups.
	profiles []string
}

type PortResult struct {
	Port   *nvp.LPort
	Switch SwitchRef
}

// PortUpdate changes a remote port in place. An empty SecurityGroups keeps
// the current groups and nil AllowedPairs the current pairs.
type PortUpdate struct {
	TenantID       string
	RemoteID       string
	AdminUp        bool
	SecurityGroups []string
	AllowedPairs   []nvp.AddressPair
}

type GroupSpec struct {
	TenantID string
	GroupID  string
	Name     string
	Ingress  []nvp.SecurityRule
	Egress   []nvp.SecurityRule
}

// GroupUpdate replaces the parts of a profile that are set. A nil rule list
// keeps the current list.
type GroupUpdate struct {
	TenantID string
	GroupID  string
	Name     string
	Ingress  []nvp.SecurityRule
	Egress   []nvp.SecurityRule
}

const (
	DirectionIngress = "ingress"
	DirectionEgress  = "egress"
)

type RuleSpec struct {
	Direction string
	Rule      nvp.SecurityRule
}

// Placement finds room for ports on a network's switches. Every call runs
// inside the caller's transaction.
type Placement interface {
	FindOrCreateSwitch(ctx context.Context, tx *gorm.DB, tenantID, networkID string) (SwitchRef, error)
	AddPort(ctx context.Context, tx *gorm.DB, ref SwitchRef, port PortSpec) (*nvp.LPort, error)
	ReleasePort(ctx context.Context, tx *gorm.DB, ref SwitchRef, remotePortID string) error
}

// Driver is the controller surface the port workflow uses.
type Driver interface {
	Placement

	CreateNetwork(ctx context.Context, tx *gorm.DB, spec NetworkSpec) (SwitchRef, error)
	DeleteNetwork(ctx context.Context, tx *gorm.DB, tenantID, networkID string) error

	CreatePort(ctx context.Context, tx *gorm.DB, spec PortSpec, checked quota.Checked) (*PortResult, error)
	UpdatePort(ctx context.Context, tx *gorm.DB, upd PortUpdate, checked quota.Checked) (*nvp.LPort, error)
	DeletePort(ctx context.Context, tx *gorm.DB, tenantID, remotePortID string) error

	CreateSecurityGroup(ctx context.Context, tx *gorm.DB, spec GroupSpec, checked quota.Checked) (string, error)
	UpdateSecurityGroup(ctx context.Context, tx *gorm.DB, upd GroupUpdate, checked quota.Checked) error
	DeleteSecurityGroup(ctx context.Context, tx *gorm.DB, tenantID, groupID string) error
	CreateSecurityGroupRule(ctx context.Context, tx *gorm.DB, tenantID, groupID string, rule RuleSpec, checked quota.Checked) error
	DeleteSecurityGroupRule(ctx context.Context, tx *gorm.DB, tenantID, groupID string, rule RuleSpec) error

	// Rules counts rules the way this driver sees them, for quota preflight.
	Rules(tx *gorm.DB, tenantID string) quota.RuleSource
}

// New builds the driver named by kind.
func New(kind string, client *nvp.Client, enf *quota.Enforcer, opts ...Option) (Driver, error) {
	direct := NewDirect(client, enf, opts...)
	switch kind {
	case KindDirect:
		return direct, nil
	case KindOptimized:
		return NewCached(direct), nil
	}
	return nil, fmt.Errorf("unknown driver %q", kind)
}
