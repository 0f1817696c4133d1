package nvp

// Tag scopes used for secondary lookups on the controller.
const (
	ScopeTenant  = "os_tid"
	ScopeNetwork = "quark_net_id"
	ScopePort    = "quark_port_id"
	ScopeGroup   = "quark_group_id"
)

// Relations that can be expanded on query results.
const (
	RelationSwitchStatus = "LogicalSwitchStatus"
	RelationSwitchConfig = "LogicalSwitchConfig"
)

type Tag struct {
	Tag   string `json:"tag"`
	Scope string `json:"scope"`
}

// QueryResult is the controller's list envelope.
type QueryResult[T any] struct {
	ResultCount int `json:"result_count"`
	Results     []T `json:"results"`
}

type VlanTranslation struct {
	Transport int `json:"transport"`
}

type BindingConfig struct {
	VlanTranslation []VlanTranslation `json:"vlan_translation"`
}

// TransportZoneBinding attaches a switch to a physical transport.
type TransportZoneBinding struct {
	ZoneUUID      string         `json:"zone_uuid"`
	TransportType string         `json:"transport_type"`
	BindingConfig *BindingConfig `json:"binding_config,omitempty"`
}

// SegmentID returns the VLAN id of the binding, if any.
func (b TransportZoneBinding) SegmentID() *int {
	if b.BindingConfig == nil || len(b.BindingConfig.VlanTranslation) == 0 {
		return nil
	}
	id := b.BindingConfig.VlanTranslation[0].Transport
	return &id
}

type LSwitchStatus struct {
	LportCount int `json:"lport_count"`
}

type LSwitchRelations struct {
	LogicalSwitchStatus *LSwitchStatus `json:"LogicalSwitchStatus,omitempty"`
}

type LSwitch struct {
	UUID           string                 `json:"uuid,omitempty"`
	DisplayName    string                 `json:"display_name,omitempty"`
	Tags           []Tag                  `json:"tags,omitempty"`
	TransportZones []TransportZoneBinding `json:"transport_zones,omitempty"`
	Relations      *LSwitchRelations      `json:"_relations,omitempty"`
}

// PortCount reads the expanded LogicalSwitchStatus relation.
func (s LSwitch) PortCount() (int, bool) {
	if s.Relations == nil || s.Relations.LogicalSwitchStatus == nil {
		return 0, false
	}
	return s.Relations.LogicalSwitchStatus.LportCount, true
}

type AddressPair struct {
	MACAddress string `json:"mac_address"`
	IPAddress  string `json:"ip_address"`
}

type LPortRelations struct {
	LogicalSwitchConfig *LSwitch `json:"LogicalSwitchConfig,omitempty"`
}

type LPort struct {
	UUID                string          `json:"uuid,omitempty"`
	DisplayName         string          `json:"display_name,omitempty"`
	AdminStatusEnabled  bool            `json:"admin_status_enabled"`
	Tags                []Tag           `json:"tags,omitempty"`
	SecurityProfiles    []string        `json:"security_profiles"`
	AllowedAddressPairs []AddressPair   `json:"allowed_address_pairs,omitempty"`
	Relations           *LPortRelations `json:"_relations,omitempty"`
}

// SecurityRule is one entry of a profile's ingress or egress list.
type SecurityRule struct {
	Ethertype    string `json:"ethertype"`
	Protocol     int    `json:"protocol,omitempty"`
	PortRangeMin *int   `json:"port_range_min,omitempty"`
	PortRangeMax *int   `json:"port_range_max,omitempty"`
	IPPrefix     string `json:"ip_prefix,omitempty"`
	ProfileUUID  string `json:"profile_uuid,omitempty"`
}

type SecurityProfile struct {
	UUID         string         `json:"uuid,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	Tags         []Tag          `json:"tags,omitempty"`
	IngressRules []SecurityRule `json:"logical_port_ingress_rules"`
	EgressRules  []SecurityRule `json:"logical_port_egress_rules"`
}

// RuleCount is ingress plus egress.
func (p SecurityProfile) RuleCount() int {
	return len(p.IngressRules) + len(p.EgressRules)
}

type TransportZone struct {
	UUID        string `json:"uuid,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Tags        []Tag  `json:"tags,omitempty"`
}

// TagValue returns the tag stored under scope.
func TagValue(tags []Tag, scope string) string {
	for _, t := range tags {
		if t.Scope == scope {
			return t.Tag
		}
	}
	return ""
}
