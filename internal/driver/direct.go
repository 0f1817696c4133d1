package driver

import (
	"context"
	"reflect"

	"quark/internal/errdefs"
	"quark/internal/logs"
	"quark/internal/metrics"
	"quark/internal/nvp"
	"quark/internal/quota"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DirectPlacement asks the controller for every placement decision.
type DirectPlacement struct {
	client      *nvp.Client
	quota       *quota.Enforcer
	defaultZone string
	log         *logrus.Entry
}

type Option func(*DirectPlacement)

// WithDefaultZone binds switches of networks without provider parameters to
// zone over stt.
func WithDefaultZone(zone string) Option {
	return func(d *DirectPlacement) { d.defaultZone = zone }
}

func NewDirect(client *nvp.Client, enf *quota.Enforcer, opts ...Option) *DirectPlacement {
	d := &DirectPlacement{client: client, quota: enf, log: logs.For("driver.direct")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DirectPlacement) maxPorts() int { return d.quota.Limits().PortsPerSwitch }

func (d *DirectPlacement) switchesForNetwork(ctx context.Context, tenantID, networkID string, status bool) ([]nvp.LSwitch, error) {
	q := d.client.LSwitch().Query().
		Tag(nvp.ScopeTenant, tenantID).
		Tag(nvp.ScopeNetwork, networkID)
	if status {
		q.Relations(nvp.RelationSwitchStatus)
	}
	res, err := q.Results(ctx)
	if err != nil {
		return nil, err
	}
	return res.Results, nil
}

func switchRef(sw nvp.LSwitch, networkID string) SwitchRef {
	ref := SwitchRef{RemoteID: sw.UUID, NetworkID: networkID, Name: sw.DisplayName}
	if len(sw.TransportZones) > 0 {
		b := sw.TransportZones[0]
		ref.Binding = &b
	}
	return ref
}

// createSwitch creates a remote switch tagged with the tenant and network.
func (d *DirectPlacement) createSwitch(ctx context.Context, spec NetworkSpec) (SwitchRef, error) {
	binding, err := d.bindProvider(ctx, spec.Provider)
	if err != nil {
		return SwitchRef{}, err
	}
	if binding == nil && d.defaultZone != "" {
		binding = &nvp.TransportZoneBinding{ZoneUUID: d.defaultZone, TransportType: "stt"}
	}
	name := spec.Name
	if name == "" {
		name = spec.NetworkID
	}
	sw := &nvp.LSwitch{
		DisplayName: name,
		Tags: []nvp.Tag{
			{Scope: nvp.ScopeTenant, Tag: spec.TenantID},
			{Scope: nvp.ScopeNetwork, Tag: spec.NetworkID},
		},
	}
	if binding != nil {
		sw.TransportZones = []nvp.TransportZoneBinding{*binding}
	}
	created, err := d.client.LSwitch().Create(ctx, sw)
	if err != nil {
		return SwitchRef{}, err
	}
	metrics.SwitchesCreated.Inc()
	d.log.WithFields(logrus.Fields{"network": spec.NetworkID, "lswitch": created.UUID}).Info("created lswitch")
	return switchRef(*created, spec.NetworkID), nil
}

func (d *DirectPlacement) deleteSwitch(ctx context.Context, remoteID string) error {
	if err := d.client.LSwitch().Delete(ctx, remoteID); err != nil {
		return err
	}
	metrics.SwitchesDeleted.Inc()
	d.log.WithField("lswitch", remoteID).Info("deleted lswitch")
	return nil
}

func (d *DirectPlacement) CreateNetwork(ctx context.Context, _ *gorm.DB, spec NetworkSpec) (SwitchRef, error) {
	return d.createSwitch(ctx, spec)
}

func (d *DirectPlacement) DeleteNetwork(ctx context.Context, _ *gorm.DB, tenantID, networkID string) error {
	switches, err := d.switchesForNetwork(ctx, tenantID, networkID, false)
	if err != nil {
		return err
	}
	for _, sw := range switches {
		if err := d.deleteSwitch(ctx, sw.UUID); err != nil {
			return err
		}
	}
	return nil
}

// FindOrCreateSwitch picks the first switch of the network with room for a
// port. It does not look for the fullest switch. With no room anywhere a new
// switch is created, bound like the existing ones.
func (d *DirectPlacement) FindOrCreateSwitch(ctx context.Context, _ *gorm.DB, tenantID, networkID string) (SwitchRef, error) {
	switches, err := d.switchesForNetwork(ctx, tenantID, networkID, true)
	if err != nil {
		return SwitchRef{}, err
	}
	limit := d.maxPorts()
	for _, sw := range switches {
		n, _ := sw.PortCount()
		if limit <= 0 || n < limit {
			return switchRef(sw, networkID), nil
		}
	}
	if len(switches) == 0 {
		return SwitchRef{}, errdefs.BadNVPState(networkID)
	}
	model := switchRef(switches[0], networkID)
	return d.createSwitch(ctx, NetworkSpec{
		TenantID:  tenantID,
		NetworkID: networkID,
		Name:      model.Name,
		Provider:  providerOf(model.Binding),
	})
}

func (d *DirectPlacement) AddPort(ctx context.Context, _ *gorm.DB, ref SwitchRef, port PortSpec) (*nvp.LPort, error) {
	profiles := port.profiles
	if profiles == nil {
		profiles = []string{}
	}
	lp := &nvp.LPort{
		DisplayName:         port.PortID,
		AdminStatusEnabled:  port.AdminUp,
		SecurityProfiles:    profiles,
		AllowedAddressPairs: port.AllowedPairs,
		Tags: []nvp.Tag{
			{Scope: nvp.ScopeNetwork, Tag: port.NetworkID},
			{Scope: nvp.ScopePort, Tag: port.PortID},
			{Scope: nvp.ScopeTenant, Tag: port.TenantID},
		},
	}
	d.log.WithFields(logrus.Fields{"lswitch": ref.RemoteID, "port": port.PortID}).Debug("creating lport")
	return d.client.LPort(ref.RemoteID).Create(ctx, lp)
}

// ReleasePort deletes the remote port and, when it was the last one, the
// switch. Once the port is gone the release counts as done: a switch that
// cannot be looked up or deleted afterwards is logged and left empty.
func (d *DirectPlacement) ReleasePort(ctx context.Context, _ *gorm.DB, ref SwitchRef, remotePortID string) error {
	log := d.log.WithFields(logrus.Fields{"lswitch": ref.RemoteID, "lport": remotePortID})
	err := d.client.LPort(ref.RemoteID).Delete(ctx, remotePortID)
	gone := errdefs.IsNotFound(err)
	if err != nil && !gone {
		return err
	}
	if gone {
		log.Warn("lport already deleted on the controller")
	}
	res, err := d.client.LSwitch().Query().UUID(ref.RemoteID).Relations(nvp.RelationSwitchStatus).Results(ctx)
	if err == nil {
		var sw *nvp.LSwitch
		if sw, err = nvp.Single(res, "lswitch "+ref.RemoteID); err == nil {
			if n, ok := sw.PortCount(); !ok || n > 0 {
				return nil
			}
			err = d.deleteSwitch(ctx, ref.RemoteID)
		}
	}
	switch {
	case err == nil:
		return nil
	case gone && errdefs.IsNotFound(err):
		return err
	default:
		log.WithError(err).WithField("inconsistency", true).Error("lport deleted but its switch was not cleaned up")
		return nil
	}
}

// portGroups enforces the per-port rule limit for groups and resolves them
// into remote profile uuids.
func (d *DirectPlacement) portGroups(ctx context.Context, checked quota.Checked, src quota.RuleSource, resolve func(string) (string, error), groups []string) ([]string, error) {
	if err := d.quota.CheckPortGroups(ctx, checked, src, groups); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		id, err := resolve(g)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (d *DirectPlacement) profileResolver(ctx context.Context, tenantID string) func(string) (string, error) {
	return func(groupID string) (string, error) {
		p, err := d.securityGroup(ctx, tenantID, groupID)
		if err != nil {
			return "", err
		}
		return p.UUID, nil
	}
}

func (d *DirectPlacement) CreatePort(ctx context.Context, tx *gorm.DB, spec PortSpec, checked quota.Checked) (*PortResult, error) {
	profiles, err := d.portGroups(ctx, checked, d.Rules(tx, spec.TenantID), d.profileResolver(ctx, spec.TenantID), spec.SecurityGroups)
	if err != nil {
		return nil, err
	}
	spec.profiles = profiles

	ref, err := d.FindOrCreateSwitch(ctx, tx, spec.TenantID, spec.NetworkID)
	if err != nil {
		return nil, err
	}
	port, err := d.AddPort(ctx, tx, ref, spec)
	if err != nil {
		return nil, err
	}
	return &PortResult{Port: port, Switch: ref}, nil
}

// switchOfPort finds the switch a remote port lives on.
func (d *DirectPlacement) switchOfPort(ctx context.Context, remotePortID string) (string, error) {
	res, err := d.client.LPort("*").Query().
		UUID(remotePortID).
		Relations(nvp.RelationSwitchConfig).
		Results(ctx)
	if err != nil {
		return "", err
	}
	port, err := nvp.Single(res, "lswitch for port "+remotePortID)
	if err != nil {
		return "", err
	}
	if port.Relations == nil || port.Relations.LogicalSwitchConfig == nil {
		return "", errdefs.Ambiguous("port %s carries no switch relation", remotePortID)
	}
	return port.Relations.LogicalSwitchConfig.UUID, nil
}

// updatePortOn rewrites a port on a known switch. Profiles are already
// resolved; nil keeps the current list.
func (d *DirectPlacement) updatePortOn(ctx context.Context, switchID string, upd PortUpdate, profiles []string) (*nvp.LPort, error) {
	lports := d.client.LPort(switchID)
	cur, err := lports.Read(ctx, upd.RemoteID)
	if err != nil {
		return nil, err
	}
	if len(profiles) > 0 {
		cur.SecurityProfiles = profiles
	}
	if upd.AllowedPairs != nil {
		cur.AllowedAddressPairs = upd.AllowedPairs
	}
	cur.AdminStatusEnabled = upd.AdminUp
	cur.Relations = nil
	return lports.Update(ctx, upd.RemoteID, cur)
}

func (d *DirectPlacement) UpdatePort(ctx context.Context, tx *gorm.DB, upd PortUpdate, checked quota.Checked) (*nvp.LPort, error) {
	switchID, err := d.switchOfPort(ctx, upd.RemoteID)
	if err != nil {
		return nil, err
	}
	profiles, err := d.portGroups(ctx, checked, d.Rules(tx, upd.TenantID), d.profileResolver(ctx, upd.TenantID), upd.SecurityGroups)
	if err != nil {
		return nil, err
	}
	return d.updatePortOn(ctx, switchID, upd, profiles)
}

func (d *DirectPlacement) DeletePort(ctx context.Context, tx *gorm.DB, _ string, remotePortID string) error {
	switchID, err := d.switchOfPort(ctx, remotePortID)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"lswitch": switchID, "lport": remotePortID}).Debug("deleting lport")
	return d.ReleasePort(ctx, tx, SwitchRef{RemoteID: switchID}, remotePortID)
}

// security groups

func (d *DirectPlacement) securityGroup(ctx context.Context, tenantID, groupID string) (*nvp.SecurityProfile, error) {
	res, err := d.client.SecurityProfile().Query().
		Tag(nvp.ScopeTenant, tenantID).
		Tag(nvp.ScopeGroup, groupID).
		Results(ctx)
	if err != nil {
		return nil, err
	}
	return nvp.Single(res, "security group "+groupID)
}

func (d *DirectPlacement) createProfile(ctx context.Context, spec GroupSpec, checked quota.Checked) (string, error) {
	if err := d.quota.CheckGroup(checked, len(spec.Ingress), len(spec.Egress)); err != nil {
		return "", err
	}
	p := &nvp.SecurityProfile{
		DisplayName:  spec.Name,
		IngressRules: nonNil(spec.Ingress),
		EgressRules:  nonNil(spec.Egress),
		Tags: []nvp.Tag{
			{Scope: nvp.ScopeGroup, Tag: spec.GroupID},
			{Scope: nvp.ScopeTenant, Tag: spec.TenantID},
		},
	}
	d.log.WithField("group", spec.GroupID).Debug("creating security profile")
	created, err := d.client.SecurityProfile().Create(ctx, p)
	if err != nil {
		return "", err
	}
	return created.UUID, nil
}

func (d *DirectPlacement) CreateSecurityGroup(ctx context.Context, _ *gorm.DB, spec GroupSpec, checked quota.Checked) (string, error) {
	return d.createProfile(ctx, spec, checked)
}

// updateProfile applies upd to the remote profile remoteID. check sees the
// resulting rule counts when upd replaces rules; nil skips it.
func (d *DirectPlacement) updateProfile(ctx context.Context, remoteID string, upd GroupUpdate, check func(ingress, egress int) error) error {
	profiles := d.client.SecurityProfile()
	cur, err := profiles.Read(ctx, remoteID)
	if err != nil {
		return err
	}
	if upd.Ingress != nil {
		cur.IngressRules = upd.Ingress
	}
	if upd.Egress != nil {
		cur.EgressRules = upd.Egress
	}
	if check != nil && (upd.Ingress != nil || upd.Egress != nil) {
		if err := check(len(cur.IngressRules), len(cur.EgressRules)); err != nil {
			return err
		}
	}
	if upd.Name != "" {
		cur.DisplayName = upd.Name
	}
	cur.IngressRules = nonNil(cur.IngressRules)
	cur.EgressRules = nonNil(cur.EgressRules)
	_, err = profiles.Update(ctx, remoteID, cur)
	return err
}

func (d *DirectPlacement) UpdateSecurityGroup(ctx context.Context, _ *gorm.DB, upd GroupUpdate, checked quota.Checked) error {
	p, err := d.securityGroup(ctx, upd.TenantID, upd.GroupID)
	if err != nil {
		return err
	}
	return d.updateProfile(ctx, p.UUID, upd, d.groupCheck(checked))
}

func (d *DirectPlacement) groupCheck(checked quota.Checked) func(int, int) error {
	return func(ingress, egress int) error {
		return d.quota.CheckGroup(checked, ingress, egress)
	}
}

func (d *DirectPlacement) DeleteSecurityGroup(ctx context.Context, _ *gorm.DB, tenantID, groupID string) error {
	p, err := d.securityGroup(ctx, tenantID, groupID)
	if err != nil {
		return err
	}
	d.log.WithField("group", groupID).Debug("deleting security profile")
	return d.client.SecurityProfile().Delete(ctx, p.UUID)
}

// changeRule adds or removes one rule on the profile remoteID.
// A nil portCheck marks a removal.
func (d *DirectPlacement) changeRule(ctx context.Context, remoteID, groupID string, rule RuleSpec, portCheck func() error, checked quota.Checked) error {
	add := portCheck != nil
	if rule.Direction != DirectionIngress && rule.Direction != DirectionEgress {
		return errdefs.InvalidInput("direction %q is not ingress or egress", rule.Direction)
	}
	cur, err := d.client.SecurityProfile().Read(ctx, remoteID)
	if err != nil {
		return err
	}
	list := cur.IngressRules
	if rule.Direction == DirectionEgress {
		list = cur.EgressRules
	}
	idx := indexOfRule(list, rule.Rule)

	if add {
		if idx >= 0 {
			return errdefs.Conflict("security group %s already has this rule", groupID)
		}
		if err := portCheck(); err != nil {
			return err
		}
		list = append(list, rule.Rule)
	} else {
		if idx < 0 {
			return errdefs.NotFound("security group rule with group_id %s not found", groupID)
		}
		list = append(list[:idx:idx], list[idx+1:]...)
	}

	upd := GroupUpdate{GroupID: groupID}
	if rule.Direction == DirectionIngress {
		upd.Ingress = nonNil(list)
	} else {
		upd.Egress = nonNil(list)
	}
	d.log.WithFields(logrus.Fields{"group": groupID, "add": add}).Debug("changing security profile rules")
	if !add {
		return d.updateProfile(ctx, remoteID, upd, nil)
	}
	return d.updateProfile(ctx, remoteID, upd, d.groupCheck(checked))
}

func (d *DirectPlacement) CreateSecurityGroupRule(ctx context.Context, tx *gorm.DB, tenantID, groupID string, rule RuleSpec, checked quota.Checked) error {
	p, err := d.securityGroup(ctx, tenantID, groupID)
	if err != nil {
		return err
	}
	portCheck := func() error {
		return d.quota.CheckPortQuota(ctx, checked, d.Rules(tx, tenantID), groupID, 1)
	}
	return d.changeRule(ctx, p.UUID, groupID, rule, portCheck, checked)
}

func (d *DirectPlacement) DeleteSecurityGroupRule(ctx context.Context, _ *gorm.DB, tenantID, groupID string, rule RuleSpec) error {
	p, err := d.securityGroup(ctx, tenantID, groupID)
	if err != nil {
		return err
	}
	return d.changeRule(ctx, p.UUID, groupID, rule, nil, quota.Checked{})
}

// Rules counts rules on the controller.
func (d *DirectPlacement) Rules(_ *gorm.DB, tenantID string) quota.RuleSource {
	return &remoteRules{d: d, tenantID: tenantID}
}

type remoteRules struct {
	d        *DirectPlacement
	tenantID string
}

func (r *remoteRules) RuleCounts(ctx context.Context, groupIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(groupIDs))
	for _, g := range groupIDs {
		p, err := r.d.securityGroup(ctx, r.tenantID, g)
		if err != nil {
			return nil, err
		}
		out[g] = p.RuleCount()
	}
	return out, nil
}

func (r *remoteRules) GroupsSharingPorts(ctx context.Context, groupID string) ([]string, error) {
	p, err := r.d.securityGroup(ctx, r.tenantID, groupID)
	if err != nil {
		return nil, err
	}
	ports, err := r.d.client.LPort("*").Query().SecurityProfileUUID(p.UUID).Results(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, port := range ports.Results {
		for _, uuid := range port.SecurityProfiles {
			if seen[uuid] {
				continue
			}
			seen[uuid] = true
			prof, err := r.d.client.SecurityProfile().Read(ctx, uuid)
			if err != nil {
				return nil, err
			}
			if g := nvp.TagValue(prof.Tags, nvp.ScopeGroup); g != "" {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

func indexOfRule(list []nvp.SecurityRule, r nvp.SecurityRule) int {
	for i := range list {
		if reflect.DeepEqual(list[i], r) {
			return i
		}
	}
	return -1
}

func nonNil(rules []nvp.SecurityRule) []nvp.SecurityRule {
	if rules == nil {
		return []nvp.SecurityRule{}
	}
	return rules
}
