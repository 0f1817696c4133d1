package plugin

import (
	"context"
	"errors"

	"quark/internal/driver"
	"quark/internal/errdefs"
	"quark/internal/models"
	"quark/internal/nvp"
	"quark/internal/quota"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"inet.af/netaddr"
)

type RuleRequest struct {
	GroupID        string `json:"security_group_id"`
	Direction      string `json:"direction"`
	Ethertype      string `json:"ethertype"`
	Protocol       int    `json:"protocol"`
	PortRangeMin   *int   `json:"port_range_min"`
	PortRangeMax   *int   `json:"port_range_max"`
	RemoteIPPrefix string `json:"remote_ip_prefix"`
	RemoteGroupID  string `json:"remote_group_id"`
}

type GroupRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Rules       []RuleRequest `json:"security_group_rules"`
}

type GroupUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// defaultGroupName is reserved for the group WithDefaultSecurityGroup
// creates.
const defaultGroupName = "default"

// defaultGroupID is stable per tenant, so the default group is found by id.
func defaultGroupID(tenantID string) string {
	return uuid.NewSHA1(uuid.Nil, []byte(tenantID)).String()
}

// defaultGroupRequest admits ICMP, TCP and UDP ingress over both families.
func defaultGroupRequest() GroupRequest {
	req := GroupRequest{Name: defaultGroupName}
	for _, ethertype := range []string{"IPv4", "IPv6"} {
		for _, proto := range []int{1, 6, 17} {
			req.Rules = append(req.Rules, RuleRequest{Direction: driver.DirectionIngress, Ethertype: ethertype, Protocol: proto})
		}
	}
	return req
}

// CreateSecurityGroup records a group with its initial rules and creates the
// matching remote profile.
func (p *Plugin) CreateSecurityGroup(ctx context.Context, tenantID string, req GroupRequest) (*models.SecurityGroup, error) {
	if req.Name == defaultGroupName {
		return nil, errdefs.InvalidInput("security group name %q is reserved", defaultGroupName)
	}
	g, spec, err := newGroup(tenantID, uuid.NewString(), req)
	if err != nil {
		return nil, err
	}
	err = p.run(ctx, "create_security_group", func(ctx context.Context, tx *gorm.DB) error {
		return p.createGroup(ctx, tx, g, spec)
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"group": g.ID, "tenant": tenantID, "rules": len(g.Rules)}).Info("security group created")
	return g, nil
}

// ensureDefaultGroup creates the tenant's default group unless it exists.
// True means this call created it.
func (p *Plugin) ensureDefaultGroup(ctx context.Context, tx *gorm.DB, tenantID string) (bool, error) {
	id := defaultGroupID(tenantID)
	var n int64
	if err := tx.Model(&models.SecurityGroup{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	g, spec, err := newGroup(tenantID, id, defaultGroupRequest())
	if err != nil {
		return false, err
	}
	if err := p.createGroup(ctx, tx, g, spec); err != nil {
		return false, err
	}
	p.log.WithFields(logrus.Fields{"group": id, "tenant": tenantID}).Info("default security group created")
	return true, nil
}

// dropDefaultGroup removes the remote profile of a default group whose rows
// are being rolled back.
func (p *Plugin) dropDefaultGroup(ctx context.Context, tx *gorm.DB, tenantID string) {
	id := defaultGroupID(tenantID)
	if err := p.drv.DeleteSecurityGroup(ctx, tx, tenantID, id); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"group": id, "tenant": tenantID, "inconsistency": true}).
			Error("default security profile left on the controller")
	}
}

func newGroup(tenantID, id string, req GroupRequest) (*models.SecurityGroup, driver.GroupSpec, error) {
	g := &models.SecurityGroup{
		ID:          id,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
	}
	spec := driver.GroupSpec{TenantID: tenantID, GroupID: id, Name: req.Name}
	for _, r := range req.Rules {
		rule, err := newRule(tenantID, id, r)
		if err != nil {
			return nil, spec, err
		}
		g.Rules = append(g.Rules, rule)
		rs := ruleSpec(rule)
		if rs.Direction == driver.DirectionIngress {
			spec.Ingress = append(spec.Ingress, rs.Rule)
		} else {
			spec.Egress = append(spec.Egress, rs.Rule)
		}
	}
	return g, spec, nil
}

func (p *Plugin) createGroup(ctx context.Context, tx *gorm.DB, g *models.SecurityGroup, spec driver.GroupSpec) error {
	checked, err := p.quota.PreflightGroup(len(spec.Ingress), len(spec.Egress))
	if err != nil {
		return err
	}
	if err := tx.Create(g).Error; err != nil {
		return err
	}
	_, err = p.drv.CreateSecurityGroup(ctx, tx, spec, checked)
	return err
}

func (p *Plugin) GetSecurityGroup(ctx context.Context, tenantID, id string) (*models.SecurityGroup, error) {
	return securityGroup(p.db.WithContext(ctx).Preload("Rules"), tenantID, id)
}

func (p *Plugin) ListSecurityGroups(ctx context.Context, tenantID string) ([]models.SecurityGroup, error) {
	var out []models.SecurityGroup
	err := p.db.WithContext(ctx).Preload("Rules").Where("tenant_id = ?", tenantID).
		Order("created_at").Find(&out).Error
	return out, err
}

// UpdateSecurityGroup renames a group. Rules change through the rule calls.
func (p *Plugin) UpdateSecurityGroup(ctx context.Context, tenantID, id string, req GroupUpdateRequest) (*models.SecurityGroup, error) {
	var g *models.SecurityGroup
	err := p.run(ctx, "update_security_group", func(ctx context.Context, tx *gorm.DB) error {
		var err error
		if g, err = securityGroup(tx.Preload("Rules"), tenantID, id); err != nil {
			return err
		}
		if req.Name != nil && *req.Name != g.Name {
			if *req.Name == defaultGroupName || g.ID == defaultGroupID(tenantID) {
				return errdefs.InvalidInput("security group name %q is reserved", defaultGroupName)
			}
			g.Name = *req.Name
		}
		if req.Description != nil {
			g.Description = *req.Description
		}
		err = tx.Model(g).Updates(map[string]interface{}{"name": g.Name, "description": g.Description}).Error
		if err != nil {
			return err
		}
		if req.Name == nil {
			return nil
		}
		return p.drv.UpdateSecurityGroup(ctx, tx, driver.GroupUpdate{TenantID: tenantID, GroupID: id, Name: g.Name}, quota.Checked{})
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteSecurityGroup fails while any port carries the group. The default
// group is never deleted.
func (p *Plugin) DeleteSecurityGroup(ctx context.Context, tenantID, id string) error {
	return p.run(ctx, "delete_security_group", func(ctx context.Context, tx *gorm.DB) error {
		g, err := securityGroup(tx, tenantID, id)
		if err != nil {
			return err
		}
		if g.ID == defaultGroupID(tenantID) {
			return errdefs.InvalidInput("the default security group cannot be deleted")
		}
		ports := tx.Model(g).Association("Ports").Count()
		if ports > 0 {
			return errdefs.InUse("security group %s is attached to %d ports", id, ports)
		}
		if err := tx.Where("group_id = ?", id).Delete(&models.SecurityGroupRule{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(g).Error; err != nil {
			return err
		}
		return p.drv.DeleteSecurityGroup(ctx, tx, tenantID, id)
	})
}

// CreateSecurityGroupRule adds one rule after checking both the per-group
// and the per-port limits.
func (p *Plugin) CreateSecurityGroupRule(ctx context.Context, tenantID string, req RuleRequest) (*models.SecurityGroupRule, error) {
	rule, err := newRule(tenantID, req.GroupID, req)
	if err != nil {
		return nil, err
	}
	err = p.run(ctx, "create_security_group_rule", func(ctx context.Context, tx *gorm.DB) error {
		if _, err := securityGroup(tx, tenantID, req.GroupID); err != nil {
			return err
		}
		ingress, egress, err := ruleCounts(tx, req.GroupID)
		if err != nil {
			return err
		}
		if rule.Direction == driver.DirectionIngress {
			ingress++
		} else {
			egress++
		}
		checked, err := p.quota.PreflightRule(ctx, p.drv.Rules(tx, tenantID), req.GroupID, ingress, egress, 1)
		if err != nil {
			return err
		}
		if err := p.drv.CreateSecurityGroupRule(ctx, tx, tenantID, req.GroupID, ruleSpec(rule), checked); err != nil {
			return err
		}
		return tx.Create(&rule).Error
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (p *Plugin) GetSecurityGroupRule(ctx context.Context, tenantID, id string) (*models.SecurityGroupRule, error) {
	return securityGroupRule(p.db.WithContext(ctx), tenantID, id)
}

func (p *Plugin) DeleteSecurityGroupRule(ctx context.Context, tenantID, id string) error {
	return p.run(ctx, "delete_security_group_rule", func(ctx context.Context, tx *gorm.DB) error {
		rule, err := securityGroupRule(tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(rule).Error; err != nil {
			return err
		}
		return p.drv.DeleteSecurityGroupRule(ctx, tx, tenantID, rule.GroupID, ruleSpec(*rule))
	})
}

func securityGroup(tx *gorm.DB, tenantID, id string) (*models.SecurityGroup, error) {
	var g models.SecurityGroup
	err := tx.Where("id = ? AND tenant_id = ?", id, tenantID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("security group %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func securityGroupRule(tx *gorm.DB, tenantID, id string) (*models.SecurityGroupRule, error) {
	var r models.SecurityGroupRule
	err := tx.Where("id = ? AND tenant_id = ?", id, tenantID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("security group rule %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func ruleCounts(tx *gorm.DB, groupID string) (ingress, egress int, err error) {
	var rows []struct {
		Direction string
		N         int
	}
	err = tx.Model(&models.SecurityGroupRule{}).Select("direction, COUNT(*) AS n").
		Where("group_id = ?", groupID).Group("direction").Scan(&rows).Error
	for _, r := range rows {
		if r.Direction == driver.DirectionIngress {
			ingress = r.N
		} else {
			egress = r.N
		}
	}
	return ingress, egress, err
}

func newRule(tenantID, groupID string, r RuleRequest) (models.SecurityGroupRule, error) {
	rule := models.SecurityGroupRule{
		ID:             uuid.NewString(),
		GroupID:        groupID,
		TenantID:       tenantID,
		Direction:      r.Direction,
		Ethertype:      r.Ethertype,
		Protocol:       r.Protocol,
		PortRangeMin:   r.PortRangeMin,
		PortRangeMax:   r.PortRangeMax,
		RemoteIPPrefix: r.RemoteIPPrefix,
		RemoteGroupID:  r.RemoteGroupID,
	}
	if rule.Direction != driver.DirectionIngress && rule.Direction != driver.DirectionEgress {
		return rule, errdefs.InvalidInput("direction %q is not ingress or egress", r.Direction)
	}
	switch rule.Ethertype {
	case "":
		rule.Ethertype = "IPv4"
	case "IPv4", "IPv6":
	default:
		return rule, errdefs.InvalidInput("ethertype %q is not IPv4 or IPv6", r.Ethertype)
	}
	if rule.Protocol < 0 || rule.Protocol > 255 {
		return rule, errdefs.InvalidInput("protocol %d out of range", r.Protocol)
	}
	if rule.PortRangeMax != nil && rule.PortRangeMin == nil {
		return rule, errdefs.InvalidInput("port_range_max requires port_range_min")
	}
	for _, v := range []*int{rule.PortRangeMin, rule.PortRangeMax} {
		if v != nil && (*v < 0 || *v > 65535) {
			return rule, errdefs.InvalidInput("port %d out of range", *v)
		}
	}
	if rule.PortRangeMin != nil && rule.PortRangeMax != nil && *rule.PortRangeMin > *rule.PortRangeMax {
		return rule, errdefs.InvalidInput("port_range_min %d exceeds port_range_max %d", *rule.PortRangeMin, *rule.PortRangeMax)
	}
	if rule.RemoteIPPrefix != "" && rule.RemoteGroupID != "" {
		return rule, errdefs.InvalidInput("remote_ip_prefix and remote_group_id are exclusive")
	}
	if rule.RemoteIPPrefix != "" {
		prefix, err := netaddr.ParseIPPrefix(rule.RemoteIPPrefix)
		if err != nil {
			return rule, errdefs.InvalidInput("invalid remote_ip_prefix %q", r.RemoteIPPrefix)
		}
		if prefix.IP().Is4() != (rule.Ethertype == "IPv4") {
			return rule, errdefs.InvalidInput("remote_ip_prefix %s does not match ethertype %s", prefix, rule.Ethertype)
		}
		rule.RemoteIPPrefix = prefix.Masked().String()
	}
	return rule, nil
}

func ruleSpec(r models.SecurityGroupRule) driver.RuleSpec {
	return driver.RuleSpec{
		Direction: r.Direction,
		Rule: nvp.SecurityRule{
			Ethertype:    r.Ethertype,
			Protocol:     r.Protocol,
			PortRangeMin: r.PortRangeMin,
			PortRangeMax: r.PortRangeMax,
			IPPrefix:     r.RemoteIPPrefix,
			ProfileUUID:  r.RemoteGroupID,
		},
	}
}
