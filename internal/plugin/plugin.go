// Package plugin is the tenant-facing workflow over the allocators and the
// controller driver. Each call runs in one database transaction; remote calls
// happen inside it, so a failed remote call rolls the local rows back.
package plugin

import (
	"context"
	"errors"
	"strings"
	"time"

	"quark/internal/driver"
	"quark/internal/errdefs"
	"quark/internal/ipam"
	"quark/internal/logs"
	"quark/internal/models"
	"quark/internal/quota"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"inet.af/netaddr"
)

type Plugin struct {
	db           *gorm.DB
	alloc        *ipam.Allocator
	drv          driver.Driver
	quota        *quota.Enforcer
	reuseAfter   time.Duration
	defaultGroup bool
	log          *logrus.Entry
}

type Option func(*Plugin)

// WithDefaultSecurityGroup gives every tenant a group named "default" along
// with its first network.
func WithDefaultSecurityGroup() Option {
	return func(p *Plugin) { p.defaultGroup = true }
}

func New(db *gorm.DB, alloc *ipam.Allocator, drv driver.Driver, enf *quota.Enforcer, reuseAfter time.Duration, opts ...Option) *Plugin {
	p := &Plugin{
		db:         db,
		alloc:      alloc,
		drv:        drv,
		quota:      enf,
		reuseAfter: reuseAfter,
		log:        logs.For("plugin"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run executes fn in a transaction that outlives the caller's cancellation:
// once a remote object exists the local rows must be written or rolled back.
func (p *Plugin) run(ctx context.Context, op string, fn func(ctx context.Context, tx *gorm.DB) error) error {
	ctx = context.WithoutCancel(ctx)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error { return fn(ctx, tx) })
	if err == nil {
		return nil
	}
	log := p.log.WithField("op", op).WithError(err)
	switch {
	case errdefs.IsInternal(err):
		log.WithField("invariant", true).Error("operation failed")
	case errdefs.KindOf(err) == errdefs.KindUnknown, errdefs.IsUnreachable(err):
		log.Error("operation failed")
	default:
		log.Debug("operation rejected")
	}
	return err
}

type NetworkRequest struct {
	Name            string   `json:"name"`
	PhysicalNetwork string   `json:"provider:physical_network"`
	NetworkType     string   `json:"provider:network_type"`
	SegmentID       *int     `json:"provider:segmentation_id"`
	Exclude         []string `json:"exclude"`
}

// CreateNetwork records a network and asks the driver for its first switch.
// The tenant's default security group is created here when it is missing.
func (p *Plugin) CreateNetwork(ctx context.Context, tenantID string, req NetworkRequest) (*models.Network, error) {
	n := &models.Network{ID: uuid.NewString(), TenantID: tenantID, Name: req.Name}
	err := p.run(ctx, "create_network", func(ctx context.Context, tx *gorm.DB) error {
		policy, err := exclusionPolicy(req.Exclude)
		if err != nil {
			return err
		}
		n.IPPolicy = policy
		if err := tx.Create(n).Error; err != nil {
			return err
		}
		var fresh bool
		if p.defaultGroup {
			if fresh, err = p.ensureDefaultGroup(ctx, tx, tenantID); err != nil {
				return err
			}
		}
		_, err = p.drv.CreateNetwork(ctx, tx, driver.NetworkSpec{
			TenantID:  tenantID,
			NetworkID: n.ID,
			Name:      req.Name,
			Provider: driver.Provider{
				PhysicalNetwork: req.PhysicalNetwork,
				NetworkType:     req.NetworkType,
				SegmentID:       req.SegmentID,
			},
		})
		if err != nil && fresh {
			p.dropDefaultGroup(ctx, tx, tenantID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"network": n.ID, "tenant": tenantID}).Info("network created")
	return n, nil
}

func (p *Plugin) GetNetwork(ctx context.Context, tenantID, id string) (*models.Network, error) {
	var n models.Network
	err := p.db.WithContext(ctx).Preload("Subnets").Preload("IPPolicy.Exclude").
		Where("id = ? AND tenant_id = ?", id, tenantID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("network %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (p *Plugin) ListNetworks(ctx context.Context, tenantID string) ([]models.Network, error) {
	var out []models.Network
	err := p.db.WithContext(ctx).Preload("Subnets").Where("tenant_id = ?", tenantID).
		Order("created_at").Find(&out).Error
	return out, err
}

type NetworkUpdateRequest struct {
	Name *string `json:"name"`
}

// UpdateNetwork renames a network. The switches keep their display names.
func (p *Plugin) UpdateNetwork(ctx context.Context, tenantID, id string, req NetworkUpdateRequest) (*models.Network, error) {
	var n *models.Network
	err := p.run(ctx, "update_network", func(ctx context.Context, tx *gorm.DB) error {
		var err error
		if n, err = network(tx, tenantID, id); err != nil {
			return err
		}
		if req.Name == nil {
			return nil
		}
		n.Name = *req.Name
		return tx.Model(n).Update("name", n.Name).Error
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// DeleteNetwork removes a network without ports, its subnets and addresses,
// and every switch backing it.
func (p *Plugin) DeleteNetwork(ctx context.Context, tenantID, id string) error {
	return p.run(ctx, "delete_network", func(ctx context.Context, tx *gorm.DB) error {
		n, err := network(tx, tenantID, id)
		if err != nil {
			return err
		}
		var ports int64
		if err := tx.Model(&models.Port{}).Where("network_id = ?", id).Count(&ports).Error; err != nil {
			return err
		}
		if ports > 0 {
			return errdefs.InUse("network %s has %d ports", id, ports)
		}
		if err := tx.Where("network_id = ?", id).Delete(&models.IPAddress{}).Error; err != nil {
			return err
		}
		var subnets []models.Subnet
		if err := tx.Where("network_id = ?", id).Find(&subnets).Error; err != nil {
			return err
		}
		for i := range subnets {
			if err := deleteSubnetRows(tx, &subnets[i]); err != nil {
				return err
			}
		}
		if err := tx.Delete(n).Error; err != nil {
			return err
		}
		if err := deletePolicy(tx, n.IPPolicyID); err != nil {
			return err
		}
		return p.drv.DeleteNetwork(ctx, tx, tenantID, id)
	})
}

type SubnetRequest struct {
	NetworkID string   `json:"network_id"`
	Name      string   `json:"name"`
	CIDR      string   `json:"cidr"`
	Exclude   []string `json:"exclude"`
}

// CreateSubnet adds an address space to a network with its cursor on the
// first address of the CIDR.
func (p *Plugin) CreateSubnet(ctx context.Context, tenantID string, req SubnetRequest) (*models.Subnet, error) {
	prefix, err := netaddr.ParseIPPrefix(req.CIDR)
	if err != nil {
		return nil, errdefs.InvalidInput("invalid cidr %q", req.CIDR)
	}
	prefix = prefix.Masked()
	policy, err := exclusionPolicy(req.Exclude)
	if err != nil {
		return nil, err
	}
	var ranges []models.IPPolicyRange
	if policy != nil {
		ranges = policy.Exclude
	}
	if _, err := ipam.NewPolicySet(prefix.String(), ranges); err != nil {
		return nil, errdefs.InvalidInput("%v", err)
	}
	version := 6
	if prefix.IP().Is4() {
		version = 4
	}

	s := &models.Subnet{
		ID:               uuid.NewString(),
		NetworkID:        req.NetworkID,
		TenantID:         tenantID,
		Name:             req.Name,
		CIDR:             prefix.String(),
		IPVersion:        version,
		NextAutoAssignIP: prefix.IP().String(),
		IPPolicy:         policy,
	}
	err = p.run(ctx, "create_subnet", func(ctx context.Context, tx *gorm.DB) error {
		if _, err := network(tx, tenantID, req.NetworkID); err != nil {
			return err
		}
		return tx.Create(s).Error
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Plugin) GetSubnet(ctx context.Context, tenantID, id string) (*models.Subnet, error) {
	var s models.Subnet
	err := p.db.WithContext(ctx).Preload("IPPolicy.Exclude").
		Where("id = ? AND tenant_id = ?", id, tenantID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("subnet %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Plugin) ListSubnets(ctx context.Context, tenantID, networkID string) ([]models.Subnet, error) {
	q := p.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if networkID != "" {
		q = q.Where("network_id = ?", networkID)
	}
	var out []models.Subnet
	err := q.Order("created_at").Find(&out).Error
	return out, err
}

type SubnetUpdateRequest struct {
	Name *string `json:"name"`
}

// UpdateSubnet renames a subnet. Its CIDR and policy are fixed at creation.
func (p *Plugin) UpdateSubnet(ctx context.Context, tenantID, id string, req SubnetUpdateRequest) (*models.Subnet, error) {
	var s *models.Subnet
	err := p.run(ctx, "update_subnet", func(ctx context.Context, tx *gorm.DB) error {
		var err error
		if s, err = subnet(tx, tenantID, id); err != nil {
			return err
		}
		if req.Name == nil {
			return nil
		}
		s.Name = *req.Name
		return tx.Model(s).Update("name", s.Name).Error
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DeleteSubnet fails while any address of the subnet is still allocated.
func (p *Plugin) DeleteSubnet(ctx context.Context, tenantID, id string) error {
	return p.run(ctx, "delete_subnet", func(ctx context.Context, tx *gorm.DB) error {
		s, err := subnet(tx, tenantID, id)
		if err != nil {
			return err
		}
		var live int64
		err = tx.Model(&models.IPAddress{}).Where("subnet_id = ? AND deallocated = ?", id, false).Count(&live).Error
		if err != nil {
			return err
		}
		if live > 0 {
			return errdefs.InUse("subnet %s has %d allocated addresses", id, live)
		}
		if err := tx.Where("subnet_id = ?", id).Delete(&models.IPAddress{}).Error; err != nil {
			return err
		}
		return deleteSubnetRows(tx, s)
	})
}

func network(tx *gorm.DB, tenantID, id string) (*models.Network, error) {
	var n models.Network
	err := tx.Where("id = ? AND tenant_id = ?", id, tenantID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("network %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func subnet(tx *gorm.DB, tenantID, id string) (*models.Subnet, error) {
	var s models.Subnet
	err := tx.Where("id = ? AND tenant_id = ?", id, tenantID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("subnet %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func deleteSubnetRows(tx *gorm.DB, s *models.Subnet) error {
	if err := tx.Delete(s).Error; err != nil {
		return err
	}
	return deletePolicy(tx, s.IPPolicyID)
}

func deletePolicy(tx *gorm.DB, id *uint) error {
	if id == nil {
		return nil
	}
	if err := tx.Unscoped().Where("ip_policy_id = ?", *id).Delete(&models.IPPolicyRange{}).Error; err != nil {
		return err
	}
	return tx.Unscoped().Delete(&models.IPPolicy{}, *id).Error
}

// exclusionPolicy turns "addr/len" strings into a policy, nil when empty.
func exclusionPolicy(exclude []string) (*models.IPPolicy, error) {
	if len(exclude) == 0 {
		return nil, nil
	}
	policy := &models.IPPolicy{}
	for _, e := range exclude {
		if !strings.Contains(e, "/") {
			ip, err := netaddr.ParseIP(e)
			if err != nil {
				return nil, errdefs.InvalidInput("invalid exclusion %q", e)
			}
			e = netaddr.IPPrefixFrom(ip, ip.BitLen()).String()
		}
		prefix, err := netaddr.ParseIPPrefix(e)
		if err != nil {
			return nil, errdefs.InvalidInput("invalid exclusion %q", e)
		}
		policy.Exclude = append(policy.Exclude, models.IPPolicyRange{
			Address: prefix.IP().String(),
			Prefix:  int(prefix.Bits()),
		})
	}
	return policy, nil
}
