package plugin

import (
	"context"
	"errors"

	"quark/internal/driver"
	"quark/internal/errdefs"
	"quark/internal/ipam"
	"quark/internal/models"
	"quark/internal/nvp"
	"quark/internal/quota"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type FixedIP struct {
	IPAddress string `json:"ip_address"`
	// Version picks the address family when no address is given.
	Version int `json:"ip_version,omitempty"`
}

type PortRequest struct {
	NetworkID      string    `json:"network_id"`
	Name           string    `json:"name"`
	DeviceID       string    `json:"device_id"`
	AdminStateUp   *bool     `json:"admin_state_up"`
	FixedIPs       []FixedIP `json:"fixed_ips"`
	MACAddress     string    `json:"mac_address"`
	SecurityGroups []string  `json:"security_groups"`
}

// CreatePort allocates the port's addresses, runs the per-port quota check
// and places the port on a switch. Addresses come first so an exhausted
// pool fails before anything remote is created.
func (p *Plugin) CreatePort(ctx context.Context, tenantID string, req PortRequest) (*models.Port, error) {
	port := &models.Port{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		NetworkID:    req.NetworkID,
		Name:         req.Name,
		DeviceID:     req.DeviceID,
		AdminStateUp: req.AdminStateUp == nil || *req.AdminStateUp,
	}
	err := p.run(ctx, "create_port", func(ctx context.Context, tx *gorm.DB) error {
		if _, err := network(tx, tenantID, req.NetworkID); err != nil {
			return err
		}
		groupIDs := unique(req.SecurityGroups)
		groups, err := securityGroups(tx, tenantID, groupIDs)
		if err != nil {
			return err
		}

		fixed := req.FixedIPs
		if len(fixed) == 0 {
			fixed = []FixedIP{{}}
		}
		for _, f := range fixed {
			addr, err := p.alloc.AllocateIP(ctx, tx, ipam.AllocateIPRequest{
				TenantID:   tenantID,
				NetworkID:  req.NetworkID,
				Version:    f.Version,
				Address:    f.IPAddress,
				ReuseAfter: p.reuseAfter,
			})
			if err != nil {
				return err
			}
			port.IPAddresses = append(port.IPAddresses, *addr)
		}
		mac, err := p.alloc.AllocateMAC(ctx, tx, ipam.AllocateMACRequest{
			TenantID:   tenantID,
			NetworkID:  req.NetworkID,
			Address:    req.MACAddress,
			ReuseAfter: p.reuseAfter,
		})
		if err != nil {
			return err
		}
		port.MACAddress = mac.Address

		checked, err := p.quota.PreflightPort(ctx, p.drv.Rules(tx, tenantID), groupIDs)
		if err != nil {
			return err
		}
		res, err := p.drv.CreatePort(ctx, tx, driver.PortSpec{
			TenantID:       tenantID,
			NetworkID:      req.NetworkID,
			PortID:         port.ID,
			AdminUp:        port.AdminStateUp,
			SecurityGroups: groupIDs,
			AllowedPairs:   allowedPairs(port),
		}, checked)
		if err != nil {
			return err
		}
		port.BackendKey = res.Port.UUID
		port.SecurityGroups = groups
		if err := tx.Omit("IPAddresses.*", "SecurityGroups.*").Create(port).Error; err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{"port": port.ID, "remote": port.BackendKey, "inconsistency": true}).
				Error("remote port created but port row not written")
			return errdefs.MirrorInconsistent(err, "port %s", port.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"port": port.ID, "network": req.NetworkID, "tenant": tenantID}).Info("port created")
	return port, nil
}

func (p *Plugin) GetPort(ctx context.Context, tenantID, id string) (*models.Port, error) {
	return portByID(p.db.WithContext(ctx), tenantID, id)
}

func (p *Plugin) ListPorts(ctx context.Context, tenantID, networkID string) ([]models.Port, error) {
	q := p.db.WithContext(ctx).Preload("IPAddresses").Preload("SecurityGroups").Where("tenant_id = ?", tenantID)
	if networkID != "" {
		q = q.Where("network_id = ?", networkID)
	}
	var out []models.Port
	err := q.Order("created_at").Find(&out).Error
	return out, err
}

type PortUpdateRequest struct {
	Name           *string   `json:"name"`
	AdminStateUp   *bool     `json:"admin_state_up"`
	SecurityGroups *[]string `json:"security_groups"`
}

// UpdatePort renames a port, toggles its admin state or replaces its
// security groups.
func (p *Plugin) UpdatePort(ctx context.Context, tenantID, id string, req PortUpdateRequest) (*models.Port, error) {
	var port *models.Port
	err := p.run(ctx, "update_port", func(ctx context.Context, tx *gorm.DB) error {
		var err error
		if port, err = portByID(tx, tenantID, id); err != nil {
			return err
		}
		if req.Name != nil {
			port.Name = *req.Name
		}
		if req.AdminStateUp != nil {
			port.AdminStateUp = *req.AdminStateUp
		}
		upd := driver.PortUpdate{TenantID: tenantID, RemoteID: port.BackendKey, AdminUp: port.AdminStateUp}
		var checked quota.Checked
		if req.SecurityGroups != nil {
			ids := unique(*req.SecurityGroups)
			if len(ids) == 0 {
				return errdefs.InvalidInput("security groups of a port can be replaced but not cleared")
			}
			groups, err := securityGroups(tx, tenantID, ids)
			if err != nil {
				return err
			}
			if checked, err = p.quota.PreflightPort(ctx, p.drv.Rules(tx, tenantID), ids); err != nil {
				return err
			}
			if err := tx.Model(port).Association("SecurityGroups").Replace(groups); err != nil {
				return err
			}
			port.SecurityGroups = groups
			upd.SecurityGroups = ids
		}
		if err := tx.Model(port).Updates(map[string]interface{}{
			"name":           port.Name,
			"admin_state_up": port.AdminStateUp,
		}).Error; err != nil {
			return err
		}
		_, err = p.drv.UpdatePort(ctx, tx, upd, checked)
		return err
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// DeletePort quarantines the port's MAC and addresses and removes it from
// its switch. A port the controller no longer knows is still deleted here.
func (p *Plugin) DeletePort(ctx context.Context, tenantID, id string) error {
	return p.run(ctx, "delete_port", func(ctx context.Context, tx *gorm.DB) error {
		port, err := portByID(tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := p.alloc.DeallocateMAC(ctx, tx, port.MACAddress); err != nil {
			return err
		}
		if err := p.alloc.DeallocatePortIPs(ctx, tx, port); err != nil {
			return err
		}
		if err := tx.Model(port).Association("SecurityGroups").Clear(); err != nil {
			return err
		}
		if err := tx.Delete(port).Error; err != nil {
			return err
		}
		if port.BackendKey == "" {
			return nil
		}
		err = p.drv.DeletePort(ctx, tx, tenantID, port.BackendKey)
		if errdefs.IsNotFound(err) {
			p.log.WithError(err).WithFields(logrus.Fields{"port": port.ID, "remote": port.BackendKey}).
				Warn("remote port already gone")
			return nil
		}
		return err
	})
}

func portByID(tx *gorm.DB, tenantID, id string) (*models.Port, error) {
	var port models.Port
	err := tx.Preload("IPAddresses").Preload("SecurityGroups").
		Where("id = ? AND tenant_id = ?", id, tenantID).First(&port).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("port %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &port, nil
}

// securityGroups loads the tenant's groups named by ids, in order.
func securityGroups(tx *gorm.DB, tenantID string, ids []string) ([]models.SecurityGroup, error) {
	out := make([]models.SecurityGroup, 0, len(ids))
	for _, id := range ids {
		g, err := securityGroup(tx, tenantID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, nil
}

func allowedPairs(port *models.Port) []nvp.AddressPair {
	mac := ipam.FormatMAC(port.MACAddress)
	pairs := make([]nvp.AddressPair, 0, len(port.IPAddresses))
	for _, a := range port.IPAddresses {
		pairs = append(pairs, nvp.AddressPair{MACAddress: mac, IPAddress: a.Address})
	}
	return pairs
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
