package plugin

import (
	"context"
	"errors"

	"quark/internal/driver"
	"quark/internal/errdefs"
	"quark/internal/ipam"
	"quark/internal/models"
	"quark/internal/quota"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IPAddressRequest names the ports an extra address is shared by, either by
// id or by device on one network.
type IPAddressRequest struct {
	PortIDs   []string `json:"port_ids"`
	NetworkID string   `json:"network_id"`
	DeviceIDs []string `json:"device_ids"`
	Version   int      `json:"version"`
	IPAddress string   `json:"ip_address"`
}

// IPAddressUpdateRequest moves an address. Nil PortIDs leaves it alone, an
// empty list detaches and quarantines it.
type IPAddressUpdateRequest struct {
	PortIDs *[]string `json:"port_ids"`
}

// CreateIPAddress allocates one more address on the ports' network and
// attaches it to every one of them.
func (p *Plugin) CreateIPAddress(ctx context.Context, tenantID string, req IPAddressRequest) (*models.IPAddress, error) {
	var addr *models.IPAddress
	err := p.run(ctx, "create_ip_address", func(ctx context.Context, tx *gorm.DB) error {
		ports, err := addressPorts(tx, tenantID, req)
		if err != nil {
			return err
		}
		networkID := ports[0].NetworkID
		for _, port := range ports[1:] {
			if port.NetworkID != networkID {
				return errdefs.InvalidInput("ports span networks %s and %s", networkID, port.NetworkID)
			}
		}
		addr, err = p.alloc.AllocateIP(ctx, tx, ipam.AllocateIPRequest{
			TenantID:   tenantID,
			NetworkID:  networkID,
			Version:    req.Version,
			Address:    req.IPAddress,
			ReuseAfter: p.reuseAfter,
		})
		if err != nil {
			return err
		}
		if err := tx.Model(addr).Association("Ports").Append(ports); err != nil {
			return err
		}
		addr.Ports = ports
		return p.syncPairs(ctx, tx, tenantID, ports)
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"address": addr.Address, "ports": len(addr.Ports), "tenant": tenantID}).Info("ip address created")
	return addr, nil
}

func (p *Plugin) GetIPAddress(ctx context.Context, tenantID string, id uint) (*models.IPAddress, error) {
	return ipAddress(p.db.WithContext(ctx), tenantID, id)
}

func (p *Plugin) ListIPAddresses(ctx context.Context, tenantID string) ([]models.IPAddress, error) {
	var out []models.IPAddress
	err := p.db.WithContext(ctx).Preload("Ports").
		Where("tenant_id = ? AND deallocated = ?", tenantID, false).
		Order("id").Find(&out).Error
	return out, err
}

// UpdateIPAddress replaces the ports an address is attached to.
func (p *Plugin) UpdateIPAddress(ctx context.Context, tenantID string, id uint, req IPAddressUpdateRequest) (*models.IPAddress, error) {
	var addr *models.IPAddress
	err := p.run(ctx, "update_ip_address", func(ctx context.Context, tx *gorm.DB) error {
		var err error
		if addr, err = ipAddress(tx, tenantID, id); err != nil {
			return err
		}
		if req.PortIDs == nil {
			return nil
		}
		touched := addr.Ports
		if err := tx.Model(addr).Association("Ports").Clear(); err != nil {
			return err
		}
		addr.Ports = nil

		ids := unique(*req.PortIDs)
		if len(ids) == 0 {
			if err := p.alloc.DeallocateIP(ctx, tx, addr.ID); err != nil {
				return err
			}
			addr.Deallocated = true
			return p.syncPairs(ctx, tx, tenantID, touched)
		}
		ports, err := addressPorts(tx, tenantID, IPAddressRequest{PortIDs: ids})
		if err != nil {
			return err
		}
		for _, port := range ports {
			if port.NetworkID != addr.NetworkID {
				return errdefs.InvalidInput("port %s is not on network %s", port.ID, addr.NetworkID)
			}
		}
		if err := tx.Model(addr).Association("Ports").Append(ports); err != nil {
			return err
		}
		err = tx.Model(&models.IPAddress{}).Where("id = ?", addr.ID).
			Updates(map[string]interface{}{"deallocated": false, "deallocated_at": nil}).Error
		if err != nil {
			return err
		}
		addr.Ports = ports
		addr.Deallocated = false
		addr.DeallocatedAt = nil
		return p.syncPairs(ctx, tx, tenantID, append(touched, ports...))
	})
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// syncPairs rewrites the allowed address pairs of each remote port from the
// addresses its row now holds.
func (p *Plugin) syncPairs(ctx context.Context, tx *gorm.DB, tenantID string, ports []models.Port) error {
	seen := make(map[string]bool, len(ports))
	for _, port := range ports {
		if seen[port.ID] || port.BackendKey == "" {
			continue
		}
		seen[port.ID] = true
		cur, err := portByID(tx, tenantID, port.ID)
		if err != nil {
			return err
		}
		_, err = p.drv.UpdatePort(ctx, tx, driver.PortUpdate{
			TenantID:     tenantID,
			RemoteID:     cur.BackendKey,
			AdminUp:      cur.AdminStateUp,
			AllowedPairs: allowedPairs(cur),
		}, quota.Checked{})
		if err != nil {
			return err
		}
	}
	return nil
}

// addressPorts resolves the ports of an address request. Every named port
// must exist.
func addressPorts(tx *gorm.DB, tenantID string, req IPAddressRequest) ([]models.Port, error) {
	q := tx.Where("tenant_id = ?", tenantID)
	ids := unique(req.PortIDs)
	switch {
	case len(ids) > 0:
		q = q.Where("id IN ?", ids)
	case req.NetworkID != "" && len(req.DeviceIDs) > 0:
		q = q.Where("network_id = ? AND device_id IN ?", req.NetworkID, unique(req.DeviceIDs))
	default:
		return nil, errdefs.InvalidInput("port_ids, or network_id with device_ids, required")
	}
	var ports []models.Port
	if err := q.Order("id").Find(&ports).Error; err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, errdefs.NotFound("no ports found for ip address")
	}
	if len(ids) > 0 && len(ports) != len(ids) {
		return nil, errdefs.NotFound("%d of %d ports not found", len(ids)-len(ports), len(ids))
	}
	return ports, nil
}

func ipAddress(tx *gorm.DB, tenantID string, id uint) (*models.IPAddress, error) {
	var addr models.IPAddress
	err := tx.Preload("Ports").Where("id = ? AND tenant_id = ?", id, tenantID).First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("ip address %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &addr, nil
}
