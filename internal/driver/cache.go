package driver

import (
	"context"
	"errors"

	"quark/internal/errdefs"
	"quark/internal/models"

	"gorm.io/gorm"
)

// Cache is the local mirror of remote switches, ports and profiles. Every
// method runs on the transaction the cache was bound to.
type Cache struct{ db *gorm.DB }

func cacheFor(ctx context.Context, tx *gorm.DB) *Cache { return &Cache{db: tx.WithContext(ctx)} }

// SwitchForNetwork returns the first switch of a network, or nil.
func (c *Cache) SwitchForNetwork(networkID string) (*models.LSwitch, error) {
	var sw models.LSwitch
	err := c.db.Where("network_id = ?", networkID).Order("id").Limit(1).Find(&sw).Error
	if err != nil || sw.ID == "" {
		return nil, err
	}
	return &sw, nil
}

func (c *Cache) SwitchByRemoteID(remoteID string) (*models.LSwitch, error) {
	var sw models.LSwitch
	err := c.db.Where("remote_id = ?", remoteID).First(&sw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("lswitch %s not found", remoteID)
	}
	if err != nil {
		return nil, err
	}
	return &sw, nil
}

func (c *Cache) SwitchesForNetwork(networkID string) ([]models.LSwitch, error) {
	var out []models.LSwitch
	err := c.db.Where("network_id = ?", networkID).Order("id").Find(&out).Error
	return out, err
}

// FreeSwitch returns the emptiest switch of a network holding fewer than limit
// ports, skipping the ids in exclude, or nil.
func (c *Cache) FreeSwitch(networkID string, limit int, exclude []string) (*models.LSwitch, error) {
	q := c.db.Where("network_id = ? AND port_count < ?", networkID, limit)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var sw models.LSwitch
	if err := q.Order("port_count").Order("id").Limit(1).Find(&sw).Error; err != nil || sw.ID == "" {
		return nil, err
	}
	return &sw, nil
}

// SwitchForPort returns the switch owning a remote port together with the
// port record.
func (c *Cache) SwitchForPort(remotePortID string) (*models.LSwitch, *models.LSwitchPort, error) {
	var p models.LSwitchPort
	err := c.db.Where("remote_id = ?", remotePortID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errdefs.NotFound("no lswitch found for port %s", remotePortID)
	}
	if err != nil {
		return nil, nil, err
	}
	var sw models.LSwitch
	err = c.db.Where("id = ?", p.SwitchID).First(&sw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errdefs.NotFound("lswitch %s of port %s not found", p.SwitchID, remotePortID)
	}
	if err != nil {
		return nil, nil, err
	}
	return &sw, &p, nil
}

func (c *Cache) AddSwitch(sw *models.LSwitch) error { return c.db.Create(sw).Error }

func (c *Cache) AddPort(p *models.LSwitchPort) error { return c.db.Create(p).Error }

// IncrementPorts adds one port to a switch unless it already holds limit ports.
// A limit <= 0 is unlimited. False means the switch was full.
func (c *Cache) IncrementPorts(switchID string, limit int) (bool, error) {
	q := c.db.Model(&models.LSwitch{}).Where("id = ?", switchID)
	if limit > 0 {
		q = q.Where("port_count < ?", limit)
	}
	res := q.Update("port_count", gorm.Expr("port_count + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DecrementPorts removes one port from a switch and returns the new count.
func (c *Cache) DecrementPorts(switchID string) (int, error) {
	err := c.db.Model(&models.LSwitch{}).
		Where("id = ? AND port_count > 0", switchID).
		Update("port_count", gorm.Expr("port_count - 1")).Error
	if err != nil {
		return 0, err
	}
	var sw models.LSwitch
	if err := c.db.Select("port_count").Where("id = ?", switchID).First(&sw).Error; err != nil {
		return 0, err
	}
	return sw.PortCount, nil
}

// DeletePort drops a port record. False means there was none.
func (c *Cache) DeletePort(remotePortID string) (bool, error) {
	res := c.db.Where("remote_id = ?", remotePortID).Delete(&models.LSwitchPort{})
	return res.RowsAffected > 0, res.Error
}

// DeleteSwitch drops a switch and whatever port records still point at it.
func (c *Cache) DeleteSwitch(switchID string) error {
	if err := c.db.Where("switch_id = ?", switchID).Delete(&models.LSwitchPort{}).Error; err != nil {
		return err
	}
	return c.db.Where("id = ?", switchID).Delete(&models.LSwitch{}).Error
}

func (c *Cache) AddProfile(groupID, remoteID string) error {
	return c.db.Create(&models.SecurityProfile{ID: groupID, RemoteID: remoteID}).Error
}

func (c *Cache) ProfileRemoteID(groupID string) (string, error) {
	var p models.SecurityProfile
	err := c.db.Where("id = ?", groupID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errdefs.NotFound("security group %s not found", groupID)
	}
	if err != nil {
		return "", err
	}
	return p.RemoteID, nil
}

func (c *Cache) DeleteProfile(groupID string) error {
	return c.db.Where("id = ?", groupID).Delete(&models.SecurityProfile{}).Error
}
