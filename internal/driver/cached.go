package driver

import (
	"context"
	"fmt"

	"quark/internal/errdefs"
	"quark/internal/logs"
	"quark/internal/metrics"
	"quark/internal/models"
	"quark/internal/nvp"
	"quark/internal/quota"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// placementAttempts bounds how often a port is moved to another switch after
// losing a capacity race.
const placementAttempts = 3

// CachedPlacement answers placement and lookup questions from the local
// mirror and uses DirectPlacement only for remote mutations. A remote call
// always happens before the mirror write it implies.
type CachedPlacement struct {
	direct *DirectPlacement
	log    *logrus.Entry
}

func NewCached(direct *DirectPlacement) *CachedPlacement {
	return &CachedPlacement{direct: direct, log: logs.For("driver.cached")}
}

// mirrored reports a mirror write that failed after its remote call went
// through. The remote object now exists without a local record.
func (c *CachedPlacement) mirrored(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	c.log.WithError(err).WithField("inconsistency", true).Error(msg)
	return errdefs.MirrorInconsistent(err, "%s", msg)
}

func refOf(sw *models.LSwitch) SwitchRef {
	ref := SwitchRef{ID: sw.ID, RemoteID: sw.RemoteID, NetworkID: sw.NetworkID, Name: sw.DisplayName}
	if sw.TransportZone != "" {
		ref.Binding = &nvp.TransportZoneBinding{ZoneUUID: sw.TransportZone, TransportType: sw.TransportConnector}
		if sw.SegmentID != nil {
			ref.Binding.BindingConfig = &nvp.BindingConfig{
				VlanTranslation: []nvp.VlanTranslation{{Transport: *sw.SegmentID}},
			}
		}
	}
	return ref
}

// createSwitch creates the remote switch, then its mirror record.
func (c *CachedPlacement) createSwitch(ctx context.Context, tx *gorm.DB, spec NetworkSpec) (*models.LSwitch, error) {
	ref, err := c.direct.createSwitch(ctx, spec)
	if err != nil {
		return nil, err
	}
	sw := &models.LSwitch{
		ID:          uuid.NewString(),
		RemoteID:    ref.RemoteID,
		NetworkID:   spec.NetworkID,
		DisplayName: ref.Name,
	}
	if b := ref.Binding; b != nil {
		sw.TransportZone = b.ZoneUUID
		sw.TransportConnector = b.TransportType
		sw.SegmentID = b.SegmentID()
	}
	if err := cacheFor(ctx, tx).AddSwitch(sw); err != nil {
		return nil, c.mirrored(err, "lswitch %s created but not recorded", ref.RemoteID)
	}
	return sw, nil
}

// deleteSwitch removes the remote switch, then its mirror record.
func (c *CachedPlacement) deleteSwitch(ctx context.Context, tx *gorm.DB, sw *models.LSwitch) error {
	if err := c.direct.deleteSwitch(ctx, sw.RemoteID); err != nil {
		return err
	}
	return c.mirrored(cacheFor(ctx, tx).DeleteSwitch(sw.ID), "lswitch %s deleted but still recorded", sw.RemoteID)
}

func (c *CachedPlacement) CreateNetwork(ctx context.Context, tx *gorm.DB, spec NetworkSpec) (SwitchRef, error) {
	sw, err := c.createSwitch(ctx, tx, spec)
	if err != nil {
		return SwitchRef{}, err
	}
	return refOf(sw), nil
}

func (c *CachedPlacement) DeleteNetwork(ctx context.Context, tx *gorm.DB, _ string, networkID string) error {
	switches, err := cacheFor(ctx, tx).SwitchesForNetwork(networkID)
	if err != nil {
		return err
	}
	for i := range switches {
		if err := c.deleteSwitch(ctx, tx, &switches[i]); err != nil {
			return err
		}
	}
	return nil
}

// openSwitch selects a mirrored switch with room, skipping exclude. With no
// limit the first switch of the network serves.
func (c *CachedPlacement) openSwitch(cache *Cache, networkID string, exclude []string) (*models.LSwitch, error) {
	limit := c.direct.maxPorts()
	if limit <= 0 {
		return cache.SwitchForNetwork(networkID)
	}
	return cache.FreeSwitch(networkID, limit, exclude)
}

// findOrCreate returns a switch with room for one more port. True means the
// switch was created by this call.
func (c *CachedPlacement) findOrCreate(ctx context.Context, tx *gorm.DB, tenantID, networkID string, exclude []string) (*models.LSwitch, bool, error) {
	cache := cacheFor(ctx, tx)
	sw, err := c.openSwitch(cache, networkID, exclude)
	if err != nil || sw != nil {
		return sw, false, err
	}
	c.log.WithField("network", networkID).Debug("no open switch, creating one")

	model, err := cache.SwitchForNetwork(networkID)
	if err != nil {
		return nil, false, err
	}
	if model == nil {
		return nil, false, errdefs.BadNVPState(networkID)
	}
	sw, err = c.createSwitch(ctx, tx, NetworkSpec{
		TenantID:  tenantID,
		NetworkID: networkID,
		Name:      model.DisplayName,
		Provider:  providerOf(refOf(model).Binding),
	})
	return sw, err == nil, err
}

func (c *CachedPlacement) FindOrCreateSwitch(ctx context.Context, tx *gorm.DB, tenantID, networkID string) (SwitchRef, error) {
	sw, _, err := c.findOrCreate(ctx, tx, tenantID, networkID, nil)
	if err != nil {
		return SwitchRef{}, err
	}
	return refOf(sw), nil
}

// AddPort creates the remote port on ref and books it against the switch's
// capacity. A switch that filled up in the meantime gets the remote port
// removed again and the call fails with DriverLimitReached.
func (c *CachedPlacement) AddPort(ctx context.Context, tx *gorm.DB, ref SwitchRef, port PortSpec) (*nvp.LPort, error) {
	lp, err := c.direct.AddPort(ctx, tx, ref, port)
	if err != nil {
		return nil, err
	}
	cache := cacheFor(ctx, tx)
	ok, err := cache.IncrementPorts(ref.ID, c.direct.maxPorts())
	if err != nil {
		return nil, c.mirrored(err, "lport %s created but not counted on lswitch %s", lp.UUID, ref.RemoteID)
	}
	if !ok {
		if err := c.direct.client.LPort(ref.RemoteID).Delete(ctx, lp.UUID); err != nil {
			return nil, c.mirrored(err, "lport %s on full lswitch %s could not be removed", lp.UUID, ref.RemoteID)
		}
		return nil, errdefs.DriverLimitReached("ports per switch")
	}
	rec := &models.LSwitchPort{ID: uuid.NewString(), RemoteID: lp.UUID, PortID: port.PortID, SwitchID: ref.ID}
	if err := cache.AddPort(rec); err != nil {
		return nil, c.mirrored(err, "lport %s created but not recorded", lp.UUID)
	}
	return lp, nil
}

// ReleasePort deletes the remote port, drops it from the mirror and deletes
// the switch once it holds no ports. A port already missing on the
// controller is released locally all the same.
func (c *CachedPlacement) ReleasePort(ctx context.Context, tx *gorm.DB, ref SwitchRef, remotePortID string) error {
	cache := cacheFor(ctx, tx)
	err := c.direct.client.LPort(ref.RemoteID).Delete(ctx, remotePortID)
	switch {
	case errdefs.IsNotFound(err):
		if _, err := cache.SwitchByRemoteID(ref.RemoteID); err != nil {
			return err
		}
		c.log.WithFields(logrus.Fields{"lswitch": ref.RemoteID, "lport": remotePortID}).Warn("lport already deleted on the controller")
	case err != nil:
		return err
	}
	held, err := cache.DeletePort(remotePortID)
	if err != nil {
		return c.mirrored(err, "lport %s deleted but still recorded", remotePortID)
	}
	if !held {
		return nil
	}
	n, err := cache.DecrementPorts(ref.ID)
	if err != nil {
		return c.mirrored(err, "lport %s deleted but still counted on lswitch %s", remotePortID, ref.RemoteID)
	}
	if n > 0 {
		return nil
	}
	return c.dropEmptySwitch(ctx, tx, ref)
}

// dropEmptySwitch deletes a switch whose last port is gone. A switch the
// controller refuses to delete stays mirrored with no ports, which matches
// what the controller holds, so the port release still goes through.
func (c *CachedPlacement) dropEmptySwitch(ctx context.Context, tx *gorm.DB, ref SwitchRef) error {
	if err := c.direct.deleteSwitch(ctx, ref.RemoteID); err != nil && !errdefs.IsNotFound(err) {
		c.log.WithError(err).WithFields(logrus.Fields{"lswitch": ref.RemoteID, "inconsistency": true}).
			Error("empty lswitch could not be deleted")
		return nil
	}
	return c.mirrored(cacheFor(ctx, tx).DeleteSwitch(ref.ID), "lswitch %s deleted but still recorded", ref.RemoteID)
}

// discard deletes a switch this call created for a port that never landed
// on it. Its mirror row leaves with the rolled back transaction.
func (c *CachedPlacement) discard(ctx context.Context, sw *models.LSwitch, cause error) error {
	if err := c.direct.deleteSwitch(ctx, sw.RemoteID); err != nil {
		return c.mirrored(err, "lswitch %s created for a failed port could not be removed", sw.RemoteID)
	}
	return cause
}

func (c *CachedPlacement) profileResolver(ctx context.Context, tx *gorm.DB) func(string) (string, error) {
	cache := cacheFor(ctx, tx)
	return cache.ProfileRemoteID
}

func (c *CachedPlacement) CreatePort(ctx context.Context, tx *gorm.DB, spec PortSpec, checked quota.Checked) (*PortResult, error) {
	profiles, err := c.direct.portGroups(ctx, checked, c.Rules(tx, spec.TenantID), c.profileResolver(ctx, tx), spec.SecurityGroups)
	if err != nil {
		return nil, err
	}
	spec.profiles = profiles

	var exclude []string
	for attempt := 0; attempt < placementAttempts; attempt++ {
		sw, created, err := c.findOrCreate(ctx, tx, spec.TenantID, spec.NetworkID, exclude)
		if err != nil {
			return nil, err
		}
		ref := refOf(sw)
		lp, err := c.AddPort(ctx, tx, ref, spec)
		if errdefs.IsDriverLimitReached(err) {
			metrics.AllocationRetries.WithLabelValues(metrics.RetrySwitchFull).Inc()
			c.log.WithFields(logrus.Fields{"lswitch": sw.RemoteID, "attempt": attempt}).Debug("lswitch filled concurrently, retrying")
			exclude = append(exclude, sw.ID)
			continue
		}
		if err != nil && created {
			return nil, c.discard(ctx, sw, err)
		}
		if err != nil {
			return nil, err
		}
		return &PortResult{Port: lp, Switch: ref}, nil
	}
	return nil, errdefs.Conflict("no switch of network %s took the port after %d attempts", spec.NetworkID, placementAttempts)
}

func (c *CachedPlacement) UpdatePort(ctx context.Context, tx *gorm.DB, upd PortUpdate, checked quota.Checked) (*nvp.LPort, error) {
	sw, _, err := cacheFor(ctx, tx).SwitchForPort(upd.RemoteID)
	if err != nil {
		return nil, err
	}
	profiles, err := c.direct.portGroups(ctx, checked, c.Rules(tx, upd.TenantID), c.profileResolver(ctx, tx), upd.SecurityGroups)
	if err != nil {
		return nil, err
	}
	return c.direct.updatePortOn(ctx, sw.RemoteID, upd, profiles)
}

func (c *CachedPlacement) DeletePort(ctx context.Context, tx *gorm.DB, _ string, remotePortID string) error {
	sw, _, err := cacheFor(ctx, tx).SwitchForPort(remotePortID)
	if err != nil {
		return err
	}
	return c.ReleasePort(ctx, tx, refOf(sw), remotePortID)
}

// security groups

func (c *CachedPlacement) CreateSecurityGroup(ctx context.Context, tx *gorm.DB, spec GroupSpec, checked quota.Checked) (string, error) {
	remoteID, err := c.direct.createProfile(ctx, spec, checked)
	if err != nil {
		return "", err
	}
	if err := cacheFor(ctx, tx).AddProfile(spec.GroupID, remoteID); err != nil {
		return "", c.mirrored(err, "security profile %s created but not recorded", remoteID)
	}
	return remoteID, nil
}

func (c *CachedPlacement) UpdateSecurityGroup(ctx context.Context, tx *gorm.DB, upd GroupUpdate, checked quota.Checked) error {
	remoteID, err := cacheFor(ctx, tx).ProfileRemoteID(upd.GroupID)
	if err != nil {
		return err
	}
	return c.direct.updateProfile(ctx, remoteID, upd, c.direct.groupCheck(checked))
}

func (c *CachedPlacement) DeleteSecurityGroup(ctx context.Context, tx *gorm.DB, _ string, groupID string) error {
	cache := cacheFor(ctx, tx)
	remoteID, err := cache.ProfileRemoteID(groupID)
	if err != nil {
		return err
	}
	if err := c.direct.client.SecurityProfile().Delete(ctx, remoteID); err != nil {
		return err
	}
	return c.mirrored(cache.DeleteProfile(groupID), "security profile %s deleted but still recorded", remoteID)
}

func (c *CachedPlacement) CreateSecurityGroupRule(ctx context.Context, tx *gorm.DB, tenantID, groupID string, rule RuleSpec, checked quota.Checked) error {
	remoteID, err := cacheFor(ctx, tx).ProfileRemoteID(groupID)
	if err != nil {
		return err
	}
	portCheck := func() error {
		return c.direct.quota.CheckPortQuota(ctx, checked, c.Rules(tx, tenantID), groupID, 1)
	}
	return c.direct.changeRule(ctx, remoteID, groupID, rule, portCheck, checked)
}

func (c *CachedPlacement) DeleteSecurityGroupRule(ctx context.Context, tx *gorm.DB, _ string, groupID string, rule RuleSpec) error {
	remoteID, err := cacheFor(ctx, tx).ProfileRemoteID(groupID)
	if err != nil {
		return err
	}
	return c.direct.changeRule(ctx, remoteID, groupID, rule, nil, quota.Checked{})
}

// Rules counts rules from the local security group tables.
func (c *CachedPlacement) Rules(tx *gorm.DB, _ string) quota.RuleSource {
	return quota.NewDBSource(tx)
}
