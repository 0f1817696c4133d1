package ipam

import (
	"context"
	"errors"
	"math/big"
	"time"

	"quark/internal/errdefs"
	"quark/internal/logs"
	"quark/internal/metrics"
	"quark/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"inet.af/netaddr"
)

// reclaimAttempts bounds the fast path when concurrent requests keep
// winning the oldest quarantined row.
const reclaimAttempts = 3

// Allocator hands out IP and MAC addresses. It holds no per-request state;
// every call runs inside the transaction the caller passes in.
type Allocator struct {
	now func() time.Time
	log *logrus.Entry
}

func NewAllocator() *Allocator {
	return &Allocator{
		now: func() time.Time { return time.Now().UTC() },
		log: logs.For("ipam"),
	}
}

type AllocateIPRequest struct {
	TenantID  string
	NetworkID string
	// Version restricts the candidate subnets when non-zero (4 or 6).
	Version int
	// Address requests a specific IP.
	Address    string
	ReuseAfter time.Duration
}

// AllocateIP reclaims a quarantined address of the network when one has
// aged past ReuseAfter, otherwise assigns a new one from the first subnet
// with free capacity.
func (a *Allocator) AllocateIP(ctx context.Context, tx *gorm.DB, req AllocateIPRequest) (*models.IPAddress, error) {
	repo := NewRepo(tx).WithContext(ctx)
	log := a.log.WithFields(logrus.Fields{"network": req.NetworkID, "tenant": req.TenantID})

	var want netaddr.IP
	if req.Address != "" {
		ip, err := netaddr.ParseIP(req.Address)
		if err != nil {
			return nil, errdefs.InvalidInput("invalid ip address %q", req.Address)
		}
		want = ip.Unmap()
		req.Address = want.String()
		if req.Version == 0 {
			req.Version = ipVersion(want)
		}
	}

	addr, err := a.reclaimIP(repo, req)
	if err != nil {
		metrics.IPAllocations.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	if addr != nil {
		metrics.IPAllocations.WithLabelValues(metrics.ResultReclaimed).Inc()
		log.WithField("address", addr.Address).Debug("reclaimed ip address")
		return addr, nil
	}

	subnet, policy, err := a.chooseSubnet(repo, req.NetworkID, req.Version, want)
	if err != nil {
		result := metrics.ResultError
		if errdefs.IsAddressGenerationFailure(err) {
			result = metrics.ResultExhausted
		}
		metrics.IPAllocations.WithLabelValues(result).Inc()
		return nil, err
	}

	if !want.IsZero() {
		addr, err = a.createRequested(repo, req, subnet, policy, want)
	} else {
		addr, err = a.createSequential(repo, req, subnet, policy)
	}
	if err != nil {
		result := metrics.ResultError
		if errdefs.IsAddressGenerationFailure(err) {
			result = metrics.ResultExhausted
		}
		metrics.IPAllocations.WithLabelValues(result).Inc()
		return nil, err
	}
	metrics.IPAllocations.WithLabelValues(metrics.ResultAllocated).Inc()
	log.WithFields(logrus.Fields{"address": addr.Address, "subnet": subnet.ID}).Debug("allocated ip address")
	return addr, nil
}

func (a *Allocator) reclaimIP(repo *Repo, req AllocateIPRequest) (*models.IPAddress, error) {
	before := a.now().Add(-req.ReuseAfter)
	f := IPFilter{
		NetworkID:         req.NetworkID,
		Version:           req.Version,
		Address:           req.Address,
		Deallocated:       boolPtr(true),
		ReclaimableBefore: &before,
	}
	for i := 0; i < reclaimAttempts; i++ {
		found, err := repo.IPAddresses(One, f)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, nil
		}
		addr := found[0]
		ok, err := repo.ReclaimIP(addr.ID, req.TenantID)
		if err != nil {
			return nil, err
		}
		if ok {
			addr.Deallocated = false
			addr.DeallocatedAt = nil
			addr.TenantID = req.TenantID
			return &addr, nil
		}
		metrics.AllocationRetries.WithLabelValues(metrics.RetryReclaimLost).Inc()
	}
	return nil, nil
}

// chooseSubnet returns the first subnet with positive free capacity, and
// when want is set, containing it.
func (a *Allocator) chooseSubnet(repo *Repo, networkID string, version int, want netaddr.IP) (*models.Subnet, *PolicySet, error) {
	network, err := repo.Network(networkID)
	if err != nil {
		return nil, nil, err
	}
	subnets, err := repo.SubnetAllocationCounts(networkID, version)
	if err != nil {
		return nil, nil, err
	}
	for i := range subnets {
		s := subnets[i].Subnet
		policy, err := NewPolicySet(s.CIDR, EffectivePolicy(&s, network))
		if err != nil {
			return nil, nil, errdefs.InvalidInput("subnet %s: %v", s.ID, err)
		}
		if !want.IsZero() && !policy.Prefix().Contains(want) {
			continue
		}
		if policy.FreeCapacity(subnets[i].Count).Cmp(big.NewInt(0)) > 0 {
			return &s, policy, nil
		}
	}
	return nil, nil, errdefs.AddressGenerationFailure(networkID)
}

func (a *Allocator) createRequested(repo *Repo, req AllocateIPRequest, subnet *models.Subnet, policy *PolicySet, want netaddr.IP) (*models.IPAddress, error) {
	if policy.Contains(want) {
		return nil, errdefs.AddressGenerationFailure(req.NetworkID)
	}
	exists, err := repo.IPExists(req.NetworkID, req.Address)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errdefs.AddressGenerationFailure(req.NetworkID)
	}
	row := a.newRow(req, subnet, want)
	err = repo.DB().Transaction(func(sp *gorm.DB) error {
		return sp.Create(row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, errdefs.AddressGenerationFailure(req.NetworkID)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// createSequential walks the subnet cursor. The cursor only becomes durable
// together with the row it produced; a duplicate key from a concurrent
// writer rolls back the savepoint and the walk goes on from the next
// candidate.
func (a *Allocator) createSequential(repo *Repo, req AllocateIPRequest, subnet *models.Subnet, policy *PolicySet) (*models.IPAddress, error) {
	prefix := policy.Prefix()
	next := prefix.IP()
	if subnet.NextAutoAssignIP != "" {
		ip, err := netaddr.ParseIP(subnet.NextAutoAssignIP)
		if err != nil {
			return nil, errdefs.InvalidInput("subnet %s: bad cursor %q", subnet.ID, subnet.NextAutoAssignIP)
		}
		next = ip
	}

	for {
		if next.IsZero() || !prefix.Contains(next) {
			return nil, errdefs.AddressGenerationFailure(req.NetworkID)
		}
		candidate := next
		next = next.Next()
		if policy.Contains(candidate) {
			continue
		}
		exists, err := repo.IPExists(req.NetworkID, candidate.String())
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		// the last address of the space has no successor
		cursor := candidate.String()
		if !next.IsZero() {
			cursor = next.String()
		}
		row := a.newRow(req, subnet, candidate)
		err = repo.DB().Transaction(func(sp *gorm.DB) error {
			if err := sp.Create(row).Error; err != nil {
				return err
			}
			return NewRepo(sp).SaveSubnetCursor(subnet.ID, cursor)
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			metrics.AllocationRetries.WithLabelValues(metrics.RetryIPConflict).Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		subnet.NextAutoAssignIP = cursor
		return row, nil
	}
}

func (a *Allocator) newRow(req AllocateIPRequest, subnet *models.Subnet, ip netaddr.IP) *models.IPAddress {
	return &models.IPAddress{
		TenantID:  req.TenantID,
		NetworkID: req.NetworkID,
		SubnetID:  subnet.ID,
		Address:   ip.String(),
		Version:   subnet.IPVersion,
	}
}

// DeallocatePortIPs quarantines every address only this port references and
// drops the port's associations. Shared addresses stay allocated.
func (a *Allocator) DeallocatePortIPs(ctx context.Context, tx *gorm.DB, port *models.Port) error {
	tx = tx.WithContext(ctx)
	repo := NewRepo(tx)
	if err := tx.Model(port).Association("IPAddresses").Find(&port.IPAddresses); err != nil {
		return err
	}
	now := a.now()
	for i := range port.IPAddresses {
		addr := &port.IPAddresses[i]
		refs, err := repo.PortReferenceCount(addr.ID)
		if err != nil {
			return err
		}
		if refs > 1 {
			continue
		}
		err = tx.Model(&models.IPAddress{}).Where("id = ?", addr.ID).
			Updates(map[string]interface{}{"deallocated": true, "deallocated_at": now}).Error
		if err != nil {
			return err
		}
		addr.Deallocated = true
		addr.DeallocatedAt = &now
	}
	if err := tx.Model(port).Association("IPAddresses").Clear(); err != nil {
		return err
	}
	port.IPAddresses = nil
	return nil
}

// DeallocateIP quarantines one address whatever still references it.
func (a *Allocator) DeallocateIP(ctx context.Context, tx *gorm.DB, id uint) error {
	res := tx.WithContext(ctx).Model(&models.IPAddress{}).Where("id = ?", id).
		Updates(map[string]interface{}{"deallocated": true, "deallocated_at": a.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errdefs.NotFound("ip address %d not found", id)
	}
	return nil
}

// DeallocateMAC quarantines a MAC address.
func (a *Allocator) DeallocateMAC(ctx context.Context, tx *gorm.DB, address uint64) error {
	repo := NewRepo(tx).WithContext(ctx)
	found, err := repo.MacAddresses(One, MacFilter{Address: &address})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return errdefs.NotFound("no MAC address %s found", FormatMAC(address))
	}
	return repo.DB().Model(&models.MacAddress{}).Where("address = ?", address).
		Updates(map[string]interface{}{"deallocated": true, "deallocated_at": a.now()}).Error
}

func ipVersion(ip netaddr.IP) int {
	if ip.Is4() {
		return 4
	}
	return 6
}
