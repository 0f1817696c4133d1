package ipam

import (
	"context"
	"errors"
	"time"

	"quark/internal/errdefs"
	"quark/internal/models"

	"gorm.io/gorm"
)

// Scope selects the result shape of a query.
type Scope int

const (
	// One returns at most the first matching row.
	One Scope = iota
	// All returns every matching row.
	All
)

// Repo is the query contract the allocators run against. It never opens a
// transaction: the caller hands in the tx the whole request runs in.
type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

// WithContext returns a repo bound to ctx.
func (r *Repo) WithContext(ctx context.Context) *Repo { return &Repo{db: r.db.WithContext(ctx)} }

// DB exposes the underlying handle for nested transactions.
func (r *Repo) DB() *gorm.DB { return r.db }

// IPFilter narrows IP address lookups. Zero values do not filter.
type IPFilter struct {
	NetworkID string
	SubnetID  string
	TenantID  string
	Address   string
	Version   int
	// Deallocated, when set, filters on the quarantine flag.
	Deallocated *bool
	// ReclaimableBefore keeps quarantined rows released before this instant.
	ReclaimableBefore *time.Time
}

func (f IPFilter) apply(q *gorm.DB) *gorm.DB {
	if f.NetworkID != "" {
		q = q.Where("network_id = ?", f.NetworkID)
	}
	if f.SubnetID != "" {
		q = q.Where("subnet_id = ?", f.SubnetID)
	}
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Address != "" {
		q = q.Where("address = ?", f.Address)
	}
	if f.Version != 0 {
		q = q.Where("version = ?", f.Version)
	}
	if f.Deallocated != nil {
		q = q.Where("deallocated = ?", *f.Deallocated)
	}
	if f.ReclaimableBefore != nil {
		q = q.Where("deallocated_at <= ?", *f.ReclaimableBefore)
	}
	return q
}

// IPAddresses runs f; reclaimable rows come back oldest release first.
func (r *Repo) IPAddresses(scope Scope, f IPFilter) ([]models.IPAddress, error) {
	q := f.apply(r.db.Model(&models.IPAddress{}))
	if f.ReclaimableBefore != nil {
		q = q.Order("deallocated_at").Order("id")
	} else {
		q = q.Order("id")
	}
	if scope == One {
		q = q.Limit(1)
	}
	var out []models.IPAddress
	return out, q.Find(&out).Error
}

// IPExists reports whether address is already recorded on the network, in
// any state.
func (r *Repo) IPExists(networkID, address string) (bool, error) {
	var n int64
	err := r.db.Model(&models.IPAddress{}).
		Where("network_id = ? AND address = ?", networkID, address).
		Count(&n).Error
	return n > 0, err
}

// ReclaimIP clears the quarantine on id for tenantID. False means another
// writer reclaimed it first.
func (r *Repo) ReclaimIP(id uint, tenantID string) (bool, error) {
	res := r.db.Model(&models.IPAddress{}).
		Where("id = ? AND deallocated = ?", id, true).
		Updates(map[string]interface{}{
			"deallocated":    false,
			"deallocated_at": nil,
			"tenant_id":      tenantID,
		})
	return res.RowsAffected == 1, res.Error
}

// Network loads a network with its exclusion policy.
func (r *Repo) Network(id string) (*models.Network, error) {
	var n models.Network
	err := r.db.Preload("IPPolicy.Exclude").First(&n, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("network %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// SubnetAllocation pairs a subnet with its current address row count.
type SubnetAllocation struct {
	Subnet models.Subnet
	Count  int64
}

// SubnetAllocationCounts returns the network's subnets, filtered by version
// when non-zero, each with the number of address rows it holds.
func (r *Repo) SubnetAllocationCounts(networkID string, version int) ([]SubnetAllocation, error) {
	q := r.db.Preload("IPPolicy.Exclude").Where("network_id = ?", networkID)
	if version != 0 {
		q = q.Where("ip_version = ?", version)
	}
	var subnets []models.Subnet
	if err := q.Order("created_at").Order("id").Find(&subnets).Error; err != nil {
		return nil, err
	}
	if len(subnets) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(subnets))
	for _, s := range subnets {
		ids = append(ids, s.ID)
	}
	var rows []struct {
		SubnetID string
		N        int64
	}
	err := r.db.Model(&models.IPAddress{}).
		Select("subnet_id, COUNT(*) AS n").
		Where("subnet_id IN ?", ids).
		Group("subnet_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.SubnetID] = row.N
	}

	out := make([]SubnetAllocation, 0, len(subnets))
	for _, s := range subnets {
		out = append(out, SubnetAllocation{Subnet: s, Count: counts[s.ID]})
	}
	return out, nil
}

// SaveSubnetCursor persists the sequential cursor.
func (r *Repo) SaveSubnetCursor(id, next string) error {
	return r.db.Model(&models.Subnet{}).Where("id = ?", id).
		Update("next_auto_assign_ip", next).Error
}

// PortReferenceCount is the number of ports associated with an address.
func (r *Repo) PortReferenceCount(addressID uint) (int64, error) {
	var n int64
	err := r.db.Table("port_ip_address_associations").
		Where("ip_address_id = ?", addressID).
		Count(&n).Error
	return n, err
}

// MacFilter narrows MAC lookups. MAC space is tenant agnostic, so there is
// no tenant filter.
type MacFilter struct {
	Address           *uint64
	MacAddressRangeID string
	Deallocated       *bool
	ReclaimableBefore *time.Time
}

func (f MacFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Address != nil {
		q = q.Where("address = ?", *f.Address)
	}
	if f.MacAddressRangeID != "" {
		q = q.Where("mac_address_range_id = ?", f.MacAddressRangeID)
	}
	if f.Deallocated != nil {
		q = q.Where("deallocated = ?", *f.Deallocated)
	}
	if f.ReclaimableBefore != nil {
		q = q.Where("deallocated_at <= ?", *f.ReclaimableBefore)
	}
	return q
}

func (r *Repo) MacAddresses(scope Scope, f MacFilter) ([]models.MacAddress, error) {
	q := f.apply(r.db.Model(&models.MacAddress{}))
	if f.ReclaimableBefore != nil {
		q = q.Order("deallocated_at")
	}
	q = q.Order("address")
	if scope == One {
		q = q.Limit(1)
	}
	var out []models.MacAddress
	return out, q.Find(&out).Error
}

func (r *Repo) MacExists(address uint64) (bool, error) {
	var n int64
	err := r.db.Model(&models.MacAddress{}).Where("address = ?", address).Count(&n).Error
	return n > 0, err
}

// ReclaimMAC clears the quarantine on address. False means it was lost to a
// concurrent reclaim.
func (r *Repo) ReclaimMAC(address uint64, tenantID string) (bool, error) {
	res := r.db.Model(&models.MacAddress{}).
		Where("address = ? AND deallocated = ?", address, true).
		Updates(map[string]interface{}{
			"deallocated":    false,
			"deallocated_at": nil,
			"tenant_id":      tenantID,
		})
	return res.RowsAffected == 1, res.Error
}

// MacRangeAllocation pairs a range with its current MAC row count.
type MacRangeAllocation struct {
	Range models.MacAddressRange
	Count int64
}

// MacRangeAllocationCounts lists ranges with their usage. A non-nil address
// keeps only the range containing it.
func (r *Repo) MacRangeAllocationCounts(address *uint64) ([]MacRangeAllocation, error) {
	q := r.db.Model(&models.MacAddressRange{})
	if address != nil {
		q = q.Where("first_address <= ? AND last_address > ?", *address, *address)
	}
	var ranges []models.MacAddressRange
	if err := q.Order("created_at").Order("id").Find(&ranges).Error; err != nil {
		return nil, err
	}
	out := make([]MacRangeAllocation, 0, len(ranges))
	for _, rng := range ranges {
		n, err := r.MacRangeCount(rng.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, MacRangeAllocation{Range: rng, Count: n})
	}
	return out, nil
}

// MacRangeCount is the number of MAC rows held by a range.
func (r *Repo) MacRangeCount(rangeID string) (int64, error) {
	var n int64
	err := r.db.Model(&models.MacAddress{}).Where("mac_address_range_id = ?", rangeID).Count(&n).Error
	return n, err
}

func (r *Repo) SaveMacCursor(rangeID string, next uint64) error {
	return r.db.Model(&models.MacAddressRange{}).Where("id = ?", rangeID).
		Update("next_auto_assign_mac", next).Error
}

func boolPtr(b bool) *bool { return &b }
