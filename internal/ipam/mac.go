package ipam

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"quark/internal/errdefs"
	"quark/internal/metrics"
	"quark/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AllocateMACRequest struct {
	TenantID  string
	NetworkID string
	// Address requests a specific MAC, in any form net.ParseMAC accepts.
	Address    string
	ReuseAfter time.Duration
}

// AllocateMAC reclaims an aged quarantined MAC, otherwise assigns one from
// the first range that still has room.
func (a *Allocator) AllocateMAC(ctx context.Context, tx *gorm.DB, req AllocateMACRequest) (*models.MacAddress, error) {
	repo := NewRepo(tx).WithContext(ctx)
	log := a.log.WithFields(logrus.Fields{"network": req.NetworkID, "tenant": req.TenantID})

	var want *uint64
	if req.Address != "" {
		v, err := ParseMAC(req.Address)
		if err != nil {
			return nil, err
		}
		want = &v
	}

	mac, err := a.reclaimMAC(repo, req.TenantID, want, req.ReuseAfter)
	if err != nil {
		metrics.MACAllocations.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	if mac != nil {
		metrics.MACAllocations.WithLabelValues(metrics.ResultReclaimed).Inc()
		log.WithField("mac", FormatMAC(mac.Address)).Debug("reclaimed mac address")
		return mac, nil
	}

	ranges, err := repo.MacRangeAllocationCounts(want)
	if err != nil {
		metrics.MACAllocations.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	for i := range ranges {
		rng := &ranges[i].Range
		if rng.LastAddress-rng.FirstAddress <= uint64(ranges[i].Count) {
			continue
		}
		if want != nil {
			mac, err = a.createRequestedMAC(repo, req, rng, *want)
		} else {
			mac, err = a.createSequentialMAC(repo, req, rng)
		}
		if errdefs.IsMacAddressGenerationFailure(err) {
			continue
		}
		if err != nil {
			metrics.MACAllocations.WithLabelValues(metrics.ResultError).Inc()
			return nil, err
		}
		metrics.MACAllocations.WithLabelValues(metrics.ResultAllocated).Inc()
		log.WithFields(logrus.Fields{"mac": FormatMAC(mac.Address), "range": rng.ID}).Debug("allocated mac address")
		return mac, nil
	}
	metrics.MACAllocations.WithLabelValues(metrics.ResultExhausted).Inc()
	return nil, errdefs.MacAddressGenerationFailure(req.NetworkID)
}

func (a *Allocator) reclaimMAC(repo *Repo, tenantID string, want *uint64, reuseAfter time.Duration) (*models.MacAddress, error) {
	before := a.now().Add(-reuseAfter)
	f := MacFilter{Address: want, Deallocated: boolPtr(true), ReclaimableBefore: &before}
	for i := 0; i < reclaimAttempts; i++ {
		found, err := repo.MacAddresses(One, f)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, nil
		}
		mac := found[0]
		ok, err := repo.ReclaimMAC(mac.Address, tenantID)
		if err != nil {
			return nil, err
		}
		if ok {
			mac.Deallocated = false
			mac.DeallocatedAt = nil
			mac.TenantID = tenantID
			return &mac, nil
		}
		metrics.AllocationRetries.WithLabelValues(metrics.RetryReclaimLost).Inc()
	}
	return nil, nil
}

func (a *Allocator) createRequestedMAC(repo *Repo, req AllocateMACRequest, rng *models.MacAddressRange, want uint64) (*models.MacAddress, error) {
	exists, err := repo.MacExists(want)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errdefs.MacAddressGenerationFailure(req.NetworkID)
	}
	row := &models.MacAddress{Address: want, TenantID: req.TenantID, MacAddressRangeID: rng.ID}
	err = repo.DB().Transaction(func(sp *gorm.DB) error {
		return sp.Create(row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, errdefs.MacAddressGenerationFailure(req.NetworkID)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// createSequentialMAC walks the range cursor, skipping values held by any
// tenant. Same savepoint discipline as the IP walk.
func (a *Allocator) createSequentialMAC(repo *Repo, req AllocateMACRequest, rng *models.MacAddressRange) (*models.MacAddress, error) {
	next := rng.NextAutoAssignMAC
	if next < rng.FirstAddress {
		next = rng.FirstAddress
	}
	for ; next < rng.LastAddress; next++ {
		candidate := next
		exists, err := repo.MacExists(candidate)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		row := &models.MacAddress{Address: candidate, TenantID: req.TenantID, MacAddressRangeID: rng.ID}
		err = repo.DB().Transaction(func(sp *gorm.DB) error {
			if err := sp.Create(row).Error; err != nil {
				return err
			}
			return NewRepo(sp).SaveMacCursor(rng.ID, candidate+1)
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			metrics.AllocationRetries.WithLabelValues(metrics.RetryMACConflict).Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		rng.NextAutoAssignMAC = candidate + 1
		return row, nil
	}
	return nil, errdefs.MacAddressGenerationFailure(req.NetworkID)
}

// ParseMAC converts a textual MAC to its 48-bit integer form.
func ParseMAC(s string) (uint64, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return 0, errdefs.InvalidInput("invalid mac address %q", s)
	}
	var v uint64
	for _, b := range hw {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// FormatMAC renders v as aa:bb:cc:dd:ee:ff.
func FormatMAC(v uint64) string {
	hw := make(net.HardwareAddr, 6)
	for i := 5; i >= 0; i-- {
		hw[i] = byte(v)
		v >>= 8
	}
	return hw.String()
}

// ParseMacRange accepts a MAC prefix of 6 to 10 hex digits, separated by
// ':' or '-' or not at all, with an optional /mask. The mask defaults to the
// number of bits the prefix spells out and may not leave prefix bits below
// it. last is exclusive.
func ParseMacRange(val string) (cidr string, first, last uint64, err error) {
	invalid := errdefs.InvalidInput("invalid MAC address range %s", val)

	parts := strings.SplitN(val, "/", 2)
	prefix := strings.NewReplacer(":", "", "-", "").Replace(parts[0])
	if len(prefix) < 6 || len(prefix) > 10 {
		return "", 0, 0, invalid
	}
	diff := 12 - len(prefix)
	mask := 48 - diff*4
	if len(parts) > 1 {
		mask, err = strconv.Atoi(parts[1])
		if err != nil || mask < 0 || mask > 48 {
			return "", 0, 0, invalid
		}
	}
	first, err = strconv.ParseUint(prefix+strings.Repeat("0", diff), 16, 64)
	if err != nil {
		return "", 0, 0, invalid
	}
	size := uint64(1) << uint(48-mask)
	if first&(size-1) != 0 || first+size > 1<<48 {
		return "", 0, 0, invalid
	}
	last = first + size
	return fmt.Sprintf("%s/%d", FormatMAC(first), mask), first, last, nil
}

// CreateMacRange registers a new range with its cursor at the first address.
// Ranges never overlap.
func CreateMacRange(ctx context.Context, tx *gorm.DB, val string) (*models.MacAddressRange, error) {
	cidr, first, last, err := ParseMacRange(val)
	if err != nil {
		return nil, err
	}
	var clash models.MacAddressRange
	err = tx.WithContext(ctx).Where("first_address < ? AND last_address > ?", last, first).Limit(1).Find(&clash).Error
	if err != nil {
		return nil, err
	}
	if clash.ID != "" {
		return nil, errdefs.Conflict("MAC address range %s overlaps %s", cidr, clash.CIDR)
	}
	rng := &models.MacAddressRange{
		ID:                uuid.NewString(),
		CIDR:              cidr,
		FirstAddress:      first,
		LastAddress:       last,
		NextAutoAssignMAC: first,
	}
	return rng, tx.WithContext(ctx).Create(rng).Error
}

func GetMacRange(ctx context.Context, tx *gorm.DB, id string) (*models.MacAddressRange, error) {
	var rng models.MacAddressRange
	err := tx.WithContext(ctx).First(&rng, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("MAC address range %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &rng, nil
}

func ListMacRanges(ctx context.Context, tx *gorm.DB) ([]models.MacAddressRange, error) {
	var out []models.MacAddressRange
	return out, tx.WithContext(ctx).Order("created_at").Order("id").Find(&out).Error
}

// DeleteMacRange removes an empty range.
func DeleteMacRange(ctx context.Context, tx *gorm.DB, id string) error {
	rng, err := GetMacRange(ctx, tx, id)
	if err != nil {
		return err
	}
	n, err := NewRepo(tx).WithContext(ctx).MacRangeCount(rng.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return errdefs.InUse("MAC address range %s in use", id)
	}
	return tx.WithContext(ctx).Delete(rng).Error
}
