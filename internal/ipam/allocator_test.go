package ipam

import (
	"context"
	"testing"
	"time"

	"quark/internal/errdefs"
	"quark/internal/models"
	"quark/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"inet.af/netaddr"
)

const tenant = "tenant-a"

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAllocator() (*Allocator, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	a := NewAllocator()
	a.now = c.now
	return a, c
}

func seedNetwork(t *testing.T, db *gorm.DB, exclude ...models.IPPolicyRange) *models.Network {
	t.Helper()
	n := &models.Network{ID: uuid.NewString(), TenantID: tenant, Name: "net"}
	if len(exclude) > 0 {
		n.IPPolicy = &models.IPPolicy{Exclude: exclude}
	}
	require.NoError(t, db.Create(n).Error)
	return n
}

func seedSubnet(t *testing.T, db *gorm.DB, networkID, cidr string, exclude ...models.IPPolicyRange) *models.Subnet {
	t.Helper()
	p := netaddr.MustParseIPPrefix(cidr)
	s := &models.Subnet{
		ID:               uuid.NewString(),
		NetworkID:        networkID,
		TenantID:         tenant,
		CIDR:             cidr,
		IPVersion:        ipVersion(p.IP()),
		NextAutoAssignIP: p.Masked().IP().String(),
	}
	if len(exclude) > 0 {
		s.IPPolicy = &models.IPPolicy{Exclude: exclude}
	}
	require.NoError(t, db.Create(s).Error)
	return s
}

func countIPs(t *testing.T, db *gorm.DB, networkID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.IPAddress{}).Where("network_id = ?", networkID).Count(&n).Error)
	return n
}

// insertAhead makes the next create of a T write a copy of its row first,
// the way a concurrent allocator that picked the same candidate would.
func insertAhead[T any](t *testing.T, db *gorm.DB, name string, reset func(*T)) *bool {
	t.Helper()
	raced := new(bool)
	err := db.Callback().Create().Before("gorm:create").Register(name, func(tx *gorm.DB) {
		row, ok := tx.Statement.Dest.(*T)
		if !ok || *raced {
			return
		}
		*raced = true
		dup := *row
		reset(&dup)
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(&dup).Error; err != nil {
			_ = tx.AddError(err)
		}
	})
	require.NoError(t, err)
	return raced
}

func TestAllocateIPMovesPastConcurrentInsert(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	s := seedSubnet(t, db, n.ID, "10.0.0.0/24")
	raced := insertAhead(t, db, "test:ip_taken", func(r *models.IPAddress) { r.ID = 0 })

	addr, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	assert.True(t, *raced)
	assert.Equal(t, "10.0.0.1", addr.Address)

	var stored models.Subnet
	require.NoError(t, db.First(&stored, "id = ?", s.ID).Error)
	assert.Equal(t, "10.0.0.2", stored.NextAutoAssignIP)
}

func TestAllocateIPSkipsExclusion(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	s := seedSubnet(t, db, n.ID, "10.0.0.0/24", models.IPPolicyRange{Address: "10.0.0.0", Prefix: 28})

	addr, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.16", addr.Address)
	assert.Equal(t, s.ID, addr.SubnetID)
	assert.Equal(t, 4, addr.Version)
	assert.False(t, addr.Deallocated)

	addr, err = a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.17", addr.Address)

	var stored models.Subnet
	require.NoError(t, db.First(&stored, "id = ?", s.ID).Error)
	assert.Equal(t, "10.0.0.18", stored.NextAutoAssignIP)
}

func TestAllocateIPNetworkPolicyFallback(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()

	n := seedNetwork(t, db, models.IPPolicyRange{Address: "192.168.1.0", Prefix: 30})
	seedSubnet(t, db, n.ID, "192.168.1.0/24")

	addr, err := a.AllocateIP(context.Background(), db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.4", addr.Address)
}

func TestAllocateIPSubnetPolicyReplacesNetworkPolicy(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()

	n := seedNetwork(t, db, models.IPPolicyRange{Address: "192.168.1.0", Prefix: 25})
	seedSubnet(t, db, n.ID, "192.168.1.0/24", models.IPPolicyRange{Address: "192.168.1.0", Prefix: 31})

	addr, err := a.AllocateIP(context.Background(), db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.2", addr.Address)
}

func TestAllocateIPRequestedAlreadyAllocated(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	seedSubnet(t, db, n.ID, "10.0.0.0/24")

	addr, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, Address: "10.0.0.50"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.50", addr.Address)
	require.Equal(t, int64(1), countIPs(t, db, n.ID))

	_, err = a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, Address: "10.0.0.50"})
	require.Error(t, err)
	assert.True(t, errdefs.IsAddressGenerationFailure(err))
	assert.Equal(t, int64(1), countIPs(t, db, n.ID))
}

func TestAllocateIPRequestedExcludedOrOutside(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	seedSubnet(t, db, n.ID, "10.0.0.0/24", models.IPPolicyRange{Address: "10.0.0.0", Prefix: 28})

	_, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, Address: "10.0.0.3"})
	assert.True(t, errdefs.IsAddressGenerationFailure(err))

	_, err = a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, Address: "10.9.0.3"})
	assert.True(t, errdefs.IsAddressGenerationFailure(err))

	_, err = a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, Address: "not-an-ip"})
	assert.True(t, errdefs.IsInvalidInput(err))
	assert.Equal(t, int64(0), countIPs(t, db, n.ID))
}

func TestAllocateIPExhaustion(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	seedSubnet(t, db, n.ID, "10.0.0.0/30")

	var got []string
	for i := 0; i < 4; i++ {
		addr, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
		require.NoError(t, err)
		got = append(got, addr.Address)
	}
	assert.Equal(t, []string{"10.0.0.0", "10.0.0.1", "10.0.0.2", "10.0.0.3"}, got)

	_, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	assert.True(t, errdefs.IsAddressGenerationFailure(err))
}

func TestAllocateIPFallsThroughFullSubnet(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	seedSubnet(t, db, n.ID, "10.0.0.0/31")
	second := seedSubnet(t, db, n.ID, "10.0.1.0/24")

	for i := 0; i < 2; i++ {
		_, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
		require.NoError(t, err)
	}
	addr, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, second.ID, addr.SubnetID)
	assert.Equal(t, "10.0.1.0", addr.Address)
}

func TestAllocateIPSkipsRowsWrittenBehindCursor(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()

	n := seedNetwork(t, db)
	s := seedSubnet(t, db, n.ID, "10.0.0.0/24")
	// a writer that committed without moving the cursor
	require.NoError(t, db.Create(&models.IPAddress{TenantID: "other", NetworkID: n.ID, SubnetID: s.ID, Address: "10.0.0.0", Version: 4}).Error)

	addr, err := a.AllocateIP(context.Background(), db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr.Address)
}

func TestAllocateIPVersionFilter(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	seedSubnet(t, db, n.ID, "10.0.0.0/24")
	seedSubnet(t, db, n.ID, "fd00:1::/64", models.IPPolicyRange{Address: "fd00:1::", Prefix: 126})

	addr, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, Version: 6})
	require.NoError(t, err)
	assert.Equal(t, "fd00:1::4", addr.Address)
	assert.Equal(t, 6, addr.Version)

	addr, err = a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, Address: "fd00:1::99"})
	require.NoError(t, err)
	assert.Equal(t, 6, addr.Version)
}

func TestAllocateIPUnknownNetwork(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	_, err := a.AllocateIP(context.Background(), db, AllocateIPRequest{TenantID: tenant, NetworkID: "missing"})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAllocateIPQuarantine(t *testing.T) {
	db := testutil.OpenDB(t)
	a, c := newTestAllocator()
	ctx := context.Background()
	reuse := 2 * time.Hour

	n := seedNetwork(t, db)
	seedSubnet(t, db, n.ID, "10.0.0.0/24")

	first, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, ReuseAfter: reuse})
	require.NoError(t, err)
	port := &models.Port{ID: uuid.NewString(), TenantID: tenant, NetworkID: n.ID, IPAddresses: []models.IPAddress{*first}}
	require.NoError(t, db.Create(port).Error)

	require.NoError(t, a.DeallocatePortIPs(ctx, db, port))
	assert.Empty(t, port.IPAddresses)

	var stored models.IPAddress
	require.NoError(t, db.First(&stored, first.ID).Error)
	assert.True(t, stored.Deallocated)
	require.NotNil(t, stored.DeallocatedAt)

	// still quarantined
	c.advance(time.Hour)
	second, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, ReuseAfter: reuse})
	require.NoError(t, err)
	assert.NotEqual(t, first.Address, second.Address)

	_, err = a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID, ReuseAfter: reuse, Address: first.Address})
	assert.True(t, errdefs.IsAddressGenerationFailure(err))

	c.advance(time.Hour + time.Second)
	third, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: "tenant-b", NetworkID: n.ID, ReuseAfter: reuse})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, first.Address, third.Address)
	assert.Equal(t, "tenant-b", third.TenantID)
	assert.False(t, third.Deallocated)

	require.NoError(t, db.First(&stored, first.ID).Error)
	assert.False(t, stored.Deallocated)
	assert.Nil(t, stored.DeallocatedAt)
}

func TestDeallocatePortIPsKeepsSharedAddress(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	seedSubnet(t, db, n.ID, "10.0.0.0/24")

	shared, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	own, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)

	p1 := &models.Port{ID: uuid.NewString(), NetworkID: n.ID, IPAddresses: []models.IPAddress{*shared, *own}}
	p2 := &models.Port{ID: uuid.NewString(), NetworkID: n.ID, IPAddresses: []models.IPAddress{*shared}}
	require.NoError(t, db.Create(p1).Error)
	require.NoError(t, db.Create(p2).Error)

	require.NoError(t, a.DeallocatePortIPs(ctx, db, p1))

	var got models.IPAddress
	require.NoError(t, db.First(&got, shared.ID).Error)
	assert.False(t, got.Deallocated)
	require.NoError(t, db.First(&got, own.ID).Error)
	assert.True(t, got.Deallocated)

	refs, err := NewRepo(db).PortReferenceCount(shared.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refs)
}

func TestAllocateIPInsideCallerTransaction(t *testing.T) {
	db := testutil.OpenDB(t)
	a, _ := newTestAllocator()
	ctx := context.Background()

	n := seedNetwork(t, db)
	seedSubnet(t, db, n.ID, "10.0.0.0/24")

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := a.AllocateIP(ctx, tx, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
		require.NoError(t, err)
		return errdefs.Conflict("abort")
	})
	require.Error(t, err)
	assert.Equal(t, int64(0), countIPs(t, db, n.ID))

	addr, err := a.AllocateIP(ctx, db, AllocateIPRequest{TenantID: tenant, NetworkID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0", addr.Address)
}
