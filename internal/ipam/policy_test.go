package ipam

import (
	"math/big"
	"testing"

	"quark/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inet.af/netaddr"
)

func TestPolicySetRestrictedToCIDR(t *testing.T) {
	ps, err := NewPolicySet("10.0.0.0/24", []models.IPPolicyRange{
		{Address: "10.0.0.0", Prefix: 28},
		{Address: "192.168.0.0", Prefix: 16}, // outside, dropped
		{Address: "fd00::", Prefix: 64},      // other family, dropped
	})
	require.NoError(t, err)

	assert.True(t, ps.Contains(netaddr.MustParseIP("10.0.0.0")))
	assert.True(t, ps.Contains(netaddr.MustParseIP("10.0.0.15")))
	assert.False(t, ps.Contains(netaddr.MustParseIP("10.0.0.16")))
	assert.False(t, ps.Contains(netaddr.MustParseIP("192.168.1.1")))
	assert.Equal(t, big.NewInt(16), ps.Size())
	assert.Equal(t, big.NewInt(256-16-10), ps.FreeCapacity(10))
}

func TestPolicySetWiderThanCIDR(t *testing.T) {
	ps, err := NewPolicySet("10.0.0.0/24", []models.IPPolicyRange{{Address: "10.0.0.0", Prefix: 8}})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(256), ps.Size())
	assert.Equal(t, 0, ps.FreeCapacity(0).Sign())
}

func TestPolicySetIPv6(t *testing.T) {
	ps, err := NewPolicySet("fd00::/64", []models.IPPolicyRange{{Address: "fd00::", Prefix: 120}})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(256), ps.Size())

	want := new(big.Int).Lsh(big.NewInt(1), 64)
	want.Sub(want, big.NewInt(256+1))
	assert.Equal(t, want, ps.FreeCapacity(1))
}

func TestPolicySetEmpty(t *testing.T) {
	ps, err := NewPolicySet("10.1.0.0/30", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ps.Size().Sign())
	assert.False(t, ps.Contains(netaddr.MustParseIP("10.1.0.1")))
}

func TestPolicySetRejectsBadRange(t *testing.T) {
	_, err := NewPolicySet("10.0.0.0/24", []models.IPPolicyRange{{Address: "10.0.0.0", Prefix: 40}})
	assert.Error(t, err)
	_, err = NewPolicySet("10.0.0.0/24", []models.IPPolicyRange{{Address: "nope", Prefix: 8}})
	assert.Error(t, err)
}

func TestEffectivePolicySubnetWins(t *testing.T) {
	subnetPolicy := &models.IPPolicy{Exclude: []models.IPPolicyRange{{Address: "10.0.0.0", Prefix: 30}}}
	netPolicy := &models.IPPolicy{Exclude: []models.IPPolicyRange{{Address: "10.0.0.0", Prefix: 24}}}

	got := EffectivePolicy(&models.Subnet{IPPolicy: subnetPolicy}, &models.Network{IPPolicy: netPolicy})
	assert.Equal(t, subnetPolicy.Exclude, got)

	got = EffectivePolicy(&models.Subnet{}, &models.Network{IPPolicy: netPolicy})
	assert.Equal(t, netPolicy.Exclude, got)

	assert.Nil(t, EffectivePolicy(&models.Subnet{}, &models.Network{}))
}
