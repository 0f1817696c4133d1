package driver

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"quark/internal/errdefs"
	"quark/internal/models"
	"quark/internal/nvp"
	"quark/internal/nvp/memctl"
	"quark/internal/quota"
	"quark/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const tenant = "tenant-1"

type env struct {
	t      *testing.T
	ctl    *memctl.Controller
	client *nvp.Client
	db     *gorm.DB
	drv    Driver
}

func newEnv(t *testing.T, kind string, limits quota.Limits) *env {
	t.Helper()
	ctl, client := testutil.Controller(t)
	drv, err := New(kind, client, quota.NewEnforcer(limits))
	require.NoError(t, err)
	return &env{t: t, ctl: ctl, client: client, db: testutil.OpenDB(t), drv: drv}
}

func forEachKind(t *testing.T, fn func(t *testing.T, kind string)) {
	for _, kind := range []string{KindDirect, KindOptimized} {
		t.Run(kind, func(t *testing.T) { fn(t, kind) })
	}
}

func (e *env) network(id string, p Provider) SwitchRef {
	e.t.Helper()
	ref, err := e.drv.CreateNetwork(context.Background(), e.db, NetworkSpec{TenantID: tenant, NetworkID: id, Name: "net-" + id, Provider: p})
	require.NoError(e.t, err)
	return ref
}

func (e *env) port(networkID, portID string, groups ...string) (*PortResult, error) {
	return e.drv.CreatePort(context.Background(), e.db, PortSpec{
		TenantID:       tenant,
		NetworkID:      networkID,
		PortID:         portID,
		AdminUp:        true,
		SecurityGroups: groups,
	}, quota.Checked{})
}

// group creates a security group with n ingress rules, locally and remotely.
func (e *env) group(id string, n int) {
	e.t.Helper()
	require.NoError(e.t, e.db.Create(&models.SecurityGroup{ID: id, TenantID: tenant}).Error)
	var rules []nvp.SecurityRule
	for i := 0; i < n; i++ {
		rules = append(rules, nvp.SecurityRule{Ethertype: "IPv4", Protocol: i + 1})
		require.NoError(e.t, e.db.Create(&models.SecurityGroupRule{
			ID: fmt.Sprintf("%s-r%d", id, i), GroupID: id, TenantID: tenant, Direction: DirectionIngress, Protocol: i + 1,
		}).Error)
	}
	_, err := e.drv.CreateSecurityGroup(context.Background(), e.db, GroupSpec{TenantID: tenant, GroupID: id, Name: id, Ingress: rules}, quota.Checked{})
	require.NoError(e.t, err)
}

func TestProviderValidation(t *testing.T) {
	_, client := testutil.Controller(t)
	d := NewDirect(client, quota.NewEnforcer(quota.Limits{}))
	seg := func(n int) *int { return &n }

	tests := []struct {
		name string
		p    Provider
		is   func(error) bool
	}{
		{"physical network only", Provider{PhysicalNetwork: testutil.DefaultZone}, errdefs.IsProvidernetParamError},
		{"network type only", Provider{NetworkType: "vlan"}, errdefs.IsProvidernetParamError},
		{"segment on stt", Provider{PhysicalNetwork: testutil.DefaultZone, NetworkType: "stt", SegmentID: seg(3)}, errdefs.IsSegmentIDUnsupported},
		{"vlan without segment", Provider{PhysicalNetwork: testutil.DefaultZone, NetworkType: "vlan"}, errdefs.IsSegmentIDRequired},
		{"unknown type", Provider{PhysicalNetwork: testutil.DefaultZone, NetworkType: "vxlan"}, errdefs.IsInvalidPhysicalNetworkType},
		{"unknown zone", Provider{PhysicalNetwork: "tz-nope", NetworkType: "vlan", SegmentID: seg(122)}, errdefs.IsPhysicalNetworkNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.bindProvider(context.Background(), tt.p)
			require.Error(t, err)
			assert.True(t, tt.is(err), "unexpected error %v", err)
		})
	}

	b, err := d.bindProvider(context.Background(), Provider{})
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = d.bindProvider(context.Background(), Provider{PhysicalNetwork: testutil.DefaultZone, NetworkType: "VLAN", SegmentID: seg(122)})
	require.NoError(t, err)
	assert.Equal(t, "bridge", b.TransportType)
	require.NotNil(t, b.SegmentID())
	assert.Equal(t, 122, *b.SegmentID())

	b, err = d.bindProvider(context.Background(), Provider{PhysicalNetwork: testutil.DefaultZone, NetworkType: "gre"})
	require.NoError(t, err)
	assert.Equal(t, "gre", b.TransportType)
	assert.Nil(t, b.SegmentID())
}

func TestPlacementOverflowsToNewSwitch(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{PortsPerSwitch: 2})
		seg := 5
		first := e.network("n1", Provider{PhysicalNetwork: testutil.DefaultZone, NetworkType: "vlan", SegmentID: &seg})

		var placed []string
		for i := 0; i < 3; i++ {
			res, err := e.port("n1", fmt.Sprintf("p%d", i))
			require.NoError(t, err)
			placed = append(placed, res.Switch.RemoteID)
		}
		assert.Equal(t, first.RemoteID, placed[0])
		assert.Equal(t, first.RemoteID, placed[1])
		assert.NotEqual(t, first.RemoteID, placed[2])

		switches := e.ctl.Switches()
		require.Len(t, switches, 2)
		for _, sw := range switches {
			n, _ := sw.PortCount()
			assert.LessOrEqual(t, n, 2)
			require.Len(t, sw.TransportZones, 1)
			assert.Equal(t, testutil.DefaultZone, sw.TransportZones[0].ZoneUUID)
			require.NotNil(t, sw.TransportZones[0].SegmentID())
			assert.Equal(t, 5, *sw.TransportZones[0].SegmentID())
		}

		if kind == KindOptimized {
			var counts []int
			require.NoError(t, e.db.Model(&models.LSwitch{}).Order("port_count desc").Pluck("port_count", &counts).Error)
			assert.Equal(t, []int{2, 1}, counts)
		}
	})
}

func TestUnlimitedPlacementUsesOneSwitch(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{})
		e.network("n1", Provider{})
		for i := 0; i < 4; i++ {
			_, err := e.port("n1", fmt.Sprintf("p%d", i))
			require.NoError(t, err)
		}
		assert.Len(t, e.ctl.Switches(), 1)
		assert.Len(t, e.ctl.Ports("*"), 4)
	})
}

func TestPortWithoutSwitchIsBadState(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{})
		_, err := e.port("never-created", "p1")
		require.Error(t, err)
		assert.True(t, errdefs.IsBadNVPState(err))
		assert.True(t, errdefs.IsInternal(err))
	})
}

func TestPortRuleLimitBlocksPlacement(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{RulesPerPort: 2})
		e.network("n1", Provider{})
		e.group("g1", 1)
		e.group("g2", 1)
		e.group("g3", 1)

		_, err := e.port("n1", "p1", "g1", "g2", "g3")
		require.Error(t, err)
		assert.True(t, errdefs.IsDriverLimitReached(err))
		assert.Empty(t, e.ctl.Ports("*"))

		res, err := e.port("n1", "p2", "g1", "g2")
		require.NoError(t, err)
		assert.Len(t, res.Port.SecurityProfiles, 2)
	})
}

func TestCallerCheckedLimitIsSkipped(t *testing.T) {
	e := newEnv(t, KindDirect, quota.Limits{RulesPerPort: 1})
	e.network("n1", Provider{})
	e.group("g1", 1)
	e.group("g2", 1)

	_, err := e.drv.CreatePort(context.Background(), e.db, PortSpec{
		TenantID: tenant, NetworkID: "n1", PortID: "p1", SecurityGroups: []string{"g1", "g2"},
	}, quota.NewChecked(quota.RulesPerPort))
	assert.NoError(t, err)
}

func TestDeleteLastPortDeletesSwitchOnce(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{PortsPerSwitch: 5})
		e.network("n1", Provider{})
		a, err := e.port("n1", "p1")
		require.NoError(t, err)
		b, err := e.port("n1", "p2")
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, e.drv.DeletePort(ctx, e.db, tenant, a.Port.UUID))
		assert.Len(t, e.ctl.Switches(), 1)

		require.NoError(t, e.drv.DeletePort(ctx, e.db, tenant, b.Port.UUID))
		assert.Empty(t, e.ctl.Switches())

		err = e.drv.DeletePort(ctx, e.db, tenant, b.Port.UUID)
		require.Error(t, err)
		assert.True(t, errdefs.IsNotFound(err))

		err = e.drv.ReleasePort(ctx, e.db, b.Switch, b.Port.UUID)
		assert.True(t, errdefs.IsNotFound(err))

		if kind == KindOptimized {
			var n int64
			require.NoError(t, e.db.Model(&models.LSwitch{}).Count(&n).Error)
			assert.Zero(t, n)
			require.NoError(t, e.db.Model(&models.LSwitchPort{}).Count(&n).Error)
			assert.Zero(t, n)
		}
	})
}

func TestPortReleaseSurvivesSwitchDeleteFailure(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{PortsPerSwitch: 5})
		e.network("n1", Provider{})
		a, err := e.port("n1", "p1")
		require.NoError(t, err)
		e.ctl.FailNextExact(http.MethodDelete, "/ws.v1/lswitch/"+a.Switch.RemoteID, http.StatusServiceUnavailable, 1)

		ctx := context.Background()
		require.NoError(t, e.drv.DeletePort(ctx, e.db, tenant, a.Port.UUID))
		assert.Empty(t, e.ctl.Ports("*"))
		require.Len(t, e.ctl.Switches(), 1, "the empty switch stays behind")

		if kind == KindOptimized {
			var sw models.LSwitch
			require.NoError(t, e.db.First(&sw).Error)
			assert.Zero(t, sw.PortCount)
			var n int64
			require.NoError(t, e.db.Model(&models.LSwitchPort{}).Count(&n).Error)
			assert.Zero(t, n)
		}

		// the leftover switch takes the next port
		b, err := e.port("n1", "p2")
		require.NoError(t, err)
		assert.Equal(t, a.Switch.RemoteID, b.Switch.RemoteID)
		assert.Len(t, e.ctl.Switches(), 1)
	})
}

func TestReleaseOfPortAlreadyGoneRemotely(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{PortsPerSwitch: 5})
		e.network("n1", Provider{})
		a, err := e.port("n1", "p1")
		require.NoError(t, err)
		_, err = e.port("n1", "p2")
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, e.client.LPort(a.Switch.RemoteID).Delete(ctx, a.Port.UUID))
		require.NoError(t, e.drv.ReleasePort(ctx, e.db, a.Switch, a.Port.UUID))
		assert.Len(t, e.ctl.Switches(), 1)
		assert.Len(t, e.ctl.Ports("*"), 1)

		if kind == KindOptimized {
			var n int64
			require.NoError(t, e.db.Model(&models.LSwitchPort{}).Count(&n).Error)
			assert.Equal(t, int64(1), n)
			var sw models.LSwitch
			require.NoError(t, e.db.First(&sw).Error)
			assert.Equal(t, 1, sw.PortCount)
		}
	})
}

func TestDeleteNetworkRemovesEverySwitch(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{PortsPerSwitch: 1})
		e.network("n1", Provider{})
		e.network("n2", Provider{})
		for i := 0; i < 3; i++ {
			_, err := e.port("n1", fmt.Sprintf("p%d", i))
			require.NoError(t, err)
		}
		require.Len(t, e.ctl.Switches(), 4)

		require.NoError(t, e.drv.DeleteNetwork(context.Background(), e.db, tenant, "n1"))
		switches := e.ctl.Switches()
		require.Len(t, switches, 1)
		assert.Equal(t, "n2", nvp.TagValue(switches[0].Tags, nvp.ScopeNetwork))
	})
}

func TestUpdatePort(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{})
		e.network("n1", Provider{})
		e.group("g1", 1)
		res, err := e.port("n1", "p1")
		require.NoError(t, err)

		out, err := e.drv.UpdatePort(context.Background(), e.db, PortUpdate{
			TenantID:       tenant,
			RemoteID:       res.Port.UUID,
			AdminUp:        false,
			SecurityGroups: []string{"g1"},
		}, quota.Checked{})
		require.NoError(t, err)
		assert.False(t, out.AdminStatusEnabled)
		assert.Len(t, out.SecurityProfiles, 1)

		ports := e.ctl.Ports("*")
		require.Len(t, ports, 1)
		assert.False(t, ports[0].AdminStatusEnabled)
		assert.Equal(t, "p1", nvp.TagValue(ports[0].Tags, nvp.ScopePort))
	})
}

func TestSecurityGroupRuleLifecycle(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{RulesPerGroup: 2})
		ctx := context.Background()
		e.group("g1", 1)

		egress := RuleSpec{Direction: DirectionEgress, Rule: nvp.SecurityRule{Ethertype: "IPv4", Protocol: 6}}
		require.NoError(t, e.drv.CreateSecurityGroupRule(ctx, e.db, tenant, "g1", egress, quota.Checked{}))

		err := e.drv.CreateSecurityGroupRule(ctx, e.db, tenant, "g1", egress, quota.Checked{})
		assert.True(t, errdefs.IsConflict(err))

		third := RuleSpec{Direction: DirectionIngress, Rule: nvp.SecurityRule{Ethertype: "IPv6", Protocol: 17}}
		err = e.drv.CreateSecurityGroupRule(ctx, e.db, tenant, "g1", third, quota.Checked{})
		assert.True(t, errdefs.IsDriverLimitReached(err))

		bad := RuleSpec{Direction: "sideways", Rule: nvp.SecurityRule{Ethertype: "IPv4"}}
		err = e.drv.CreateSecurityGroupRule(ctx, e.db, tenant, "g1", bad, quota.Checked{})
		assert.True(t, errdefs.IsInvalidInput(err))

		require.NoError(t, e.drv.DeleteSecurityGroupRule(ctx, e.db, tenant, "g1", egress))
		err = e.drv.DeleteSecurityGroupRule(ctx, e.db, tenant, "g1", egress)
		assert.True(t, errdefs.IsNotFound(err))

		err = e.drv.UpdateSecurityGroup(ctx, e.db, GroupUpdate{
			TenantID: tenant,
			GroupID:  "g1",
			Ingress:  []nvp.SecurityRule{{Ethertype: "IPv4"}, {Ethertype: "IPv6"}, {Ethertype: "IPv4", Protocol: 1}},
		}, quota.Checked{})
		assert.True(t, errdefs.IsDriverLimitReached(err))

		require.NoError(t, e.drv.UpdateSecurityGroup(ctx, e.db, GroupUpdate{TenantID: tenant, GroupID: "g1", Name: "renamed"}, quota.Checked{}))

		require.NoError(t, e.drv.DeleteSecurityGroup(ctx, e.db, tenant, "g1"))
		err = e.drv.DeleteSecurityGroup(ctx, e.db, tenant, "g1")
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func TestRuleAdditionRespectsPortLimit(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind string) {
		e := newEnv(t, kind, quota.Limits{RulesPerPort: 3})
		ctx := context.Background()
		e.network("n1", Provider{})
		e.group("a", 1)
		e.group("b", 1)
		_, err := e.port("n1", "p1", "a", "b")
		require.NoError(t, err)
		require.NoError(t, e.db.Create(&models.Port{ID: "p1", TenantID: tenant, SecurityGroups: []models.SecurityGroup{{ID: "a"}, {ID: "b"}}}).Error)

		rule := RuleSpec{Direction: DirectionIngress, Rule: nvp.SecurityRule{Ethertype: "IPv4", Protocol: 50}}
		require.NoError(t, e.drv.CreateSecurityGroupRule(ctx, e.db, tenant, "a", rule, quota.Checked{}))
		require.NoError(t, e.db.Create(&models.SecurityGroupRule{ID: "a-extra", GroupID: "a", TenantID: tenant, Direction: DirectionIngress, Protocol: 50}).Error)

		next := RuleSpec{Direction: DirectionIngress, Rule: nvp.SecurityRule{Ethertype: "IPv4", Protocol: 51}}
		err = e.drv.CreateSecurityGroupRule(ctx, e.db, tenant, "a", next, quota.Checked{})
		require.Error(t, err)
		assert.True(t, errdefs.IsDriverLimitReached(err))
	})
}

func TestRemoteFailureLeavesMirrorUntouched(t *testing.T) {
	e := newEnv(t, KindOptimized, quota.Limits{})
	e.ctl.FailNext(http.MethodPost, "/ws.v1/lswitch", http.StatusInternalServerError, 1)

	_, err := e.drv.CreateNetwork(context.Background(), e.db, NetworkSpec{TenantID: tenant, NetworkID: "n1"})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnreachable(err))

	var n int64
	require.NoError(t, e.db.Model(&models.LSwitch{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestMirrorFailureIsInconsistency(t *testing.T) {
	e := newEnv(t, KindOptimized, quota.Limits{})
	require.NoError(t, e.db.Create(&models.SecurityProfile{ID: "g1", RemoteID: "stale"}).Error)

	_, err := e.drv.CreateSecurityGroup(context.Background(), e.db, GroupSpec{TenantID: tenant, GroupID: "g1"}, quota.Checked{})
	require.Error(t, err)
	assert.True(t, errdefs.IsMirrorInconsistent(err))
	assert.True(t, errdefs.IsInternal(err))
}

func TestCachedAddPortOnFullSwitchCompensates(t *testing.T) {
	e := newEnv(t, KindOptimized, quota.Limits{PortsPerSwitch: 1})
	e.network("n1", Provider{})
	first, err := e.port("n1", "p1")
	require.NoError(t, err)

	// the switch is full; booking another port on it must undo the remote create
	_, err = e.drv.AddPort(context.Background(), e.db, first.Switch, PortSpec{TenantID: tenant, NetworkID: "n1", PortID: "p2"})
	require.Error(t, err)
	assert.True(t, errdefs.IsDriverLimitReached(err))
	assert.Len(t, e.ctl.Ports(first.Switch.RemoteID), 1)
}

func TestCachedOverflowSwitchRemovedWhenPortFails(t *testing.T) {
	e := newEnv(t, KindOptimized, quota.Limits{PortsPerSwitch: 1})
	e.network("n1", Provider{})
	_, err := e.port("n1", "p1")
	require.NoError(t, err)

	// switch creation goes to /ws.v1/lswitch, port creation below it
	e.ctl.FailNext(http.MethodPost, "/ws.v1/lswitch/", http.StatusServiceUnavailable, 1)
	err = e.db.Transaction(func(tx *gorm.DB) error {
		_, err := e.drv.CreatePort(context.Background(), tx, PortSpec{TenantID: tenant, NetworkID: "n1", PortID: "p2", AdminUp: true}, quota.Checked{})
		return err
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnreachable(err))

	var mirrored int64
	require.NoError(t, e.db.Model(&models.LSwitch{}).Count(&mirrored).Error)
	assert.Equal(t, int64(1), mirrored)
	assert.Len(t, e.ctl.Switches(), 1)
}

func TestCacheCounters(t *testing.T) {
	db := testutil.OpenDB(t)
	c := cacheFor(context.Background(), db)
	require.NoError(t, c.AddSwitch(&models.LSwitch{ID: "s1", RemoteID: "r1", NetworkID: "n1"}))
	require.NoError(t, c.AddSwitch(&models.LSwitch{ID: "s2", RemoteID: "r2", NetworkID: "n1", PortCount: 1}))

	ok, err := c.IncrementPorts("s1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IncrementPorts("s1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	free, err := c.FreeSwitch("n1", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, free)
	assert.Equal(t, "s1", free.ID)

	free, err = c.FreeSwitch("n1", 2, []string{"s1"})
	require.NoError(t, err)
	require.NotNil(t, free)
	assert.Equal(t, "s2", free.ID)

	free, err = c.FreeSwitch("n1", 1, nil)
	require.NoError(t, err)
	assert.Nil(t, free)

	n, err := c.DecrementPorts("s1")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.DecrementPorts("s1")
	require.NoError(t, err)
	assert.Zero(t, n, "counter never goes negative")

	_, err = c.SwitchByRemoteID("missing")
	assert.True(t, errdefs.IsNotFound(err))
	_, _, err = c.SwitchForPort("missing")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = c.ProfileRemoteID("missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDefaultZoneBindsPlainNetworks(t *testing.T) {
	ctl, client := testutil.Controller(t)
	d, err := New(KindDirect, client, quota.NewEnforcer(quota.Limits{}), WithDefaultZone(testutil.DefaultZone))
	require.NoError(t, err)

	ref, err := d.CreateNetwork(context.Background(), testutil.OpenDB(t), NetworkSpec{TenantID: tenant, NetworkID: "n1"})
	require.NoError(t, err)
	require.NotNil(t, ref.Binding)
	assert.Equal(t, testutil.DefaultZone, ref.Binding.ZoneUUID)
	assert.Equal(t, "stt", ref.Binding.TransportType)

	switches := ctl.Switches()
	require.Len(t, switches, 1)
	assert.Len(t, switches[0].TransportZones, 1)
}
