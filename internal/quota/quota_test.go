package quota

import (
	"context"
	"testing"

	"quark/internal/errdefs"
	"quark/internal/models"
	"quark/internal/testutil"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	rules  map[string]int
	shared map[string][]string
}

func (f *fakeSource) RuleCounts(_ context.Context, ids []string) (map[string]int, error) {
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		out[id] = f.rules[id]
	}
	return out, nil
}

func (f *fakeSource) GroupsSharingPorts(_ context.Context, id string) ([]string, error) {
	return f.shared[id], nil
}

func TestCheckedToken(t *testing.T) {
	var zero Checked
	assert.False(t, zero.Has(RulesPerPort))
	assert.Empty(t, zero.Limits())

	c := NewChecked(RulesPerPort)
	d := c.With(RulesPerGroup)
	assert.False(t, c.Has(RulesPerGroup), "With must not mutate the receiver")
	assert.Equal(t, []Limit{RulesPerGroup, RulesPerPort}, d.Limits())
}

func TestCheckGroup(t *testing.T) {
	e := NewEnforcer(Limits{RulesPerGroup: 3})

	assert.NoError(t, e.CheckGroup(Checked{}, 2, 1))
	err := e.CheckGroup(Checked{}, 2, 2)
	require.Error(t, err)
	assert.True(t, errdefs.IsDriverLimitReached(err))

	// a caller that already checked wins
	assert.NoError(t, e.CheckGroup(NewChecked(RulesPerGroup), 10, 10))
}

func TestUncheckedLimitLogsAtDebug(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	e := NewEnforcer(Limits{RulesPerGroup: 3})
	e.log = logger.WithField("component", "quota")

	require.NoError(t, e.CheckGroup(Checked{}, 1, 1))
	require.NotEmpty(t, hook.AllEntries())
	for _, entry := range hook.AllEntries() {
		assert.Equal(t, logrus.DebugLevel, entry.Level, entry.Message)
	}
}

func TestDisabledLimitsNeverFail(t *testing.T) {
	e := NewEnforcer(Limits{})
	src := &fakeSource{rules: map[string]int{"a": 100}}

	assert.NoError(t, e.CheckGroup(Checked{}, 100, 100))
	assert.NoError(t, e.CheckPortGroups(context.Background(), Checked{}, src, []string{"a"}))

	checked, err := e.PreflightPort(context.Background(), src, []string{"a"})
	require.NoError(t, err)
	assert.False(t, checked.Has(RulesPerPort))
}

func TestCheckPortGroups(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(Limits{RulesPerPort: 2})
	src := &fakeSource{rules: map[string]int{"a": 1, "b": 1, "c": 1}}

	assert.NoError(t, e.CheckPortGroups(ctx, Checked{}, src, []string{"a", "b"}))
	// duplicates count once
	assert.NoError(t, e.CheckPortGroups(ctx, Checked{}, src, []string{"a", "a", "b"}))

	err := e.CheckPortGroups(ctx, Checked{}, src, []string{"a", "b", "c"})
	assert.True(t, errdefs.IsDriverLimitReached(err))

	assert.NoError(t, e.CheckPortGroups(ctx, Checked{}, src, nil))
}

func TestCheckPortQuota(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(Limits{RulesPerPort: 3})
	src := &fakeSource{
		rules:  map[string]int{"a": 1, "b": 1, "lonely": 5},
		shared: map[string][]string{"a": {"a", "b"}},
	}

	assert.NoError(t, e.CheckPortQuota(ctx, Checked{}, src, "a", 1))
	err := e.CheckPortQuota(ctx, Checked{}, src, "a", 2)
	assert.True(t, errdefs.IsDriverLimitReached(err))

	// a group no port carries is only bound by the per-group limit
	assert.NoError(t, e.CheckPortQuota(ctx, Checked{}, src, "lonely", 10))
}

func TestPreflightRule(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(Limits{RulesPerGroup: 2, RulesPerPort: 3})
	src := &fakeSource{
		rules:  map[string]int{"a": 1, "b": 1},
		shared: map[string][]string{"a": {"a", "b"}},
	}

	checked, err := e.PreflightRule(ctx, src, "a", 2, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []Limit{RulesPerGroup, RulesPerPort}, checked.Limits())

	_, err = e.PreflightRule(ctx, src, "a", 2, 1, 1)
	assert.True(t, errdefs.IsDriverLimitReached(err))
}

func TestDBSource(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)

	groups := []models.SecurityGroup{{ID: "g1"}, {ID: "g2"}, {ID: "g3"}}
	require.NoError(t, db.Create(&groups).Error)
	rules := []models.SecurityGroupRule{
		{ID: "r1", GroupID: "g1", Direction: "ingress"},
		{ID: "r2", GroupID: "g1", Direction: "egress"},
		{ID: "r3", GroupID: "g2", Direction: "ingress"},
	}
	require.NoError(t, db.Create(&rules).Error)
	require.NoError(t, db.Create(&models.Port{ID: "p1", SecurityGroups: []models.SecurityGroup{groups[0], groups[1]}}).Error)
	require.NoError(t, db.Create(&models.Port{ID: "p2", SecurityGroups: []models.SecurityGroup{groups[2]}}).Error)

	src := NewDBSource(db)
	counts, err := src.RuleCounts(ctx, []string{"g1", "g2", "g3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"g1": 2, "g2": 1, "g3": 0}, counts)

	shared, err := src.GroupsSharingPorts(ctx, "g2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2"}, shared)

	shared, err = src.GroupsSharingPorts(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, shared)
}
