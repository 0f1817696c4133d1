// Package quota enforces the security rule ceilings that gate port placement
// and group mutation.
//
// A caller that already validated a limit passes a Checked token naming it,
// and the enforcer skips its own check for that limit. Tokens come from the
// Preflight functions, which perform the checks and report which limits were
// actually enforced.
package quota

import (
	"context"
	"sort"

	"quark/internal/errdefs"
	"quark/internal/logs"

	"github.com/sirupsen/logrus"
)

type Limit string

const (
	PortsPerSwitch Limit = "max_ports_per_switch"
	RulesPerGroup  Limit = "max_rules_per_group"
	RulesPerPort   Limit = "max_rules_per_port"
)

var limitNames = map[Limit]string{
	PortsPerSwitch: "ports per switch",
	RulesPerGroup:  "rules per group",
	RulesPerPort:   "rules per port",
}

// Limits holds the configured ceilings. A value <= 0 disables the limit.
type Limits struct {
	PortsPerSwitch int
	RulesPerGroup  int
	RulesPerPort   int
}

func (l Limits) Value(limit Limit) int {
	switch limit {
	case PortsPerSwitch:
		return l.PortsPerSwitch
	case RulesPerGroup:
		return l.RulesPerGroup
	case RulesPerPort:
		return l.RulesPerPort
	}
	return 0
}

func (l Limits) Configured(limit Limit) bool { return l.Value(limit) > 0 }

// Checked names limits the caller already enforced. The zero value names
// none. Values are immutable.
type Checked struct {
	set map[Limit]struct{}
}

func NewChecked(limits ...Limit) Checked {
	return Checked{}.With(limits...)
}

// With returns a token naming c's limits plus limits.
func (c Checked) With(limits ...Limit) Checked {
	set := make(map[Limit]struct{}, len(c.set)+len(limits))
	for l := range c.set {
		set[l] = struct{}{}
	}
	for _, l := range limits {
		set[l] = struct{}{}
	}
	return Checked{set: set}
}

func (c Checked) Has(l Limit) bool {
	_, ok := c.set[l]
	return ok
}

func (c Checked) Limits() []Limit {
	out := make([]Limit, 0, len(c.set))
	for l := range c.set {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RuleSource counts security group rules, either from the local database or
// from the controller.
type RuleSource interface {
	// RuleCounts returns ingress+egress rule counts keyed by group id.
	RuleCounts(ctx context.Context, groupIDs []string) (map[string]int, error)
	// GroupsSharingPorts returns every group attached to a port that also
	// carries groupID.
	GroupsSharingPorts(ctx context.Context, groupID string) ([]string, error)
}

type Enforcer struct {
	limits Limits
	log    *logrus.Entry
}

func NewEnforcer(l Limits) *Enforcer {
	return &Enforcer{limits: l, log: logs.For("quota")}
}

func (e *Enforcer) Limits() Limits { return e.limits }

// enforce decides whether a callee must run the check for l itself.
func (e *Enforcer) enforce(checked Checked, l Limit) bool {
	configured := e.limits.Configured(l)
	if checked.Has(l) {
		if !configured {
			e.log.WithField("limit", l).Warn("limit check asserted for a limit that is not configured")
		}
		return false
	}
	if configured {
		e.log.WithField("limit", l).Debug("driver limit check expected but not performed by caller")
	}
	return configured
}

func (e *Enforcer) reached(l Limit, total int) error {
	e.log.WithFields(logrus.Fields{"limit": l, "value": e.limits.Value(l), "total": total}).
		Debug("driver limit reached")
	return errdefs.DriverLimitReached(limitNames[l])
}

func (e *Enforcer) groupWithin(ingress, egress int) error {
	if total := ingress + egress; total > e.limits.RulesPerGroup {
		return e.reached(RulesPerGroup, total)
	}
	return nil
}

func (e *Enforcer) portGroupsWithin(ctx context.Context, src RuleSource, groupIDs []string) error {
	counts, err := src.RuleCounts(ctx, dedupe(groupIDs))
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > e.limits.RulesPerPort {
		return e.reached(RulesPerPort, total)
	}
	return nil
}

func (e *Enforcer) ruleAdditionWithin(ctx context.Context, src RuleSource, groupID string, adding int) error {
	groups, err := src.GroupsSharingPorts(ctx, groupID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		// no port carries the group; nothing to exceed per port
		return nil
	}
	counts, err := src.RuleCounts(ctx, dedupe(append(groups, groupID)))
	if err != nil {
		return err
	}
	total := adding
	for _, n := range counts {
		total += n
	}
	if total > e.limits.RulesPerPort {
		return e.reached(RulesPerPort, total)
	}
	return nil
}

// CheckGroup fails when a profile would carry more than the per-group limit.
func (e *Enforcer) CheckGroup(checked Checked, ingress, egress int) error {
	if !e.enforce(checked, RulesPerGroup) {
		return nil
	}
	return e.groupWithin(ingress, egress)
}

// CheckPortGroups fails when the groups attached to one port together carry
// more rules than the per-port limit.
func (e *Enforcer) CheckPortGroups(ctx context.Context, checked Checked, src RuleSource, groupIDs []string) error {
	if len(groupIDs) == 0 || !e.enforce(checked, RulesPerPort) {
		return nil
	}
	return e.portGroupsWithin(ctx, src, groupIDs)
}

// CheckPortQuota fails when adding rules to groupID would push any port
// carrying it past the per-port limit. The count spans the union of groups
// on those ports.
func (e *Enforcer) CheckPortQuota(ctx context.Context, checked Checked, src RuleSource, groupID string, adding int) error {
	if !e.enforce(checked, RulesPerPort) {
		return nil
	}
	return e.ruleAdditionWithin(ctx, src, groupID, adding)
}

// PreflightGroup runs the per-group check ahead of a driver call.
func (e *Enforcer) PreflightGroup(ingress, egress int) (Checked, error) {
	if !e.limits.Configured(RulesPerGroup) {
		return Checked{}, nil
	}
	if err := e.groupWithin(ingress, egress); err != nil {
		return Checked{}, err
	}
	return NewChecked(RulesPerGroup), nil
}

// PreflightPort runs the per-port check for a port about to be created with
// groupIDs attached.
func (e *Enforcer) PreflightPort(ctx context.Context, src RuleSource, groupIDs []string) (Checked, error) {
	if !e.limits.Configured(RulesPerPort) {
		return Checked{}, nil
	}
	if len(groupIDs) > 0 {
		if err := e.portGroupsWithin(ctx, src, groupIDs); err != nil {
			return Checked{}, err
		}
	}
	return NewChecked(RulesPerPort), nil
}

// PreflightRule runs both rule checks for adding rules to groupID whose
// profile will then hold ingress+egress rules.
func (e *Enforcer) PreflightRule(ctx context.Context, src RuleSource, groupID string, ingress, egress, adding int) (Checked, error) {
	var checked Checked
	if e.limits.Configured(RulesPerGroup) {
		if err := e.groupWithin(ingress, egress); err != nil {
			return Checked{}, err
		}
		checked = checked.With(RulesPerGroup)
	}
	if e.limits.Configured(RulesPerPort) {
		if err := e.ruleAdditionWithin(ctx, src, groupID, adding); err != nil {
			return Checked{}, err
		}
		checked = checked.With(RulesPerPort)
	}
	return checked, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
