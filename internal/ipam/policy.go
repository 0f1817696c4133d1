package ipam

import (
	"fmt"
	"math/big"

	"quark/internal/models"

	"inet.af/netaddr"
)

// PolicySet is the exclusion set of a pool, restricted to the pool's CIDR.
type PolicySet struct {
	prefix netaddr.IPPrefix
	set    *netaddr.IPSet
}

// NewPolicySet builds the effective exclusion set for cidr. Ranges of the
// other address family or outside the CIDR are dropped by the intersection.
func NewPolicySet(cidr string, exclude []models.IPPolicyRange) (*PolicySet, error) {
	prefix, err := netaddr.ParseIPPrefix(cidr)
	if err != nil {
		return nil, err
	}
	prefix = prefix.Masked()

	var eb netaddr.IPSetBuilder
	for _, r := range exclude {
		ip, err := netaddr.ParseIP(r.Address)
		if err != nil {
			return nil, fmt.Errorf("exclusion %s/%d: %w", r.Address, r.Prefix, err)
		}
		if r.Prefix < 0 || r.Prefix > int(ip.BitLen()) {
			return nil, fmt.Errorf("exclusion %s/%d: invalid prefix length", r.Address, r.Prefix)
		}
		eb.AddPrefix(netaddr.IPPrefixFrom(ip, uint8(r.Prefix)).Masked())
	}
	excluded, err := eb.IPSet()
	if err != nil {
		return nil, err
	}

	var b netaddr.IPSetBuilder
	b.AddPrefix(prefix)
	b.Intersect(excluded)
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return &PolicySet{prefix: prefix, set: set}, nil
}

// Contains reports whether ip is excluded.
func (p *PolicySet) Contains(ip netaddr.IP) bool {
	return p.set.Contains(ip)
}

// Size is the number of excluded addresses inside the CIDR.
func (p *PolicySet) Size() *big.Int {
	total := new(big.Int)
	for _, r := range p.set.Ranges() {
		n := new(big.Int).Sub(ipToInt(r.To()), ipToInt(r.From()))
		total.Add(total, n.Add(n, big.NewInt(1)))
	}
	return total
}

// Prefix is the pool boundary.
func (p *PolicySet) Prefix() netaddr.IPPrefix { return p.prefix }

// FreeCapacity is cidr size - allocated - excluded.
func (p *PolicySet) FreeCapacity(allocated int64) *big.Int {
	free := prefixSize(p.prefix)
	free.Sub(free, big.NewInt(allocated))
	return free.Sub(free, p.Size())
}

// EffectivePolicy returns the subnet policy when present, otherwise the
// network policy. The two are never merged.
func EffectivePolicy(subnet *models.Subnet, network *models.Network) []models.IPPolicyRange {
	if subnet != nil && subnet.IPPolicy != nil {
		return subnet.IPPolicy.Exclude
	}
	if network != nil && network.IPPolicy != nil {
		return network.IPPolicy.Exclude
	}
	return nil
}

func prefixSize(p netaddr.IPPrefix) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(p.IP().BitLen()-p.Bits()))
}

func ipToInt(ip netaddr.IP) *big.Int {
	if ip.Is4() {
		b := ip.As4()
		return new(big.Int).SetBytes(b[:])
	}
	b := ip.As16()
	return new(big.Int).SetBytes(b[:])
}
