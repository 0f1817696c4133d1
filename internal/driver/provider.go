package driver

import (
	"context"
	"strings"

	"quark/internal/errdefs"
	"quark/internal/nvp"
)

// connectorTypes maps a provider network type to the controller's transport
// connector type.
var connectorTypes = map[string]string{
	"stt":    "stt",
	"gre":    "gre",
	"flat":   "bridge",
	"bridge": "bridge",
	"vlan":   "bridge",
	"local":  "local",
}

// segmentTypes may carry a segment id.
var segmentTypes = map[string]bool{"flat": true, "vlan": true, "bridge": true}

// bindProvider validates p and resolves it into a transport zone binding.
// A nil binding means the switch has no provider attachment.
func (d *DirectPlacement) bindProvider(ctx context.Context, p Provider) (*nvp.TransportZoneBinding, error) {
	if p.empty() {
		return nil, nil
	}
	if p.PhysicalNetwork == "" {
		return nil, errdefs.ProvidernetParamError("provider:physical_network parameter required")
	}
	if p.NetworkType == "" {
		return nil, errdefs.ProvidernetParamError("provider:network_type parameter required")
	}
	netType := strings.ToLower(p.NetworkType)
	if p.SegmentID != nil && !segmentTypes[netType] {
		return nil, errdefs.SegmentIDUnsupported(p.NetworkType)
	}
	if netType == "vlan" && p.SegmentID == nil {
		return nil, errdefs.SegmentIDRequired(p.NetworkType)
	}
	connector, ok := connectorTypes[netType]
	if !ok {
		return nil, errdefs.InvalidPhysicalNetworkType(p.NetworkType)
	}

	zones, err := d.client.TransportZone().Query().UUID(p.PhysicalNetwork).Results(ctx)
	if err != nil {
		return nil, err
	}
	if zones.ResultCount == 0 {
		return nil, errdefs.PhysicalNetworkNotFound(p.PhysicalNetwork)
	}

	b := &nvp.TransportZoneBinding{ZoneUUID: p.PhysicalNetwork, TransportType: connector}
	if p.SegmentID != nil {
		b.BindingConfig = &nvp.BindingConfig{VlanTranslation: []nvp.VlanTranslation{{Transport: *p.SegmentID}}}
	}
	return b, nil
}

// providerOf recovers the provider parameters a switch was created with, so
// an overflow switch can be bound the same way.
func providerOf(b *nvp.TransportZoneBinding) Provider {
	if b == nil {
		return Provider{}
	}
	return Provider{PhysicalNetwork: b.ZoneUUID, NetworkType: b.TransportType, SegmentID: b.SegmentID()}
}
