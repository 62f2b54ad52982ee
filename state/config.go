package state

import (
	"time"
)

type RadioCfg struct {
	Group     string `yaml:"group,omitempty"`     // multicast group the sim radio joins, [ff02::...]:port
	Interface string `yaml:"interface,omitempty"` // interface used for the multicast group, empty picks the default
	Loopback  bool   `yaml:"loopback,omitempty"`  // deliver our own frames back, needed when several nodes share a host interface
	Rssi      int8   `yaml:"rssi,omitempty"`      // signal strength stamped on our frames, defaults to -60
}

type LocalDistributionCfg struct {
	Key PublicKey
	Url string
}

// LocalCfg represents local node-level configuration
type LocalCfg struct {
	Id             string                // human readable name, used as the log prefix
	ExtAddress     ExtAddress            `yaml:"ext_address"` // extended (MAC) address of this node
	Eui64          ExtAddress            `yaml:"eui64,omitempty"`
	Mode           LinkMode              `yaml:"mode"`
	RouterEligible bool                  `yaml:"router_eligible"`
	LeaderWeight   uint8                 `yaml:"leader_weight,omitempty"`
	LogPath        string                `yaml:"log_path,omitempty"` // if not empty, weft will write to this file
	Radio          RadioCfg              `yaml:"radio,omitempty"`
	Allow          []ExtAddress          `yaml:"allow,omitempty"` // if not empty, only frames from these addresses are accepted
	Deny           []ExtAddress          `yaml:"deny,omitempty"`
	Dist           *LocalDistributionCfg `yaml:",omitempty"` // signed dataset bundles
	Tunables       Tunables              `yaml:"tunables,omitempty"`
}

type SecurityPolicyCfg struct {
	RotationHours        uint16 `yaml:"rotation_hours"`
	ObtainNetworkKey     bool   `yaml:"obtain_network_key"`
	NativeCommissioning  bool   `yaml:"native_commissioning"`
	Routers              bool   `yaml:"routers"`
	ExternalCommissioner bool   `yaml:"external_commissioner"`
	Beacons              bool   `yaml:"beacons"`
}

// DatasetCfg is the yaml form of an operational dataset. Nil fields are absent.
type DatasetCfg struct {
	ActiveTimestamp  *uint64            `yaml:"active_timestamp,omitempty"`
	PendingTimestamp *uint64            `yaml:"pending_timestamp,omitempty"`
	NetworkKey       *NetworkKey        `yaml:"network_key,omitempty"`
	NetworkName      *string            `yaml:"network_name,omitempty"`
	ExtPanId         *ExtPanId          `yaml:"ext_panid,omitempty"`
	MeshLocalPrefix  *MeshLocalPrefix   `yaml:"mesh_local_prefix,omitempty"`
	DelayTimer       *time.Duration     `yaml:"delay_timer,omitempty"`
	PanId            *uint16            `yaml:"panid,omitempty"`
	Channel          *uint16            `yaml:"channel,omitempty"`
	Pskc             *Pskc              `yaml:"pskc,omitempty"`
	SecurityPolicy   *SecurityPolicyCfg `yaml:"security_policy,omitempty"`
	ChannelMask      *uint32            `yaml:"channel_mask,omitempty"`
}

func fromPtr[T, V any](o *Optional[V], p *T, conv func(T) V) {
	if p != nil {
		o.Set(conv(*p))
	}
}

func toPtr[T, V any](o Optional[V], conv func(V) T) *T {
	if !o.Present {
		return nil
	}
	v := conv(o.Value)
	return &v
}

func same[T any](v T) T {
	return v
}

func (c *DatasetCfg) Dataset() OperationalDataset {
	ds := OperationalDataset{}
	fromPtr(&ds.ActiveTimestamp, c.ActiveTimestamp, func(s uint64) Timestamp { return Timestamp{Seconds: s} })
	fromPtr(&ds.PendingTimestamp, c.PendingTimestamp, func(s uint64) Timestamp { return Timestamp{Seconds: s} })
	fromPtr(&ds.NetworkKey, c.NetworkKey, same)
	fromPtr(&ds.NetworkName, c.NetworkName, same)
	fromPtr(&ds.ExtPanId, c.ExtPanId, same)
	fromPtr(&ds.MeshLocalPrefix, c.MeshLocalPrefix, same)
	fromPtr(&ds.DelayTimer, c.DelayTimer, same)
	fromPtr(&ds.PanId, c.PanId, same)
	fromPtr(&ds.Channel, c.Channel, same)
	fromPtr(&ds.Pskc, c.Pskc, same)
	fromPtr(&ds.SecurityPolicy, c.SecurityPolicy, func(p SecurityPolicyCfg) SecurityPolicy {
		sp := SecurityPolicy{RotationHours: p.RotationHours}
		flags := []Pair[bool, SecurityPolicyFlags]{
			{p.ObtainNetworkKey, PolicyObtainNetworkKey},
			{p.NativeCommissioning, PolicyNativeCommissioning},
			{p.Routers, PolicyRouters},
			{p.ExternalCommissioner, PolicyExternalCommissioner},
			{p.Beacons, PolicyBeacons},
		}
		for _, f := range flags {
			if f.V1 {
				sp.Flags |= f.V2
			}
		}
		return sp
	})
	fromPtr(&ds.ChannelMask, c.ChannelMask, func(m uint32) ChannelMask { return ChannelMask(m) })
	return ds
}

func DatasetCfgFrom(ds OperationalDataset) DatasetCfg {
	return DatasetCfg{
		ActiveTimestamp:  toPtr(ds.ActiveTimestamp, func(t Timestamp) uint64 { return t.Seconds }),
		PendingTimestamp: toPtr(ds.PendingTimestamp, func(t Timestamp) uint64 { return t.Seconds }),
		NetworkKey:       toPtr(ds.NetworkKey, same),
		NetworkName:      toPtr(ds.NetworkName, same),
		ExtPanId:         toPtr(ds.ExtPanId, same),
		MeshLocalPrefix:  toPtr(ds.MeshLocalPrefix, same),
		DelayTimer:       toPtr(ds.DelayTimer, same),
		PanId:            toPtr(ds.PanId, same),
		Channel:          toPtr(ds.Channel, same),
		Pskc:             toPtr(ds.Pskc, same),
		SecurityPolicy: toPtr(ds.SecurityPolicy, func(p SecurityPolicy) SecurityPolicyCfg {
			return SecurityPolicyCfg{
				RotationHours:        p.RotationHours,
				ObtainNetworkKey:     p.Allows(PolicyObtainNetworkKey),
				NativeCommissioning:  p.Allows(PolicyNativeCommissioning),
				Routers:              p.Allows(PolicyRouters),
				ExternalCommissioner: p.Allows(PolicyExternalCommissioner),
				Beacons:              p.Allows(PolicyBeacons),
			}
		}),
		ChannelMask: toPtr(ds.ChannelMask, func(m ChannelMask) uint32 { return uint32(m) }),
	}
}

// Accepts applies the allow and deny lists to a frame source.
func (c *LocalCfg) Accepts(src ExtAddress) bool {
	for _, d := range c.Deny {
		if d == src {
			return false
		}
	}
	if len(c.Allow) == 0 {
		return true
	}
	for _, a := range c.Allow {
		if a == src {
			return true
		}
	}
	return false
}
