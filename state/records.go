package state

import (
	"net/netip"
	"time"
)

// LinkMode mirrors the MLE Mode TLV bits.
type LinkMode struct {
	RxOnWhenIdle       bool `yaml:"rx_on_when_idle"`
	SecureDataRequests bool `yaml:"secure_data_requests"`
	FullThreadDevice   bool `yaml:"full_thread_device"`
	FullNetworkData    bool `yaml:"full_network_data"`
}

const (
	modeRxOnWhenIdle    = 0x08
	modeSecureDataReqs  = 0x04
	modeFullThreadDev   = 0x02
	modeFullNetworkData = 0x01
)

func (m LinkMode) Encode() uint8 {
	var b uint8
	if m.RxOnWhenIdle {
		b |= modeRxOnWhenIdle
	}
	if m.SecureDataRequests {
		b |= modeSecureDataReqs
	}
	if m.FullThreadDevice {
		b |= modeFullThreadDev
	}
	if m.FullNetworkData {
		b |= modeFullNetworkData
	}
	return b
}

func DecodeLinkMode(b uint8) LinkMode {
	return LinkMode{
		RxOnWhenIdle:       b&modeRxOnWhenIdle != 0,
		SecureDataRequests: b&modeSecureDataReqs != 0,
		FullThreadDevice:   b&modeFullThreadDev != 0,
		FullNetworkData:    b&modeFullNetworkData != 0,
	}
}

type Neighbor struct {
	ExtAddress     ExtAddress
	Rloc16         Rloc16
	LastHeard      time.Time
	LinkQualityIn  uint8
	LinkQualityOut uint8
	AverageRssi    int8
	Mode           LinkMode
	// RefreshSeq orders refreshes that happen within the same instant.
	RefreshSeq uint64
}

func (n *Neighbor) Base() *Neighbor {
	return n
}

func (n *Neighbor) Age(now time.Time) time.Duration {
	return now.Sub(n.LastHeard)
}

// TwoWayQuality is the worse of both link directions.
func (n *Neighbor) TwoWayQuality() uint8 {
	return min(n.LinkQualityIn, n.LinkQualityOut)
}

type Child struct {
	Neighbor
	Timeout            time.Duration
	ChildId            uint16
	NetworkDataVersion uint8
}

type Router struct {
	Neighbor
	RouterId        uint8
	NextHop         uint8
	PathCost        uint8
	Allocated       bool
	LinkEstablished bool
}

type EidCacheEntry struct {
	Target netip.Addr
	Rloc16 Rloc16
	Valid  bool
}
