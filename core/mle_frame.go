package core

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
	"time"

	"github.com/encodeous/weft/state"
)

const mleSecuritySuite = 0xff

type Command uint8

const (
	CmdAdvertisement       Command = 4
	CmdDataRequest         Command = 7
	CmdDataResponse        Command = 8
	CmdParentRequest       Command = 9
	CmdParentResponse      Command = 10
	CmdChildIdRequest      Command = 11
	CmdChildIdResponse     Command = 12
	CmdChildUpdateRequest  Command = 13
	CmdChildUpdateResponse Command = 14

	CmdAddressQuery           Command = 0x80
	CmdAddressNotification    Command = 0x81
	CmdAddressError           Command = 0x82
	CmdAddressSolicit         Command = 0x83
	CmdAddressSolicitResponse Command = 0x84
	CmdAddressRelease         Command = 0x85
)

var commandNames = map[Command]string{
	CmdAdvertisement:          "advertisement",
	CmdDataRequest:            "data-request",
	CmdDataResponse:           "data-response",
	CmdParentRequest:          "parent-request",
	CmdParentResponse:         "parent-response",
	CmdChildIdRequest:         "child-id-request",
	CmdChildIdResponse:        "child-id-response",
	CmdChildUpdateRequest:     "child-update-request",
	CmdChildUpdateResponse:    "child-update-response",
	CmdAddressQuery:           "address-query",
	CmdAddressNotification:    "address-notification",
	CmdAddressError:           "address-error",
	CmdAddressSolicit:         "address-solicit",
	CmdAddressSolicitResponse: "address-solicit-response",
	CmdAddressRelease:         "address-release",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// MLE TLV types
const (
	mleSourceAddress  uint8 = 0
	mleMode           uint8 = 1
	mleTimeout        uint8 = 2
	mleChallenge      uint8 = 3
	mleResponse       uint8 = 4
	mleLinkQuality    uint8 = 6
	mleRoute64        uint8 = 9
	mleAddress16      uint8 = 10
	mleLeaderData     uint8 = 11
	mleScanMask       uint8 = 14
	mleStatus         uint8 = 17
	mleActiveDataset  uint8 = 24
	mlePendingDataset uint8 = 25

	mleTargetEid    uint8 = 0x80
	mleRouterId     uint8 = 0x81
	mleLeaderAge    uint8 = 0x82
	mleLinkMargin   uint8 = 0x83
	mleAttachFilter uint8 = 0x84
	mleRouteEntry   uint8 = 0x85
)

var mleBounds = map[uint8]tlvBounds{
	mleSourceAddress: {2, 2},
	mleMode:          {1, 1},
	mleTimeout:       {4, 4},
	mleChallenge:     {4, 8},
	mleResponse:      {4, 8},
	mleLinkQuality:   {1, 1},
	mleRoute64:       {9, 9 + state.MaxRouterId + 1},
	mleAddress16:     {2, 2},
	mleLeaderData:    {8, 8},
	mleScanMask:      {1, 1},
	mleStatus:        {1, 1},
	mleTargetEid:     {16, 16},
	mleRouterId:      {1, 1},
	mleLeaderAge:     {4, 4},
	mleLinkMargin:    {1, 1},
	mleAttachFilter:  {1, 1},
	mleRouteEntry:    {21, 21},
}

const (
	ScanRouters    uint8 = 0x80
	ScanEndDevices uint8 = 0x40
)

type Status uint8

const (
	StatusSuccess Status = iota
	StatusError
	StatusNoAddressAvailable
)

// Route64 is the router id set of a partition. Data holds one byte per allocated id in ascending order:
// bits 7..6 link quality out, 5..4 link quality in, 3..0 route cost.
type Route64 struct {
	Sequence uint8
	Mask     uint64
	Data     []uint8
}

func (r Route64) Allocated(id uint8) bool {
	return id <= state.MaxRouterId && r.Mask&(1<<(63-uint(id))) != 0
}

func (r Route64) Count() int {
	return bits.OnesCount64(r.Mask)
}

// Entry returns the route data byte of an allocated id.
func (r Route64) Entry(id uint8) (uint8, bool) {
	if !r.Allocated(id) {
		return 0, false
	}
	idx := bits.OnesCount64(r.Mask >> (64 - uint(id)))
	if idx >= len(r.Data) {
		return 0, false
	}
	return r.Data[idx], true
}

func routeByte(lqOut, lqIn, cost uint8) uint8 {
	return lqOut<<6 | (lqIn&3)<<4 | min(cost, 15)
}

// Frame is a decoded MLE message. Absent TLVs are left unset.
type Frame struct {
	Command      Command
	FrameCounter uint32

	Source         state.Optional[state.Rloc16]
	Mode           state.Optional[state.LinkMode]
	Timeout        state.Optional[time.Duration]
	Challenge      []byte
	Response       []byte
	LinkQuality    state.Optional[uint8]
	Route          state.Optional[Route64]
	Address16      state.Optional[state.Rloc16]
	LeaderData     state.Optional[state.LeaderData]
	ScanMask       state.Optional[uint8]
	Status         state.Optional[Status]
	ActiveDataset  state.Optional[state.OperationalDataset]
	PendingDataset state.Optional[state.OperationalDataset]

	TargetEid    state.Optional[netip.Addr]
	RouterId     state.Optional[uint8]
	LeaderAge    state.Optional[time.Duration]
	LinkMargin   state.Optional[uint8]
	AttachFilter state.Optional[state.AttachFilter]
	Routes       []state.RouteEntry
}

func encodeLeaderData(ld state.LeaderData) []byte {
	b := binary.BigEndian.AppendUint32(nil, ld.PartitionId)
	return append(b, ld.Weighting, ld.DataVersion, ld.StableDataVersion, ld.LeaderRouterId)
}

func encodeRouteEntry(e state.RouteEntry) []byte {
	b := make([]byte, 0, 21)
	addr := e.Prefix.Addr().As16()
	b = append(b, uint8(e.Prefix.Bits()))
	b = append(b, addr[:]...)
	b = binary.BigEndian.AppendUint16(b, uint16(e.Rloc16))
	var fl uint8
	if e.Stable {
		fl |= 0x80
	}
	if e.External {
		fl |= 0x40
	}
	if e.Prefix.Addr().Is4() {
		fl |= 0x20
	}
	fl |= uint8(e.Preference+1) & 0x3
	return append(b, fl, uint8(e.Flags))
}

func decodeRouteEntry(v []byte) (state.RouteEntry, error) {
	addr := netip.AddrFrom16([16]byte(v[1:17]))
	if v[19]&0x20 != 0 {
		addr = addr.Unmap()
	}
	prefix, err := addr.Prefix(int(v[0]))
	if err != nil {
		return state.RouteEntry{}, fmt.Errorf("route prefix length %d: %w", v[0], state.ErrParse)
	}
	return state.RouteEntry{
		Prefix:     prefix,
		Rloc16:     state.Rloc16(binary.BigEndian.Uint16(v[17:])),
		Stable:     v[19]&0x80 != 0,
		External:   v[19]&0x40 != 0,
		Preference: state.RoutePreference(int8(v[19]&0x3) - 1),
		Flags:      state.BorderRouterFlags(v[20]),
	}, nil
}

func encodeDataset(ds state.OperationalDataset) []byte {
	return EncodeTLV(state.Dataset{Operational: ds})
}

func (f *Frame) Marshal() []byte {
	b := []byte{mleSecuritySuite, uint8(f.Command)}
	b = binary.BigEndian.AppendUint32(b, f.FrameCounter)
	if v, ok := f.Source.Get(); ok {
		b = appendTLV(b, mleSourceAddress, u16(uint16(v)))
	}
	if v, ok := f.Mode.Get(); ok {
		b = appendTLV(b, mleMode, []byte{v.Encode()})
	}
	if v, ok := f.Timeout.Get(); ok {
		b = appendTLV(b, mleTimeout, u32(uint32(v/time.Second)))
	}
	if f.Challenge != nil {
		b = appendTLV(b, mleChallenge, f.Challenge)
	}
	if f.Response != nil {
		b = appendTLV(b, mleResponse, f.Response)
	}
	if v, ok := f.LinkQuality.Get(); ok {
		b = appendTLV(b, mleLinkQuality, []byte{v})
	}
	if v, ok := f.Route.Get(); ok {
		rb := append([]byte{v.Sequence}, u64(v.Mask)...)
		b = appendTLV(b, mleRoute64, append(rb, v.Data...))
	}
	if v, ok := f.Address16.Get(); ok {
		b = appendTLV(b, mleAddress16, u16(uint16(v)))
	}
	if v, ok := f.LeaderData.Get(); ok {
		b = appendTLV(b, mleLeaderData, encodeLeaderData(v))
	}
	if v, ok := f.ScanMask.Get(); ok {
		b = appendTLV(b, mleScanMask, []byte{v})
	}
	if v, ok := f.Status.Get(); ok {
		b = appendTLV(b, mleStatus, []byte{uint8(v)})
	}
	if v, ok := f.ActiveDataset.Get(); ok {
		b = appendTLV(b, mleActiveDataset, encodeDataset(v))
	}
	if v, ok := f.PendingDataset.Get(); ok {
		b = appendTLV(b, mlePendingDataset, encodeDataset(v))
	}
	if v, ok := f.TargetEid.Get(); ok {
		a := v.As16()
		b = appendTLV(b, mleTargetEid, a[:])
	}
	if v, ok := f.RouterId.Get(); ok {
		b = appendTLV(b, mleRouterId, []byte{v})
	}
	if v, ok := f.LeaderAge.Get(); ok {
		b = appendTLV(b, mleLeaderAge, u32(uint32(v/time.Millisecond)))
	}
	if v, ok := f.LinkMargin.Get(); ok {
		b = appendTLV(b, mleLinkMargin, []byte{v})
	}
	if v, ok := f.AttachFilter.Get(); ok {
		b = appendTLV(b, mleAttachFilter, []byte{uint8(v)})
	}
	for _, e := range f.Routes {
		b = appendTLV(b, mleRouteEntry, encodeRouteEntry(e))
	}
	return b
}

// ParseFrame decodes an MLE frame. Unknown TLVs are skipped; a malformed TLV rejects the frame.
func ParseFrame(b []byte) (*Frame, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("mle frame of %d bytes: %w", len(b), state.ErrParse)
	}
	if b[0] != mleSecuritySuite {
		return nil, fmt.Errorf("security suite %#x: %w", b[0], state.ErrParse)
	}
	f := &Frame{
		Command:      Command(b[1]),
		FrameCounter: binary.BigEndian.Uint32(b[2:6]),
	}
	tlvs, err := readTLVs(b[6:])
	if err != nil {
		return nil, err
	}
	for _, t := range tlvs {
		v := t.Value
		if t.Type == mleActiveDataset || t.Type == mlePendingDataset {
			ds, err := DecodeTLV(v)
			if err != nil {
				return nil, fmt.Errorf("%s dataset: %w", f.Command, err)
			}
			if t.Type == mleActiveDataset {
				f.ActiveDataset.Set(ds.Operational)
			} else {
				f.PendingDataset.Set(ds.Operational)
			}
			continue
		}
		bound, known := mleBounds[t.Type]
		if !known {
			continue
		}
		if len(v) < bound.min || len(v) > bound.max {
			return nil, fmt.Errorf("mle tlv %d has length %d, want %d..%d: %w",
				t.Type, len(v), bound.min, bound.max, state.ErrParse)
		}
		switch t.Type {
		case mleSourceAddress:
			f.Source.Set(state.Rloc16(binary.BigEndian.Uint16(v)))
		case mleMode:
			f.Mode.Set(state.DecodeLinkMode(v[0]))
		case mleTimeout:
			f.Timeout.Set(time.Duration(binary.BigEndian.Uint32(v)) * time.Second)
		case mleChallenge:
			f.Challenge = append([]byte(nil), v...)
		case mleResponse:
			f.Response = append([]byte(nil), v...)
		case mleLinkQuality:
			f.LinkQuality.Set(v[0])
		case mleRoute64:
			r := Route64{Sequence: v[0], Mask: binary.BigEndian.Uint64(v[1:9]), Data: append([]byte(nil), v[9:]...)}
			if r.Mask&1 != 0 || len(r.Data) != r.Count() {
				return nil, fmt.Errorf("route64 with %d ids and %d entries: %w", r.Count(), len(r.Data), state.ErrParse)
			}
			f.Route.Set(r)
		case mleAddress16:
			f.Address16.Set(state.Rloc16(binary.BigEndian.Uint16(v)))
		case mleLeaderData:
			f.LeaderData.Set(state.LeaderData{
				PartitionId:       binary.BigEndian.Uint32(v),
				Weighting:         v[4],
				DataVersion:       v[5],
				StableDataVersion: v[6],
				LeaderRouterId:    v[7],
			})
		case mleScanMask:
			f.ScanMask.Set(v[0])
		case mleStatus:
			f.Status.Set(Status(v[0]))
		case mleTargetEid:
			f.TargetEid.Set(netip.AddrFrom16([16]byte(v)))
		case mleRouterId:
			f.RouterId.Set(v[0])
		case mleLeaderAge:
			f.LeaderAge.Set(time.Duration(binary.BigEndian.Uint32(v)) * time.Millisecond)
		case mleLinkMargin:
			f.LinkMargin.Set(v[0])
		case mleAttachFilter:
			if v[0] > uint8(state.AttachBetterPartition) {
				return nil, fmt.Errorf("attach filter %d: %w", v[0], state.ErrParse)
			}
			f.AttachFilter.Set(state.AttachFilter(v[0]))
		case mleRouteEntry:
			e, err := decodeRouteEntry(v)
			if err != nil {
				return nil, err
			}
			f.Routes = append(f.Routes, e)
		}
	}
	return f, nil
}
