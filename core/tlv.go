package core

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"

	"github.com/encodeous/weft/state"
)

type tlv struct {
	Type  uint8
	Value []byte
}

func appendTLV(b []byte, typ uint8, value []byte) []byte {
	b = append(b, typ, uint8(len(value)))
	return append(b, value...)
}

// readTLVs splits a buffer into TLVs, failing on any truncated entry.
func readTLVs(b []byte) ([]tlv, error) {
	out := make([]tlv, 0)
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("truncated tlv header: %w", state.ErrParse)
		}
		l := int(b[1])
		if len(b)-2 < l {
			return nil, fmt.Errorf("tlv %d declares %d bytes, %d remain: %w", b[0], l, len(b)-2, state.ErrParse)
		}
		out = append(out, tlv{Type: b[0], Value: b[2 : 2+l]})
		b = b[2+l:]
	}
	return out, nil
}

// meshcop TLV types
const (
	tlvChannel            uint8 = 0
	tlvPanId              uint8 = 1
	tlvExtPanId           uint8 = 2
	tlvNetworkName        uint8 = 3
	tlvPskc               uint8 = 4
	tlvNetworkKey         uint8 = 5
	tlvMeshLocalPrefix    uint8 = 7
	tlvSteeringData       uint8 = 8
	tlvBorderAgentLocator uint8 = 9
	tlvSessionId          uint8 = 11
	tlvSecurityPolicy     uint8 = 12
	tlvActiveTimestamp    uint8 = 14
	tlvJoinerUdpPort      uint8 = 18
	tlvPendingTimestamp   uint8 = 51
	tlvDelayTimer         uint8 = 52
	tlvChannelMask        uint8 = 53
)

type tlvBounds struct {
	min, max int
}

var meshcopBounds = map[uint8]tlvBounds{
	tlvChannel:            {3, 3},
	tlvPanId:              {2, 2},
	tlvExtPanId:           {8, 8},
	tlvNetworkName:        {1, state.MaxNetworkNameLength},
	tlvPskc:               {1, 16},
	tlvNetworkKey:         {16, 16},
	tlvMeshLocalPrefix:    {8, 8},
	tlvSteeringData:       {1, state.MaxSteeringDataLength},
	tlvBorderAgentLocator: {2, 2},
	tlvSessionId:          {2, 2},
	tlvSecurityPolicy:     {3, 4},
	tlvActiveTimestamp:    {8, 8},
	tlvJoinerUdpPort:      {2, 2},
	tlvPendingTimestamp:   {8, 8},
	tlvDelayTimer:         {4, 4},
	tlvChannelMask:        {0, 254},
}

func u16(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

func u32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// EncodeTLV writes every present field as a meshcop TLV in ascending type order. Absent fields are omitted.
func EncodeTLV(ds state.Dataset) []byte {
	op := &ds.Operational
	cm := &ds.Commissioning
	b := make([]byte, 0, 128)
	if ch, ok := op.Channel.Get(); ok {
		b = appendTLV(b, tlvChannel, append([]byte{0}, u16(ch)...))
	}
	if pan, ok := op.PanId.Get(); ok {
		b = appendTLV(b, tlvPanId, u16(pan))
	}
	if x, ok := op.ExtPanId.Get(); ok {
		b = appendTLV(b, tlvExtPanId, x[:])
	}
	if name, ok := op.NetworkName.Get(); ok {
		b = appendTLV(b, tlvNetworkName, []byte(name))
	}
	if p, ok := op.Pskc.Get(); ok {
		b = appendTLV(b, tlvPskc, p[:])
	}
	if k, ok := op.NetworkKey.Get(); ok {
		b = appendTLV(b, tlvNetworkKey, k[:])
	}
	if m, ok := op.MeshLocalPrefix.Get(); ok {
		b = appendTLV(b, tlvMeshLocalPrefix, m[:])
	}
	if sd, ok := cm.SteeringData.Get(); ok {
		b = appendTLV(b, tlvSteeringData, sd.Data())
	}
	if loc, ok := cm.BorderAgentLocator.Get(); ok {
		b = appendTLV(b, tlvBorderAgentLocator, u16(uint16(loc)))
	}
	if sid, ok := cm.SessionId.Get(); ok {
		b = appendTLV(b, tlvSessionId, u16(sid))
	}
	if p, ok := op.SecurityPolicy.Get(); ok {
		b = appendTLV(b, tlvSecurityPolicy, append(u16(p.RotationHours), uint8(p.Flags)))
	}
	if ts, ok := op.ActiveTimestamp.Get(); ok {
		b = appendTLV(b, tlvActiveTimestamp, u64(ts.Uint64()))
	}
	if port, ok := cm.JoinerUdpPort.Get(); ok {
		b = appendTLV(b, tlvJoinerUdpPort, u16(port))
	}
	if ts, ok := op.PendingTimestamp.Get(); ok {
		b = appendTLV(b, tlvPendingTimestamp, u64(ts.Uint64()))
	}
	if d, ok := op.DelayTimer.Get(); ok {
		b = appendTLV(b, tlvDelayTimer, u32(uint32(d.Milliseconds())))
	}
	if m, ok := op.ChannelMask.Get(); ok {
		entry := append([]byte{0, 4}, u32(bits.Reverse32(uint32(m)))...)
		b = appendTLV(b, tlvChannelMask, entry)
	}
	return b
}

// DecodeTLV parses a meshcop TLV buffer. Unknown types are skipped. Any malformed TLV fails the whole
// buffer with ErrParse and no partial result is returned.
func DecodeTLV(b []byte) (state.Dataset, error) {
	tlvs, err := readTLVs(b)
	if err != nil {
		return state.Dataset{}, err
	}
	ds := state.Dataset{}
	op := &ds.Operational
	cm := &ds.Commissioning
	for _, t := range tlvs {
		bound, known := meshcopBounds[t.Type]
		if !known {
			continue
		}
		if len(t.Value) < bound.min || len(t.Value) > bound.max {
			return state.Dataset{}, fmt.Errorf("meshcop tlv %d has length %d, want %d..%d: %w",
				t.Type, len(t.Value), bound.min, bound.max, state.ErrParse)
		}
		v := t.Value
		switch t.Type {
		case tlvChannel:
			op.Channel.Set(binary.BigEndian.Uint16(v[1:]))
		case tlvPanId:
			op.PanId.Set(binary.BigEndian.Uint16(v))
		case tlvExtPanId:
			op.ExtPanId.Set(state.ExtPanId(v))
		case tlvNetworkName:
			op.NetworkName.Set(string(v))
		case tlvPskc:
			var p state.Pskc
			copy(p[:], v)
			op.Pskc.Set(p)
		case tlvNetworkKey:
			op.NetworkKey.Set(state.NetworkKey(v))
		case tlvMeshLocalPrefix:
			op.MeshLocalPrefix.Set(state.MeshLocalPrefix(v))
		case tlvSteeringData:
			cm.SteeringData.Set(state.SteeringDataFromBytes(v))
		case tlvBorderAgentLocator:
			cm.BorderAgentLocator.Set(state.Rloc16(binary.BigEndian.Uint16(v)))
		case tlvSessionId:
			cm.SessionId.Set(binary.BigEndian.Uint16(v))
		case tlvSecurityPolicy:
			op.SecurityPolicy.Set(state.SecurityPolicy{
				RotationHours: binary.BigEndian.Uint16(v),
				Flags:         state.SecurityPolicyFlags(v[2]),
			})
		case tlvActiveTimestamp:
			op.ActiveTimestamp.Set(state.TimestampFromUint64(binary.BigEndian.Uint64(v)))
		case tlvJoinerUdpPort:
			cm.JoinerUdpPort.Set(binary.BigEndian.Uint16(v))
		case tlvPendingTimestamp:
			op.PendingTimestamp.Set(state.TimestampFromUint64(binary.BigEndian.Uint64(v)))
		case tlvDelayTimer:
			op.DelayTimer.Set(time.Duration(binary.BigEndian.Uint32(v)) * time.Millisecond)
		case tlvChannelMask:
			mask, found, err := decodeChannelMask(v)
			if err != nil {
				return state.Dataset{}, err
			}
			if found {
				op.ChannelMask.Set(mask)
			}
		}
	}
	return ds, nil
}

// decodeChannelMask walks the (page, length, mask) entries and keeps the page 0 mask.
func decodeChannelMask(v []byte) (state.ChannelMask, bool, error) {
	var mask state.ChannelMask
	found := false
	for len(v) > 0 {
		if len(v) < 2 {
			return 0, false, fmt.Errorf("truncated channel mask entry: %w", state.ErrParse)
		}
		page, l := v[0], int(v[1])
		if len(v)-2 < l {
			return 0, false, fmt.Errorf("channel mask entry overruns tlv: %w", state.ErrParse)
		}
		if page == 0 {
			if l != 4 {
				return 0, false, fmt.Errorf("page 0 channel mask has length %d: %w", l, state.ErrParse)
			}
			mask = state.ChannelMask(bits.Reverse32(binary.BigEndian.Uint32(v[2:6])))
			found = true
		}
		v = v[2+l:]
	}
	return mask, found, nil
}
