package state

import (
	"fmt"
	"math"
	"time"
)

// Optional holds a value together with an explicit presence flag. Absent values are zero.
type Optional[T any] struct {
	Value   T
	Present bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Present: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Present
}

func (o *Optional[T]) Set(v T) {
	o.Value = v
	o.Present = true
}

func (o *Optional[T]) Clear() {
	var zero T
	o.Value = zero
	o.Present = false
}

type NetworkKey [16]byte
type Pskc [16]byte
type ExtPanId [8]byte
type MeshLocalPrefix [8]byte
type JoinerId [8]byte

const (
	MaxNetworkNameLength  = 16
	MaxSteeringDataLength = 16

	MaxTimestampSeconds = 1<<48 - 1
	MaxTimestampTicks   = 0x7fff
	// MaxDelayTimer is the longest delay the 32-bit millisecond wire field carries.
	MaxDelayTimer = time.Duration(math.MaxUint32) * time.Millisecond
)

// Timestamp orders datasets: 48-bit seconds, 15-bit ticks and the authoritative bit.
type Timestamp struct {
	Seconds       uint64
	Ticks         uint16
	Authoritative bool
}

func TimestampFromUint64(v uint64) Timestamp {
	return Timestamp{
		Seconds:       v >> 16,
		Ticks:         uint16(v>>1) & 0x7fff,
		Authoritative: v&1 == 1,
	}
}

// Valid reports whether every part of t fits its wire width.
func (t Timestamp) Valid() bool {
	return t.Seconds <= MaxTimestampSeconds && t.Ticks <= MaxTimestampTicks
}

func (t Timestamp) Uint64() uint64 {
	v := (t.Seconds&0xffffffffffff)<<16 | uint64(t.Ticks&0x7fff)<<1
	if t.Authoritative {
		v |= 1
	}
	return v
}

// Compare returns -1, 0 or 1. The order matches the numeric order of the wire encoding.
func (t Timestamp) Compare(o Timestamp) int {
	a, b := t.Uint64(), o.Uint64()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Seconds, t.Ticks)
}

type SecurityPolicyFlags uint8

const (
	PolicyObtainNetworkKey     SecurityPolicyFlags = 1 << 7
	PolicyNativeCommissioning  SecurityPolicyFlags = 1 << 6
	PolicyRouters              SecurityPolicyFlags = 1 << 5
	PolicyExternalCommissioner SecurityPolicyFlags = 1 << 4
	PolicyBeacons              SecurityPolicyFlags = 1 << 3

	PolicyAll = PolicyObtainNetworkKey | PolicyNativeCommissioning | PolicyRouters | PolicyExternalCommissioner | PolicyBeacons
)

type SecurityPolicy struct {
	RotationHours uint16
	Flags         SecurityPolicyFlags
}

// DefaultSecurityPolicy applies when the active dataset carries no policy.
var DefaultSecurityPolicy = SecurityPolicy{RotationHours: 672, Flags: PolicyAll}

func (p SecurityPolicy) Allows(flag SecurityPolicyFlags) bool {
	return p.Flags&flag == flag
}

// ChannelMask is the page 0 channel bitmap, bit n set when channel n is allowed.
type ChannelMask uint32

type OperationalDataset struct {
	ActiveTimestamp  Optional[Timestamp]
	PendingTimestamp Optional[Timestamp]
	NetworkKey       Optional[NetworkKey]
	NetworkName      Optional[string]
	ExtPanId         Optional[ExtPanId]
	MeshLocalPrefix  Optional[MeshLocalPrefix]
	DelayTimer       Optional[time.Duration]
	PanId            Optional[uint16]
	Channel          Optional[uint16]
	Pskc             Optional[Pskc]
	SecurityPolicy   Optional[SecurityPolicy]
	ChannelMask      Optional[ChannelMask]
}

// Policy returns the dataset policy or the default when absent.
func (d *OperationalDataset) Policy() SecurityPolicy {
	if p, ok := d.SecurityPolicy.Get(); ok {
		return p
	}
	return DefaultSecurityPolicy
}

type CommissioningDataset struct {
	BorderAgentLocator Optional[Rloc16]
	SessionId          Optional[uint16]
	SteeringData       Optional[SteeringData]
	JoinerUdpPort      Optional[uint16]
}

// Dataset is the decoded form of a meshcop TLV buffer.
type Dataset struct {
	Operational   OperationalDataset
	Commissioning CommissioningDataset
}

type DatasetField uint8

const (
	FieldActiveTimestamp DatasetField = iota
	FieldPendingTimestamp
	FieldNetworkKey
	FieldNetworkName
	FieldExtPanId
	FieldMeshLocalPrefix
	FieldDelayTimer
	FieldPanId
	FieldChannel
	FieldPskc
	FieldSecurityPolicy
	FieldChannelMask
)

var datasetFieldNames = [...]string{
	"active-timestamp",
	"pending-timestamp",
	"network-key",
	"network-name",
	"ext-panid",
	"mesh-local-prefix",
	"delay-timer",
	"panid",
	"channel",
	"pskc",
	"security-policy",
	"channel-mask",
}

func (f DatasetField) String() string {
	if int(f) < len(datasetFieldNames) {
		return datasetFieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Stable reports whether a change to the field increments the stable data version.
func (f DatasetField) Stable() bool {
	return f != FieldDelayTimer && f != FieldPendingTimestamp
}

func setOptional[T any](o *Optional[T], f DatasetField, value any) error {
	if value == nil {
		o.Clear()
		return nil
	}
	v, ok := value.(T)
	if !ok {
		var zero T
		return fmt.Errorf("%s expects %T, got %T: %w", f, zero, value, ErrInvalidArgs)
	}
	o.Set(v)
	return nil
}

func getOptional[T any](o Optional[T]) (any, bool) {
	if !o.Present {
		return nil, false
	}
	return o.Value, true
}

func checkTimestamp(f DatasetField, value any) error {
	if ts, ok := value.(Timestamp); ok && !ts.Valid() {
		return fmt.Errorf("%s %d.%d out of range: %w", f, ts.Seconds, ts.Ticks, ErrInvalidArgs)
	}
	return nil
}

// Apply sets the field to value, or clears it when value is nil. The field is left untouched on error.
// Delay timers are kept to whole milliseconds.
func (f DatasetField) Apply(d *OperationalDataset, value any) error {
	switch f {
	case FieldActiveTimestamp:
		if err := checkTimestamp(f, value); err != nil {
			return err
		}
		return setOptional(&d.ActiveTimestamp, f, value)
	case FieldPendingTimestamp:
		if err := checkTimestamp(f, value); err != nil {
			return err
		}
		return setOptional(&d.PendingTimestamp, f, value)
	case FieldNetworkKey:
		return setOptional(&d.NetworkKey, f, value)
	case FieldNetworkName:
		if s, ok := value.(string); ok && (len(s) == 0 || len(s) > MaxNetworkNameLength) {
			return fmt.Errorf("network name %q must be 1 to %d bytes: %w", s, MaxNetworkNameLength, ErrInvalidArgs)
		}
		return setOptional(&d.NetworkName, f, value)
	case FieldExtPanId:
		return setOptional(&d.ExtPanId, f, value)
	case FieldMeshLocalPrefix:
		return setOptional(&d.MeshLocalPrefix, f, value)
	case FieldDelayTimer:
		if dt, ok := value.(time.Duration); ok {
			if dt < 0 || dt > MaxDelayTimer {
				return fmt.Errorf("delay timer %s out of range: %w", dt, ErrInvalidArgs)
			}
			value = dt.Truncate(time.Millisecond)
		}
		return setOptional(&d.DelayTimer, f, value)
	case FieldPanId:
		return setOptional(&d.PanId, f, value)
	case FieldChannel:
		return setOptional(&d.Channel, f, value)
	case FieldPskc:
		return setOptional(&d.Pskc, f, value)
	case FieldSecurityPolicy:
		return setOptional(&d.SecurityPolicy, f, value)
	case FieldChannelMask:
		return setOptional(&d.ChannelMask, f, value)
	}
	return fmt.Errorf("unknown dataset field %d: %w", f, ErrInvalidArgs)
}

func (f DatasetField) Get(d *OperationalDataset) (any, bool) {
	switch f {
	case FieldActiveTimestamp:
		return getOptional(d.ActiveTimestamp)
	case FieldPendingTimestamp:
		return getOptional(d.PendingTimestamp)
	case FieldNetworkKey:
		return getOptional(d.NetworkKey)
	case FieldNetworkName:
		return getOptional(d.NetworkName)
	case FieldExtPanId:
		return getOptional(d.ExtPanId)
	case FieldMeshLocalPrefix:
		return getOptional(d.MeshLocalPrefix)
	case FieldDelayTimer:
		return getOptional(d.DelayTimer)
	case FieldPanId:
		return getOptional(d.PanId)
	case FieldChannel:
		return getOptional(d.Channel)
	case FieldPskc:
		return getOptional(d.Pskc)
	case FieldSecurityPolicy:
		return getOptional(d.SecurityPolicy)
	case FieldChannelMask:
		return getOptional(d.ChannelMask)
	}
	return nil, false
}

// StableEqual compares the fields that count towards the stable data version.
func (d *OperationalDataset) StableEqual(o *OperationalDataset) bool {
	for f := FieldActiveTimestamp; f <= FieldChannelMask; f++ {
		if !f.Stable() {
			continue
		}
		a, aok := f.Get(d)
		b, bok := f.Get(o)
		if aok != bok || a != b {
			return false
		}
	}
	return true
}
