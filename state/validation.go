package state

import (
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func RadioGroupValidator(s string) error {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return err
	}
	if !ap.Addr().Is6() || !ap.Addr().IsMulticast() {
		return fmt.Errorf("radio group %s is not an ipv6 multicast address", s)
	}
	return nil
}

func NodeConfigValidator(node *LocalCfg) error {
	err := NameValidator(node.Id)
	if err != nil {
		return err
	}
	if node.ExtAddress.IsZero() {
		return fmt.Errorf("node %s has no ext_address", node.Id)
	}
	if node.Radio.Group != "" {
		if err := RadioGroupValidator(node.Radio.Group); err != nil {
			return err
		}
	}
	if node.RouterEligible && !node.Mode.FullThreadDevice {
		return fmt.Errorf("router eligible node %s must be a full thread device", node.Id)
	}
	for _, a := range node.Allow {
		for _, d := range node.Deny {
			if a == d {
				return fmt.Errorf("%s is both allowed and denied", a)
			}
		}
	}
	return TunablesValidator(&node.Tunables)
}

func TunablesValidator(t *Tunables) error {
	if t.NeighborCapacity < 0 || t.ChildCapacity < 0 || t.RouterCapacity < 0 {
		return fmt.Errorf("table capacities must not be negative")
	}
	if t.ChildCapacity > MaxChildId {
		return fmt.Errorf("child capacity %d exceeds %d", t.ChildCapacity, MaxChildId)
	}
	if t.RouterCapacity > MaxRouterId+1 {
		return fmt.Errorf("router capacity %d exceeds %d", t.RouterCapacity, MaxRouterId+1)
	}
	if t.ParentResponseWindow < 0 || t.AddressQueryTimeout < 0 || t.LeaderTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if t.ChildKeepAliveInterval != 0 && t.ChildTimeout != 0 && t.ChildKeepAliveInterval >= t.ChildTimeout {
		return fmt.Errorf("child keep alive interval %s must be shorter than child timeout %s", t.ChildKeepAliveInterval, t.ChildTimeout)
	}
	return nil
}

func DatasetValidator(ds *OperationalDataset) error {
	if name, ok := ds.NetworkName.Get(); ok && (len(name) == 0 || len(name) > MaxNetworkNameLength) {
		return fmt.Errorf("network name must be 1 to %d bytes: %w", MaxNetworkNameLength, ErrInvalidArgs)
	}
	for _, ts := range []Optional[Timestamp]{ds.ActiveTimestamp, ds.PendingTimestamp} {
		if ts.Present && !ts.Value.Valid() {
			return fmt.Errorf("timestamp %d.%d out of range: %w", ts.Value.Seconds, ts.Value.Ticks, ErrInvalidArgs)
		}
	}
	if dt, ok := ds.DelayTimer.Get(); ok && (dt < 0 || dt > MaxDelayTimer || dt%time.Millisecond != 0) {
		return fmt.Errorf("delay timer %s must be whole milliseconds up to %s: %w", dt, MaxDelayTimer, ErrInvalidArgs)
	}
	if ch, ok := ds.Channel.Get(); ok && (ch < 11 || ch > 26) {
		return fmt.Errorf("channel %d is not a page 0 channel: %w", ch, ErrInvalidArgs)
	}
	if pan, ok := ds.PanId.Get(); ok && pan == 0xffff {
		return fmt.Errorf("panid 0xffff is reserved: %w", ErrInvalidArgs)
	}
	if p, ok := ds.SecurityPolicy.Get(); ok && p.RotationHours < 1 {
		return fmt.Errorf("key rotation must be at least one hour: %w", ErrInvalidArgs)
	}
	if ch, ok := ds.Channel.Get(); ok {
		if mask, ok := ds.ChannelMask.Get(); ok && mask&(1<<ch) == 0 {
			return fmt.Errorf("channel %d not in channel mask %08x: %w", ch, uint32(mask), ErrInvalidArgs)
		}
	}
	return nil
}

// CommissioningValidator checks what the meshcop encoding of a commissioning dataset cannot carry.
func CommissioningValidator(ds *CommissioningDataset) error {
	if sd, ok := ds.SteeringData.Get(); ok && (sd.Length == 0 || sd.Length > MaxSteeringDataLength) {
		return fmt.Errorf("steering data must be 1 to %d bytes, got %d: %w", MaxSteeringDataLength, sd.Length, ErrInvalidArgs)
	}
	return nil
}
