package state

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
)

type ExtAddress [8]byte

func (e ExtAddress) String() string {
	return hex.EncodeToString(e[:])
}

func (e ExtAddress) IsZero() bool {
	return e == ExtAddress{}
}

// Rloc16 is the mesh short address. Bits 15..10 hold the router id, bits 8..0 the child id.
type Rloc16 uint16

const (
	InvalidRloc16   Rloc16 = 0xfffe
	BroadcastRloc16 Rloc16 = 0xffff
	MaxRouterId            = 62
	MaxChildId             = 511
	InvalidRouterId uint8  = 0xff
)

func RouterRloc16(routerId uint8) Rloc16 {
	return Rloc16(uint16(routerId) << 10)
}

func ChildRloc16(routerId uint8, childId uint16) Rloc16 {
	return RouterRloc16(routerId) | Rloc16(childId&0x1ff)
}

func (r Rloc16) RouterId() uint8 {
	return uint8(r >> 10)
}

func (r Rloc16) ChildId() uint16 {
	return uint16(r) & 0x1ff
}

func (r Rloc16) IsRouter() bool {
	return r.IsValid() && r.ChildId() == 0
}

func (r Rloc16) IsValid() bool {
	return r != InvalidRloc16 && r != BroadcastRloc16 && r.RouterId() <= MaxRouterId
}

func (r Rloc16) String() string {
	return fmt.Sprintf("0x%04x", uint16(r))
}

// LinkAddr is a link-layer destination, either a short or an extended address.
type LinkAddr struct {
	Short    Rloc16
	Ext      ExtAddress
	Extended bool
}

var BroadcastAddr = LinkAddr{Short: BroadcastRloc16}

func ShortAddr(r Rloc16) LinkAddr {
	return LinkAddr{Short: r}
}

func ExtendedAddr(e ExtAddress) LinkAddr {
	return LinkAddr{Ext: e, Extended: true}
}

func (a LinkAddr) IsBroadcast() bool {
	return !a.Extended && a.Short == BroadcastRloc16
}

func (a LinkAddr) String() string {
	if a.Extended {
		return a.Ext.String()
	}
	return a.Short.String()
}

// IPv6 addresses are kept as netip.Addr; the accessors below replace the 8/16/32-bit views of the same bytes.

func AddrUint16(a netip.Addr, i int) uint16 {
	b := a.As16()
	return binary.BigEndian.Uint16(b[i*2:])
}

func AddrUint32(a netip.Addr, i int) uint32 {
	b := a.As16()
	return binary.BigEndian.Uint32(b[i*4:])
}

// MeshLocalAddr builds the interface identifier form 0000:00ff:fe00:XXXX used for RLOC and ALOC addresses.
func MeshLocalAddr(prefix MeshLocalPrefix, rloc Rloc16) netip.Addr {
	var b [16]byte
	copy(b[:8], prefix[:])
	b[11] = 0xff
	b[12] = 0xfe
	binary.BigEndian.PutUint16(b[14:], uint16(rloc))
	return netip.AddrFrom16(b)
}

// IsLocatorAddr reports whether the address uses the 0000:00ff:fe00:XXXX interface identifier.
func IsLocatorAddr(a netip.Addr) bool {
	return a.Is6() && AddrUint32(a, 2) == 0x000000ff && AddrUint16(a, 6) == 0xfe00
}

func LocatorOf(a netip.Addr) Rloc16 {
	return Rloc16(AddrUint16(a, 7))
}
