package state

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRloc16(t *testing.T) {
	r := ChildRloc16(5, 3)
	assert.Equal(t, Rloc16(0x1403), r)
	assert.Equal(t, uint8(5), r.RouterId())
	assert.Equal(t, uint16(3), r.ChildId())
	assert.False(t, r.IsRouter())
	assert.True(t, RouterRloc16(5).IsRouter())
	assert.False(t, InvalidRloc16.IsValid())
	assert.False(t, BroadcastRloc16.IsValid())
	assert.Equal(t, "0x1403", r.String())
}

func TestLinkAddr(t *testing.T) {
	assert.True(t, BroadcastAddr.IsBroadcast())
	assert.False(t, ShortAddr(0x400).IsBroadcast())
	assert.False(t, ExtendedAddr(ExtAddress{0xff}).IsBroadcast())
	assert.Equal(t, "ff00000000000000", ExtendedAddr(ExtAddress{0xff}).String())
}

func TestMeshLocalAddr(t *testing.T) {
	prefix := MeshLocalPrefix{0xfd, 0xde, 0xad, 0x00, 0xbe, 0xef, 0x00, 0x00}
	a := MeshLocalAddr(prefix, 0x0c00)
	assert.Equal(t, netip.MustParseAddr("fdde:ad00:beef:0:0:ff:fe00:c00"), a)
	assert.True(t, IsLocatorAddr(a))
	assert.Equal(t, Rloc16(0x0c00), LocatorOf(a))
	assert.Equal(t, uint16(0xfdde), AddrUint16(a, 0))
	assert.Equal(t, uint32(0xfe000c00), AddrUint32(a, 3))
	assert.False(t, IsLocatorAddr(netip.MustParseAddr("fdde:ad00:beef::1")))
}

func TestSeqno(t *testing.T) {
	assert.True(t, SeqnoLt(1, 2))
	assert.True(t, SeqnoLt(255, 0))
	assert.False(t, SeqnoLt(2, 2))
	assert.True(t, SeqnoGt(3, 250))
	assert.True(t, SeqnoGe(7, 7))
	assert.True(t, SeqnoLe(7, 7))
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "no buffers", ErrNoBufs.Error())
	assert.Equal(t, "error(200)", Error(200).Error())
	assert.True(t, ErrNoAck.Transient())
	assert.False(t, ErrParse.Transient())
	assert.Equal(t, "role|netdata", (ChangedRole | ChangedNetdata).String())
	assert.Equal(t, "none", ChangeFlags(0).String())
	assert.True(t, RoleLeader.IsRouterOrLeader())
	assert.False(t, RoleDetached.IsAttached())
}
