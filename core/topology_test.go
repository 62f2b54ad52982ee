package core

import (
	"slices"
	"testing"
	"time"

	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type released struct {
	kind TableKind
	ext  state.ExtAddress
	rloc state.Rloc16
}

type releaseRecorder struct {
	events []released
}

func (r *releaseRecorder) ShortAddressReleased(kind TableKind, ext state.ExtAddress, rloc state.Rloc16) {
	r.events = append(r.events, released{kind, ext, rloc})
}

func smallTopology(capacity int) (*TopologyTable, *releaseRecorder) {
	tun := state.Tunables{
		NeighborCapacity: capacity,
		ChildCapacity:    capacity,
		RouterCapacity:   capacity,
		EvictionGrace:    5 * time.Second,
		NeighborTimeout:  100 * time.Second,
		RouterTimeout:    100 * time.Second,
	}.WithDefaults()
	tt := NewTopologyTable(tun)
	rec := &releaseRecorder{}
	tt.SetObserver(rec)
	return tt, rec
}

var epoch = time.Unix(1_700_000_000, 0)

func TestUpsertRefreshesInPlace(t *testing.T) {
	tt, _ := smallTopology(4)
	ref, err := tt.Upsert(KindNeighbor, testExt(1), Observation{Now: epoch, Rloc16: 0x0400, LinkQualityIn: 2, Rssi: -40})
	require.NoError(t, err)
	ref2, err := tt.Upsert(KindNeighbor, testExt(1), Observation{Now: epoch.Add(time.Second), Rloc16: 0x0400, LinkQualityIn: 3, Rssi: -48})
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)
	assert.Equal(t, 1, tt.Len(KindNeighbor))

	n := tt.Neighbor(ref)
	assert.Equal(t, uint8(3), n.LinkQualityIn)
	assert.Equal(t, epoch.Add(time.Second), n.LastHeard)
	assert.Equal(t, int8(-41), n.AverageRssi)
}

func TestEvictOldestWhenFull(t *testing.T) {
	tt, rec := smallTopology(2)
	_, err := tt.Upsert(KindChild, testExt(1), Observation{Now: epoch, Rloc16: 0x0401, Timeout: time.Minute})
	require.NoError(t, err)
	_, err = tt.Upsert(KindChild, testExt(2), Observation{Now: epoch.Add(time.Second), Rloc16: 0x0402, Timeout: time.Minute})
	require.NoError(t, err)
	assert.True(t, tt.Full(KindChild))

	// within the grace period nobody is evicted
	_, err = tt.Upsert(KindChild, testExt(3), Observation{Now: epoch.Add(2 * time.Second), Rloc16: 0x0403})
	assert.ErrorIs(t, err, state.ErrNoBufs)

	ref, err := tt.Upsert(KindChild, testExt(3), Observation{Now: epoch.Add(10 * time.Second), Rloc16: 0x0403, Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, uint16(3), tt.Child(ref).ChildId)
	_, ok := tt.Find(KindChild, testExt(1))
	assert.False(t, ok, "oldest entry evicted")
	_, ok = tt.Find(KindChild, testExt(2))
	assert.True(t, ok)
	assert.Equal(t, []released{{KindChild, testExt(1), 0x0401}}, rec.events)
}

func TestEvictTieBrokenByRefreshOrder(t *testing.T) {
	tt, _ := smallTopology(2)
	_, _ = tt.Upsert(KindNeighbor, testExt(1), Observation{Now: epoch})
	_, _ = tt.Upsert(KindNeighbor, testExt(2), Observation{Now: epoch})
	_, err := tt.Upsert(KindNeighbor, testExt(3), Observation{Now: epoch.Add(time.Minute)})
	require.NoError(t, err)
	_, ok := tt.Find(KindNeighbor, testExt(1))
	assert.False(t, ok)
	_, ok = tt.Find(KindNeighbor, testExt(2))
	assert.True(t, ok)
}

func TestRlocReclaimedByNewerEntry(t *testing.T) {
	tt, rec := smallTopology(4)
	_, _ = tt.Upsert(KindRouter, testExt(1), Observation{Now: epoch, Rloc16: 0x0800})
	_, err := tt.Upsert(KindRouter, testExt(2), Observation{Now: epoch, Rloc16: 0x0800})
	require.NoError(t, err)

	ref, ok := tt.FindByRloc16(KindRouter, 0x0800)
	require.True(t, ok)
	assert.Equal(t, testExt(2), tt.Neighbor(ref).ExtAddress)
	ref, _ = tt.Find(KindRouter, testExt(1))
	assert.Equal(t, state.InvalidRloc16, tt.Neighbor(ref).Rloc16)
	assert.Equal(t, []released{{KindRouter, testExt(1), 0x0800}}, rec.events)
	assert.Equal(t, uint8(2), tt.Router(ref).RouterId)
}

func TestEvictExpired(t *testing.T) {
	tt, _ := smallTopology(4)
	_, _ = tt.Upsert(KindChild, testExt(1), Observation{Now: epoch, Rloc16: 0x0401, Timeout: 30 * time.Second})
	_, _ = tt.Upsert(KindChild, testExt(2), Observation{Now: epoch, Rloc16: 0x0402, Timeout: 5 * time.Minute})
	_, _ = tt.Upsert(KindNeighbor, testExt(3), Observation{Now: epoch})
	_, _ = tt.Upsert(KindRouter, testExt(4), Observation{Now: epoch.Add(50 * time.Second), Rloc16: 0x0c00})

	removed := tt.EvictExpired(epoch.Add(101 * time.Second))
	assert.Equal(t, []state.ExtAddress{testExt(1)}, removed)
	assert.Equal(t, 1, tt.Len(KindChild))
	assert.Equal(t, 0, tt.Len(KindNeighbor))
	assert.Equal(t, 1, tt.Len(KindRouter))
}

func TestIterateSnapshot(t *testing.T) {
	tt, _ := smallTopology(8)
	for i := range byte(5) {
		_, _ = tt.Upsert(KindNeighbor, testExt(i), Observation{Now: epoch})
	}
	seen := make([]state.ExtAddress, 0)
	for n := range tt.Iterate(KindNeighbor) {
		tt.Remove(KindNeighbor, n.ExtAddress)
		_, _ = tt.Upsert(KindNeighbor, testExt(n.ExtAddress[7]+100), Observation{Now: epoch})
		seen = append(seen, n.ExtAddress)
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, 5, tt.Len(KindNeighbor))

	for n := range tt.Iterate(KindNeighbor) {
		assert.GreaterOrEqual(t, n.ExtAddress[7], byte(100))
		break
	}
}

func TestRemoveAllNotifies(t *testing.T) {
	tt, rec := smallTopology(4)
	_, _ = tt.Upsert(KindChild, testExt(1), Observation{Now: epoch, Rloc16: 0x0401})
	_, _ = tt.Upsert(KindChild, testExt(2), Observation{Now: epoch})
	exts := tt.RemoveAll(KindChild)
	slices.SortFunc(exts, func(a, b state.ExtAddress) int { return int(a[7]) - int(b[7]) })
	assert.Equal(t, []state.ExtAddress{testExt(1), testExt(2)}, exts)
	// entries without a short address are not reported
	assert.Equal(t, []released{{KindChild, testExt(1), 0x0401}}, rec.events)
	assert.Equal(t, 0, tt.Len(KindChild))

	_, _ = tt.Upsert(KindRouter, testExt(3), Observation{Now: epoch, Rloc16: 0x0400})
	rec.events = nil
	tt.Clear()
	assert.Equal(t, 0, tt.Len(KindRouter))
	assert.Empty(t, rec.events)
}

func TestWrongKindAccessors(t *testing.T) {
	tt, _ := smallTopology(2)
	ref, _ := tt.Upsert(KindNeighbor, testExt(1), Observation{Now: epoch})
	assert.Nil(t, tt.Child(ref))
	assert.Nil(t, tt.Router(ref))
	_, err := tt.Upsert(TableKind(9), testExt(1), Observation{})
	assert.ErrorIs(t, err, state.ErrInvalidArgs)
}
