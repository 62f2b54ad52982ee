package core

import (
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/encodeous/weft/state"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFieldBumpsVersions(t *testing.T) {
	nd, _, sink := newTestNetData(testDataset())

	v, err := nd.SetField(ActiveDataset, state.FieldChannel, uint16(20))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v)
	ver, stable := nd.Versions()
	assert.Equal(t, uint8(1), ver)
	assert.Equal(t, uint8(1), stable, "channel is a stable field")
	assert.True(t, sink.flags.Has(state.ChangedNetdata))

	_, err = nd.SetField(ActiveDataset, state.FieldDelayTimer, time.Minute)
	require.NoError(t, err)
	ver, stable = nd.Versions()
	assert.Equal(t, uint8(2), ver)
	assert.Equal(t, uint8(1), stable)

	_, err = nd.SetField(ActiveDataset, state.FieldChannel, "twenty")
	assert.ErrorIs(t, err, state.ErrInvalidArgs)
	ch, _ := nd.GetField(ActiveDataset, state.FieldChannel)
	assert.Equal(t, uint16(20), ch)

	_, err = nd.SetField(ActiveDataset, state.FieldChannel, nil)
	require.NoError(t, err)
	_, ok := nd.GetField(ActiveDataset, state.FieldChannel)
	assert.False(t, ok)
}

func TestNetworkKeyChangeSignalsKeySequence(t *testing.T) {
	nd, _, sink := newTestNetData(testDataset())
	key, _ := nd.GetField(ActiveDataset, state.FieldNetworkKey)
	_, err := nd.SetField(ActiveDataset, state.FieldNetworkKey, key)
	require.NoError(t, err)
	assert.False(t, sink.flags.Has(state.ChangedKeySequence))

	_, err = nd.SetField(ActiveDataset, state.FieldNetworkKey, state.NetworkKey{1})
	require.NoError(t, err)
	assert.True(t, sink.flags.Has(state.ChangedKeySequence))
}

func TestMergeActiveNeedsNewerTimestamp(t *testing.T) {
	nd, _, _ := newTestNetData(testDataset())
	same := testDataset()
	same.Channel.Set(25)
	assert.Equal(t, MergeRejected, nd.Merge(ActiveDataset, same))

	older := testDataset()
	older.ActiveTimestamp.Set(state.Timestamp{Seconds: 9})
	assert.Equal(t, MergeRejected, nd.Merge(ActiveDataset, older))

	newer := testDataset()
	newer.ActiveTimestamp.Set(state.Timestamp{Seconds: 10, Ticks: 1})
	newer.Channel.Set(25)
	assert.Equal(t, MergeAccepted, nd.Merge(ActiveDataset, newer))
	if diff := cmp.Diff(newer, nd.Active()); diff != "" {
		t.Errorf("active dataset (-want +got):\n%s", diff)
	}
	// re-merging is a no-op
	ver, _ := nd.Versions()
	assert.Equal(t, MergeRejected, nd.Merge(ActiveDataset, newer))
	again, _ := nd.Versions()
	assert.Equal(t, ver, again)
}

func TestPendingDatasetAppliedAfterDelay(t *testing.T) {
	local := testDataset()
	local.ActiveTimestamp.Set(state.Timestamp{Seconds: 5})
	nd, clock, _ := newTestNetData(local)

	pending := testDataset()
	pending.ActiveTimestamp.Set(state.Timestamp{Seconds: 6})
	pending.PendingTimestamp.Set(state.Timestamp{Seconds: 1})
	pending.DelayTimer.Set(30 * time.Second)
	pending.Channel.Set(26)

	assert.Equal(t, MergeDeferred, nd.Merge(PendingDataset, pending))
	_, held := nd.Pending()
	assert.True(t, held)

	clock.Advance(29 * time.Second)
	ts, _ := nd.Active().ActiveTimestamp.Get()
	assert.Equal(t, uint64(5), ts.Seconds)

	clock.Advance(2 * time.Second)
	active := nd.Active()
	ts, _ = active.ActiveTimestamp.Get()
	assert.Equal(t, uint64(6), ts.Seconds)
	assert.Equal(t, uint16(26), active.Channel.Value)
	assert.False(t, active.DelayTimer.Present)
	assert.False(t, active.PendingTimestamp.Present)
	_, held = nd.Pending()
	assert.False(t, held)
}

func TestPendingDatasetRules(t *testing.T) {
	local := testDataset()
	local.ActiveTimestamp.Set(state.Timestamp{Seconds: 5})
	nd, clock, _ := newTestNetData(local)

	tie := testDataset()
	tie.ActiveTimestamp.Set(state.Timestamp{Seconds: 5})
	assert.Equal(t, MergeRejected, nd.Merge(PendingDataset, tie))

	first := testDataset()
	first.ActiveTimestamp.Set(state.Timestamp{Seconds: 6})
	first.PendingTimestamp.Set(state.Timestamp{Seconds: 2})
	first.DelayTimer.Set(10 * time.Second)
	require.Equal(t, MergeDeferred, nd.Merge(PendingDataset, first))

	stale := first
	stale.PendingTimestamp.Set(state.Timestamp{Seconds: 1})
	assert.Equal(t, MergeRejected, nd.Merge(PendingDataset, stale))

	replacement := first
	replacement.PendingTimestamp.Set(state.Timestamp{Seconds: 3})
	replacement.DelayTimer.Set(time.Minute)
	replacement.Channel.Set(12)
	require.Equal(t, MergeDeferred, nd.Merge(PendingDataset, replacement))

	// the first delay timer was replaced
	clock.Advance(15 * time.Second)
	ts, _ := nd.Active().ActiveTimestamp.Get()
	assert.Equal(t, uint64(5), ts.Seconds)
	clock.Advance(time.Minute)
	assert.Equal(t, uint16(12), nd.Active().Channel.Value)

	nd.CancelPending()
	assert.Equal(t, 0, clock.Pending())
}

func TestResetKeepsActive(t *testing.T) {
	nd, clock, _ := newTestNetData(testDataset())
	pending := testDataset()
	pending.ActiveTimestamp.Set(state.Timestamp{Seconds: 11})
	pending.DelayTimer.Set(time.Minute)
	require.Equal(t, MergeDeferred, nd.Merge(PendingDataset, pending))
	_, err := nd.SetField(ActiveDataset, state.FieldPanId, uint16(1))
	require.NoError(t, err)

	nd.Reset()
	_, held := nd.Pending()
	assert.False(t, held)
	assert.Equal(t, 0, clock.Pending())
	assert.Equal(t, uint16(1), nd.Active().PanId.Value)
	ver, _ := nd.Versions()
	assert.Equal(t, uint8(1), ver)
}

func TestRoutes(t *testing.T) {
	nd, _, _ := newTestNetData(testDataset())
	wide := netip.MustParsePrefix("fd00::/16")
	narrow := netip.MustParsePrefix("fd00:1::/64")

	_, err := nd.AddRoute(state.RouteEntry{Prefix: wide, Rloc16: 0x0400, External: true, Stable: true})
	require.NoError(t, err)
	_, err = nd.AddRoute(state.RouteEntry{Prefix: narrow, Rloc16: 0x0800, Preference: state.PreferenceLow})
	require.NoError(t, err)
	_, err = nd.AddRoute(state.RouteEntry{Prefix: narrow, Rloc16: 0x0c00, Preference: state.PreferenceHigh})
	require.NoError(t, err)
	ver, stable := nd.Versions()
	assert.Equal(t, uint8(3), ver)
	assert.Equal(t, uint8(1), stable)

	e, ok := nd.LookupRoute(netip.MustParseAddr("fd00:1::5"))
	require.True(t, ok)
	assert.Equal(t, state.Rloc16(0x0c00), e.Rloc16)
	e, ok = nd.LookupRoute(netip.MustParseAddr("fd00:2::5"))
	require.True(t, ok)
	assert.Equal(t, state.Rloc16(0x0400), e.Rloc16)
	_, ok = nd.LookupRoute(netip.MustParseAddr("fe80::1"))
	assert.False(t, ok)

	// identical entries do not bump the version
	_, err = nd.AddRoute(state.RouteEntry{Prefix: wide, Rloc16: 0x0400, External: true, Stable: true})
	require.NoError(t, err)
	again, _ := nd.Versions()
	assert.Equal(t, ver, again)

	_, err = nd.AddRoute(state.RouteEntry{Prefix: netip.MustParsePrefix("fd00:1::1/64")})
	assert.ErrorIs(t, err, state.ErrInvalidArgs)

	assert.Equal(t, 1, nd.RemoveRoutesOf(0x0c00))
	e, _ = nd.LookupRoute(netip.MustParseAddr("fd00:1::5"))
	assert.Equal(t, state.Rloc16(0x0800), e.Rloc16)

	_, err = nd.RemoveRoute(narrow, 0x0400)
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = nd.RemoveRoute(narrow, 0x0800)
	require.NoError(t, err)
	assert.Len(t, nd.Routes(), 1)

	nd.ReplaceRoutes([]state.RouteEntry{{Prefix: narrow, Rloc16: 0x1000}})
	assert.Equal(t, []state.RouteEntry{{Prefix: narrow, Rloc16: 0x1000}}, nd.Routes())
}

func TestReplaceRoutesOnlySignalsChanges(t *testing.T) {
	a := state.RouteEntry{Prefix: netip.MustParsePrefix("fd00:1::/64"), Rloc16: 0x0400, Stable: true}
	b := state.RouteEntry{Prefix: netip.MustParsePrefix("fd00:1::/64"), Rloc16: 0x0800}
	c := state.RouteEntry{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Rloc16: 0x0400, External: true}
	cases := []struct {
		name    string
		held    []state.RouteEntry
		next    []state.RouteEntry
		changed bool
	}{
		{"same set", []state.RouteEntry{a, b, c}, []state.RouteEntry{a, b, c}, false},
		{"reordered", []state.RouteEntry{a, b, c}, []state.RouteEntry{c, b, a}, false},
		{"duplicate entry", []state.RouteEntry{a}, []state.RouteEntry{a, a}, false},
		{"both empty", nil, nil, false},
		{"added", []state.RouteEntry{a}, []state.RouteEntry{a, c}, true},
		{"removed", []state.RouteEntry{a, c}, []state.RouteEntry{a}, true},
		{"flags differ", []state.RouteEntry{a}, []state.RouteEntry{{Prefix: a.Prefix, Rloc16: a.Rloc16}}, true},
		{"cleared", []state.RouteEntry{a}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nd, _, sink := newTestNetData(testDataset())
			nd.ReplaceRoutes(tc.held)
			sink.flags = 0
			nd.ReplaceRoutes(tc.next)
			assert.Equal(t, tc.changed, sink.flags.Has(state.ChangedNetdata))
			assert.ElementsMatch(t, slices.Compact(slices.Clone(tc.next)), nd.Routes())
		})
	}
}

func TestSyncVersions(t *testing.T) {
	nd, _, _ := newTestNetData(testDataset())
	nd.SyncVersions(state.LeaderData{DataVersion: 200, StableDataVersion: 100})
	ver, stable := nd.Versions()
	assert.Equal(t, uint8(200), ver)
	assert.Equal(t, uint8(100), stable)
}
