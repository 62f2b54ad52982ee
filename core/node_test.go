package core

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// startLeader enables n alone and runs until it has formed its own partition.
func startLeader(t *testing.T, m *medium, n *Node) {
	t.Helper()
	require.NoError(t, n.Enable())
	m.Run(3 * time.Second)
	require.Equal(t, state.RoleLeader, n.Mle.Role())
}

func TestLoneNodeBecomesLeader(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	h := &recordingHandler{}
	a.SetStateChangedHandler(h)

	require.NoError(t, a.Enable())
	assert.Equal(t, state.RoleDetached, a.Mle.Role())
	m.Run(3 * time.Second)

	assert.Equal(t, state.RoleLeader, a.Mle.Role())
	assert.True(t, a.Mle.Rloc16().IsRouter())
	assert.Equal(t, a.Mle.Rloc16().RouterId(), a.Mle.LeaderData().LeaderRouterId)
	assert.Equal(t, 1, a.Mle.RouterCount())

	reqs := m.Sent(a, CmdParentRequest)
	require.Len(t, reqs, 2)
	assert.Equal(t, ScanRouters, reqs[0].Frame.ScanMask.Value)
	assert.Equal(t, ScanRouters|ScanEndDevices, reqs[1].Frame.ScanMask.Value)
	assert.NotEmpty(t, m.Sent(a, CmdAdvertisement))

	assert.True(t, h.Seen(state.ChangedRole))
	assert.True(t, h.Seen(state.ChangedPartitionId))
	assert.True(t, h.Seen(state.ChangedRlocAdded))
}

func TestEnableTwice(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	require.NoError(t, a.Enable())
	assert.ErrorIs(t, a.Enable(), state.ErrAlready)
}

func TestNotRouterEligibleNeverLeads(t *testing.T) {
	m := newMedium(t)
	c := m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(10 * time.Second)
	assert.Equal(t, state.RoleDetached, c.Mle.Role())
	assert.ErrorIs(t, c.BecomeLeader(), state.ErrNotCapable)
}

func TestEndDeviceAttachesAsChild(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	ha := &recordingHandler{}
	a.SetStateChangedHandler(ha)

	c := m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(2 * time.Second)

	require.Equal(t, state.RoleChild, c.Mle.Role())
	parent, parentRloc, ok := c.Mle.Parent()
	require.True(t, ok)
	assert.Equal(t, a.ext, parent)
	assert.Equal(t, a.Mle.Rloc16(), parentRloc)
	assert.Equal(t, state.ChildRloc16(a.Mle.Rloc16().RouterId(), 1), c.Mle.Rloc16())
	assert.Equal(t, a.Mle.LeaderData().PartitionId, c.Mle.LeaderData().PartitionId)

	ref, ok := a.Topology.Find(KindChild, c.ext)
	require.True(t, ok)
	assert.Equal(t, c.Mle.Rloc16(), a.Topology.Child(ref).Rloc16)
	assert.True(t, ha.Seen(state.ChangedChildAdded))

	// keep-alives hold the attachment well past the child timeout
	m.Run(10 * time.Minute)
	assert.Equal(t, state.RoleChild, c.Mle.Role())
	assert.NotEmpty(t, m.Sent(c, CmdChildUpdateRequest))
	_, ok = a.Topology.Find(KindChild, c.ext)
	assert.True(t, ok)
}

func TestRestartedChildReattachesAtOnce(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	c := m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(2 * time.Second)
	require.Equal(t, state.RoleChild, c.Mle.Role())
	// keep-alives fill the leader's duplicate cache with frames from c
	m.Run(5 * time.Minute)

	c = m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(2 * time.Second)
	assert.Equal(t, state.RoleChild, c.Mle.Role())
	assert.Equal(t, 1, a.Topology.Len(KindChild))
}

func TestChildReattachesAfterParentLoss(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	c := m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(2 * time.Second)
	require.Equal(t, state.RoleChild, c.Mle.Role())

	m.Isolate(c)
	m.Run(state.ParentTimeout + 5*time.Second)
	assert.Equal(t, state.RoleDetached, c.Mle.Role())

	m.Join(a, c)
	m.Run(30 * time.Second)
	assert.Equal(t, state.RoleChild, c.Mle.Role())
}

func TestRouterEligibleChildUpgrades(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)

	b := m.Add(2)
	require.NoError(t, b.Enable())
	m.Run(5 * time.Second)

	require.Equal(t, state.RoleRouter, b.Mle.Role())
	assert.True(t, b.Mle.Rloc16().IsRouter())
	assert.NotEqual(t, a.Mle.Rloc16(), b.Mle.Rloc16())
	assert.Len(t, m.Sent(b, CmdAddressSolicit), 1)
	assert.Equal(t, 2, a.Mle.RouterCount())
	assert.Equal(t, 2, b.Mle.RouterCount())
	assert.Equal(t, 0, a.Topology.Len(KindChild))

	m.Run(30 * time.Second)
	ref, ok := a.Topology.Find(KindRouter, b.ext)
	require.True(t, ok)
	assert.True(t, a.Topology.Router(ref).LinkEstablished)
	ref, ok = b.Topology.Find(KindRouter, a.ext)
	require.True(t, ok)
	assert.True(t, b.Topology.Router(ref).LinkEstablished)
}

func TestRouterUpgradeThreshold(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)

	b := m.Add(2, withTunables(func(tun *state.Tunables) { tun.RouterUpgradeThreshold = 1 }))
	require.NoError(t, b.Enable())
	m.Run(30 * time.Second)

	assert.Equal(t, state.RoleChild, b.Mle.Role())
	assert.Empty(t, m.Sent(b, CmdAddressSolicit))
}

func TestReedUpgradesToServeChild(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	b := m.Add(2, withTunables(func(tun *state.Tunables) { tun.RouterUpgradeThreshold = 1 }))
	require.NoError(t, b.Enable())
	m.Run(5 * time.Second)
	require.Equal(t, state.RoleChild, b.Mle.Role())

	c := m.Add(3, asEndDevice())
	m.Cut(a, c)
	require.NoError(t, c.Enable())
	m.Run(3 * time.Second)

	require.Equal(t, state.RoleRouter, b.Mle.Role())
	require.Equal(t, state.RoleChild, c.Mle.Role())
	parent, parentRloc, _ := c.Mle.Parent()
	assert.Equal(t, b.ext, parent)
	assert.Equal(t, b.Mle.Rloc16(), parentRloc)
	assert.Equal(t, b.Mle.Rloc16().RouterId(), c.Mle.Rloc16().RouterId())

	// the first request only asked routers, so b stayed silent until the second
	reqs := m.Sent(c, CmdParentRequest)
	require.GreaterOrEqual(t, len(reqs), 2)
	assert.Len(t, m.Sent(b, CmdParentResponse), 1)
}

func TestBetterPartitionMerge(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1, withWeight(64))
	b := m.Add(2, withWeight(32))
	m.Cut(a, b)
	require.NoError(t, a.Enable())
	require.NoError(t, b.Enable())
	m.Run(3 * time.Second)
	require.Equal(t, state.RoleLeader, a.Mle.Role())
	require.Equal(t, state.RoleLeader, b.Mle.Role())
	require.NotEqual(t, a.Mle.LeaderData().PartitionId, b.Mle.LeaderData().PartitionId)
	winner := a.Mle.LeaderData().PartitionId

	m.Join(a, b)
	m.Run(30 * time.Second)

	assert.Equal(t, state.RoleLeader, a.Mle.Role())
	assert.Equal(t, state.RoleRouter, b.Mle.Role())
	assert.Equal(t, winner, a.Mle.LeaderData().PartitionId)
	assert.Equal(t, winner, b.Mle.LeaderData().PartitionId)
}

func TestRouterTakesOverAfterLeaderLoss(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	b := m.Add(2, withTunables(func(tun *state.Tunables) { tun.LeaderTimeout = 20 * time.Second }))
	require.NoError(t, b.Enable())
	m.Run(5 * time.Second)
	require.Equal(t, state.RoleRouter, b.Mle.Role())
	old := a.Mle.LeaderData().PartitionId
	rloc := b.Mle.Rloc16()

	m.Isolate(a)
	m.Run(40 * time.Second)

	assert.Equal(t, state.RoleLeader, b.Mle.Role())
	assert.NotEqual(t, old, b.Mle.LeaderData().PartitionId)
	assert.Equal(t, rloc, b.Mle.Rloc16(), "router id is kept when taking over")
}

func TestLeaderReleasesSilentRouter(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1, withTunables(func(tun *state.Tunables) { tun.RouterTimeout = 30 * time.Second }))
	startLeader(t, m, a)
	b := m.Add(2)
	require.NoError(t, b.Enable())
	m.Run(5 * time.Second)
	require.Equal(t, state.RoleRouter, b.Mle.Role())
	require.Equal(t, 2, a.Mle.RouterCount())

	m.Isolate(b)
	m.Run(45 * time.Second)
	assert.Equal(t, 1, a.Mle.RouterCount())
	_, ok := a.Topology.Find(KindRouter, b.ext)
	assert.False(t, ok)
}

func TestDuplicateFramesDropped(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)

	route := Route64{Sequence: 1, Mask: 1 << (63 - 5), Data: []uint8{0}}
	f := &Frame{
		Command:      CmdAdvertisement,
		FrameCounter: 77,
		Source:       state.Some(state.RouterRloc16(5)),
		LeaderData:   state.Some(state.LeaderData{PartitionId: 1, Weighting: 0, LeaderRouterId: 5}),
		Route:        state.Some(route),
	}
	payload := f.Marshal()
	info := FrameInfo{Src: testExt(9), Dst: state.BroadcastAddr, LinkQuality: 3}

	require.NoError(t, a.HandleFrame(payload, info))
	assert.ErrorIs(t, a.HandleFrame(payload, info), state.ErrDuplicated)

	// the same counter from another source is a different frame
	info.Src = testExt(10)
	assert.NoError(t, a.HandleFrame(payload, info))
	assert.Equal(t, state.RoleLeader, a.Mle.Role())
}

func TestFrameFiltering(t *testing.T) {
	m := newMedium(t)
	denied := testExt(9)
	a := m.Add(1, func(c *NodeConfig) {
		c.Accepts = func(src state.ExtAddress) bool { return src != denied }
	})
	startLeader(t, m, a)

	payload := (&Frame{Command: CmdDataRequest, FrameCounter: 1}).Marshal()
	assert.ErrorIs(t, a.HandleFrame(payload, FrameInfo{Src: denied, Dst: state.BroadcastAddr}), state.ErrDrop)
	assert.ErrorIs(t, a.HandleFrame(payload, FrameInfo{Src: a.ext, Dst: state.BroadcastAddr}), state.ErrInvalidSourceAddress)
	assert.ErrorIs(t, a.HandleFrame(payload, FrameInfo{Src: testExt(8), Dst: state.ShortAddr(0x1234)}), state.ErrDrop)
	assert.ErrorIs(t, a.HandleFrame(payload, FrameInfo{Src: testExt(8), Dst: state.ExtendedAddr(testExt(7))}), state.ErrDrop)
	assert.ErrorIs(t, a.HandleFrame([]byte{0xff, 1}, FrameInfo{Src: testExt(8), Dst: state.BroadcastAddr}), state.ErrParse)
}

func TestResetCancelsRoleTimers(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	rloc := a.Mle.Rloc16()

	m.ClearLog()
	a.Reset()
	assert.Equal(t, state.RoleDetached, a.Mle.Role())
	assert.Equal(t, state.InvalidRloc16, a.Mle.Rloc16())

	m.Run(1400 * time.Millisecond)
	assert.Empty(t, m.Sent(a, CmdAdvertisement), "advertisement timer survived reset")
	assert.NotEmpty(t, m.Sent(a, CmdParentRequest))

	m.Run(5 * time.Second)
	assert.Equal(t, state.RoleLeader, a.Mle.Role())
	assert.Equal(t, rloc, a.Mle.Rloc16())
}

func TestDisableStopsTimers(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	a.Disable()
	assert.Equal(t, state.RoleDisabled, a.Mle.Role())
	assert.Equal(t, 0, m.clock.Pending())
}

func TestOfflineAndBack(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)

	a.SetAvailable(false)
	assert.Equal(t, state.RoleOffline, a.Mle.Role())
	assert.ErrorIs(t, a.Enable(), state.ErrInvalidState)
	assert.ErrorIs(t, a.BecomeLeader(), state.ErrInvalidState)

	a.SetAvailable(true)
	assert.Equal(t, state.RoleDetached, a.Mle.Role())
	// the known partition is searched for with both same-partition filters first
	m.Run(6 * time.Second)
	assert.Equal(t, state.RoleLeader, a.Mle.Role())
}

func TestAddressResolution(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	c := m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(2 * time.Second)
	require.Equal(t, state.RoleChild, c.Mle.Role())

	eid := netip.MustParseAddr("fd00:db8::c")
	require.NoError(t, c.AddAddress(eid))
	assert.ErrorIs(t, c.AddAddress(eid), state.ErrAlready)

	var got []state.Rloc16
	var errs []error
	cb := func(rloc state.Rloc16, err error) {
		got = append(got, rloc)
		errs = append(errs, err)
	}
	require.NoError(t, a.Resolve(eid, 0, cb))
	require.NoError(t, a.Resolve(eid, 0, cb), "second resolve joins the pending query")
	assert.Len(t, m.Sent(a, CmdAddressQuery), 1)
	m.Run(100 * time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, []state.Rloc16{c.Mle.Rloc16(), c.Mle.Rloc16()}, got)
	assert.Equal(t, []error{nil, nil}, errs)

	// cache hit completes synchronously
	got = nil
	require.NoError(t, a.Resolve(eid, 0, cb))
	assert.Equal(t, []state.Rloc16{c.Mle.Rloc16()}, got)

	require.NoError(t, c.RemoveAddress(eid))
	assert.ErrorIs(t, c.RemoveAddress(eid), state.ErrNotFound)
	m.Run(100 * time.Millisecond)
	_, ok := a.Resolver.Lookup(eid)
	assert.False(t, ok)
}

func TestAddressQueryTimeout(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)

	eid := netip.MustParseAddr("fd00:db8::99")
	var result error
	require.NoError(t, a.Resolve(eid, time.Second, func(_ state.Rloc16, err error) { result = err }))
	m.Run(2 * time.Second)
	assert.ErrorIs(t, result, state.ErrAddressQuery)

	err := a.Resolve(eid, time.Second, func(state.Rloc16, error) { t.Fatal("callback after backoff refusal") })
	assert.ErrorIs(t, err, state.ErrAddressQuery)
}

func TestResolveLocatorAddress(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	addr := state.MeshLocalAddr(state.MeshLocalPrefix{0xfd}, 0x0401)
	var got state.Rloc16
	require.NoError(t, a.Resolve(addr, 0, func(rloc state.Rloc16, err error) {
		require.NoError(t, err)
		got = rloc
	}))
	assert.Equal(t, state.Rloc16(0x0401), got)
}

func TestResolveWhileDetached(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	err := a.Resolve(netip.MustParseAddr("fd00::1"), 0, func(state.Rloc16, error) {})
	assert.ErrorIs(t, err, state.ErrDetached)
}

func TestNetworkDataPropagates(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	c := m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(2 * time.Second)
	require.Equal(t, state.RoleChild, c.Mle.Role())

	prefix := netip.MustParsePrefix("fd00:1234::/64")
	require.NoError(t, a.AddRoute(state.RouteEntry{Prefix: prefix, Stable: true}))
	m.Run(20 * time.Second)

	entry, ok := c.NetData.LookupRoute(netip.MustParseAddr("fd00:1234::1"))
	require.True(t, ok)
	assert.Equal(t, a.Mle.Rloc16(), entry.Rloc16)
	av, as := a.NetData.Versions()
	cv, cs := c.NetData.Versions()
	assert.Equal(t, av, cv)
	assert.Equal(t, as, cs)
}

func TestNewerActiveDatasetSpreads(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	c := m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(2 * time.Second)

	ds := a.NetData.Active()
	ds.ActiveTimestamp.Set(state.Timestamp{Seconds: 20})
	ds.Channel.Set(20)
	assert.Equal(t, MergeAccepted, a.MergeDataset(ActiveDataset, ds))
	m.Run(20 * time.Second)

	ch, ok := c.NetData.Active().Channel.Get()
	require.True(t, ok)
	assert.Equal(t, uint16(20), ch)
}

func TestSetDatasetFieldOnlyOnLeader(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	c := m.Add(3, asEndDevice())
	require.NoError(t, c.Enable())
	m.Run(2 * time.Second)

	_, err := c.SetDatasetField(ActiveDataset, state.FieldChannel, uint16(12))
	assert.ErrorIs(t, err, state.ErrInvalidState)
	_, err = a.SetDatasetField(ActiveDataset, state.FieldChannel, uint16(12))
	assert.NoError(t, err)
}

func TestSendFailureKeepsRole(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	link := m.nodes[a.ext].link.(*mediumLink)
	link.fail = state.ErrChannelAccessFailure
	m.Run(30 * time.Second)
	assert.Equal(t, state.RoleLeader, a.Mle.Role())
	link.fail = nil
}

func TestSubscribeDeliversChanges(t *testing.T) {
	m := newMedium(t)
	a := m.Add(1)
	ch := make(chan any, 16)
	a.Subscribe(ch)
	defer a.Unsubscribe(ch)

	require.NoError(t, a.Enable())
	select {
	case v := <-ch:
		c, ok := v.(Change)
		require.True(t, ok)
		assert.True(t, c.Flags.Has(state.ChangedRole))
		assert.Equal(t, state.RoleDetached, c.Status.Role)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestUnreadSubscriberDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newMedium(t)
	a := m.Add(1)
	startLeader(t, m, a)
	stalled := make(chan any, 1)
	a.Subscribe(stalled)
	live := make(chan any, 1)
	a.Subscribe(live)

	done := make(chan error, 1)
	go func() {
		for i := range 400 {
			if _, err := a.SetDatasetField(ActiveDataset, state.FieldChannel, uint16(11+i%16)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publishing blocked on a full subscriber")
	}

	// everything the live subscriber missed is merged into what it reads next
	var last Change
	require.Eventually(t, func() bool {
		select {
		case v := <-live:
			last = v.(Change)
		default:
		}
		return last.Status.Leader.DataVersion == a.Mle.LeaderData().DataVersion && last.Flags.Has(state.ChangedNetdata)
	}, time.Second, time.Millisecond)

	c := (<-stalled).(Change)
	assert.True(t, c.Flags.Has(state.ChangedNetdata))

	a.Unsubscribe(live)
	require.NoError(t, a.Close())
}

func TestNewNodeValidates(t *testing.T) {
	_, err := NewNode(NodeConfig{})
	assert.True(t, errors.Is(err, state.ErrInvalidArgs))
}

func TestCommissionerSessionLifecycle(t *testing.T) {
	m := newMedium(t)
	ds := testDataset()
	pskc := state.Pskc{0x42}
	ds.Pskc.Set(pskc)
	a := m.Add(1, withDataset(ds))
	_, err := a.StartCommissioner(NativeSession)
	assert.ErrorIs(t, err, state.ErrDetached)
	startLeader(t, m, a)

	s, err := a.StartCommissioner(NativeSession)
	require.NoError(t, err)
	assert.Equal(t, a.Mle.Rloc16(), s.Locator)
	j := JoinerIdFromEUI64(testExt(9))
	require.NoError(t, a.SteerJoiners(s.Id, 8, j))
	proof, err := ComputeProof(pskc, j, s.Id)
	require.NoError(t, err)
	v, err := a.AuthorizeJoiner(j, proof)
	require.NoError(t, err)
	assert.Equal(t, Accept, v)

	m.Run(40 * time.Second)
	require.NoError(t, a.KeepAliveCommissioner(s.Id))
	m.Run(40 * time.Second)
	_, ok := a.Commissioner.Session()
	require.True(t, ok)

	m.Run(15 * time.Second)
	_, ok = a.Commissioner.Session()
	assert.False(t, ok, "session outlived its timeout")
	assert.ErrorIs(t, a.KeepAliveCommissioner(s.Id), state.ErrSecurity)
	_, ok = a.NetData.Commissioning().SessionId.Get()
	assert.False(t, ok)
	_, err = a.AuthorizeJoiner(j, proof)
	assert.ErrorIs(t, err, state.ErrInvalidState)

	_, err = a.StartCommissioner(ExternalSession)
	require.NoError(t, err)
	a.Reset()
	_, ok = a.Commissioner.Session()
	assert.False(t, ok, "detaching keeps the session")
}

func TestCommissionerFollowsRouterUpgrade(t *testing.T) {
	m := newMedium(t)
	ds := testDataset()
	ds.SecurityPolicy.Set(state.SecurityPolicy{RotationHours: 672, Flags: state.PolicyAll &^ state.PolicyRouters})
	a := m.Add(1, withDataset(ds))
	startLeader(t, m, a)
	b := m.Add(2, withDataset(ds))
	require.NoError(t, b.Enable())
	m.Run(5 * time.Second)
	require.Equal(t, state.RoleChild, b.Mle.Role())

	s, err := b.StartCommissioner(NativeSession)
	require.NoError(t, err)
	assert.False(t, s.Locator.IsRouter())

	ds = a.NetData.Active()
	ds.ActiveTimestamp.Set(state.Timestamp{Seconds: 20})
	ds.SecurityPolicy.Set(state.DefaultSecurityPolicy)
	require.Equal(t, MergeAccepted, a.MergeDataset(ActiveDataset, ds))
	m.Run(25 * time.Second)
	require.NoError(t, b.KeepAliveCommissioner(s.Id))
	m.Run(25 * time.Second)

	require.Equal(t, state.RoleRouter, b.Mle.Role())
	live, ok := b.Commissioner.Session()
	require.True(t, ok)
	assert.Equal(t, s.Id, live.Id)
	assert.Equal(t, b.Mle.Rloc16(), live.Locator)
}
