package core

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/encodeous/weft/state"
)

// BecomeLeader starts a new partition with this device as leader. The previous router id is kept when
// the device had one.
func (m *AttachStateMachine) BecomeLeader() error {
	if m.role == state.RoleDisabled || m.role == state.RoleOffline {
		return fmt.Errorf("become leader while %s: %w", m.role, state.ErrInvalidState)
	}
	if !m.canLead() {
		return fmt.Errorf("leader weight %d or router eligibility: %w", m.id.LeaderWeight, state.ErrNotCapable)
	}
	if m.role == state.RoleLeader {
		return fmt.Errorf("already leader: %w", state.ErrAlready)
	}
	stopTimer(&m.attach.timer)
	m.attach = attachOp{}
	stopTimer(&m.solicit.timer)
	m.solicit = solicitOp{}

	id := m.previousRouterId
	if id > state.MaxRouterId {
		id = uint8(m.rand.IntN(state.MaxRouterId + 1))
	}
	now := m.clock.Now()
	rloc := state.RouterRloc16(id)
	if rloc != m.rloc {
		if len(m.topo.RemoveAll(KindChild)) > 0 {
			m.sink.Signal(state.ChangedChildRemoved)
		}
	}
	m.stopRoleTimers()
	m.topo.RemoveAll(KindRouter)
	m.parent = state.ExtAddress{}
	m.parentRloc = state.InvalidRloc16

	m.ids = [state.MaxRouterId + 1]routerIdEntry{}
	m.ids[id] = routerIdEntry{allocated: true, owner: m.id.ExtAddress, lastSeen: now}
	m.route = Route64{Sequence: uint8(m.rand.Uint32())}
	m.rebuildRoute()

	m.setLeader(state.LeaderData{
		PartitionId:    m.rand.Uint32(),
		Weighting:      m.id.LeaderWeight,
		LeaderRouterId: id,
	})
	m.leaderHeard = now
	m.previousRouterId = id
	m.setRloc(rloc)
	m.setRole(state.RoleLeader)
	m.log.Info("started partition", "leader", m.LeaderData())
	m.advertise()
	m.serveDeferred()
	return nil
}

// becomeRouter takes the router id granted by the leader.
func (m *AttachStateMachine) becomeRouter(id uint8, route state.Optional[Route64]) {
	m.stopRoleTimers()
	if r, ok := route.Get(); ok {
		m.route = r
	}
	m.previousRouterId = id
	m.setRloc(state.RouterRloc16(id))
	m.setRole(state.RoleRouter)
	m.parent = state.ExtAddress{}
	m.advertise()
	m.serveDeferred()
}

// serveDeferred answers the child id requests that waited for the router upgrade.
func (m *AttachStateMachine) serveDeferred() {
	pending := m.deferred
	m.deferred = nil
	for _, d := range pending {
		if err := m.acceptChild(d.frame, d.info); err != nil {
			m.log.Debug("deferred child rejected", "child", d.info.Src, "error", err)
		}
	}
}

func (m *AttachStateMachine) rebuildRoute() {
	var mask uint64
	for id, e := range m.ids {
		if e.allocated {
			mask |= 1 << (63 - uint(id))
		}
	}
	m.route.Mask = mask
	m.route.Data = nil
}

// currentRoute fills the route data of the known router set from our router neighbors.
func (m *AttachStateMachine) currentRoute() Route64 {
	r := Route64{Sequence: m.route.Sequence, Mask: m.route.Mask, Data: make([]uint8, 0, m.route.Count())}
	own := m.rloc.RouterId()
	for id := uint8(0); id <= state.MaxRouterId; id++ {
		if !r.Allocated(id) {
			continue
		}
		var b uint8
		if id != own || !m.role.IsRouterOrLeader() {
			if ref, ok := m.topo.FindByRloc16(KindRouter, state.RouterRloc16(id)); ok {
				n := m.topo.Neighbor(ref)
				b = routeByte(n.LinkQualityOut, n.LinkQualityIn, 1)
			}
		}
		r.Data = append(r.Data, b)
	}
	return r
}

func (m *AttachStateMachine) leaderAge() time.Duration {
	if m.role == state.RoleLeader {
		return 0
	}
	return max(0, m.clock.Now().Sub(m.leaderHeard))
}

func (m *AttachStateMachine) advertise() {
	stopTimer(&m.advTimer)
	interval := m.tun.AdvertisementInterval
	m.advTimer = m.clock.Schedule(interval-interval/8+m.jitter(interval/4), m.advertise)
	f := &Frame{
		Command:    CmdAdvertisement,
		Source:     state.Some(m.rloc),
		LeaderData: state.Some(m.LeaderData()),
		Route:      state.Some(m.currentRoute()),
		LeaderAge:  state.Some(m.leaderAge()),
	}
	m.sendTo(f, state.BroadcastAddr)
}

func (m *AttachStateMachine) handleAdvertisement(f *Frame, info FrameInfo) error {
	src, hasSrc := f.Source.Get()
	ld, hasLd := f.LeaderData.Get()
	route, hasRoute := f.Route.Get()
	if !hasSrc || !hasLd || !hasRoute || !src.IsRouter() {
		return fmt.Errorf("malformed advertisement from %s: %w", info.Src, state.ErrParse)
	}
	if !m.role.IsAttached() {
		return nil
	}
	if ld.PartitionId != m.leader.PartitionId {
		if m.role.IsRouterOrLeader() && m.attach.phase == attachIdle && Arbitrate(m.LeaderData(), ld) == Adopt {
			m.log.Info("heard better partition", "ours", m.LeaderData(), "theirs", ld)
			m.startAttach(state.AttachBetterPartition)
		}
		return nil
	}

	now := m.clock.Now()
	if src.RouterId() == ld.LeaderRouterId {
		m.leaderHeard = now
	} else if age, ok := f.LeaderAge.Get(); ok {
		m.noteLeaderAge(age)
	}
	m.leader.Weighting = ld.Weighting
	m.leader.LeaderRouterId = ld.LeaderRouterId

	if m.role == state.RoleChild {
		if info.Src == m.parent {
			m.refreshParent(info)
			m.requestNewerData(ld, state.ShortAddr(m.parentRloc))
		}
		if state.SeqnoGt(route.Sequence, m.route.Sequence) {
			m.route = route
		}
		return nil
	}

	if _, ok := m.topo.Find(KindChild, info.Src); ok {
		m.log.Info("child became a router", "child", info.Src, "rloc16", src)
		m.topo.Remove(KindChild, info.Src)
		m.sink.Signal(state.ChangedChildRemoved)
	}
	var lqOut uint8
	established := false
	if e, ok := route.Entry(m.rloc.RouterId()); ok {
		lqOut = (e >> 4) & 0x3
		established = lqOut > 0
	}
	if _, err := m.topo.Upsert(KindRouter, info.Src, Observation{
		Now:             now,
		Rloc16:          src,
		LinkQualityIn:   m.frameQuality(info),
		LinkQualityOut:  lqOut,
		Rssi:            info.Rssi,
		NextHop:         src.RouterId(),
		PathCost:        1,
		LinkEstablished: established,
	}); err != nil {
		m.log.Debug("router not tracked", "router", info.Src, "error", err)
	}

	if m.role == state.RoleLeader {
		if e := &m.ids[src.RouterId()]; e.allocated && e.owner == info.Src {
			e.lastSeen = now
		}
		return nil
	}
	if state.SeqnoGt(route.Sequence, m.route.Sequence) {
		m.route = route
		if !route.Allocated(m.rloc.RouterId()) {
			m.detach("router id released by leader", state.AttachSamePartition1)
			return nil
		}
	}
	m.requestNewerData(ld, state.ShortAddr(src))
	return nil
}

// requestNewerData asks dst for network data when ld is ahead of ours.
func (m *AttachStateMachine) requestNewerData(ld state.LeaderData, dst state.LinkAddr) {
	version, _ := m.netdata.Versions()
	if !state.SeqnoGt(ld.DataVersion, version) {
		return
	}
	if state.DBG_log_netdata {
		m.log.Debug("requesting network data", "ours", version, "theirs", ld.DataVersion, "from", dst)
	}
	m.sendTo(&Frame{Command: CmdDataRequest, Source: state.Some(m.rloc)}, dst)
}

// networkDataFrame carries our leader data, datasets and routes.
func (m *AttachStateMachine) networkDataFrame(cmd Command) *Frame {
	f := &Frame{
		Command:    cmd,
		LeaderData: state.Some(m.LeaderData()),
		LeaderAge:  state.Some(m.leaderAge()),
		Routes:     m.netdata.Routes(),
	}
	if active := m.netdata.Active(); active.ActiveTimestamp.Present {
		f.ActiveDataset = state.Some(active)
	}
	if pending, ok := m.netdata.Pending(); ok {
		f.PendingDataset = state.Some(pending)
	}
	return f
}

func (m *AttachStateMachine) handleDataRequest(f *Frame, info FrameInfo) error {
	if !m.role.IsAttached() {
		return fmt.Errorf("data request while %s: %w", m.role, state.ErrDrop)
	}
	resp := m.networkDataFrame(CmdDataResponse)
	resp.Source = state.Some(m.rloc)
	m.sendTo(resp, state.ExtendedAddr(info.Src))
	return nil
}

func (m *AttachStateMachine) handleDataResponse(f *Frame, info FrameInfo) error {
	ld, ok := f.LeaderData.Get()
	if !ok {
		return fmt.Errorf("data response without leader data: %w", state.ErrParse)
	}
	if !m.role.IsAttached() || m.role == state.RoleLeader || ld.PartitionId != m.leader.PartitionId {
		return fmt.Errorf("data response from %s: %w", info.Src, state.ErrDrop)
	}
	if err := m.checkNetworkKey(f); err != nil {
		m.detach("network key mismatch", state.AttachAnyPartition)
		return err
	}
	m.applyNetworkData(f, ld)
	return nil
}

// checkNetworkKey rejects data whose active dataset is not newer than ours yet carries another key.
func (m *AttachStateMachine) checkNetworkKey(f *Frame) error {
	remote, ok := f.ActiveDataset.Get()
	if !ok {
		return nil
	}
	local := m.netdata.Active()
	rk, rok := remote.NetworkKey.Get()
	lk, lok := local.NetworkKey.Get()
	if !rok || !lok || rk == lk || newer(remote.ActiveTimestamp, local.ActiveTimestamp) {
		return nil
	}
	return fmt.Errorf("network key differs for the same active timestamp: %w", state.ErrSecurity)
}

func (m *AttachStateMachine) applyNetworkData(f *Frame, ld state.LeaderData) {
	if ds, ok := f.ActiveDataset.Get(); ok {
		if out := m.netdata.Merge(ActiveDataset, ds); out != MergeRejected {
			m.log.Info("active dataset updated", "outcome", out)
		}
	}
	if ds, ok := f.PendingDataset.Get(); ok {
		if out := m.netdata.Merge(PendingDataset, ds); out != MergeRejected {
			m.log.Info("pending dataset received", "outcome", out)
		}
	}
	m.netdata.ReplaceRoutes(f.Routes)
	m.netdata.SyncVersions(ld)
}

func (m *AttachStateMachine) canUpgrade() bool {
	return m.id.RouterEligible && m.id.Mode.FullThreadDevice &&
		m.comm.EnforcePolicy(ActionRouterUpgrade) == Allowed &&
		!m.clock.Now().Before(m.upgradeAfter)
}

// scheduleUpgrade arms a jittered router upgrade while the partition has few routers.
func (m *AttachStateMachine) scheduleUpgrade() {
	if m.role != state.RoleChild || m.upgradeTimer != nil || m.solicit.pending || !m.canUpgrade() {
		return
	}
	if m.route.Count() >= m.tun.RouterUpgradeThreshold {
		return
	}
	m.upgradeTimer = m.clock.Schedule(m.jitter(m.tun.RouterSelectionJitter), func() {
		m.upgradeTimer = nil
		m.requestUpgrade()
	})
}

// requestUpgrade asks the leader for a router id.
func (m *AttachStateMachine) requestUpgrade() {
	if m.role != state.RoleChild || m.solicit.pending {
		return
	}
	if !m.canUpgrade() {
		m.upgradeFailed("not allowed to become a router")
		return
	}
	stopTimer(&m.upgradeTimer)
	f := &Frame{
		Command:    CmdAddressSolicit,
		Source:     state.Some(m.rloc),
		LeaderData: state.Some(m.LeaderData()),
	}
	if m.previousRouterId <= state.MaxRouterId {
		f.RouterId = state.Some(m.previousRouterId)
	}
	if err := m.out.send(f, state.ShortAddr(state.RouterRloc16(m.leader.LeaderRouterId))); err != nil {
		m.upgradeFailed(err.Error())
		return
	}
	m.log.Info("requesting router id", "leader", m.leader.LeaderRouterId)
	m.solicit = solicitOp{pending: true}
	m.solicit.timer = m.clock.Schedule(m.tun.AddressSolicitTimeout, func() {
		m.solicit = solicitOp{}
		m.upgradeFailed("address solicit timed out")
	})
}

func (m *AttachStateMachine) upgradeFailed(reason string) {
	m.log.Info("router upgrade failed", "reason", reason, "waiting_children", len(m.deferred))
	m.upgradeAfter = m.clock.Now().Add(m.tun.AttachBackoff)
	m.deferred = nil
}

func (m *AttachStateMachine) handleAddressSolicitResponse(f *Frame, info FrameInfo) error {
	if m.role != state.RoleChild || !m.solicit.pending {
		return fmt.Errorf("address solicit response while %s: %w", m.role, state.ErrDrop)
	}
	stopTimer(&m.solicit.timer)
	m.solicit = solicitOp{}
	status, _ := f.Status.Get()
	id, ok := f.RouterId.Get()
	if status != StatusSuccess || !ok || id > state.MaxRouterId {
		m.upgradeFailed("leader has no router id for us")
		return nil
	}
	m.becomeRouter(id, f.Route)
	return nil
}

func (m *AttachStateMachine) handleAddressSolicit(f *Frame, info FrameInfo) error {
	if m.role != state.RoleLeader {
		return fmt.Errorf("address solicit while %s: %w", m.role, state.ErrInvalidState)
	}
	resp := &Frame{
		Command:    CmdAddressSolicitResponse,
		LeaderData: state.Some(m.LeaderData()),
		Status:     state.Some(StatusNoAddressAvailable),
	}
	if m.comm.EnforcePolicy(ActionRouterUpgrade) == Allowed {
		if id, ok := m.allocateRouterId(info.Src, f.RouterId); ok {
			m.log.Info("router id allocated", "router", info.Src, "id", id)
			resp.Status = state.Some(StatusSuccess)
			resp.RouterId = state.Some(id)
			resp.Route = state.Some(m.currentRoute())
		}
	}
	m.sendTo(resp, state.ExtendedAddr(info.Src))
	return nil
}

// allocateRouterId hands out a router id, honoring the requested one when it is free.
func (m *AttachStateMachine) allocateRouterId(owner state.ExtAddress, requested state.Optional[uint8]) (uint8, bool) {
	count := 0
	for id, e := range m.ids {
		if e.allocated && e.owner == owner {
			m.ids[id].lastSeen = m.clock.Now()
			return uint8(id), true
		}
		if e.allocated {
			count++
		}
	}
	if count >= min(m.tun.RouterCapacity, state.MaxRouterId+1) {
		return 0, false
	}
	chosen := -1
	if r, ok := requested.Get(); ok && r <= state.MaxRouterId && !m.ids[r].allocated {
		chosen = int(r)
	} else {
		for id, e := range m.ids {
			if !e.allocated {
				chosen = id
				break
			}
		}
	}
	if chosen == -1 {
		return 0, false
	}
	m.ids[chosen] = routerIdEntry{allocated: true, owner: owner, lastSeen: m.clock.Now()}
	m.route.Sequence++
	m.rebuildRoute()
	return uint8(chosen), true
}

func (m *AttachStateMachine) releaseRouterId(id uint8, reason string) {
	e := m.ids[id]
	if !e.allocated || id == m.rloc.RouterId() {
		return
	}
	m.log.Info("router id released", "id", id, "reason", reason)
	m.ids[id] = routerIdEntry{}
	m.route.Sequence++
	m.rebuildRoute()
	m.topo.Remove(KindRouter, e.owner)
	m.resolver.InvalidateRouter(id)
	m.netdata.RemoveRoutesOf(state.RouterRloc16(id))
}

func (m *AttachStateMachine) expireRouterIds(now time.Time) {
	for id, e := range m.ids {
		if e.allocated && now.Sub(e.lastSeen) > m.tun.RouterTimeout {
			m.releaseRouterId(uint8(id), "not heard")
		}
	}
}

func (m *AttachStateMachine) sendAddressRelease() {
	id := m.rloc.RouterId()
	f := &Frame{Command: CmdAddressRelease, Source: state.Some(m.rloc), RouterId: state.Some(id)}
	m.sendTo(f, state.ShortAddr(state.RouterRloc16(m.leader.LeaderRouterId)))
}

func (m *AttachStateMachine) handleAddressRelease(f *Frame, info FrameInfo) error {
	id, ok := f.RouterId.Get()
	if m.role != state.RoleLeader || !ok || id > state.MaxRouterId {
		return fmt.Errorf("address release: %w", state.ErrDrop)
	}
	if m.ids[id].owner != info.Src {
		return fmt.Errorf("router id %d is not owned by %s: %w", id, info.Src, state.ErrSecurity)
	}
	m.releaseRouterId(id, "released by owner")
	return nil
}

// SendAddressQuery broadcasts a query for target.
func (m *AttachStateMachine) SendAddressQuery(target netip.Addr) error {
	if !m.role.IsAttached() {
		return fmt.Errorf("address query while %s: %w", m.role, state.ErrDetached)
	}
	return m.out.send(&Frame{
		Command:   CmdAddressQuery,
		Source:    state.Some(m.rloc),
		TargetEid: state.Some(target),
	}, state.BroadcastAddr)
}

// AddAddress registers an EID this device answers address queries for.
func (m *AttachStateMachine) AddAddress(eid netip.Addr) error {
	if !eid.Is6() || eid.IsMulticast() {
		return fmt.Errorf("%s: %w", eid, state.ErrIpv6AddressCreationFailure)
	}
	if _, ok := m.addresses[eid]; ok {
		return fmt.Errorf("%s: %w", eid, state.ErrAlready)
	}
	m.addresses[eid] = struct{}{}
	m.sink.Signal(state.ChangedIp6AddressAdded)
	return nil
}

// RemoveAddress unregisters an EID and tells the mesh it is gone.
func (m *AttachStateMachine) RemoveAddress(eid netip.Addr) error {
	if _, ok := m.addresses[eid]; !ok {
		return fmt.Errorf("%s: %w", eid, state.ErrNotFound)
	}
	delete(m.addresses, eid)
	m.sink.Signal(state.ChangedIp6AddressRemoved)
	if m.role.IsAttached() {
		m.sendTo(&Frame{Command: CmdAddressError, Source: state.Some(m.rloc), TargetEid: state.Some(eid)}, state.BroadcastAddr)
	}
	return nil
}

func (m *AttachStateMachine) Addresses() []netip.Addr {
	out := make([]netip.Addr, 0, len(m.addresses))
	for a := range m.addresses {
		out = append(out, a)
	}
	return out
}

func (m *AttachStateMachine) handleAddressQuery(f *Frame, info FrameInfo) error {
	target, ok := f.TargetEid.Get()
	if !ok {
		return fmt.Errorf("address query without target: %w", state.ErrParse)
	}
	if _, owned := m.addresses[target]; !owned || !m.role.IsAttached() {
		return nil
	}
	dst := state.ExtendedAddr(info.Src)
	if src, ok := f.Source.Get(); ok && src.IsValid() {
		dst = state.ShortAddr(src)
	}
	m.sendTo(&Frame{
		Command:   CmdAddressNotification,
		Source:    state.Some(m.rloc),
		TargetEid: state.Some(target),
		Address16: state.Some(m.rloc),
	}, dst)
	return nil
}

func (m *AttachStateMachine) handleAddressNotification(f *Frame) error {
	target, hasTarget := f.TargetEid.Get()
	rloc, hasRloc := f.Address16.Get()
	if !hasTarget || !hasRloc {
		return fmt.Errorf("incomplete address notification: %w", state.ErrParse)
	}
	return m.resolver.HandleNotification(target, rloc)
}

func (m *AttachStateMachine) handleAddressError(f *Frame) error {
	target, ok := f.TargetEid.Get()
	if !ok {
		return fmt.Errorf("address error without target: %w", state.ErrParse)
	}
	m.resolver.HandleError(target)
	return nil
}
