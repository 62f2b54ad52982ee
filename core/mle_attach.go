package core

import (
	"bytes"
	"fmt"
	"time"

	"github.com/encodeous/weft/state"
)

const noiseFloor = -100

func linkMargin(rssi int8) uint8 {
	return uint8(max(0, min(int(rssi)-noiseFloor, 255)))
}

// twoWayQuality is the worse of what we measured and what the peer reports measuring.
func twoWayQuality(in uint8, out state.Optional[uint8]) uint8 {
	if v, ok := out.Get(); ok {
		return min(in, v)
	}
	return in
}

func (m *AttachStateMachine) frameQuality(info FrameInfo) uint8 {
	if info.LinkQuality != 0 {
		return info.LinkQuality
	}
	return m.out.linkQuality(info.Src)
}

// startAttach broadcasts a Parent Request and collects responses until the response window closes.
// Routers are asked first; the second request of an attempt also asks router eligible children.
func (m *AttachStateMachine) startAttach(filter state.AttachFilter) {
	if m.role == state.RoleDisabled || m.role == state.RoleOffline {
		return
	}
	if filter == state.AttachBetterPartition && m.attach.phase != attachIdle {
		return
	}
	stopTimer(&m.attach.timer)
	m.attach = attachOp{phase: attachParentRequest, filter: filter}
	m.log.Info("attaching", "filter", filter)
	m.sendParentRequest()
}

func (m *AttachStateMachine) sendParentRequest() {
	scan := ScanRouters
	if m.attach.reeds {
		scan |= ScanEndDevices
	}
	m.attach.challenge = m.newChallenge()
	f := &Frame{
		Command:      CmdParentRequest,
		Mode:         state.Some(m.id.Mode),
		Challenge:    m.attach.challenge,
		ScanMask:     state.Some(scan),
		AttachFilter: state.Some(m.attach.filter),
	}
	m.sendTo(f, state.BroadcastAddr)
	m.attach.timer = m.clock.Schedule(m.tun.ParentResponseWindow, m.parentWindowClosed)
}

func (m *AttachStateMachine) qualifies(ld state.LeaderData) bool {
	switch m.attach.filter {
	case state.AttachSamePartition1, state.AttachSamePartition2:
		return m.partitionKnown && ld.PartitionId == m.leader.PartitionId
	case state.AttachBetterPartition:
		return ld.PartitionId != m.leader.PartitionId && Arbitrate(m.LeaderData(), ld) == Adopt
	}
	return true
}

func (c *parentCandidate) betterThan(o *parentCandidate) bool {
	if r := ComparePartitions(c.leader, o.leader); r != 0 {
		return r > 0
	}
	return c.quality > o.quality
}

func (m *AttachStateMachine) handleParentResponse(f *Frame, info FrameInfo) error {
	if m.attach.phase != attachParentRequest {
		return fmt.Errorf("parent response outside attach: %w", state.ErrDrop)
	}
	if !bytes.Equal(f.Response, m.attach.challenge) {
		return fmt.Errorf("parent response from %s with wrong challenge: %w", info.Src, state.ErrSecurity)
	}
	ld, hasLd := f.LeaderData.Get()
	src, hasSrc := f.Source.Get()
	if !hasLd || !hasSrc || f.Challenge == nil {
		return fmt.Errorf("incomplete parent response from %s: %w", info.Src, state.ErrParse)
	}
	m.attach.responses++
	if !m.qualifies(ld) {
		return nil
	}
	cand := &parentCandidate{
		ext:       info.Src,
		rloc:      src,
		leader:    ld,
		quality:   twoWayQuality(m.frameQuality(info), f.LinkQuality),
		challenge: f.Challenge,
	}
	if m.attach.best == nil || cand.betterThan(m.attach.best) {
		m.attach.best = cand
	}
	return nil
}

func (m *AttachStateMachine) parentWindowClosed() {
	m.attach.timer = nil
	if m.attach.phase != attachParentRequest {
		return
	}
	best := m.attach.best
	if best == nil {
		if !m.attach.reeds {
			m.attach.reeds = true
			m.sendParentRequest()
			return
		}
		m.attachFailed()
		return
	}
	m.attach.phase = attachChildIdRequest
	m.log.Debug("requesting child id", "parent", best.ext, "rloc16", best.rloc, "leader", best.leader)
	f := &Frame{
		Command:  CmdChildIdRequest,
		Response: best.challenge,
		Mode:     state.Some(m.id.Mode),
		Timeout:  state.Some(m.tun.ChildTimeout),
	}
	m.sendTo(f, state.ExtendedAddr(best.ext))
	m.attach.timer = m.clock.Schedule(m.tun.ChildIdResponseTimeout, func() {
		m.attach.timer = nil
		m.log.Debug("child id response timed out", "parent", best.ext)
		m.attachFailed()
	})
}

// attachFailed escalates the filter after an attempt found no parent.
func (m *AttachStateMachine) attachFailed() {
	filter, heard := m.attach.filter, m.attach.responses > 0
	stopTimer(&m.attach.timer)
	m.attach = attachOp{}
	switch filter {
	case state.AttachBetterPartition:
		m.log.Debug("no better partition to join", "role", m.role)
	case state.AttachSamePartition1:
		m.startAttach(state.AttachSamePartition2)
	case state.AttachSamePartition2:
		m.startAttach(state.AttachAnyPartition)
	default:
		if !heard && m.canLead() {
			if err := m.BecomeLeader(); err == nil {
				return
			}
		}
		m.log.Debug("attach failed, backing off", "delay", m.tun.AttachBackoff)
		m.attach = attachOp{phase: attachBackoff, filter: state.AttachAnyPartition}
		m.attach.timer = m.clock.Schedule(m.tun.AttachBackoff, func() {
			m.attach.timer = nil
			m.attach.phase = attachIdle
			m.startAttach(state.AttachAnyPartition)
		})
	}
}

func (m *AttachStateMachine) handleChildIdResponse(f *Frame, info FrameInfo) error {
	best := m.attach.best
	if m.attach.phase != attachChildIdRequest || best == nil || info.Src != best.ext {
		return fmt.Errorf("unexpected child id response from %s: %w", info.Src, state.ErrDrop)
	}
	addr, hasAddr := f.Address16.Get()
	ld, hasLd := f.LeaderData.Get()
	if !hasAddr || !hasLd || !addr.IsValid() {
		return fmt.Errorf("incomplete child id response from %s: %w", info.Src, state.ErrParse)
	}
	if err := m.checkNetworkKey(f); err != nil {
		m.attachFailed()
		return err
	}
	stopTimer(&m.attach.timer)
	m.attach = attachOp{}
	if m.role.IsAttached() {
		m.log.Info("leaving partition", "partition", fmt.Sprintf("%08x", m.leader.PartitionId), "for", ld)
		if m.role == state.RoleRouter {
			m.sendAddressRelease()
		}
		m.leaveRole()
	}
	m.becomeChild(best, addr, ld, f, info)
	return nil
}

func (m *AttachStateMachine) becomeChild(p *parentCandidate, addr state.Rloc16, ld state.LeaderData, f *Frame, info FrameInfo) {
	now := m.clock.Now()
	m.stopRoleTimers()
	m.parent = p.ext
	m.parentRloc = p.rloc
	if src, ok := f.Source.Get(); ok {
		m.parentRloc = src
	}
	m.parentHeard = now
	m.setLeader(ld)
	m.leaderHeard = now
	if age, ok := f.LeaderAge.Get(); ok {
		m.leaderHeard = now.Add(-age)
	}
	if r, ok := f.Route.Get(); ok {
		m.route = r
	}
	m.setRloc(addr)
	m.setRole(state.RoleChild)
	m.refreshParent(info)
	m.applyNetworkData(f, ld)
	m.keepAliveTimer = m.clock.Schedule(m.tun.ChildKeepAliveInterval, m.keepAlive)
	m.scheduleUpgrade()
}

func (m *AttachStateMachine) refreshParent(info FrameInfo) {
	m.parentHeard = m.clock.Now()
	_, err := m.topo.Upsert(KindRouter, m.parent, Observation{
		Now:             m.parentHeard,
		Rloc16:          m.parentRloc,
		LinkQualityIn:   m.frameQuality(info),
		Rssi:            info.Rssi,
		NextHop:         m.parentRloc.RouterId(),
		PathCost:        1,
		LinkEstablished: true,
	})
	if err != nil {
		m.log.Debug("parent not tracked", "error", err)
	}
}

func (m *AttachStateMachine) keepAlive() {
	m.keepAliveTimer = m.clock.Schedule(m.tun.ChildKeepAliveInterval, m.keepAlive)
	f := &Frame{
		Command:    CmdChildUpdateRequest,
		Source:     state.Some(m.rloc),
		Mode:       state.Some(m.id.Mode),
		Timeout:    state.Some(m.tun.ChildTimeout),
		LeaderData: state.Some(m.LeaderData()),
	}
	m.sendTo(f, state.ShortAddr(m.parentRloc))
}

func (m *AttachStateMachine) handleChildUpdateResponse(f *Frame, info FrameInfo) error {
	if m.role != state.RoleChild || info.Src != m.parent {
		return fmt.Errorf("child update response from %s: %w", info.Src, state.ErrDrop)
	}
	if status, ok := f.Status.Get(); ok && status != StatusSuccess {
		m.detach("parent no longer has us as a child", state.AttachSamePartition1)
		return nil
	}
	m.refreshParent(info)
	if age, ok := f.LeaderAge.Get(); ok {
		m.noteLeaderAge(age)
	}
	if ld, ok := f.LeaderData.Get(); ok && ld.PartitionId == m.leader.PartitionId {
		m.requestNewerData(ld, state.ShortAddr(m.parentRloc))
	}
	return nil
}

func (m *AttachStateMachine) noteLeaderAge(age time.Duration) {
	if heard := m.clock.Now().Add(-age); heard.After(m.leaderHeard) {
		m.leaderHeard = heard
	}
}

// reedCanServe is true when a router eligible child may offer itself as a parent.
func (m *AttachStateMachine) reedCanServe() bool {
	return m.role == state.RoleChild && m.canUpgrade() && m.route.Count() < m.tun.RouterCapacity
}

func (m *AttachStateMachine) handleParentRequest(f *Frame, info FrameInfo) error {
	scan := f.ScanMask.Value
	if !f.ScanMask.Present {
		scan = ScanRouters | ScanEndDevices
	}
	switch {
	case m.role.IsRouterOrLeader():
		if scan&ScanRouters == 0 {
			return nil
		}
	case m.reedCanServe():
		if scan&ScanEndDevices == 0 {
			return nil
		}
	default:
		return fmt.Errorf("parent request while %s: %w", m.role, state.ErrDrop)
	}
	if f.Challenge == nil {
		return fmt.Errorf("parent request from %s without challenge: %w", info.Src, state.ErrParse)
	}
	if _, known := m.topo.Find(KindChild, info.Src); !known && m.topo.Full(KindChild) {
		return fmt.Errorf("child table full: %w", state.ErrNoBufs)
	}
	if _, ok := m.issued[info.Src]; !ok && len(m.issued) >= state.MaxIssuedChallenges {
		return fmt.Errorf("too many outstanding challenges: %w", state.ErrNoBufs)
	}
	challenge := m.newChallenge()
	m.issued[info.Src] = issuedChallenge{
		challenge: challenge,
		expires:   m.clock.Now().Add(m.tun.ParentResponseWindow + m.tun.ChildIdResponseTimeout),
	}
	resp := &Frame{
		Command:     CmdParentResponse,
		Source:      state.Some(m.rloc),
		LeaderData:  state.Some(m.LeaderData()),
		Response:    f.Challenge,
		Challenge:   challenge,
		LinkQuality: state.Some(m.frameQuality(info)),
		LinkMargin:  state.Some(linkMargin(info.Rssi)),
	}
	m.sendTo(resp, state.ExtendedAddr(info.Src))
	return nil
}

func (m *AttachStateMachine) handleChildIdRequest(f *Frame, info FrameInfo) error {
	ic, ok := m.issued[info.Src]
	if !ok || m.clock.Now().After(ic.expires) || !bytes.Equal(f.Response, ic.challenge) {
		return fmt.Errorf("child id request from %s does not answer our challenge: %w", info.Src, state.ErrSecurity)
	}
	delete(m.issued, info.Src)
	if m.role == state.RoleChild {
		if len(m.deferred) >= m.tun.ChildCapacity {
			return fmt.Errorf("too many children waiting for router upgrade: %w", state.ErrNoBufs)
		}
		m.deferred = append(m.deferred, deferredChild{frame: f, info: info})
		m.requestUpgrade()
		return nil
	}
	if !m.role.IsRouterOrLeader() {
		return fmt.Errorf("child id request while %s: %w", m.role, state.ErrInvalidState)
	}
	return m.acceptChild(f, info)
}

func (m *AttachStateMachine) allocateChildRloc(ext state.ExtAddress) (state.Rloc16, error) {
	routerId := m.rloc.RouterId()
	if ref, ok := m.topo.Find(KindChild, ext); ok {
		if r := m.topo.Neighbor(ref).Rloc16; r.IsValid() && r.RouterId() == routerId {
			return r, nil
		}
	}
	for range state.MaxChildId {
		id := m.nextChildId
		m.nextChildId = m.nextChildId%state.MaxChildId + 1
		rloc := state.ChildRloc16(routerId, id)
		if _, used := m.topo.FindByRloc16(KindChild, rloc); !used {
			return rloc, nil
		}
	}
	return state.InvalidRloc16, fmt.Errorf("no free child id: %w", state.ErrNoBufs)
}

func (m *AttachStateMachine) acceptChild(f *Frame, info FrameInfo) error {
	rloc, err := m.allocateChildRloc(info.Src)
	if err != nil {
		return err
	}
	timeout := m.tun.ChildTimeout
	if t, ok := f.Timeout.Get(); ok && t > 0 {
		timeout = t
	}
	mode := f.Mode.Value
	_, existed := m.topo.Find(KindChild, info.Src)
	version, _ := m.netdata.Versions()
	_, err = m.topo.Upsert(KindChild, info.Src, Observation{
		Now:                m.clock.Now(),
		Rloc16:             rloc,
		LinkQualityIn:      m.frameQuality(info),
		Rssi:               info.Rssi,
		Mode:               mode,
		Timeout:            timeout,
		NetworkDataVersion: version,
	})
	if err != nil {
		return fmt.Errorf("child %s: %w", info.Src, err)
	}
	if !existed {
		m.log.Info("child attached", "child", info.Src, "rloc16", rloc)
		m.sink.Signal(state.ChangedChildAdded)
	}
	resp := m.networkDataFrame(CmdChildIdResponse)
	resp.Source = state.Some(m.rloc)
	resp.Address16 = state.Some(rloc)
	if mode.FullThreadDevice {
		resp.Route = state.Some(m.currentRoute())
	}
	m.sendTo(resp, state.ExtendedAddr(info.Src))
	return nil
}

func (m *AttachStateMachine) handleChildUpdateRequest(f *Frame, info FrameInfo) error {
	if !m.role.IsRouterOrLeader() {
		return fmt.Errorf("child update request while %s: %w", m.role, state.ErrDrop)
	}
	resp := &Frame{
		Command:    CmdChildUpdateResponse,
		Source:     state.Some(m.rloc),
		LeaderData: state.Some(m.LeaderData()),
		LeaderAge:  state.Some(m.leaderAge()),
	}
	ref, ok := m.topo.Find(KindChild, info.Src)
	if !ok {
		resp.Status = state.Some(StatusError)
		m.sendTo(resp, state.ExtendedAddr(info.Src))
		return nil
	}
	c := *m.topo.Child(ref)
	timeout := c.Timeout
	if t, ok := f.Timeout.Get(); ok && t > 0 {
		timeout = t
	}
	mode := c.Mode
	if md, ok := f.Mode.Get(); ok {
		mode = md
	}
	version, _ := m.netdata.Versions()
	if _, err := m.topo.Upsert(KindChild, info.Src, Observation{
		Now:                m.clock.Now(),
		Rloc16:             c.Rloc16,
		LinkQualityIn:      m.frameQuality(info),
		Rssi:               info.Rssi,
		Mode:               mode,
		Timeout:            timeout,
		NetworkDataVersion: version,
	}); err != nil {
		return err
	}
	resp.Status = state.Some(StatusSuccess)
	resp.Address16 = state.Some(c.Rloc16)
	m.sendTo(resp, state.ExtendedAddr(info.Src))
	return nil
}
