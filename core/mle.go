package core

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
)

// NodeIdentity is the static description of the local device.
type NodeIdentity struct {
	ExtAddress     state.ExtAddress
	Mode           state.LinkMode
	RouterEligible bool
	LeaderWeight   uint8
}

// frameSender puts MLE frames on the link.
type frameSender interface {
	send(f *Frame, dst state.LinkAddr) error
	linkQuality(ext state.ExtAddress) uint8
}

type attachPhase uint8

const (
	attachIdle attachPhase = iota
	attachParentRequest
	attachChildIdRequest
	attachBackoff
)

type parentCandidate struct {
	ext       state.ExtAddress
	rloc      state.Rloc16
	leader    state.LeaderData
	quality   uint8
	challenge []byte
}

// attachOp is the suspended attach attempt. At most one exists.
type attachOp struct {
	phase     attachPhase
	filter    state.AttachFilter
	reeds     bool
	challenge []byte
	responses int
	best      *parentCandidate
	timer     Timer
}

type solicitOp struct {
	pending bool
	timer   Timer
}

type issuedChallenge struct {
	challenge []byte
	expires   time.Time
}

type deferredChild struct {
	frame *Frame
	info  FrameInfo
}

type routerIdEntry struct {
	allocated bool
	owner     state.ExtAddress
	lastSeen  time.Time
}

// AttachStateMachine owns the device role. It runs the attach protocol, parent and router duties, and
// decides every role transition.
type AttachStateMachine struct {
	log      *slog.Logger
	clock    Clock
	rand     *rand.Rand
	tun      state.Tunables
	id       NodeIdentity
	out      frameSender
	sink     changeSink
	topo     *TopologyTable
	netdata  *NetworkDataStore
	resolver *AddressResolver
	comm     *CommissioningAuthority

	enabled          bool
	available        bool
	role             state.Role
	rloc             state.Rloc16
	leader           state.LeaderData
	partitionKnown   bool
	previousRouterId uint8

	parent      state.ExtAddress
	parentRloc  state.Rloc16
	parentHeard time.Time
	leaderHeard time.Time

	route       Route64
	ids         [state.MaxRouterId + 1]routerIdEntry
	nextChildId uint16

	attach       attachOp
	solicit      solicitOp
	upgradeAfter time.Time
	issued       map[state.ExtAddress]issuedChallenge
	deferred     []deferredChild
	addresses    map[netip.Addr]struct{}

	advTimer       Timer
	keepAliveTimer Timer
	upgradeTimer   Timer
	maintTimer     Timer
}

type mleDeps struct {
	log      *slog.Logger
	clock    Clock
	rand     *rand.Rand
	tun      state.Tunables
	id       NodeIdentity
	out      frameSender
	sink     changeSink
	topo     *TopologyTable
	netdata  *NetworkDataStore
	resolver *AddressResolver
	comm     *CommissioningAuthority
}

func newAttachStateMachine(d mleDeps) *AttachStateMachine {
	return &AttachStateMachine{
		log:              d.log,
		clock:            d.clock,
		rand:             d.rand,
		tun:              d.tun,
		id:               d.id,
		out:              d.out,
		sink:             d.sink,
		topo:             d.topo,
		netdata:          d.netdata,
		resolver:         d.resolver,
		comm:             d.comm,
		available:        true,
		role:             state.RoleDisabled,
		rloc:             state.InvalidRloc16,
		previousRouterId: state.InvalidRouterId,
		nextChildId:      1,
		issued:           make(map[state.ExtAddress]issuedChallenge),
		addresses:        make(map[netip.Addr]struct{}),
	}
}

func (m *AttachStateMachine) Role() state.Role {
	return m.role
}

func (m *AttachStateMachine) Rloc16() state.Rloc16 {
	return m.rloc
}

// LeaderData is the partition we belong to, with our network data versions.
func (m *AttachStateMachine) LeaderData() state.LeaderData {
	ld := m.leader
	ld.DataVersion, ld.StableDataVersion = m.netdata.Versions()
	return ld
}

func (m *AttachStateMachine) Parent() (state.ExtAddress, state.Rloc16, bool) {
	return m.parent, m.parentRloc, m.role == state.RoleChild
}

func (m *AttachStateMachine) RouterCount() int {
	return m.route.Count()
}

func (m *AttachStateMachine) Attaching() bool {
	return m.attach.phase != attachIdle
}

func (m *AttachStateMachine) setRole(role state.Role) {
	if m.role == role {
		return
	}
	m.log.Info("role changed", "from", m.role, "to", role, "rloc16", m.rloc)
	m.role = role
	perf.RoleChanges.Add(1)
	m.sink.Signal(state.ChangedRole)
}

func (m *AttachStateMachine) setRloc(r state.Rloc16) {
	if m.rloc == r {
		return
	}
	if m.rloc.IsValid() {
		m.sink.Signal(state.ChangedRlocRemoved)
	}
	m.rloc = r
	if r.IsValid() {
		m.sink.Signal(state.ChangedRlocAdded | state.ChangedMeshLocalAddr)
		m.comm.Relocate(r)
	}
}

func (m *AttachStateMachine) setLeader(ld state.LeaderData) {
	if !m.partitionKnown || ld.PartitionId != m.leader.PartitionId {
		m.sink.Signal(state.ChangedPartitionId)
	}
	ld.DataVersion, ld.StableDataVersion = 0, 0
	m.leader = ld
	m.partitionKnown = true
}

func (m *AttachStateMachine) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(m.rand.Int64N(int64(d)))
}

func (m *AttachStateMachine) newChallenge() []byte {
	return binary.BigEndian.AppendUint64(nil, m.rand.Uint64())[:state.ChallengeLength]
}

func (m *AttachStateMachine) sendTo(f *Frame, dst state.LinkAddr) {
	if err := m.out.send(f, dst); err != nil {
		m.log.Debug("send failed", "command", f.Command, "dst", dst, "error", err)
	}
}

// canLead is true when the device may start or take over a partition.
func (m *AttachStateMachine) canLead() bool {
	return m.id.RouterEligible && m.id.LeaderWeight >= m.tun.MinLeaderWeight
}

func (m *AttachStateMachine) reattachFilter() state.AttachFilter {
	if m.partitionKnown {
		return state.AttachSamePartition1
	}
	return state.AttachAnyPartition
}

// Enable moves a disabled device to Detached and starts attaching.
func (m *AttachStateMachine) Enable() error {
	if !m.available {
		return fmt.Errorf("device offline: %w", state.ErrInvalidState)
	}
	if m.role != state.RoleDisabled {
		return fmt.Errorf("already %s: %w", m.role, state.ErrAlready)
	}
	m.enabled = true
	m.setRole(state.RoleDetached)
	m.scheduleMaintenance()
	m.startAttach(m.reattachFilter())
	return nil
}

// Disable stops all protocol activity and forgets the current role.
func (m *AttachStateMachine) Disable() {
	m.enabled = false
	if m.role == state.RoleOffline {
		return
	}
	m.teardown()
	m.setRole(state.RoleDisabled)
}

// SetAvailable moves the device in and out of Offline. Coming back online resumes attaching if the device
// was enabled.
func (m *AttachStateMachine) SetAvailable(available bool) {
	if m.available == available {
		return
	}
	m.available = available
	if !available {
		m.teardown()
		m.setRole(state.RoleOffline)
		return
	}
	m.setRole(state.RoleDisabled)
	if m.enabled {
		m.enabled = false
		if err := m.Enable(); err != nil {
			m.log.Warn("resume after offline", "error", err)
		}
	}
}

// Reset cancels every pending operation and reattaches from Detached.
func (m *AttachStateMachine) Reset() {
	if !m.role.IsAttached() && m.role != state.RoleDetached {
		m.cancelPending()
		return
	}
	m.netdata.Reset()
	m.detach("reset", m.reattachFilter())
}

// cancelPending releases suspended operations without completing them.
func (m *AttachStateMachine) cancelPending() {
	stopTimer(&m.attach.timer)
	m.attach = attachOp{}
	stopTimer(&m.solicit.timer)
	m.solicit = solicitOp{}
	stopTimer(&m.upgradeTimer)
	clear(m.issued)
	m.deferred = nil
	m.resolver.Cancel()
}

func (m *AttachStateMachine) stopRoleTimers() {
	stopTimer(&m.advTimer)
	stopTimer(&m.keepAliveTimer)
	stopTimer(&m.upgradeTimer)
}

// leaveRole drops the duties of the current role: timers, children, router neighbors and any
// commissioning session this node hosts.
func (m *AttachStateMachine) leaveRole() {
	m.stopRoleTimers()
	m.comm.Reset()
	if len(m.topo.RemoveAll(KindChild)) > 0 {
		m.sink.Signal(state.ChangedChildRemoved)
	}
	m.topo.RemoveAll(KindRouter)
	m.parent = state.ExtAddress{}
	m.parentRloc = state.InvalidRloc16
}

func (m *AttachStateMachine) teardown() {
	m.cancelPending()
	stopTimer(&m.maintTimer)
	if m.role == state.RoleRouter {
		m.sendAddressRelease()
	}
	m.leaveRole()
	m.setRloc(state.InvalidRloc16)
}

// detach drops to Detached and starts attaching with filter.
func (m *AttachStateMachine) detach(reason string, filter state.AttachFilter) {
	m.log.Warn("detaching", "reason", reason, "role", m.role)
	m.cancelPending()
	if m.role == state.RoleRouter {
		m.sendAddressRelease()
	}
	m.leaveRole()
	m.setRloc(state.InvalidRloc16)
	m.setRole(state.RoleDetached)
	if m.maintTimer == nil {
		m.scheduleMaintenance()
	}
	m.startAttach(filter)
}

func (m *AttachStateMachine) scheduleMaintenance() {
	m.maintTimer = m.clock.Schedule(m.tun.MaintenanceInterval, m.maintain)
}

func (m *AttachStateMachine) leaderLost(now time.Time) bool {
	return now.Sub(m.leaderHeard) > m.tun.LeaderTimeout
}

func (m *AttachStateMachine) maintain() {
	m.maintTimer = nil
	now := m.clock.Now()
	m.scheduleMaintenance()

	if removed := m.topo.EvictExpired(now); len(removed) > 0 && m.role.IsRouterOrLeader() {
		m.log.Info("children timed out", "count", len(removed))
		m.sink.Signal(state.ChangedChildRemoved)
	}
	for ext, ic := range m.issued {
		if now.After(ic.expires) {
			delete(m.issued, ext)
		}
	}

	switch m.role {
	case state.RoleChild:
		if now.Sub(m.parentHeard) > m.tun.ParentTimeout {
			m.detach("parent lost", state.AttachSamePartition1)
			return
		}
		if m.leaderLost(now) {
			m.handleLeaderLoss()
			return
		}
		m.scheduleUpgrade()
	case state.RoleRouter:
		if m.comm.EnforcePolicy(ActionRouterUpgrade) == Denied {
			m.detach("routers disabled by security policy", state.AttachSamePartition1)
			return
		}
		if m.leaderLost(now) {
			m.handleLeaderLoss()
		}
	case state.RoleLeader:
		m.expireRouterIds(now)
	}
}

func (m *AttachStateMachine) handleLeaderLoss() {
	m.log.Warn("leader lost", "partition", fmt.Sprintf("%08x", m.leader.PartitionId),
		"last_heard", m.clock.Now().Sub(m.leaderHeard))
	if m.canLead() {
		if err := m.BecomeLeader(); err == nil {
			return
		}
	}
	m.detach("leader lost", state.AttachSamePartition1)
}

// HandleFrame runs one decoded MLE frame through the protocol. Returned errors mean the frame was dropped.
func (m *AttachStateMachine) HandleFrame(f *Frame, info FrameInfo) error {
	if m.role == state.RoleDisabled || m.role == state.RoleOffline {
		return fmt.Errorf("%s while %s: %w", f.Command, m.role, state.ErrInvalidState)
	}
	if state.DBG_log_mle {
		m.log.Debug("mle rx", "command", f.Command, "src", info.Src, "role", m.role)
	}
	switch f.Command {
	case CmdParentRequest:
		return m.handleParentRequest(f, info)
	case CmdParentResponse:
		return m.handleParentResponse(f, info)
	case CmdChildIdRequest:
		return m.handleChildIdRequest(f, info)
	case CmdChildIdResponse:
		return m.handleChildIdResponse(f, info)
	case CmdChildUpdateRequest:
		return m.handleChildUpdateRequest(f, info)
	case CmdChildUpdateResponse:
		return m.handleChildUpdateResponse(f, info)
	case CmdAdvertisement:
		return m.handleAdvertisement(f, info)
	case CmdDataRequest:
		return m.handleDataRequest(f, info)
	case CmdDataResponse:
		return m.handleDataResponse(f, info)
	case CmdAddressSolicit:
		return m.handleAddressSolicit(f, info)
	case CmdAddressSolicitResponse:
		return m.handleAddressSolicitResponse(f, info)
	case CmdAddressRelease:
		return m.handleAddressRelease(f, info)
	case CmdAddressQuery:
		return m.handleAddressQuery(f, info)
	case CmdAddressNotification:
		return m.handleAddressNotification(f)
	case CmdAddressError:
		return m.handleAddressError(f)
	}
	return fmt.Errorf("unhandled %s: %w", f.Command, state.ErrDrop)
}
