package core

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
	"github.com/hashicorp/golang-lru/arc/v2"
)

// NodeConfig carries the collaborators and settings a Node is built from.
type NodeConfig struct {
	Log      *slog.Logger
	Link     Link
	Clock    Clock
	Rand     *rand.Rand
	Tunables state.Tunables
	Identity NodeIdentity
	Dataset  state.OperationalDataset
	// Accepts filters frames by source. Nil accepts everything.
	Accepts func(state.ExtAddress) bool
}

type frameKey struct {
	src     state.ExtAddress
	counter uint32
}

// Node wires the mesh components to the link and timer collaborators. All methods must be called from
// the goroutine that runs the event loop.
type Node struct {
	log     *slog.Logger
	link    Link
	clock   Clock
	tun     state.Tunables
	ext     state.ExtAddress
	accepts func(state.ExtAddress) bool

	frameCounter uint32
	seen         *arc.ARCCache[frameKey, struct{}]

	changed state.ChangeFlags
	handler StateChangedHandler
	feed    broadcast.Broadcaster
	subs    map[chan any]*relay
	closed  bool

	Topology     *TopologyTable
	NetData      *NetworkDataStore
	Resolver     *AddressResolver
	Commissioner *CommissioningAuthority
	Mle          *AttachStateMachine
}

// flushClock publishes accumulated change flags after every timer callback.
type flushClock struct {
	Clock
	n *Node
}

func (c flushClock) Schedule(delay time.Duration, fn func()) Timer {
	return c.Clock.Schedule(delay, func() {
		fn()
		c.n.flush()
	})
}

func NewNode(cfg NodeConfig) (*Node, error) {
	tun := cfg.Tunables.WithDefaults()
	if cfg.Link == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("node needs a link and a clock: %w", state.ErrInvalidArgs)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	seen, err := arc.NewARC[frameKey, struct{}](tun.DuplicateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("duplicate cache: %w", err)
	}
	n := &Node{
		log:     cfg.Log,
		link:    cfg.Link,
		tun:     tun,
		ext:     cfg.Identity.ExtAddress,
		accepts: cfg.Accepts,
		seen:    seen,
		feed:    broadcast.NewBroadcaster(64),
		subs:    make(map[chan any]*relay),
	}
	// peers may still cache frames an earlier run sent from this address
	n.frameCounter = randomCounter()
	n.clock = flushClock{Clock: cfg.Clock, n: n}
	n.Topology = NewTopologyTable(tun)
	n.NetData = NewNetworkDataStore(cfg.Log.With("component", "netdata"), n.clock, n, cfg.Dataset)
	n.Commissioner = NewCommissioningAuthority(cfg.Log.With("component", "commissioner"), n.clock, n.NetData, tun.CommissionerSessionTimeout)
	n.Mle = newAttachStateMachine(mleDeps{
		log:     cfg.Log.With("component", "mle"),
		clock:   n.clock,
		rand:    cfg.Rand,
		tun:     tun,
		id:      cfg.Identity,
		out:     n,
		sink:    n,
		topo:    n.Topology,
		netdata: n.NetData,
		comm:    n.Commissioner,
	})
	n.Resolver = NewAddressResolver(cfg.Log.With("component", "resolver"), n.clock, n.Mle, tun)
	n.Mle.resolver = n.Resolver
	n.Topology.SetObserver(n.Resolver)
	return n, nil
}

func randomCounter() uint32 {
	var b [4]byte
	_, _ = crand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (n *Node) Signal(flags state.ChangeFlags) {
	n.changed |= flags
}

// flush delivers the flags accumulated during one event.
func (n *Node) flush() {
	if n.changed == 0 {
		return
	}
	flags := n.changed
	n.changed = 0
	n.log.Debug("state changed", "flags", flags)
	if n.handler != nil {
		n.handler.HandleStateChanged(flags)
	}
	n.publish(flags)
}

// SetStateChangedHandler registers the single change handler. Nil unregisters it.
func (n *Node) SetStateChangedHandler(h StateChangedHandler) {
	n.handler = h
}

func (n *Node) send(f *Frame, dst state.LinkAddr) error {
	n.frameCounter++
	f.FrameCounter = n.frameCounter
	payload := f.Marshal()
	if err := n.link.SendFrame(payload, dst); err != nil {
		perf.FrameSendErrors.Add(1)
		return fmt.Errorf("send %s to %s: %w", f.Command, dst, err)
	}
	perf.FramesSent.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(payload)))
	if state.DBG_log_frames {
		n.log.Debug("frame tx", "command", f.Command, "dst", dst, "len", len(payload))
	}
	return nil
}

func (n *Node) linkQuality(ext state.ExtAddress) uint8 {
	return n.link.LinkQuality(ext)
}

func (n *Node) addressedToUs(dst state.LinkAddr) bool {
	if dst.IsBroadcast() {
		return true
	}
	if dst.Extended {
		return dst.Ext == n.ext
	}
	return dst.Short == n.Mle.Rloc16() && dst.Short.IsValid()
}

func (n *Node) drop(reason string, info FrameInfo, err error) error {
	perf.FramesDropped.Add(1)
	if state.DBG_log_frames {
		n.log.Debug("frame dropped", "reason", reason, "src", info.Src, "error", err)
	}
	return err
}

// HandleFrame processes one received frame to completion. The returned error says why the frame was
// dropped; it never reflects a change of role.
func (n *Node) HandleFrame(payload []byte, info FrameInfo) error {
	defer n.flush()
	perf.FramesReceived.Add(1)
	perf.RecvBytesPerSecond.Add(float64(len(payload)))
	if info.Src == n.ext {
		return n.drop("own frame", info, fmt.Errorf("frame from ourselves: %w", state.ErrInvalidSourceAddress))
	}
	if n.accepts != nil && !n.accepts(info.Src) {
		return n.drop("filtered", info, fmt.Errorf("source %s filtered: %w", info.Src, state.ErrDrop))
	}
	if !n.addressedToUs(info.Dst) {
		return n.drop("not for us", info, fmt.Errorf("frame for %s: %w", info.Dst, state.ErrDrop))
	}
	f, err := ParseFrame(payload)
	if err != nil {
		return n.drop("parse", info, err)
	}
	key := frameKey{src: info.Src, counter: f.FrameCounter}
	if n.seen.Contains(key) {
		return n.drop("duplicate", info, fmt.Errorf("frame %d from %s: %w", f.FrameCounter, info.Src, state.ErrDuplicated))
	}
	n.seen.Add(key, struct{}{})
	if state.DBG_log_frames {
		n.log.Debug("frame rx", "command", f.Command, "src", info.Src, "dst", info.Dst)
	}

	rloc := state.InvalidRloc16
	if f.Source.Present {
		rloc = f.Source.Value
	}
	_, err = n.Topology.Upsert(KindNeighbor, info.Src, Observation{
		Now:            n.clock.Now(),
		Rloc16:         rloc,
		LinkQualityIn:  info.LinkQuality,
		LinkQualityOut: f.LinkQuality.Value,
		Rssi:           info.Rssi,
		Mode:           f.Mode.Value,
	})
	if err != nil && state.DBG_log_frames {
		n.log.Debug("neighbor not tracked", "src", info.Src, "error", err)
	}
	if err := n.Mle.HandleFrame(f, info); err != nil {
		return n.drop(f.Command.String(), info, err)
	}
	return nil
}

func (n *Node) Enable() error {
	defer n.flush()
	return n.Mle.Enable()
}

func (n *Node) Disable() {
	defer n.flush()
	n.Mle.Disable()
}

func (n *Node) Reset() {
	defer n.flush()
	n.Mle.Reset()
}

func (n *Node) SetAvailable(available bool) {
	defer n.flush()
	n.Mle.SetAvailable(available)
}

func (n *Node) BecomeLeader() error {
	defer n.flush()
	return n.Mle.BecomeLeader()
}

func (n *Node) AddAddress(eid netip.Addr) error {
	defer n.flush()
	return n.Mle.AddAddress(eid)
}

func (n *Node) RemoveAddress(eid netip.Addr) error {
	defer n.flush()
	return n.Mle.RemoveAddress(eid)
}

// Resolve maps an EID to the RLOC16 serving it. Locator addresses resolve without a query. A zero timeout
// uses the configured address query timeout.
func (n *Node) Resolve(target netip.Addr, timeout time.Duration, cb ResolveCallback) error {
	defer n.flush()
	if timeout <= 0 {
		timeout = n.tun.AddressQueryTimeout
	}
	if state.IsLocatorAddr(target) {
		cb(state.LocatorOf(target), nil)
		return nil
	}
	return n.Resolver.Resolve(target, timeout, cb)
}

func (n *Node) SetDatasetField(kind DatasetKind, field state.DatasetField, value any) (uint8, error) {
	defer n.flush()
	if kind == ActiveDataset && n.Mle.Role().IsAttached() && n.Mle.Role() != state.RoleLeader {
		return 0, fmt.Errorf("only the leader changes the active dataset: %w", state.ErrInvalidState)
	}
	return n.NetData.SetField(kind, field, value)
}

// MergeDataset offers a dataset from outside the mesh, such as a distribution repository.
func (n *Node) MergeDataset(kind DatasetKind, ds state.OperationalDataset) MergeOutcome {
	defer n.flush()
	return n.NetData.Merge(kind, ds)
}

func (n *Node) AddRoute(entry state.RouteEntry) error {
	defer n.flush()
	if !n.Mle.Role().IsAttached() {
		return fmt.Errorf("add route while %s: %w", n.Mle.Role(), state.ErrDetached)
	}
	entry.Rloc16 = n.Mle.Rloc16()
	_, err := n.NetData.AddRoute(entry)
	return err
}

func (n *Node) RemoveRoute(prefix netip.Prefix) error {
	defer n.flush()
	_, err := n.NetData.RemoveRoute(prefix, n.Mle.Rloc16())
	return err
}

// StartCommissioner opens a commissioning session with this node as border agent, replacing any live one.
func (n *Node) StartCommissioner(kind SessionKind) (Session, error) {
	defer n.flush()
	if !n.Mle.Role().IsAttached() {
		return Session{}, fmt.Errorf("commissioner while %s: %w", n.Mle.Role(), state.ErrDetached)
	}
	return n.Commissioner.BeginSession(kind, n.Mle.Rloc16())
}

func (n *Node) KeepAliveCommissioner(session uint16) error {
	defer n.flush()
	return n.Commissioner.KeepAlive(session)
}

func (n *Node) StopCommissioner(session uint16) error {
	defer n.flush()
	return n.Commissioner.EndSession(session)
}

// SteerJoiners replaces the session's steering data with a filter of length bytes admitting ids. No ids
// admits every joiner.
func (n *Node) SteerJoiners(session uint16, length int, ids ...state.JoinerId) error {
	defer n.flush()
	sd := BuildSteeringData(length, ids...)
	if len(ids) == 0 {
		sd.SetAll()
	}
	cds := n.NetData.Commissioning()
	cds.SessionId = state.Some(session)
	cds.SteeringData = state.Some(sd)
	return n.Commissioner.UpdateSession(cds)
}

func (n *Node) AuthorizeJoiner(id state.JoinerId, proof []byte) (Verdict, error) {
	defer n.flush()
	return n.Commissioner.Authorize(id, proof)
}

// NodeStatus is a point in time summary for logs and the CLI.
type NodeStatus struct {
	Role        state.Role
	Rloc16      state.Rloc16
	Leader      state.LeaderData
	Routers     int
	Children    int
	Neighbors   int
	CachedEids  int
	PendingEids int
}

func (n *Node) Status() NodeStatus {
	return NodeStatus{
		Role:        n.Mle.Role(),
		Rloc16:      n.Mle.Rloc16(),
		Leader:      n.Mle.LeaderData(),
		Routers:     n.Mle.RouterCount(),
		Children:    n.Topology.Len(KindChild),
		Neighbors:   n.Topology.Len(KindNeighbor),
		CachedEids:  len(n.Resolver.Entries()) - n.Resolver.PendingCount(),
		PendingEids: n.Resolver.PendingCount(),
	}
}

// Close disables the node and shuts down the change feed. Later calls do nothing.
func (n *Node) Close() error {
	if n.closed {
		return nil
	}
	n.Disable()
	n.closed = true
	return n.closeFeed()
}
