package core

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/encodeous/tint"
	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// virtualClock runs timers in (deadline, schedule order) only when the test advances it.
type virtualClock struct {
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *virtualClock) Now() time.Time {
	return c.now
}

func (c *virtualClock) Schedule(delay time.Duration, fn func()) Timer {
	c.seq++
	t := &fakeTimer{at: c.now.Add(max(delay, 0)), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *virtualClock) next() *fakeTimer {
	c.timers = slices.DeleteFunc(c.timers, func(t *fakeTimer) bool { return t.stopped })
	if len(c.timers) == 0 {
		return nil
	}
	return slices.MinFunc(c.timers, func(a, b *fakeTimer) int {
		if !a.at.Equal(b.at) {
			return a.at.Compare(b.at)
		}
		return int(a.seq) - int(b.seq)
	})
}

// Advance fires every timer due within d, including timers scheduled along the way.
func (c *virtualClock) Advance(d time.Duration) {
	end := c.now.Add(d)
	for {
		t := c.next()
		if t == nil || t.at.After(end) {
			break
		}
		c.timers = slices.DeleteFunc(c.timers, func(o *fakeTimer) bool { return o == t })
		if t.at.After(c.now) {
			c.now = t.at
		}
		t.fired = true
		t.fn()
	}
	c.now = end
}

// Pending counts live timers.
func (c *virtualClock) Pending() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type txEvent struct {
	Src   state.ExtAddress
	Dst   state.LinkAddr
	Frame *Frame
}

// medium is a single broadcast domain. Every frame reaches every other attached node after a short delay;
// nodes filter destinations themselves.
type medium struct {
	t      *testing.T
	clock  *virtualClock
	nodes  map[state.ExtAddress]*Node
	order  []state.ExtAddress
	cut    map[[2]state.ExtAddress]bool
	events []txEvent
	delay  time.Duration
}

func newMedium(t *testing.T) *medium {
	return &medium{
		t:     t,
		clock: newVirtualClock(),
		nodes: make(map[state.ExtAddress]*Node),
		cut:   make(map[[2]state.ExtAddress]bool),
		delay: time.Millisecond,
	}
}

type mediumLink struct {
	m    *medium
	ext  state.ExtAddress
	fail error
}

func (l *mediumLink) SendFrame(payload []byte, dst state.LinkAddr) error {
	if l.fail != nil {
		return l.fail
	}
	f, err := ParseFrame(payload)
	require.NoError(l.m.t, err, "node emitted a frame it cannot parse")
	l.m.events = append(l.m.events, txEvent{Src: l.ext, Dst: dst, Frame: f})
	buf := slices.Clone(payload)
	for _, ext := range l.m.order {
		if ext == l.ext || l.m.cut[linkKey(l.ext, ext)] {
			continue
		}
		n := l.m.nodes[ext]
		src := l.ext
		l.m.clock.Schedule(l.m.delay, func() {
			_ = n.HandleFrame(buf, FrameInfo{Src: src, Dst: dst, Rssi: -50, LinkQuality: 3})
		})
	}
	return nil
}

func (l *mediumLink) LinkQuality(state.ExtAddress) uint8 {
	return 3
}

func linkKey(a, b state.ExtAddress) [2]state.ExtAddress {
	if slices.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return [2]state.ExtAddress{a, b}
}

func (m *medium) Cut(a, b *Node) {
	m.cut[linkKey(a.ext, b.ext)] = true
}

func (m *medium) Join(a, b *Node) {
	delete(m.cut, linkKey(a.ext, b.ext))
}

// Isolate cuts every link of n.
func (m *medium) Isolate(n *Node) {
	for _, ext := range m.order {
		if ext != n.ext {
			m.cut[linkKey(n.ext, ext)] = true
		}
	}
}

func (m *medium) Run(d time.Duration) {
	m.clock.Advance(d)
}

// Sent lists the frames of cmd emitted by src since the log was last cleared.
func (m *medium) Sent(src *Node, cmd Command) []txEvent {
	out := make([]txEvent, 0)
	for _, e := range m.events {
		if e.Src == src.ext && e.Frame.Command == cmd {
			out = append(out, e)
		}
	}
	return out
}

func (m *medium) ClearLog() {
	m.events = nil
}

func testExt(id byte) state.ExtAddress {
	return state.ExtAddress{0x12, 0x34, 0, 0, 0, 0, 0, id}
}

func testLogger(t *testing.T, name string) *slog.Logger {
	if !testing.Verbose() {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:        slog.LevelDebug,
		CustomPrefix: name,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == "time" {
				return slog.Attr{}
			}
			return attr
		},
	}))
}

func testDataset() state.OperationalDataset {
	ds := state.OperationalDataset{}
	ds.ActiveTimestamp.Set(state.Timestamp{Seconds: 10})
	ds.NetworkKey.Set(state.NetworkKey{0: 0x00, 1: 0x11, 2: 0x22, 15: 0xff})
	ds.NetworkName.Set("weft-test")
	ds.ExtPanId.Set(state.ExtPanId{0, 1, 2, 3, 4, 5, 6, 7})
	ds.MeshLocalPrefix.Set(state.MeshLocalPrefix{0xfd, 0xde, 0xad, 0, 0xbe, 0xef, 0, 0})
	ds.PanId.Set(0xface)
	ds.Channel.Set(15)
	return ds
}

func testTunables() state.Tunables {
	return state.Tunables{
		RouterSelectionJitter: 500 * time.Millisecond,
		AttachBackoff:         2 * time.Second,
	}
}

var (
	ftdMode = state.LinkMode{RxOnWhenIdle: true, FullThreadDevice: true, FullNetworkData: true}
	medMode = state.LinkMode{RxOnWhenIdle: true}
)

type nodeOpt func(*NodeConfig)

func withWeight(w uint8) nodeOpt {
	return func(c *NodeConfig) { c.Identity.LeaderWeight = w }
}

// asEndDevice makes a node that never becomes a router.
func asEndDevice() nodeOpt {
	return func(c *NodeConfig) {
		c.Identity.RouterEligible = false
		c.Identity.Mode = medMode
	}
}

func withTunables(f func(*state.Tunables)) nodeOpt {
	return func(c *NodeConfig) { f(&c.Tunables) }
}

func withDataset(ds state.OperationalDataset) nodeOpt {
	return func(c *NodeConfig) { c.Dataset = ds }
}

func (m *medium) Add(id byte, opts ...nodeOpt) *Node {
	ext := testExt(id)
	cfg := NodeConfig{
		Log:      testLogger(m.t, fmt.Sprintf("node-%d", id)),
		Link:     &mediumLink{m: m, ext: ext},
		Clock:    m.clock,
		Rand:     rand.New(rand.NewPCG(uint64(id), 0x5eed)),
		Tunables: testTunables(),
		Identity: NodeIdentity{
			ExtAddress:     ext,
			Mode:           ftdMode,
			RouterEligible: true,
			LeaderWeight:   state.DefaultLeaderWeight,
		},
		Dataset: testDataset(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	n, err := NewNode(cfg)
	require.NoError(m.t, err)
	m.t.Cleanup(func() { _ = n.Close() })
	// adding an id twice restarts that node
	if old, ok := m.nodes[ext]; ok {
		require.NoError(m.t, old.Close())
	} else {
		m.order = append(m.order, ext)
	}
	m.nodes[ext] = n
	return n
}

// recordingHandler keeps every change notification.
type recordingHandler struct {
	flags []state.ChangeFlags
}

func (h *recordingHandler) HandleStateChanged(flags state.ChangeFlags) {
	h.flags = append(h.flags, flags)
}

func (h *recordingHandler) Seen(flag state.ChangeFlags) bool {
	return slices.ContainsFunc(h.flags, func(f state.ChangeFlags) bool { return f.Has(flag) })
}

// flagSink collects change flags for components tested without a Node.
type flagSink struct {
	flags state.ChangeFlags
}

func (s *flagSink) Signal(flags state.ChangeFlags) {
	s.flags |= flags
}

func newTestNetData(ds state.OperationalDataset) (*NetworkDataStore, *virtualClock, *flagSink) {
	clock := newVirtualClock()
	sink := &flagSink{}
	return NewNetworkDataStore(slog.New(slog.DiscardHandler), clock, sink, ds), clock, sink
}
