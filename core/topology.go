package core

import (
	"fmt"
	"iter"
	"time"

	"github.com/encodeous/weft/state"
)

type TableKind uint8

const (
	KindNeighbor TableKind = iota
	KindChild
	KindRouter
)

func (k TableKind) String() string {
	switch k {
	case KindNeighbor:
		return "neighbor"
	case KindChild:
		return "child"
	case KindRouter:
		return "router"
	}
	return "unknown"
}

// Observation is what a heard frame tells us about a peer. Kind specific fields are ignored by other tables.
type Observation struct {
	Now            time.Time
	Rloc16         state.Rloc16
	LinkQualityIn  uint8
	LinkQualityOut uint8
	Rssi           int8
	Mode           state.LinkMode

	// children
	Timeout            time.Duration
	NetworkDataVersion uint8

	// routers
	NextHop         uint8
	PathCost        uint8
	LinkEstablished bool
}

type RecordRef struct {
	Kind  TableKind
	Index int
}

// TopologyObserver is told whenever an entry gives up its short address, through removal, eviction or
// reclamation by a newer entry.
type TopologyObserver interface {
	ShortAddressReleased(kind TableKind, ext state.ExtAddress, rloc state.Rloc16)
}

type record[T any] interface {
	*T
	Base() *state.Neighbor
}

type table[T any, P record[T]] struct {
	kind  TableKind
	pool  *state.Pool[T]
	byExt map[state.ExtAddress]int
}

func newTable[T any, P record[T]](kind TableKind, capacity int) *table[T, P] {
	return &table[T, P]{
		kind:  kind,
		pool:  state.NewPool[T](capacity),
		byExt: make(map[state.ExtAddress]int),
	}
}

func (t *table[T, P]) base(idx int) *state.Neighbor {
	e := t.pool.Get(idx)
	if e == nil {
		return nil
	}
	return P(e).Base()
}

// oldest returns the entry with the largest age, ties broken by the earliest refresh.
func (t *table[T, P]) oldest() (int, *state.Neighbor) {
	victim := -1
	var vb *state.Neighbor
	for idx, e := range t.pool.All() {
		b := P(e).Base()
		if vb == nil || b.LastHeard.Before(vb.LastHeard) ||
			(b.LastHeard.Equal(vb.LastHeard) && b.RefreshSeq < vb.RefreshSeq) {
			victim, vb = idx, b
		}
	}
	return victim, vb
}

func (t *table[T, P]) findRloc(rloc state.Rloc16, except int) int {
	for idx, e := range t.pool.All() {
		if idx != except && P(e).Base().Rloc16 == rloc {
			return idx
		}
	}
	return -1
}

func (t *table[T, P]) remove(idx int) (state.ExtAddress, state.Rloc16) {
	b := t.base(idx)
	ext, rloc := b.ExtAddress, b.Rloc16
	delete(t.byExt, ext)
	t.pool.Free(idx)
	return ext, rloc
}

// snapshot copies the entries so that callers may mutate the table while consuming the sequence.
func (t *table[T, P]) snapshot() iter.Seq[T] {
	return func(yield func(T) bool) {
		items := make([]T, 0, t.pool.Len())
		for _, e := range t.pool.All() {
			items = append(items, *e)
		}
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}

type TopologyTable struct {
	neighbors *table[state.Neighbor, *state.Neighbor]
	children  *table[state.Child, *state.Child]
	routers   *table[state.Router, *state.Router]

	grace           time.Duration
	neighborTimeout time.Duration
	routerTimeout   time.Duration

	seq      uint64
	observer TopologyObserver
}

func NewTopologyTable(t state.Tunables) *TopologyTable {
	return &TopologyTable{
		neighbors:       newTable[state.Neighbor](KindNeighbor, t.NeighborCapacity),
		children:        newTable[state.Child](KindChild, t.ChildCapacity),
		routers:         newTable[state.Router](KindRouter, t.RouterCapacity),
		grace:           t.EvictionGrace,
		neighborTimeout: t.NeighborTimeout,
		routerTimeout:   t.RouterTimeout,
	}
}

func (tt *TopologyTable) SetObserver(o TopologyObserver) {
	tt.observer = o
}

func (tt *TopologyTable) released(kind TableKind, ext state.ExtAddress, rloc state.Rloc16) {
	if tt.observer != nil && rloc.IsValid() {
		tt.observer.ShortAddressReleased(kind, ext, rloc)
	}
}

// Upsert refreshes or creates the record for ext. A full table evicts its oldest entry, unless that entry
// was heard within the eviction grace period.
func (tt *TopologyTable) Upsert(kind TableKind, ext state.ExtAddress, obs Observation) (RecordRef, error) {
	switch kind {
	case KindNeighbor:
		return upsert(tt, tt.neighbors, ext, obs, func(*state.Neighbor) {})
	case KindChild:
		return upsert(tt, tt.children, ext, obs, func(c *state.Child) {
			c.Timeout = obs.Timeout
			c.ChildId = obs.Rloc16.ChildId()
			c.NetworkDataVersion = obs.NetworkDataVersion
		})
	case KindRouter:
		return upsert(tt, tt.routers, ext, obs, func(r *state.Router) {
			r.RouterId = obs.Rloc16.RouterId()
			r.NextHop = obs.NextHop
			r.PathCost = obs.PathCost
			r.Allocated = true
			r.LinkEstablished = r.LinkEstablished || obs.LinkEstablished
		})
	}
	return RecordRef{}, fmt.Errorf("unknown table %d: %w", kind, state.ErrInvalidArgs)
}

func upsert[T any, P record[T]](tt *TopologyTable, t *table[T, P], ext state.ExtAddress, obs Observation, apply func(P)) (RecordRef, error) {
	idx, existing := t.byExt[ext]
	if !existing {
		var e *T
		var ok bool
		idx, e, ok = t.pool.Alloc()
		if !ok {
			victim, vb := t.oldest()
			if vb == nil {
				return RecordRef{}, fmt.Errorf("%s table has no capacity: %w", t.kind, state.ErrNoBufs)
			}
			if vb.Age(obs.Now) < tt.grace {
				return RecordRef{}, fmt.Errorf("%s table full, oldest entry %s heard %s ago: %w",
					t.kind, vb.ExtAddress, vb.Age(obs.Now), state.ErrNoBufs)
			}
			vext, vrloc := t.remove(victim)
			tt.released(t.kind, vext, vrloc)
			idx, e, _ = t.pool.Alloc()
		}
		b := P(e).Base()
		b.ExtAddress = ext
		b.Rloc16 = state.InvalidRloc16
		t.byExt[ext] = idx
	}
	b := t.base(idx)

	if obs.Rloc16 != b.Rloc16 {
		old := b.Rloc16
		b.Rloc16 = obs.Rloc16
		tt.released(t.kind, ext, old)
	}
	if obs.Rloc16.IsValid() {
		if other := t.findRloc(obs.Rloc16, idx); other != -1 {
			ob := t.base(other)
			ob.Rloc16 = state.InvalidRloc16
			tt.released(t.kind, ob.ExtAddress, obs.Rloc16)
		}
	}

	tt.seq++
	b.LastHeard = obs.Now
	b.RefreshSeq = tt.seq
	b.LinkQualityIn = obs.LinkQualityIn
	b.LinkQualityOut = obs.LinkQualityOut
	b.AverageRssi = averageRssi(b.AverageRssi, obs.Rssi, existing)
	b.Mode = obs.Mode
	apply(P(t.pool.Get(idx)))
	return RecordRef{Kind: t.kind, Index: idx}, nil
}

// averageRssi is an exponential moving average with weight 1/8.
func averageRssi(avg, sample int8, existing bool) int8 {
	if !existing || avg == 0 {
		return sample
	}
	return int8((int(avg)*7 + int(sample)) / 8)
}

func (tt *TopologyTable) Neighbor(ref RecordRef) *state.Neighbor {
	switch ref.Kind {
	case KindNeighbor:
		return tt.neighbors.base(ref.Index)
	case KindChild:
		return tt.children.base(ref.Index)
	case KindRouter:
		return tt.routers.base(ref.Index)
	}
	return nil
}

func (tt *TopologyTable) Child(ref RecordRef) *state.Child {
	if ref.Kind != KindChild {
		return nil
	}
	return tt.children.pool.Get(ref.Index)
}

func (tt *TopologyTable) Router(ref RecordRef) *state.Router {
	if ref.Kind != KindRouter {
		return nil
	}
	return tt.routers.pool.Get(ref.Index)
}

func (tt *TopologyTable) Find(kind TableKind, ext state.ExtAddress) (RecordRef, bool) {
	var idx int
	var ok bool
	switch kind {
	case KindNeighbor:
		idx, ok = tt.neighbors.byExt[ext]
	case KindChild:
		idx, ok = tt.children.byExt[ext]
	case KindRouter:
		idx, ok = tt.routers.byExt[ext]
	}
	return RecordRef{Kind: kind, Index: idx}, ok
}

func (tt *TopologyTable) FindByRloc16(kind TableKind, rloc state.Rloc16) (RecordRef, bool) {
	idx := -1
	switch kind {
	case KindNeighbor:
		idx = tt.neighbors.findRloc(rloc, -1)
	case KindChild:
		idx = tt.children.findRloc(rloc, -1)
	case KindRouter:
		idx = tt.routers.findRloc(rloc, -1)
	}
	return RecordRef{Kind: kind, Index: idx}, idx != -1
}

func (tt *TopologyTable) Remove(kind TableKind, ext state.ExtAddress) bool {
	ref, ok := tt.Find(kind, ext)
	if !ok {
		return false
	}
	var rloc state.Rloc16
	switch kind {
	case KindNeighbor:
		_, rloc = tt.neighbors.remove(ref.Index)
	case KindChild:
		_, rloc = tt.children.remove(ref.Index)
	case KindRouter:
		_, rloc = tt.routers.remove(ref.Index)
	}
	tt.released(kind, ext, rloc)
	return true
}

func expire[T any, P record[T]](tt *TopologyTable, t *table[T, P], now time.Time, timeout func(P) time.Duration) []state.ExtAddress {
	expired := make([]int, 0)
	for idx, e := range t.pool.All() {
		if P(e).Base().Age(now) > timeout(P(e)) {
			expired = append(expired, idx)
		}
	}
	exts := make([]state.ExtAddress, 0, len(expired))
	for _, idx := range expired {
		ext, rloc := t.remove(idx)
		tt.released(t.kind, ext, rloc)
		exts = append(exts, ext)
	}
	return exts
}

// EvictExpired removes children older than their own timeout, and neighbors and routers older than the
// protocol timeouts. It returns the removed children.
func (tt *TopologyTable) EvictExpired(now time.Time) []state.ExtAddress {
	expire(tt, tt.neighbors, now, func(*state.Neighbor) time.Duration { return tt.neighborTimeout })
	expire(tt, tt.routers, now, func(*state.Router) time.Duration { return tt.routerTimeout })
	return expire(tt, tt.children, now, func(c *state.Child) time.Duration { return c.Timeout })
}

// Iterate yields a copy of the common fields of every entry of the table. The copy is taken when iteration
// starts, so each pass is finite and the table may change while it runs.
func (tt *TopologyTable) Iterate(kind TableKind) iter.Seq[state.Neighbor] {
	return func(yield func(state.Neighbor) bool) {
		switch kind {
		case KindNeighbor:
			for n := range tt.neighbors.snapshot() {
				if !yield(n) {
					return
				}
			}
		case KindChild:
			for c := range tt.children.snapshot() {
				if !yield(c.Neighbor) {
					return
				}
			}
		case KindRouter:
			for r := range tt.routers.snapshot() {
				if !yield(r.Neighbor) {
					return
				}
			}
		}
	}
}

func (tt *TopologyTable) Children() iter.Seq[state.Child] {
	return tt.children.snapshot()
}

func (tt *TopologyTable) Routers() iter.Seq[state.Router] {
	return tt.routers.snapshot()
}

func (tt *TopologyTable) Len(kind TableKind) int {
	switch kind {
	case KindNeighbor:
		return tt.neighbors.pool.Len()
	case KindChild:
		return tt.children.pool.Len()
	case KindRouter:
		return tt.routers.pool.Len()
	}
	return 0
}

func (tt *TopologyTable) Full(kind TableKind) bool {
	switch kind {
	case KindNeighbor:
		return tt.neighbors.pool.Full()
	case KindChild:
		return tt.children.pool.Full()
	case KindRouter:
		return tt.routers.pool.Full()
	}
	return true
}

// RemoveAll empties one table, notifying the observer of every released short address.
func (tt *TopologyTable) RemoveAll(kind TableKind) []state.ExtAddress {
	exts := make([]state.ExtAddress, 0)
	for n := range tt.Iterate(kind) {
		if tt.Remove(kind, n.ExtAddress) {
			exts = append(exts, n.ExtAddress)
		}
	}
	return exts
}

// Clear drops every entry without notifying the observer.
func (tt *TopologyTable) Clear() {
	tt.neighbors = newTable[state.Neighbor](KindNeighbor, tt.neighbors.pool.Cap())
	tt.children = newTable[state.Child](KindChild, tt.children.pool.Cap())
	tt.routers = newTable[state.Router](KindRouter, tt.routers.pool.Cap())
}
