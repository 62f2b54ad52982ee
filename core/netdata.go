package core

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/encodeous/weft/state"
	"github.com/gaissmai/bart"
)

type DatasetKind uint8

const (
	ActiveDataset DatasetKind = iota
	PendingDataset
)

func (k DatasetKind) String() string {
	if k == PendingDataset {
		return "pending"
	}
	return "active"
}

type MergeOutcome uint8

const (
	MergeRejected MergeOutcome = iota
	MergeAccepted
	MergeDeferred
)

func (m MergeOutcome) String() string {
	switch m {
	case MergeAccepted:
		return "accepted"
	case MergeDeferred:
		return "deferred"
	}
	return "rejected"
}

// NetworkDataStore holds the active and pending datasets, the commissioning dataset and the on-mesh
// prefixes and external routes, and versions every change.
type NetworkDataStore struct {
	log   *slog.Logger
	clock Clock
	sink  changeSink

	active        state.OperationalDataset
	pending       state.OperationalDataset
	hasPending    bool
	pendingTimer  Timer
	commissioning state.CommissioningDataset

	version       uint8
	stableVersion uint8

	routes bart.Table[[]state.RouteEntry]
}

func NewNetworkDataStore(log *slog.Logger, clock Clock, sink changeSink, active state.OperationalDataset) *NetworkDataStore {
	return &NetworkDataStore{
		log:    log,
		clock:  clock,
		sink:   sink,
		active: active,
	}
}

func (n *NetworkDataStore) bump(stable bool) uint8 {
	n.version++
	if stable {
		n.stableVersion++
	}
	n.sink.Signal(state.ChangedNetdata)
	if state.DBG_log_netdata {
		n.log.Debug("network data changed", "version", n.version, "stable", n.stableVersion)
	}
	return n.version
}

func (n *NetworkDataStore) dataset(kind DatasetKind) *state.OperationalDataset {
	if kind == PendingDataset {
		return &n.pending
	}
	return &n.active
}

// SetField replaces one field of a dataset, or clears it when value is nil. Each mutation increments the
// data version, stable fields also increment the stable data version.
func (n *NetworkDataStore) SetField(kind DatasetKind, field state.DatasetField, value any) (uint8, error) {
	ds := n.dataset(kind)
	prev, hadPrev := field.Get(ds)
	err := field.Apply(ds, value)
	if err != nil {
		return n.version, err
	}
	if kind == PendingDataset {
		n.hasPending = true
	}
	if kind == ActiveDataset && field == state.FieldNetworkKey && (!hadPrev || prev != value) {
		n.sink.Signal(state.ChangedKeySequence)
	}
	return n.bump(field.Stable()), nil
}

func (n *NetworkDataStore) GetField(kind DatasetKind, field state.DatasetField) (any, bool) {
	if kind == PendingDataset && !n.hasPending {
		return nil, false
	}
	return field.Get(n.dataset(kind))
}

func (n *NetworkDataStore) Active() state.OperationalDataset {
	return n.active
}

func (n *NetworkDataStore) Pending() (state.OperationalDataset, bool) {
	return n.pending, n.hasPending
}

func (n *NetworkDataStore) Versions() (version, stable uint8) {
	return n.version, n.stableVersion
}

func (n *NetworkDataStore) Policy() state.SecurityPolicy {
	return n.active.Policy()
}

func newer(remote, local state.Optional[state.Timestamp]) bool {
	r, ok := remote.Get()
	if !ok {
		return false
	}
	l, ok := local.Get()
	return !ok || r.Compare(l) > 0
}

// Merge offers a dataset learned from the network. An Active dataset replaces ours only with a strictly
// newer active timestamp. A Pending dataset needs a strictly newer active timestamp than our active
// dataset, and a strictly newer pending timestamp than a pending dataset we already hold; it is applied
// when its delay timer fires.
func (n *NetworkDataStore) Merge(kind DatasetKind, remote state.OperationalDataset) MergeOutcome {
	if kind == ActiveDataset {
		if !newer(remote.ActiveTimestamp, n.active.ActiveTimestamp) {
			return MergeRejected
		}
		n.replaceActive(remote)
		return MergeAccepted
	}

	if !newer(remote.ActiveTimestamp, n.active.ActiveTimestamp) {
		return MergeRejected
	}
	if n.hasPending {
		if !newer(remote.PendingTimestamp, n.pending.PendingTimestamp) {
			return MergeRejected
		}
	}
	stopTimer(&n.pendingTimer)
	n.pending = remote
	n.hasPending = true
	delay, _ := remote.DelayTimer.Get()
	n.pendingTimer = n.clock.Schedule(delay, n.applyPending)
	n.log.Info("pending dataset scheduled", "delay", delay, "active_timestamp", remote.ActiveTimestamp.Value)
	return MergeDeferred
}

func (n *NetworkDataStore) replaceActive(ds state.OperationalDataset) {
	ds.PendingTimestamp.Clear()
	ds.DelayTimer.Clear()
	stable := !n.active.StableEqual(&ds)
	if n.active.NetworkKey != ds.NetworkKey {
		n.sink.Signal(state.ChangedKeySequence)
	}
	n.active = ds
	n.bump(stable)
}

func (n *NetworkDataStore) applyPending() {
	n.pendingTimer = nil
	if !n.hasPending {
		return
	}
	ds := n.pending
	n.pending = state.OperationalDataset{}
	n.hasPending = false
	n.log.Info("applying pending dataset", "active_timestamp", ds.ActiveTimestamp.Value)
	n.replaceActive(ds)
}

// CancelPending drops a held pending dataset and its timer.
func (n *NetworkDataStore) CancelPending() {
	stopTimer(&n.pendingTimer)
	n.pending = state.OperationalDataset{}
	n.hasPending = false
}

// SyncVersions adopts the leader's versions after a follower merged the leader's network data.
func (n *NetworkDataStore) SyncVersions(ld state.LeaderData) {
	n.version = ld.DataVersion
	n.stableVersion = ld.StableDataVersion
}

func (n *NetworkDataStore) Commissioning() state.CommissioningDataset {
	return n.commissioning
}

func (n *NetworkDataStore) SetCommissioning(ds state.CommissioningDataset) uint8 {
	if ds == n.commissioning {
		return n.version
	}
	n.commissioning = ds
	return n.bump(false)
}

// AddRoute registers an on-mesh prefix or external route. Entries are keyed by (prefix, rloc16); a
// second entry for the same pair replaces the first.
func (n *NetworkDataStore) AddRoute(entry state.RouteEntry) (uint8, error) {
	if !entry.Prefix.IsValid() || entry.Prefix != entry.Prefix.Masked() {
		return n.version, fmt.Errorf("invalid prefix %s: %w", entry.Prefix, state.ErrInvalidArgs)
	}
	entries, _ := n.routes.Get(entry.Prefix)
	idx := slices.IndexFunc(entries, func(e state.RouteEntry) bool { return e.Rloc16 == entry.Rloc16 })
	if idx != -1 && entries[idx] == entry {
		return n.version, nil
	}
	entries = slices.Clone(entries)
	if idx == -1 {
		entries = append(entries, entry)
	} else {
		entries[idx] = entry
	}
	n.routes.Insert(entry.Prefix, entries)
	return n.bump(entry.Stable), nil
}

func (n *NetworkDataStore) RemoveRoute(prefix netip.Prefix, rloc state.Rloc16) (uint8, error) {
	entries, ok := n.routes.Get(prefix)
	if !ok {
		return n.version, fmt.Errorf("prefix %s: %w", prefix, state.ErrNotFound)
	}
	idx := slices.IndexFunc(entries, func(e state.RouteEntry) bool { return e.Rloc16 == rloc })
	if idx == -1 {
		return n.version, fmt.Errorf("prefix %s from %s: %w", prefix, rloc, state.ErrNotFound)
	}
	stable := entries[idx].Stable
	entries = slices.Delete(slices.Clone(entries), idx, idx+1)
	if len(entries) == 0 {
		n.routes.Delete(prefix)
	} else {
		n.routes.Insert(prefix, entries)
	}
	return n.bump(stable), nil
}

// RemoveRoutesOf drops every entry registered by rloc, used when a border router leaves.
func (n *NetworkDataStore) RemoveRoutesOf(rloc state.Rloc16) int {
	removed := 0
	for _, e := range n.Routes() {
		if e.Rloc16 == rloc {
			if _, err := n.RemoveRoute(e.Prefix, rloc); err == nil {
				removed++
			}
		}
	}
	return removed
}

// LookupRoute returns the most preferred entry of the longest prefix covering addr.
func (n *NetworkDataStore) LookupRoute(addr netip.Addr) (state.RouteEntry, bool) {
	entries, ok := n.routes.Lookup(addr)
	if !ok || len(entries) == 0 {
		return state.RouteEntry{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Preference > best.Preference || (e.Preference == best.Preference && e.Rloc16 < best.Rloc16) {
			best = e
		}
	}
	return best, true
}

func (n *NetworkDataStore) Routes() []state.RouteEntry {
	out := make([]state.RouteEntry, 0)
	for _, entries := range n.routes.All() {
		out = append(out, entries...)
	}
	return out
}

func compareRoutes(a, b state.RouteEntry) int {
	if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
		return c
	}
	if a.Prefix.Bits() != b.Prefix.Bits() {
		return a.Prefix.Bits() - b.Prefix.Bits()
	}
	return int(a.Rloc16) - int(b.Rloc16)
}

// ReplaceRoutes installs the route set learned from the leader. Versions are left to SyncVersions, and
// installing the set already held changes nothing.
func (n *NetworkDataStore) ReplaceRoutes(entries []state.RouteEntry) {
	want := make([]state.RouteEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Prefix.IsValid() || e.Prefix != e.Prefix.Masked() {
			continue
		}
		if slices.ContainsFunc(want, func(c state.RouteEntry) bool { return c.Prefix == e.Prefix && c.Rloc16 == e.Rloc16 }) {
			continue
		}
		want = append(want, e)
	}
	cur := n.Routes()
	slices.SortFunc(cur, compareRoutes)
	slices.SortStableFunc(want, compareRoutes)
	if slices.Equal(cur, want) {
		return
	}
	for _, e := range cur {
		n.routes.Delete(e.Prefix)
	}
	for _, e := range want {
		existing, _ := n.routes.Get(e.Prefix)
		n.routes.Insert(e.Prefix, append(slices.Clone(existing), e))
	}
	n.sink.Signal(state.ChangedNetdata)
}

// Reset drops a held pending dataset and its timer. The active dataset and versions survive a reset.
func (n *NetworkDataStore) Reset() {
	n.CancelPending()
}
