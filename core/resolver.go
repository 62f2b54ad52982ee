package core

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
	"github.com/jellydator/ttlcache/v3"
)

type ResolveCallback func(rloc state.Rloc16, err error)

// querySender broadcasts address queries on behalf of the resolver.
type querySender interface {
	SendAddressQuery(target netip.Addr) error
}

type pendingQuery struct {
	target    netip.Addr
	deadline  time.Time
	timer     Timer
	callbacks []ResolveCallback
}

type retryState struct {
	until time.Time
	delay time.Duration
}

// AddressResolver maps EIDs to RLOC16s. Misses broadcast an address query and park the caller in a
// pending slot until a notification, an address error or the deadline completes it.
type AddressResolver struct {
	log    *slog.Logger
	clock  Clock
	sender querySender
	tun    state.Tunables

	cache   *ttlcache.Cache[netip.Addr, state.Rloc16]
	retry   *ttlcache.Cache[netip.Addr, retryState]
	pending *state.Pool[pendingQuery]
	byAddr  map[netip.Addr]int
}

func NewAddressResolver(log *slog.Logger, clock Clock, sender querySender, tun state.Tunables) *AddressResolver {
	return &AddressResolver{
		log:    log,
		clock:  clock,
		sender: sender,
		tun:    tun,
		cache: ttlcache.New[netip.Addr, state.Rloc16](
			ttlcache.WithCapacity[netip.Addr, state.Rloc16](uint64(tun.EidCacheCapacity)),
			ttlcache.WithDisableTouchOnHit[netip.Addr, state.Rloc16](),
		),
		retry: ttlcache.New[netip.Addr, retryState](
			ttlcache.WithCapacity[netip.Addr, retryState](uint64(tun.EidCacheCapacity)),
		),
		pending: state.NewPool[pendingQuery](tun.AddressQueryCapacity),
		byAddr:  make(map[netip.Addr]int),
	}
}

func (r *AddressResolver) Lookup(target netip.Addr) (state.Rloc16, bool) {
	item := r.cache.Get(target)
	if item == nil {
		return state.InvalidRloc16, false
	}
	return item.Value(), true
}

// Resolve completes cb immediately on a cache hit, otherwise queries the mesh. Concurrent resolves of one
// target share a single query. Errors returned here mean cb will never be called.
func (r *AddressResolver) Resolve(target netip.Addr, timeout time.Duration, cb ResolveCallback) error {
	if rloc, ok := r.Lookup(target); ok {
		cb(rloc, nil)
		return nil
	}
	if idx, ok := r.byAddr[target]; ok {
		q := r.pending.Get(idx)
		q.callbacks = append(q.callbacks, cb)
		return nil
	}
	now := r.clock.Now()
	if item := r.retry.Get(target); item != nil && now.Before(item.Value().until) {
		return fmt.Errorf("%s in retry backoff for %s: %w", target, item.Value().until.Sub(now), state.ErrAddressQuery)
	}
	idx, q, ok := r.pending.Alloc()
	if !ok {
		return fmt.Errorf("no free address query slot for %s: %w", target, state.ErrNoBufs)
	}
	if err := r.sender.SendAddressQuery(target); err != nil {
		r.pending.Free(idx)
		return fmt.Errorf("address query for %s: %w", target, err)
	}
	perf.AddressQueries.Add(1)
	q.target = target
	q.deadline = now.Add(timeout)
	q.callbacks = []ResolveCallback{cb}
	q.timer = r.clock.Schedule(timeout, func() {
		r.expire(target, idx)
	})
	r.byAddr[target] = idx
	if state.DBG_log_resolver {
		r.log.Debug("address query sent", "target", target, "timeout", timeout)
	}
	return nil
}

func (r *AddressResolver) release(idx int) []ResolveCallback {
	q := r.pending.Get(idx)
	if q == nil {
		return nil
	}
	cbs := q.callbacks
	if q.timer != nil {
		q.timer.Stop()
	}
	delete(r.byAddr, q.target)
	r.pending.Free(idx)
	return cbs
}

func (r *AddressResolver) expire(target netip.Addr, idx int) {
	if cur, ok := r.byAddr[target]; !ok || cur != idx {
		return
	}
	r.cache.Delete(target)
	r.backoff(target)
	r.log.Debug("address query timed out", "target", target)
	for _, cb := range r.release(idx) {
		cb(state.InvalidRloc16, fmt.Errorf("no response for %s: %w", target, state.ErrAddressQuery))
	}
}

// backoff doubles the retry delay of a target that failed to resolve.
func (r *AddressResolver) backoff(target netip.Addr) {
	delay := r.tun.AddressQueryInitialRetry
	if item := r.retry.Get(target); item != nil {
		delay = min(item.Value().delay*2, r.tun.AddressQueryMaxRetry)
	}
	r.retry.Set(target, retryState{until: r.clock.Now().Add(delay), delay: delay}, ttlcache.NoTTL)
}

// HandleNotification records an address notification. It completes a pending query, or refreshes an
// existing cache entry. Unsolicited notifications for unknown targets are dropped.
func (r *AddressResolver) HandleNotification(target netip.Addr, rloc state.Rloc16) error {
	if !rloc.IsValid() {
		return fmt.Errorf("notification for %s carries %s: %w", target, rloc, state.ErrInvalidArgs)
	}
	idx, pending := r.byAddr[target]
	if !pending {
		if r.cache.Has(target) {
			r.cache.Set(target, rloc, ttlcache.NoTTL)
			return nil
		}
		return fmt.Errorf("unsolicited notification for %s: %w", target, state.ErrDrop)
	}
	r.cache.Set(target, rloc, ttlcache.NoTTL)
	r.retry.Delete(target)
	for _, cb := range r.release(idx) {
		cb(rloc, nil)
	}
	return nil
}

// HandleError records that target is confirmed absent.
func (r *AddressResolver) HandleError(target netip.Addr) {
	r.cache.Delete(target)
	idx, pending := r.byAddr[target]
	if !pending {
		return
	}
	r.backoff(target)
	for _, cb := range r.release(idx) {
		cb(state.InvalidRloc16, fmt.Errorf("%s is not on the mesh: %w", target, state.ErrNoAddress))
	}
}

// Invalidate removes every cache entry that maps to rloc.
func (r *AddressResolver) Invalidate(rloc state.Rloc16) int {
	return r.invalidateWhere(func(v state.Rloc16) bool { return v == rloc })
}

// InvalidateRouter removes every entry served by the router or one of its children.
func (r *AddressResolver) InvalidateRouter(routerId uint8) int {
	return r.invalidateWhere(func(v state.Rloc16) bool { return v.RouterId() == routerId })
}

func (r *AddressResolver) invalidateWhere(match func(state.Rloc16) bool) int {
	n := 0
	for target, item := range r.cache.Items() {
		if match(item.Value()) {
			r.cache.Delete(target)
			n++
		}
	}
	if n > 0 && state.DBG_log_resolver {
		r.log.Debug("invalidated eid cache entries", "count", n)
	}
	return n
}

func (r *AddressResolver) ShortAddressReleased(kind TableKind, ext state.ExtAddress, rloc state.Rloc16) {
	if kind == KindRouter && rloc.IsRouter() {
		r.InvalidateRouter(rloc.RouterId())
		return
	}
	r.Invalidate(rloc)
}

// Cancel releases every pending query without running its callbacks.
func (r *AddressResolver) Cancel() {
	for _, q := range r.pending.All() {
		if q.timer != nil {
			q.timer.Stop()
		}
	}
	r.pending.Reset()
	clear(r.byAddr)
}

// Clear drops the cache and backoff state as well as pending queries.
func (r *AddressResolver) Clear() {
	r.Cancel()
	r.cache.DeleteAll()
	r.retry.DeleteAll()
}

// Entries lists cached mappings followed by targets still being queried.
func (r *AddressResolver) Entries() []state.EidCacheEntry {
	out := make([]state.EidCacheEntry, 0, r.cache.Len()+r.pending.Len())
	for target, item := range r.cache.Items() {
		out = append(out, state.EidCacheEntry{Target: target, Rloc16: item.Value(), Valid: true})
	}
	for _, q := range r.pending.All() {
		out = append(out, state.EidCacheEntry{Target: q.target, Rloc16: state.InvalidRloc16})
	}
	return out
}

func (r *AddressResolver) PendingCount() int {
	return r.pending.Len()
}
