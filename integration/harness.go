//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"runtime/pprof"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
)

// Harness runs several nodes in this process. Each harness gets its own multicast group, so nodes only
// hear each other.
type Harness struct {
	t       *testing.T
	Group   string
	Dataset state.DatasetCfg
	Local   map[string]state.LocalCfg

	mu     sync.Mutex
	states map[string]*state.State
	wg     sync.WaitGroup
	errs   chan error
}

func NewHarness(t *testing.T) *Harness {
	key := state.NetworkKey{}
	for i := range key {
		key[i] = byte(rand.Uint32())
	}
	ts := uint64(1)
	name := "weft-it"
	pan := uint16(rand.Uint32())
	ch := uint16(15)
	mlp := state.MeshLocalPrefix{0xfd, 0xde, 0xad, 0, 0xbe, 0xef, 0, 0}
	h := &Harness{
		t:     t,
		Group: fmt.Sprintf("[ff02::1:%x]:%d", rand.Uint32N(0xffff), 20000+rand.IntN(20000)),
		Dataset: state.DatasetCfg{
			ActiveTimestamp: &ts,
			NetworkKey:      &key,
			NetworkName:     &name,
			PanId:           &pan,
			Channel:         &ch,
			MeshLocalPrefix: &mlp,
		},
		Local:  make(map[string]state.LocalCfg),
		states: make(map[string]*state.State),
		errs:   make(chan error, 32),
	}
	t.Cleanup(h.StopAll)
	return h
}

// fastTunables shortens the router timers so a mesh forms within seconds.
func fastTunables() state.Tunables {
	return state.Tunables{
		RouterSelectionJitter: 500 * time.Millisecond,
		AdvertisementInterval: 2 * time.Second,
		AttachBackoff:         time.Second,
		RouterTimeout:         10 * time.Second,
		LeaderTimeout:         10 * time.Second,
	}
}

func (h *Harness) NewNode(id string, routerEligible bool) state.LocalCfg {
	ext := state.ExtAddress{0x02, 0, 0, 0, 0, 0, 0, byte(len(h.Local) + 1)}
	mode := state.LinkMode{RxOnWhenIdle: true}
	if routerEligible {
		mode.FullThreadDevice = true
		mode.FullNetworkData = true
	}
	cfg := state.LocalCfg{
		Id:             fmt.Sprintf("%s-%s", id, h.t.Name()),
		ExtAddress:     ext,
		Mode:           mode,
		RouterEligible: routerEligible,
		Radio:          state.RadioCfg{Group: h.Group, Loopback: true},
		Tunables:       fastTunables(),
	}
	h.Local[id] = cfg
	return cfg
}

// Start runs a node in the background and waits for its main loop.
func (h *Harness) Start(id string) {
	cfg, ok := h.Local[id]
	if !ok {
		h.t.Fatalf("unknown node %s", id)
	}
	started := make(chan *state.State, 1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		labels := pprof.Labels("weft node", id)
		pprof.Do(context.Background(), labels, func(_ context.Context) {
			err := core.Start(cfg, h.Dataset, slog.LevelDebug, "", func(s *state.State) {
				started <- s
			})
			if err != nil {
				h.errs <- fmt.Errorf("node %s: %w", id, err)
				close(started)
			}
		})
	}()
	select {
	case s, ok := <-started:
		if !ok {
			h.t.Fatal(<-h.errs)
		}
		h.mu.Lock()
		h.states[id] = s
		h.mu.Unlock()
	case <-time.After(10 * time.Second):
		h.t.Fatalf("node %s did not start", id)
	}
}

func (h *Harness) Stop(id string) {
	h.mu.Lock()
	s, ok := h.states[id]
	delete(h.states, id)
	h.mu.Unlock()
	if ok {
		s.Cancel(errors.New("stopped by harness"))
	}
}

func (h *Harness) StopAll() {
	h.mu.Lock()
	for id, s := range h.states {
		s.Cancel(errors.New("harness shutdown"))
		delete(h.states, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Do runs fn on the node's dispatch goroutine.
func (h *Harness) Do(id string, fn func(w *core.Weft) (any, error)) (any, error) {
	h.mu.Lock()
	s, ok := h.states[id]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("node %s is not running", id)
	}
	return s.DispatchWait(func(s *state.State) (any, error) {
		return fn(core.Get[*core.Weft](s))
	})
}

func (h *Harness) Status(id string) core.NodeStatus {
	res, err := h.Do(id, func(w *core.Weft) (any, error) {
		return w.Status(), nil
	})
	if err != nil {
		h.t.Fatal(err)
	}
	return res.(core.NodeStatus)
}

// Eventually polls cond until it holds or the timeout expires.
func (h *Harness) Eventually(timeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-h.errs:
			h.t.Fatal(err)
		default:
		}
		if cond() {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	h.t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

func (h *Harness) WaitForRole(id string, timeout time.Duration, roles ...state.Role) {
	h.Eventually(timeout, fmt.Sprintf("%s to become %v", id, roles), func() bool {
		r := h.Status(id).Role
		for _, want := range roles {
			if r == want {
				return true
			}
		}
		return false
	})
}

func (h *Harness) Eid(id string) netip.Addr {
	cfg := h.Local[id]
	return netip.AddrFrom16([16]byte{0xfd, 0, 0xdb, 8, 15: cfg.ExtAddress[7]})
}
