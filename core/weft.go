package core

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"

	"github.com/encodeous/weft/state"
)

// Weft is the runtime module: it owns the radio and the node, and drives the node from the dispatch loop.
type Weft struct {
	*Node
	radio *SimRadio
	ipc   net.Listener
}

type logChanges struct {
	s *state.State
	n *Node
}

func (l logChanges) HandleStateChanged(flags state.ChangeFlags) {
	st := l.n.Status()
	if flags.Has(state.ChangedRole) {
		l.s.Log.Info("role changed", "role", st.Role, "rloc16", st.Rloc16, "partition", st.Leader.PartitionId)
	}
	if flags.Has(state.ChangedKeySequence) {
		l.s.Log.Warn("network key changed")
	}
	if flags.Has(state.ChangedNetdata) {
		// keep the dataset file in step with what the mesh agreed on
		_ = persistDataset(l.s)
	}
	if state.DBG_log_mle {
		l.s.Log.Debug("state changed", "flags", flags, "status", fmt.Sprintf("%+v", st))
	}
}

func (w *Weft) Init(s *state.State) error {
	s.Log.Info("initializing weft", "ext_address", s.ExtAddress)
	if s.Eui64.IsZero() {
		s.Eui64 = s.ExtAddress
	}
	radio, err := NewSimRadio(s.Context, s.Log.With("component", "radio"), s.Radio, s.ExtAddress)
	if err != nil {
		return err
	}
	w.radio = radio

	weight := s.LeaderWeight
	if weight == 0 {
		weight = state.DefaultLeaderWeight
	}
	n, err := NewNode(NodeConfig{
		Log:      s.Log,
		Link:     radio,
		Clock:    envClock{s.Env},
		Rand:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		Tunables: s.Tunables,
		Identity: NodeIdentity{
			ExtAddress:     s.ExtAddress,
			Mode:           s.Mode,
			RouterEligible: s.RouterEligible,
			LeaderWeight:   weight,
		},
		Dataset: s.Dataset.Dataset(),
		Accepts: s.LocalCfg.Accepts,
	})
	if err != nil {
		_ = radio.Close()
		return err
	}
	w.Node = n
	n.SetStateChangedHandler(logChanges{s: s, n: n})

	e := s.Env
	radio.Start(func(payload []byte, info FrameInfo) {
		e.Dispatch(func(s *state.State) error {
			// frame errors are per-frame drops, never fatal to the loop
			_ = n.HandleFrame(payload, info)
			return nil
		})
	})

	if err := n.Enable(); err != nil {
		return err
	}

	if err := w.listenIPC(s); err != nil {
		s.Log.Warn("inspect socket unavailable", "error", err)
	}

	if s.Dist != nil {
		s.Log.Info("watching for dataset updates", "repo", s.Dist.Url)
		s.Env.RepeatTask(checkForDatasetUpdates, state.DatasetUpdateDelay)
	}
	return nil
}

func (w *Weft) Cleanup(s *state.State) error {
	if w.ipc != nil {
		_ = w.ipc.Close()
	}
	var err error
	if w.Node != nil {
		err = w.Node.Close()
	}
	if w.radio != nil {
		if cerr := w.radio.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// InspectSocketPath is where a node named id serves inspect requests.
func InspectSocketPath(id string) string {
	return filepath.Join(os.TempDir(), "weft", id+".sock")
}
