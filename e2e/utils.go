//go:build e2e

package e2e

import (
	"fmt"
	"time"

	"github.com/encodeous/weft/state"
)

// SimpleNode is a router eligible node on the container's eth0.
func SimpleNode(id string, idx byte) state.LocalCfg {
	return state.LocalCfg{
		Id:             id,
		ExtAddress:     state.ExtAddress{0x12, 0x34, 0, 0, 0, 0, 0, idx},
		Mode:           state.LinkMode{RxOnWhenIdle: true, FullThreadDevice: true, FullNetworkData: true},
		RouterEligible: true,
		Radio:          state.RadioCfg{Interface: "eth0"},
		Tunables: state.Tunables{
			RouterSelectionJitter: time.Second,
			AdvertisementInterval: 2 * time.Second,
			RouterTimeout:         15 * time.Second,
			LeaderTimeout:         15 * time.Second,
		},
	}
}

// SimpleMed is a minimal end device that only ever attaches as a child.
func SimpleMed(id string, idx byte) state.LocalCfg {
	cfg := SimpleNode(id, idx)
	cfg.Mode = state.LinkMode{RxOnWhenIdle: true}
	cfg.RouterEligible = false
	return cfg
}

func SimpleDataset(name string, ts uint64) state.DatasetCfg {
	key := state.NetworkKey{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	xpan := state.ExtPanId{0xde, 0xad, 0x00, 0xbe, 0xef, 0x00, 0xca, 0xfe}
	mlp := state.MeshLocalPrefix{0xfd, 0xde, 0xad, 0x00, 0xbe, 0xef, 0x00, 0x00}
	pan := uint16(0x1234)
	ch := uint16(15)
	return state.DatasetCfg{
		ActiveTimestamp: &ts,
		NetworkKey:      &key,
		NetworkName:     &name,
		ExtPanId:        &xpan,
		MeshLocalPrefix: &mlp,
		PanId:           &pan,
		Channel:         &ch,
	}
}

func nodeName(i int) string {
	return fmt.Sprintf("node%d", i)
}
