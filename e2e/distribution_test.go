//go:build e2e

package e2e

import (
	"strings"
	"testing"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
	"github.com/testcontainers/testcontainers-go"
)

func TestDatasetDistribution(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	t.Parallel()
	h := NewHarness(t)
	key := state.GenerateKey()

	bundle := func(ds state.DatasetCfg) string {
		out, err := core.BundleDataset(ds.Dataset(), key)
		if err != nil {
			t.Fatal(err)
		}
		return h.WriteFile("dataset.wfbundle", []byte(out))
	}

	ds := h.WriteConfig("dataset.yaml", SimpleDataset("e2e-dist", 1))
	bundlePath := bundle(SimpleDataset("e2e-dist", 1))

	leader := SimpleNode(nodeName(1), 1)
	leader.Dist = &state.LocalDistributionCfg{Key: key.Pubkey(), Url: "file://" + ConfigDir + "/dataset.wfbundle"}
	h.StartNode(NodeSpec{
		Name: nodeName(1), Node: leader, DatasetPath: ds,
		Extra: []testcontainers.ContainerFile{
			{HostFilePath: bundlePath, ContainerFilePath: ConfigDir + "/dataset.wfbundle", FileMode: 0644},
		},
	})
	h.WaitForRole(nodeName(1), "leader")
	h.StartNode(NodeSpec{Name: nodeName(2), Node: SimpleNode(nodeName(2), 2), DatasetPath: ds})
	h.WaitForRole(nodeName(2), "router")

	// publish a newer dataset on a different channel
	next := SimpleDataset("e2e-dist", 2)
	ch := uint16(20)
	next.Channel = &ch
	h.CopyFile(nodeName(1), bundle(next), ConfigDir+"/dataset.wfbundle")
	h.WaitForMatch(nodeName(1), "adopted dataset from repo")

	deadline := time.Now().Add(WaitTimeout)
	for time.Now().Before(deadline) {
		out, err := h.Exec(nodeName(2), []string{"cat", ConfigDir + "/dataset.yaml"})
		if err == nil && strings.Contains(out, "channel: 20") {
			return
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatal("router did not persist the distributed dataset")
}
