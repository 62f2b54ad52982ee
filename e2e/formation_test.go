//go:build e2e

package e2e

import (
	"strings"
	"testing"
)

func TestFormation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	t.Parallel()
	h := NewHarness(t)
	ds := h.WriteConfig("dataset.yaml", SimpleDataset("e2e-formation", 1))

	h.StartNode(NodeSpec{Name: nodeName(1), Node: SimpleNode(nodeName(1), 1), DatasetPath: ds})
	h.WaitForRole(nodeName(1), "leader")

	h.StartNodes(
		NodeSpec{Name: nodeName(2), Node: SimpleNode(nodeName(2), 2), DatasetPath: ds},
		NodeSpec{Name: nodeName(3), Node: SimpleNode(nodeName(3), 3), DatasetPath: ds},
		NodeSpec{Name: "med", Node: SimpleMed("med", 4), DatasetPath: ds},
	)
	h.WaitForRole("med", "child")
	h.WaitForRole(nodeName(2), "router")
	h.WaitForRole(nodeName(3), "router")

	out := h.Inspect(nodeName(1), nodeName(1))
	if !strings.Contains(out, "Role: leader") {
		t.Fatalf("unexpected inspect output:\n%s", out)
	}
	out = h.Inspect("med", "med")
	if !strings.Contains(out, "Role: child") || !strings.Contains(out, "Parent: ") {
		t.Fatalf("med is not attached:\n%s", out)
	}
}
