//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
	"github.com/testcontainers/testcontainers-go"
	tcnetwork "github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	ImageName   = "weft-debug:latest"
	ConfigDir   = "/app/config"
	WaitTimeout = 2 * time.Minute
)

// Harness runs weft containers on one docker bridge. The bridge floods multicast, so the sim radios of
// every container hear each other.
type Harness struct {
	t          *testing.T
	mu         sync.Mutex
	ctx        context.Context
	Network    *testcontainers.DockerNetwork
	Nodes      map[string]testcontainers.Container
	LogManager *LogManager
	RootDir    string
	Dir        string
}

func findRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	rootDir := wd
	for {
		if _, err := os.Stat(filepath.Join(rootDir, "go.mod")); err == nil {
			return rootDir, nil
		}
		parent := filepath.Dir(rootDir)
		if parent == rootDir {
			return "", fmt.Errorf("could not find project root")
		}
		rootDir = parent
	}
}

func NewHarness(t *testing.T) *Harness {
	ctx := context.Background()
	rootDir, err := findRoot()
	if err != nil {
		t.Fatal(err)
	}
	nw, err := tcnetwork.New(ctx, tcnetwork.WithAttachable(), tcnetwork.WithDriver("bridge"))
	if err != nil {
		t.Fatal(err)
	}
	h := &Harness{
		t:          t,
		ctx:        ctx,
		Network:    nw,
		Nodes:      make(map[string]testcontainers.Container),
		LogManager: NewLogManager(),
		RootDir:    rootDir,
	}
	h.Dir = h.setupTestDir()
	t.Cleanup(h.Cleanup)
	return h
}

func (h *Harness) setupTestDir() string {
	dir := filepath.Join(h.RootDir, "e2e", "runs", h.t.Name())
	_ = os.RemoveAll(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		h.t.Fatal(err)
	}
	return dir
}

// WriteConfig marshals cfg to yaml under the test directory and returns the path.
func (h *Harness) WriteConfig(filename string, cfg any) string {
	path := filepath.Join(h.Dir, filename)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		h.t.Fatal(err)
	}
	return path
}

func (h *Harness) WriteFile(filename string, data []byte) string {
	path := filepath.Join(h.Dir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		h.t.Fatal(err)
	}
	return path
}

type NodeSpec struct {
	Name        string
	Node        state.LocalCfg
	DatasetPath string
	Extra       []testcontainers.ContainerFile
}

func (h *Harness) StartNodes(specs ...NodeSpec) {
	var wg sync.WaitGroup
	wg.Add(len(specs))
	for _, spec := range specs {
		go func(s NodeSpec) {
			defer wg.Done()
			h.StartNode(s)
		}(spec)
	}
	wg.Wait()
}

func (h *Harness) StartNode(spec NodeSpec) testcontainers.Container {
	h.t.Logf("Starting node %s (%s)", spec.Name, spec.Node.ExtAddress)
	nodePath := h.WriteConfig(spec.Name+".node.yaml", spec.Node)
	files := append([]testcontainers.ContainerFile{
		{HostFilePath: nodePath, ContainerFilePath: ConfigDir + "/node.yaml", FileMode: 0644},
		{HostFilePath: spec.DatasetPath, ContainerFilePath: ConfigDir + "/dataset.yaml", FileMode: 0644},
	}, spec.Extra...)
	req := testcontainers.ContainerRequest{
		Image:    image,
		Networks: []string{h.Network.Name},
		NetworkAliases: map[string][]string{
			h.Network.Name: {spec.Name},
		},
		Files:      files,
		WaitingFor: wait.ForLog("Weft has been initialized").WithStartupTimeout(30 * time.Second),
		HostConfigModifier: func(hostConfig *container.HostConfig) {
			// link-local multicast needs ipv6 on the container interface
			hostConfig.Sysctls = map[string]string{
				"net.ipv6.conf.all.disable_ipv6":     "0",
				"net.ipv6.conf.default.disable_ipv6": "0",
			}
		},
		LogConsumerCfg: &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{
				&UnifiedLogConsumer{Node: spec.Name, Manager: h.LogManager},
			},
		},
		Name: h.t.Name() + "-" + spec.Name,
	}
	cont, err := testcontainers.GenericContainer(h.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		h.t.Fatalf("failed to start container %s: %v", spec.Name, err)
	}
	h.mu.Lock()
	h.Nodes[spec.Name] = cont
	h.mu.Unlock()
	return cont
}

func (h *Harness) node(name string) testcontainers.Container {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.Nodes[name]
	if !ok {
		h.t.Fatalf("node %s not found", name)
	}
	return c
}

// WaitForMatch blocks until the node's output matches the regular expression pattern.
func (h *Harness) WaitForMatch(nodeName string, pattern string) {
	ch, err := h.LogManager.Match(nodeName, pattern)
	if err != nil {
		h.t.Fatalf("bad pattern %q: %v", pattern, err)
	}
	select {
	case <-ch:
	case <-time.After(WaitTimeout):
		h.t.Fatalf("timed out waiting for %q in node %s", pattern, nodeName)
	case <-h.ctx.Done():
		h.t.Fatal("context canceled")
	}
}

func rolePattern(role string) string {
	return fmt.Sprintf(`role changed.*role=%s\b`, role)
}

func (h *Harness) WaitForRole(nodeName string, role string) {
	h.WaitForMatch(nodeName, rolePattern(role))
}

func (h *Harness) Exec(nodeName string, cmd []string) (string, error) {
	code, r, err := h.node(nodeName).Exec(h.ctx, cmd)
	if err != nil {
		return "", err
	}
	stdoutBuf := new(bytes.Buffer)
	stderrBuf := new(bytes.Buffer)
	if _, err := stdcopy.StdCopy(stdoutBuf, stderrBuf, r); err != nil {
		return "", fmt.Errorf("failed to copy output: %w", err)
	}
	stdout := StripAnsi(stdoutBuf.String())
	if code != 0 {
		return stdout, fmt.Errorf("command exited with code %d: %s\nStderr: %s", code, stdout, StripAnsi(stderrBuf.String()))
	}
	return stdout, nil
}

// Inspect runs weft inspect inside the container.
func (h *Harness) Inspect(nodeName string, id string) string {
	out, err := h.Exec(nodeName, []string{"weft", "inspect", id})
	if err != nil {
		h.t.Fatalf("inspect %s: %v", nodeName, err)
	}
	return out
}

func (h *Harness) CopyFile(nodeName string, hostPath string, containerPath string) {
	if err := h.node(nodeName).CopyFileToContainer(h.ctx, hostPath, containerPath, 0644); err != nil {
		h.t.Fatalf("failed to copy file to container %s: %v", nodeName, err)
	}
}

func (h *Harness) StopNode(nodeName string) {
	timeout := 5 * time.Second
	if err := h.node(nodeName).Stop(h.ctx, &timeout); err != nil {
		h.t.Fatalf("failed to stop %s: %v", nodeName, err)
	}
}

func (h *Harness) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, c := range h.Nodes {
		if err := c.Terminate(h.ctx); err != nil {
			h.t.Logf("failed to terminate container %s: %v", name, err)
		}
	}
	if err := h.Network.Remove(context.Background()); err != nil {
		h.t.Logf("failed to remove network: %v", err)
	}
}
