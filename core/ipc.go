package core

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
)

const ipcErrorPrefix = "error: "

// IPCRequest sends one command to the node serving sockPath and returns its reply. Failures reported by the
// node come back as errors.
func IPCRequest(sockPath string, args ...string) (string, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	_, err = rw.WriteString(strings.Join(args, " ") + "\n")
	if err != nil {
		return "", err
	}
	err = rw.Flush()
	if err != nil {
		return "", err
	}

	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	res = strings.TrimSuffix(res, "\x00")
	if msg, failed := strings.CutPrefix(res, ipcErrorPrefix); failed {
		return "", errors.New(msg)
	}
	return res, nil
}

// IPCGet asks the node serving sockPath for its inspect report.
func IPCGet(sockPath string) (string, error) {
	return IPCRequest(sockPath, "inspect")
}

// IPCTrace streams change notifications from the node serving sockPath into out until the connection ends.
func IPCTrace(sockPath string, out io.Writer) error {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("trace\n")); err != nil {
		return err
	}
	_, err = io.Copy(out, conn)
	return err
}

func (w *Weft) listenIPC(s *state.State) error {
	path := InspectSocketPath(s.Id)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	w.ipc = ln
	e := s.Env
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
				if err := HandleIPC(e, rw); err != nil && state.DBG_debug {
					e.Log.Debug("ipc request failed", "error", err)
				}
				_ = rw.Flush()
			}()
		}
	}()
	return nil
}

type ipcHandler func(n *Node, args []string) (string, error)

var ipcCommands = map[string]ipcHandler{
	"inspect": func(n *Node, _ []string) (string, error) {
		return Inspect(n), nil
	},
	"dataset":      exportDataset,
	"commissioner": commissionerCommand,
	"joiner":       joinerCommand,
}

// HandleIPC serves one request. Commands run on the dispatch goroutine; their failures are sent back to the
// client rather than returned to the loop.
func HandleIPC(e *state.Env, rw *bufio.ReadWriter) error {
	line, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	args := strings.Fields(line)
	if len(args) == 0 {
		return errors.New("empty command")
	}
	if args[0] == "trace" {
		return streamTrace(e, rw)
	}
	handler, ok := ipcCommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %s", strings.TrimSpace(line))
	}
	var cmdErr error
	res, err := e.DispatchWait(func(s *state.State) (any, error) {
		out, err := handler(Get[*Weft](s).Node, args[1:])
		cmdErr = err
		return out, nil
	})
	if err != nil {
		return err
	}
	reply := res.(string)
	if cmdErr != nil {
		reply = ipcErrorPrefix + cmdErr.Error()
	}
	if _, err := rw.WriteString(reply + "\x00"); err != nil {
		return err
	}
	return cmdErr
}

func exportDataset(n *Node, _ []string) (string, error) {
	out, err := yaml.Marshal(state.DatasetCfgFrom(n.Commissioner.ExportDataset()))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func parseSessionId(s string) (uint16, error) {
	id, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("session id %q: %w", s, state.ErrInvalidArgs)
	}
	return uint16(id), nil
}

func parseEUI64(s string) (state.ExtAddress, error) {
	var eui state.ExtAddress
	if err := eui.UnmarshalText([]byte(s)); err != nil {
		return eui, fmt.Errorf("eui64 %q: %w", s, state.ErrInvalidArgs)
	}
	return eui, nil
}

func commissionerCommand(n *Node, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("commissioner needs start, keepalive, steer or stop: %w", state.ErrInvalidArgs)
	}
	if args[0] == "start" {
		kind := NativeSession
		if len(args) > 1 && args[1] == "external" {
			kind = ExternalSession
		}
		s, err := n.StartCommissioner(kind)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("session %d commissioner %s locator %s\n", s.Id, s.CommissionerId, s.Locator), nil
	}
	if len(args) < 2 {
		return "", fmt.Errorf("commissioner %s needs a session id: %w", args[0], state.ErrInvalidArgs)
	}
	id, err := parseSessionId(args[1])
	if err != nil {
		return "", err
	}
	switch args[0] {
	case "keepalive":
		return "ok\n", n.KeepAliveCommissioner(id)
	case "stop":
		return "ok\n", n.StopCommissioner(id)
	case "steer":
		ids := make([]state.JoinerId, 0, len(args)-2)
		for _, a := range args[2:] {
			eui, err := parseEUI64(a)
			if err != nil {
				return "", err
			}
			ids = append(ids, JoinerIdFromEUI64(eui))
		}
		if err := n.SteerJoiners(id, state.MaxSteeringDataLength, ids...); err != nil {
			return "", err
		}
		sd, _ := n.NetData.Commissioning().SteeringData.Get()
		return fmt.Sprintf("steering %s\n", sd), nil
	}
	return "", fmt.Errorf("unknown commissioner command %s: %w", args[0], state.ErrInvalidArgs)
}

func joinerCommand(n *Node, args []string) (string, error) {
	if len(args) != 3 || args[0] != "authorize" {
		return "", fmt.Errorf("usage: joiner authorize <eui64> <proof>: %w", state.ErrInvalidArgs)
	}
	eui, err := parseEUI64(args[1])
	if err != nil {
		return "", err
	}
	proof, err := hex.DecodeString(args[2])
	if err != nil {
		return "", fmt.Errorf("proof: %w", state.ErrInvalidArgs)
	}
	v, err := n.AuthorizeJoiner(JoinerIdFromEUI64(eui), proof)
	if err != nil {
		return "", err
	}
	return v.String() + "\n", nil
}

// streamTrace writes one line per change notification until the client hangs up or the node stops.
func streamTrace(e *state.Env, rw *bufio.ReadWriter) error {
	ch := make(chan any, 64)
	res, err := e.DispatchWait(func(s *state.State) (any, error) {
		w := Get[*Weft](s)
		w.Subscribe(ch)
		return w.Node, nil
	})
	if err != nil {
		return err
	}
	n := res.(*Node)
	defer e.Dispatch(func(s *state.State) error {
		n.Unsubscribe(ch)
		return nil
	})
	for {
		select {
		case v := <-ch:
			c := v.(Change)
			_, err = fmt.Fprintf(rw, "%s role=%s rloc16=%s partition=%08x version=%d\n",
				c.Flags, c.Status.Role, c.Status.Rloc16, c.Status.Leader.PartitionId, c.Status.Leader.DataVersion)
			if err != nil {
				return err
			}
			if err := rw.Flush(); err != nil {
				return err
			}
		case <-e.Context.Done():
			return nil
		}
	}
}

// Inspect renders the node's tables for humans.
func Inspect(n *Node) string {
	sb := strings.Builder{}
	st := n.Status()
	sb.WriteString(fmt.Sprintf("Role: %s\nRLOC16: %s\nLeader: %s\n", st.Role, st.Rloc16, st.Leader))
	if ext, rloc, ok := n.Mle.Parent(); ok {
		sb.WriteString(fmt.Sprintf("Parent: %s (%s)\n", ext, rloc))
	}
	if cs, ok := n.Commissioner.Session(); ok {
		sb.WriteString(fmt.Sprintf("Commissioner: session %d via %s\n", cs.Id, cs.Locator))
	}

	sb.WriteString("\nNeighbours:\n")
	rt := make([]string, 0)
	for nb := range n.Topology.Iterate(KindNeighbor) {
		rt = append(rt, fmt.Sprintf(" - %s rloc %s lq %d/%d rssi %d", nb.ExtAddress, nb.Rloc16, nb.LinkQualityIn, nb.LinkQualityOut, nb.AverageRssi))
	}
	writeSorted(&sb, rt)

	sb.WriteString("\nRouters:\n")
	rt = rt[:0]
	for r := range n.Topology.Routers() {
		rt = append(rt, fmt.Sprintf(" - %s id %d rloc %s link %t", r.ExtAddress, r.RouterId, r.Rloc16, r.LinkEstablished))
	}
	writeSorted(&sb, rt)

	sb.WriteString("\nChildren:\n")
	rt = rt[:0]
	for c := range n.Topology.Children() {
		rt = append(rt, fmt.Sprintf(" - %s rloc %s timeout %s", c.ExtAddress, c.Rloc16, c.Timeout))
	}
	writeSorted(&sb, rt)

	sb.WriteString("\nRoutes:\n")
	rt = rt[:0]
	for _, r := range n.NetData.Routes() {
		rt = append(rt, fmt.Sprintf(" - %s", r))
	}
	writeSorted(&sb, rt)

	sb.WriteString("\nEID Cache:\n")
	rt = rt[:0]
	for _, c := range n.Resolver.Entries() {
		if c.Valid {
			rt = append(rt, fmt.Sprintf(" - %s via %s", c.Target, c.Rloc16))
		} else {
			rt = append(rt, fmt.Sprintf(" - %s (querying)", c.Target))
		}
	}
	writeSorted(&sb, rt)
	return sb.String()
}

func writeSorted(sb *strings.Builder, rows []string) {
	if len(rows) == 0 {
		sb.WriteString("  (none)\n")
		return
	}
	slices.Sort(rows)
	sb.WriteString(strings.Join(rows, "\n") + "\n")
}
