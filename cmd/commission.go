package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var pskcCmd = &cobra.Command{
	Use:   "pskc <passphrase>",
	Short: "Derives the PSKc of the dataset's network from a commissioning passphrase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readYaml[state.DatasetCfg](datasetConfigPath)
		if err != nil {
			return err
		}
		if cfg.NetworkName == nil || cfg.ExtPanId == nil {
			return fmt.Errorf("%s needs network_name and ext_panid", datasetConfigPath)
		}
		pskc, err := core.DerivePSKc(args[0], *cfg.NetworkName, *cfg.ExtPanId)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(pskc[:]))
		return nil
	},
	GroupID: "init",
}

var joinerCmd = &cobra.Command{
	Use:     "joiner",
	Short:   "Joiner ids and steering data",
	GroupID: "init",
}

var joinerIdCmd = &cobra.Command{
	Use:   "id <eui64>",
	Short: "Prints the joiner id of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var eui state.ExtAddress
		if err := eui.UnmarshalText([]byte(args[0])); err != nil {
			return err
		}
		id := core.JoinerIdFromEUI64(eui)
		fmt.Println(hex.EncodeToString(id[:]))
		return nil
	},
}

var joinerSteeringCmd = &cobra.Command{
	Use:   "steering <eui64>...",
	Short: "Builds the steering data that admits the given devices",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		length, _ := cmd.Flags().GetInt("length")
		ids := make([]state.JoinerId, 0, len(args))
		for _, a := range args {
			var eui state.ExtAddress
			if err := eui.UnmarshalText([]byte(a)); err != nil {
				return fmt.Errorf("eui64 %s: %w", a, err)
			}
			ids = append(ids, core.JoinerIdFromEUI64(eui))
		}
		sd := core.BuildSteeringData(length, ids...)
		fmt.Printf("%s (false positive bound %.4f)\n", sd, core.FalsePositiveBound(sd))
		return nil
	},
}

var joinerProofCmd = &cobra.Command{
	Use:   "proof <pskc> <eui64> <session id>",
	Short: "Computes the proof a joiner presents for a commissioning session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pskc state.Pskc
		raw, err := hex.DecodeString(args[0])
		if err != nil || len(raw) != len(pskc) {
			return fmt.Errorf("pskc must be %d hex bytes", len(pskc))
		}
		copy(pskc[:], raw)
		var eui state.ExtAddress
		if err := eui.UnmarshalText([]byte(args[1])); err != nil {
			return err
		}
		session, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			return err
		}
		proof, err := core.ComputeProof(pskc, core.JoinerIdFromEUI64(eui), uint16(session))
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(proof))
		return nil
	},
}

// nodeRequest forwards the command words after the node id to that node.
func nodeRequest(words ...string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		res, err := core.IPCRequest(core.InspectSocketPath(args[0]), append(words, args[1:]...)...)
		if err != nil {
			return err
		}
		fmt.Print(res)
		return nil
	}
}

var joinerAuthorizeCmd = &cobra.Command{
	Use:   "authorize <node id> <eui64> <proof>",
	Short: "Asks a node with a live commissioning session to admit a joiner",
	Args:  cobra.ExactArgs(3),
	RunE:  nodeRequest("joiner", "authorize"),
}

var commissionerCmd = &cobra.Command{
	Use:     "commissioner",
	Short:   "Runs a commissioning session on a node",
	GroupID: "wf",
}

var commissionerStartCmd = &cobra.Command{
	Use:   "start <node id>",
	Short: "Opens a session with the node as border agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := "native"
		if external, _ := cmd.Flags().GetBool("external"); external {
			kind = "external"
		}
		return nodeRequest("commissioner", "start", kind)(cmd, args)
	},
}

var commissionerKeepAliveCmd = &cobra.Command{
	Use:   "keepalive <node id> <session id>",
	Short: "Keeps a session from timing out",
	Args:  cobra.ExactArgs(2),
	RunE:  nodeRequest("commissioner", "keepalive"),
}

var commissionerSteerCmd = &cobra.Command{
	Use:   "steer <node id> <session id> [eui64...]",
	Short: "Steers the given devices, or every device when none are given",
	Args:  cobra.MinimumNArgs(2),
	RunE:  nodeRequest("commissioner", "steer"),
}

var commissionerStopCmd = &cobra.Command{
	Use:   "stop <node id> <session id>",
	Short: "Ends a session",
	Args:  cobra.ExactArgs(2),
	RunE:  nodeRequest("commissioner", "stop"),
}

func init() {
	rootCmd.AddCommand(pskcCmd, joinerCmd, commissionerCmd)
	joinerCmd.AddCommand(joinerIdCmd, joinerSteeringCmd, joinerProofCmd, joinerAuthorizeCmd)
	commissionerCmd.AddCommand(commissionerStartCmd, commissionerKeepAliveCmd, commissionerSteerCmd, commissionerStopCmd)
	commissionerStartCmd.Flags().Bool("external", false, "open an external commissioner session instead of a native one")
	joinerSteeringCmd.Flags().Int("length", state.MaxSteeringDataLength, "steering data length in bytes")
}
