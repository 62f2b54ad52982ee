package cmd

import (
	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a weft node",
	Long:  `Runs a node on this host. The sim radio joins an IPv6 multicast group, so every node on the same link and group hears each other.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		return core.Bootstrap(nodeConfigPath, datasetConfigPath, logPath, verbose)
	},
	GroupID: "wf",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("log", "l", "", "Also write logs to this file")
	runCmd.Flags().BoolVarP(&state.DBG_log_mle, "lmle", "m", false, "Write role and attach changes to console")
	runCmd.Flags().BoolVarP(&state.DBG_log_frames, "lframes", "f", false, "Write every sent and received frame to console")
	runCmd.Flags().BoolVarP(&state.DBG_log_netdata, "lnetdata", "t", false, "Write network data changes to console")
	runCmd.Flags().BoolVarP(&state.DBG_log_resolver, "lresolve", "r", false, "Write address queries to console")
	runCmd.Flags().BoolVarP(&state.DBG_log_repo_updates, "lrepo", "u", false, "Write dataset repository polls to console")
	runCmd.Flags().BoolVar(&state.DBG_trace, "trace", false, "Write a runtime trace to trace.out")
	runCmd.Flags().BoolVar(&state.DBG_debug, "pprof", false, "Serve pprof on :6060")
}
