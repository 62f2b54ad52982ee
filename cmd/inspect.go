package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/weft/core"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <node id>",
	Aliases: []string{"i"},
	Short:   "Inspects the current state of a running node",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if trace, _ := cmd.Flags().GetBool("trace"); trace {
			return core.IPCTrace(core.InspectSocketPath(args[0]), os.Stdout)
		}
		result, err := core.IPCGet(core.InspectSocketPath(args[0]))
		if err != nil {
			return err
		}
		fmt.Print(result)
		return nil
	},
	GroupID: "wf",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolP("trace", "t", false, "Stream state changes instead of printing a snapshot")
}
