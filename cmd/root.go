package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	nodeConfigPath    = "node.yaml"
	datasetConfigPath = "dataset.yaml"
	distKeyPath       = "dist.key"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft mesh node CLI",
	Long: `Weft runs a Thread-style mesh node over a simulated radio.
Nodes attach to each other, elect a leader, keep their operational dataset in sync and resolve addresses across the mesh.`,
}

// Execute runs the root command. It is called once by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Provisioning",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "wf",
		Title: "Weft Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&nodeConfigPath, "node-config", "n", nodeConfigPath, "node-specific config")
	rootCmd.PersistentFlags().StringVarP(&datasetConfigPath, "dataset", "d", datasetConfigPath, "operational dataset")
	rootCmd.PersistentFlags().StringVarP(&distKeyPath, "dist-key", "k", distKeyPath, "dataset distribution key")
}
