package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generates a dataset distribution keypair. Writes the private key to --dist-key and prints the public key.",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := state.GenerateKey()
		privKey, err := key.MarshalText()
		if err != nil {
			return err
		}
		pubKey, err := key.Pubkey().MarshalText()
		if err != nil {
			return err
		}
		if err := os.WriteFile(distKeyPath, privKey, 0600); err != nil {
			return err
		}
		fmt.Printf("PublicKey=%s\n", pubKey)
		return nil
	},
	GroupID: "init",
}

var nodeCmd = &cobra.Command{
	Use:   "node <id>",
	Short: "Writes a node config with a random extended address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		med, _ := cmd.Flags().GetBool("med")
		var ext state.ExtAddress
		randomBytes(ext[:])
		ext[0] = ext[0]&^1 | 2
		cfg := state.LocalCfg{
			Id:             args[0],
			ExtAddress:     ext,
			Mode:           state.LinkMode{RxOnWhenIdle: true, FullThreadDevice: !med, FullNetworkData: !med},
			RouterEligible: !med,
		}
		if err := state.NodeConfigValidator(&cfg); err != nil {
			return err
		}
		if err := writeYaml(nodeConfigPath, cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%s) to %s\n", cfg.Id, ext, nodeConfigPath)
		return nil
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(keyCmd, nodeCmd)
	nodeCmd.Flags().Bool("med", false, "minimal end device, never becomes a router")
}
