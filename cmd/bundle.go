package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var bundlePath string

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Signs and seals the dataset for distribution to nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readYaml[state.DatasetCfg](datasetConfigPath)
		if err != nil {
			return err
		}
		key, err := readDistKey()
		if err != nil {
			return err
		}
		bundle, err := core.BundleDataset(cfg.Dataset(), key)
		if err != nil {
			return err
		}
		if err := os.WriteFile(bundlePath, []byte(bundle), 0644); err != nil {
			return err
		}
		fmt.Printf("Wrote bundle to %s\n", bundlePath)
		return nil
	},
	GroupID: "wf",
}

var verifyCmd = &cobra.Command{
	Use:   "verify <public key>",
	Short: "Checks a bundle against the distribution public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pkey state.PublicKey
		if err := pkey.UnmarshalText([]byte(args[0])); err != nil {
			return err
		}
		bundleStr, err := os.ReadFile(bundlePath)
		if err != nil {
			return err
		}
		ds, err := core.UnbundleDataset(string(bundleStr), pkey)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(state.DatasetCfgFrom(ds))
		if err != nil {
			return err
		}
		fmt.Println("Bundle is valid")
		fmt.Print(string(out))
		return nil
	},
	GroupID: "wf",
}

func init() {
	rootCmd.AddCommand(bundleCmd, verifyCmd)
	bundleCmd.Flags().StringVarP(&bundlePath, "bundle", "b", "dataset.wfbundle", "Path to bundle file")
	verifyCmd.Flags().StringVarP(&bundlePath, "bundle", "b", "dataset.wfbundle", "Path to bundle file")
}
