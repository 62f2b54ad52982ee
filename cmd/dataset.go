package cmd

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/encodeous/weft/core"
	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Create and inspect operational datasets",
}

var datasetNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Writes a fresh operational dataset with random credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		channel, _ := cmd.Flags().GetUint16("channel")
		passphrase, _ := cmd.Flags().GetString("passphrase")

		ds := state.OperationalDataset{}
		ds.ActiveTimestamp.Set(state.Timestamp{Seconds: uint64(time.Now().Unix())})
		ds.NetworkName.Set(name)
		ds.Channel.Set(channel)

		var key state.NetworkKey
		randomBytes(key[:])
		ds.NetworkKey.Set(key)
		var xpan state.ExtPanId
		randomBytes(xpan[:])
		ds.ExtPanId.Set(xpan)
		mlp := state.MeshLocalPrefix{0xfd}
		randomBytes(mlp[1:])
		ds.MeshLocalPrefix.Set(mlp)
		var pan [2]byte
		randomBytes(pan[:])
		ds.PanId.Set(uint16(pan[0])<<8 | uint16(pan[1])&0xfffe)
		ds.SecurityPolicy.Set(state.DefaultSecurityPolicy)

		if passphrase != "" {
			pskc, err := core.DerivePSKc(passphrase, name, xpan)
			if err != nil {
				return err
			}
			ds.Pskc.Set(pskc)
		}
		if err := state.DatasetValidator(&ds); err != nil {
			return err
		}
		if err := writeYaml(datasetConfigPath, state.DatasetCfgFrom(ds)); err != nil {
			return err
		}
		fmt.Printf("Wrote dataset for %s to %s\n", name, datasetConfigPath)
		return nil
	},
}

var datasetTlvCmd = &cobra.Command{
	Use:   "tlv",
	Short: "Prints the dataset as hex encoded meshcop TLVs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readYaml[state.DatasetCfg](datasetConfigPath)
		if err != nil {
			return err
		}
		ds := cfg.Dataset()
		if err := state.DatasetValidator(&ds); err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(core.EncodeTLV(state.Dataset{Operational: ds})))
		return nil
	},
}

var datasetImportCmd = &cobra.Command{
	Use:   "import <hex tlvs>",
	Short: "Writes a dataset from hex encoded meshcop TLVs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := hex.DecodeString(args[0])
		if err != nil {
			return err
		}
		ds, err := core.DecodeTLV(b)
		if err != nil {
			return err
		}
		if err := state.DatasetValidator(&ds.Operational); err != nil {
			return err
		}
		return writeYaml(datasetConfigPath, state.DatasetCfgFrom(ds.Operational))
	},
}

var datasetExportCmd = &cobra.Command{
	Use:   "export <node id>",
	Short: "Prints the active dataset of a running node as a commissioner would see it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := core.IPCRequest(core.InspectSocketPath(args[0]), "dataset")
		if err != nil {
			return err
		}
		fmt.Print(res)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(datasetCmd)
	datasetCmd.GroupID = "init"
	datasetCmd.AddCommand(datasetNewCmd, datasetTlvCmd, datasetImportCmd, datasetExportCmd)

	datasetNewCmd.Flags().String("name", "weft", "network name")
	datasetNewCmd.Flags().Uint16("channel", 15, "page 0 channel, 11 to 26")
	datasetNewCmd.Flags().String("passphrase", "", "commissioning passphrase, derives the PSKc when set")
}
