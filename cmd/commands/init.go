package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cfg "hyperraft/config"
	"hyperraft/privval"
	"hyperraft/types"
)

var (
	initByzantine bool
	initWeight    int64
)

// InitFilesCmd initialises a fresh single-validator node: private
// validator key, node key and a genesis roster containing only this
// node. Multi-node clusters merge the generated validators into one
// shared genesis file by hand or tooling.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a node: validator key, node key, genesis",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().BoolVar(&initByzantine, "byzantine", true,
		"use the >2/3 byzantine quorum rule instead of simple majority")
	InitFilesCmd.Flags().Int64Var(&initWeight, "weight", 10,
		"voting weight of this validator in the generated genesis")
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()

	var pv *privval.FilePV
	if tmos.FileExists(privValKeyFile) {
		pv = privval.LoadFilePV(privValKeyFile)
		logger.Info("Found private validator", "keyFile", privValKeyFile)
	} else {
		pv = privval.LoadOrGenFilePV(privValKeyFile)
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	// genesis file
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
	} else {
		pubKey, err := pv.GetPubKey()
		if err != nil {
			return fmt.Errorf("can't get pubkey: %w", err)
		}

		genDoc := types.GenesisDoc{
			ChainID:     fmt.Sprintf("hyperraft-chain-%v", tmrand.Str(6)),
			GenesisTime: tmtime.Now(),
			Byzantine:   initByzantine,
			Validators: []types.GenesisValidator{{
				Address: types.GetAddress(pubKey),
				PubKey:  pubKey,
				Weight:  initWeight,
			}},
		}

		if err := genDoc.SaveAs(genFile); err != nil {
			return err
		}
		logger.Info("Generated genesis file", "path", genFile)
	}

	return nil
}
