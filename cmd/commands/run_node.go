package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	nm "hyperraft/node"
)

// AddNodeFlags exposes the config options reachable from the command
// line when running a node.
func AddNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("moniker", config.Moniker, "node name")
	cmd.Flags().String("genesis_file", config.Genesis, "genesis file path")
	cmd.Flags().String("db_dir", config.DBPath, "database directory")

	cmd.Flags().String("p2p.laddr", config.P2P.ListenAddress, "node listen address")
	cmd.Flags().String("p2p.persistent_peers", config.P2P.PersistentPeers,
		"comma-delimited ID@host:port persistent peers")
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress, "RPC listen address")

	cmd.Flags().Bool("consensus.byzantine", config.Consensus.Byzantine,
		"size quorums for byzantine members (>2/3) instead of majority")
}

// NewRunNodeCmd returns the command that starts the node with the
// given provider and blocks until an exit signal.
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "node",
		Aliases: []string{"run", "start"},
		Short:   "Run the HyperRAFT++ node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			logger.Info("Started node", "nodeInfo", n.NodeInfo())

			// stop upon receiving SIGTERM or CTRL-C
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// run forever
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
