package commands

import (
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "market-node",
		Short:         "Peer-to-peer marketplace order negotiation node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(NewRunCmd(), NewKeygenCmd())
	return root
}
