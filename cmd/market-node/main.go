package main

import (
	"fmt"
	"os"

	"bidmesh.com/cmd/market-node/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
