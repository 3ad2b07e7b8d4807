package main

import (
	"fmt"
	"os"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/cmd/btcrelay/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "btcrelay: %v\n", err)
		os.Exit(2)
	}
}
