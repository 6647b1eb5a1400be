package main

import (
	"os"

	"github.com/vsharma2491/trading-algo/cmd/survivor/commands"
)

// main is the entry point for the Survivor CLI.
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
