package main

import (
	"github.com/petrel-labs/gridharvest/cmd"
)

// main is the entry point for the gridharvest CLI.
func main() {
	// Execute the root command defined in the cmd package. It handles
	// command-line parsing, configuration, and execution.
	cmd.Execute()
}
