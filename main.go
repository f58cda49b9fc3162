// ./main.go
package main

import (
	"github.com/stenobot-io/stenobot/cmd"
)

// main is the entry point for the stenobot binary.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
