// picoord coordinates LLM capacity between independent agent processes on
// one machine.
//
// Usage:
//
//	# Keep this process registered and heartbeating
//	picoord agent
//
//	# Show instances, leases and learned rate limits
//	picoord status
//
//	# Claim a task for exclusive work
//	picoord task claim feature/login
//
//	# Prune dead instances and their lease tables
//	picoord cleanup
package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/picoord/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cmd.FormatError(err))
		os.Exit(cmd.ExitCode(err))
	}
}
