// Package main is the entry point for runctl, the runplane command line
// client. It submits scripts, follows sessions and controls running ones.
package main

import (
	"os"

	"runplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
