// Package main is the entry point for the bastion admin CLI.
// It resolves identities and manages punishments directly against the durable store.
package main

import (
	"os"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
