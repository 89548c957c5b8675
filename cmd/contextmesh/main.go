// Package main is the entry point for the contextmesh CLI.
package main

import (
	"os"

	"github.com/memorable/contextmesh/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
