// Package main provides the entry point for the klyve CLI.
package main

import (
	"os"

	"github.com/randalmurphal/klyve/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
