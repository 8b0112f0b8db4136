// Package main is the entry point for the stdb CLI tool.
package main

import (
	"os"

	"github.com/aidanlsb/stellator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
