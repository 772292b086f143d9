// Package main provides the esmflow command.
package main

import (
	"os"

	"github.com/leapstack-labs/esmflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
