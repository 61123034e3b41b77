// Package main is the opsync command line.
package main

import (
	"os"

	"github.com/kimhsiao/opsync/internal/cli"
	apperrors "github.com/kimhsiao/opsync/internal/errors"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	cli.Version = Version
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for failures a later attempt may fix, 1 otherwise.
func exitCode(err error) int {
	if apperrors.Retryable(err) {
		return 2
	}
	return 1
}
