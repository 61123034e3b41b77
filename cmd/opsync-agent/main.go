// Package main is the background retry agent. It is started by the host OS
// (launchd, systemd, a scheduled task) and keeps running while the app is closed.
package main

import (
	"os"

	"github.com/kimhsiao/opsync/internal/cli"
)

func main() {
	if err := cli.NewAgentCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
