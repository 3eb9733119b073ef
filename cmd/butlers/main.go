// Butlers fleet daemon and operator CLI.
//
// Each butler is one process built from its config directory: an HTTP tool
// surface, an agent session spawner, a scheduler and the capability modules
// its manifest enables. The same binary also runs the channel connectors
// that feed the Switchboard.
//
// # Basic Usage
//
// Run one butler:
//
//	butlers run --config ./config/general
//
// Run a whole fleet from a directory of butler configs:
//
//	butlers up --fleet ./config
//
// Run a channel connector:
//
//	butlers connector telegram --config ./config/switchboard
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
