// Command graphberry is operator tooling for a graphberry log directory:
// inspect frames, rebuild and dump the graph, append records, take
// snapshots, tail the log and serve the inspection endpoints.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
