// Package main starts the sync batch process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	synccmd "github.com/louisbranch/matchsync/internal/cmd/sync"
	"github.com/louisbranch/matchsync/internal/platform/config"
)

func main() {
	cfg, err := synccmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := synccmd.Run(ctx, cfg); err != nil {
		stop()
		config.Exitf("sync failed: %v", err)
	}
}
