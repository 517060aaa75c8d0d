// Package main provides gibbon, the CLI for the bitmask authorization
// store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/maskauth/gibbon/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := cli.Run(ctx, os.Stdout, os.Stderr, os.Args, os.Environ())

	stop()
	os.Exit(exitCode)
}
