package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"wimctl/cmd"
)

var Version = "dev"

func main() {
	// Ctrl+C cancels the running operation; recovery stops between tiers
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx, Version)
	stop()
	os.Exit(code)
}
