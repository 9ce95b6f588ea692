package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/socialpulse/socialpulse/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.ExecuteWithErrorCode(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
