package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bashlet/bashlet/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		cmd.WriteError(os.Stdout, err)
		os.Exit(1)
	}
}
