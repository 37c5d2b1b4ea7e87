package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaywantadh/ferry/pkg/env"
	"github.com/jaywantadh/ferry/pkg/logging"
)

func main() {
	env.LoadEnv()

	// SIGINT and SIGTERM cancel running transfers
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		stop()
		logging.Log.Fatal(err)
	}
}
