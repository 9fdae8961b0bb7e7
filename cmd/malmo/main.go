// File: cmd/malmo/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/malmo-go/malmo/cmd"
)

func main() {
	// Interrupt signals cancel the command context so a running mission
	// can shut its listeners down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
