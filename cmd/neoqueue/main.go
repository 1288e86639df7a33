// Command neoqueue runs workers and manages failed jobs for a configured
// connection. Jobs are processed only when their handlers are registered;
// applications that need that embed the console package instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/neonextechnologies/neoqueue/console"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := console.Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, console.ErrUsage) {
			fmt.Fprintln(os.Stderr, "neoqueue:", err)
		}
		stop()
		os.Exit(2)
	}
}
