// Command nctd runs the Network Containment Tap daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nct-project/nct/cmd/nctd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := nctd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nctd: %v\n", err)
		os.Exit(1)
	}
}
