// Command modelhub runs the model orchestration daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() { os.Exit(MainWithArgs(os.Args[1:])) }

// MainWithArgs runs the CLI and returns the process exit code.
func MainWithArgs(args []string) int {
	root := buildRootCmd()
	root.SetArgs(args)
	// Ctrl+C / SIGTERM cancel serve, which then shuts down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "modelhub:", err)
		return 1
	}
	return 0
}
