// Command kotaectl works the kotae review queue from a terminal.
//
// Credentials come from flags or the environment:
//
//	KOTAE_URL          server root (default http://localhost:8080)
//	KOTAE_REVIEWER_ID  reviewer identity
//	KOTAE_API_KEY      reviewer API key
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
