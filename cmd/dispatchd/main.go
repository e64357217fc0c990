// Command dispatchd runs the dispatch service: the HTTP API, the outbox
// relay, the automation worker and operator commands.
//
//	@title			Dispatch API
//	@version		1.0
//	@description	Idempotent writes, automation run dispatch and transactional outbox delivery.
//	@BasePath		/api/v1
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tbourn/go-dispatch-backend/internal/cli"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "dispatchd:", err)
		stop()
		os.Exit(1)
	}
}
