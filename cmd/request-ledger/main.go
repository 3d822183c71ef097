// Command request-ledger is a durable outbox for HTTP requests and the
// idempotent reference backend that receives its replays.
//
// @title       request-ledger reference backend
// @version     1.0
// @description Idempotent order API used as the delivery target of the request ledger.
// @BasePath    /api/v1
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/tbourn/request-ledger/internal/cli"
)

func main() {
	// A missing .env is fine; the environment is the source of truth.
	_ = godotenv.Load()

	os.Exit(cli.Execute(context.Background(), os.Args[1:]))
}
