package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mew/jrys/internal/jrys/app"
	"mew/jrys/pkg/runtime"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if _, err := runtime.LoadDotEnv(); err != nil {
		log.Printf("[jrys] dotenv: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Main(ctx, os.Args[1:], os.Stdout)
}
