// Command procsid is the procsi daemon entrypoint: it resolves the
// project layout, boots every component, and runs until SIGTERM/SIGINT
// or its server loop exits unexpectedly.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtford90/procsi/internal/logging"
	"github.com/mtford90/procsi/internal/supervisor"
)

func main() {
	root := os.Getenv("PROJECT_ROOT")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("resolving working directory: %v", err)
		}
		root = wd
	}

	sup, err := supervisor.Boot(root)
	if err != nil {
		log.Fatalf("booting procsi: %v", err)
	}
	if err := sup.Listen(); err != nil {
		log.Fatalf("starting listeners: %v", err)
	}

	logging.Info("procsi daemon started", logging.Fields{Component: "main"})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		sup.Serve()
		close(done)
	}()

	select {
	case sig := <-sigCh:
		logging.Info("received shutdown signal: "+sig.String(), logging.Fields{Component: "main"})
	case <-done:
		logging.Warn("server loop exited unexpectedly", logging.Fields{Component: "main"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		log.Fatalf("shutting down procsi: %v", err)
	}
}
