package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stamon/stamon/auth"
	"github.com/stamon/stamon/bus"
	"github.com/stamon/stamon/config"
	"github.com/stamon/stamon/engine"
	"github.com/stamon/stamon/probe"
	queuesqlite "github.com/stamon/stamon/queue/sqlite"
	"github.com/stamon/stamon/router"
	"github.com/stamon/stamon/scheduler"
	storesqlite "github.com/stamon/stamon/store/sqlite"
	"github.com/stamon/stamon/worker"
	"github.com/stamon/stamon/ws"
)

var version = "dev"

// port is fixed: stamon does not expose a port flag or environment
// override.
const port = "3000"

func main() {
	fmt.Printf("stamon %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := storesqlite.Open(cfg.DBPath())
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	probeQueue, err := queuesqlite.Open(db.Handle(), "probe")
	if err != nil {
		log.Fatalf("queue: %v", err)
	}

	eventBus := bus.New(0)
	registry := probe.NewRegistry()
	transitionEngine := engine.New(db, eventBus)
	pool := worker.New(probeQueue, registry, transitionEngine, eventBus, 0)
	sched := scheduler.New(db, probeQueue, nil)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	hub := ws.New(eventBus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pool.Run(ctx)
	go sched.Run(ctx)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router.New(db, verifier, hub),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
