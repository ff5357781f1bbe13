package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/zoff-tech/go-remedy/pkg/api"
	"github.com/zoff-tech/go-remedy/pkg/broker"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./cmd/remedy-api")
	if err != nil {
		log.Fatal("load configuration: ", err)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("telemetry init: ", err)
	}
	defer shutdownTelemetry()

	st, err := store.NewStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("event store: ", err)
	}
	defer st.Close(context.Background())

	// DLQ replay publishes through the broker
	br, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		log.Fatal("message broker: ", err)
	}
	defer br.Close()

	// Seed playbook definitions; existing versions are left untouched
	if n, err := playbook.SeedFromDir(ctx, st, cfg.Playbooks.SeedDir); err != nil {
		log.Fatal("seed playbooks: ", err)
	} else if n > 0 {
		log.Printf("seeded %d playbook definitions", n)
	}

	engine := playbook.NewEngine(st, cfg.Matching)
	dlqHandler := dlq.NewHandler(st, br)

	// Serve until SIGINT/SIGTERM
	server := api.NewServer(st, engine, dlqHandler, cfg.API)
	if err := server.Run(ctx); err != nil {
		log.Fatal("API server failed: ", err)
	}
}
