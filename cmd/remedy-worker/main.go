package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/zoff-tech/go-remedy/pkg/broker"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/playbook"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
	"github.com/zoff-tech/go-remedy/pkg/tool"
	"github.com/zoff-tech/go-remedy/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./cmd/remedy-worker")
	if err != nil {
		log.Fatal("load configuration: ", err)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("telemetry init: ", err)
	}
	defer shutdownTelemetry()
	telemetry.ServeMetrics(ctx, cfg.Observability.MetricsAddr)

	st, err := store.NewStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("event store: ", err)
	}
	defer st.Close(context.Background())

	br, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		log.Fatal("message broker: ", err)
	}
	defer br.Close()

	// Seed playbook definitions so a standalone worker can match; versions
	// already stored are left untouched
	if _, err := playbook.SeedFromDir(ctx, st, cfg.Playbooks.SeedDir); err != nil {
		log.Fatal("seed playbooks: ", err)
	}

	// Build the stage handlers this process runs
	handlers, err := worker.HandlersFor(cfg.Worker.Stages, worker.Deps{
		Store:   st,
		Engine:  playbook.NewEngine(st, cfg.Matching),
		Invoker: tool.NewHTTPInvoker(cfg.Tool),
	})
	if err != nil {
		log.Fatal("worker stages: ", err)
	}

	// Consume until SIGINT/SIGTERM, then drain
	runner := worker.NewRunner(st, br, dlq.NewHandler(st, br), cfg.Worker, handlers...)
	if err := runner.Run(ctx); err != nil {
		log.Fatal("worker stopped: ", err)
	}
}
