package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/zoff-tech/go-remedy/pkg/broker"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/relay"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./cmd/remedy-relay")
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

	// Sweep unpublished events until SIGINT/SIGTERM
	r := relay.New(st, br, dlq.NewHandler(st, br), cfg.Relay)
	r.Run(ctx)
}
