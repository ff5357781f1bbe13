package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/sla"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./cmd/remedy-slamonitor")
	if err != nil {
		log.Fatal("load configuration: ", err)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("telemetry init: ", err)
	}
	defer shutdownTelemetry()
	telemetry.ServeMetrics(ctx, cfg.Observability.MetricsAddr)

	// Emitted events ride the relay, so the monitor needs no broker
	st, err := store.NewStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("event store: ", err)
	}
	defer st.Close(context.Background())

	// Scan until SIGINT/SIGTERM
	m := sla.New(st, cfg.SLA)
	m.Run(ctx)
}
