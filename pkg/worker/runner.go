package worker

import (
	"context"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/broker"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/dlq"
	"github.com/zoff-tech/go-remedy/pkg/store"
)

// Runner owns the consumer goroutines of a worker process: N consumers per
// stage handler, all settling through the shared harness.
type Runner struct {
	store        store.ExceptionStore
	broker       broker.MessageBroker
	dlq          *dlq.Handler
	handlers     []Handler
	consumers    int
	maxAttempts  int
	drainTimeout time.Duration
	log          *logger.Entry
}

func NewRunner(st store.ExceptionStore, br broker.MessageBroker, dl *dlq.Handler, cfg config.WorkerSettings, handlers ...Handler) *Runner {
	return &Runner{
		store:        st,
		broker:       br,
		dlq:          dl,
		handlers:     handlers,
		consumers:    cfg.Consumers,
		maxAttempts:  cfg.MaxDeliveryAttempts,
		drainTimeout: cfg.DrainTimeout,
		log:          logger.WithField("component", "worker-runner"),
	}
}

// Run consumes until ctx is canceled, then drains: subscriptions stop first,
// in-flight handlers keep an uncanceled context and get up to drain_timeout
// to settle their current delivery.
func (r *Runner) Run(ctx context.Context) error {
	consumeCtx, stopConsume := context.WithCancel(context.Background())
	defer stopConsume()
	handleCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, h := range r.handlers {
		for i := 0; i < r.consumers; i++ {
			deliveries, err := r.broker.Subscribe(consumeCtx, h.Topic(), h.Group())
			if err != nil {
				stopConsume()
				return err
			}
			wg.Add(1)
			go func(h Handler, ch <-chan broker.Delivery) {
				defer wg.Done()
				newHarness(r.store, r.dlq, h, r.maxAttempts).run(handleCtx, ch)
			}(h, deliveries)
		}
		r.log.WithFields(logger.Fields{
			"stage":     h.Stage(),
			"topic":     h.Topic(),
			"group":     h.Group(),
			"consumers": r.consumers,
		}).Info("stage consumers started")
	}

	<-ctx.Done()
	r.log.Info("stopping intake, draining in-flight work")
	stopConsume()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("workers drained")
	case <-time.After(r.drainTimeout):
		r.log.Warn("drain timeout exceeded, abandoning in-flight work")
	}
	return nil
}
