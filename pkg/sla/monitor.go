// Package sla watches open exceptions against their resolution windows and
// appends threshold-crossing events. Emission is exactly-once per crossing:
// the event id is a deterministic function of the exception and threshold, so
// overlapping or restarted scans are absorbed by the store's dedup. Publication
// rides the relay like every other event.
package sla

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zoff-tech/go-remedy/pkg/config"
	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/pkg/telemetry"
	"github.com/zoff-tech/go-remedy/schema"
)

const monitorActorID = "sla-monitor"

// Monitor periodically scans every tenant's open exceptions.
type Monitor struct {
	store         store.ExceptionStore
	interval      time.Duration
	defaultWindow time.Duration
	domainWindows map[string]time.Duration
	thresholds    []config.SLAThreshold
	now           func() time.Time
	log           *logger.Entry
}

func New(st store.ExceptionStore, cfg config.SLASettings) *Monitor {
	return &Monitor{
		store:         st,
		interval:      cfg.ScanInterval,
		defaultWindow: cfg.DefaultWindow,
		domainWindows: cfg.DomainWindows,
		thresholds:    cfg.Thresholds,
		now:           time.Now,
		log:           logger.WithField("component", "sla-monitor"),
	}
}

// Run scans on the configured cadence until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.WithFields(logger.Fields{
		"scan_interval": m.interval.String(),
		"thresholds":    len(m.thresholds),
	}).Info("sla monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("sla monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				m.log.WithError(err).Error("sla scan failed")
			}
		}
	}
}

// Scan walks all tenants once and reports how many threshold events were
// appended.
func (m *Monitor) Scan(ctx context.Context) (int, error) {
	tenants, err := m.store.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	emitted := 0
	for _, tenantID := range tenants {
		n, err := m.scanTenant(ctx, tenantID)
		emitted += n
		if err != nil {
			return emitted, err
		}
	}
	return emitted, nil
}

func (m *Monitor) scanTenant(ctx context.Context, tenantID string) (int, error) {
	open, err := m.store.ListOpenExceptions(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list open exceptions for %s: %w", tenantID, err)
	}
	now := m.now()
	emitted := 0
	for _, rec := range open {
		window := m.windowFor(rec.Domain)
		if window <= 0 {
			continue
		}
		elapsed := now.Sub(rec.CreatedAt)
		for _, th := range m.thresholds {
			if elapsed < time.Duration(th.Fraction*float64(window)) {
				continue
			}
			n, err := m.emit(ctx, rec, th, elapsed, window)
			emitted += n
			if err != nil {
				return emitted, err
			}
		}
	}
	return emitted, nil
}

func (m *Monitor) windowFor(domain string) time.Duration {
	if w, ok := m.domainWindows[domain]; ok {
		return w
	}
	return m.defaultWindow
}

// emit appends the crossing event. A Duplicate result means an earlier scan
// already recorded this threshold for this exception.
func (m *Monitor) emit(ctx context.Context, rec store.ExceptionRecord, th config.SLAThreshold, elapsed, window time.Duration) (int, error) {
	eventType := schema.EventSLAImminent
	if th.Fraction >= 1 {
		eventType = schema.EventSLABreached
	}
	eventID := schema.DeterministicEventID(
		fmt.Sprintf("sla/%s/%s/%s", rec.TenantID, rec.ExceptionID, th.ID))

	evt, err := schema.IdentifiedEnvelope(eventID, rec.TenantID, rec.ExceptionID, eventType,
		schema.ActorSystem, monitorActorID, schema.SLAPayload{
			ThresholdID:    th.ID,
			Fraction:       th.Fraction,
			ElapsedSeconds: int64(elapsed.Seconds()),
			WindowSeconds:  int64(window.Seconds()),
			Deadline:       rec.CreatedAt.Add(window).UTC(),
		})
	if err != nil {
		return 0, err
	}
	result, err := m.store.AppendEvent(ctx, rec.TenantID, evt)
	if err != nil {
		return 0, fmt.Errorf("append %s for %s: %w", eventType, rec.ExceptionID, err)
	}
	if result == store.Duplicate {
		return 0, nil
	}
	telemetry.RecordSLAEmission(th.ID)
	m.log.WithFields(logger.Fields{
		"tenant_id":    rec.TenantID,
		"exception_id": rec.ExceptionID,
		"threshold_id": th.ID,
		"event_type":   eventType,
	}).Warn("sla threshold crossed")
	return 1, nil
}
