package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zoff-tech/go-remedy/schema"
	"go.opentelemetry.io/otel"
)

type txKeyType struct{}

var txKey txKeyType

// PostgresStore implements ExceptionStore over PostgreSQL. The event table
// carries the outbox columns (topic, publish_status, publish_attempts) so
// append and publication bookkeeping share one row.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type eventRow struct {
	EventID         string    `db:"event_id"`
	ExceptionID     string    `db:"exception_id"`
	EventType       string    `db:"event_type"`
	ActorType       string    `db:"actor_type"`
	ActorID         string    `db:"actor_id"`
	Payload         []byte    `db:"payload"`
	CreatedAt       time.Time `db:"created_at"`
	Topic           string    `db:"topic"`
	PublishAttempts int       `db:"publish_attempts"`
}

func (r eventRow) envelope(tenantID string) schema.Envelope {
	return schema.Envelope{
		EventID:     r.EventID,
		TenantID:    tenantID,
		ExceptionID: r.ExceptionID,
		EventType:   schema.EventType(r.EventType),
		ActorType:   schema.ActorType(r.ActorType),
		ActorID:     r.ActorID,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
	}
}

const insertEventSQL = `INSERT INTO exception_events
 (tenant_id, event_id, exception_id, event_type, actor_type, actor_id, payload, created_at, topic, publish_status, updated_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
 ON CONFLICT (tenant_id, event_id) DO NOTHING`

func (p *PostgresStore) AppendEvent(ctx context.Context, tenantID string, evt schema.Envelope) (AppendResult, error) {
	return p.AppendEvents(ctx, tenantID, []schema.Envelope{evt})
}

func (p *PostgresStore) AppendEvents(ctx context.Context, tenantID string, evts []schema.Envelope) (AppendResult, error) {
	accepted := 0
	err := p.withTransaction(ctx, "AppendEvents", func(ctx context.Context, tx *sqlx.Tx) error {
		now := time.Now()
		for _, evt := range evts {
			topic, status := publishStateFor(evt)
			res, err := tx.ExecContext(ctx, insertEventSQL,
				tenantID, evt.EventID, evt.ExceptionID, evt.EventType, evt.ActorType,
				evt.ActorID, []byte(evt.Payload), evt.CreatedAt, topic, status, now)
			if err != nil {
				return err
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return err
			}
			accepted += int(rows)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if accepted == 0 {
		return Duplicate, nil
	}
	return Accepted, nil
}

func (p *PostgresStore) EventExists(ctx context.Context, tenantID, eventID string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM exception_events WHERE tenant_id=$1 AND event_id=$2)`,
		tenantID, eventID)
	return exists, err
}

func (p *PostgresStore) ListByException(ctx context.Context, tenantID, exceptionID string) ([]schema.Envelope, error) {
	var rows []eventRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT event_id, exception_id, event_type, actor_type, actor_id, payload, created_at, topic, publish_attempts
         FROM exception_events WHERE tenant_id=$1 AND exception_id=$2
         ORDER BY created_at, seq`,
		tenantID, exceptionID)
	if err != nil {
		return nil, err
	}
	events := make([]schema.Envelope, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.envelope(tenantID))
	}
	return events, nil
}

func (p *PostgresStore) UpsertException(ctx context.Context, tenantID, exceptionID string, patch ExceptionPatch) error {
	status := patch.Status
	if status == "" {
		status = schema.StatusOpen
	}
	var step sql.NullInt64
	if patch.CurrentStep != nil {
		step = sql.NullInt64{Int64: int64(*patch.CurrentStep), Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO exceptions
         (tenant_id, exception_id, status, severity, domain, exception_type, source, summary,
          assigned_playbook_id, assigned_playbook_version, current_step, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, 0), now(), now())
         ON CONFLICT (tenant_id, exception_id) DO UPDATE SET
           status = CASE WHEN $12 = '' THEN exceptions.status ELSE $12 END,
           severity = COALESCE(NULLIF(EXCLUDED.severity, ''), exceptions.severity),
           domain = COALESCE(NULLIF(EXCLUDED.domain, ''), exceptions.domain),
           exception_type = COALESCE(NULLIF(EXCLUDED.exception_type, ''), exceptions.exception_type),
           source = COALESCE(NULLIF(EXCLUDED.source, ''), exceptions.source),
           summary = COALESCE(NULLIF(EXCLUDED.summary, ''), exceptions.summary),
           assigned_playbook_id = COALESCE(NULLIF(EXCLUDED.assigned_playbook_id, ''), exceptions.assigned_playbook_id),
           assigned_playbook_version = CASE WHEN EXCLUDED.assigned_playbook_version = 0
             THEN exceptions.assigned_playbook_version ELSE EXCLUDED.assigned_playbook_version END,
           current_step = CASE WHEN $13 THEN NULLIF($11, 0) ELSE exceptions.current_step END,
           updated_at = now()`,
		tenantID, exceptionID, status, patch.Severity, patch.Domain, patch.ExceptionType,
		patch.Source, patch.Summary, patch.AssignedPlaybookID, patch.AssignedPlaybookVersion,
		step, patch.Status, patch.CurrentStep != nil)
	return err
}

func (p *PostgresStore) ReplaceException(ctx context.Context, tenantID string, rec ExceptionRecord) error {
	var step sql.NullInt64
	if rec.CurrentStep != nil {
		step = sql.NullInt64{Int64: int64(*rec.CurrentStep), Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO exceptions
         (tenant_id, exception_id, status, severity, domain, exception_type, source, summary,
          assigned_playbook_id, assigned_playbook_version, current_step, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
         ON CONFLICT (tenant_id, exception_id) DO UPDATE SET
           status = EXCLUDED.status,
           severity = EXCLUDED.severity,
           domain = EXCLUDED.domain,
           exception_type = EXCLUDED.exception_type,
           source = EXCLUDED.source,
           summary = EXCLUDED.summary,
           assigned_playbook_id = EXCLUDED.assigned_playbook_id,
           assigned_playbook_version = EXCLUDED.assigned_playbook_version,
           current_step = EXCLUDED.current_step,
           created_at = EXCLUDED.created_at,
           updated_at = EXCLUDED.updated_at`,
		tenantID, rec.ExceptionID, rec.Status, rec.Severity, rec.Domain, rec.ExceptionType,
		rec.Source, rec.Summary, rec.AssignedPlaybookID, rec.AssignedPlaybookVersion,
		step, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (p *PostgresStore) GetException(ctx context.Context, tenantID, exceptionID string) (*ExceptionRecord, error) {
	var rec ExceptionRecord
	err := p.db.GetContext(ctx, &rec,
		`SELECT tenant_id, exception_id, status, COALESCE(severity,'') AS severity,
                COALESCE(domain,'') AS domain, COALESCE(exception_type,'') AS exception_type,
                COALESCE(source,'') AS source, COALESCE(summary,'') AS summary,
                COALESCE(assigned_playbook_id,'') AS assigned_playbook_id,
                COALESCE(assigned_playbook_version,0) AS assigned_playbook_version,
                current_step, created_at, updated_at
         FROM exceptions WHERE tenant_id=$1 AND exception_id=$2`,
		tenantID, exceptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const selectExceptionsSQL = `SELECT tenant_id, exception_id, status, COALESCE(severity,'') AS severity,
        COALESCE(domain,'') AS domain, COALESCE(exception_type,'') AS exception_type,
        COALESCE(source,'') AS source, COALESCE(summary,'') AS summary,
        COALESCE(assigned_playbook_id,'') AS assigned_playbook_id,
        COALESCE(assigned_playbook_version,0) AS assigned_playbook_version,
        current_step, created_at, updated_at
 FROM exceptions WHERE tenant_id=$1`

func (p *PostgresStore) ListOpenExceptions(ctx context.Context, tenantID string) ([]ExceptionRecord, error) {
	var recs []ExceptionRecord
	err := p.db.SelectContext(ctx, &recs,
		selectExceptionsSQL+` AND status NOT IN ('resolved','closed') ORDER BY created_at DESC`,
		tenantID)
	return recs, err
}

func (p *PostgresStore) ListExceptions(ctx context.Context, tenantID, status string, limit int) ([]ExceptionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []ExceptionRecord
	if status != "" {
		err := p.db.SelectContext(ctx, &recs,
			selectExceptionsSQL+` AND status=$2 ORDER BY created_at DESC LIMIT $3`,
			tenantID, status, limit)
		return recs, err
	}
	err := p.db.SelectContext(ctx, &recs,
		selectExceptionsSQL+` ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	return recs, err
}

func (p *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := p.db.SelectContext(ctx, &tenants,
		`SELECT DISTINCT tenant_id FROM exception_events ORDER BY tenant_id`)
	return tenants, err
}

func (p *PostgresStore) IncrementDeliveryAttempt(ctx context.Context, tenantID, eventID, workerType string) (int, error) {
	var attempts int
	err := p.db.GetContext(ctx, &attempts,
		`INSERT INTO delivery_attempts (tenant_id, event_id, worker_type, attempts, updated_at)
         VALUES ($1, $2, $3, 1, now())
         ON CONFLICT (tenant_id, event_id, worker_type)
         DO UPDATE SET attempts = delivery_attempts.attempts + 1, updated_at = now()
         RETURNING attempts`,
		tenantID, eventID, workerType)
	return attempts, err
}

func (p *PostgresStore) FetchUnpublished(ctx context.Context, tenantID string, batchSize int) ([]PendingEvent, error) {
	var pending []PendingEvent
	err := p.withTransaction(ctx, "FetchUnpublished", func(ctx context.Context, tx *sqlx.Tx) error {
		var rows []eventRow
		err := tx.SelectContext(ctx, &rows,
			`SELECT event_id, exception_id, event_type, actor_type, actor_id, payload, created_at, topic, publish_attempts
             FROM exception_events
             WHERE tenant_id=$1 AND (publish_status='pending' OR (publish_status='publishing' AND updated_at < $2))
             ORDER BY created_at, seq
             FOR UPDATE SKIP LOCKED LIMIT $3`,
			tenantID, time.Now().Add(-lockExpiration), batchSize)
		if err != nil {
			return err
		}

		// Claim fetched events so a second relay skips them
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx,
				`UPDATE exception_events
                 SET publish_status='publishing', publish_attempts = publish_attempts + 1, updated_at=$1
                 WHERE tenant_id=$2 AND event_id=$3`,
				time.Now(), tenantID, row.EventID); err != nil {
				return err
			}
			pending = append(pending, PendingEvent{
				Envelope: row.envelope(tenantID),
				Topic:    row.Topic,
				Attempts: row.PublishAttempts + 1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (p *PostgresStore) MarkPublished(ctx context.Context, tenantID, eventID string) error {
	return p.setPublishStatus(ctx, "MarkPublished", tenantID, eventID, Published)
}

func (p *PostgresStore) MarkPublishFailed(ctx context.Context, tenantID, eventID string) error {
	return p.setPublishStatus(ctx, "MarkPublishFailed", tenantID, eventID, PublishFailed)
}

func (p *PostgresStore) setPublishStatus(ctx context.Context, spanName, tenantID, eventID string, status PublishStatus) error {
	return p.withTransaction(ctx, spanName, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE exception_events SET publish_status=$1, updated_at=$2 WHERE tenant_id=$3 AND event_id=$4`,
			status, time.Now(), tenantID, eventID)
		return err
	})
}

func (p *PostgresStore) InsertDLQ(ctx context.Context, tenantID string, entry DLQEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO dlq_entries
         (tenant_id, id, event_id, event_type, original_topic, worker_type, failure_reason,
          retry_count, payload, status, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
         ON CONFLICT (tenant_id, id) DO NOTHING`,
		tenantID, entry.ID, entry.EventID, entry.EventType, entry.OriginalTopic,
		entry.WorkerType, entry.FailureReason, entry.RetryCount, entry.Payload,
		entry.Status, entry.CreatedAt, entry.UpdatedAt)
	return err
}

const selectDLQSQL = `SELECT tenant_id, id, event_id, event_type, original_topic, worker_type,
        failure_reason, retry_count, payload, status, created_at, updated_at
 FROM dlq_entries WHERE tenant_id=$1`

func (p *PostgresStore) ListDLQ(ctx context.Context, tenantID, status string) ([]DLQEntry, error) {
	var entries []DLQEntry
	if status != "" {
		err := p.db.SelectContext(ctx, &entries,
			selectDLQSQL+` AND status=$2 ORDER BY created_at DESC`, tenantID, status)
		return entries, err
	}
	err := p.db.SelectContext(ctx, &entries,
		selectDLQSQL+` ORDER BY created_at DESC`, tenantID)
	return entries, err
}

func (p *PostgresStore) GetDLQ(ctx context.Context, tenantID, id string) (*DLQEntry, error) {
	var entry DLQEntry
	err := p.db.GetContext(ctx, &entry, selectDLQSQL+` AND id=$2`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (p *PostgresStore) UpdateDLQ(ctx context.Context, tenantID, id string, patch DLQPatch) error {
	retryDelta := 0
	if patch.IncrementRetry {
		retryDelta = 1
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE dlq_entries SET
           status = CASE WHEN $1 = '' THEN status ELSE $1 END,
           failure_reason = CASE WHEN $2 = '' THEN failure_reason ELSE $2 END,
           retry_count = retry_count + $3,
           updated_at = now()
         WHERE tenant_id=$4 AND id=$5`,
		patch.Status, patch.FailureReason, retryDelta, tenantID, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) InsertPlaybook(ctx context.Context, tenantID string, def schema.PlaybookDefinition) error {
	def.TenantID = tenantID
	body, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO playbooks (tenant_id, playbook_id, version, definition, active, created_at)
         VALUES ($1, $2, $3, $4, $5, now())
         ON CONFLICT (tenant_id, playbook_id, version) DO NOTHING`,
		tenantID, def.PlaybookID, def.Version, body, def.Active)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrImmutableVersion
	}
	return nil
}

func (p *PostgresStore) ListPlaybooks(ctx context.Context, tenantID string) ([]schema.PlaybookDefinition, error) {
	var bodies [][]byte
	err := p.db.SelectContext(ctx, &bodies,
		`SELECT definition FROM playbooks WHERE tenant_id IN ($1, '')
         ORDER BY tenant_id DESC, playbook_id, version`,
		tenantID)
	if err != nil {
		return nil, err
	}
	return decodeDefinitions(bodies)
}

func (p *PostgresStore) GetPlaybook(ctx context.Context, tenantID, playbookID string, version int) (*schema.PlaybookDefinition, error) {
	var body []byte
	var err error
	if version > 0 {
		err = p.db.GetContext(ctx, &body,
			`SELECT definition FROM playbooks
             WHERE tenant_id IN ($1, '') AND playbook_id=$2 AND version=$3
             ORDER BY tenant_id DESC LIMIT 1`,
			tenantID, playbookID, version)
	} else {
		err = p.db.GetContext(ctx, &body,
			`SELECT definition FROM playbooks
             WHERE tenant_id IN ($1, '') AND playbook_id=$2
             ORDER BY version DESC, tenant_id DESC LIMIT 1`,
			tenantID, playbookID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDefinition(body)
}

func (p *PostgresStore) Close(ctx context.Context) error {
	return p.db.Close()
}

func (p *PostgresStore) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()

	tx, ok := ctx.Value(txKey).(*sqlx.Tx)
	if !ok {
		var err error
		tx, err = p.db.BeginTxx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return err
		}
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
		ctx = context.WithValue(ctx, txKey, tx)

		err = fn(ctx, tx)
		if err != nil {
			span.RecordError(err)
			return err
		}
		addDBStatsToSpan(span, spanName, 0, time.Since(start))
		return nil
	}

	if err := fn(ctx, tx); err != nil {
		span.RecordError(err)
		return err
	}
	addDBStatsToSpan(span, spanName, 0, time.Since(start))
	return nil
}
