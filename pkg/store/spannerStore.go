package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-remedy/schema"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerStore implements ExceptionStore over Cloud Spanner. Batch appends
// ride a single Apply so the AlreadyExists signal is atomic for the whole
// batch.
type SpannerStore struct {
	client *spanner.Client
}

var eventColumns = []string{
	"TenantID", "EventID", "ExceptionID", "EventType", "ActorType", "ActorID",
	"Payload", "CreatedAt", "Topic", "PublishStatus", "PublishAttempts", "UpdatedAt",
}

func (s *SpannerStore) AppendEvent(ctx context.Context, tenantID string, evt schema.Envelope) (AppendResult, error) {
	return s.AppendEvents(ctx, tenantID, []schema.Envelope{evt})
}

func (s *SpannerStore) AppendEvents(ctx context.Context, tenantID string, evts []schema.Envelope) (AppendResult, error) {
	muts := make([]*spanner.Mutation, 0, len(evts))
	now := time.Now()
	for _, evt := range evts {
		topic, status := publishStateFor(evt)
		muts = append(muts, spanner.Insert("ExceptionEvents", eventColumns, []interface{}{
			tenantID, evt.EventID, evt.ExceptionID, string(evt.EventType), string(evt.ActorType),
			evt.ActorID, []byte(evt.Payload), evt.CreatedAt, topic, string(status), int64(0), now,
		}))
	}

	_, err := s.client.Apply(ctx, muts)
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return Duplicate, nil
	}
	if err != nil {
		return "", err
	}
	return Accepted, nil
}

func (s *SpannerStore) EventExists(ctx context.Context, tenantID, eventID string) (bool, error) {
	_, err := s.client.Single().ReadRow(ctx, "ExceptionEvents",
		spanner.Key{tenantID, eventID}, []string{"EventID"})
	if spanner.ErrCode(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SpannerStore) ListByException(ctx context.Context, tenantID, exceptionID string) ([]schema.Envelope, error) {
	stmt := spanner.Statement{
		SQL: `SELECT EventID, ExceptionID, EventType, ActorType, ActorID, Payload, CreatedAt
              FROM ExceptionEvents
              WHERE TenantID = @tenantID AND ExceptionID = @exceptionID
              ORDER BY CreatedAt, EventID`,
		Params: map[string]interface{}{
			"tenantID":    tenantID,
			"exceptionID": exceptionID,
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []schema.Envelope
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var evt schema.Envelope
		var eventType, actorType string
		var payload []byte
		if err := row.Columns(&evt.EventID, &evt.ExceptionID, &eventType, &actorType,
			&evt.ActorID, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.TenantID = tenantID
		evt.EventType = schema.EventType(eventType)
		evt.ActorType = schema.ActorType(actorType)
		evt.Payload = payload
		events = append(events, evt)
	}
	return events, nil
}

func (s *SpannerStore) UpsertException(ctx context.Context, tenantID, exceptionID string, patch ExceptionPatch) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		rec, err := s.readException(ctx, txn, tenantID, exceptionID)
		if err == ErrNotFound {
			rec = &ExceptionRecord{
				TenantID:    tenantID,
				ExceptionID: exceptionID,
				Status:      schema.StatusOpen,
				CreatedAt:   time.Now(),
			}
		} else if err != nil {
			return err
		}
		patch.apply(rec, time.Now())

		var step spanner.NullInt64
		if rec.CurrentStep != nil {
			step = spanner.NullInt64{Int64: int64(*rec.CurrentStep), Valid: true}
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate("Exceptions",
				[]string{"TenantID", "ExceptionID", "Status", "Severity", "Domain", "ExceptionType",
					"Source", "Summary", "AssignedPlaybookID", "AssignedPlaybookVersion",
					"CurrentStep", "CreatedAt", "UpdatedAt"},
				[]interface{}{tenantID, exceptionID, rec.Status, rec.Severity, rec.Domain,
					rec.ExceptionType, rec.Source, rec.Summary, rec.AssignedPlaybookID,
					int64(rec.AssignedPlaybookVersion), step, rec.CreatedAt, rec.UpdatedAt}),
		})
	})
	return err
}

type spannerRowReader interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
}

func (s *SpannerStore) readException(ctx context.Context, reader spannerRowReader, tenantID, exceptionID string) (*ExceptionRecord, error) {
	row, err := reader.ReadRow(ctx, "Exceptions", spanner.Key{tenantID, exceptionID},
		[]string{"TenantID", "ExceptionID", "Status", "Severity", "Domain", "ExceptionType",
			"Source", "Summary", "AssignedPlaybookID", "AssignedPlaybookVersion",
			"CurrentStep", "CreatedAt", "UpdatedAt"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanExceptionRow(row)
}

func scanExceptionRow(row *spanner.Row) (*ExceptionRecord, error) {
	var rec ExceptionRecord
	var version int64
	var step spanner.NullInt64
	if err := row.Columns(&rec.TenantID, &rec.ExceptionID, &rec.Status, &rec.Severity,
		&rec.Domain, &rec.ExceptionType, &rec.Source, &rec.Summary,
		&rec.AssignedPlaybookID, &version, &step, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.AssignedPlaybookVersion = int(version)
	if step.Valid {
		value := int(step.Int64)
		rec.CurrentStep = &value
	}
	return &rec, nil
}

func (s *SpannerStore) ReplaceException(ctx context.Context, tenantID string, rec ExceptionRecord) error {
	var step spanner.NullInt64
	if rec.CurrentStep != nil {
		step = spanner.NullInt64{Int64: int64(*rec.CurrentStep), Valid: true}
	}
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("Exceptions",
			[]string{"TenantID", "ExceptionID", "Status", "Severity", "Domain", "ExceptionType",
				"Source", "Summary", "AssignedPlaybookID", "AssignedPlaybookVersion",
				"CurrentStep", "CreatedAt", "UpdatedAt"},
			[]interface{}{tenantID, rec.ExceptionID, rec.Status, rec.Severity, rec.Domain,
				rec.ExceptionType, rec.Source, rec.Summary, rec.AssignedPlaybookID,
				int64(rec.AssignedPlaybookVersion), step, rec.CreatedAt, rec.UpdatedAt}),
	})
	return err
}

func (s *SpannerStore) GetException(ctx context.Context, tenantID, exceptionID string) (*ExceptionRecord, error) {
	return s.readException(ctx, s.client.Single(), tenantID, exceptionID)
}

const selectExceptionsSpanner = `SELECT TenantID, ExceptionID, Status, Severity, Domain, ExceptionType,
        Source, Summary, AssignedPlaybookID, AssignedPlaybookVersion, CurrentStep, CreatedAt, UpdatedAt
 FROM Exceptions WHERE TenantID = @tenantID`

func (s *SpannerStore) ListOpenExceptions(ctx context.Context, tenantID string) ([]ExceptionRecord, error) {
	stmt := spanner.Statement{
		SQL: selectExceptionsSpanner + ` AND Status NOT IN ('resolved', 'closed') ORDER BY CreatedAt DESC`,
		Params: map[string]interface{}{
			"tenantID": tenantID,
		},
	}
	return s.queryExceptions(ctx, stmt)
}

func (s *SpannerStore) ListExceptions(ctx context.Context, tenantID, status string, limit int) ([]ExceptionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := selectExceptionsSpanner
	params := map[string]interface{}{
		"tenantID": tenantID,
		"limit":    int64(limit),
	}
	if status != "" {
		sql += ` AND Status = @status`
		params["status"] = status
	}
	sql += ` ORDER BY CreatedAt DESC LIMIT @limit`
	return s.queryExceptions(ctx, spanner.Statement{SQL: sql, Params: params})
}

func (s *SpannerStore) queryExceptions(ctx context.Context, stmt spanner.Statement) ([]ExceptionRecord, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var recs []ExceptionRecord
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		rec, err := scanExceptionRow(row)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

func (s *SpannerStore) ListTenants(ctx context.Context) ([]string, error) {
	stmt := spanner.Statement{SQL: `SELECT DISTINCT TenantID FROM ExceptionEvents ORDER BY TenantID`}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var tenants []string
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var id string
		if err := row.Columns(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, nil
}

func (s *SpannerStore) IncrementDeliveryAttempt(ctx context.Context, tenantID, eventID, workerType string) (int, error) {
	var attempts int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "DeliveryAttempts",
			spanner.Key{tenantID, eventID, workerType}, []string{"Attempts"})
		switch {
		case spanner.ErrCode(err) == codes.NotFound:
			attempts = 1
		case err != nil:
			return err
		default:
			if err := row.Columns(&attempts); err != nil {
				return err
			}
			attempts++
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate("DeliveryAttempts",
				[]string{"TenantID", "EventID", "WorkerType", "Attempts", "UpdatedAt"},
				[]interface{}{tenantID, eventID, workerType, attempts, time.Now()}),
		})
	})
	if err != nil {
		return 0, err
	}
	return int(attempts), nil
}

func (s *SpannerStore) FetchUnpublished(ctx context.Context, tenantID string, batchSize int) ([]PendingEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT EventID, ExceptionID, EventType, ActorType, ActorID, Payload, CreatedAt, Topic, PublishAttempts
              FROM ExceptionEvents
              WHERE TenantID = @tenantID
                AND (PublishStatus = @statusPending OR (PublishStatus = @statusInProgress AND UpdatedAt < @lockExpiration))
              ORDER BY CreatedAt, EventID
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"tenantID":         tenantID,
			"statusPending":    string(PublishPending),
			"statusInProgress": string(PublishInProgress),
			"lockExpiration":   time.Now().Add(-lockExpiration),
			"batchSize":        int64(batchSize),
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var pending []PendingEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var evt schema.Envelope
		var eventType, actorType, topic string
		var payload []byte
		var attempts int64
		if err := row.Columns(&evt.EventID, &evt.ExceptionID, &eventType, &actorType,
			&evt.ActorID, &payload, &evt.CreatedAt, &topic, &attempts); err != nil {
			return nil, err
		}
		evt.TenantID = tenantID
		evt.EventType = schema.EventType(eventType)
		evt.ActorType = schema.ActorType(actorType)
		evt.Payload = payload
		pending = append(pending, PendingEvent{Envelope: evt, Topic: topic, Attempts: int(attempts) + 1})
	}

	// Claim fetched events
	for _, evt := range pending {
		if err := s.claimEvent(ctx, tenantID, evt.Envelope.EventID); err != nil {
			return nil, err
		}
	}

	return pending, nil
}

func (s *SpannerStore) claimEvent(ctx context.Context, tenantID, eventID string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE ExceptionEvents
                  SET PublishStatus = @status, PublishAttempts = PublishAttempts + 1, UpdatedAt = CURRENT_TIMESTAMP()
                  WHERE TenantID = @tenantID AND EventID = @eventID`,
			Params: map[string]interface{}{
				"status":   string(PublishInProgress),
				"tenantID": tenantID,
				"eventID":  eventID,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerStore) MarkPublished(ctx context.Context, tenantID, eventID string) error {
	return s.setPublishStatus(ctx, tenantID, eventID, Published)
}

func (s *SpannerStore) MarkPublishFailed(ctx context.Context, tenantID, eventID string) error {
	return s.setPublishStatus(ctx, tenantID, eventID, PublishFailed)
}

func (s *SpannerStore) setPublishStatus(ctx context.Context, tenantID, eventID string, status PublishStatus) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE ExceptionEvents SET PublishStatus = @status, UpdatedAt = CURRENT_TIMESTAMP()
                  WHERE TenantID = @tenantID AND EventID = @eventID`,
			Params: map[string]interface{}{
				"status":   string(status),
				"tenantID": tenantID,
				"eventID":  eventID,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

var dlqColumns = []string{
	"TenantID", "Id", "EventID", "EventType", "OriginalTopic", "WorkerType",
	"FailureReason", "RetryCount", "Payload", "Status", "CreatedAt", "UpdatedAt",
}

func (s *SpannerStore) InsertDLQ(ctx context.Context, tenantID string, entry DLQEntry) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("DLQEntries", dlqColumns, []interface{}{
			tenantID, entry.ID, entry.EventID, entry.EventType, entry.OriginalTopic,
			entry.WorkerType, entry.FailureReason, int64(entry.RetryCount), entry.Payload,
			string(entry.Status), entry.CreatedAt, entry.UpdatedAt,
		}),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return nil
	}
	return err
}

func (s *SpannerStore) ListDLQ(ctx context.Context, tenantID, status string) ([]DLQEntry, error) {
	sql := `SELECT TenantID, Id, EventID, EventType, OriginalTopic, WorkerType,
                   FailureReason, RetryCount, Payload, Status, CreatedAt, UpdatedAt
            FROM DLQEntries WHERE TenantID = @tenantID`
	params := map[string]interface{}{"tenantID": tenantID}
	if status != "" {
		sql += ` AND Status = @status`
		params["status"] = status
	}
	sql += ` ORDER BY CreatedAt DESC`

	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: sql, Params: params})
	defer iter.Stop()

	var entries []DLQEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		entry, err := scanDLQRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func scanDLQRow(row *spanner.Row) (*DLQEntry, error) {
	var entry DLQEntry
	var retryCount int64
	var status string
	if err := row.Columns(&entry.TenantID, &entry.ID, &entry.EventID, &entry.EventType,
		&entry.OriginalTopic, &entry.WorkerType, &entry.FailureReason, &retryCount,
		&entry.Payload, &status, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return nil, err
	}
	entry.RetryCount = int(retryCount)
	entry.Status = DLQStatus(status)
	return &entry, nil
}

func (s *SpannerStore) GetDLQ(ctx context.Context, tenantID, id string) (*DLQEntry, error) {
	row, err := s.client.Single().ReadRow(ctx, "DLQEntries", spanner.Key{tenantID, id}, dlqColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanDLQRow(row)
}

func (s *SpannerStore) UpdateDLQ(ctx context.Context, tenantID, id string, patch DLQPatch) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "DLQEntries", spanner.Key{tenantID, id},
			[]string{"Status", "FailureReason", "RetryCount"})
		if spanner.ErrCode(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var status, reason string
		var retryCount int64
		if err := row.Columns(&status, &reason, &retryCount); err != nil {
			return err
		}
		if patch.Status != "" {
			status = string(patch.Status)
		}
		if patch.FailureReason != "" {
			reason = patch.FailureReason
		}
		if patch.IncrementRetry {
			retryCount++
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("DLQEntries",
				[]string{"TenantID", "Id", "Status", "FailureReason", "RetryCount", "UpdatedAt"},
				[]interface{}{tenantID, id, status, reason, retryCount, time.Now()}),
		})
	})
	return err
}

func (s *SpannerStore) InsertPlaybook(ctx context.Context, tenantID string, def schema.PlaybookDefinition) error {
	def.TenantID = tenantID
	body, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	_, err = s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("Playbooks",
			[]string{"TenantID", "PlaybookID", "Version", "Definition", "Active", "CreatedAt"},
			[]interface{}{tenantID, def.PlaybookID, int64(def.Version), body, def.Active, time.Now()}),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return ErrImmutableVersion
	}
	return err
}

func (s *SpannerStore) ListPlaybooks(ctx context.Context, tenantID string) ([]schema.PlaybookDefinition, error) {
	stmt := spanner.Statement{
		SQL: `SELECT Definition FROM Playbooks
              WHERE TenantID IN (@tenantID, '')
              ORDER BY PlaybookID, Version`,
		Params: map[string]interface{}{"tenantID": tenantID},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var bodies [][]byte
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var body []byte
		if err := row.Columns(&body); err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
	}
	return decodeDefinitions(bodies)
}

func (s *SpannerStore) GetPlaybook(ctx context.Context, tenantID, playbookID string, version int) (*schema.PlaybookDefinition, error) {
	sql := `SELECT Definition FROM Playbooks
            WHERE TenantID IN (@tenantID, '') AND PlaybookID = @playbookID`
	params := map[string]interface{}{
		"tenantID":   tenantID,
		"playbookID": playbookID,
	}
	if version > 0 {
		sql += ` AND Version = @version`
		params["version"] = int64(version)
	}
	sql += ` ORDER BY Version DESC, TenantID DESC LIMIT 1`

	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: sql, Params: params})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var body []byte
	if err := row.Columns(&body); err != nil {
		return nil, err
	}
	return decodeDefinition(body)
}

func (s *SpannerStore) Close(ctx context.Context) error {
	s.client.Close()
	return nil
}
