package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/zoff-tech/go-remedy/schema"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoStore implements ExceptionStore over MongoDB. A unique index on
// {tenant_id, event_id} in the events collection is what makes append
// idempotent; duplicate inserts surface as duplicate-key errors.
type MongoStore struct {
	client   *mongo.Client
	database string
	seq      atomic.Int64 // insertion tiebreaker within this process
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{client: client, database: database}
}

func (m *MongoStore) events() *mongo.Collection     { return m.client.Database(m.database).Collection("exception_events") }
func (m *MongoStore) exceptions() *mongo.Collection { return m.client.Database(m.database).Collection("exceptions") }
func (m *MongoStore) attempts() *mongo.Collection   { return m.client.Database(m.database).Collection("delivery_attempts") }
func (m *MongoStore) dlq() *mongo.Collection        { return m.client.Database(m.database).Collection("dlq_entries") }
func (m *MongoStore) playbooks() *mongo.Collection  { return m.client.Database(m.database).Collection("playbooks") }

type mongoEvent struct {
	TenantID        string    `bson:"tenant_id"`
	EventID         string    `bson:"event_id"`
	ExceptionID     string    `bson:"exception_id"`
	EventType       string    `bson:"event_type"`
	ActorType       string    `bson:"actor_type"`
	ActorID         string    `bson:"actor_id"`
	Payload         []byte    `bson:"payload"`
	CreatedAt       time.Time `bson:"created_at"`
	Seq             int64     `bson:"seq"`
	Topic           string    `bson:"topic"`
	PublishStatus   string    `bson:"publish_status"`
	PublishAttempts int       `bson:"publish_attempts"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func (e mongoEvent) envelope() schema.Envelope {
	return schema.Envelope{
		EventID:     e.EventID,
		TenantID:    e.TenantID,
		ExceptionID: e.ExceptionID,
		EventType:   schema.EventType(e.EventType),
		ActorType:   schema.ActorType(e.ActorType),
		ActorID:     e.ActorID,
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
	}
}

func (m *MongoStore) AppendEvent(ctx context.Context, tenantID string, evt schema.Envelope) (AppendResult, error) {
	return m.AppendEvents(ctx, tenantID, []schema.Envelope{evt})
}

func (m *MongoStore) AppendEvents(ctx context.Context, tenantID string, evts []schema.Envelope) (AppendResult, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "AppendEvents")
	defer span.End()

	startTime := time.Now()

	accepted := 0
	for _, evt := range evts {
		topic, status := publishStateFor(evt)
		doc := mongoEvent{
			TenantID:      tenantID,
			EventID:       evt.EventID,
			ExceptionID:   evt.ExceptionID,
			EventType:     string(evt.EventType),
			ActorType:     string(evt.ActorType),
			ActorID:       evt.ActorID,
			Payload:       evt.Payload,
			CreatedAt:     evt.CreatedAt,
			Seq:           m.seq.Add(1),
			Topic:         topic,
			PublishStatus: string(status),
			UpdatedAt:     time.Now(),
		}
		_, err := m.events().InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		accepted++
	}

	addDBStatsToSpan(span, "AppendEvents", accepted, time.Since(startTime))

	if accepted == 0 {
		return Duplicate, nil
	}
	return Accepted, nil
}

func (m *MongoStore) EventExists(ctx context.Context, tenantID, eventID string) (bool, error) {
	count, err := m.events().CountDocuments(ctx, bson.M{"tenant_id": tenantID, "event_id": eventID})
	return count > 0, err
}

func (m *MongoStore) ListByException(ctx context.Context, tenantID, exceptionID string) ([]schema.Envelope, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := m.events().Find(ctx, bson.M{"tenant_id": tenantID, "exception_id": exceptionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []schema.Envelope
	for cursor.Next(ctx) {
		var doc mongoEvent
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, doc.envelope())
	}
	return events, cursor.Err()
}

func (m *MongoStore) UpsertException(ctx context.Context, tenantID, exceptionID string, patch ExceptionPatch) error {
	now := time.Now()
	set := bson.M{"updated_at": now}
	if patch.Status != "" {
		set["status"] = patch.Status
	}
	if patch.Severity != "" {
		set["severity"] = patch.Severity
	}
	if patch.Domain != "" {
		set["domain"] = patch.Domain
	}
	if patch.ExceptionType != "" {
		set["exception_type"] = patch.ExceptionType
	}
	if patch.Source != "" {
		set["source"] = patch.Source
	}
	if patch.Summary != "" {
		set["summary"] = patch.Summary
	}
	if patch.AssignedPlaybookID != "" {
		set["assigned_playbook_id"] = patch.AssignedPlaybookID
	}
	if patch.AssignedPlaybookVersion != 0 {
		set["assigned_playbook_version"] = patch.AssignedPlaybookVersion
	}
	if patch.CurrentStep != nil {
		if *patch.CurrentStep == 0 {
			set["current_step"] = nil
		} else {
			set["current_step"] = *patch.CurrentStep
		}
	}

	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"tenant_id":    tenantID,
			"exception_id": exceptionID,
			"created_at":   now,
		},
	}
	if patch.Status == "" {
		update["$setOnInsert"].(bson.M)["status"] = schema.StatusOpen
	}

	filter := bson.M{"tenant_id": tenantID, "exception_id": exceptionID}
	_, err := m.exceptions().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (m *MongoStore) ReplaceException(ctx context.Context, tenantID string, rec ExceptionRecord) error {
	rec.TenantID = tenantID
	filter := bson.M{"tenant_id": tenantID, "exception_id": rec.ExceptionID}
	_, err := m.exceptions().ReplaceOne(ctx, filter, rec, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStore) GetException(ctx context.Context, tenantID, exceptionID string) (*ExceptionRecord, error) {
	var rec ExceptionRecord
	err := m.exceptions().FindOne(ctx, bson.M{"tenant_id": tenantID, "exception_id": exceptionID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *MongoStore) ListOpenExceptions(ctx context.Context, tenantID string) ([]ExceptionRecord, error) {
	filter := bson.M{
		"tenant_id": tenantID,
		"status":    bson.M{"$nin": []string{schema.StatusResolved, schema.StatusClosed}},
	}
	return m.findExceptions(ctx, filter, 0)
}

func (m *MongoStore) ListExceptions(ctx context.Context, tenantID, status string, limit int) ([]ExceptionRecord, error) {
	filter := bson.M{"tenant_id": tenantID}
	if status != "" {
		filter["status"] = status
	}
	return m.findExceptions(ctx, filter, limit)
}

func (m *MongoStore) findExceptions(ctx context.Context, filter bson.M, limit int) ([]ExceptionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := m.exceptions().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []ExceptionRecord
	for cursor.Next(ctx) {
		var rec ExceptionRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, cursor.Err()
}

func (m *MongoStore) ListTenants(ctx context.Context) ([]string, error) {
	values, err := m.events().Distinct(ctx, "tenant_id", bson.M{})
	if err != nil {
		return nil, err
	}
	tenants := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			tenants = append(tenants, s)
		}
	}
	return tenants, nil
}

func (m *MongoStore) IncrementDeliveryAttempt(ctx context.Context, tenantID, eventID, workerType string) (int, error) {
	filter := bson.M{"tenant_id": tenantID, "event_id": eventID, "worker_type": workerType}
	update := bson.M{
		"$inc": bson.M{"attempts": 1},
		"$set": bson.M{"updated_at": time.Now()},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc struct {
		Attempts int `bson:"attempts"`
	}
	if err := m.attempts().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Attempts, nil
}

func (m *MongoStore) FetchUnpublished(ctx context.Context, tenantID string, batchSize int) ([]PendingEvent, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FetchUnpublished")
	defer span.End()

	startTime := time.Now()

	filter := bson.M{
		"tenant_id": tenantID,
		"$or": []bson.M{
			{"publish_status": string(PublishPending)},
			{"publish_status": string(PublishInProgress), "updated_at": bson.M{"$lt": time.Now().Add(-lockExpiration)}},
		},
	}
	opts := options.Find().SetLimit(int64(batchSize)).SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := m.events().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoEvent
	for cursor.Next(ctx) {
		var doc mongoEvent
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Claim fetched events
	var pending []PendingEvent
	for _, doc := range docs {
		_, err := m.events().UpdateOne(ctx,
			bson.M{"tenant_id": tenantID, "event_id": doc.EventID},
			bson.M{
				"$set": bson.M{"publish_status": string(PublishInProgress), "updated_at": time.Now()},
				"$inc": bson.M{"publish_attempts": 1},
			})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		pending = append(pending, PendingEvent{
			Envelope: doc.envelope(),
			Topic:    doc.Topic,
			Attempts: doc.PublishAttempts + 1,
		})
	}

	addDBStatsToSpan(span, "FetchUnpublished", len(pending), time.Since(startTime))

	return pending, nil
}

func (m *MongoStore) MarkPublished(ctx context.Context, tenantID, eventID string) error {
	return m.setPublishStatus(ctx, tenantID, eventID, Published)
}

func (m *MongoStore) MarkPublishFailed(ctx context.Context, tenantID, eventID string) error {
	return m.setPublishStatus(ctx, tenantID, eventID, PublishFailed)
}

func (m *MongoStore) setPublishStatus(ctx context.Context, tenantID, eventID string, status PublishStatus) error {
	_, err := m.events().UpdateOne(ctx,
		bson.M{"tenant_id": tenantID, "event_id": eventID},
		bson.M{"$set": bson.M{"publish_status": string(status), "updated_at": time.Now()}})
	return err
}

func (m *MongoStore) InsertDLQ(ctx context.Context, tenantID string, entry DLQEntry) error {
	entry.TenantID = tenantID
	_, err := m.dlq().InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (m *MongoStore) ListDLQ(ctx context.Context, tenantID, status string) ([]DLQEntry, error) {
	filter := bson.M{"tenant_id": tenantID}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := m.dlq().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []DLQEntry
	for cursor.Next(ctx) {
		var entry DLQEntry
		if err := cursor.Decode(&entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, cursor.Err()
}

func (m *MongoStore) GetDLQ(ctx context.Context, tenantID, id string) (*DLQEntry, error) {
	var entry DLQEntry
	err := m.dlq().FindOne(ctx, bson.M{"tenant_id": tenantID, "id": id}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *MongoStore) UpdateDLQ(ctx context.Context, tenantID, id string, patch DLQPatch) error {
	set := bson.M{"updated_at": time.Now()}
	if patch.Status != "" {
		set["status"] = patch.Status
	}
	if patch.FailureReason != "" {
		set["failure_reason"] = patch.FailureReason
	}
	update := bson.M{"$set": set}
	if patch.IncrementRetry {
		update["$inc"] = bson.M{"retry_count": 1}
	}
	res, err := m.dlq().UpdateOne(ctx, bson.M{"tenant_id": tenantID, "id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type mongoPlaybook struct {
	TenantID   string `bson:"tenant_id"`
	PlaybookID string `bson:"playbook_id"`
	Version    int    `bson:"version"`
	Definition []byte `bson:"definition"`
}

func (m *MongoStore) InsertPlaybook(ctx context.Context, tenantID string, def schema.PlaybookDefinition) error {
	def.TenantID = tenantID
	body, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	doc := mongoPlaybook{
		TenantID:   tenantID,
		PlaybookID: def.PlaybookID,
		Version:    def.Version,
		Definition: body,
	}
	_, err = m.playbooks().InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrImmutableVersion
	}
	return err
}

func (m *MongoStore) ListPlaybooks(ctx context.Context, tenantID string) ([]schema.PlaybookDefinition, error) {
	filter := bson.M{"tenant_id": bson.M{"$in": []string{tenantID, ""}}}
	opts := options.Find().SetSort(bson.D{{Key: "playbook_id", Value: 1}, {Key: "version", Value: 1}})
	cursor, err := m.playbooks().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var bodies [][]byte
	for cursor.Next(ctx) {
		var doc mongoPlaybook
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		bodies = append(bodies, doc.Definition)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return decodeDefinitions(bodies)
}

func (m *MongoStore) GetPlaybook(ctx context.Context, tenantID, playbookID string, version int) (*schema.PlaybookDefinition, error) {
	filter := bson.M{
		"tenant_id":   bson.M{"$in": []string{tenantID, ""}},
		"playbook_id": playbookID,
	}
	if version > 0 {
		filter["version"] = version
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}, {Key: "tenant_id", Value: -1}})

	var doc mongoPlaybook
	err := m.playbooks().FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDefinition(doc.Definition)
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
