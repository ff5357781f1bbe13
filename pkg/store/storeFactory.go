package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/jmoiron/sqlx"
	"github.com/zoff-tech/go-remedy/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var NewSpannerStoreFactory = func(client *spanner.Client) ExceptionStore {
	return &SpannerStore{client: client}
}

var NewMongoStoreFactory = func(client *mongo.Client, database string) ExceptionStore {
	return NewMongoStore(client, database)
}

func NewStore(ctx context.Context, cfg config.StoreSettings) (ExceptionStore, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlx.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoStoreFactory(client, cfg.Database), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerStoreFactory(client), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
