package config

// StoreSettings holds configuration for the event store backend.
type StoreSettings struct {
	Type     string `validate:"required,oneof=postgres mongo spanner memory"`
	DSN      string // Postgres connection string
	URI      string // Mongo connection URI or Spanner database path
	Database string // Mongo database name
}
