package repository

// Schema definitions for the Harrier record store.
// Compatible with both SQLite and PostgreSQL.

// schemaRecords holds every persisted document. Keys are namespaced by family
// (fingerprints, usage, rules, assessments, patterns, reviews) and versioned
// for optimistic concurrency.
const schemaRecords = `
CREATE TABLE IF NOT EXISTS kv_records (
    record_key TEXT PRIMARY KEY,
    family TEXT NOT NULL,
    value TEXT NOT NULL,
    version BIGINT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaRecordIndexes = `
CREATE INDEX IF NOT EXISTS idx_kv_records_family ON kv_records(family);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRecords,
		schemaRecordIndexes,
	}
}
