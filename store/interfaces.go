// Package store implements the durable document-store tier (DB). It defines
// a single DocumentStore contract with two concrete backends — MongoDB
// (selected by mongoConfig, the specification's literal configuration
// field) and CouchDB (selected by the optional couchConfig) — so either of
// the pack's document-store technologies can back a service without any
// other package knowing which one is in play.
package store

import (
	"context"

	"eve.evalgo.org/entity"
)

// DocumentStore is the collaborator contract named in the specification's
// External Interfaces section: upsertBatch, findByKey, findByField,
// findAll, ensureIndex.
type DocumentStore interface {
	// UpsertBatch writes every record, one document per uuid, overwriting
	// any existing document with the same uuid.
	UpsertBatch(ctx context.Context, records []*entity.Record) error

	// FindByKey returns the document for uuid, or ok=false if absent.
	FindByKey(ctx context.Context, uuid string) (rec *entity.Record, ok bool, err error)

	// FindByField returns every document whose attribute or entityType
	// field matches value. field is either "entityType" or an attribute
	// key; sparse, when true, is a hint that only documents which declare
	// the field at all should be scanned (relevant to backends with
	// sparse indexes).
	FindByField(ctx context.Context, field, value string, sparse bool) ([]*entity.Record, error)

	// FindByRelationship returns every document whose relationship set for
	// relType contains targetUUID.
	FindByRelationship(ctx context.Context, relType, targetUUID string) ([]*entity.Record, error)

	// FindAll returns every document of the given entityType.
	FindAll(ctx context.Context, entityType string) ([]*entity.Record, error)

	// EnsureIndex creates an index over field if it does not already exist.
	// field is either "entityType" or an attribute key; relationship fields
	// are not indexed. sparse is a hint for backends with sparse indexes.
	// Safe to call repeatedly.
	EnsureIndex(ctx context.Context, field string, sparse bool) error

	// Close releases any held connection.
	Close(ctx context.Context) error
}
