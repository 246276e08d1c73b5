package store

import (
	"context"
	"encoding/json"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // registers the "couch" driver

	"eve.evalgo.org/entity"
)

// CouchConfig selects the alternate, optional DB backend.
type CouchConfig struct {
	URL      string
	Database string
	User     string
	Password string
}

// CouchStore is the secondary DocumentStore backend, adapted from the
// teacher's CouchDBRepository: it preserves the revision-fetch-before-Put
// discipline CouchDB requires, generalized from the teacher's workflow/
// action documents to entity records.
type CouchStore struct {
	client *kivik.Client
	db     *kivik.DB
}

// NewCouchStore connects to CouchDB and ensures the target database exists.
func NewCouchStore(ctx context.Context, cfg CouchConfig) (*CouchStore, error) {
	dsn := cfg.URL
	if cfg.User != "" {
		dsn = fmt.Sprintf("http://%s:%s@%s", cfg.User, cfg.Password, stripScheme(cfg.URL))
	}
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: couch connect: %w", err)
	}

	exists, err := client.DBExists(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("store: couch db exists check: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, cfg.Database); err != nil {
			return nil, fmt.Errorf("store: couch create db: %w", err)
		}
	}

	db := client.DB(cfg.Database)
	if err := db.Err(); err != nil {
		return nil, fmt.Errorf("store: couch open db: %w", err)
	}

	return &CouchStore{client: client, db: db}, nil
}

func stripScheme(url string) string {
	for i := 0; i < len(url)-2; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			return url[i+2:]
		}
	}
	return url
}

type couchDoc struct {
	ID               string              `json:"_id"`
	Rev              string              `json:"_rev,omitempty"`
	UUID             string              `json:"uuid"`
	EntityType       string              `json:"entityType"`
	Attributes       map[string]string   `json:"attributes"`
	Relationships    map[string][]string `json:"relationships"`
	Version          uint64              `json:"version"`
	LastModifiedTime int64               `json:"lastModifiedTime"`

	// Extra carries any vendor-specific top-level keys entity.Record itself
	// preserves via its own Extra field, so a round-trip through CouchDB
	// never drops them. CouchDB documents are plain JSON, so these ride
	// along inline without any conversion.
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON emits the known fields plus any preserved Extra fields,
// mirroring entity.Record's own MarshalJSON so the two stay in lockstep.
func (d couchDoc) MarshalJSON() ([]byte, error) {
	type alias couchDoc
	known, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON preserves unrecognized top-level fields in Extra.
func (d *couchDoc) UnmarshalJSON(data []byte) error {
	type alias couchDoc
	aux := struct{ *alias }{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]struct{}{
		"_id": {}, "_rev": {}, "uuid": {}, "entityType": {}, "attributes": {},
		"relationships": {}, "version": {}, "lastModifiedTime": {},
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		d.Extra = extra
	}
	return nil
}

func toCouchDoc(r *entity.Record, rev string) couchDoc {
	return couchDoc{
		ID:               r.UUID,
		Rev:              rev,
		UUID:             r.UUID,
		EntityType:       r.EntityType,
		Attributes:       r.Attributes,
		Relationships:    r.Relationships,
		Version:          r.Version,
		LastModifiedTime: r.LastModifiedTime,
		Extra:            r.Extra,
	}
}

func (d couchDoc) toRecord() *entity.Record {
	return &entity.Record{
		UUID:             d.UUID,
		EntityType:       d.EntityType,
		Attributes:       d.Attributes,
		Relationships:    d.Relationships,
		Version:          d.Version,
		LastModifiedTime: d.LastModifiedTime,
		Extra:            d.Extra,
	}
}

// existingRev fetches the current _rev for id, or "" if the document
// doesn't exist yet — the same "fetch before Put" step the teacher's
// SaveAction/SaveWorkflow perform to avoid CouchDB update conflicts.
func (s *CouchStore) existingRev(ctx context.Context, id string) string {
	var existing couchDoc
	if err := s.db.Get(ctx, id).ScanDoc(&existing); err == nil {
		return existing.Rev
	}
	return ""
}

// UpsertBatch writes every record via BulkDocs, fetching each one's current
// revision first so updates to already-stored entities don't conflict.
func (s *CouchStore) UpsertBatch(ctx context.Context, records []*entity.Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(records))
	for _, r := range records {
		docs = append(docs, toCouchDoc(r, s.existingRev(ctx, r.UUID)))
	}
	rows := s.db.BulkDocs(ctx, docs)
	defer rows.Close()
	for rows.Next() {
		if err := rows.UpdateErr(); err != nil {
			return fmt.Errorf("store: couch bulk upsert: %w", err)
		}
	}
	return rows.Err()
}

// FindByKey fetches a single document by uuid (its CouchDB _id).
func (s *CouchStore) FindByKey(ctx context.Context, uuid string) (*entity.Record, bool, error) {
	var doc couchDoc
	err := s.db.Get(ctx, uuid).ScanDoc(&doc)
	if kivik.HTTPStatus(err) == 404 {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: couch find by key: %w", err)
	}
	return doc.toRecord(), true, nil
}

// FindByField uses a Mango selector, mirroring the teacher's ListActions
// selector-based query.
func (s *CouchStore) FindByField(ctx context.Context, field, value string, sparse bool) ([]*entity.Record, error) {
	selectorField := field
	if field != "entityType" {
		selectorField = "attributes." + field
	}
	return s.find(ctx, map[string]interface{}{selectorField: value})
}

// FindByRelationship selects documents whose relationship array for relType
// contains targetUUID, via a Mango $elemMatch selector with an $eq
// condition on the array's elements.
func (s *CouchStore) FindByRelationship(ctx context.Context, relType, targetUUID string) ([]*entity.Record, error) {
	return s.find(ctx, map[string]interface{}{
		"relationships." + relType: map[string]interface{}{"$elemMatch": map[string]interface{}{"$eq": targetUUID}},
	})
}

// FindAll returns every document of entityType.
func (s *CouchStore) FindAll(ctx context.Context, entityType string) ([]*entity.Record, error) {
	return s.find(ctx, map[string]interface{}{"entityType": entityType})
}

func (s *CouchStore) find(ctx context.Context, selector map[string]interface{}) ([]*entity.Record, error) {
	rows := s.db.Find(ctx, map[string]interface{}{"selector": selector})
	defer rows.Close()

	var out []*entity.Record
	for rows.Next() {
		var doc couchDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("store: couch scan: %w", err)
		}
		out = append(out, doc.toRecord())
	}
	return out, rows.Err()
}

// EnsureIndex creates a Mango index over the given field if absent.
func (s *CouchStore) EnsureIndex(ctx context.Context, field string, sparse bool) error {
	selectorField := field
	if field != "entityType" {
		selectorField = "attributes." + field
	}
	err := s.db.CreateIndex(ctx, "", "", map[string]interface{}{
		"fields": []string{selectorField},
	})
	if err != nil {
		return fmt.Errorf("store: couch ensure index: %w", err)
	}
	return nil
}

// Close releases the underlying client's connections.
func (s *CouchStore) Close(ctx context.Context) error {
	return s.client.Close()
}
