package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"eve.evalgo.org/entity"
)

// MongoConfig is the specification's literal "mongoConfig" field: a
// connection string plus the database/collection to use.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoStore is the primary DocumentStore backend. The teacher repository
// carries go.mongodb.org/mongo-driver only as an unused indirect
// dependency; this promotes it to direct use, matching the specification's
// own choice of collaborator name.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to Mongo and verifies connectivity with a Ping,
// mirroring the teacher's connect-then-ping pattern used for every other
// backend in db/repository.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	return &MongoStore{client: client, collection: coll}, nil
}

// mongoDoc is the on-the-wire document shape; it mirrors entity.Record's
// JSON schema field-for-field so the L2/DB serializations stay identical.
type mongoDoc struct {
	UUID             string              `bson:"uuid"`
	EntityType       string              `bson:"entityType"`
	Attributes       map[string]string   `bson:"attributes"`
	Relationships    map[string][]string `bson:"relationships"`
	Version          uint64              `bson:"version"`
	LastModifiedTime int64               `bson:"lastModifiedTime"`

	// Extra carries entity.Record's own Extra field through a Mongo
	// round-trip. bson has no native json.RawMessage equivalent, so each
	// value is decoded to a generic interface{} for storage and re-encoded
	// to json.RawMessage on the way back out.
	Extra map[string]interface{} `bson:"extra,omitempty"`
}

func toMongoDoc(r *entity.Record) mongoDoc {
	d := mongoDoc{
		UUID:             r.UUID,
		EntityType:       r.EntityType,
		Attributes:       r.Attributes,
		Relationships:    r.Relationships,
		Version:          r.Version,
		LastModifiedTime: r.LastModifiedTime,
	}
	if len(r.Extra) > 0 {
		d.Extra = make(map[string]interface{}, len(r.Extra))
		for k, v := range r.Extra {
			var decoded interface{}
			if err := json.Unmarshal(v, &decoded); err == nil {
				d.Extra[k] = decoded
			}
		}
	}
	return d
}

func (d mongoDoc) toRecord() *entity.Record {
	r := &entity.Record{
		UUID:             d.UUID,
		EntityType:       d.EntityType,
		Attributes:       d.Attributes,
		Relationships:    d.Relationships,
		Version:          d.Version,
		LastModifiedTime: d.LastModifiedTime,
	}
	if len(d.Extra) > 0 {
		r.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			if encoded, err := json.Marshal(v); err == nil {
				r.Extra[k] = encoded
			}
		}
	}
	return r
}

// UpsertBatch writes each record with a single bulk write, using
// ReplaceOne-with-upsert per document (the closest Mongo analogue to the
// teacher's CouchDB "fetch _rev then Put" upsert idiom, without the
// revision round-trip Mongo doesn't require).
func (s *MongoStore) UpsertBatch(ctx context.Context, records []*entity.Record) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"uuid": r.UUID}).
			SetReplacement(toMongoDoc(r)).
			SetUpsert(true))
	}
	if _, err := s.collection.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("store: mongo bulk upsert: %w", err)
	}
	return nil
}

// FindByKey looks up a single document by uuid.
func (s *MongoStore) FindByKey(ctx context.Context, uuid string) (*entity.Record, bool, error) {
	var doc mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"uuid": uuid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: mongo find by key: %w", err)
	}
	return doc.toRecord(), true, nil
}

// FindByField matches either the entityType field or an attribute key.
// sparse is accepted for interface symmetry with CouchStore; Mongo's query
// planner handles a missing-field match the same way regardless.
func (s *MongoStore) FindByField(ctx context.Context, field, value string, sparse bool) ([]*entity.Record, error) {
	var filter bson.M
	if field == "entityType" {
		filter = bson.M{"entityType": value}
	} else {
		filter = bson.M{"attributes." + field: value}
	}
	return s.queryAll(ctx, filter)
}

// FindByRelationship matches documents whose relationship set for relType
// contains targetUUID.
func (s *MongoStore) FindByRelationship(ctx context.Context, relType, targetUUID string) ([]*entity.Record, error) {
	return s.queryAll(ctx, bson.M{"relationships." + relType: targetUUID})
}

// FindAll returns every document of entityType.
func (s *MongoStore) FindAll(ctx context.Context, entityType string) ([]*entity.Record, error) {
	return s.queryAll(ctx, bson.M{"entityType": entityType})
}

func (s *MongoStore) queryAll(ctx context.Context, filter bson.M) ([]*entity.Record, error) {
	cur, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("store: mongo query: %w", err)
	}
	defer cur.Close(ctx)

	var out []*entity.Record
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: mongo decode: %w", err)
		}
		out = append(out, doc.toRecord())
	}
	return out, cur.Err()
}

// EnsureIndex creates an index on the given field if absent. entityType is
// indexed as-is; any other field is treated as an attribute key and indexed
// under "attributes.", matching the document shape above. Relationship
// fields are not indexed by this method.
func (s *MongoStore) EnsureIndex(ctx context.Context, field string, sparse bool) error {
	key := field
	switch field {
	case "entityType":
	default:
		key = "attributes." + field
	}
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: key, Value: 1}},
		Options: options.Index().SetSparse(sparse),
	})
	if err != nil {
		return fmt.Errorf("store: mongo ensure index: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
