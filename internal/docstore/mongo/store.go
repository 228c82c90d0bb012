// Package mongo stores each collection in a MongoDB collection keyed by _id.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"phasegate/internal/docstore"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ docstore.Store = (*Store)(nil)

func Open(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = "phasegate"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetConnectTimeout(10*time.Second))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

func withID(id string, record docstore.Record) bson.M {
	doc := bson.M{}
	for k, v := range record {
		doc[k] = v
	}
	doc["_id"] = id
	return doc
}

func (s *Store) Create(ctx context.Context, collection string, record docstore.Record) (string, error) {
	id, err := docstore.NewID()
	if err != nil {
		return "", err
	}
	if _, err := s.db.Collection(collection).InsertOne(ctx, withID(id, record)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Record, error) {
	raw, err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_, rec, err := decode(raw)
	return rec, err
}

func (s *Store) Set(ctx context.Context, collection, id string, record docstore.Record, opts docstore.SetOptions) error {
	coll := s.db.Collection(collection)
	if opts.Merge {
		set := bson.M{}
		for k, v := range record {
			set[k] = v
		}
		if len(set) == 0 {
			_, err := coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$setOnInsert": bson.M{"_id": id}}, options.Update().SetUpsert(true))
			return err
		}
		_, err := coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}, options.Update().SetUpsert(true))
		return err
	}
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, withID(id, record), options.Replace().SetUpsert(true))
	return err
}

func (s *Store) Update(ctx context.Context, collection, id string, partial docstore.Record) error {
	if len(partial) == 0 {
		_, err := s.Get(ctx, collection, id)
		return err
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M(partial)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateVersion(ctx context.Context, collection, id string, version int64, partial docstore.Record) error {
	res, err := s.db.Collection(collection).UpdateOne(ctx, versionFilter(id, version),
		bson.M{"$set": bson.M(docstore.NextVersion(partial, version))})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.Get(ctx, collection, id); err != nil {
		return err
	}
	return docstore.ErrConflict
}

// versionFilter matches id at version; records written before versioning count as 0.
func versionFilter(id string, version int64) bson.M {
	if version == 0 {
		return bson.M{"_id": id, "$or": bson.A{
			bson.M{docstore.VersionField: 0},
			bson.M{docstore.VersionField: bson.M{"$exists": false}},
		}}
	}
	return bson.M{"_id": id, docstore.VersionField: version}
}

// Query orders by _id, which matches creation order for generated keys.
func (s *Store) Query(ctx context.Context, collection string, preds ...docstore.Predicate) ([]docstore.Snapshot, error) {
	filter, err := buildFilter(preds)
	if err != nil {
		return nil, err
	}
	cur, err := s.db.Collection(collection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []docstore.Snapshot
	for cur.Next(ctx) {
		id, rec, err := decode(cur.Current)
		if err != nil {
			return nil, err
		}
		out = append(out, docstore.Snapshot{ID: id, Data: rec})
	}
	return out, cur.Err()
}

func buildFilter(preds []docstore.Predicate) (bson.M, error) {
	and := bson.A{}
	for _, p := range preds {
		switch p.Op {
		case docstore.OpEq:
			and = append(and, bson.M{p.Field: p.Value})
		case docstore.OpNeq:
			and = append(and, bson.M{p.Field: bson.M{"$exists": true, "$ne": p.Value}})
		case docstore.OpArrayContains:
			and = append(and, bson.M{p.Field: bson.M{"$elemMatch": bson.M{"$eq": p.Value}}})
		default:
			return nil, fmt.Errorf("unsupported operator %q", p.Op)
		}
	}
	if len(and) == 0 {
		return bson.M{}, nil
	}
	return bson.M{"$and": and}, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// decode converts a BSON document to plain JSON types and splits off the key.
func decode(raw bson.Raw) (string, docstore.Record, error) {
	ext, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return "", nil, fmt.Errorf("decode document: %w", err)
	}
	var rec docstore.Record
	if err := json.Unmarshal(ext, &rec); err != nil {
		return "", nil, fmt.Errorf("decode document: %w", err)
	}
	id, _ := rec["_id"].(string)
	delete(rec, "_id")
	return id, rec, nil
}
