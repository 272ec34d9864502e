// Package storage implements the query execution collaborator on top of
// MongoDB: one Mongo collection per document collection, documents stored
// flat with a string "_id", relationship population resolved through the
// schema registry.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carlosbensant/payload-sync/internal/schema"
	"github.com/carlosbensant/payload-sync/pkg/model"
)

// maxPopulateDepth bounds recursive population.
const maxPopulateDepth = 4

type Store struct {
	db     *mongo.Database
	schema schema.Registry
}

func NewStore(db *mongo.Database, reg schema.Registry) *Store {
	return &Store{db: db, schema: reg}
}

// Connect dials Mongo and verifies the connection; persistence being
// unavailable is fatal at startup.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func (s *Store) Find(ctx context.Context, q model.Query) ([]model.Document, error) {
	filter, err := whereToFilter(q.Where)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if q.Sort != "" {
		dir := 1
		if q.SortDescending() {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.SortField(), Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
		if q.Page > 1 {
			opts.SetSkip(int64((q.Page - 1) * q.Limit))
		}
	}

	cur, err := s.db.Collection(q.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []model.Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		docs = append(docs, fromBson(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	if len(q.Populate) > 0 {
		s.populateAll(ctx, q.Collection, docs, q.Populate, 0)
	}
	return docs, nil
}

func (s *Store) FindByID(ctx context.Context, collection, id string, populate model.Populate) (model.Document, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	doc := fromBson(raw)
	if len(populate) > 0 {
		s.populateAll(ctx, collection, []model.Document{doc}, populate, 0)
	}
	return doc, nil
}

func (s *Store) Count(ctx context.Context, collection string, where model.Where) (int64, error) {
	filter, err := whereToFilter(where)
	if err != nil {
		return 0, err
	}
	return s.db.Collection(collection).CountDocuments(ctx, filter)
}

func (s *Store) Create(ctx context.Context, collection string, data model.Document) (model.Document, error) {
	doc := data.Clone()
	if doc.ID() == "" {
		doc["id"] = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	doc["createdAt"] = now
	doc["updatedAt"] = now

	if _, err := s.db.Collection(collection).InsertOne(ctx, toBson(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, model.ErrExists
		}
		return nil, err
	}
	return doc, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, data model.Document) (model.Document, model.Document, error) {
	before, err := s.FindByID(ctx, collection, id, nil)
	if err != nil {
		return nil, nil, err
	}

	set := bson.M{}
	for k, v := range data {
		if k == "id" || k == "createdAt" {
			continue
		}
		set[k] = v
	}
	set["updatedAt"] = time.Now().UnixMilli()

	if _, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
	); err != nil {
		return nil, nil, err
	}

	after := before.Clone()
	for k, v := range set {
		after[k] = v
	}
	return before, after, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) (model.Document, error) {
	before, err := s.FindByID(ctx, collection, id, nil)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return nil, err
	}
	return before, nil
}

// populateAll resolves relationship references in place. A failed lookup
// leaves the plain reference untouched; population is best-effort.
func (s *Store) populateAll(ctx context.Context, collection string, docs []model.Document, populate model.Populate, depth int) {
	if depth >= maxPopulateDepth {
		return
	}

	for field, nested := range populate {
		targets := s.schema.RelationTargets(collection, field)
		if len(targets) == 0 {
			continue
		}
		for _, doc := range docs {
			value, ok := doc[field]
			if !ok {
				continue
			}
			refID, ok := model.RefID(value)
			if !ok {
				continue
			}
			resolved := s.resolveRef(ctx, targets, refID, nested, depth)
			if resolved != nil {
				doc[field] = map[string]interface{}(resolved)
			}
		}
	}
}

// resolveRef tries each target collection in order; multi-target
// relationships resolve to whichever collection holds the id.
func (s *Store) resolveRef(ctx context.Context, targets []string, id string, nested model.Populate, depth int) model.Document {
	for _, target := range targets {
		doc, err := s.FindByID(ctx, target, id, nil)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Printf("[Storage] Populating %s/%s failed: %v", target, id, err)
			return nil
		}
		if len(nested) > 0 {
			s.populateAll(ctx, target, []model.Document{doc}, nested, depth+1)
		}
		return doc
	}
	return nil
}

func toBson(doc model.Document) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if k == "id" {
			out["_id"] = v
			continue
		}
		out[k] = v
	}
	return out
}

func fromBson(raw bson.M) model.Document {
	out := make(model.Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			out["id"] = v
			continue
		}
		out[k] = v
	}
	return out
}
