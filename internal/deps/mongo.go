package deps

import (
	"context"
	"encoding/json"
	"log"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// MongoIndex is a durable Index. Mongo is the system of record; an
// embedded MemoryIndex serves lookups and is rebuilt by LoadAll at
// startup. The forward document's multikey dependency array keeps forward
// and reverse views trivially consistent.
type MongoIndex struct {
	coll *mongo.Collection
	mem  *MemoryIndex
}

type depDoc struct {
	QueryKey     string   `bson:"_id"`
	Collection   string   `bson:"collection"`
	Dependencies []string `bson:"dependencies"`
	// Query is stored as canonical JSON to sidestep dotted filter keys,
	// which Mongo field names do not tolerate.
	Query string `bson:"query"`
}

func NewMongoIndex(db *mongo.Database) *MongoIndex {
	return &MongoIndex{
		coll: db.Collection("sync_dependencies"),
		mem:  NewMemoryIndex(),
	}
}

// EnsureIndexes creates the multikey index used by reverse lookups during
// recovery.
func (x *MongoIndex) EnsureIndexes(ctx context.Context) error {
	_, err := x.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "dependencies", Value: 1}},
	})
	return err
}

// LoadAll rebuilds the in-memory view from the persisted entries.
func (x *MongoIndex) LoadAll(ctx context.Context) error {
	cur, err := x.coll.Find(ctx, bson.M{})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	count := 0
	for cur.Next(ctx) {
		var doc depDoc
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		entry, err := doc.toEntry()
		if err != nil {
			log.Printf("[Deps] Skipping undecodable persisted entry %s: %v", doc.QueryKey, err)
			continue
		}
		if err := x.mem.Add(ctx, entry); err != nil {
			return err
		}
		count++
	}
	if count > 0 {
		log.Printf("[Deps] Recovered %d dependency entries", count)
	}
	return cur.Err()
}

func (x *MongoIndex) Add(ctx context.Context, e Entry) error {
	queryJSON, err := json.Marshal(e.Query)
	if err != nil {
		return err
	}

	doc := depDoc{
		QueryKey:     e.QueryKey,
		Collection:   e.Collection,
		Dependencies: e.Dependencies,
		Query:        string(queryJSON),
	}
	_, err = x.coll.ReplaceOne(ctx,
		bson.M{"_id": e.QueryKey},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return err
	}
	return x.mem.Add(ctx, e)
}

func (x *MongoIndex) Remove(ctx context.Context, queryKey string) error {
	if _, err := x.coll.DeleteOne(ctx, bson.M{"_id": queryKey}); err != nil {
		return err
	}
	return x.mem.Remove(ctx, queryKey)
}

func (x *MongoIndex) DependingOn(collection string) []string {
	return x.mem.DependingOn(collection)
}

func (x *MongoIndex) Get(queryKey string) (Entry, bool) {
	return x.mem.Get(queryKey)
}

func (d depDoc) toEntry() (Entry, error) {
	var q model.Query
	if err := json.Unmarshal([]byte(d.Query), &q); err != nil {
		return Entry{}, err
	}
	return Entry{
		QueryKey:     d.QueryKey,
		Collection:   d.Collection,
		Dependencies: d.Dependencies,
		Query:        q,
	}, nil
}
