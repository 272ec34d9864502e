package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// MongoStore persists sessions so active subscriptions are not silently
// dropped on redeploy.
type MongoStore struct {
	coll *mongo.Collection
}

type sessionDoc struct {
	ID           string    `bson:"_id"`
	LastActivity time.Time `bson:"last_activity"`
	Queries      []subDoc  `bson:"queries"`
}

type subDoc struct {
	QueryKey   string `bson:"query_key"`
	Collection string `bson:"collection"`
	QueryType  string `bson:"query_type"`
	// Query is stored as canonical JSON; filter keys may contain dots,
	// which Mongo field names do not tolerate.
	Query    string `bson:"query"`
	LastSync int64  `bson:"last_sync"`
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("sync_sessions")}
}

// EnsureIndexes creates the index backing idle sweeps.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "last_activity", Value: 1}},
	})
	return err
}

func (m *MongoStore) Upsert(ctx context.Context, s *Session) error {
	doc := sessionDoc{
		ID:           s.ID,
		LastActivity: s.LastActivity,
		Queries:      make([]subDoc, 0, len(s.Queries)),
	}
	for _, sub := range s.Queries {
		queryJSON, err := json.Marshal(sub.Query)
		if err != nil {
			return err
		}
		doc.Queries = append(doc.Queries, subDoc{
			QueryKey:   sub.QueryKey,
			Collection: sub.Collection,
			QueryType:  string(sub.QueryType),
			Query:      string(queryJSON),
			LastSync:   sub.LastSync,
		})
	}

	_, err := m.coll.ReplaceOne(ctx,
		bson.M{"_id": s.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) Delete(ctx context.Context, sessionID string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": sessionID})
	return err
}

func (m *MongoStore) LoadAll(ctx context.Context) ([]*Session, error) {
	cur, err := m.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Session
	for cur.Next(ctx) {
		var doc sessionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}

		s := &Session{
			ID:           doc.ID,
			Queries:      make(map[string]QuerySubscription, len(doc.Queries)),
			LastActivity: doc.LastActivity,
		}
		for _, sd := range doc.Queries {
			var q model.Query
			if err := json.Unmarshal([]byte(sd.Query), &q); err != nil {
				log.Printf("[Session] Skipping undecodable subscription %s: %v", sd.QueryKey, err)
				continue
			}
			s.Queries[sd.QueryKey] = QuerySubscription{
				QueryKey:   sd.QueryKey,
				Collection: sd.Collection,
				QueryType:  model.QueryType(sd.QueryType),
				Query:      q,
				LastSync:   sd.LastSync,
			}
		}
		out = append(out, s)
	}
	return out, cur.Err()
}
