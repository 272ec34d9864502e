// Package query defines the query execution collaborator: the engine the
// sync core consumes for baseline fetches, population refreshes, and the
// writes that trigger fan-out. The core never reimplements storage.
package query

import (
	"context"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// Service executes queries and mutations against the document store.
// Both the Mongo backend and test mocks implement this interface.
type Service interface {
	// Find executes a find query with filtering, sorting, pagination and
	// relationship population.
	Find(ctx context.Context, q model.Query) ([]model.Document, error)

	// FindByID fetches one document, optionally populating relationships.
	FindByID(ctx context.Context, collection, id string, populate model.Populate) (model.Document, error)

	// Count returns the number of documents matching the filter.
	Count(ctx context.Context, collection string, where model.Where) (int64, error)

	// Create inserts a new document and returns it as stored.
	Create(ctx context.Context, collection string, data model.Document) (model.Document, error)

	// Update merges data into an existing document and returns the
	// before and after images for change classification.
	Update(ctx context.Context, collection, id string, data model.Document) (before, after model.Document, err error)

	// Delete removes a document and returns its final state.
	Delete(ctx context.Context, collection, id string) (model.Document, error)
}
