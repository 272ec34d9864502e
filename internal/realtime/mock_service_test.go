package realtime

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// MockQueryService is a testify mock of the query execution collaborator.
type MockQueryService struct {
	mock.Mock
}

func (m *MockQueryService) Find(ctx context.Context, q model.Query) ([]model.Document, error) {
	args := m.Called(ctx, q)
	docs, _ := args.Get(0).([]model.Document)
	return docs, args.Error(1)
}

func (m *MockQueryService) FindByID(ctx context.Context, collection, id string, populate model.Populate) (model.Document, error) {
	args := m.Called(ctx, collection, id, populate)
	doc, _ := args.Get(0).(model.Document)
	return doc, args.Error(1)
}

func (m *MockQueryService) Count(ctx context.Context, collection string, where model.Where) (int64, error) {
	args := m.Called(ctx, collection, where)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQueryService) Create(ctx context.Context, collection string, data model.Document) (model.Document, error) {
	args := m.Called(ctx, collection, data)
	doc, _ := args.Get(0).(model.Document)
	return doc, args.Error(1)
}

func (m *MockQueryService) Update(ctx context.Context, collection, id string, data model.Document) (model.Document, model.Document, error) {
	args := m.Called(ctx, collection, id, data)
	before, _ := args.Get(0).(model.Document)
	after, _ := args.Get(1).(model.Document)
	return before, after, args.Error(2)
}

func (m *MockQueryService) Delete(ctx context.Context, collection, id string) (model.Document, error) {
	args := m.Called(ctx, collection, id)
	doc, _ := args.Get(0).(model.Document)
	return doc, args.Error(1)
}
