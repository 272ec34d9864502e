package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

func TestWhereToFilter_Leaf(t *testing.T) {
	filter, err := whereToFilter(model.Where{
		"status": map[string]interface{}{"equals": "open"},
		"rank":   map[string]interface{}{"greater_than": 3, "less_than_equal": 10},
	})
	require.NoError(t, err)

	assert.Equal(t, bson.M{"$eq": "open"}, filter["status"])
	assert.Equal(t, bson.M{"$gt": 3, "$lte": 10}, filter["rank"])
}

func TestWhereToFilter_BareValueShorthand(t *testing.T) {
	filter, err := whereToFilter(model.Where{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$eq": "open"}, filter["status"])
}

func TestWhereToFilter_Logical(t *testing.T) {
	filter, err := whereToFilter(model.Where{
		"or": []interface{}{
			map[string]interface{}{"status": map[string]interface{}{"equals": "open"}},
			map[string]interface{}{"status": map[string]interface{}{"equals": "blocked"}},
		},
	})
	require.NoError(t, err)

	branches, ok := filter["$or"].([]bson.M)
	require.True(t, ok)
	assert.Len(t, branches, 2)
}

func TestWhereToFilter_LikeEscapesRegex(t *testing.T) {
	filter, err := whereToFilter(model.Where{
		"title": map[string]interface{}{"like": "a.b*c"},
	})
	require.NoError(t, err)

	leaf := filter["title"].(bson.M)
	assert.Equal(t, `a\.b\*c`, leaf["$regex"])
	assert.Equal(t, "i", leaf["$options"])
}

func TestWhereToFilter_UnknownOperator(t *testing.T) {
	_, err := whereToFilter(model.Where{
		"status": map[string]interface{}{"near": "open"},
	})
	assert.ErrorIs(t, err, model.ErrInvalidQuery)
}

func TestWhereToFilter_Empty(t *testing.T) {
	filter, err := whereToFilter(nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{}, filter)
}
