package storage

import (
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// whereToFilter translates a Where tree into a Mongo filter document.
// Dotted field paths pass through unchanged; Mongo resolves them natively.
func whereToFilter(where model.Where) (bson.M, error) {
	if len(where) == 0 {
		return bson.M{}, nil
	}

	filter := bson.M{}
	for key, cond := range where {
		switch key {
		case "and", "or":
			branches, ok := cond.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: %s expects an array", model.ErrInvalidQuery, key)
			}
			translated := make([]bson.M, 0, len(branches))
			for _, branch := range branches {
				nested, ok := branch.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%w: %s branch must be an object", model.ErrInvalidQuery, key)
				}
				sub, err := whereToFilter(model.Where(nested))
				if err != nil {
					return nil, err
				}
				translated = append(translated, sub)
			}
			filter["$"+key] = translated
		default:
			leaf, err := leafToFilter(key, cond)
			if err != nil {
				return nil, err
			}
			filter[key] = leaf
		}
	}
	return filter, nil
}

func leafToFilter(field string, cond interface{}) (interface{}, error) {
	ops, ok := cond.(map[string]interface{})
	if !ok {
		// Bare value is shorthand for equals.
		return bson.M{"$eq": cond}, nil
	}

	leaf := bson.M{}
	for op, want := range ops {
		switch op {
		case "equals":
			leaf["$eq"] = want
		case "not_equals":
			leaf["$ne"] = want
		case "in":
			leaf["$in"] = want
		case "not_in":
			leaf["$nin"] = want
		case "greater_than":
			leaf["$gt"] = want
		case "greater_than_equal":
			leaf["$gte"] = want
		case "less_than":
			leaf["$lt"] = want
		case "less_than_equal":
			leaf["$lte"] = want
		case "like":
			leaf["$regex"] = regexp.QuoteMeta(fmt.Sprintf("%v", want))
			leaf["$options"] = "i"
		case "contains":
			leaf["$regex"] = regexp.QuoteMeta(fmt.Sprintf("%v", want))
		case "exists":
			wantExists, ok := want.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: exists operand must be a bool", model.ErrInvalidQuery)
			}
			leaf["$exists"] = wantExists
		default:
			return nil, fmt.Errorf("%w: unsupported operator %q on %s", model.ErrInvalidQuery, op, field)
		}
	}
	return leaf, nil
}
