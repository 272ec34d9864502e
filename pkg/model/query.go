package model

import "strings"

// QueryType identifies the shape of a query result.
type QueryType string

const (
	QueryFind     QueryType = "find"
	QueryFindByID QueryType = "findByID"
	QueryCount    QueryType = "count"
)

// Where is a filter expression tree. Keys are either the logical
// combinators "and"/"or" (whose values are arrays of nested Where maps)
// or field paths mapping to an operator object such as
// {"equals": "P1"}. A bare non-object value is shorthand for equals.
type Where map[string]interface{}

// Populate describes which relationship fields to resolve, recursively.
// A nil or empty value marks a leaf field.
type Populate map[string]Populate

// Query represents a client query. Immutable once issued; its identity
// is the canonical fingerprint, not object identity.
type Query struct {
	Type       QueryType `json:"type"`
	Collection string    `json:"collection"`
	Where      Where     `json:"where,omitempty"`
	Sort       string    `json:"sort,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Page       int       `json:"page,omitempty"`
	Populate   Populate  `json:"populate,omitempty"`
	ID         string    `json:"id,omitempty"`
}

// SortField returns the sort field name with any leading "-" stripped.
func (q Query) SortField() string {
	return strings.TrimPrefix(q.Sort, "-")
}

// SortDescending reports whether the sort order is descending.
func (q Query) SortDescending() bool {
	return strings.HasPrefix(q.Sort, "-")
}
