package model

import "errors"

var (
	// ErrNotFound is returned when a document is not found
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned when trying to create a document that already exists
	ErrExists = errors.New("document already exists")
	// ErrInvalidQuery is returned when a query or mutation is malformed
	ErrInvalidQuery = errors.New("invalid query")
	// ErrPermissionDenied is returned when access control rejects an operation
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSessionNotFound is returned when a session id is unknown to the registry
	ErrSessionNotFound = errors.New("session not found")
)
