// Package protocol defines the wire messages exchanged between the sync
// server and its clients over the push channel and the request/response
// endpoint.
package protocol

import (
	"encoding/json"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// Client -> server message types
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server -> client message types
const (
	TypeAuthAck                = "auth_ack"
	TypeSubscribeAck           = "subscribe_ack"
	TypeUnsubscribeAck         = "unsubscribe_ack"
	TypeIncrementalUpdates     = "incremental_updates"
	TypeCountUpdates           = "count_updates"
	TypeCrossCollectionUpdates = "cross_collection_updates"
	TypeError                  = "error"
)

// ChangeType classifies a single delta.
type ChangeType string

const (
	ChangeInsert           ChangeType = "insert"
	ChangeUpdate           ChangeType = "update"
	ChangeDelete           ChangeType = "delete"
	ChangeUpsert           ChangeType = "upsert"
	ChangeInvalidate       ChangeType = "invalidate"
	ChangeCountInvalidated ChangeType = "count_invalidated"
	// ChangeNone is internal to classification and never put on the wire.
	ChangeNone ChangeType = "none"
)

// BaseMessage is the envelope for all push-channel messages.
type BaseMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload carries the client's identity token.
type AuthPayload struct {
	Token string `json:"token"`
}

// SubscribePayload registers a query subscription on the session.
type SubscribePayload struct {
	Query model.Query `json:"query"`
}

// UnsubscribePayload removes one query subscription by its key.
type UnsubscribePayload struct {
	QueryKey string `json:"queryKey"`
}

// Update is one delta for one query.
type Update struct {
	QueryKey   string         `json:"queryKey"`
	ChangeType ChangeType     `json:"changeType"`
	Data       model.Document `json:"data,omitempty"`
}

// UpdateMessage is the server->client batched delta envelope. Type is one
// of TypeIncrementalUpdates, TypeCountUpdates, TypeCrossCollectionUpdates.
type UpdateMessage struct {
	Type      string   `json:"type"`
	Updates   []Update `json:"updates"`
	Timestamp int64    `json:"timestamp"`
}

// ErrorPayload reports a per-message failure to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request is the query-or-mutation envelope accepted by the
// request/response endpoint.
type Request struct {
	Type       string         `json:"type"` // find, findByID, count, create, update, delete
	ClientID   string         `json:"clientId"`
	Collection string         `json:"collection"`
	Where      model.Where    `json:"where,omitempty"`
	Sort       string         `json:"sort,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Page       int            `json:"page,omitempty"`
	Populate   model.Populate `json:"populate,omitempty"`
	ID         string         `json:"id,omitempty"`
	Data       model.Document `json:"data,omitempty"`
}

// Response answers a Request.
type Response struct {
	Data      interface{} `json:"data"`
	QueryKey  string      `json:"queryKey,omitempty"`
	Timestamp int64       `json:"timestamp"`
}
