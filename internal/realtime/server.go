package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carlosbensant/payload-sync/internal/auth"
	"github.com/carlosbensant/payload-sync/internal/events"
	"github.com/carlosbensant/payload-sync/internal/query"
	"github.com/carlosbensant/payload-sync/internal/session"
	"github.com/carlosbensant/payload-sync/pkg/fingerprint"
	"github.com/carlosbensant/payload-sync/pkg/model"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the push channel endpoint and the request/response
// envelope endpoint.
type Server struct {
	hub      *Hub
	registry *session.Registry
	engine   query.Service
	bus      events.Bus
	tokens   *auth.TokenService
	mux      *http.ServeMux
}

func NewServer(hub *Hub, registry *session.Registry, engine query.Service, bus events.Bus, tokens *auth.TokenService) *Server {
	s := &Server{
		hub:      hub,
		registry: registry,
		engine:   engine,
		bus:      bus,
		tokens:   tokens,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/realtime", s.handleWS)
	s.mux.HandleFunc("POST /v1/ops", s.handleOps)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Hub exposes the channel registry for the publisher wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Realtime] Upgrade failed: %v", err)
		return
	}

	if _, err := s.registry.GetOrCreateSession(r.Context(), sessionID); err != nil {
		log.Printf("[Realtime] Creating session %s failed: %v", sessionID, err)
		conn.Close()
		return
	}

	c := newClient(sessionID, conn, s.hub, s)
	s.hub.Register(c)

	// Cleanup runs with a background context: the request context ends
	// with the connection, but the cascade must still reach the stores.
	go c.readPump(context.WithoutCancel(r.Context()))
	go c.writePump()
}

func (s *Server) handleClientMessage(ctx context.Context, c *Client, msg *protocol.BaseMessage) {
	switch msg.Type {
	case protocol.TypeAuth:
		s.handleAuth(c, msg)
	case protocol.TypeSubscribe:
		s.handleSubscribe(ctx, c, msg)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(ctx, c, msg)
	default:
		c.sendError(msg.ID, "unknown_type", "unknown message type "+msg.Type)
	}
}

func (s *Server) handleAuth(c *Client, msg *protocol.BaseMessage) {
	if s.tokens == nil {
		c.sendJSON(msg.ID, protocol.TypeAuthAck, map[string]interface{}{"anonymous": true})
		return
	}

	var payload protocol.AuthPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(msg.ID, "bad_payload", "malformed auth payload")
		return
	}

	identity, err := s.tokens.Validate(payload.Token)
	if err != nil {
		c.sendError(msg.ID, "unauthorized", "invalid token")
		return
	}
	c.identity = identity
	c.sendJSON(msg.ID, protocol.TypeAuthAck, map[string]interface{}{"subject": identity.Subject})
}

// handleSubscribe registers the query, executes the baseline fetch and
// answers with a complete snapshot; subsequent deltas arrive keyed by the
// returned queryKey.
func (s *Server) handleSubscribe(ctx context.Context, c *Client, msg *protocol.BaseMessage) {
	var payload protocol.SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(msg.ID, "bad_payload", "malformed subscribe payload")
		return
	}

	sub, err := s.registry.AddQuery(ctx, c.sessionID, payload.Query)
	if err != nil {
		if errors.Is(err, model.ErrInvalidQuery) {
			c.sendError(msg.ID, "invalid_query", err.Error())
		} else {
			log.Printf("[Realtime] Subscribe on session %s failed: %v", c.sessionID, err)
			c.sendError(msg.ID, "subscribe_failed", "subscription could not be registered")
		}
		return
	}

	data, err := s.execute(ctx, payload.Query)
	if err != nil {
		// The client never saw an ack, so it must not keep receiving
		// deltas for this query.
		if rmErr := s.registry.RemoveQuery(ctx, c.sessionID, sub.QueryKey); rmErr != nil {
			log.Printf("[Realtime] Rolling back subscription %s on session %s failed: %v", sub.QueryKey, c.sessionID, rmErr)
		}
		c.sendError(msg.ID, "query_failed", err.Error())
		return
	}

	c.sendJSON(msg.ID, protocol.TypeSubscribeAck, protocol.Response{
		Data:      data,
		QueryKey:  sub.QueryKey,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleUnsubscribe(ctx context.Context, c *Client, msg *protocol.BaseMessage) {
	var payload protocol.UnsubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.QueryKey == "" {
		c.sendError(msg.ID, "bad_payload", "malformed unsubscribe payload")
		return
	}

	if err := s.registry.RemoveQuery(ctx, c.sessionID, payload.QueryKey); err != nil {
		c.sendError(msg.ID, "unsubscribe_failed", err.Error())
		return
	}
	c.sendJSON(msg.ID, protocol.TypeUnsubscribeAck, map[string]string{"queryKey": payload.QueryKey})
}

func (s *Server) execute(ctx context.Context, q model.Query) (interface{}, error) {
	switch q.Type {
	case model.QueryFind:
		return s.engine.Find(ctx, q)
	case model.QueryFindByID:
		return s.engine.FindByID(ctx, q.Collection, q.ID, q.Populate)
	case model.QueryCount:
		return s.engine.Count(ctx, q.Collection, q.Where)
	}
	return nil, model.ErrInvalidQuery
}

// handleOps accepts the query-or-mutation envelope. Mutations publish to
// the bus after the write succeeds; the response never waits on fan-out.
func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Collection == "" || req.Type == "" {
		http.Error(w, "type and collection are required", http.StatusBadRequest)
		return
	}

	resp, err := s.dispatch(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidQuery):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, model.ErrNotFound):
			http.Error(w, "Document not found", http.StatusNotFound)
		case errors.Is(err, model.ErrExists):
			http.Error(w, "Document already exists", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	now := time.Now().UnixMilli()

	switch req.Type {
	case string(model.QueryFind), string(model.QueryFindByID), string(model.QueryCount):
		q := model.Query{
			Type:       model.QueryType(req.Type),
			Collection: req.Collection,
			Where:      req.Where,
			Sort:       req.Sort,
			Limit:      req.Limit,
			Page:       req.Page,
			Populate:   req.Populate,
			ID:         req.ID,
		}
		if q.Type == model.QueryFindByID && q.ID == "" {
			return nil, model.ErrInvalidQuery
		}

		queryKey := fingerprint.Key(q)
		if req.ClientID != "" {
			if _, err := s.registry.AddQuery(ctx, req.ClientID, q); err != nil {
				return nil, err
			}
		}

		data, err := s.execute(ctx, q)
		if err != nil {
			return nil, err
		}
		return &protocol.Response{Data: data, QueryKey: queryKey, Timestamp: now}, nil

	case "create":
		if req.Data == nil {
			return nil, model.ErrInvalidQuery
		}
		doc, err := s.engine.Create(ctx, req.Collection, req.Data)
		if err != nil {
			return nil, err
		}
		s.publishMutation(ctx, req.Collection, "create", nil, doc)
		return &protocol.Response{Data: doc, Timestamp: now}, nil

	case "update":
		if req.ID == "" || req.Data == nil {
			return nil, model.ErrInvalidQuery
		}
		before, after, err := s.engine.Update(ctx, req.Collection, req.ID, req.Data)
		if err != nil {
			return nil, err
		}
		s.publishMutation(ctx, req.Collection, "update", before, after)
		return &protocol.Response{Data: after, Timestamp: now}, nil

	case "delete":
		if req.ID == "" {
			return nil, model.ErrInvalidQuery
		}
		before, err := s.engine.Delete(ctx, req.Collection, req.ID)
		if err != nil {
			return nil, err
		}
		s.publishMutation(ctx, req.Collection, "delete", before, nil)
		return &protocol.Response{Data: before, Timestamp: now}, nil
	}

	return nil, model.ErrInvalidQuery
}

func (s *Server) publishMutation(ctx context.Context, collection, op string, before, after model.Document) {
	err := s.bus.Publish(ctx, &events.Mutation{
		Collection: collection,
		Operation:  op,
		Before:     before,
		After:      after,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		// Fan-out is best-effort; the mutation already succeeded.
		log.Printf("[Realtime] Publishing %s on %s failed: %v", op, collection, err)
	}
}
