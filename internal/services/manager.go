// Package services wires the sync server together: storage, schema,
// registries, bus, publisher and HTTP surface, with graceful shutdown.
package services

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/carlosbensant/payload-sync/internal/auth"
	"github.com/carlosbensant/payload-sync/internal/authz"
	"github.com/carlosbensant/payload-sync/internal/config"
	"github.com/carlosbensant/payload-sync/internal/deps"
	"github.com/carlosbensant/payload-sync/internal/events"
	"github.com/carlosbensant/payload-sync/internal/publish"
	"github.com/carlosbensant/payload-sync/internal/realtime"
	"github.com/carlosbensant/payload-sync/internal/schema"
	"github.com/carlosbensant/payload-sync/internal/session"
	"github.com/carlosbensant/payload-sync/internal/storage"
)

type Manager struct {
	cfg *config.Config

	mongoClient *mongo.Client
	natsConn    *nats.Conn
	server      *http.Server
	registry    *session.Registry
	rtServer    *realtime.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// Start brings every service up. Persistence being unavailable is fatal
// here, not later.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	reg, err := schema.Load(m.cfg.Schema.Path)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	var access *authz.Evaluator
	if m.cfg.Schema.RulesPath != "" {
		access, err = authz.LoadFile(m.cfg.Schema.RulesPath)
		if err != nil {
			return fmt.Errorf("load authz rules: %w", err)
		}
	}

	m.mongoClient, err = storage.Connect(runCtx, m.cfg.Storage.MongoURI)
	if err != nil {
		return err
	}
	db := m.mongoClient.Database(m.cfg.Storage.DatabaseName)

	index := deps.NewMongoIndex(db)
	if err := index.EnsureIndexes(runCtx); err != nil {
		return fmt.Errorf("ensure dependency indexes: %w", err)
	}
	if err := index.LoadAll(runCtx); err != nil {
		return fmt.Errorf("recover dependency index: %w", err)
	}

	store := session.NewMongoStore(db)
	if err := store.EnsureIndexes(runCtx); err != nil {
		return fmt.Errorf("ensure session indexes: %w", err)
	}
	m.registry = session.NewRegistry(store, index, reg)
	if err := m.registry.LoadAll(runCtx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	engine := storage.NewStore(db, reg)

	bus, err := m.startBus(runCtx)
	if err != nil {
		return err
	}

	var tokens *auth.TokenService
	if m.cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokenService(m.cfg.Auth.JWTSecret, m.cfg.Auth.TokenTTL)
	}

	m.rtServer = realtime.NewServer(realtime.NewHub(), m.registry, engine, bus, tokens)

	hub := m.rtServer.Hub()
	publisher := publish.NewPublisher(m.registry, index, reg, engine, access, hub, hub.Identity)
	bus.Subscribe(publisher.HandleMutation)

	m.startSweeper(runCtx)

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.cfg.API.Port),
		Handler: m.rtServer,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Printf("[Manager] Listening on %s", m.server.Addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Manager] HTTP server error: %v", err)
		}
	}()

	return nil
}

func (m *Manager) startBus(ctx context.Context) (events.Bus, error) {
	if m.cfg.NATS.URL == "" {
		bus := events.NewInProcessBus()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			bus.Run(ctx)
		}()
		return bus, nil
	}

	nc, err := nats.Connect(m.cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	m.natsConn = nc

	bus, err := events.NewNatsBus(nc)
	if err != nil {
		return nil, err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := bus.Start(ctx); err != nil {
			log.Printf("[Manager] NATS bus stopped: %v", err)
		}
	}()
	return bus, nil
}

func (m *Manager) startSweeper(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Session.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.registry.SweepIdle(ctx, m.cfg.Session.MaxIdle)
			}
		}
	}()
}

// Shutdown stops accepting work, drains the HTTP server and closes the
// backing connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	log.Println("[Manager] Shutting down")

	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			log.Printf("[Manager] HTTP shutdown error: %v", err)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.natsConn != nil {
		m.natsConn.Close()
	}
	if m.mongoClient != nil {
		if err := m.mongoClient.Disconnect(ctx); err != nil {
			return fmt.Errorf("disconnect mongo: %w", err)
		}
	}
	return nil
}
