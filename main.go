// Group membership and presence service.
//
// Clients reach it over NATS request/reply subjects (group.*, presence.*);
// outbound events ride deliver.{connId} subjects consumed by the edge.
// Entities persist to Postgres by default, with JetStream KV and in-memory
// backends selectable for smaller deployments and tests.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/nats-chat-group-service/pkg/notify"
	"github.com/example/nats-chat-group-service/pkg/otelhelper"
	"github.com/example/nats-chat-group-service/pkg/pending"
	"github.com/example/nats-chat-group-service/pkg/presence"
	"github.com/example/nats-chat-group-service/pkg/store"
	"github.com/example/nats-chat-group-service/pkg/workflow"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()
	slog.Info("Starting group service", "nats_url", cfg.NATSURL, "store", cfg.StoreBackend)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("group-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	entities, cleanup, err := openEntityStore(ctx, cfg, nc)
	if err != nil {
		slog.Error("Failed to open entity store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	users, err := store.NewUserDAO(entities, cfg.UserCacheSize)
	if err != nil {
		slog.Error("Failed to build user DAO", "error", err)
		os.Exit(1)
	}
	sessionDAO, err := store.NewSessionDAO(entities, cfg.SessionCacheSize)
	if err != nil {
		slog.Error("Failed to build session DAO", "error", err)
		os.Exit(1)
	}
	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to open JetStream context", "error", err)
		os.Exit(1)
	}
	sessions, err := store.NewSessionMirror(js, sessionDAO, cfg.SessionTTL)
	if err != nil {
		slog.Error("Failed to build session mirror", "error", err)
		os.Exit(1)
	}
	groups, err := store.NewGroupDAO(entities, cfg.GroupCacheSize)
	if err != nil {
		slog.Error("Failed to build group DAO", "error", err)
		os.Exit(1)
	}
	members, err := store.NewMemberDAO(entities, cfg.MemberCacheSize)
	if err != nil {
		slog.Error("Failed to build member DAO", "error", err)
		os.Exit(1)
	}

	pendingStore, err := pending.New(ctx, entities)
	if err != nil {
		slog.Error("Failed to hydrate pending queues", "error", err)
		os.Exit(1)
	}

	registry := presence.NewRegistry(sessions)
	dispatcher := notify.NewDispatcher(registry, pendingStore)
	engine := workflow.NewEngine(sessions, users, groups, members, dispatcher, pendingStore, entities)

	// Queued events flow out on the connect hook, after the presence record
	// is installed.
	registry.SetConnectHook(engine.DeliverPending)

	if err := engine.RecoverIntents(ctx); err != nil {
		slog.Error("Failed to recover decision intents", "error", err)
		os.Exit(1)
	}

	srv := newServer(nc, registry, engine)
	if err := srv.subscribe(); err != nil {
		slog.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}

	slog.Info("Group service ready — listening for presence.connect/disconnect and group.* (QG)")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down group service")
	nc.Drain()
}

// openEntityStore builds the configured durable backend. The returned cleanup
// closes whatever the backend holds open.
func openEntityStore(ctx context.Context, cfg Config, nc *nats.Conn) (store.EntityStore, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := otelsql.Open("postgres", cfg.DatabaseURL,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
		if err != nil {
			return nil, nil, err
		}
		otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
		if err := waitForDB(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		ps := store.NewPostgresStore(db)
		if err := ps.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return ps, func() { db.Close() }, nil

	case "kv":
		js, err := nc.JetStream()
		if err != nil {
			return nil, nil, err
		}
		kvs, err := store.NewKVStore(js)
		if err != nil {
			return nil, nil, err
		}
		return kvs, func() {}, nil

	case "memory":
		return store.NewMemStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func waitForDB(db *sql.DB) error {
	var err error
	for i := 0; i < 30; i++ {
		if err = db.Ping(); err == nil {
			return nil
		}
		slog.Info("Waiting for database", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	return err
}
