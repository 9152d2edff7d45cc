// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/threadline/internal/api"
	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/distlock"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/store"
	"github.com/tomtom215/threadline/internal/store/memstore"
	"github.com/tomtom215/threadline/internal/store/sqlstore"
	"github.com/tomtom215/threadline/internal/wal"
	"github.com/tomtom215/threadline/internal/websocket"
)

// role is the set of process roles a command runs.
type role uint8

const (
	roleGateway role = 1 << iota
	roleDispatcher

	roleAll = roleGateway | roleDispatcher
)

func (r role) has(x role) bool { return r&x != 0 }

func (r role) String() string {
	var names []string
	if r.has(roleGateway) {
		names = append(names, "gateway")
	}
	if r.has(roleDispatcher) {
		names = append(names, "dispatcher")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "+")
}

var (
	errLocalEmitter = errors.New("realtime.emitter local needs the gateway in the same process; use redis or nats, or run threadline all")
	errMemoryStore  = errors.New("database.driver memory is process-local; run threadline all")
)

const (
	redisPingTimeout    = 5 * time.Second
	natsShutdownTimeout = 10 * time.Second
)

// checkRoles rejects configurations that cannot work with the given roles
// before any connection is opened.
func checkRoles(cfg *config.Config, roles role) error {
	if roles != roleAll && cfg.Database.Driver == "memory" {
		return errMemoryStore
	}
	if !roles.has(roleGateway) && cfg.Realtime.Emitter == "local" {
		return errLocalEmitter
	}
	return nil
}

type closer struct {
	name string
	fn   func() error
}

// app holds the connections shared by every service of one process.
type app struct {
	cfg   *config.Config
	roles role

	store store.Store
	sqlDB *sql.DB // nil for the memory driver

	natsServer *broker.EmbeddedServer
	natsConn   *natsgo.Conn
	stream     *broker.StreamInitializer

	publisher *broker.Publisher
	durable   *broker.DurablePublisher
	wal       *wal.BadgerWAL

	// intents is durable when the WAL is enabled, publisher otherwise.
	intents broker.IntentPublisher

	redis      redis.UniversalClient
	authorizer *authz.Authorizer

	mu      sync.Mutex
	closers []closer
}

// openApp connects everything the roles need. The store, broker and Redis
// are dialled concurrently; the publisher and WAL follow once the stream
// exists. On error everything already opened is closed.
func openApp(ctx context.Context, cfg *config.Config, roles role) (_ *app, err error) {
	if err := checkRoles(cfg, roles); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, roles: roles}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.openStore(gctx) })
	g.Go(func() error { return a.openBroker(gctx) })
	g.Go(func() error { return a.openRedis(gctx) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := a.openPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.openAuthz(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(name string, fn func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
	a.mu.Unlock()
}

// close releases shared connections in reverse order of opening.
func (a *app) close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			logging.Error().Err(err).Str("component", closers[i].name).Msg("Error during shutdown")
		}
	}
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Database.Driver == "memory" {
		a.store = memstore.New()
		logging.Warn().Msg("Using in-memory store; data is lost on exit")
		return nil
	}
	s, err := sqlstore.Open(ctx, &a.cfg.Database)
	if err != nil {
		return err
	}
	a.store = s
	a.sqlDB = s.DB()
	a.onClose("store", s.Close)
	return nil
}

func (a *app) openBroker(ctx context.Context) error {
	natsCfg := &a.cfg.NATS
	if natsCfg.EmbeddedServer {
		serverCfg := broker.ServerConfigFrom(*natsCfg)
		server, err := broker.NewEmbeddedServer(&serverCfg)
		if err != nil {
			return err
		}
		a.natsServer = server
		a.onClose("nats-server", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), natsShutdownTimeout)
			defer cancel()
			return server.Shutdown(ctx)
		})
		natsCfg.URL = server.ClientURL()
		logging.Info().Str("url", natsCfg.URL).Msg("Embedded NATS server started")
	} else {
		logging.Info().Str("url", natsCfg.URL).Msg("Using external NATS server")
	}

	nc, err := natsgo.Connect(natsCfg.URL,
		natsgo.Name("threadline-"+a.cfg.Server.InstanceID),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.natsConn = nc
	a.onClose("nats-conn", func() error {
		nc.Close()
		return nil
	})

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	streamCfg := broker.StreamConfigFrom(*natsCfg)
	initializer, err := broker.NewStreamInitializer(js, &streamCfg)
	if err != nil {
		return err
	}
	stream, err := initializer.EnsureStream(ctx)
	if err != nil {
		return fmt.Errorf("ensure stream exists: %w", err)
	}
	a.stream = initializer

	info := stream.CachedInfo()
	logging.Info().
		Str("name", info.Config.Name).
		Strs("subjects", info.Config.Subjects).
		Dur("max_age", info.Config.MaxAge).
		Msg("JetStream stream ready")
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{a.cfg.Redis.Addr},
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect to redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.redis = client
	a.onClose("redis", client.Close)
	logging.Info().Str("addr", a.cfg.Redis.Addr).Msg("Redis connected")
	return nil
}

// openPublisher creates the intent publisher. The gateway wraps it with the
// WAL and republishes whatever a previous run left pending.
func (a *app) openPublisher(ctx context.Context) error {
	pub, err := broker.NewPublisher(broker.PublisherConfigFrom(a.cfg.NATS), logging.NewWatermillAdapter())
	if err != nil {
		return err
	}
	a.publisher = pub
	a.intents = pub
	a.onClose("publisher", pub.Close)

	if !a.cfg.WAL.Enabled || !a.roles.has(roleGateway) {
		return nil
	}

	walCfg := wal.FromConfig(a.cfg.WAL)
	w, err := wal.Open(&walCfg)
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}
	a.wal = w
	a.onClose("wal", w.Close)

	durable, err := broker.NewDurablePublisher(pub, w)
	if err != nil {
		return err
	}
	a.durable = durable
	a.intents = durable

	result, err := w.RecoverPending(ctx, durable.WALPublisher())
	if err != nil {
		logging.Warn().Err(err).Msg("WAL recovery failed; retry loop will continue")
		return nil
	}
	if result.TotalPending > 0 {
		logging.Info().
			Int("pending", result.TotalPending).
			Int("recovered", result.Recovered).
			Int("failed", result.Failed).
			Int("expired", result.Expired).
			Dur("duration", result.Duration).
			Msg("WAL recovery complete")
	}
	return nil
}

func (a *app) openAuthz() error {
	cfg := authz.DefaultEnforcerConfig()
	cfg.PolicyPath = a.cfg.Security.AuthzPolicyPath
	enforcer, err := authz.NewEnforcer(cfg)
	if err != nil {
		return fmt.Errorf("create authorization enforcer: %w", err)
	}
	a.onClose("authz", func() error {
		enforcer.Close()
		return nil
	})
	a.authorizer = authz.NewAuthorizer(enforcer)
	return nil
}

// emitter returns the room emitter of this process. hub is nil without the
// gateway role, which rules out the local emitter.
func (a *app) emitter(hub *websocket.Hub) (websocket.Emitter, error) {
	timeout := a.cfg.Realtime.EmitTimeout
	switch a.cfg.Realtime.Emitter {
	case "redis":
		if a.redis == nil {
			return nil, errors.New("realtime.emitter redis needs redis.addr")
		}
		return websocket.NewRedisEmitter(a.redis, timeout), nil
	case "nats":
		if a.natsConn == nil {
			return nil, errors.New("realtime.emitter nats needs a NATS connection")
		}
		return websocket.NewNATSEmitter(a.natsConn, timeout), nil
	default:
		if hub == nil {
			return nil, errLocalEmitter
		}
		return websocket.NewLocalEmitter(hub, timeout), nil
	}
}

// sweepLocker keeps sweeps to one instance at a time: a Redis lock when
// Redis is configured, a postgres advisory lock otherwise. Embedded stores
// run a single instance and need none.
func (a *app) sweepLocker() gocron.Locker {
	switch {
	case a.redis != nil:
		return distlock.NewLocker(a.redis, nil, a.cfg.Sweep.LockTTL)
	case a.sqlDB != nil && a.cfg.Database.Driver == "postgres":
		return distlock.NewLocker(nil, a.sqlDB, a.cfg.Sweep.LockTTL)
	default:
		return nil
	}
}

// checks are the readiness probes served on /readyz.
func (a *app) checks() []api.Check {
	checks := []api.Check{
		{Name: "store", Run: a.store.Ping},
		{Name: "nats", Run: func(ctx context.Context) error {
			if a.natsConn == nil || !a.natsConn.IsConnected() {
				return errors.New("not connected")
			}
			if !a.stream.IsHealthy(ctx) {
				return errors.New("stream unavailable")
			}
			return nil
		}},
	}
	if a.redis != nil {
		checks = append(checks, api.Check{Name: "redis", Run: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return checks
}
