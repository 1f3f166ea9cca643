// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package main contains nebulachat main function to start the chat service.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/elaysia-feng/nebulachat/api"
	"github.com/elaysia-feng/nebulachat/chat"
	chatmw "github.com/elaysia-feng/nebulachat/chat/middleware"
	chatpg "github.com/elaysia-feng/nebulachat/chat/postgres"
	"github.com/elaysia-feng/nebulachat/internal/reactor"
	nclog "github.com/elaysia-feng/nebulachat/logger"
	"github.com/elaysia-feng/nebulachat/pkg/cache"
	"github.com/elaysia-feng/nebulachat/pkg/kv"
	"github.com/elaysia-feng/nebulachat/pkg/kv/redisstore"
	"github.com/elaysia-feng/nebulachat/pkg/pool"
	pgclient "github.com/elaysia-feng/nebulachat/pkg/postgres"
	"github.com/elaysia-feng/nebulachat/pkg/prometheus"
	"github.com/elaysia-feng/nebulachat/pkg/server"
	httpserver "github.com/elaysia-feng/nebulachat/pkg/server/http"
	"github.com/elaysia-feng/nebulachat/pkg/server/tcp"
	"github.com/elaysia-feng/nebulachat/pkg/sid"
	"github.com/elaysia-feng/nebulachat/pkg/uuid"
	"github.com/elaysia-feng/nebulachat/pkg/workers"
	"github.com/elaysia-feng/nebulachat/sms"
	"github.com/elaysia-feng/nebulachat/users"
	"github.com/elaysia-feng/nebulachat/users/hasher"
	usermw "github.com/elaysia-feng/nebulachat/users/middleware"
	userpg "github.com/elaysia-feng/nebulachat/users/postgres"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	"golang.org/x/sync/errgroup"
)

const (
	svcName       = "nebulachat"
	envPrefixDB   = "NC_DB_"
	envPrefixTCP  = "NC_SERVER_"
	defDB         = "nebulachat"
	defSvcTCPPort = "8888"
)

type config struct {
	LogLevel      string `env:"NC_LOG_LEVEL"             envDefault:"info"`
	InstanceID    string `env:"NC_INSTANCE_ID"           envDefault:""`
	CacheURL      string `env:"NC_CACHE_URL"             envDefault:"redis://localhost:6379/0"`
	CachePoolSize int    `env:"NC_CACHE_POOL_SIZE"       envDefault:"4"`
	IDWorker      int    `env:"NC_ID_WORKER"             envDefault:"0"`
	Workers       int    `env:"NC_SERVER_WORKERS"        envDefault:"4"`
	TaskQueue     int    `env:"NC_SERVER_TASK_QUEUE"     envDefault:"1024"`
	EdgeTriggered bool   `env:"NC_SERVER_EDGE_TRIGGERED" envDefault:"true"`
	MaxEvents     int    `env:"NC_SERVER_MAX_EVENTS"     envDefault:"1024"`
	RoomMaxSize   int    `env:"NC_ROOM_MAX_SIZE"         envDefault:"100"`
	MetricsPort   string `env:"NC_METRICS_PORT"          envDefault:"8180"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load %s configuration : %s", svcName, err)
	}

	logger, err := nclog.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %s", err)
	}

	var exitCode int
	defer nclog.ExitWithError(&exitCode)

	if cfg.InstanceID == "" {
		if cfg.InstanceID, err = uuid.New().ID(); err != nil {
			logger.Error(fmt.Sprintf("failed to generate instanceID: %s", err))
			exitCode = 1
			return
		}
	}

	dbConfig := pgclient.Config{Name: defDB}
	if err := env.ParseWithOptions(&dbConfig, env.Options{Prefix: envPrefixDB}); err != nil {
		logger.Error(err.Error())
		exitCode = 1
		return
	}
	db, err := pgclient.Setup(dbConfig, migrations())
	if err != nil {
		logger.Error(err.Error())
		exitCode = 1
		return
	}
	defer db.Close()

	client, err := redisstore.Connect(cfg.CacheURL)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to parse redis url: %s", err))
		exitCode = 1
		return
	}
	defer client.Close()

	// Every borrowed store runs on a dedicated redis connection, so one
	// slow command cannot head-of-line block the rest.
	kvPool, err := pool.New(ctx, cfg.CachePoolSize, func(context.Context) (kv.Store, error) {
		return redisstore.New(client.Conn()), nil
	})
	if err != nil {
		logger.Error(err.Error())
		exitCode = 1
		return
	}
	defer kvPool.Close()
	store := kv.NewPooled(kvPool)

	wp := workers.New(cfg.Workers, cfg.TaskQueue, logger)
	defer wp.Stop()
	submit := cache.Submitter(func(task func()) {
		if !wp.Submit(task) {
			task()
		}
	})

	engine := cache.NewEngine(store, logger, cache.WithSubmitter(submit))

	issuer, err := sid.New(store, cfg.IDWorker)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to init id issuer: %s", err))
		exitCode = 1
		return
	}

	usersSvc, err := newUsersService(db, engine, store, issuer, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to init users service: %s", err))
		exitCode = 1
		return
	}
	chatSvc := newChatService(db, engine, store, issuer, submit, logger)
	smsSvc := sms.New(store, sms.NewLogProvider(logger), sms.Config{})

	rooms := chat.NewRooms(cfg.RoomMaxSize)
	handler := api.New(usersSvc, chatSvc, smsSvc, rooms, logger)

	r, err := reactor.New(cfg.MaxEvents, cfg.EdgeTriggered)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to init event loop: %s", err))
		exitCode = 1
		return
	}
	defer r.Close()

	tcpServerConfig := tcp.Config{Config: server.Config{Port: defSvcTCPPort}}
	if err := env.ParseWithOptions(&tcpServerConfig, env.Options{Prefix: envPrefixTCP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s TCP server configuration : %s", svcName, err.Error()))
		exitCode = 1
		return
	}
	ts := tcp.New(tcpServerConfig, r, wp, handler, logger)
	handler.Bind(ts)

	servers := []server.Server{ts}
	if cfg.MetricsPort != "" {
		hs := httpserver.NewServer(svcName, server.Config{Port: cfg.MetricsPort}, logger)
		servers = append(servers, hs)
		g.Go(func() error {
			return hs.Start()
		})
	}

	logger.Info(fmt.Sprintf("%s service started with instance id %s", svcName, cfg.InstanceID))

	g.Go(func() error {
		return ts.Start()
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, servers...)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service terminated: %s", svcName, err))
	}
}

func migrations() migrate.MemoryMigrationSource {
	src := migrate.MemoryMigrationSource{}
	src.Migrations = append(src.Migrations, userpg.Migration().Migrations...)
	src.Migrations = append(src.Migrations, chatpg.Migration().Migrations...)
	return src
}

func newUsersService(db *sqlx.DB, engine *cache.Engine, store *kv.Pooled, issuer sid.Issuer, logger *slog.Logger) (users.Service, error) {
	repo := userpg.NewRepository(db)
	dir, err := users.NewDirectory(repo, engine, store, users.DirectoryConfig{}, logger)
	if err != nil {
		return nil, err
	}

	svc := users.New(repo, dir, hasher.New(), issuer)
	svc = usermw.LoggingMiddleware(svc, logger)
	counter, latency := prometheus.MakeMetrics(svcName, "users")
	svc = usermw.MetricsMiddleware(svc, counter, latency)

	return svc, nil
}

func newChatService(db *sqlx.DB, engine *cache.Engine, store *kv.Pooled, issuer sid.Issuer, submit cache.Submitter, logger *slog.Logger) chat.Service {
	repo := chatpg.NewRepository(db)

	svc := chat.New(repo, engine, store, issuer, submit, chat.Config{}, logger)
	svc = chatmw.LoggingMiddleware(svc, logger)
	counter, latency := prometheus.MakeMetrics(svcName, "chat")
	svc = chatmw.MetricsMiddleware(svc, counter, latency)

	return svc
}
