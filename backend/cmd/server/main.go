// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/efchatnet/efrelay/backend/config"
	"github.com/efchatnet/efrelay/backend/delivery"
	"github.com/efchatnet/efrelay/backend/handlers"
	"github.com/efchatnet/efrelay/backend/middleware"
	"github.com/efchatnet/efrelay/backend/push"
	"github.com/efchatnet/efrelay/backend/storage/postgres"
	redisstore "github.com/efchatnet/efrelay/backend/storage/redis"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg := config.Load()

	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET environment variable is required")
	}

	// Database connection
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := postgres.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Redis connection
	rdb := goredis.NewClient(&goredis.Options{
		Addr: cfg.RedisAddr,
	})

	// Storage
	cache := redisstore.NewCache(rdb, cfg.RetentionWindow, log)
	defer cache.Close()
	presenceStore := redisstore.NewPresenceStore(rdb, log)
	defer presenceStore.Close()
	pushQueue := redisstore.NewPushQueue(rdb, log)
	cursors := redisstore.NewCursorStore(rdb)
	messageStore := postgres.NewStore(db, cfg.RetentionWindow)
	deviceStore := postgres.NewDeviceStore(db)

	// Delivery core
	presence := delivery.NewPresenceManager(presenceStore, cfg.ProcessID, cfg.PresenceTTL, cfg.PresenceHeartbeat, log)
	sender := push.NewLogSender(log)
	pushFallback := delivery.NewPushFallbackManager(pushQueue, deviceStore, presence, sender, cfg.PushDebounce, cfg.PushReaperPeriod, cfg.PushClaimLease, log)
	manager := delivery.NewManager(cache, messageStore, presence, pushFallback, log)
	pushFallback.SetManager(manager)

	persister := delivery.NewPersister(manager, cache,
		redisstore.NewWorkLock(rdb, "relay:lock:persister"), cursors,
		cfg.ProcessID, cfg.PersistDelay, cfg.PersisterPeriod, cfg.PersistPageSize, log)

	retention := delivery.NewRetentionJob(manager, cfg.RetentionWindow, cfg.RetentionPeriod, log)
	crawler := delivery.NewDeviceCrawler(deviceStore, cursors,
		redisstore.NewWorkLock(rdb, "relay:lock:crawler"), retention,
		cfg.ProcessID, "device_retention", cfg.CrawlPeriod, cfg.CrawlChunkSize, cfg.CrawlChunkDelay, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go manager.Run(ctx)
	go presence.Run(ctx)
	go pushFallback.Run(ctx)
	go persister.Run(ctx)
	go retention.Run(ctx)
	go crawler.Run(ctx)

	// Handlers
	messageHandler := handlers.NewMessageHandler(manager, pushFallback)
	wsHandler := handlers.NewWebSocketHandler(manager, presence, pushFallback,
		cfg.DrainPageSize, cfg.AckTimeout, cfg.SafetyPoll, cfg.SocketIdleLimit, log)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer)

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.CORS)

	api := r.PathPrefix("/api/relay").Subrouter()
	api.Use(authMiddleware)

	api.HandleFunc("/messages/{uuid}/{deviceId}", messageHandler.SendMessage).Methods("POST")
	api.HandleFunc("/messages", messageHandler.GetMessages).Methods("GET")
	api.HandleFunc("/messages", messageHandler.AckMessages).Methods("DELETE")
	api.HandleFunc("/websocket", wsHandler.Attach).Methods("GET")

	// Health check (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Cache unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	log.Info().Str("port", cfg.Port).Str("process", cfg.ProcessID).Msg("relay server starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
