// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Config is the relay's environment-driven configuration. Durations and
// limits cover the deployment-tunable constants: persist delay, push
// debounce, presence TTL and the retention window.
type Config struct {
	Port        string
	DatabaseURL string
	RedisAddr   string
	JWTSecret   string
	JWTIssuer   string

	// ProcessID identifies this process in presence markers and work
	// locks; unique per process lifetime.
	ProcessID string

	PersistDelay    time.Duration
	PersisterPeriod time.Duration
	PersistPageSize int

	PresenceTTL       time.Duration
	PresenceHeartbeat time.Duration

	PushDebounce     time.Duration
	PushReaperPeriod time.Duration
	PushClaimLease   time.Duration

	RetentionWindow time.Duration
	RetentionPeriod time.Duration
	CrawlPeriod     time.Duration
	CrawlChunkSize  int
	CrawlChunkDelay time.Duration

	DrainPageSize   int
	AckTimeout      time.Duration
	SafetyPoll      time.Duration
	SocketIdleLimit time.Duration
}

func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8082"),
		DatabaseURL: getenv("DATABASE_URL", "postgres://localhost/efrelay?sslmode=disable"),
		RedisAddr:   getenv("REDIS_URL", "localhost:6379"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   getenv("JWT_ISSUER", "efchat"),
		ProcessID:   getenv("PROCESS_ID", uuid.NewString()),

		PersistDelay:    getduration("PERSIST_DELAY", 10*time.Minute),
		PersisterPeriod: getduration("PERSISTER_PERIOD", 5*time.Minute),
		PersistPageSize: 100,

		PresenceTTL:       getduration("PRESENCE_TTL", time.Minute),
		PresenceHeartbeat: getduration("PRESENCE_HEARTBEAT", 20*time.Second),

		PushDebounce:     getduration("PUSH_DEBOUNCE", 10*time.Second),
		PushReaperPeriod: getduration("PUSH_REAPER_PERIOD", time.Second),
		PushClaimLease:   getduration("PUSH_CLAIM_LEASE", 30*time.Second),

		RetentionWindow: getduration("RETENTION_WINDOW", 14*24*time.Hour),
		RetentionPeriod: getduration("RETENTION_PERIOD", time.Hour),
		CrawlPeriod:     getduration("CRAWL_PERIOD", 12*time.Hour),
		CrawlChunkSize:  500,
		CrawlChunkDelay: getduration("CRAWL_CHUNK_DELAY", time.Second),

		DrainPageSize:   50,
		AckTimeout:      getduration("ACK_TIMEOUT", 30*time.Second),
		SafetyPoll:      getduration("SAFETY_POLL", time.Minute),
		SocketIdleLimit: getduration("SOCKET_IDLE_LIMIT", 90*time.Second),
	}
}

func getenv(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func getduration(name string, fallback time.Duration) time.Duration {
	if value := os.Getenv(name); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
