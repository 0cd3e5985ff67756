// Package config handles configuration loading for handoff-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension),
// with ${VAR} expansion, HANDOFF_* environment overrides and defaults for
// everything except the database path and JWT secret.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HANDOFF_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Environment Overrides
//
// After the file is decoded, individual fields can be overridden without
// editing it, e.g. HANDOFF_HTTP_ADDR, HANDOFF_DATABASE_PATH,
// HANDOFF_REGISTRY_BACKEND, HANDOFF_REDIS_ADDR, HANDOFF_TOKENS_TTL or
// HANDOFF_TOKENS_ALLOWED_SCOPES (comma separated). The struct tags in
// config.go are the full list.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	tokens:
//	  ttl: "5m"
//	sessions:
//	  ttl: "8760h"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"   # HTTP API, SSE channels, metrics
//	  grpc_addr: "127.0.0.1:50051"  # gRPC health
//
//	database:
//	  driver: "sqlite"              # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/handoff/gateway.db"
//	  busy_timeout: "5s"
//
//	auth:
//	  jwt_secret: "${HANDOFF_JWT_SECRET}"   # at least 32 bytes
//	  token_pepper: "${HANDOFF_TOKEN_PEPPER}"
//	  resume_secret: "${HANDOFF_RESUME_SECRET}"
//
//	tokens:
//	  ttl: "5m"
//	  allowed_scopes: ["wiki", "chat"]
//
//	registry:
//	  backend: "memory"             # memory or redis
//	  channel_ttl: "5m"
//	  delivery_timeout: "2s"
//	  redis:
//	    addr: "localhost:6379"
//
//	ratelimit:
//	  redeem_per_minute: 30
//	  channel_per_minute: 20
//
//	maintenance:
//	  cleanup_interval: "10m"
//	  token_retention: "24h"
//
// The same structure in TOML uses [server], [database], [registry.redis]
// tables and so on.
package config
