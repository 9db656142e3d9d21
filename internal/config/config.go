// Package config provides configuration management for the coordination service.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Supported shared cache backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = "8080"

	// DefaultGRPCPort is the default gRPC health server port.
	DefaultGRPCPort = "9090"

	// DefaultCacheKeyPrefix namespaces every key this service writes to the shared cache.
	DefaultCacheKeyPrefix = "coord:"

	// DefaultCacheEntryTTL is how long the shared cache retains an untouched entry.
	DefaultCacheEntryTTL = 10 * time.Minute

	// DefaultCacheMaxEntries bounds the in-memory backend.
	DefaultCacheMaxEntries = 100000

	// DefaultCacheCleanupInterval is how often expired entries are swept.
	DefaultCacheCleanupInterval = time.Minute

	// DefaultLockCASMaxAttempts bounds conditional update retries per lock operation.
	DefaultLockCASMaxAttempts = 32

	// DefaultLockBackoffBase is the first retry delay.
	DefaultLockBackoffBase = 5 * time.Millisecond

	// DefaultLockBackoffMax caps the retry delay.
	DefaultLockBackoffMax = 500 * time.Millisecond

	// DefaultLocalCacheSize bounds the process-local cache.
	DefaultLocalCacheSize = 1024

	// DefaultLocalCacheTTL is the process-local entry lifetime.
	DefaultLocalCacheTTL = 5 * time.Minute

	// DefaultSharedKeyPrefixes lists the key prefixes of the coordinated domain.
	DefaultSharedKeyPrefixes = "shared:"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the gRPC health server port.
	GRPCPort string

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogPretty enables human-friendly console logging.
	LogPretty bool

	// CacheBackend selects the shared cache: memory, redis, postgres or etcd.
	CacheBackend string

	// RedisURL is the redis:// connection URL.
	RedisURL string

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// EtcdEndpoints lists etcd member addresses.
	EtcdEndpoints []string

	// CacheKeyPrefix namespaces keys in the shared cache.
	CacheKeyPrefix string

	// CacheEntryTTL is the shared cache retention for untouched entries.
	CacheEntryTTL time.Duration

	// CacheMaxEntries bounds the memory backend.
	CacheMaxEntries int

	// CacheCleanupInterval is how often expired entries are swept.
	CacheCleanupInterval time.Duration

	// LockCASMaxAttempts bounds conditional update retries.
	LockCASMaxAttempts int

	// LockBackoffBase is the first retry delay.
	LockBackoffBase time.Duration

	// LockBackoffMax caps the retry delay.
	LockBackoffMax time.Duration

	// LockAcquireTimeout bounds blocking acquires (0 = caller's context only).
	LockAcquireTimeout time.Duration

	// LockKeepAliveInterval enables periodic extension of held locks (0 = off).
	LockKeepAliveInterval time.Duration

	// LocalCacheSize bounds the process-local cache.
	LocalCacheSize int

	// LocalCacheTTL is the process-local entry lifetime.
	LocalCacheTTL time.Duration

	// SharedKeyPrefixes are the prefixes routed through the shared cache.
	SharedKeyPrefixes []string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("PORT", DefaultPort)
	v.SetDefault("GRPC_PORT", DefaultGRPCPort)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("CACHE_BACKEND", BackendMemory)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("ETCD_ENDPOINTS", "localhost:2379")
	v.SetDefault("CACHE_KEY_PREFIX", DefaultCacheKeyPrefix)
	v.SetDefault("CACHE_ENTRY_TTL", DefaultCacheEntryTTL)
	v.SetDefault("CACHE_MAX_ENTRIES", DefaultCacheMaxEntries)
	v.SetDefault("CACHE_CLEANUP_INTERVAL", DefaultCacheCleanupInterval)
	v.SetDefault("LOCK_CAS_MAX_ATTEMPTS", DefaultLockCASMaxAttempts)
	v.SetDefault("LOCK_BACKOFF_BASE", DefaultLockBackoffBase)
	v.SetDefault("LOCK_BACKOFF_MAX", DefaultLockBackoffMax)
	v.SetDefault("LOCK_ACQUIRE_TIMEOUT", time.Duration(0))
	v.SetDefault("LOCK_KEEPALIVE_INTERVAL", time.Duration(0))
	v.SetDefault("LOCAL_CACHE_SIZE", DefaultLocalCacheSize)
	v.SetDefault("LOCAL_CACHE_TTL", DefaultLocalCacheTTL)
	v.SetDefault("SHARED_KEY_PREFIXES", DefaultSharedKeyPrefixes)

	return &Config{
		Port:                  v.GetString("PORT"),
		GRPCPort:              v.GetString("GRPC_PORT"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogPretty:             v.GetBool("LOG_PRETTY"),
		CacheBackend:          strings.ToLower(v.GetString("CACHE_BACKEND")),
		RedisURL:              v.GetString("REDIS_URL"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		EtcdEndpoints:         splitList(v.GetString("ETCD_ENDPOINTS")),
		CacheKeyPrefix:        v.GetString("CACHE_KEY_PREFIX"),
		CacheEntryTTL:         v.GetDuration("CACHE_ENTRY_TTL"),
		CacheMaxEntries:       v.GetInt("CACHE_MAX_ENTRIES"),
		CacheCleanupInterval:  v.GetDuration("CACHE_CLEANUP_INTERVAL"),
		LockCASMaxAttempts:    v.GetInt("LOCK_CAS_MAX_ATTEMPTS"),
		LockBackoffBase:       v.GetDuration("LOCK_BACKOFF_BASE"),
		LockBackoffMax:        v.GetDuration("LOCK_BACKOFF_MAX"),
		LockAcquireTimeout:    v.GetDuration("LOCK_ACQUIRE_TIMEOUT"),
		LockKeepAliveInterval: v.GetDuration("LOCK_KEEPALIVE_INTERVAL"),
		LocalCacheSize:        v.GetInt("LOCAL_CACHE_SIZE"),
		LocalCacheTTL:         v.GetDuration("LOCAL_CACHE_TTL"),
		SharedKeyPrefixes:     splitList(v.GetString("SHARED_KEY_PREFIXES")),
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.Wrap(ErrInvalidConfig, "REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.Wrap(ErrInvalidConfig, "DATABASE_URL is required for the postgres backend")
		}
	case BackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return errors.Wrap(ErrInvalidConfig, "ETCD_ENDPOINTS is required for the etcd backend")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown CACHE_BACKEND %q", c.CacheBackend)
	}

	if c.LockCASMaxAttempts <= 0 {
		return errors.Wrap(ErrInvalidConfig, "LOCK_CAS_MAX_ATTEMPTS must be positive")
	}
	if c.LockBackoffBase <= 0 || c.LockBackoffMax < c.LockBackoffBase {
		return errors.Wrap(ErrInvalidConfig, "LOCK_BACKOFF_BASE must be positive and not above LOCK_BACKOFF_MAX")
	}
	if c.CacheMaxEntries < 0 {
		return errors.Wrap(ErrInvalidConfig, "CACHE_MAX_ENTRIES must not be negative")
	}
	if c.LocalCacheSize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "LOCAL_CACHE_SIZE must be positive")
	}
	if c.CacheEntryTTL > 0 && c.LockKeepAliveInterval >= c.CacheEntryTTL {
		return errors.Wrap(ErrInvalidConfig, "LOCK_KEEPALIVE_INTERVAL must be shorter than CACHE_ENTRY_TTL")
	}
	return nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
