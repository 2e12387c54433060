package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
)

// Backend names accepted by Open
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Options selects and configures a backend.
type Options struct {
	Backend         string
	Dir             string
	SQLitePath      string
	RedisURL        string
	RedisPrefix     string
	MongoURL        string
	MongoDatabase   string
	MongoCollection string
	ConnectAttempts int
	RetryInterval   time.Duration
}

// Open builds the configured backend. The file backend is the default.
func Open(ctx context.Context, fs afero.Fs, opts Options) (Store, error) {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}

	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(fs, opts.Dir)
	case BackendSQLite:
		return NewSQLiteStore(opts.SQLitePath)
	case BackendRedis:
		client, err := ConnectRedis(ctx, opts.RedisURL, opts.ConnectAttempts, opts.RetryInterval)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, opts.RedisPrefix), nil
	case BackendMongo:
		client, err := ConnectMongo(ctx, opts.MongoURL, opts.ConnectAttempts, opts.RetryInterval)
		if err != nil {
			return nil, err
		}
		return NewMongoStore(client, opts.MongoDatabase, opts.MongoCollection), nil
	default:
		return nil, fmt.Errorf("unknown token store backend %q", opts.Backend)
	}
}
