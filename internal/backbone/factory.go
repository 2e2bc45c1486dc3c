package backbone

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/polyglot-sync/relay/internal/config"
)

// Backbone bundles the broker and result store selected by configuration
// together with the connections they share.
type Backbone struct {
	Broker  Broker
	Results ResultStore

	closers []io.Closer
}

// Open builds the broker and result store named by cfg. Drivers that talk to
// the same server share one client or pool.
func Open(ctx context.Context, bcfg config.BackboneConfig, rcfg config.ResultsConfig) (*Backbone, error) {
	bb := &Backbone{}
	var redisClient *redis.Client
	pools := make(map[string]*pgxpool.Pool)

	getRedis := func() (*redis.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		c, err := NewRedisClient(ctx, RedisOptions{
			Addr:     bcfg.Redis.Addr,
			Username: bcfg.Redis.Username,
			Password: bcfg.Redis.Password,
			DB:       bcfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		redisClient = c
		bb.closers = append(bb.closers, c)
		return c, nil
	}
	getPool := func(dsn string) (*pgxpool.Pool, error) {
		if p, ok := pools[dsn]; ok {
			return p, nil
		}
		p, err := NewPostgresPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		pools[dsn] = p
		bb.closers = append(bb.closers, poolCloser{p})
		return p, nil
	}

	switch bcfg.Driver {
	case "redis":
		c, err := getRedis()
		if err != nil {
			bb.Close()
			return nil, fmt.Errorf("init broker: %w", err)
		}
		bb.Broker = NewRedisBroker(c)
	case "postgres":
		p, err := getPool(bcfg.DSN)
		if err != nil {
			bb.Close()
			return nil, fmt.Errorf("init broker: %w", err)
		}
		bb.Broker = NewPostgresBroker(p)
	case "memory":
		bb.Broker = NewMemoryBroker()
	default:
		return nil, fmt.Errorf("unknown backbone driver: %q", bcfg.Driver)
	}

	var err error
	switch rcfg.Driver {
	case "redis":
		var c *redis.Client
		if c, err = getRedis(); err == nil {
			bb.Results = NewRedisResults(c)
		}
	case "postgres":
		var p *pgxpool.Pool
		if p, err = getPool(rcfg.DSN); err == nil {
			bb.Results, err = NewPostgresResults(ctx, p)
		}
	case "sqlite":
		bb.Results, err = NewSQLiteResults(rcfg.DSN)
	case "bolt":
		bb.Results, err = NewBoltResults(rcfg.DSN)
	case "memory":
		bb.Results = NewMemoryResults()
	default:
		err = fmt.Errorf("unknown results driver: %q", rcfg.Driver)
	}
	if err != nil {
		bb.Close()
		return nil, fmt.Errorf("init results: %w", err)
	}
	return bb, nil
}

// Close shuts down the broker, the result store and shared connections.
func (b *Backbone) Close() error {
	var first error
	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil && first == nil {
			first = err
		}
	}
	if b.Results != nil {
		if err := b.Results.Close(); err != nil && first == nil {
			first = err
		}
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type poolCloser struct{ pool *pgxpool.Pool }

func (p poolCloser) Close() error {
	p.pool.Close()
	return nil
}
