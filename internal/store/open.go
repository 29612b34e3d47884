package store

import (
	"context"
	"fmt"
)

type Options struct {
	Driver        string // memory, redis or postgres
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store: empty dsn")
		}
		return NewPostgresStore(opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
