package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/extension"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/ratelimit"
	"github.com/MrWong99/switchboard/internal/usage"
)

// openPool connects to PostgreSQL and verifies the connection.
func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// migrator is implemented by every PostgreSQL-backed store.
type migrator interface {
	Migrate(ctx context.Context) error
}

// initStores fills every store that was not injected. With a DSN the
// stores share one pool and their schemas are migrated; without one they
// live in memory.
func (a *App) initStores(ctx context.Context) error {
	if a.conversations != nil && a.bindings != nil && a.runs != nil && a.usage != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		if a.conversations == nil {
			a.conversations = conversation.NewMemStore()
		}
		if a.bindings == nil {
			a.bindings = extension.NewMemStore()
		}
		if a.runs == nil {
			a.runs = &ratelimit.MemRunLog{}
		}
		if a.usage == nil {
			a.usage = usage.LogRecorder{}
		}
		observe.Logger(ctx).Warn("app: no database configured, state is kept in memory")
		return nil
	}

	pool, err := openPool(ctx, dsn)
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	var pending []migrator
	if a.conversations == nil {
		s := conversation.NewPostgresStore(pool)
		a.conversations, pending = s, append(pending, s)
	}
	if a.bindings == nil {
		s := extension.NewPostgresStore(pool)
		a.bindings, pending = s, append(pending, s)
	}
	if a.runs == nil {
		s := ratelimit.NewPostgresRunLog(pool)
		a.runs, pending = s, append(pending, s)
	}
	if a.usage == nil {
		s := usage.NewPostgresRecorder(pool)
		a.usage, pending = s, append(pending, s)
	}
	for _, m := range pending {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	observe.Logger(ctx).Info("app: connected to postgres", "stores", len(pending))
	return nil
}
