package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/usbmode/internal/infra"
)

// Repo — общий репозиторий поверх пула pgx. Методы разнесены по файлам
// по таблицам: restrictions, users, journal.
type Repo struct {
	pool *pgxpool.Pool
}

// NewRepo создаёт пул и проверяет соединение.
func NewRepo(ctx context.Context, cfg infra.DatabaseConfig) (*Repo, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres: database.url is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() {
	r.pool.Close()
}
