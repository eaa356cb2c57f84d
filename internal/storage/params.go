package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/maintd/internal/domain"
)

func (s *Store) GetNumber(ctx context.Context, key string) (float64, error) {
	var v *float64
	err := s.do(ctx, "get parameter", func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `select number from parameters where id = $1`, key).Scan(&v)
	})
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && v == nil) {
		return 0, errors.Wrapf(domain.ErrMissingParameter, "%s", key)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get parameter %s", key)
	}
	return *v, nil
}

// InitNumber stores value under key unless the key already exists.
func (s *Store) InitNumber(ctx context.Context, key string, value float64) error {
	return s.do(ctx, "init parameter", func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
insert into parameters (id, number) values ($1, $2)
on conflict (id) do nothing`, key, value)
		return err
	})
}

func (s *Store) SetNumber(ctx context.Context, key string, value float64) error {
	return s.do(ctx, "set parameter", func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `
insert into parameters (id, number) values ($1, $2)
on conflict (id) do update set number = excluded.number, updated_at = now()`, key, value)
		return err
	})
}
