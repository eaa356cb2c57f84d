package params

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/maintd/internal/domain"
)

// Redis keeps parameters as plain string values under prefix+key.
type Redis struct {
	rdb    *r.Client
	prefix string
}

func NewRedis(rdb *r.Client, prefix string) *Redis { return &Redis{rdb: rdb, prefix: prefix} }

var _ Store = (*Redis)(nil)

func (p *Redis) GetNumber(ctx context.Context, key string) (float64, error) {
	s, err := p.rdb.Get(ctx, p.prefix+key).Result()
	if errors.Is(err, r.Nil) {
		return 0, errors.Wrapf(domain.ErrMissingParameter, "%s", key)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get parameter %s", key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse parameter %s", key)
	}
	return v, nil
}

func (p *Redis) InitNumber(ctx context.Context, key string, value float64) error {
	return p.rdb.SetNX(ctx, p.prefix+key, format(value), 0).Err()
}

func (p *Redis) SetNumber(ctx context.Context, key string, value float64) error {
	return p.rdb.Set(ctx, p.prefix+key, format(value), 0).Err()
}

func format(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
