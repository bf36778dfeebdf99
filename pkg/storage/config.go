package storage

import (
	"context"
	"fmt"
)

// Config selects a backend, mirroring the nested storage section shared by
// the wes-io-live services.
type Config struct {
	Type  string      `mapstructure:"type"`
	S3    S3Config    `mapstructure:"s3"`
	Local LocalConfig `mapstructure:"local"`
}

// New builds the backend named by cfg.Type ("local" or "s3").
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case "s3":
		st, err := NewS3Storage(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "", "local":
		st, err := NewLocalStorage(cfg.Local)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
