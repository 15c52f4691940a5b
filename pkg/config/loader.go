package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// Load populates v from the environment.
//
//	var cfg struct {
//		DSN string `env:"PG_CONN_URL,required"`
//	}
//	if err := config.Load(&cfg); err != nil { ... }
func Load[T any](v *T) error {
	return LoadWithPrefix(v, "")
}

// LoadWithPrefix is Load with every variable name prefixed, which lets one
// struct type be loaded for several instances (e.g. two gateway merchants).
func LoadWithPrefix[T any](v *T, prefix string) error {
	if v == nil {
		return ErrNilPointer
	}
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})
	if err := env.ParseWithOptions(v, env.Options{Prefix: prefix}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad panics when the configuration cannot be loaded.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}
