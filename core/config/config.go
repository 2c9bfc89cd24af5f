package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	envOnce sync.Once

	cacheMu sync.Mutex
	cache   = map[reflect.Type]any{}
)

// loadEnvFile loads a .env file into the process environment, once, if one
// is present. A missing .env file is not an error: in production,
// configuration comes from real environment variables.
func loadEnvFile() {
	envOnce.Do(func() {
		_ = godotenv.Load()
	})
}

// Load populates dst (a pointer to a struct tagged with `env` tags) from
// the environment, caching the result by dst's pointed-to type so that
// repeated calls for the same config type receive a copy of the cached
// values without re-parsing the environment.
func Load[T any](dst *T) error {
	loadEnvFile()

	t := reflect.TypeOf(*dst)
	cacheMu.Lock()
	if cached, ok := cache[t]; ok {
		cacheMu.Unlock()
		*dst = *cached.(*T)
		return nil
	}
	cacheMu.Unlock()

	if err := env.Parse(dst); err != nil {
		return fmt.Errorf("config: parse %s: %w", t, err)
	}

	cacheMu.Lock()
	cached := *dst
	cache[t] = &cached
	cacheMu.Unlock()
	return nil
}

// MustLoad is Load, panicking on failure. Intended for use at process
// startup, where a missing required configuration value should abort boot.
func MustLoad[T any](dst *T) {
	if err := Load(dst); err != nil {
		panic(err)
	}
}

// Reset clears the cache. Exposed for tests that need to reload
// configuration under different environment variables within the same
// process.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[reflect.Type]any{}
}
