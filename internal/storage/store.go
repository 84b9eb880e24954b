// Package storage persists the state of a diamond registry: its route table,
// the owner account, deployed script facets and the key/value storage that
// facets operate on through delegated calls.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/diamond"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("storage: unknown driver")

// StateDelta is the set of writes produced by one successful delegated call.
type StateDelta struct {
	Puts    map[string][]byte
	Deletes []string
}

// Empty reports whether the delta changes nothing.
func (d StateDelta) Empty() bool {
	return len(d.Puts) == 0 && len(d.Deletes) == 0
}

// ModuleRecord is a deployed script facet.
type ModuleRecord struct {
	ID     diamond.ModuleID `json:"id"`
	Name   string           `json:"name"`
	Source string           `json:"source"`
}

// OwnerRecord is the persisted owner of the registry. A nil Owner means
// ownership was renounced.
type OwnerRecord struct {
	Owner *util.Uint160 `json:"owner"`
}

// Store is the persistence contract of the registry.
//
// LoadRoutes returns an empty snapshot when nothing was saved yet, and
// LoadOwner returns nil. ApplyState applies every put and delete of a delta
// atomically.
type Store interface {
	LoadRoutes(ctx context.Context) (diamond.Snapshot, error)
	SaveRoutes(ctx context.Context, snap diamond.Snapshot) error

	LoadState(ctx context.Context) (map[string][]byte, error)
	ApplyState(ctx context.Context, delta StateDelta) error

	LoadModules(ctx context.Context) ([]ModuleRecord, error)
	SaveModule(ctx context.Context, rec ModuleRecord) error

	LoadOwner(ctx context.Context) (*OwnerRecord, error)
	SaveOwner(ctx context.Context, rec OwnerRecord) error

	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Driver string      `yaml:"driver" env:"DIAMOND_STORAGE_DRIVER"`
	DSN    string      `yaml:"dsn" env:"DIAMOND_POSTGRES_DSN"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"DIAMOND_REDIS_ADDR"`
	Password string `yaml:"password" env:"DIAMOND_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"DIAMOND_REDIS_DB"`
	Prefix   string `yaml:"prefix" env:"DIAMOND_REDIS_PREFIX"`
}

// Open creates the Store selected by cfg.Driver. The Postgres store applies
// its migrations before returning.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	case DriverRedis:
		return OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// sortedFacets returns snap's facets ordered by module id so every driver
// hands back the same layout RouteTable.Snapshot produces.
func sortedFacets(facets []diamond.Facet) []diamond.Facet {
	out := make([]diamond.Facet, len(facets))
	copy(out, facets)
	sort.Slice(out, func(i, j int) bool { return out[i].Module.Less(out[j].Module) })
	return out
}
