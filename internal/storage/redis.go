package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/diamond/internal/diamond"
)

// Redis implements Store on a Redis server. The route table and the owner
// are JSON documents under their own keys, facet storage is one hash and
// deployed scripts another.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Store on an existing client. Keys are namespaced with
// prefix, which defaults to "diamond:".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "diamond:"
	}
	return &Redis{client: client, prefix: prefix}
}

// OpenRedis connects to the server described by cfg and checks it answers.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("storage: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: connect redis: %w", err)
	}
	return NewRedis(client, cfg.Prefix), nil
}

func (s *Redis) key(name string) string {
	return s.prefix + name
}

func (s *Redis) LoadRoutes(ctx context.Context) (diamond.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key("routes")).Bytes()
	if errors.Is(err, redis.Nil) {
		return diamond.Snapshot{Facets: []diamond.Facet{}}, nil
	}
	if err != nil {
		return diamond.Snapshot{}, fmt.Errorf("storage: load routes: %w", err)
	}
	var snap diamond.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return diamond.Snapshot{}, fmt.Errorf("storage: decode routes: %w", err)
	}
	snap.Facets = sortedFacets(snap.Facets)
	return snap, nil
}

func (s *Redis) SaveRoutes(ctx context.Context, snap diamond.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: encode routes: %w", err)
	}
	if err := s.client.Set(ctx, s.key("routes"), raw, 0).Err(); err != nil {
		return fmt.Errorf("storage: save routes: %w", err)
	}
	return nil
}

func (s *Redis) LoadState(ctx context.Context) (map[string][]byte, error) {
	fields, err := s.client.HGetAll(ctx, s.key("state")).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: load state: %w", err)
	}
	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		out[k] = []byte(v)
	}
	return out, nil
}

// ApplyState writes the delta in one MULTI/EXEC transaction.
func (s *Redis) ApplyState(ctx context.Context, delta StateDelta) error {
	if delta.Empty() {
		return nil
	}
	keys := make([]string, 0, len(delta.Puts))
	for k := range delta.Puts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.HSet(ctx, s.key("state"), k, delta.Puts[k])
		}
		if len(delta.Deletes) > 0 {
			pipe.HDel(ctx, s.key("state"), delta.Deletes...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: apply state: %w", err)
	}
	return nil
}

func (s *Redis) LoadModules(ctx context.Context) ([]ModuleRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key("modules")).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: load modules: %w", err)
	}
	out := make([]ModuleRecord, 0, len(fields))
	for _, v := range fields {
		var rec ModuleRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("storage: decode module: %w", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

func (s *Redis) SaveModule(ctx context.Context, rec ModuleRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode module: %w", err)
	}
	if err := s.client.HSet(ctx, s.key("modules"), hexID(rec.ID), raw).Err(); err != nil {
		return fmt.Errorf("storage: save module: %w", err)
	}
	return nil
}

func (s *Redis) LoadOwner(ctx context.Context) (*OwnerRecord, error) {
	raw, err := s.client.Get(ctx, s.key("owner")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load owner: %w", err)
	}
	var rec OwnerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode owner: %w", err)
	}
	return &rec, nil
}

func (s *Redis) SaveOwner(ctx context.Context, rec OwnerRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode owner: %w", err)
	}
	if err := s.client.Set(ctx, s.key("owner"), raw, 0).Err(); err != nil {
		return fmt.Errorf("storage: save owner: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Redis) Close() error {
	return s.client.Close()
}
