// Package redisstore keeps gate state and tenant locks in Redis so every
// replica reads the same state.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/storage"
)

const (
	defaultPrefix  = "trustgate"
	defaultLockTTL = 60 * time.Second
	maxTransitions = 500
)

// saveStateScript writes the state only when its version is newer than the
// stored one, and appends the transition in the same step.
// KEYS[1] = state hash, KEYS[2] = transitions list
// ARGV[1] = version, ARGV[2] = state JSON, ARGV[3] = transition JSON or "", ARGV[4] = list cap
var saveStateScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "version"))
local version = tonumber(ARGV[1])
if current and current >= version then
    return 0
end
redis.call("HSET", KEYS[1], "version", version, "state", ARGV[2])
if ARGV[3] ~= "" then
    redis.call("LPUSH", KEYS[2], ARGV[3])
    redis.call("LTRIM", KEYS[2], 0, tonumber(ARGV[4]) - 1)
end
return 1
`)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options tunes key naming and lock lifetime.
type Options struct {
	KeyPrefix string
	LockTTL   time.Duration
}

// Store implements storage.StateStore and storage.Locker.
type Store struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
}

var (
	_ storage.StateStore = (*Store)(nil)
	_ storage.Locker     = (*Store)(nil)
)

// New wraps a connected client.
func New(client *redis.Client, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultPrefix
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	return &Store{client: client, prefix: opts.KeyPrefix, lockTTL: opts.LockTTL}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, eris.Wrapf(err, "redis: ping %s", addr)
	}
	return New(client, opts), nil
}

func (s *Store) stateKey(tenantID string) string {
	return fmt.Sprintf("%s:state:%s", s.prefix, tenantID)
}

func (s *Store) transitionsKey(tenantID string) string {
	return fmt.Sprintf("%s:transitions:%s", s.prefix, tenantID)
}

func (s *Store) lockKey(tenantID string) string {
	return fmt.Sprintf("%s:lock:%s", s.prefix, tenantID)
}

func (s *Store) GetState(ctx context.Context, tenantID string) (*gate.State, error) {
	body, err := s.client.HGet(ctx, s.stateKey(tenantID), "state").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "redis: get state %s", tenantID)
	}
	var st gate.State
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, eris.Wrap(err, "redis: unmarshal state")
	}
	return &st, nil
}

func (s *Store) SaveState(ctx context.Context, state gate.State, tr *gate.Transition) error {
	body, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "redis: marshal state")
	}
	var trBody []byte
	if tr != nil {
		if trBody, err = json.Marshal(tr); err != nil {
			return eris.Wrap(err, "redis: marshal transition")
		}
	}

	keys := []string{s.stateKey(state.TenantID), s.transitionsKey(state.TenantID)}
	written, err := saveStateScript.Run(ctx, s.client, keys, state.Version, body, trBody, maxTransitions).Int64()
	if err != nil {
		return eris.Wrapf(err, "redis: save state %s", state.TenantID)
	}
	if written == 0 {
		return eris.Wrapf(storage.ErrStaleVersion, "redis: tenant %q version %d", state.TenantID, state.Version)
	}
	return nil
}

// ListTransitions returns newest first. The list is capped, so very old
// transitions are dropped.
func (s *Store) ListTransitions(ctx context.Context, tenantID string, limit int) ([]gate.Transition, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	items, err := s.client.LRange(ctx, s.transitionsKey(tenantID), 0, stop).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "redis: list transitions %s", tenantID)
	}

	out := make([]gate.Transition, 0, len(items))
	for _, item := range items {
		var tr gate.Transition
		if err := json.Unmarshal([]byte(item), &tr); err != nil {
			return nil, eris.Wrap(err, "redis: unmarshal transition")
		}
		out = append(out, tr)
	}
	return out, nil
}

func (s *Store) DeleteState(ctx context.Context, tenantID string) error {
	err := s.client.Del(ctx, s.stateKey(tenantID), s.transitionsKey(tenantID)).Err()
	return eris.Wrapf(err, "redis: delete state %s", tenantID)
}

// WithTenantLock holds a SET NX PX lock while fn runs. The lock expires on its
// own after the TTL if the holder dies.
func (s *Store) WithTenantLock(ctx context.Context, tenantID string, fn func(context.Context) error) (bool, error) {
	key := s.lockKey(tenantID)
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return false, eris.Wrapf(err, "redis: lock tenant %s", tenantID)
	}
	if !ok {
		return false, nil
	}

	runErr := fn(ctx)

	// Release with a fresh context so a cancelled cycle still frees the lock.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, s.client, []string{key}, token).Err(); err != nil && runErr == nil {
		return true, eris.Wrapf(err, "redis: unlock tenant %s", tenantID)
	}
	return true, runErr
}

func (s *Store) Ping(ctx context.Context) error {
	return eris.Wrap(s.client.Ping(ctx).Err(), "redis: ping")
}

func (s *Store) Close() error {
	return s.client.Close()
}
