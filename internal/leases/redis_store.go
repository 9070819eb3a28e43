package leases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore coordinates leases across tracker replicas via SET NX PX.
//
// Ownership checks on renew/release go through small Lua scripts so the
// compare step and the write are atomic on the server.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return -1
`)
	releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  return 1
end
if v == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return -1
`)
)

func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidInput)
	}
	if prefix == "" {
		prefix = "vault-tracker-lease"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *RedisStore) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	ok, err := s.client.SetNX(ctx, s.key(name), owner, ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("leases: redis setnx: %w", err)
	}
	if ok {
		return Lease{Name: name, Owner: owner, ExpiresAt: time.Now().Add(ttl)}, true, nil
	}

	// Taken: re-acquire succeeds only for the current owner.
	got, err := s.client.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SetNX and Get; let the caller retry.
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("leases: redis get: %w", err)
	}
	if got == owner {
		return s.Renew(ctx, name, owner, ttl)
	}
	return Lease{Name: name, Owner: got}, false, nil
}

func (s *RedisStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	res, err := renewScript.Run(ctx, s.client, []string{s.key(name)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("leases: redis renew: %w", err)
	}
	if res < 0 {
		return Lease{}, false, ErrNotOwner
	}
	if res == 0 {
		return Lease{}, false, ErrNotFound
	}
	return Lease{Name: name, Owner: owner, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

func (s *RedisStore) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	res, err := releaseScript.Run(ctx, s.client, []string{s.key(name)}, owner).Int64()
	if err != nil {
		return fmt.Errorf("leases: redis release: %w", err)
	}
	if res < 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.key(name))
	ttlCmd := pipe.PTTL(ctx, s.key(name))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, fmt.Errorf("leases: redis get: %w", err)
	}

	lease := Lease{Name: name, Owner: getCmd.Val()}
	if ttl := ttlCmd.Val(); ttl > 0 {
		lease.ExpiresAt = time.Now().Add(ttl)
	}
	return lease, nil
}
