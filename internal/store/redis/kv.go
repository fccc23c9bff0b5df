package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/sessionkv/internal/kv"
)

const (
	fieldValue   = "v"
	fieldVersion = "ver"

	// counterSuffix cannot collide with an encoded kv.Key: Key.String
	// always escapes '#'.
	counterSuffix = "#versionstamp"

	opSet    = "set"
	opDelete = "del"
)

// commitScript checks every versionstamp and applies the mutations in one
// server-side step.
//
// KEYS: check keys, mutation keys, versionstamp counter.
// ARGV: number of checks, expected versionstamps, then an (op, value) pair
// per mutation.
var commitScript = redis.NewScript(`
local nchecks = tonumber(ARGV[1])
for i = 1, nchecks do
  local current = redis.call('HGET', KEYS[i], 'ver')
  if not current then current = '' end
  if current ~= ARGV[1 + i] then
    return false
  end
end

local stamp = string.format('%020d', redis.call('INCR', KEYS[#KEYS]))
local nmutations = #KEYS - 1 - nchecks
for j = 1, nmutations do
  local key = KEYS[nchecks + j]
  local base = 1 + nchecks + (j - 1) * 2
  if ARGV[base + 1] == 'set' then
    redis.call('HSET', key, 'v', ARGV[base + 2], 'ver', stamp)
  else
    redis.call('DEL', key)
  end
end
return stamp
`)

var _ kv.Backend = (*Store)(nil)

func (s *Store) redisKey(k kv.Key) string {
	return s.prefix + k.String()
}

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Entry, error) {
	entries, err := s.GetMany(ctx, key)
	if err != nil {
		return kv.Entry{}, fmt.Errorf("redis.Store.Get: %w", err)
	}
	return entries[0], nil
}

func (s *Store) GetMany(ctx context.Context, keys ...kv.Key) ([]kv.Entry, error) {
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, s.redisKey(k), fieldValue, fieldVersion)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis.Store.GetMany: %w", err)
	}

	entries := make([]kv.Entry, len(keys))
	for i, cmd := range cmds {
		entry, err := entryFromFields(keys[i], cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("redis.Store.GetMany: %w", err)
		}
		entries[i] = entry
	}
	return entries, nil
}

func (s *Store) Commit(ctx context.Context, a *kv.Atomic) (kv.Versionstamp, error) {
	keys, args := commitArgs(s.prefix, a)

	stamp, err := commitScript.Run(ctx, s.client, keys, args...).Text()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrCheckFailed
	}
	if err != nil {
		return "", fmt.Errorf("redis.Store.Commit: %w", err)
	}
	return kv.Versionstamp(stamp), nil
}

// entryFromFields builds an entry from an HMGET reply of (value, version).
func entryFromFields(key kv.Key, fields []any) (kv.Entry, error) {
	if len(fields) != 2 {
		return kv.Entry{}, fmt.Errorf("key %s: unexpected reply length %d", key, len(fields))
	}
	if fields[0] == nil || fields[1] == nil {
		return kv.Entry{Key: key}, nil
	}

	value, ok := fields[0].(string)
	if !ok {
		return kv.Entry{}, fmt.Errorf("key %s: value has type %T", key, fields[0])
	}
	version, ok := fields[1].(string)
	if !ok {
		return kv.Entry{}, fmt.Errorf("key %s: versionstamp has type %T", key, fields[1])
	}
	return kv.Entry{Key: key, Value: []byte(value), Versionstamp: kv.Versionstamp(version)}, nil
}

// commitArgs lays out a batch for commitScript.
func commitArgs(prefix string, a *kv.Atomic) ([]string, []any) {
	keys := make([]string, 0, len(a.Checks)+len(a.Mutations)+1)
	args := make([]any, 0, 1+len(a.Checks)+2*len(a.Mutations))

	args = append(args, strconv.Itoa(len(a.Checks)))
	for _, c := range a.Checks {
		keys = append(keys, prefix+c.Key.String())
		args = append(args, string(c.Versionstamp))
	}
	for _, m := range a.Mutations {
		keys = append(keys, prefix+m.Key.String())
		switch m.Kind {
		case kv.MutationSet:
			args = append(args, opSet, m.Value)
		default:
			args = append(args, opDelete, "")
		}
	}
	keys = append(keys, prefix+counterSuffix)

	return keys, args
}
