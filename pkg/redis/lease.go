package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaRenewIfMatch 仅当租约仍归自己时才续期，避免续上别人的租约。
const luaRenewIfMatch = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlMs = tonumber(ARGV[2])
if redis.call('GET', key) == owner then
  return redis.call('PEXPIRE', key, ttlMs)
end
return 0
`

// luaReleaseIfMatch 仅当值匹配 owner 时才删除，避免误删新持有者的租约。
const luaReleaseIfMatch = `
local key = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', key) == owner then
  return redis.call('DEL', key)
end
return 0
`

// Lease 是基于 SET NX PX 的单持有者租约。
type Lease struct {
	rdb   *rd.Client
	key   string
	owner string
	ttl   time.Duration
}

func NewLease(rdb *rd.Client, name, owner string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: LeaderLeaseKey(name), owner: owner, ttl: ttl}
}

// Hold 已持有则续期，否则尝试获取。返回本实例当前是否持有租约。
func (l *Lease) Hold(ctx context.Context) (bool, error) {
	n, err := l.rdb.Eval(ctx, luaRenewIfMatch, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Release 主动放弃租约（优雅退出时调用）。
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.rdb.Eval(ctx, luaReleaseIfMatch, []string{l.key}, l.owner).Int()
	return err
}

// Owner 本实例的持有者标识。
func (l *Lease) Owner() string { return l.owner }
