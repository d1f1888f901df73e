package xredis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 续期脚本：只有持有者才能续期
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// 释放脚本：防止误删别人的锁
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// MasterLock elects one replica for singleton jobs such as the expiry sweeper.
type MasterLock struct {
	rdb *redis.Client
	key string
	id  string
}

func NewMasterLock(rdb *redis.Client, key string) *MasterLock {
	host, _ := os.Hostname()
	return &MasterLock{
		rdb: rdb,
		key: key,
		id:  fmt.Sprintf("%s-%s", host, uuid.NewString()),
	}
}

func (l *MasterLock) ID() string { return l.id }

// TryAcquire takes the lock or renews it when already held by this replica.
func (l *MasterLock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	n, err := l.rdb.Eval(ctx, renewScript, []string{l.key}, l.id, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *MasterLock) Release(ctx context.Context) error {
	return l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.id).Err()
}
