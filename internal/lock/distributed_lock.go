package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var (
	ErrLockTimeout = errors.New("failed to acquire lock within wait timeout")
	ErrLockNotHeld = errors.New("lock not held")
)

// 锁重试间隔
const retryInterval = 50 * time.Millisecond

// 释放锁的 Lua 脚本：只有 token 匹配时才删除，保证不会误删他人持有的锁
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// 基于 Redis 的分布式锁
// 每个实例持有唯一 token 标识持有者，锁带租约 TTL，持有者崩溃后自动过期
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func New(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// 尝试获取锁（单次，不等待）
func (dl *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := dl.client.SetNX(ctx, dl.key, dl.token, dl.ttl).Result()
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// 获取锁（带有界等待）
// 在 wait 时间内以固定间隔重试，超时返回 ErrLockTimeout
func (dl *DistributedLock) Lock(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		acquired, err := dl.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		if time.Now().Add(retryInterval).After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// 释放锁
// 读取、比较、删除在 Lua 脚本中原子完成：锁过期后被他人重新获取时，
// 迟到的 Unlock 不会删除新持有者的锁
func (dl *DistributedLock) Unlock(ctx context.Context) error {
	result, err := unlockScript.Run(ctx, dl.client, []string{dl.key}, dl.token).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	if v, ok := result.(int64); ok && v == 1 {
		return nil
	}
	return ErrLockNotHeld
}

// 锁的 key
func (dl *DistributedLock) Key() string {
	return dl.key
}
