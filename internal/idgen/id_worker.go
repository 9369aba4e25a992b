package idgen

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ID 生成的起始时间戳（2025-01-01 00:00:00 UTC）
var beginTimestamp = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

// 序列号占用的位数
const countBits = 32

// 基于 Redis 的分布式 ID 生成器
// ID = 相对秒级时间戳 << 32 | 当日自增序列号
// 计数器按业务 key 和日期分片，旧计数器可按日期回收
type IDWorker struct {
	client *redis.Client
}

func NewIDWorker(client *redis.Client) *IDWorker {
	return &IDWorker{client: client}
}

// 生成一个全局唯一、粗略按时间有序的 ID
// Redis 不可用时直接返回错误，不降级为本地生成，避免 ID 冲突破坏订单唯一性
func (w *IDWorker) NextID(ctx context.Context, bizKey string) (int64, error) {
	now := time.Now().UTC()
	timestamp := now.Unix() - beginTimestamp

	// 按业务和日期分片的计数器
	counterKey := fmt.Sprintf("counter:%s:%s", bizKey, now.Format("2006:01:02"))
	seq, err := w.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment id counter: %w", err)
	}

	return timestamp<<countBits | seq, nil
}
