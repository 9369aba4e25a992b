package seckill

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// 资格校验结果码（与 Lua 脚本返回值一致）
type Status int

const (
	StatusAdmitted       Status = 0 // 有资格，库存已扣减、标记已写入
	StatusOutOfStock     Status = 1 // 库存不足
	StatusDuplicateOrder Status = 2 // 该用户已下过单
)

// Redis key 前缀
const (
	stockKeyPrefix = "seckill:stock:"
	orderKeyPrefix = "seckill:order:"
)

var (
	admissionScript = redis.NewScript(admissionLuaScript)
	rollbackScript  = redis.NewScript(rollbackLuaScript)
)

// 秒杀资格校验
// 对共享存储执行单次原子脚本：校验库存与一人一单，
// 通过时在同一脚本内扣减库存并写入预占标记
type Admission struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewAdmission(client *redis.Client, logger *logrus.Logger) *Admission {
	return &Admission{
		client: client,
		logger: logger,
	}
}

// 校验下单资格
func (a *Admission) Admit(ctx context.Context, voucherID, userID, orderID int64) (Status, error) {
	keys := []string{
		stockKeyPrefix + strconv.FormatInt(voucherID, 10),
		orderKeyPrefix + strconv.FormatInt(voucherID, 10),
	}

	result, err := admissionScript.Run(ctx, a.client, keys, userID, orderID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to execute admission script: %w", err)
	}

	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected admission script result: %v", result)
	}
	return Status(code), nil
}

// 回滚预占：恢复库存并移除去重标记
// 用于已通过资格校验但任务入队失败的补偿释放
func (a *Admission) Rollback(ctx context.Context, voucherID, userID int64) error {
	keys := []string{
		stockKeyPrefix + strconv.FormatInt(voucherID, 10),
		orderKeyPrefix + strconv.FormatInt(voucherID, 10),
	}

	result, err := rollbackScript.Run(ctx, a.client, keys, userID).Result()
	if err != nil {
		return fmt.Errorf("failed to rollback reservation: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"voucher_id": voucherID,
		"user_id":    userID,
		"released":   result,
	}).Info("Reservation rollback executed")
	return nil
}

// 预热库存
// 活动发布时将库存写入 Redis，之后只允许脚本扣减
func (a *Admission) PreloadStock(ctx context.Context, voucherID, stock int64) error {
	key := stockKeyPrefix + strconv.FormatInt(voucherID, 10)
	if err := a.client.Set(ctx, key, stock, 0).Err(); err != nil {
		return fmt.Errorf("failed to preload stock: %w", err)
	}

	a.logger.Infof("Preloaded stock for voucher %d: %d", voucherID, stock)
	return nil
}

// 查询剩余库存
func (a *Admission) GetStock(ctx context.Context, voucherID int64) (int64, error) {
	key := stockKeyPrefix + strconv.FormatInt(voucherID, 10)
	stock, err := a.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get stock: %w", err)
	}
	return stock, nil
}

// 清理活动数据
func (a *Admission) Cleanup(ctx context.Context, voucherID int64) error {
	keys := []string{
		stockKeyPrefix + strconv.FormatInt(voucherID, 10),
		orderKeyPrefix + strconv.FormatInt(voucherID, 10),
	}
	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to cleanup voucher data: %w", err)
	}

	a.logger.Infof("Cleaned up seckill data for voucher %d", voucherID)
	return nil
}
