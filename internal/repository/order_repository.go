package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"voucher-order-service/internal/model"
)

// 下单事务单元
// 一人一单校验、条件扣减库存、插入订单在同一事务内完成，
// 任一步失败整体回滚，不留半成品状态
func (s *Store) CreateOrderTx(ctx context.Context, order *model.VoucherOrder) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 一人一单
		var count int64
		err := tx.Model(&model.VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ?", order.UserID, order.VoucherID).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check existing order: %w", err)
		}
		if count > 0 {
			return ErrAlreadyPurchased
		}

		// 扣减库存
		ok, err := decrementStock(tx, order.VoucherID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientStock
		}

		// 创建订单
		if order.Status == "" {
			order.Status = model.OrderStatusCreated
		}
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})
}

// 查询订单，不存在时返回 (nil, nil)
func (s *Store) GetOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error) {
	var order model.VoucherOrder
	err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// 记录履约失败（死信），供补偿任务重试
func (s *Store) RecordFailure(ctx context.Context, failure *model.OrderFailure) error {
	if failure.Status == "" {
		failure.Status = "pending"
	}
	if failure.NextRetryAt == nil {
		now := time.Now()
		failure.NextRetryAt = &now
	}
	if err := s.db.WithContext(ctx).Create(failure).Error; err != nil {
		return fmt.Errorf("failed to record order failure: %w", err)
	}
	return nil
}

// 查询到期待重试的失败记录
func (s *Store) FailuresDue(ctx context.Context, maxAge time.Duration, limit int) ([]model.OrderFailure, error) {
	var failures []model.OrderFailure
	err := s.db.WithContext(ctx).Where(
		"status = ? AND next_retry_at <= ? AND retry_count < max_retries AND created_at > ?",
		"pending", time.Now(), time.Now().Add(-maxAge),
	).Limit(limit).Find(&failures).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due failures: %w", err)
	}
	return failures, nil
}

// 更新失败记录状态
func (s *Store) UpdateFailureStatus(ctx context.Context, failureID uint, status, errorMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if errorMsg != "" {
		updates["error_msg"] = errorMsg
	}
	return s.db.WithContext(ctx).Model(&model.OrderFailure{}).
		Where("id = ?", failureID).Updates(updates).Error
}

// 安排下一次重试
func (s *Store) ScheduleFailureRetry(ctx context.Context, failure *model.OrderFailure, nextRetry time.Time) error {
	return s.db.WithContext(ctx).Model(failure).Updates(map[string]interface{}{
		"retry_count":   failure.RetryCount,
		"error_msg":     failure.ErrorMsg,
		"next_retry_at": nextRetry,
		"status":        "pending",
		"updated_at":    time.Now(),
	}).Error
}

// 将超龄的未处理记录标记为过期
func (s *Store) ExpireStaleFailures(ctx context.Context, maxAge time.Duration) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.OrderFailure{}).
		Where("created_at < ? AND status IN (?)", time.Now().Add(-maxAge), []string{"pending", "processing"}).
		Update("status", "expired")
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire stale failures: %w", result.Error)
	}
	return result.RowsAffected, nil
}
