package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"voucher-order-service/internal/model"
)

// 查询优惠券，不存在时返回 (nil, nil)
func (s *Store) GetVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	var voucher model.SeckillVoucher
	err := s.db.WithContext(ctx).Where("voucher_id = ?", voucherID).First(&voucher).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get voucher: %w", err)
	}
	return &voucher, nil
}

// 保存优惠券（活动发布/预热时 upsert）
func (s *Store) SaveVoucher(ctx context.Context, voucher *model.SeckillVoucher) error {
	err := s.db.WithContext(ctx).Save(voucher).Error
	if err != nil {
		return fmt.Errorf("failed to save voucher: %w", err)
	}
	return nil
}

// 条件扣减库存
// UPDATE seckill_vouchers SET stock = stock - 1 WHERE voucher_id = ? AND stock > 0
// 通过受影响行数判断是否扣减成功，杜绝读后写竞态
func decrementStock(tx *gorm.DB, voucherID int64) (bool, error) {
	result := tx.Model(&model.SeckillVoucher{}).
		Where("voucher_id = ? AND stock > 0", voucherID).
		UpdateColumn("stock", gorm.Expr("stock - 1"))
	if result.Error != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
