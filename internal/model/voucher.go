package model

import (
	"time"
)

// 秒杀优惠券表
// 库存只允许通过条件更新扣减（stock = stock - 1 WHERE stock > 0），
// 其余字段在活动发布后不再变化
type SeckillVoucher struct {
	VoucherID int64     `gorm:"primaryKey" json:"voucher_id"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	Stock     int64     `gorm:"not null" json:"stock"`
	Price     float64   `gorm:"type:decimal(10,2);not null" json:"price"`
	BeginTime time.Time `gorm:"not null" json:"begin_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SeckillVoucher) TableName() string {
	return "seckill_vouchers"
}

// 优惠券预热请求DTO
type PreloadVoucherRequest struct {
	VoucherID int64     `json:"voucher_id" binding:"required"`
	Title     string    `json:"title"`
	Stock     int64     `json:"stock" binding:"required,min=1"`
	Price     float64   `json:"price"`
	BeginTime time.Time `json:"begin_time" binding:"required"`
	EndTime   time.Time `json:"end_time" binding:"required"`
}
