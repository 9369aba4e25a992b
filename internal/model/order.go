package model

import (
	"time"

	"gorm.io/gorm"
)

// 订单状态
const (
	OrderStatusCreated = "created" // 已创建
	OrderStatusPaid    = "paid"    // 已支付
	OrderStatusExpired = "expired" // 已过期
)

// 失败类型常量
const (
	FailureTypeLockContention = "lock_contention"    // 履约时抢锁失败
	FailureTypePersistence    = "persistence"        // 订单落库失败
	FailureTypeRollback       = "admission_rollback" // 预占回滚失败，Redis 中残留预占
)

// 秒杀订单表
// ID 由分布式 ID 生成器签发，(user_id, voucher_id) 唯一索引兜底一人一单
type VoucherOrder struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID    int64  `gorm:"not null;uniqueIndex:idx_user_voucher" json:"user_id"`
	VoucherID int64  `gorm:"not null;uniqueIndex:idx_user_voucher;index" json:"voucher_id"`
	Status    string `gorm:"size:20;not null" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 订单失败记录表（死信，供补偿任务重试）
type OrderFailure struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	OrderID     int64      `gorm:"not null;index" json:"order_id"`
	UserID      int64      `gorm:"not null" json:"user_id"`
	VoucherID   int64      `gorm:"not null" json:"voucher_id"`
	FailureType string     `gorm:"size:50;not null;index" json:"failure_type"`
	ErrorMsg    string     `gorm:"type:text" json:"error_msg"`
	RetryCount  int        `gorm:"default:0" json:"retry_count"`
	MaxRetries  int        `gorm:"default:3" json:"max_retries"`
	NextRetryAt *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	Status      string     `gorm:"size:20;not null;index" json:"status"` // pending, processing, failed, success, expired

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (VoucherOrder) TableName() string {
	return "voucher_orders"
}

func (OrderFailure) TableName() string {
	return "order_failures"
}

// 创建唯一索引（一人一单的最后防线）
func CreateUniqueIndexes(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_user_voucher
		ON voucher_orders (user_id, voucher_id)
	`).Error
}

// 订单响应DTO
type OrderResponse struct {
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
