package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrAlreadyPurchased  = errors.New("user already purchased this voucher")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// 关系型存储访问层
// 承载事务性单元（下单）与普通查询，编排逻辑留在 service 层
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}
