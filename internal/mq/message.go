package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// 消息类型常量
const (
	MessageTypeOrderCreated = "voucher_order_created"
)

// 优惠券订单消息
type VoucherOrderMessage struct {
	OrderID     int64     `json:"order_id"`
	UserID      int64     `json:"user_id"`
	VoucherID   int64     `json:"voucher_id"`
	CreateTime  time.Time `json:"create_time"`
	MessageType string    `json:"message_type"`
	TraceID     string    `json:"trace_id"`
}

// 创建优惠券订单消息
func NewVoucherOrderMessage(orderID, userID, voucherID int64) *VoucherOrderMessage {
	return &VoucherOrderMessage{
		OrderID:     orderID,
		UserID:      userID,
		VoucherID:   voucherID,
		CreateTime:  time.Now(),
		MessageType: MessageTypeOrderCreated,
		TraceID:     fmt.Sprintf("trace_%d", time.Now().UnixNano()),
	}
}

// 序列化消息
func (m *VoucherOrderMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// 反序列化消息
func (m *VoucherOrderMessage) Unmarshal(data []byte) error {
	return json.Unmarshal(data, m)
}

// 消息发布接口
type Publisher interface {
	PublishOrderCreated(ctx context.Context, msg *VoucherOrderMessage) error
	Close() error
}

// 确保 RabbitMQ 和 Kafka 生产者都实现了 Publisher 接口
var _ Publisher = (*RabbitMQProducer)(nil)
var _ Publisher = (*KafkaProducer)(nil)
