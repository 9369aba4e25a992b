package mq

import (
	"context"
	"fmt"
	"time"

	"voucher-order-service/internal/config"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Kafka 生产者
type KafkaProducer struct {
	writer *kafka.Writer
	logger *logrus.Logger
}

// 创建 Kafka 生产者
func NewKafkaProducer(cfg *config.KafkaConfig, logger *logrus.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &KafkaProducer{
		writer: writer,
		logger: logger,
	}
}

// 发布订单创建消息
func (p *KafkaProducer) PublishOrderCreated(ctx context.Context, msg *VoucherOrderMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// 按用户分区，同一用户的订单消息保持有序
	message := kafka.Message{
		Key:   []byte(fmt.Sprintf("voucher_order_%d", msg.UserID)),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.logger.Errorf("Failed to write message to Kafka: %v", err)
		return fmt.Errorf("failed to write message: %w", err)
	}

	p.logger.Debugf("Order message sent to Kafka topic: %s, order_id: %d", p.writer.Topic, msg.OrderID)
	return nil
}

// 关闭生产者
func (p *KafkaProducer) Close() error {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			p.logger.Errorf("Failed to close Kafka writer: %v", err)
			return err
		}
	}
	p.logger.Info("Kafka producer closed")
	return nil
}
