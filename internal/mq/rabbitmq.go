package mq

import (
	"context"
	"fmt"
	"time"

	"voucher-order-service/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// RabbitMQ 生产者
type RabbitMQProducer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *logrus.Logger
}

// 创建 RabbitMQ 生产者
func NewRabbitMQProducer(cfg *config.RabbitMQConfig, logger *logrus.Logger) (*RabbitMQProducer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	producer := &RabbitMQProducer{
		conn:       conn,
		channel:    channel,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger,
	}

	// 声明交换机
	err = channel.ExchangeDeclare(
		cfg.Exchange,   // name
		"topic",        // type
		cfg.Durable,    // durable
		cfg.AutoDelete, // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// 声明队列
	_, err = channel.QueueDeclare(
		cfg.Queue,      // name
		cfg.Durable,    // durable
		cfg.AutoDelete, // delete when unused
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// 绑定队列到交换机
	err = channel.QueueBind(
		cfg.Queue,      // queue name
		cfg.RoutingKey, // routing key
		cfg.Exchange,   // exchange
		false,
		nil,
	)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("RabbitMQ producer initialized successfully")
	return producer, nil
}

// 发布订单创建消息
func (p *RabbitMQProducer) PublishOrderCreated(ctx context.Context, msg *VoucherOrderMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp.Persistent, // 持久化消息
		Timestamp:    time.Now(),
		MessageId:    fmt.Sprintf("%d", msg.OrderID),
	}

	err = p.channel.Publish(
		p.exchange,   // exchange
		p.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		publishing,   // message
	)
	if err != nil {
		p.logger.Errorf("Failed to publish message: %v", err)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debugf("Order message sent to exchange: %s, routing key: %s", p.exchange, p.routingKey)
	return nil
}

// 健康检查
func (p *RabbitMQProducer) HealthCheck() error {
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("connection is closed")
	}
	if p.channel == nil {
		return fmt.Errorf("channel is nil")
	}
	return nil
}

// 关闭连接
func (p *RabbitMQProducer) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.logger.Info("RabbitMQ producer closed")
	return nil
}
