package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voucher-order-service/internal/config"
	"voucher-order-service/internal/model"
	"voucher-order-service/internal/repository"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// 失败记录存储接口
type FailureStore interface {
	FailuresDue(ctx context.Context, maxAge time.Duration, limit int) ([]model.OrderFailure, error)
	UpdateFailureStatus(ctx context.Context, failureID uint, status, errorMsg string) error
	ScheduleFailureRetry(ctx context.Context, failure *model.OrderFailure, nextRetry time.Time) error
	ExpireStaleFailures(ctx context.Context, maxAge time.Duration) (int64, error)
}

// 补偿处理器接口
type Handler interface {
	ProcessFailedOrder(ctx context.Context, failure *model.OrderFailure) error
}

// 补偿统计信息
type Stats struct {
	ProcessedTasks int64
	SuccessTasks   int64
	FailedTasks    int64
	RetryTasks     int64
	ExpiredTasks   int64
}

// 补偿管理器
// 定时扫描订单失败死信表，重试履约
type Manager struct {
	cfg     *config.OrderConfig
	store   FailureStore
	handler Handler
	cron    *cron.Cron
	logger  *logrus.Logger

	// 统计信息，cron 协程写、外部读
	statsMutex sync.Mutex
	stats      Stats
}

// 累加统计计数
func (m *Manager) addStat(update func(*Stats)) {
	m.statsMutex.Lock()
	defer m.statsMutex.Unlock()
	update(&m.stats)
}

// 创建补偿管理器
func NewManager(cfg *config.OrderConfig, store FailureStore, handler Handler, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		handler: handler,
		cron:    cron.New(),
		logger:  logger,
	}
}

// 启动补偿任务
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Compensation.Enable {
		m.logger.Info("Compensation is disabled")
		return nil
	}

	cronSpec := fmt.Sprintf("@every %s", m.cfg.Compensation.CheckInterval)
	_, err := m.cron.AddFunc(cronSpec, func() {
		m.ProcessFailedOrders(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	m.cron.Start()

	m.logger.Infof("Compensation manager started with interval: %s", m.cfg.Compensation.CheckInterval)
	return nil
}

// 停止补偿任务
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	m.logger.Info("Compensation manager stopped")
}

// ProcessFailedOrders 扫描并重试到期的失败订单
func (m *Manager) ProcessFailedOrders(ctx context.Context) {
	m.logger.Debug("Starting to process failed orders")

	maxAge := time.Duration(m.cfg.Compensation.MaxRetryHours) * time.Hour
	failures, err := m.store.FailuresDue(ctx, maxAge, m.cfg.Compensation.BatchSize)
	if err != nil {
		m.logger.Errorf("Failed to query failed orders: %v", err)
		return
	}

	if len(failures) == 0 {
		m.logger.Debug("No failed orders to process")
		return
	}

	m.logger.Infof("Found %d failed orders to process", len(failures))

	for i := range failures {
		m.processFailedOrder(ctx, &failures[i])
	}

	// 清理过期的失败记录
	m.cleanupExpiredFailures(ctx)
}

// 处理单个失败订单
func (m *Manager) processFailedOrder(ctx context.Context, failure *model.OrderFailure) {
	m.addStat(func(s *Stats) { s.ProcessedTasks++ })

	m.logger.WithFields(logrus.Fields{
		"failure_id":  failure.ID,
		"order_id":    failure.OrderID,
		"user_id":     failure.UserID,
		"voucher_id":  failure.VoucherID,
		"retry_count": failure.RetryCount,
	}).Info("Processing failed order")

	if err := m.store.UpdateFailureStatus(ctx, failure.ID, "processing", ""); err != nil {
		m.logger.Errorf("Failed to update failure status: %v", err)
		return
	}

	if err := m.handler.ProcessFailedOrder(ctx, failure); err != nil {
		m.handleRetryFailure(ctx, failure, err)
	} else {
		m.handleRetrySuccess(ctx, failure)
	}
}

// 处理重试成功
func (m *Manager) handleRetrySuccess(ctx context.Context, failure *model.OrderFailure) {
	m.addStat(func(s *Stats) { s.SuccessTasks++ })

	if err := m.store.UpdateFailureStatus(ctx, failure.ID, "success", ""); err != nil {
		m.logger.Errorf("Failed to update failure status to success: %v", err)
	}

	m.logger.WithFields(logrus.Fields{
		"failure_id":  failure.ID,
		"order_id":    failure.OrderID,
		"retry_count": failure.RetryCount,
	}).Info("Failed order processed successfully")
}

// 处理重试失败
func (m *Manager) handleRetryFailure(ctx context.Context, failure *model.OrderFailure, cause error) {
	m.addStat(func(s *Stats) { s.FailedTasks++ })

	failure.RetryCount++
	failure.ErrorMsg = cause.Error()

	if failure.RetryCount >= failure.MaxRetries {
		// 达到最大重试次数，标记为失败
		if err := m.store.UpdateFailureStatus(ctx, failure.ID, "failed", cause.Error()); err != nil {
			m.logger.Errorf("Failed to mark failure as failed: %v", err)
		}
		m.logger.WithFields(logrus.Fields{
			"failure_id":  failure.ID,
			"order_id":    failure.OrderID,
			"retry_count": failure.RetryCount,
			"max_retries": failure.MaxRetries,
		}).Error("Failed order reached max retries")
		return
	}

	// 指数退避计算下次重试时间
	nextRetry := m.nextRetryTime(failure.RetryCount)
	if err := m.store.ScheduleFailureRetry(ctx, failure, nextRetry); err != nil {
		m.logger.Errorf("Failed to update failure for retry: %v", err)
		return
	}

	m.addStat(func(s *Stats) { s.RetryTasks++ })
	m.logger.WithFields(logrus.Fields{
		"failure_id":  failure.ID,
		"order_id":    failure.OrderID,
		"retry_count": failure.RetryCount,
		"next_retry":  nextRetry,
	}).Warn("Failed order scheduled for retry")
}

// 计算下次重试时间
func (m *Manager) nextRetryTime(retryCount int) time.Time {
	interval := m.cfg.Retry.InitialInterval
	for i := 0; i < retryCount; i++ {
		interval = time.Duration(float64(interval) * m.cfg.Retry.Multiplier)
		if interval > m.cfg.Retry.MaxInterval {
			interval = m.cfg.Retry.MaxInterval
			break
		}
	}
	return time.Now().Add(interval)
}

// 清理过期的失败记录
func (m *Manager) cleanupExpiredFailures(ctx context.Context) {
	maxAge := time.Duration(m.cfg.Compensation.MaxRetryHours) * time.Hour
	expired, err := m.store.ExpireStaleFailures(ctx, maxAge)
	if err != nil {
		m.logger.Errorf("Failed to cleanup expired failures: %v", err)
		return
	}
	if expired > 0 {
		m.addStat(func(s *Stats) { s.ExpiredTasks += expired })
		m.logger.Infof("Cleaned up %d expired failure records", expired)
	}
}

// 获取补偿统计信息
func (m *Manager) GetStats() Stats {
	m.statsMutex.Lock()
	defer m.statsMutex.Unlock()
	return m.stats
}

// 订单创建接口
type OrderCreator interface {
	CreateOrderTx(ctx context.Context, order *model.VoucherOrder) error
}

// 默认补偿处理器：重放死信订单的落库事务
type DefaultHandler struct {
	creator OrderCreator
	logger  *logrus.Logger
}

// 创建默认补偿处理器
func NewDefaultHandler(creator OrderCreator, logger *logrus.Logger) *DefaultHandler {
	return &DefaultHandler{
		creator: creator,
		logger:  logger,
	}
}

// 处理失败订单
func (h *DefaultHandler) ProcessFailedOrder(ctx context.Context, failure *model.OrderFailure) error {
	order := &model.VoucherOrder{
		ID:        failure.OrderID,
		UserID:    failure.UserID,
		VoucherID: failure.VoucherID,
	}

	err := h.creator.CreateOrderTx(ctx, order)
	if err != nil {
		// 订单已存在说明此前的落库其实成功了，补偿视为完成
		if errors.Is(err, repository.ErrAlreadyPurchased) {
			h.logger.WithFields(logrus.Fields{
				"failure_id": failure.ID,
				"order_id":   failure.OrderID,
			}).Warn("Order already persisted, compensation skipped")
			return nil
		}
		return fmt.Errorf("failed to retry create order: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"failure_id": failure.ID,
		"order_id":   failure.OrderID,
		"user_id":    failure.UserID,
		"voucher_id": failure.VoucherID,
	}).Info("Failed order compensated successfully")

	return nil
}
