package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voucher-order-service/internal/lock"
	"voucher-order-service/internal/model"
	"voucher-order-service/internal/mq"
	"voucher-order-service/internal/queue"
	"voucher-order-service/internal/repository"
	"voucher-order-service/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// 订单履约 worker
// 单协程消费待履约队列，把异步下单请求落库
type FulfillmentWorker struct {
	store       service.OrderStore
	redisClient *redis.Client
	orderQueue  *queue.PendingOrderQueue
	publisher   mq.Publisher
	logger      *logrus.Logger

	lockTTL     time.Duration
	taskTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	started   int32
	done      chan struct{}

	// 统计信息
	mutex     sync.Mutex
	fulfilled int64
	dropped   int64
	failed    int64
}

// 创建订单履约 worker
func NewFulfillmentWorker(
	store service.OrderStore,
	redisClient *redis.Client,
	orderQueue *queue.PendingOrderQueue,
	publisher mq.Publisher,
	logger *logrus.Logger,
) *FulfillmentWorker {
	return &FulfillmentWorker{
		store:       store,
		redisClient: redisClient,
		orderQueue:  orderQueue,
		publisher:   publisher,
		logger:      logger,
		lockTTL:     10 * time.Second,
		taskTimeout: 5 * time.Second,
		done:        make(chan struct{}),
	}
}

// SetTimings 调整履约锁租约和单任务超时
func (w *FulfillmentWorker) SetTimings(lockTTL, taskTimeout time.Duration) {
	if lockTTL > 0 {
		w.lockTTL = lockTTL
	}
	if taskTimeout > 0 {
		w.taskTimeout = taskTimeout
	}
}

// 启动 worker（幂等）
func (w *FulfillmentWorker) Start() {
	w.startOnce.Do(func() {
		atomic.StoreInt32(&w.started, 1)
		go w.run()
		w.logger.Info("Fulfillment worker started")
	})
}

// 停止 worker：关闭队列并等待剩余任务处理完成
// 从未启动过的 worker 没有消费协程，直接返回
func (w *FulfillmentWorker) Stop() {
	w.stopOnce.Do(func() {
		w.orderQueue.Close()
		if atomic.LoadInt32(&w.started) == 1 {
			<-w.done
		}
		w.logger.Info("Fulfillment worker stopped")
	})
}

// 消费循环，队列关闭且排空后退出
func (w *FulfillmentWorker) run() {
	defer close(w.done)

	for order := range w.orderQueue.Tasks() {
		w.handleOrder(order)
	}
}

// 处理单个待履约订单
func (w *FulfillmentWorker) handleOrder(order *model.VoucherOrder) {
	ctx, cancel := context.WithTimeout(context.Background(), w.taskTimeout)
	defer cancel()

	// 兜底的用户锁：准入脚本已保证一人一单，这里拿不到锁说明
	// 同一用户有请求正在处理，直接丢弃而不是阻塞整个队列
	userLock := lock.New(w.redisClient, fmt.Sprintf("lock:voucher_order:%d", order.UserID), w.lockTTL)
	acquired, err := userLock.TryLock(ctx)
	if err != nil {
		w.logger.Errorf("Failed to try user lock for order %d: %v", order.ID, err)
		w.recordContention(ctx, order, err)
		return
	}
	if !acquired {
		w.mutex.Lock()
		w.dropped++
		w.mutex.Unlock()
		w.logger.WithFields(logrus.Fields{
			"order_id": order.ID,
			"user_id":  order.UserID,
		}).Error("User lock contention, dropping pending order")
		return
	}
	defer func() {
		if err := userLock.Unlock(context.Background()); err != nil {
			w.logger.Warnf("Failed to release user lock %s: %v", userLock.Key(), err)
		}
	}()

	if err := w.store.CreateOrderTx(ctx, order); err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyPurchased):
			// 准入集合已拦截重复用户，落库时再次命中说明订单早已存在
			w.logger.WithFields(logrus.Fields{
				"order_id": order.ID,
				"user_id":  order.UserID,
			}).Warn("Pending order already persisted, skipping")
		default:
			w.persistFailure(ctx, order, err)
		}
		return
	}

	w.mutex.Lock()
	w.fulfilled++
	w.mutex.Unlock()

	w.publishOrderCreated(ctx, order)

	w.logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"user_id":    order.UserID,
		"voucher_id": order.VoucherID,
	}).Info("Pending order fulfilled")
}

// 落库失败写入死信表，交给补偿任务重试
func (w *FulfillmentWorker) persistFailure(ctx context.Context, order *model.VoucherOrder, cause error) {
	w.mutex.Lock()
	w.failed++
	w.mutex.Unlock()

	w.logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"user_id":    order.UserID,
		"voucher_id": order.VoucherID,
	}).Errorf("Failed to persist pending order: %v", cause)

	failure := &model.OrderFailure{
		OrderID:     order.ID,
		UserID:      order.UserID,
		VoucherID:   order.VoucherID,
		FailureType: model.FailureTypePersistence,
		ErrorMsg:    cause.Error(),
	}
	if err := w.store.RecordFailure(ctx, failure); err != nil {
		w.logger.Errorf("Failed to record order failure %d: %v", order.ID, err)
	}
}

// 锁探测出错时也进死信表，避免订单悄悄丢失
func (w *FulfillmentWorker) recordContention(ctx context.Context, order *model.VoucherOrder, cause error) {
	failure := &model.OrderFailure{
		OrderID:     order.ID,
		UserID:      order.UserID,
		VoucherID:   order.VoucherID,
		FailureType: model.FailureTypeLockContention,
		ErrorMsg:    cause.Error(),
	}
	if err := w.store.RecordFailure(ctx, failure); err != nil {
		w.logger.Errorf("Failed to record order failure %d: %v", order.ID, err)
	}
}

// 发送订单创建消息，失败不影响履约结果
func (w *FulfillmentWorker) publishOrderCreated(ctx context.Context, order *model.VoucherOrder) {
	if w.publisher == nil {
		return
	}

	message := mq.NewVoucherOrderMessage(order.ID, order.UserID, order.VoucherID)
	if err := w.publisher.PublishOrderCreated(ctx, message); err != nil {
		w.logger.Errorf("Failed to publish order created message: %v", err)
	}
}

// 获取履约统计信息
func (w *FulfillmentWorker) GetStats() (fulfilled, dropped, failed int64) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.fulfilled, w.dropped, w.failed
}
