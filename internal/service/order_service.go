package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voucher-order-service/internal/idgen"
	"voucher-order-service/internal/lock"
	"voucher-order-service/internal/model"
	"voucher-order-service/internal/mq"
	"voucher-order-service/internal/queue"
	"voucher-order-service/internal/repository"
	"voucher-order-service/internal/seckill"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// 下单结果码
const (
	ResultSuccess          = 1  // 下单成功
	ResultVoucherNotFound  = -1 // 优惠券不存在
	ResultNotStarted       = -2 // 秒杀尚未开始
	ResultEnded            = -3 // 秒杀已经结束
	ResultOutOfStock       = -4 // 库存不足
	ResultDuplicateOrder   = -5 // 用户已购买过
	ResultDuplicateRequest = -6 // 重复请求（未拿到用户锁）
	ResultServerBusy       = -7 // 服务繁忙（队列已满）
	ResultSystemError      = -8 // 系统错误
)

// 下单结果
type OrderResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	OrderID int64  `json:"order_id,omitempty"`
}

// 订单存储接口
type OrderStore interface {
	GetVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
	SaveVoucher(ctx context.Context, voucher *model.SeckillVoucher) error
	CreateOrderTx(ctx context.Context, order *model.VoucherOrder) error
	GetOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error)
	RecordFailure(ctx context.Context, failure *model.OrderFailure) error
}

// 秒杀订单服务
type OrderService struct {
	store       OrderStore
	redisClient *redis.Client
	idWorker    *idgen.IDWorker
	admission   *seckill.Admission
	orderQueue  *queue.PendingOrderQueue
	publisher   mq.Publisher
	logger      *logrus.Logger

	lockWaitTimeout time.Duration
	lockLeaseTTL    time.Duration
}

// 创建秒杀订单服务
func NewOrderService(
	store OrderStore,
	redisClient *redis.Client,
	idWorker *idgen.IDWorker,
	admission *seckill.Admission,
	orderQueue *queue.PendingOrderQueue,
	publisher mq.Publisher,
	logger *logrus.Logger,
) *OrderService {
	return &OrderService{
		store:           store,
		redisClient:     redisClient,
		idWorker:        idWorker,
		admission:       admission,
		orderQueue:      orderQueue,
		publisher:       publisher,
		logger:          logger,
		lockWaitTimeout: 1 * time.Second,
		lockLeaseTTL:    100 * time.Second,
	}
}

// SetLockTimings 调整用户锁参数
func (s *OrderService) SetLockTimings(wait, lease time.Duration) {
	if wait > 0 {
		s.lockWaitTimeout = wait
	}
	if lease > 0 {
		s.lockLeaseTTL = lease
	}
}

// 用户锁的 key
func userLockKey(userID int64) string {
	return fmt.Sprintf("lock:voucher_order:%d", userID)
}

// PlaceOrder 同步下单：时间窗口校验 -> 用户锁 -> 事务落库
func (s *OrderService) PlaceOrder(ctx context.Context, voucherID, userID int64) (*OrderResult, error) {
	// 校验优惠券、秒杀时间窗口和库存
	if result := s.checkVoucher(ctx, voucherID, time.Now()); result != nil {
		return result, nil
	}

	// 获取用户级分布式锁，同一用户的并发请求串行化
	userLock := lock.New(s.redisClient, userLockKey(userID), s.lockLeaseTTL)
	if err := userLock.Lock(ctx, s.lockWaitTimeout); err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return &OrderResult{
				Code:    ResultDuplicateRequest,
				Message: "不允许重复下单",
				Success: false,
			}, nil
		}
		s.logger.WithFields(logrus.Fields{
			"user_id":    userID,
			"voucher_id": voucherID,
		}).Errorf("Failed to acquire user lock: %v", err)
		return s.systemError(), nil
	}
	defer func() {
		if err := userLock.Unlock(context.Background()); err != nil {
			s.logger.Warnf("Failed to release user lock %s: %v", userLock.Key(), err)
		}
	}()

	// 生成全局订单ID
	orderID, err := s.idWorker.NextID(ctx, "order")
	if err != nil {
		s.logger.Errorf("Failed to generate order id: %v", err)
		return s.systemError(), nil
	}

	order := &model.VoucherOrder{
		ID:        orderID,
		UserID:    userID,
		VoucherID: voucherID,
	}

	// 事务内完成 一人一单校验 + 条件扣减 + 插入订单
	if err := s.store.CreateOrderTx(ctx, order); err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyPurchased):
			return &OrderResult{
				Code:    ResultDuplicateOrder,
				Message: "用户已购买过该优惠券",
				Success: false,
			}, nil
		case errors.Is(err, repository.ErrInsufficientStock):
			return &OrderResult{
				Code:    ResultOutOfStock,
				Message: "库存不足",
				Success: false,
			}, nil
		default:
			s.logger.WithFields(logrus.Fields{
				"order_id":   orderID,
				"user_id":    userID,
				"voucher_id": voucherID,
			}).Errorf("Failed to create order: %v", err)
			return s.systemError(), nil
		}
	}

	s.publishOrderCreated(ctx, order)

	s.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"user_id":    userID,
		"voucher_id": voucherID,
	}).Info("Voucher order created")

	return &OrderResult{
		Code:    ResultSuccess,
		Message: "下单成功",
		Success: true,
		OrderID: orderID,
	}, nil
}

// PlaceOrderAsync 异步下单：Lua 原子准入 -> 入队等待履约
func (s *OrderService) PlaceOrderAsync(ctx context.Context, voucherID, userID int64) (*OrderResult, error) {
	// 先生成订单ID，准入成功后即可返回给用户
	orderID, err := s.idWorker.NextID(ctx, "order")
	if err != nil {
		s.logger.Errorf("Failed to generate order id: %v", err)
		return s.systemError(), nil
	}

	// 单次 Redis 往返完成 库存判断 + 一人一单 + 预扣减
	status, err := s.admission.Admit(ctx, voucherID, userID, orderID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id":    userID,
			"voucher_id": voucherID,
		}).Errorf("Seckill admission failed: %v", err)
		return s.systemError(), nil
	}

	switch status {
	case seckill.StatusOutOfStock:
		return &OrderResult{
			Code:    ResultOutOfStock,
			Message: "库存不足",
			Success: false,
		}, nil
	case seckill.StatusDuplicateOrder:
		return &OrderResult{
			Code:    ResultDuplicateOrder,
			Message: "用户已购买过该优惠券",
			Success: false,
		}, nil
	}

	order := &model.VoucherOrder{
		ID:        orderID,
		UserID:    userID,
		VoucherID: voucherID,
	}

	// 提交到待履约队列，由后台 worker 落库
	if err := s.orderQueue.Enqueue(order); err != nil {
		// 入队失败需要回滚准入状态，否则用户既没下单也无法重试
		s.rollbackAdmission(context.Background(), order)
		s.logger.WithFields(logrus.Fields{
			"order_id":   orderID,
			"user_id":    userID,
			"voucher_id": voucherID,
		}).Errorf("Failed to enqueue pending order: %v", err)
		return &OrderResult{
			Code:    ResultServerBusy,
			Message: "服务繁忙，请稍后重试",
			Success: false,
		}, nil
	}

	return &OrderResult{
		Code:    ResultSuccess,
		Message: "下单成功，订单处理中",
		Success: true,
		OrderID: orderID,
	}, nil
}

// GetOrderStatus 查询订单状态；已准入但尚未落库的订单返回 processing
func (s *OrderService) GetOrderStatus(ctx context.Context, orderID int64) (*model.OrderResponse, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return &model.OrderResponse{
			OrderID: orderID,
			Status:  "processing",
		}, nil
	}

	return &model.OrderResponse{
		OrderID:   order.ID,
		UserID:    order.UserID,
		VoucherID: order.VoucherID,
		Status:    order.Status,
		CreatedAt: order.CreatedAt,
	}, nil
}

// PreloadVoucher 预热活动：写库存表并加载到 Redis
func (s *OrderService) PreloadVoucher(ctx context.Context, req *model.PreloadVoucherRequest) error {
	voucher := &model.SeckillVoucher{
		VoucherID: req.VoucherID,
		Title:     req.Title,
		Stock:     req.Stock,
		Price:     req.Price,
		BeginTime: req.BeginTime,
		EndTime:   req.EndTime,
	}

	if err := s.store.SaveVoucher(ctx, voucher); err != nil {
		return fmt.Errorf("failed to save voucher: %w", err)
	}

	if err := s.admission.PreloadStock(ctx, req.VoucherID, req.Stock); err != nil {
		return fmt.Errorf("failed to preload stock: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"voucher_id": req.VoucherID,
		"stock":      req.Stock,
	}).Info("Voucher preloaded")
	return nil
}

// 回滚准入预占
// 回滚本身失败意味着 Redis 里残留了预占标记和已扣库存：用户此后的请求
// 全部命中重复下单，这单库存也无法售出。记入死信表交给补偿/对账处理
func (s *OrderService) rollbackAdmission(ctx context.Context, order *model.VoucherOrder) {
	err := s.admission.Rollback(ctx, order.VoucherID, order.UserID)
	if err == nil {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"user_id":    order.UserID,
		"voucher_id": order.VoucherID,
	}).Errorf("Failed to rollback admission, reservation leaked: %v", err)

	failure := &model.OrderFailure{
		OrderID:     order.ID,
		UserID:      order.UserID,
		VoucherID:   order.VoucherID,
		FailureType: model.FailureTypeRollback,
		ErrorMsg:    err.Error(),
	}
	if rerr := s.store.RecordFailure(ctx, failure); rerr != nil {
		s.logger.Errorf("Failed to record rollback failure for order %d: %v", order.ID, rerr)
	}
}

// 校验优惠券存在性、秒杀时间窗口（[begin, end) 左闭右开）和剩余库存
// 库存耗尽的请求在这里挡掉，不再获取用户锁、生成订单ID和开启事务
func (s *OrderService) checkVoucher(ctx context.Context, voucherID int64, now time.Time) *OrderResult {
	voucher, err := s.store.GetVoucher(ctx, voucherID)
	if err != nil {
		s.logger.Errorf("Failed to query voucher %d: %v", voucherID, err)
		return s.systemError()
	}
	if voucher == nil {
		return &OrderResult{
			Code:    ResultVoucherNotFound,
			Message: "优惠券不存在",
			Success: false,
		}
	}

	if now.Before(voucher.BeginTime) {
		return &OrderResult{
			Code:    ResultNotStarted,
			Message: "秒杀尚未开始",
			Success: false,
		}
	}
	if !now.Before(voucher.EndTime) {
		return &OrderResult{
			Code:    ResultEnded,
			Message: "秒杀已经结束",
			Success: false,
		}
	}
	if voucher.Stock <= 0 {
		return &OrderResult{
			Code:    ResultOutOfStock,
			Message: "库存不足",
			Success: false,
		}
	}

	return nil
}

// 发送订单创建消息，失败不影响下单结果
func (s *OrderService) publishOrderCreated(ctx context.Context, order *model.VoucherOrder) {
	if s.publisher == nil {
		return
	}

	message := mq.NewVoucherOrderMessage(order.ID, order.UserID, order.VoucherID)
	if err := s.publisher.PublishOrderCreated(ctx, message); err != nil {
		s.logger.Errorf("Failed to publish order created message: %v", err)
	}
}

func (s *OrderService) systemError() *OrderResult {
	return &OrderResult{
		Code:    ResultSystemError,
		Message: "系统错误",
		Success: false,
	}
}
