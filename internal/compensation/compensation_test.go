package compensation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucher-order-service/internal/config"
	"voucher-order-service/internal/model"
	"voucher-order-service/internal/repository"
)

// 内存版失败记录存储
type fakeFailureStore struct {
	failures map[uint]*model.OrderFailure

	statusUpdates []string
	scheduled     []time.Time
	expired       int64
}

func newFakeFailureStore() *fakeFailureStore {
	return &fakeFailureStore{failures: make(map[uint]*model.OrderFailure)}
}

func (f *fakeFailureStore) FailuresDue(ctx context.Context, maxAge time.Duration, limit int) ([]model.OrderFailure, error) {
	var due []model.OrderFailure
	for _, failure := range f.failures {
		if failure.Status == "pending" && failure.RetryCount < failure.MaxRetries {
			due = append(due, *failure)
		}
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (f *fakeFailureStore) UpdateFailureStatus(ctx context.Context, failureID uint, status, errorMsg string) error {
	if failure, ok := f.failures[failureID]; ok {
		failure.Status = status
		if errorMsg != "" {
			failure.ErrorMsg = errorMsg
		}
	}
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeFailureStore) ScheduleFailureRetry(ctx context.Context, failure *model.OrderFailure, nextRetry time.Time) error {
	if stored, ok := f.failures[failure.ID]; ok {
		stored.RetryCount = failure.RetryCount
		stored.ErrorMsg = failure.ErrorMsg
		stored.NextRetryAt = &nextRetry
		stored.Status = "pending"
	}
	f.scheduled = append(f.scheduled, nextRetry)
	return nil
}

func (f *fakeFailureStore) ExpireStaleFailures(ctx context.Context, maxAge time.Duration) (int64, error) {
	return f.expired, nil
}

// 记录重放调用的订单创建器
type fakeCreator struct {
	created []*model.VoucherOrder
	err     error
}

func (f *fakeCreator) CreateOrderTx(ctx context.Context, order *model.VoucherOrder) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, order)
	return nil
}

func testOrderConfig() *config.OrderConfig {
	return &config.OrderConfig{
		Retry: config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Multiplier:      2.0,
		},
		Compensation: config.CompensationConfig{
			Enable:        true,
			CheckInterval: 30 * time.Second,
			MaxRetryHours: 24,
			BatchSize:     100,
		},
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func pendingFailure(id uint) *model.OrderFailure {
	now := time.Now()
	return &model.OrderFailure{
		ID:          id,
		OrderID:     int64(90000 + id),
		UserID:      int64(1000 + id),
		VoucherID:   7,
		FailureType: model.FailureTypePersistence,
		RetryCount:  0,
		MaxRetries:  3,
		NextRetryAt: &now,
		Status:      "pending",
	}
}

func TestProcessFailedOrdersRetriesAndSucceeds(t *testing.T) {
	store := newFakeFailureStore()
	store.failures[1] = pendingFailure(1)

	creator := &fakeCreator{}
	m := NewManager(testOrderConfig(), store, NewDefaultHandler(creator, testLogger()), testLogger())

	m.ProcessFailedOrders(context.Background())

	require.Len(t, creator.created, 1)
	assert.Equal(t, int64(90001), creator.created[0].ID)
	assert.Equal(t, "success", store.failures[1].Status)

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.ProcessedTasks)
	assert.Equal(t, int64(1), stats.SuccessTasks)
}

func TestProcessFailedOrdersSchedulesRetryWithBackoff(t *testing.T) {
	store := newFakeFailureStore()
	store.failures[1] = pendingFailure(1)

	creator := &fakeCreator{err: errors.New("db still down")}
	m := NewManager(testOrderConfig(), store, NewDefaultHandler(creator, testLogger()), testLogger())

	m.ProcessFailedOrders(context.Background())

	require.Len(t, store.scheduled, 1)
	assert.Equal(t, 1, store.failures[1].RetryCount)
	assert.Equal(t, "pending", store.failures[1].Status)
	assert.Contains(t, store.failures[1].ErrorMsg, "db still down")

	// 第一次重试使用 initial_interval * multiplier 的退避
	delay := time.Until(store.scheduled[0])
	assert.Greater(t, delay, time.Second)
	assert.Less(t, delay, 3*time.Second)
}

func TestProcessFailedOrdersMarksFailedAtMaxRetries(t *testing.T) {
	store := newFakeFailureStore()
	failure := pendingFailure(1)
	failure.RetryCount = 2
	store.failures[1] = failure

	creator := &fakeCreator{err: errors.New("db still down")}
	m := NewManager(testOrderConfig(), store, NewDefaultHandler(creator, testLogger()), testLogger())

	m.ProcessFailedOrders(context.Background())

	assert.Equal(t, "failed", store.failures[1].Status)
	assert.Empty(t, store.scheduled)
}

func TestHandlerTreatsExistingOrderAsSuccess(t *testing.T) {
	creator := &fakeCreator{err: repository.ErrAlreadyPurchased}
	handler := NewDefaultHandler(creator, testLogger())

	// 原始落库其实成功过，补偿应视为完成而不是再次失败
	err := handler.ProcessFailedOrder(context.Background(), pendingFailure(1))
	assert.NoError(t, err)
}

func TestGetStatsConcurrentWithProcessing(t *testing.T) {
	store := newFakeFailureStore()
	for i := uint(1); i <= 20; i++ {
		store.failures[i] = pendingFailure(i)
	}

	creator := &fakeCreator{}
	m := NewManager(testOrderConfig(), store, NewDefaultHandler(creator, testLogger()), testLogger())

	// 处理协程和读取协程并发访问统计计数
	done := make(chan struct{})
	go func() {
		m.ProcessFailedOrders(context.Background())
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = m.GetStats()
	}
	<-done

	stats := m.GetStats()
	assert.Equal(t, int64(20), stats.ProcessedTasks)
	assert.Equal(t, int64(20), stats.SuccessTasks)
}

func TestStartDisabledCompensation(t *testing.T) {
	cfg := testOrderConfig()
	cfg.Compensation.Enable = false

	m := NewManager(cfg, newFakeFailureStore(), NewDefaultHandler(&fakeCreator{}, testLogger()), testLogger())
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}
