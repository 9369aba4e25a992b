package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucher-order-service/internal/model"
	"voucher-order-service/internal/queue"
	"voucher-order-service/internal/repository"
)

// 内存版订单存储
type fakeStore struct {
	mutex    sync.Mutex
	orders   map[int64]*model.VoucherOrder
	failures []*model.OrderFailure

	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[int64]*model.VoucherOrder)}
}

func (f *fakeStore) GetVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	return nil, nil
}

func (f *fakeStore) SaveVoucher(ctx context.Context, voucher *model.SeckillVoucher) error {
	return nil
}

func (f *fakeStore) CreateOrderTx(ctx context.Context, order *model.VoucherOrder) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.orders {
		if existing.UserID == order.UserID && existing.VoucherID == order.VoucherID {
			return repository.ErrAlreadyPurchased
		}
	}
	f.orders[order.ID] = order
	return nil
}

func (f *fakeStore) GetOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.orders[orderID], nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, failure *model.OrderFailure) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.failures = append(f.failures, failure)
	return nil
}

func (f *fakeStore) orderCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.orders)
}

func (f *fakeStore) failureCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.failures)
}

func newTestWorker(t *testing.T) (*FulfillmentWorker, *fakeStore, *queue.PendingOrderQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	store := newFakeStore()
	orderQueue := queue.NewPendingOrderQueue(16, logger)
	w := NewFulfillmentWorker(store, client, orderQueue, nil, logger)
	return w, store, orderQueue, mr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestWorkerFulfillsQueuedOrders(t *testing.T) {
	w, store, orderQueue, _ := newTestWorker(t)

	w.Start()
	defer w.Stop()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, orderQueue.Enqueue(&model.VoucherOrder{
			ID: 90000 + i, UserID: 1000 + i, VoucherID: 7,
		}))
	}

	waitFor(t, func() bool { return store.orderCount() == 3 })

	fulfilled, dropped, failed := w.GetStats()
	assert.Equal(t, int64(3), fulfilled)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestWorkerRecordsPersistenceFailure(t *testing.T) {
	w, store, orderQueue, _ := newTestWorker(t)
	store.createErr = errors.New("db unavailable")

	w.Start()
	defer w.Stop()

	require.NoError(t, orderQueue.Enqueue(&model.VoucherOrder{ID: 90001, UserID: 1001, VoucherID: 7}))

	waitFor(t, func() bool { return store.failureCount() == 1 })

	store.mutex.Lock()
	failure := store.failures[0]
	store.mutex.Unlock()

	assert.Equal(t, int64(90001), failure.OrderID)
	assert.Equal(t, model.FailureTypePersistence, failure.FailureType)
	assert.Contains(t, failure.ErrorMsg, "db unavailable")

	// 落库失败后 worker 继续处理后续任务
	store.mutex.Lock()
	store.createErr = nil
	store.mutex.Unlock()

	require.NoError(t, orderQueue.Enqueue(&model.VoucherOrder{ID: 90002, UserID: 1002, VoucherID: 7}))
	waitFor(t, func() bool { return store.orderCount() == 1 })
}

func TestWorkerSkipsAlreadyPersistedOrder(t *testing.T) {
	w, store, orderQueue, _ := newTestWorker(t)

	store.orders[80000] = &model.VoucherOrder{ID: 80000, UserID: 1001, VoucherID: 7}

	w.Start()

	require.NoError(t, orderQueue.Enqueue(&model.VoucherOrder{ID: 90001, UserID: 1001, VoucherID: 7}))
	w.Stop()

	// 重复订单直接跳过，不进死信表
	assert.Equal(t, 1, store.orderCount())
	assert.Zero(t, store.failureCount())
}

func TestWorkerDropsOrderOnLockContention(t *testing.T) {
	w, store, orderQueue, mr := newTestWorker(t)

	// 另一个持有者占着该用户的锁
	require.NoError(t, mr.Set("lock:voucher_order:1001", "other-holder"))

	w.Start()

	require.NoError(t, orderQueue.Enqueue(&model.VoucherOrder{ID: 90001, UserID: 1001, VoucherID: 7}))
	w.Stop()

	assert.Zero(t, store.orderCount())
	_, dropped, _ := w.GetStats()
	assert.Equal(t, int64(1), dropped)
}

func TestWorkerStopDrainsRemainingTasks(t *testing.T) {
	w, store, orderQueue, _ := newTestWorker(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, orderQueue.Enqueue(&model.VoucherOrder{
			ID: 90000 + i, UserID: 1000 + i, VoucherID: 7,
		}))
	}

	w.Start()
	w.Stop()

	assert.Equal(t, 5, store.orderCount())
}

func TestWorkerStartStopIdempotent(t *testing.T) {
	w, _, _, _ := newTestWorker(t)

	w.Start()
	w.Start()
	w.Stop()
	assert.NotPanics(t, func() { w.Stop() })
}

func TestWorkerStopWithoutStart(t *testing.T) {
	w, _, orderQueue, _ := newTestWorker(t)

	// 从未启动的 worker 没有消费协程，Stop 不能等待它
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a worker that was never started")
	}

	assert.ErrorIs(t, orderQueue.Enqueue(&model.VoucherOrder{ID: 1}), queue.ErrQueueClosed)
}
