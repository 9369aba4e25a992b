package queue

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"voucher-order-service/internal/model"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// 默认队列容量，相对预期通过量留足余量，只有持续过载才会触发背压
const DefaultCapacity = 1 << 20

// 待履约订单队列
// 多生产者（请求协程）单消费者（履约 worker）的有界内存队列，
// 任务只存在于资格校验成功到持久化完成之间，进程崩溃即丢失
type PendingOrderQueue struct {
	tasks  chan *model.VoucherOrder
	mutex  sync.RWMutex
	closed bool
	logger *logrus.Logger

	// 统计信息
	stats QueueStats
}

// 队列统计信息
type QueueStats struct {
	Enqueued int64
	Dropped  int64
	mutex    sync.Mutex
}

func NewPendingOrderQueue(capacity int, logger *logrus.Logger) *PendingOrderQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PendingOrderQueue{
		tasks:  make(chan *model.VoucherOrder, capacity),
		logger: logger,
	}
}

// 入队
// 非阻塞：队列满立即返回 ErrQueueFull，由调用方决定补偿动作
func (q *PendingOrderQueue) Enqueue(order *model.VoucherOrder) error {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- order:
		q.stats.mutex.Lock()
		q.stats.Enqueued++
		q.stats.mutex.Unlock()
		return nil
	default:
		q.stats.mutex.Lock()
		q.stats.Dropped++
		q.stats.mutex.Unlock()
		return ErrQueueFull
	}
}

// 消费端通道
// 队列关闭后通道随之关闭，消费者读完剩余任务即退出
func (q *PendingOrderQueue) Tasks() <-chan *model.VoucherOrder {
	return q.tasks
}

// 关闭队列（幂等）
func (q *PendingOrderQueue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.tasks)

	q.logger.Info("Pending order queue closed")
}

// 当前排队长度
func (q *PendingOrderQueue) Len() int {
	return len(q.tasks)
}

// 获取统计信息
func (q *PendingOrderQueue) GetStats() (enqueued, dropped int64) {
	q.stats.mutex.Lock()
	defer q.stats.mutex.Unlock()
	return q.stats.Enqueued, q.stats.Dropped
}
