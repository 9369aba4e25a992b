package queue

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucher-order-service/internal/model"
)

func newTestQueue(capacity int) *PendingOrderQueue {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewPendingOrderQueue(capacity, logger)
}

func TestEnqueueAndDrain(t *testing.T) {
	q := newTestQueue(4)

	for i := int64(1); i <= 3; i++ {
		err := q.Enqueue(&model.VoucherOrder{ID: i, UserID: i, VoucherID: 7})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, q.Len())

	q.Close()

	var got []int64
	for order := range q.Tasks() {
		got = append(got, order.ID)
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestEnqueueFailsFastWhenFull(t *testing.T) {
	q := newTestQueue(2)

	require.NoError(t, q.Enqueue(&model.VoucherOrder{ID: 1}))
	require.NoError(t, q.Enqueue(&model.VoucherOrder{ID: 2}))

	// 队列满时立即返回，不阻塞请求协程
	err := q.Enqueue(&model.VoucherOrder{ID: 3})
	assert.ErrorIs(t, err, ErrQueueFull)

	enqueued, dropped := q.GetStats()
	assert.Equal(t, int64(2), enqueued)
	assert.Equal(t, int64(1), dropped)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := newTestQueue(2)
	q.Close()

	err := q.Enqueue(&model.VoucherOrder{ID: 1})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	q := newTestQueue(2)
	q.Close()
	assert.NotPanics(t, func() { q.Close() })
}
