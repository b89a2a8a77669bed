package biz

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
)

func TestEventBus_TypedAndCatchAllSubscribers(t *testing.T) {
	bus := NewEventBus(log.DefaultLogger)

	var typed, all int
	bus.Subscribe(domain.EventCleared, domain.EventListenerFunc(func(event domain.Event) { typed++ }))
	bus.SubscribeAll(domain.EventListenerFunc(func(event domain.Event) { all++ }))

	bus.Publish(domain.NewEvent(domain.EventCleared, "sess_1", nil))
	bus.Publish(domain.NewEvent(domain.EventMessageAdded, "sess_1", nil))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
}

func TestTaskQueue_ExecutesSubmittedTasks(t *testing.T) {
	queue := NewTaskQueue(8, 2, time.Second, log.DefaultLogger)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		ok := queue.Submit("test-task", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		assert.True(t, ok)
	}

	queue.Close()
	assert.Equal(t, int32(5), ran.Load())
}

func TestTaskQueue_FailuresAreObservable(t *testing.T) {
	queue := NewTaskQueue(8, 1, time.Second, log.DefaultLogger)

	wantErr := errors.New("persist failed")
	queue.Submit("failing-task", func(ctx context.Context) error { return wantErr })
	queue.Close()

	select {
	case failure := <-queue.Failures():
		assert.Equal(t, "failing-task", failure.Name)
		assert.ErrorIs(t, failure.Err, wantErr)
	default:
		t.Fatal("expected a recorded task failure")
	}
}

func TestTaskQueue_RejectsAfterClose(t *testing.T) {
	queue := NewTaskQueue(8, 1, time.Second, log.DefaultLogger)
	queue.Close()

	ok := queue.Submit("late-task", func(ctx context.Context) error { return nil })
	assert.False(t, ok)
}
