package collab

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreControl_Limit(t *testing.T) {
	sem := NewSemaphoreControl(2)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	// 满了：带超时的 Acquire 应该失败而不是卡死
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(shortCtx); err == nil {
		t.Fatalf("acquire on full semaphore should time out")
	}

	sem.Release()
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSemaphoreControl_BlockingAcquire(t *testing.T) {
	sem := NewSemaphoreControl(1)
	if err := sem.AcquireBlocking(); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	released := make(chan struct{})
	go func() {
		_ = sem.AcquireBlocking()
		close(released)
	}()

	select {
	case <-released:
		t.Fatalf("blocking acquire should wait until release")
	case <-time.After(20 * time.Millisecond):
	}

	sem.Release()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatalf("blocked acquire never woke up")
	}
}
