package collab

import (
	"context"
	"errors"
)

// 信号量：限制同时在途的 submit / kafka 发送数量。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(max int) *SemaphoreControl {
	if max <= 0 {
		max = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, max)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("Acquire Reach time limit")
	}
}

// AcquireBlocking 给后台 worker 用：允许无限等待。
func (s *SemaphoreControl) AcquireBlocking() error {
	s.ch <- struct{}{}
	return nil
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("Release Failed, semaphore is not acquired")
	}
}
