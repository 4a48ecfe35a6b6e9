package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
)

// 背压降级：队列满时 Emit 直接丢弃并计数，绝不阻塞
func TestKafkaDispatcher_DropsUnderBackpressure(t *testing.T) {
	// Workers:0 → 没有消费者，队列只装得下 1 条
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{
		QueueSize: 1,
		Workers:   0,
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			d.Emit(AuditEvent{EventType: EventOpApplied, DocID: "d1", Version: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Emit blocked on full queue")
	}
	if got := d.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

// 发送失败 → 退避重试，最终送达
func TestKafkaDispatcher_RetriesThenDelivers(t *testing.T) {
	delivered := make(chan AuditEvent, 1)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker transient failure"))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt AuditEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventOpApplied || evt.DocID != "d1" {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		delivered <- evt
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphoreControl(2), KafkaDispatcherOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	})

	d.Emit(AuditEvent{EventType: EventOpApplied, DocID: "d1", Version: 7})

	select {
	case evt := <-delivered:
		if evt.Version != 7 {
			t.Fatalf("version = %d, want 7", evt.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered after retry")
	}
}

// 重试耗尽 → 放弃该条，不影响后续事件
func TestKafkaDispatcher_GivesUpAfterMaxRetry(t *testing.T) {
	delivered := make(chan struct{}, 1)

	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 2; i++ {
		producer.ExpectSendMessageAndFail(errors.New("broker down"))
	}
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		delivered <- struct{}{}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-ops", nil, KafkaDispatcherOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})

	d.Emit(AuditEvent{EventType: EventConflictResolved, DocID: "d1"})
	d.Emit(AuditEvent{EventType: EventOpApplied, DocID: "d1"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("second event not delivered after first gave up")
	}
}
