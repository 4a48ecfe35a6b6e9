package collab

import (
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞编辑主链路（Emit 只做非阻塞入队，队列满直接丢弃并计数）
// - Kafka 短暂抖动靠队列吸收，后台 worker 指数退避补发
// - 审计事件不要求强一致，丢弃优于拖慢 submit
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue   chan AuditEvent
	dropped atomic.Uint64

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan AuditEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.start()
	return d
}

// Emit 非阻塞入队。队列满时丢弃（背压降级），只累计丢弃数。
func (d *KafkaDispatcher) Emit(evt AuditEvent) {
	select {
	case d.queue <- evt:
	default:
		d.dropped.Add(1)
	}
}

// Dropped 返回因背压被丢弃的事件总数。
func (d *KafkaDispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt AuditEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 可以一直等（不在主链路上）
			_ = d.sem.AcquireBlocking()
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event doc=%s type=%s version=%d worker=%d err=%v",
				evt.DocID, evt.EventType, evt.Version, workerID, err)
			return
		}

		// 退避，每次 X2，封顶 maxBackoff
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt AuditEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 以 docId 做 key，同一文档的事件落同一分区、保持版本序
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
