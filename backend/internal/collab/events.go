package collab

import (
	"time"

	"syncServer/backend/internal/ot"
)

const (
	EventOpApplied         = "OP_APPLIED"
	EventPermissionGranted = "PERMISSION_GRANTED"
	EventPermissionDenied  = "PERMISSION_DENIED"
	EventConflictResolved  = "CONFLICT_RESOLVED"
)

// AuditEvent 是发往下游观测链路（Kafka）的审计/分析事件。
// fire-and-forget：发送失败或背压时丢弃，绝不阻塞编辑主链路。
type AuditEvent struct {
	EventType     string         `json:"eventType"`
	DocID         string         `json:"docId"`
	OperationID   string         `json:"operationId,omitempty"`
	Version       uint64         `json:"version,omitempty"`
	AuthorID      uint64         `json:"authorId,omitempty"`
	ClientID      string         `json:"clientId,omitempty"`
	ClientSeq     uint64         `json:"clientSeq,omitempty"`
	BaseVersion   uint64         `json:"baseVersion,omitempty"`
	Ops           []ot.Operation `json:"ops,omitempty"`
	BlockID       string         `json:"blockId,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	HolderID      uint64         `json:"holderId,omitempty"`
	RebasedAcross []uint64       `json:"rebasedAcross,omitempty"`
	AppliedAt     time.Time      `json:"appliedAt"`
}

// AuditSink 由 KafkaDispatcher 实现；测试里可以用内存实现替代。
type AuditSink interface {
	Emit(evt AuditEvent)
}

// NopSink 丢弃所有事件（审计链路未配置时使用）。
type NopSink struct{}

func (NopSink) Emit(AuditEvent) {}
