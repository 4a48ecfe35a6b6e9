package ws

import (
	"time"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot"
)

// 客户端入站消息（所有类型共用一个信封，按 Type 分发）
type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId,omitempty"`

	// join / resync
	LastKnownVersion *uint64 `json:"lastKnownVersion,omitempty"`
	// 断线期间本地排队的操作，按原始顺序重放
	QueuedOps []ot.Operation `json:"queuedOps,omitempty"`

	// op_submit
	ClientSeq uint64        `json:"clientSeq,omitempty"`
	Op        *ot.Operation `json:"op,omitempty"`

	// presence
	Cursor    int    `json:"cursor,omitempty"`
	BlockID   string `json:"blockId,omitempty"`
	ColorHint string `json:"colorHint,omitempty"`

	// permission_request / permission_respond / permission_release
	RequestID string `json:"requestId,omitempty"`
	Approve   bool   `json:"approve,omitempty"`
	Message   string `json:"message,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现 OutboundMessage 接口
func (m ServerMessage) MessageType() string         { return m.Type }
func (m JoinedMessage) MessageType() string         { return m.Type }
func (m OpAppliedMessage) MessageType() string      { return m.Type }
func (m OpBroadcastMessage) MessageType() string    { return m.Type }
func (m PresenceMessage) MessageType() string       { return m.Type }
func (m PresenceLeftMessage) MessageType() string   { return m.Type }
func (m PermissionMessage) MessageType() string     { return m.Type }
func (m ResyncRequiredMessage) MessageType() string { return m.Type }

// 通用应答：error / feedback / conflict / left
type ServerMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	Content string `json:"content,omitempty"`
}

// join 握手应答：全量快照或 lastKnownVersion 之后的增量，二选一
type JoinedMessage struct {
	Type    string               `json:"type"` // 固定 "joined"
	DocID   string               `json:"docId"`
	Version uint64               `json:"version"`
	Full    bool                 `json:"full"`
	Content string               `json:"content,omitempty"`
	Ops     []OpBroadcastMessage `json:"ops,omitempty"`
}

// 发给发起方的权威确认（其他协作者走 op_broadcast）
type OpAppliedMessage struct {
	Type        string         `json:"type"` // 固定 "op_applied"
	DocID       string         `json:"docId"`
	BaseVersion uint64         `json:"baseVersion"`
	Version     uint64         `json:"version"` // 服务端应用后的最新版本
	ClientID    string         `json:"clientId"`
	ClientSeq   uint64         `json:"clientSeq"`
	Ops         []ot.Operation `json:"ops"` // 实际被接受的形态（可能经过 rebase）
}

// 广播给同文档房间内其他连接的已应用操作，严格按版本序投递
type OpBroadcastMessage struct {
	Type      string         `json:"type"` // 固定 "op_broadcast"
	DocID     string         `json:"docId"`
	Version   uint64         `json:"version"`
	AuthorID  uint64         `json:"authorId,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	Ops       []ot.Operation `json:"ops"`
	AppliedAt time.Time      `json:"appliedAt,omitempty"`
}

type PresenceMessage struct {
	Type  string               `json:"type"` // 固定 "presence"
	DocID string               `json:"docId"`
	Entry collab.PresenceEntry `json:"entry"`
}

// presence TTL 过期或显式离开时通知其他客户端清掉残留光标
type PresenceLeftMessage struct {
	Type   string `json:"type"` // 固定 "user_left"
	DocID  string `json:"docId"`
	UserID uint64 `json:"userId"`
}

type PermissionMessage struct {
	Type    string              `json:"type"` // "permission_request" / "permission_result"
	DocID   string              `json:"docId"`
	Request *collab.EditRequest `json:"request"`
}

// 要求客户端丢弃本地增量状态、带空 lastKnownVersion 重新 join
type ResyncRequiredMessage struct {
	Type   string `json:"type"` // 固定 "resync_required"
	DocID  string `json:"docId"`
	Reason string `json:"reason,omitempty"`
}
