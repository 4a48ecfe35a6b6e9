package collab

import (
	"fmt"
	"time"
)

// 块级编辑权限状态机，每个 (document, block) 一份：
//
//	Open → Requested → Granted / Denied → Open
//
// - Open：有基础编辑权的人都可以写
// - Requested：有人申请独占编辑权，决议期间块被冻结（只有当前持有者能写）
// - Granted：只有持有者能写，直到 Release
// - Denied：有持有者的申请被拒，块保持对非持有者冻结，持有者 Release
//   后回到 Open；无持有者的申请被拒则直接回到 Open
// 挂起的申请超过 timeout 自动按 expired 处理并从 pending 集合移除。
//
// 不加锁：Gatekeeper 由所属 DocumentSession 的调度循环串行访问，
// 与该文档的编辑共享同一个串行化边界（避免"授权和并发编辑打架"）。
type BlockMode int

const (
	BlockOpen BlockMode = iota
	BlockRequested
	BlockGranted
	BlockDenied
)

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestDenied   = "denied"
	RequestExpired  = "expired"
)

// EditRequest：申请独占编辑权。决议后即从 pending 集合移除，
// 不在核心里留历史（审计走 AuditSink）。
type EditRequest struct {
	RequestID   string    `json:"requestId"`
	DocID       string    `json:"docId"`
	BlockID     string    `json:"blockId"`
	RequesterID uint64    `json:"requesterId"`
	Requester   string    `json:"requester,omitempty"`
	Message     string    `json:"message,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

type blockState struct {
	mode         BlockMode
	holderID     uint64
	holderName   string
	holderClient string
	pending      *EditRequest
}

type Gatekeeper struct {
	docID   string
	blocks  map[string]*blockState // key=blockID，"" 表示整个文档
	timeout time.Duration
	nextID  uint64
}

func NewGatekeeper(docID string, timeout time.Duration) *Gatekeeper {
	return &Gatekeeper{
		docID:   docID,
		blocks:  make(map[string]*blockState),
		timeout: timeout,
	}
}

func (g *Gatekeeper) block(blockID string) *blockState {
	b := g.blocks[blockID]
	if b == nil {
		b = &blockState{mode: BlockOpen}
		g.blocks[blockID] = b
	}
	return b
}

// CanEdit 在 submit 之前被 session 调用。块不可写时返回 PermissionError。
// 指定 blockID 的操作先查块本身，再回落到文档级（""）的状态。
func (g *Gatekeeper) CanEdit(blockID string, userID uint64) error {
	if err := g.canEditExact(blockID, userID); err != nil {
		return err
	}
	if blockID != "" {
		return g.canEditExact("", userID)
	}
	return nil
}

func (g *Gatekeeper) canEditExact(blockID string, userID uint64) error {
	b := g.blocks[blockID]
	if b == nil || b.mode == BlockOpen {
		return nil
	}
	if b.holderID == userID {
		return nil
	}
	return &PermissionError{HolderID: b.holderID, HolderName: b.holderName}
}

// Request：无编辑权的客户端申请独占权。同一块同时只允许一个 pending 申请。
func (g *Gatekeeper) Request(blockID string, requesterID uint64, requester, message string, now time.Time) (*EditRequest, error) {
	b := g.block(blockID)
	if b.pending != nil {
		return nil, fmt.Errorf("edit request already pending for block %q: %w", blockID, ErrDuplicateOrOutOfOrder)
	}
	g.nextID++
	req := &EditRequest{
		RequestID:   fmt.Sprintf("er-%s-%d", g.docID, g.nextID),
		DocID:       g.docID,
		BlockID:     blockID,
		RequesterID: requesterID,
		Requester:   requester,
		Message:     message,
		Status:      RequestPending,
		CreatedAt:   now,
	}
	b.pending = req
	if b.mode == BlockOpen {
		b.mode = BlockRequested
	}
	return req, nil
}

// Respond：批准/拒绝挂起的申请。决议权：申请者不能决议自己的申请，
// 块已有持有者时只有持有者能决议。批准：申请者成为新的独占持有者。
// 拒绝：有持有者时块保持冻结，无持有者时直接回到 Open。
// 授权人可随时拒绝，不受定时器影响。
func (g *Gatekeeper) Respond(requestID string, approve bool, responderID uint64, responder string) (*EditRequest, error) {
	for id, b := range g.blocks {
		if b.pending == nil || b.pending.RequestID != requestID {
			continue
		}
		req := b.pending
		if responderID == req.RequesterID {
			return nil, fmt.Errorf("requester cannot resolve own request %s: %w", requestID, ErrPermissionDenied)
		}
		if b.holderID != 0 && responderID != b.holderID {
			return nil, fmt.Errorf("request %s can only be resolved by holder %d: %w", requestID, b.holderID, ErrPermissionDenied)
		}
		b.pending = nil
		if approve {
			req.Status = RequestApproved
			b.mode = BlockGranted
			b.holderID = req.RequesterID
			b.holderName = req.Requester
		} else {
			req.Status = RequestDenied
			if b.holderID == 0 {
				// 无持有者的申请被拒：没有人需要保护，块直接解冻
				b.mode = BlockOpen
				delete(g.blocks, id)
			} else {
				b.mode = BlockDenied
			}
		}
		return req, nil
	}
	return nil, ErrRequestNotFound
}

// Release：持有者交还独占权，块回到 Open。
func (g *Gatekeeper) Release(blockID string, userID uint64) bool {
	b := g.blocks[blockID]
	if b == nil || b.holderID != userID {
		return false
	}
	b.mode = BlockOpen
	b.holderID = 0
	b.holderName = ""
	if b.pending == nil {
		delete(g.blocks, blockID)
	}
	return true
}

// ReleaseAllFor：客户端离线宽限期耗尽后，回收它持有的全部授权。
// 返回被释放的 blockID 列表。
func (g *Gatekeeper) ReleaseAllFor(userID uint64) []string {
	var released []string
	for id, b := range g.blocks {
		if b.holderID == userID {
			b.mode = BlockOpen
			b.holderID = 0
			b.holderName = ""
			released = append(released, id)
			if b.pending == nil {
				delete(g.blocks, id)
			}
		}
	}
	return released
}

// ExpireStale：把超时未决议的申请按 expired 处理并移出 pending 集合，
// 返回过期列表供调用方通知申请者（走 presence 同一条广播通道）。
func (g *Gatekeeper) ExpireStale(now time.Time) []*EditRequest {
	var expired []*EditRequest
	for id, b := range g.blocks {
		if b.pending == nil || now.Sub(b.pending.CreatedAt) < g.timeout {
			continue
		}
		req := b.pending
		req.Status = RequestExpired
		b.pending = nil
		if b.mode == BlockRequested {
			b.mode = BlockOpen
		}
		if b.mode == BlockOpen && b.holderID == 0 {
			delete(g.blocks, id)
		}
		expired = append(expired, req)
	}
	return expired
}

// Pending 返回某块当前挂起的申请（没有则为 nil）。
func (g *Gatekeeper) Pending(blockID string) *EditRequest {
	if b := g.blocks[blockID]; b != nil {
		return b.pending
	}
	return nil
}

// Holder 返回某块当前的独占持有者（0 表示无人持有）。
func (g *Gatekeeper) Holder(blockID string) uint64 {
	if b := g.blocks[blockID]; b != nil {
		return b.holderID
	}
	return 0
}
