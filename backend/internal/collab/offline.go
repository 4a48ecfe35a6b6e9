package collab

import (
	"context"
	"sync"

	"syncServer/backend/internal/ot"
)

// OfflineQueue：断线期间本地产生的操作缓冲，按原始顺序排队。
// 重连不会丢弃排队的操作；只有重放被拒、走强制 resync 时才清空，
// 并且一定伴随给用户的冲突提示，绝不静默丢编辑。
type OfflineQueue struct {
	mu  sync.Mutex
	ops []ot.Operation
}

func NewOfflineQueue() *OfflineQueue {
	return &OfflineQueue{}
}

func (q *OfflineQueue) Push(op ot.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drain 取走全部排队操作（保持原始本地顺序）。
func (q *OfflineQueue) Drain() []ot.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.ops
	q.ops = nil
	return ops
}

// ReplayResult：重放结束时的权威版本和每条操作被接受的形态。
type ReplayResult struct {
	Version  uint64
	Accepted [][]ot.Operation
}

// Replay 把断线期间排队的操作重放进 session。
//
// queued 是以断线时的版本为基准的顺序补丁；missed 是重连握手拿到的
// 增量（断线期间其他客户端被接受的操作，按版本序展开）。先把整个
// 队列对 missed 做一次 rebase，再逐条走正常的 submit 路径——每条的
// baseVersion 重推导为：第一条用重连时的权威版本，之后用前一条被
// 接受后的版本。重放中如有其他客户端并发编辑，submit 会照常增量
// rebase。任何一条被拒（VERSION_AHEAD / BACKLOG_EXCEEDED）都中止
// 重放，调用方必须走全量 resync 并给用户冲突提示。
func Replay(ctx context.Context, sess *Session, queued, missed []ot.Operation, syncedVersion uint64, userID uint64, nextSeq func() uint64) (ReplayResult, error) {
	var res ReplayResult
	res.Version = syncedVersion

	ops, _ := ot.TransformPatch(queued, missed)

	base := syncedVersion
	for _, op := range ops {
		op.BaseVersion = base
		out, err := sess.Submit(ctx, op, userID, nextSeq())
		if err != nil {
			return res, err
		}
		base = out.Version
		res.Version = out.Version
		res.Accepted = append(res.Accepted, out.Ops)
	}
	return res, nil
}
