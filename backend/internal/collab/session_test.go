package collab

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"syncServer/backend/internal/ot"
)

// 测试用订阅者：只收集广播
type fakeSub struct {
	id   string
	mu   sync.Mutex
	msgs []Broadcast
}

func (f *fakeSub) ClientID() string { return f.id }

func (f *fakeSub) Deliver(b Broadcast) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, b)
}

func (f *fakeSub) collected() []Broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Broadcast, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// 测试用审计收集器
type memSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (m *memSink) Emit(evt AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *memSink) byType(t string) []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEvent
	for _, e := range m.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestSession(t *testing.T, content string, opts SessionOptions) *Session {
	t.Helper()
	s := NewSession("doc-test", content, 0, nil, nil, NopSink{}, nil, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

var readerSeq atomic.Uint64

func currentContent(t *testing.T, s *Session) (string, uint64) {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("reader-%d", readerSeq.Add(1))
	res, err := s.Join(ctx, &fakeSub{id: id}, 999, "reader", nil)
	if err != nil {
		t.Fatalf("join for read failed: %v", err)
	}
	return res.Content, res.Version
}

func insertOp(origin string, base uint64, pos int, text string) ot.Operation {
	return ot.Operation{Kind: ot.KindInsert, Pos: pos, Text: text, BaseVersion: base, OriginID: origin}
}

func deleteOp(origin string, base uint64, pos, length int) ot.Operation {
	return ot.Operation{Kind: ot.KindDelete, Pos: pos, Len: length, BaseVersion: base, OriginID: origin}
}

// 经典用例："ABCD"，并发 insert "X"@1 与 delete@2，
// 无论 session 先处理哪条，最终都是 "AXBD"。
func TestSession_ConcurrentInsertDelete(t *testing.T) {
	for _, insertFirst := range []bool{true, false} {
		s := newTestSession(t, "ABCD", SessionOptions{})
		ctx := context.Background()

		ins := insertOp("c1", 0, 1, "X")
		del := deleteOp("c2", 0, 2, 1)

		var first, second ot.Operation
		var firstUser, secondUser uint64 = 1, 2
		if insertFirst {
			first, second = ins, del
		} else {
			first, second = del, ins
			firstUser, secondUser = 2, 1
		}

		if _, err := s.Submit(ctx, first, firstUser, 1); err != nil {
			t.Fatalf("first submit: %v", err)
		}
		if _, err := s.Submit(ctx, second, secondUser, 1); err != nil {
			t.Fatalf("second submit: %v", err)
		}

		content, version := currentContent(t, s)
		if content != "AXBD" {
			t.Fatalf("insertFirst=%v: content = %q, want %q", insertFirst, content, "AXBD")
		}
		if version != 2 {
			t.Fatalf("version = %d, want 2", version)
		}
	}
}

// 收敛性 property test：每一轮两个客户端基于同一版本并发产生操作，
// 两个镜像 session 以相反顺序处理，内容必须始终一致。
func TestSession_ConvergenceUnderArrivalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	ctx := context.Background()

	left := newTestSession(t, "The quick brown fox", SessionOptions{})
	right := newTestSession(t, "The quick brown fox", SessionOptions{})

	var seq1, seq2 uint64
	for round := 0; round < 60; round++ {
		content, version := currentContent(t, left)
		docLen := len([]rune(content))

		a := randomSessionOp(rng, docLen, "c1", version)
		b := randomSessionOp(rng, docLen, "c2", version)
		seq1++
		seq2++

		// left 先 a 后 b，right 先 b 后 a
		if _, err := left.Submit(ctx, a, 1, seq1); err != nil {
			t.Fatalf("round %d left a: %v", round, err)
		}
		if _, err := left.Submit(ctx, b, 2, seq2); err != nil {
			t.Fatalf("round %d left b: %v", round, err)
		}
		if _, err := right.Submit(ctx, b, 2, seq2); err != nil {
			t.Fatalf("round %d right b: %v", round, err)
		}
		if _, err := right.Submit(ctx, a, 1, seq1); err != nil {
			t.Fatalf("round %d right a: %v", round, err)
		}

		lc, _ := currentContent(t, left)
		rc, _ := currentContent(t, right)
		if lc != rc {
			t.Fatalf("round %d diverged:\n a=%+v\n b=%+v\n left=%q\n right=%q", round, a, b, lc, rc)
		}
	}
}

func randomSessionOp(rng *rand.Rand, docLen int, origin string, base uint64) ot.Operation {
	if docLen == 0 || rng.Intn(2) == 0 {
		texts := []string{"x", "ab", "_"}
		return insertOp(origin, base, rng.Intn(docLen+1), texts[rng.Intn(len(texts))])
	}
	pos := rng.Intn(docLen)
	return deleteOp(origin, base, pos, 1+rng.Intn(min(3, docLen-pos)))
}

// 重复 resync 幂等：lastKnownVersion 已是最新时，增量为空、版本不变
func TestSession_IdempotentResync(t *testing.T) {
	s := newTestSession(t, "hello", SessionOptions{})
	ctx := context.Background()

	if _, err := s.Submit(ctx, insertOp("c1", 0, 5, "!"), 1, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	v := uint64(1)
	res, err := s.Join(ctx, &fakeSub{id: "c1"}, 1, "alice", &v)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Full {
		t.Fatalf("expected delta join, got full snapshot")
	}
	if len(res.Ops) != 0 {
		t.Fatalf("expected empty delta, got %d ops", len(res.Ops))
	}
	if res.Version != 1 {
		t.Fatalf("version = %d, want 1", res.Version)
	}
}

func TestSession_JoinDelta(t *testing.T) {
	s := newTestSession(t, "", SessionOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Submit(ctx, insertOp("c1", uint64(i), i, "a"), 1, uint64(i+1)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	v := uint64(1)
	res, err := s.Join(ctx, &fakeSub{id: "c2"}, 2, "bob", &v)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Full {
		t.Fatalf("expected delta join")
	}
	if len(res.Ops) != 2 {
		t.Fatalf("expected 2 delta entries, got %d", len(res.Ops))
	}
	if res.Ops[0].Version != 2 || res.Ops[1].Version != 3 {
		t.Fatalf("delta versions = %d,%d, want 2,3", res.Ops[0].Version, res.Ops[1].Version)
	}
}

func TestSession_VersionAhead(t *testing.T) {
	s := newTestSession(t, "abc", SessionOptions{})
	ctx := context.Background()

	_, err := s.Submit(ctx, insertOp("c1", 5, 0, "x"), 1, 1)
	if !errors.Is(err, ErrVersionAhead) {
		t.Fatalf("err = %v, want VERSION_AHEAD", err)
	}
	if content, _ := currentContent(t, s); content != "abc" {
		t.Fatalf("content changed on rejected op: %q", content)
	}
}

// 回溯窗口：落后超过 BacklogDepth 的操作直接拒绝，不做全量 rebase
func TestSession_BacklogBound(t *testing.T) {
	s := newTestSession(t, "", SessionOptions{BacklogDepth: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Submit(ctx, insertOp("c1", uint64(i), 0, "a"), 1, uint64(i+1)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := s.Submit(ctx, insertOp("c2", 0, 0, "x"), 2, 1)
	if !errors.Is(err, ErrBacklogExceeded) {
		t.Fatalf("err = %v, want BACKLOG_EXCEEDED", err)
	}

	// 落出窗口的 lastKnownVersion → 全量快照
	v := uint64(0)
	res, err := s.Join(ctx, &fakeSub{id: "c2"}, 2, "bob", &v)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !res.Full {
		t.Fatalf("expected full snapshot for stale lastKnownVersion")
	}
	if res.Content != "aaaaa" {
		t.Fatalf("content = %q, want %q", res.Content, "aaaaa")
	}
}

// 权限门：Requested 冻结非持有者；无持有者的拒绝解冻；
// 批准后只有持有者能写，其他人拿到持有者身份
func TestSession_PermissionGate(t *testing.T) {
	s := newTestSession(t, "block content", SessionOptions{})
	ctx := context.Background()

	// user 2 申请 b1 的独占权 → 块进入 Requested
	req, err := s.RequestEdit(ctx, "b1", 2, "bob", "need to edit")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != RequestPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}

	blocked := ot.Operation{Kind: ot.KindInsert, Pos: 0, Text: "x", BaseVersion: 0, OriginID: "c3", BlockID: "b1"}
	_, err = s.Submit(ctx, blocked, 3, 1)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
	if content, version := currentContent(t, s); content != "block content" || version != 0 {
		t.Fatalf("content/version changed on vetoed op: %q v%d", content, version)
	}

	// 申请者不能决议自己的申请
	if _, err := s.RespondEdit(ctx, req.RequestID, true, 2, "bob"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("self-approve must be vetoed, got %v", err)
	}

	// 无持有者时拒绝 → 块回到 Open，刚才被拒的客户端可以写了
	if _, err := s.RespondEdit(ctx, req.RequestID, false, 1, "alice"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if _, err := s.Submit(ctx, blocked, 3, 2); err != nil {
		t.Fatalf("submit after holderless deny: %v", err)
	}

	// 批准后持有者可写、其他人仍被拒并能看到持有者身份
	req2, err := s.RequestEdit(ctx, "b1", 2, "bob", "")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if _, err := s.RespondEdit(ctx, req2.RequestID, true, 1, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	granted := ot.Operation{Kind: ot.KindInsert, Pos: 0, Text: "y", BaseVersion: 1, OriginID: "c2", BlockID: "b1"}
	if _, err := s.Submit(ctx, granted, 2, 1); err != nil {
		t.Fatalf("holder submit: %v", err)
	}

	_, err = s.Submit(ctx, ot.Operation{Kind: ot.KindInsert, Pos: 0, Text: "z", BaseVersion: 2, OriginID: "c3", BlockID: "b1"}, 3, 3)
	var perm *PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want PermissionError", err)
	}
	if perm.HolderID != 2 {
		t.Fatalf("holder = %d, want 2", perm.HolderID)
	}
}

// at-least-once 通道下的重复投递：clientSeq 不递增直接拒绝
func TestSession_DuplicateSeq(t *testing.T) {
	s := newTestSession(t, "", SessionOptions{})
	ctx := context.Background()

	op := insertOp("c1", 0, 0, "a")
	if _, err := s.Submit(ctx, op, 1, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := s.Submit(ctx, op, 1, 1)
	if !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("err = %v, want DUPLICATE_OR_OUT_OF_ORDER", err)
	}
	if content, version := currentContent(t, s); content != "a" || version != 1 {
		t.Fatalf("duplicate changed state: %q v%d", content, version)
	}
}

func TestSession_InvalidOperationRejectedBeforeTransform(t *testing.T) {
	s := newTestSession(t, "abc", SessionOptions{})
	ctx := context.Background()

	_, err := s.Submit(ctx, insertOp("c1", 0, 10, "x"), 1, 1)
	if !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("err = %v, want INVALID_OPERATION", err)
	}
	_, err = s.Submit(ctx, deleteOp("c1", 0, 0, -1), 1, 2)
	if !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("err = %v, want INVALID_OPERATION", err)
	}
	if content, version := currentContent(t, s); content != "abc" || version != 0 {
		t.Fatalf("invalid op changed state: %q v%d", content, version)
	}
}

// 广播给除发起方之外的所有已加入连接
func TestSession_BroadcastSkipsOriginator(t *testing.T) {
	s := newTestSession(t, "", SessionOptions{})
	ctx := context.Background()

	origin := &fakeSub{id: "c1"}
	other := &fakeSub{id: "c2"}
	if _, err := s.Join(ctx, origin, 1, "alice", nil); err != nil {
		t.Fatalf("join origin: %v", err)
	}
	if _, err := s.Join(ctx, other, 2, "bob", nil); err != nil {
		t.Fatalf("join other: %v", err)
	}

	if _, err := s.Submit(ctx, insertOp("c1", 0, 0, "hi"), 1, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// 再发一条消息保证前一条广播已经投递完（mailbox 串行）
	if _, err := s.Join(ctx, &fakeSub{id: "c3"}, 3, "carol", nil); err != nil {
		t.Fatalf("flush join: %v", err)
	}

	if got := origin.collected(); len(got) != 0 {
		t.Fatalf("originator received %d broadcasts, want 0", len(got))
	}
	got := other.collected()
	if len(got) != 1 || got[0].Kind != BroadcastOp || got[0].Version != 1 {
		t.Fatalf("other got %+v, want one op_broadcast at v1", got)
	}
}

// 离线重放：排队的 3 条操作与其他客户端的并发编辑合并后，
// 结果与这 3 条按序在线提交一致
func TestSession_OfflineReplay(t *testing.T) {
	s := newTestSession(t, "hello world", SessionOptions{})
	ctx := context.Background()

	// c2 在 v0 断线，本地排队 3 条（顺序补丁，基于本地视图）
	q := NewOfflineQueue()
	q.Push(insertOp("c2", 0, 5, "!"))  // "hello! world"
	q.Push(insertOp("c2", 0, 6, "?"))  // "hello!? world"
	q.Push(deleteOp("c2", 0, 0, 1))    // "ello!? world"

	// 其间 c1 在线编辑
	if _, err := s.Submit(ctx, insertOp("c1", 0, 0, ">>"), 1, 1); err != nil {
		t.Fatalf("live submit: %v", err)
	}

	// 重连握手：拿断线版本之后的增量
	v := uint64(0)
	join, err := s.Join(ctx, &fakeSub{id: "c2"}, 2, "bob", &v)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if join.Full {
		t.Fatalf("expected delta on rejoin inside backlog window")
	}
	var missed []ot.Operation
	for _, b := range join.Ops {
		missed = append(missed, b.Ops...)
	}

	var seq uint64
	res, err := Replay(ctx, s, q.Drain(), missed, join.Version, 2, func() uint64 { seq++; return seq })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	content, version := currentContent(t, s)
	if content != ">>ello!? world" {
		t.Fatalf("content = %q, want %q", content, ">>ello!? world")
	}
	if version != 4 || res.Version != 4 {
		t.Fatalf("version = %d / replay %d, want 4", version, res.Version)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained")
	}
}

// 重放被拒（落后超过回溯窗口）→ 错误上浮，由调用方强制 resync
func TestSession_OfflineReplayForcedResync(t *testing.T) {
	s := newTestSession(t, "", SessionOptions{BacklogDepth: 2})
	ctx := context.Background()

	queued := []ot.Operation{insertOp("c2", 0, 0, "q")}

	for i := 0; i < 4; i++ {
		if _, err := s.Submit(ctx, insertOp("c1", uint64(i), 0, "a"), 1, uint64(i+1)); err != nil {
			t.Fatalf("live submit %d: %v", i, err)
		}
	}

	// 增量已不可得，重放仍按断线版本提交 → BACKLOG_EXCEEDED
	_, err := Replay(ctx, s, queued, nil, 0, 2, func() uint64 { return 1 })
	if err == nil || !IsResyncRequired(err) {
		t.Fatalf("err = %v, want resync-required rejection", err)
	}
}

// 审计事件：接受的操作发 OP_APPLIED，经过 rebase 的追加 CONFLICT_RESOLVED
func TestSession_AuditEvents(t *testing.T) {
	sink := &memSink{}
	s := NewSession("doc-audit", "ab", 0, nil, nil, sink, nil, SessionOptions{})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	}()
	ctx := context.Background()

	if _, err := s.Submit(ctx, insertOp("c1", 0, 0, "x"), 1, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// base 0 落后一版 → rebase → CONFLICT_RESOLVED
	if _, err := s.Submit(ctx, insertOp("c2", 0, 2, "y"), 2, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if got := len(sink.byType(EventOpApplied)); got != 2 {
		t.Fatalf("OP_APPLIED events = %d, want 2", got)
	}
	conflicts := sink.byType(EventConflictResolved)
	if len(conflicts) != 1 {
		t.Fatalf("CONFLICT_RESOLVED events = %d, want 1", len(conflicts))
	}
	if len(conflicts[0].RebasedAcross) != 1 || conflicts[0].RebasedAcross[0] != 1 {
		t.Fatalf("rebasedAcross = %v, want [1]", conflicts[0].RebasedAcross)
	}
}
