package collab

import (
	"context"
	"fmt"
	"log"
	"time"

	"syncServer/backend/internal/ot"
)

// 快照存储接口（外部协作方，实现在 store 包）。
// modifiedBy 用于落 lastModifiedBy 元数据，0 表示本次会话无人写过。
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string, modifiedBy uint64) error
}

// Session/Presence 条目：光标等非内容状态，不经过版本时钟。
type PresenceEntry struct {
	UserID    uint64    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	DocID     string    `json:"docId"`
	BlockID   string    `json:"blockId,omitempty"`
	Cursor    int       `json:"cursor"`
	ColorHint string    `json:"colorHint,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// PresenceSink 由 cache 包的 Redis 实现提供。
type PresenceSink interface {
	Upsert(ctx context.Context, e PresenceEntry) error
	Remove(ctx context.Context, docID string, userID uint64) error
}

// 广播类型（session → 已加入的连接）
const (
	BroadcastOp                = "op_broadcast"
	BroadcastPermissionRequest = "permission_request"
	BroadcastPermissionResult  = "permission_result"
)

type Broadcast struct {
	Kind      string         `json:"kind"`
	DocID     string         `json:"docId"`
	Version   uint64         `json:"version,omitempty"`
	AuthorID  uint64         `json:"authorId,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	Ops       []ot.Operation `json:"ops,omitempty"`
	Request   *EditRequest   `json:"request,omitempty"`
	AppliedAt time.Time      `json:"appliedAt,omitempty"`
}

// Subscriber：连接协调器挂在 session 上的投递点。
// Deliver 必须立即返回（fire-and-forget），慢消费者自己处理丢弃/重同步。
type Subscriber interface {
	ClientID() string
	Deliver(b Broadcast)
}

type SessionOptions struct {
	BacklogDepth   int           // 回溯窗口：落后更多的客户端强制 resync
	IdleEviction   time.Duration // 无人加入多久后落盘并停掉 actor
	RequestTimeout time.Duration // EditRequest 挂起超时
	MailboxSize    int
}

func (o *SessionOptions) withDefaults() {
	if o.BacklogDepth <= 0 {
		o.BacklogDepth = 500
	}
	if o.IdleEviction <= 0 {
		o.IdleEviction = 10 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Minute
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 256
	}
}

// 操作日志条目。LenAfter 用于校验以历史版本为基准的操作的边界。
type logEntry struct {
	Version  uint64
	Ops      []ot.Operation
	OriginID string
	LenAfter int
}

type JoinResult struct {
	Version uint64
	// 二选一：Full 时给全量内容，否则给 lastKnownVersion 之后的增量
	Full    bool
	Content string
	Ops     []Broadcast
}

type SubmitResult struct {
	Version     uint64
	Ops         []ot.Operation // 实际被接受的形态（可能经过 rebase）
	Transformed *ot.TransformedOperation
}

// Session 是单个文档的权威：内容、版本时钟、操作日志、权限状态机。
// 所有访问都通过 mailbox 汇入唯一的调度 goroutine —— 单写者模型，
// log-append + version-bump 因此是原子的，不同文档之间完全并行。
type Session struct {
	docID   string
	mailbox chan sessionMsg
	closed  chan struct{}

	snapshots SnapshotStore
	presence  PresenceSink
	audit     AuditSink
	onIdle    func(docID string)
	opts      SessionOptions
}

// ===== mailbox 消息（tagged union，调度循环逐一消费）=====

type sessionMsg interface{ isSessionMsg() }

type joinMsg struct {
	sub       Subscriber
	userID    uint64
	username  string
	lastKnown *uint64
	reply     chan joinReply
}

type opMsg struct {
	op        ot.Operation
	userID    uint64
	clientSeq uint64
	reply     chan submitReply
}

type presenceMsg struct {
	entry PresenceEntry
	reply chan error
}

type permRequestMsg struct {
	blockID   string
	userID    uint64
	username  string
	message   string
	reply     chan permReply
}

type permRespondMsg struct {
	requestID string
	approve   bool
	userID    uint64
	username  string
	reply     chan permReply
}

type releaseMsg struct {
	blockID string
	userID  uint64
	reply   chan bool
}

type leaveMsg struct {
	clientID      string
	userID        uint64
	evictPresence bool
	reply         chan struct{}
}

type saveMsg struct{ reply chan error }
type closeMsg struct{ reply chan error }

func (joinMsg) isSessionMsg()        {}
func (opMsg) isSessionMsg()          {}
func (presenceMsg) isSessionMsg()    {}
func (permRequestMsg) isSessionMsg() {}
func (permRespondMsg) isSessionMsg() {}
func (releaseMsg) isSessionMsg()     {}
func (leaveMsg) isSessionMsg()       {}
func (saveMsg) isSessionMsg()        {}
func (closeMsg) isSessionMsg()       {}

type joinReply struct {
	res JoinResult
	err error
}

type submitReply struct {
	res SubmitResult
	err error
}

type permReply struct {
	req *EditRequest
	err error
}

// ===== actor 内部状态（只在 run goroutine 里动）=====

type subEntry struct {
	sub      Subscriber
	userID   uint64
	username string
	joinedAt uint64
}

type docState struct {
	buf     Buffer
	version uint64

	// 连续的日志窗口：entries[i].Version == windowBase+1+i
	entries    []logEntry
	windowBase uint64 // 窗口之前的最后一个版本
	lenAtBase  int    // windowBase 版本时的文档长度

	lastSeqByClient map[string]uint64
	lastModifiedBy  uint64
	lastModifiedAt  time.Time

	subscribers map[string]subEntry
	gatekeeper  *Gatekeeper
	idleSince   time.Time
}

func NewSession(docID, content string, version uint64, snapshots SnapshotStore, presence PresenceSink, audit AuditSink, onIdle func(string), opts SessionOptions) *Session {
	opts.withDefaults()
	if audit == nil {
		audit = NopSink{}
	}
	s := &Session{
		docID:     docID,
		mailbox:   make(chan sessionMsg, opts.MailboxSize),
		closed:    make(chan struct{}),
		snapshots: snapshots,
		presence:  presence,
		audit:     audit,
		onIdle:    onIdle,
		opts:      opts,
	}
	buf := NewPieceTable(content)
	st := &docState{
		buf:             buf,
		version:         version,
		windowBase:      version,
		lenAtBase:       buf.Len(),
		lastSeqByClient: make(map[string]uint64),
		subscribers:     make(map[string]subEntry),
		gatekeeper:      NewGatekeeper(docID, opts.RequestTimeout),
		idleSince:       time.Now(),
	}
	go s.run(st)
	return s
}

func (s *Session) DocID() string { return s.docID }

// ===== 对外 API：把调用打包成消息投进 mailbox =====

func (s *Session) send(ctx context.Context, msg sessionMsg) error {
	select {
	case s.mailbox <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Join(ctx context.Context, sub Subscriber, userID uint64, username string, lastKnown *uint64) (JoinResult, error) {
	reply := make(chan joinReply, 1)
	if err := s.send(ctx, joinMsg{sub: sub, userID: userID, username: username, lastKnown: lastKnown, reply: reply}); err != nil {
		return JoinResult{}, err
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

// Submit 只会阻塞在获取文档串行化边界上，广播相对它是 fire-and-forget。
func (s *Session) Submit(ctx context.Context, op ot.Operation, userID uint64, clientSeq uint64) (SubmitResult, error) {
	reply := make(chan submitReply, 1)
	if err := s.send(ctx, opMsg{op: op, userID: userID, clientSeq: clientSeq, reply: reply}); err != nil {
		return SubmitResult{}, err
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

// UpdatePresence 经过 session 串行化（和授权共享边界），但不碰版本时钟。
func (s *Session) UpdatePresence(ctx context.Context, entry PresenceEntry) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, presenceMsg{entry: entry, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) RequestEdit(ctx context.Context, blockID string, userID uint64, username, message string) (*EditRequest, error) {
	reply := make(chan permReply, 1)
	if err := s.send(ctx, permRequestMsg{blockID: blockID, userID: userID, username: username, message: message, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.req, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) RespondEdit(ctx context.Context, requestID string, approve bool, userID uint64, username string) (*EditRequest, error) {
	reply := make(chan permReply, 1)
	if err := s.send(ctx, permRespondMsg{requestID: requestID, approve: approve, userID: userID, username: username, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.req, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) ReleaseEdit(ctx context.Context, blockID string, userID uint64) (bool, error) {
	reply := make(chan bool, 1)
	if err := s.send(ctx, releaseMsg{blockID: blockID, userID: userID, reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Leave：evictPresence=true 表示宽限期耗尽的完全驱逐
// （顺带回收 presence 和该用户持有的授权）。
func (s *Session) Leave(ctx context.Context, clientID string, userID uint64, evictPresence bool) error {
	reply := make(chan struct{}, 1)
	if err := s.send(ctx, leaveMsg{clientID: clientID, userID: userID, evictPresence: evictPresence, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Save(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, saveMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close：落盘并停掉 actor。幂等。
func (s *Session) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, closeMsg{reply: reply}); err != nil {
		if err == ErrSessionClosed {
			return nil
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ===== 调度循环 =====

func (s *Session) run(st *docState) {
	// 权限超时和闲置驱逐共用一个低频 ticker；
	// 真正的 presence TTL 清扫在 cache 包里，有自己独立的节拍。
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.mailbox:
			switch m := msg.(type) {
			case joinMsg:
				res, err := s.handleJoin(st, m)
				m.reply <- joinReply{res: res, err: err}
			case opMsg:
				res, err := s.handleSubmit(st, m)
				m.reply <- submitReply{res: res, err: err}
			case presenceMsg:
				m.reply <- s.handlePresence(st, m.entry)
			case permRequestMsg:
				req, err := s.handlePermRequest(st, m)
				m.reply <- permReply{req: req, err: err}
			case permRespondMsg:
				req, err := s.handlePermRespond(st, m)
				m.reply <- permReply{req: req, err: err}
			case releaseMsg:
				m.reply <- st.gatekeeper.Release(m.blockID, m.userID)
			case leaveMsg:
				s.handleLeave(st, m)
				m.reply <- struct{}{}
			case saveMsg:
				m.reply <- s.saveSnapshot(st)
			case closeMsg:
				err := s.saveSnapshot(st)
				m.reply <- err
				close(s.closed)
				return
			}
		case now := <-ticker.C:
			s.expireRequests(st, now)
			if len(st.subscribers) == 0 && now.Sub(st.idleSince) >= s.opts.IdleEviction {
				if err := s.saveSnapshot(st); err != nil {
					log.Printf("idle eviction save failed doc=%s: %v", s.docID, err)
					continue // 存储不可用时不丢状态，下个周期重试
				}
				close(s.closed)
				if s.onIdle != nil {
					s.onIdle(s.docID)
				}
				return
			}
		}
	}
}

func (s *Session) handleJoin(st *docState, m joinMsg) (JoinResult, error) {
	st.subscribers[m.sub.ClientID()] = subEntry{sub: m.sub, userID: m.userID, username: m.username, joinedAt: st.version}

	// lastKnownVersion 缺失、超前或落出回溯窗口 → 全量快照；
	// 否则给增量（已是最新时增量为空，重复 resync 幂等）。
	if m.lastKnown == nil || *m.lastKnown > st.version || *m.lastKnown < st.windowBase {
		return JoinResult{Version: st.version, Full: true, Content: st.buf.String()}, nil
	}
	var ops []Broadcast
	for _, e := range st.entries {
		if e.Version > *m.lastKnown {
			ops = append(ops, Broadcast{
				Kind:    BroadcastOp,
				DocID:   s.docID,
				Version: e.Version,
				Ops:     e.Ops,
			})
		}
	}
	return JoinResult{Version: st.version, Ops: ops}, nil
}

func (s *Session) handleSubmit(st *docState, m opMsg) (SubmitResult, error) {
	op := m.op

	// 幂等/去重窗口：同一 OriginID 的 clientSeq 必须严格递增
	// （at-least-once 通道下重投递直接拒掉）
	if m.clientSeq != 0 {
		if last := st.lastSeqByClient[op.OriginID]; m.clientSeq <= last {
			return SubmitResult{}, ErrDuplicateOrOutOfOrder
		}
	}

	// Gatekeeper 先于一切：不可写的块直接否决，不进 transform
	if err := st.gatekeeper.CanEdit(op.BlockID, m.userID); err != nil {
		return SubmitResult{}, err
	}

	// 版本校验
	if op.BaseVersion > st.version {
		return SubmitResult{}, ErrVersionAhead
	}
	if st.version-op.BaseVersion > uint64(s.opts.BacklogDepth) || op.BaseVersion < st.windowBase {
		return SubmitResult{}, ErrBacklogExceeded
	}

	// 边界校验用操作声明的基准版本时的文档长度
	baseLen, ok := st.lenAt(op.BaseVersion)
	if !ok {
		return SubmitResult{}, ErrBacklogExceeded
	}
	if err := ot.Validate(op, baseLen); err != nil {
		return SubmitResult{}, err
	}

	// 对基准版本之后的所有已接受操作按日志序逐一 rebase
	ops := []ot.Operation{op}
	var rebasedAcross []uint64
	for _, e := range st.entries {
		if e.Version <= op.BaseVersion {
			continue
		}
		ops, _ = ot.TransformPatch(ops, e.Ops)
		rebasedAcross = append(rebasedAcross, e.Version)
	}

	for _, o := range ops {
		if err := st.buf.Apply(o); err != nil {
			// 不应该发生：transform 的产物必然在界内。保险起见按单操作失败处理。
			log.Printf("apply rebased op failed doc=%s v=%d: %v", s.docID, st.version, err)
			return SubmitResult{}, err
		}
	}

	st.version++
	st.appendEntry(logEntry{Version: st.version, Ops: ops, OriginID: op.OriginID, LenAfter: st.buf.Len()}, s.opts.BacklogDepth)
	if m.clientSeq != 0 {
		st.lastSeqByClient[op.OriginID] = m.clientSeq
	}
	st.lastModifiedBy = m.userID
	st.lastModifiedAt = time.Now()

	// 广播给除发起方外的所有已加入连接（发起方拿权威应答就够了）
	s.broadcast(st, op.OriginID, Broadcast{
		Kind:      BroadcastOp,
		DocID:     s.docID,
		Version:   st.version,
		AuthorID:  m.userID,
		ClientID:  op.OriginID,
		Ops:       ops,
		AppliedAt: st.lastModifiedAt,
	})

	transformed := &ot.TransformedOperation{Ops: ops, RebasedAcross: rebasedAcross}
	s.audit.Emit(AuditEvent{
		EventType:     EventOpApplied,
		DocID:         s.docID,
		OperationID:   fmt.Sprintf("o-%s-%d", s.docID, st.version),
		Version:       st.version,
		AuthorID:      m.userID,
		ClientID:      op.OriginID,
		ClientSeq:     m.clientSeq,
		BaseVersion:   op.BaseVersion,
		Ops:           ops,
		AppliedAt:     st.lastModifiedAt,
		RebasedAcross: rebasedAcross,
	})
	if len(rebasedAcross) > 0 {
		s.audit.Emit(AuditEvent{
			EventType:     EventConflictResolved,
			DocID:         s.docID,
			Version:       st.version,
			ClientID:      op.OriginID,
			BaseVersion:   op.BaseVersion,
			RebasedAcross: rebasedAcross,
			AppliedAt:     st.lastModifiedAt,
		})
	}

	return SubmitResult{Version: st.version, Ops: ops, Transformed: transformed}, nil
}

func (s *Session) handlePresence(st *docState, entry PresenceEntry) error {
	if s.presence == nil {
		return nil
	}
	entry.DocID = s.docID
	if entry.LastSeen.IsZero() {
		entry.LastSeen = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.presence.Upsert(ctx, entry)
}

func (s *Session) handlePermRequest(st *docState, m permRequestMsg) (*EditRequest, error) {
	req, err := st.gatekeeper.Request(m.blockID, m.userID, m.username, m.message, time.Now())
	if err != nil {
		return nil, err
	}
	s.broadcast(st, "", Broadcast{Kind: BroadcastPermissionRequest, DocID: s.docID, Request: req})
	return req, nil
}

func (s *Session) handlePermRespond(st *docState, m permRespondMsg) (*EditRequest, error) {
	req, err := st.gatekeeper.Respond(m.requestID, m.approve, m.userID, m.username)
	if err != nil {
		return nil, err
	}
	s.broadcast(st, "", Broadcast{Kind: BroadcastPermissionResult, DocID: s.docID, Request: req})
	evtType := EventPermissionDenied
	if m.approve {
		evtType = EventPermissionGranted
	}
	s.audit.Emit(AuditEvent{
		EventType: evtType,
		DocID:     s.docID,
		BlockID:   req.BlockID,
		RequestID: req.RequestID,
		AuthorID:  m.userID,
		HolderID:  st.gatekeeper.Holder(req.BlockID),
		AppliedAt: time.Now(),
	})
	return req, nil
}

func (s *Session) handleLeave(st *docState, m leaveMsg) {
	delete(st.subscribers, m.clientID)
	if len(st.subscribers) == 0 {
		st.idleSince = time.Now()
	}
	if !m.evictPresence {
		return
	}
	// 完全驱逐：回收 presence 和该用户持有的授权
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.presence.Remove(ctx, s.docID, m.userID)
		cancel()
	}
	for _, blockID := range st.gatekeeper.ReleaseAllFor(m.userID) {
		s.broadcast(st, "", Broadcast{
			Kind:  BroadcastPermissionResult,
			DocID: s.docID,
			Request: &EditRequest{
				DocID:   s.docID,
				BlockID: blockID,
				Status:  RequestExpired,
			},
		})
	}
}

func (s *Session) expireRequests(st *docState, now time.Time) {
	for _, req := range st.gatekeeper.ExpireStale(now) {
		// 申请者通过和 presence 相同的广播通道得知过期
		s.broadcast(st, "", Broadcast{Kind: BroadcastPermissionResult, DocID: s.docID, Request: req})
		s.audit.Emit(AuditEvent{
			EventType: EventPermissionDenied,
			DocID:     s.docID,
			BlockID:   req.BlockID,
			RequestID: req.RequestID,
			AppliedAt: now,
		})
	}
}

func (s *Session) broadcast(st *docState, exceptClient string, b Broadcast) {
	for clientID, sub := range st.subscribers {
		if exceptClient != "" && clientID == exceptClient {
			continue
		}
		sub.sub.Deliver(b)
	}
}

func (s *Session) saveSnapshot(st *docState) error {
	if s.snapshots == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.snapshots.SaveDocumentSnapshot(ctx, s.docID, st.version, st.buf.String(), st.lastModifiedBy)
}

// ===== docState 辅助 =====

// lenAt 返回版本 v 时的文档长度（v 必须在回溯窗口内）。
func (st *docState) lenAt(v uint64) (int, bool) {
	if v == st.version {
		return st.buf.Len(), true
	}
	if v == st.windowBase {
		return st.lenAtBase, true
	}
	if v < st.windowBase || v > st.version {
		return 0, false
	}
	idx := int(v - st.windowBase - 1)
	if idx < 0 || idx >= len(st.entries) {
		return 0, false
	}
	return st.entries[idx].LenAfter, true
}

func (st *docState) appendEntry(e logEntry, depth int) {
	st.entries = append(st.entries, e)
	for len(st.entries) > depth {
		st.lenAtBase = st.entries[0].LenAfter
		st.windowBase = st.entries[0].Version
		st.entries = st.entries[1:]
	}
}
