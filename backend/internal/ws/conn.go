package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot"
)

const (
	// 心跳超时：这么久没收到任何入站消息就按断线处理（进入宽限期）
	heartbeatTimeout = 15 * time.Second
	// presence 限速：每连接最多 20/s，窗口内多余的更新合并成最新值
	presenceMinInterval = 50 * time.Millisecond
	// submit 只阻塞在获取文档串行化边界上，不值得等更久
	submitTimeout = 200 * time.Millisecond
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	registry *collab.Registry
	sem      *collab.SemaphoreControl

	userID   uint64
	username string
	clientID string

	// 当前加入的文档（join 后有效）
	docID   string
	session *collab.Session
	state   *ConnState

	send     chan OutboundMessage
	sendMu   sync.Mutex
	sendDone bool

	presenceMu      sync.Mutex
	lastPresenceAt  time.Time
	pendingPresence *collab.PresenceEntry
	lastEntry       *collab.PresenceEntry
}

func NewConn(ws *websocket.Conn, hub *Hub, registry *collab.Registry, sem *collab.SemaphoreControl, clientID string, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		registry: registry,
		sem:      sem,
		userID:   userID,
		username: username,
		clientID: clientID,
		send:     make(chan OutboundMessage, 32),
	}
}

// ===== collab.Subscriber =====

func (c *Conn) ClientID() string { return c.clientID }

// Deliver 必须立即返回：session 的调度循环在等。
func (c *Conn) Deliver(b collab.Broadcast) {
	switch b.Kind {
	case collab.BroadcastOp:
		c.enqueue(OpBroadcastMessage{
			Type:      "op_broadcast",
			DocID:     b.DocID,
			Version:   b.Version,
			AuthorID:  b.AuthorID,
			ClientID:  b.ClientID,
			Ops:       b.Ops,
			AppliedAt: b.AppliedAt,
		})
	case collab.BroadcastPermissionRequest:
		c.enqueue(PermissionMessage{Type: "permission_request", DocID: b.DocID, Request: b.Request})
	case collab.BroadcastPermissionResult:
		c.enqueue(PermissionMessage{Type: "permission_result", DocID: b.DocID, Request: b.Request})
	}
}

// enqueue 非阻塞入队。队列满说明消费者太慢，直接丢——
// 客户端发现版本出现空洞后会自己走 resync 补齐。
func (c *Conn) enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendDone {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

// ===== 读写循环 =====

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
	_ = c.ws.Close()
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.shutdown()
	for {
		// 任何入站消息都算心跳；闲置客户端靠显式 heartbeat 维持
		_ = c.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))

		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read error (user=%d client=%s doc=%s): %v", c.userID, c.clientID, c.docID, err)
			return
		}

		switch msg.Type {
		case "join":
			c.handleJoin(ctx, msg)
		case "op_submit":
			c.handleOpSubmit(ctx, msg)
		case "presence":
			c.handlePresence(msg)
		case "permission_request":
			c.handlePermissionRequest(ctx, msg)
		case "permission_respond":
			c.handlePermissionRespond(ctx, msg)
		case "permission_release":
			c.handlePermissionRelease(ctx, msg)
		case "heartbeat":
			c.handleHeartbeat()
		case "save":
			c.handleSave(ctx)
		case "leave":
			c.handleLeave(ctx)
		case "":
			// 忽略空消息
		default:
			c.enqueue(ServerMessage{Type: "ignored", Content: "unknown message type: " + msg.Type})
		}
	}
}

// shutdown：读循环退出（断线/心跳超时）。立即取消订阅（之后不再投递
// 广播），但 presence、授权和离线队列都保留到宽限期结束。
func (c *Conn) shutdown() {
	if c.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.session.Leave(ctx, c.clientID, c.userID, false)
		cancel()
		c.hub.Leave(c.docID, c)
		c.hub.MarkDisconnected(c.clientID)
	}
	c.closeSend()
}

// ===== 消息处理 =====

// join / resync 握手。lastKnownVersion 在回溯窗口内给增量，否则给
// 全量快照；带 queuedOps 的是断线重连，排队的操作在握手后立即重放。
func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" {
		c.enqueue(ServerMessage{Type: "error", Content: "missing docId"})
		return
	}

	sess, err := c.registry.Get(ctx, msg.DocID)
	if err != nil {
		log.Printf("load document failed doc=%s: %v", msg.DocID, err)
		c.enqueue(ServerMessage{Type: "error", DocID: msg.DocID, Content: "DOC_LOAD_FAILED"})
		return
	}

	res, err := sess.Join(ctx, c, c.userID, c.username, msg.LastKnownVersion)
	if err != nil {
		c.enqueue(ServerMessage{Type: "error", DocID: msg.DocID, Content: err.Error()})
		return
	}

	// 动态切换文档：先退出旧房间
	if c.docID != "" && c.docID != msg.DocID {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.session.Leave(bg, c.clientID, c.userID, true)
		cancel()
		c.hub.Leave(c.docID, c)
	}
	c.docID = msg.DocID
	c.session = sess
	c.hub.Join(msg.DocID, c)

	st := c.hub.Resume(c.clientID, msg.DocID, c.userID, sess)
	st.JoinedVersion = res.Version
	c.state = st

	c.enqueue(toJoinedMessage(msg.DocID, res))

	// 断线期间排队的操作按原始顺序重放
	for _, op := range msg.QueuedOps {
		st.Queue.Push(op)
	}
	if st.Queue.Len() > 0 {
		if res.Full {
			// 全量快照意味着断线期间的增量已不可得，排队操作没有可靠的
			// rebase 基准，不能按过期位置硬套。丢弃并明确告知冲突。
			st.Queue.Drain()
			reason := collab.ErrBacklogExceeded.Error()
			c.enqueue(ServerMessage{Type: "conflict", DocID: c.docID,
				Content: "offline edits could not be replayed: " + reason})
			c.enqueue(ResyncRequiredMessage{Type: "resync_required", DocID: c.docID, Reason: reason})
		} else {
			c.replayQueued(ctx, st, res)
		}
	}
}

func toJoinedMessage(docID string, res collab.JoinResult) JoinedMessage {
	out := JoinedMessage{Type: "joined", DocID: docID, Version: res.Version, Full: res.Full, Content: res.Content}
	for _, b := range res.Ops {
		out.Ops = append(out.Ops, OpBroadcastMessage{
			Type:    "op_broadcast",
			DocID:   b.DocID,
			Version: b.Version,
			Ops:     b.Ops,
		})
	}
	return out
}

// 重放失败（落后过远等）会强制全量 resync 并给用户冲突提示，
// 这是排队编辑唯一会被丢弃的路径，绝不静默。
func (c *Conn) replayQueued(ctx context.Context, st *ConnState, join collab.JoinResult) {
	queued := st.Queue.Drain()

	var missed []ot.Operation
	for _, b := range join.Ops {
		missed = append(missed, b.Ops...)
	}
	for i := range queued {
		queued[i].OriginID = c.clientID
	}

	res, err := collab.Replay(ctx, c.session, queued, missed, join.Version, c.userID, func() uint64 { return 0 })
	if err != nil {
		log.Printf("offline replay failed client=%s doc=%s: %v", c.clientID, c.docID, err)
		c.enqueue(ServerMessage{Type: "conflict", DocID: c.docID,
			Content: "offline edits could not be replayed: " + err.Error()})
		c.enqueue(ResyncRequiredMessage{Type: "resync_required", DocID: c.docID, Reason: err.Error()})
		full, jerr := c.session.Join(ctx, c, c.userID, c.username, nil)
		if jerr != nil {
			c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: jerr.Error()})
			return
		}
		st.JoinedVersion = full.Version
		c.enqueue(toJoinedMessage(c.docID, full))
		return
	}

	// 每条被接受的操作发一条权威确认（接受形态可能和排队形态不同）
	base := res.Version - uint64(len(res.Accepted))
	for i, ops := range res.Accepted {
		c.enqueue(OpAppliedMessage{
			Type:     "op_applied",
			DocID:    c.docID,
			Version:  base + uint64(i) + 1,
			ClientID: c.clientID,
			Ops:      ops,
		})
	}
	st.JoinedVersion = res.Version
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	if c.session == nil {
		c.enqueue(ServerMessage{Type: "error", Content: "JOIN_REQUIRED"})
		return
	}
	if msg.Op == nil {
		c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: ot.ErrInvalidOperation.Error()})
		return
	}
	op := *msg.Op
	// originId 由服务端强制为连接的 clientId，客户端不能冒充别人
	op.OriginID = c.clientID

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: err.Error()})
		return
	}
	defer c.sem.Release()

	res, err := c.session.Submit(submitCtx, op, c.userID, msg.ClientSeq)
	if err != nil {
		if collab.IsResyncRequired(err) {
			c.enqueue(ResyncRequiredMessage{Type: "resync_required", DocID: c.docID, Reason: err.Error()})
			return
		}
		// PermissionDenied 带着当前持有者身份原样透传
		c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: err.Error()})
		return
	}

	c.enqueue(OpAppliedMessage{
		Type:        "op_applied",
		DocID:       c.docID,
		BaseVersion: op.BaseVersion,
		Version:     res.Version,
		ClientID:    c.clientID,
		ClientSeq:   msg.ClientSeq,
		Ops:         res.Ops,
	})
	if c.state != nil {
		c.state.JoinedVersion = res.Version
	}
}

// presence 限速 + 合并：窗口内只留最新值，从不排队。
func (c *Conn) handlePresence(msg ClientMessage) {
	if c.session == nil {
		return
	}
	entry := collab.PresenceEntry{
		UserID:    c.userID,
		Username:  c.username,
		DocID:     c.docID,
		BlockID:   msg.BlockID,
		Cursor:    msg.Cursor,
		ColorHint: msg.ColorHint,
	}

	c.presenceMu.Lock()
	c.lastEntry = &entry
	now := time.Now()
	if now.Sub(c.lastPresenceAt) >= presenceMinInterval {
		c.lastPresenceAt = now
		c.presenceMu.Unlock()
		c.pushPresence(entry)
		return
	}
	first := c.pendingPresence == nil
	c.pendingPresence = &entry
	wait := presenceMinInterval - now.Sub(c.lastPresenceAt)
	c.presenceMu.Unlock()

	if first {
		time.AfterFunc(wait, c.flushPresence)
	}
}

func (c *Conn) flushPresence() {
	c.presenceMu.Lock()
	entry := c.pendingPresence
	c.pendingPresence = nil
	c.lastPresenceAt = time.Now()
	c.presenceMu.Unlock()
	if entry != nil {
		c.pushPresence(*entry)
	}
}

func (c *Conn) pushPresence(entry collab.PresenceEntry) {
	sess := c.session
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.UpdatePresence(ctx, entry); err != nil {
		log.Printf("presence update failed user=%d doc=%s: %v", entry.UserID, entry.DocID, err)
		return
	}
	c.hub.BroadcastPresence(entry.DocID, c, entry)
}

func (c *Conn) handlePermissionRequest(ctx context.Context, msg ClientMessage) {
	if c.session == nil {
		c.enqueue(ServerMessage{Type: "error", Content: "JOIN_REQUIRED"})
		return
	}
	// 申请结果通过房间广播回来（申请者也在订阅列表里）
	if _, err := c.session.RequestEdit(ctx, msg.BlockID, c.userID, c.username, msg.Message); err != nil {
		c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: err.Error()})
	}
}

func (c *Conn) handlePermissionRespond(ctx context.Context, msg ClientMessage) {
	if c.session == nil {
		c.enqueue(ServerMessage{Type: "error", Content: "JOIN_REQUIRED"})
		return
	}
	if _, err := c.session.RespondEdit(ctx, msg.RequestID, msg.Approve, c.userID, c.username); err != nil {
		c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: err.Error()})
	}
}

func (c *Conn) handlePermissionRelease(ctx context.Context, msg ClientMessage) {
	if c.session == nil {
		c.enqueue(ServerMessage{Type: "error", Content: "JOIN_REQUIRED"})
		return
	}
	ok, err := c.session.ReleaseEdit(ctx, msg.BlockID, c.userID)
	if err != nil {
		c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: err.Error()})
		return
	}
	if !ok {
		c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: "not the current holder"})
		return
	}
	c.enqueue(ServerMessage{Type: "feedback", DocID: c.docID, Content: "edit grant released"})
}

// 心跳同时续 presence 的 TTL：光标不动的用户不该被清扫器误杀。
func (c *Conn) handleHeartbeat() {
	c.presenceMu.Lock()
	entry := c.lastEntry
	c.presenceMu.Unlock()

	if c.session != nil {
		keep := collab.PresenceEntry{UserID: c.userID, Username: c.username, DocID: c.docID}
		if entry != nil {
			keep = *entry
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = c.session.UpdatePresence(ctx, keep)
		}()
	}
	c.enqueue(ServerMessage{Type: "feedback", Content: "heartbeat received"})
}

func (c *Conn) handleSave(ctx context.Context) {
	if c.session == nil {
		c.enqueue(ServerMessage{Type: "error", Content: "JOIN_REQUIRED"})
		return
	}
	if err := c.session.Save(ctx); err != nil {
		log.Printf("save failed doc=%s: %v", c.docID, err)
		c.enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: "SAVE_FAILED"})
		return
	}
	c.enqueue(ServerMessage{Type: "feedback", DocID: c.docID, Content: "document saved"})
}

// 显式 leave：无宽限期，presence 和授权立即回收。
func (c *Conn) handleLeave(ctx context.Context) {
	if c.session == nil {
		return
	}
	_ = c.session.Leave(ctx, c.clientID, c.userID, true)
	c.hub.Leave(c.docID, c)
	c.hub.Drop(c.clientID)
	c.enqueue(ServerMessage{Type: "left", DocID: c.docID})
	c.session = nil
	c.state = nil
	c.docID = ""
}
