package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"syncServer/backend/internal/collab"
)

// ConnState：每个 (clientId, document) 的连接状态。
// 断线不立即丢弃：connected=false 后保留 offlineGrace，期间 presence 和
// 已持有的授权都不回收，离线队列继续接受本地操作；宽限期耗尽才完全驱逐。
// 同 clientId 在宽限期内重连会拿回同一份状态（含离线队列）。
type ConnState struct {
	ClientID      string
	DocID         string
	UserID        uint64
	JoinedVersion uint64
	Connected     bool
	Queue         *collab.OfflineQueue

	session    *collab.Session
	graceTimer *time.Timer
}

// Hub：房间表 + 连接状态表。
// 房间里存连接而不是 userID：一个用户可以开多个标签页（多个 clientId），
// 广播要逐连接发。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Conn]struct{} // docID -> set of connections
	states map[string]*ConnState         // clientID -> state（含宽限期内的离线连接）

	grace time.Duration
}

func NewHub(grace time.Duration) *Hub {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &Hub{
		rooms:  make(map[string]map[*Conn]struct{}),
		states: make(map[string]*ConnState),
		grace:  grace,
	}
}

// Join 将连接加入文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// Resume 取回（或新建）clientId 的连接状态。宽限期内重连：停掉驱逐
// 定时器、沿用原来的离线队列。
func (h *Hub) Resume(clientID, docID string, userID uint64, sess *collab.Session) *ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.states[clientID]
	if st != nil {
		if st.graceTimer != nil {
			st.graceTimer.Stop()
			st.graceTimer = nil
		}
		if st.DocID == docID {
			st.Connected = true
			st.session = sess
			return st
		}
	}
	// 换了文档的旧状态直接丢弃
	st = &ConnState{
		ClientID:  clientID,
		DocID:     docID,
		UserID:    userID,
		Connected: true,
		Queue:     collab.NewOfflineQueue(),
		session:   sess,
	}
	h.states[clientID] = st
	return st
}

// MarkDisconnected：心跳超时或读失败。状态保留 offlineGrace，
// 到期仍未重连就完全驱逐（presence + 授权一起回收）。
func (h *Hub) MarkDisconnected(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.states[clientID]
	if st == nil {
		return
	}
	st.Connected = false
	if st.graceTimer != nil {
		st.graceTimer.Stop()
	}
	st.graceTimer = time.AfterFunc(h.grace, func() { h.evictState(clientID) })
}

func (h *Hub) evictState(clientID string) {
	h.mu.Lock()
	st := h.states[clientID]
	if st == nil || st.Connected {
		h.mu.Unlock()
		return
	}
	delete(h.states, clientID)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.session.Leave(ctx, st.ClientID, st.UserID, true); err != nil && err != collab.ErrSessionClosed {
		log.Printf("grace eviction leave failed client=%s doc=%s: %v", clientID, st.DocID, err)
	}
}

// Drop：显式 leave，无宽限期。
func (h *Hub) Drop(clientID string) {
	h.mu.Lock()
	st := h.states[clientID]
	if st != nil {
		if st.graceTimer != nil {
			st.graceTimer.Stop()
		}
		delete(h.states, clientID)
	}
	h.mu.Unlock()
}

func (h *Hub) room(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		conns = append(conns, c)
	}
	return conns
}

// BroadcastPresence：光标/选区更新推给房间内其他连接。
// presence 不走版本时钟，last-write-wins。
func (h *Hub) BroadcastPresence(docID string, except *Conn, entry collab.PresenceEntry) {
	msg := PresenceMessage{Type: "presence", DocID: docID, Entry: entry}
	for _, c := range h.room(docID) {
		if c == except {
			continue
		}
		c.enqueue(msg)
	}
}

// BroadcastUserLeft：presence 清扫器驱逐成员后，通知房间清掉残留光标。
// 每个被驱逐的成员正好一条。
func (h *Hub) BroadcastUserLeft(docID string, userID uint64) {
	msg := PresenceLeftMessage{Type: "user_left", DocID: docID, UserID: userID}
	for _, c := range h.room(docID) {
		c.enqueue(msg)
	}
}
