package ws

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"syncServer/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *Hub
	registry *collab.Registry
	sem      *collab.SemaphoreControl
}

func NewManager(hub *Hub, registry *collab.Registry, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, registry: registry, sem: sem}
}

// WebSocketConnect：升级连接并进入读循环。身份由鉴权中间件写入
// gin context；clientId 标识客户端实例（同一用户多标签页各有一个），
// 宽限期内带同一 clientId 重连会拿回离线队列。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	clientID := strings.TrimSpace(c.Query("clientId"))
	if clientID == "" {
		clientID = fmt.Sprintf("c-%d-%d", userID, time.Now().UnixNano())
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.registry, m.sem, clientID, userID, username)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.enqueue(ServerMessage{Type: "welcome", Content: "connected as client " + clientID})

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
