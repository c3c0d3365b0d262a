package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"eventchat/pkg/logger"
	"eventchat/pkg/metrics"
	"eventchat/pkg/transport"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client 代表一条网关连接
// UserID: 用户ID
// Conn: WebSocket连接
// Send: 待发送帧的通道
type Client struct {
	UserID uint
	Conn   *websocket.Conn
	Send   chan []byte

	grant transport.Grant
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	subs map[string]transport.Subscription
}

func newClient(conn *websocket.Conn, grant transport.Grant) *Client {
	return &Client{
		UserID: grant.UserID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		grant:  grant,
		done:   make(chan struct{}),
		subs:   make(map[string]transport.Subscription),
	}
}

// enqueue 发送缓冲已满时丢弃，客户端可通过历史接口补齐
func (c *Client) enqueue(frame transport.ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.Send <- data:
	default:
		logger.Warn("网关发送缓冲已满，丢弃帧",
			zap.Uint("user_id", c.UserID),
			zap.String("kind", frame.Kind),
			zap.String("channel", frame.Channel),
		)
	}
}

// shutdown 释放连接持有的全部订阅，可重复调用
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]transport.Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	})
}

// expire 凭证过期，以专用关闭码断开，客户端据此重新申请凭证
func (c *Client) expire() {
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(transport.CloseUnauthenticated, "credential expired"),
		time.Now().Add(time.Second))
	_ = c.Conn.Close()
}

// Manager 管理所有在线连接，同一用户可以有多条连接
type Manager struct {
	clients map[uint]map[*Client]struct{}
	lock    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{clients: make(map[uint]map[*Client]struct{})}
}

// AddClient 添加新连接
func (m *Manager) AddClient(client *Client) {
	m.lock.Lock()
	defer m.lock.Unlock()
	set, ok := m.clients[client.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		m.clients[client.UserID] = set
	}
	set[client] = struct{}{}
	metrics.WebSocketConnections.Inc()
}

// RemoveClient 移除连接
func (m *Manager) RemoveClient(client *Client) {
	m.lock.Lock()
	defer m.lock.Unlock()
	set, ok := m.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(m.clients, client.UserID)
	}
	metrics.WebSocketConnections.Dec()
}

// IsOnline 判断用户是否有活跃连接
func (m *Manager) IsOnline(userID uint) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.clients[userID]) > 0
}

// Count 当前连接数
func (m *Manager) Count() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	n := 0
	for _, set := range m.clients {
		n += len(set)
	}
	return n
}

// CloseAll 关闭全部连接（服务退出时调用）
func (m *Manager) CloseAll() {
	m.lock.RLock()
	var all []*Client
	for _, set := range m.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	m.lock.RUnlock()

	for _, c := range all {
		_ = c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.Conn.Close()
	}
}
