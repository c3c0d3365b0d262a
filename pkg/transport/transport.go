// Package transport 实时发布/订阅通道
//
// 聊天服务只依赖这里定义的接口，具体的提供方（Redis、WebSocket 网关）、
// 提供方的频道命名以及凭证格式对调用方不可见。
package transport

import (
	"context"
	"time"
)

// Status 连接状态
type Status string

const (
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
	StatusReconnecting    Status = "reconnecting"
	StatusUnauthenticated Status = "unauthenticated"
)

// 在线状态变化
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// PresenceEvent 频道成员加入/离开
type PresenceEvent struct {
	Channel   string    `json:"channel"`
	Action    string    `json:"action"`
	Member    string    `json:"member"`
	Timestamp time.Time `json:"timestamp"`
}

// Handlers 订阅回调，同一订阅的回调按投递顺序串行调用
type Handlers struct {
	OnMessage  func(channelKey string, payload []byte)
	OnPresence func(PresenceEvent)
	OnStatus   func(Status)
}

func (h Handlers) message(key string, payload []byte) {
	if h.OnMessage != nil {
		h.OnMessage(key, payload)
	}
}

func (h Handlers) presence(ev PresenceEvent) {
	if h.OnPresence != nil {
		h.OnPresence(ev)
	}
}

func (h Handlers) status(s Status) {
	if h.OnStatus != nil {
		h.OnStatus(s)
	}
}

// Subscription 订阅句柄
type Subscription interface {
	Channel() string
	// Unsubscribe 可重复调用
	Unsubscribe() error
}

// Publisher 发布消息，返回投递回执
// 投递语义为至少一次，消费方需按消息ID去重
type Publisher interface {
	Publish(ctx context.Context, channelKey string, payload []byte) (string, error)
}

// Subscriber 订阅频道并查询在线成员
type Subscriber interface {
	Subscribe(ctx context.Context, channelKey string, h Handlers) (Subscription, error)
	// Presence 尽力而为，最终一致
	Presence(ctx context.Context, channelKey string) ([]string, error)
	Close() error
}

// Historian 读取实时通道保留的最近消息（新的在前）
type Historian interface {
	History(ctx context.Context, channelKey string, limit int) ([][]byte, error)
}
