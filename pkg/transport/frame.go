package transport

import "encoding/json"

// 客户端帧动作
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPresence    = "presence"
	ActionHistory     = "history"
)

// 服务端帧类型
const (
	FrameMessage       = "message"
	FramePresenceEvent = "presence_event"
	FramePresence      = "presence"
	FrameHistory       = "history"
	FrameStatus        = "status"
	FrameError         = "error"
)

// 网关状态帧中的附加状态
const (
	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
)

// ClientFrame 客户端发往网关的帧
type ClientFrame struct {
	Action    string `json:"action"`
	Channel   string `json:"channel"`
	Limit     int    `json:"limit,omitempty"` // history 条数上限
	RequestID string `json:"request_id,omitempty"`
}

// ServerFrame 网关发往客户端的帧
type ServerFrame struct {
	Kind      string            `json:"kind"`
	Channel   string            `json:"channel,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Presence  *PresenceEvent    `json:"presence,omitempty"`
	Members   []string          `json:"members,omitempty"`
	History   []json.RawMessage `json:"history,omitempty"`
	Status    string            `json:"status,omitempty"`
	Code      string            `json:"code,omitempty"`
	Error     string            `json:"error,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}
