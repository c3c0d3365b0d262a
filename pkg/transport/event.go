package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"eventchat/internal/model"
)

// EventType 实时事件类型
type EventType string

const (
	TypeMessageCreated EventType = "message_created"
	TypeMessageRead    EventType = "message_read"
	TypeMessageDeleted EventType = "message_deleted"
	TypeMessageEdited  EventType = "message_edited"
)

// Event 实时事件，按 type 字段区分
type Event interface {
	EventType() EventType
}

// Sender 发送者摘要
type Sender struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// MessageCreated 新消息
type MessageCreated struct {
	Type        EventType          `json:"type"`
	MessageID   uint               `json:"messageId"`
	ChannelKey  string             `json:"channelKey"`
	Sender      *Sender            `json:"sender,omitempty"`
	Content     string             `json:"content"`
	MessageType string             `json:"messageType"`
	Attachments []model.Attachment `json:"attachments"`
	Timestamp   time.Time          `json:"timestamp"`
}

// MessageRead 已读回执
type MessageRead struct {
	Type      EventType `json:"type"`
	MessageID uint      `json:"messageId"`
	ReadBy    uint      `json:"readBy"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageDeleted 消息被删除（对所有人）
type MessageDeleted struct {
	Type      EventType `json:"type"`
	MessageID uint      `json:"messageId"`
	DeletedBy uint      `json:"deletedBy"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageEdited 消息内容被修改
type MessageEdited struct {
	Type      EventType `json:"type"`
	MessageID uint      `json:"messageId"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"editedAt"`
}

// UnknownEvent 无法识别的事件类型，消费方应忽略
type UnknownEvent struct {
	Type EventType
}

func (MessageCreated) EventType() EventType { return TypeMessageCreated }
func (MessageRead) EventType() EventType    { return TypeMessageRead }
func (MessageDeleted) EventType() EventType { return TypeMessageDeleted }
func (MessageEdited) EventType() EventType  { return TypeMessageEdited }
func (e UnknownEvent) EventType() EventType { return e.Type }

// Encode 序列化事件并写入 type 字段
func Encode(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case MessageCreated:
		ev.Type = TypeMessageCreated
		return json.Marshal(ev)
	case MessageRead:
		ev.Type = TypeMessageRead
		return json.Marshal(ev)
	case MessageDeleted:
		ev.Type = TypeMessageDeleted
		return json.Marshal(ev)
	case MessageEdited:
		ev.Type = TypeMessageEdited
		return json.Marshal(ev)
	}
	return nil, fmt.Errorf("encode event: unsupported %T", e)
}

// Decode 按 type 字段反序列化事件，未知类型返回 UnknownEvent
func Decode(payload []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case TypeMessageCreated:
		var v MessageCreated
		err = json.Unmarshal(payload, &v)
		ev = v
	case TypeMessageRead:
		var v MessageRead
		err = json.Unmarshal(payload, &v)
		ev = v
	case TypeMessageDeleted:
		var v MessageDeleted
		err = json.Unmarshal(payload, &v)
		ev = v
	case TypeMessageEdited:
		var v MessageEdited
		err = json.Unmarshal(payload, &v)
		ev = v
	default:
		return UnknownEvent{Type: head.Type}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return ev, nil
}
