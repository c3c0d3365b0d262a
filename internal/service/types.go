package service

import (
	"time"

	"eventchat/internal/model"
	"eventchat/pkg/transport"
)

// SendInput 发送消息的请求内容
type SendInput struct {
	Content     string             `json:"content"`
	MessageType string             `json:"message_type"`
	Attachments []model.Attachment `json:"attachments"`
}

// ReadReceipt 已读回执
type ReadReceipt struct {
	ReaderID uint      `json:"reader_id"`
	ReadAt   time.Time `json:"read_at"`
}

// MessageView 对外返回的消息
type MessageView struct {
	ID          uint               `json:"id"`
	ChannelKey  string             `json:"channel_key"`
	Kind        string             `json:"kind"`
	EventID     *uint              `json:"event_id,omitempty"`
	RecipientID *uint              `json:"recipient_id,omitempty"`
	Sender      *transport.Sender  `json:"sender,omitempty"`
	Content     string             `json:"content"`
	MessageType string             `json:"message_type"`
	Attachments []model.Attachment `json:"attachments"`
	Timestamp   time.Time          `json:"timestamp"`
	IsDeleted   bool               `json:"is_deleted"`
	IsEdited    bool               `json:"is_edited"`
	EditedAt    *time.Time         `json:"edited_at,omitempty"`
	ReadBy      []ReadReceipt      `json:"read_by"`
}

// SendResult 发送结果，TransportUnavailable 表示消息已持久化但实时推送失败
type SendResult struct {
	Message              *MessageView `json:"message"`
	TransportUnavailable bool         `json:"transport_unavailable"`
}

// TokenResult 实时通道凭证
type TokenResult struct {
	Token          string    `json:"token"`
	TTL            int64     `json:"ttl"` // 秒
	ExpiresAt      time.Time `json:"expires_at"`
	Mode           string    `json:"mode"`
	ScopedChannels []string  `json:"scoped_channels"`
}

// ChannelUnread 单个频道的未读数，Error 非空表示该频道统计失败（计为0）
type ChannelUnread struct {
	Channel string `json:"channel"`
	Unread  int64  `json:"unread"`
	Error   string `json:"error,omitempty"`
}

// UnreadSummary 未读汇总
type UnreadSummary struct {
	TotalUnread int64           `json:"total_unread"`
	ByChannel   []ChannelUnread `json:"by_channel"`
}

// NewMessageView 转换为对外结构，sender 为空时使用预加载的发送者
func NewMessageView(m *model.Message, sender *transport.Sender) *MessageView {
	if m == nil {
		return nil
	}
	if sender == nil && m.Sender != nil {
		sender = &transport.Sender{ID: m.Sender.ID, Name: m.Sender.DisplayName(), Role: m.Sender.Role}
	}
	if sender == nil && m.SenderID != nil {
		sender = &transport.Sender{ID: *m.SenderID}
	}

	attachments := []model.Attachment(m.Attachments)
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	reads := make([]ReadReceipt, 0, len(m.ReadBy))
	for _, r := range m.ReadBy {
		reads = append(reads, ReadReceipt{ReaderID: r.ReaderID, ReadAt: r.ReadAt})
	}

	return &MessageView{
		ID:          m.ID,
		ChannelKey:  m.ChannelKey,
		Kind:        m.Kind,
		EventID:     m.EventID,
		RecipientID: m.RecipientID,
		Sender:      sender,
		Content:     m.Content,
		MessageType: m.MessageType,
		Attachments: attachments,
		Timestamp:   m.Timestamp(),
		IsDeleted:   m.IsDeleted,
		IsEdited:    m.IsEdited,
		EditedAt:    m.EditedAt,
		ReadBy:      reads,
	}
}

// IsReadBy 指定用户是否已读
func (v *MessageView) IsReadBy(userID uint) bool {
	for _, r := range v.ReadBy {
		if r.ReaderID == userID {
			return true
		}
	}
	return false
}
