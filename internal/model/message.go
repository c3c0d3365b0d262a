package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"eventchat/pkg/apperr"
	"eventchat/pkg/channel"

	"gorm.io/datatypes"
)

// 频道类型
const (
	ChannelKindGroup  = "group"
	ChannelKindDirect = "direct"
)

// 消息类型
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeAudio  = "audio"
	MessageTypeSystem = "system"
)

// 删除范围
const (
	DeleteForEveryone = "forEveryone"
	DeleteForMe       = "forMe"
)

// ValidMessageType 是否为合法消息类型
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeAudio, MessageTypeSystem:
		return true
	}
	return false
}

// Attachment 附件引用（文件本身由上传服务存储）
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
}

// Message 聊天消息
// 频道归属二选一：群聊(EventID) 或 私聊(SenderID/RecipientID 无序对)，ChannelKey 为规范化后的频道键
// SentAt 为微秒时间戳，用于排序和分页游标
type Message struct {
	ID             uint                            `gorm:"primaryKey" json:"id"`
	ChannelKey     string                          `gorm:"type:varchar(64);not null;uniqueIndex:uidx_channel_sent,priority:1;comment:频道键" json:"channel_key"`
	Kind           string                          `gorm:"type:varchar(16);not null;comment:频道类型" json:"kind"`
	EventID        *uint                           `gorm:"index;comment:活动ID(群聊)" json:"event_id,omitempty"`
	SenderID       *uint                           `gorm:"index;comment:发送者ID(系统消息为空)" json:"sender_id,omitempty"`
	RecipientID    *uint                           `gorm:"index;comment:接收者ID(私聊)" json:"recipient_id,omitempty"`
	Content        string                          `gorm:"type:text;not null;comment:消息内容" json:"content"`
	MessageType    string                          `gorm:"type:varchar(16);not null;default:'text';comment:消息类型" json:"message_type"`
	Attachments    datatypes.JSONSlice[Attachment] `gorm:"comment:附件" json:"attachments"`
	TransportToken *string                         `gorm:"type:varchar(64);uniqueIndex;comment:实时通道投递回执" json:"-"`
	SentAt         int64                           `gorm:"not null;uniqueIndex:uidx_channel_sent,priority:2;comment:发送时间(微秒)" json:"-"`
	IsDeleted      bool                            `gorm:"not null;default:false;comment:是否已删除" json:"is_deleted"`
	DeletedAt      *time.Time                      `gorm:"comment:删除时间" json:"deleted_at,omitempty"`
	DeletedBy      *uint                           `gorm:"comment:删除人" json:"deleted_by,omitempty"`
	IsEdited       bool                            `gorm:"not null;default:false;comment:是否已编辑" json:"is_edited"`
	EditedAt       *time.Time                      `gorm:"comment:编辑时间" json:"edited_at,omitempty"`
	CreatedAt      time.Time                       `gorm:"comment:创建时间" json:"created_at"`
	UpdatedAt      time.Time                       `gorm:"comment:更新时间" json:"updated_at"`

	ReadBy []MessageRead `gorm:"foreignKey:MessageID" json:"read_by"`
	Sender *User         `gorm:"foreignKey:SenderID" json:"-"`
}

func (Message) TableName() string { return "message" }

// Timestamp 发送时间
func (m *Message) Timestamp() time.Time {
	return time.UnixMicro(m.SentAt)
}

// IsReadBy 指定用户是否已读
func (m *Message) IsReadBy(userID uint) bool {
	for _, r := range m.ReadBy {
		if r.ReaderID == userID {
			return true
		}
	}
	return false
}

// IsSentBy 是否由指定用户发送
func (m *Message) IsSentBy(userID uint) bool {
	return m.SenderID != nil && *m.SenderID == userID
}

// MessageRead 已读回执，(message_id, reader_id) 唯一，只增不改
type MessageRead struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_read_message_reader,priority:1;comment:消息ID" json:"-"`
	ReaderID  uint      `gorm:"not null;uniqueIndex:idx_read_message_reader,priority:2;index;comment:阅读人" json:"reader_id"`
	ReadAt    time.Time `gorm:"not null;comment:阅读时间" json:"read_at"`
}

func (MessageRead) TableName() string { return "message_read" }

// MessageHide 仅对自己隐藏的消息（"仅为我删除"）
type MessageHide struct {
	ID        uint      `gorm:"primaryKey"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_hide_viewer_message,priority:2;comment:消息ID"`
	ViewerID  uint      `gorm:"not null;uniqueIndex:idx_hide_viewer_message,priority:1;comment:隐藏人"`
	CreatedAt time.Time `gorm:"comment:隐藏时间"`
}

func (MessageHide) TableName() string { return "message_hide" }

// ValidationLimits 消息校验上限
type ValidationLimits struct {
	MaxContentLength int
	MaxAttachments   int
}

// Validate 校验频道归属和内容
// 频道归属：群聊必须有活动ID且无接收者，私聊必须有发送者和接收者且无活动ID
// 内容：正文非空或至少一个附件
func (m *Message) Validate(limits ValidationLimits) error {
	switch m.Kind {
	case ChannelKindGroup:
		if m.EventID == nil || m.RecipientID != nil {
			return apperr.Validation("group message must reference exactly one event")
		}
		if m.ChannelKey != channel.EventKey(*m.EventID) {
			return apperr.Validation("channel key does not match event")
		}
	case ChannelKindDirect:
		if m.EventID != nil || m.SenderID == nil || m.RecipientID == nil {
			return apperr.Validation("direct message must reference a sender and a recipient")
		}
		if *m.SenderID == *m.RecipientID {
			return apperr.Validation("cannot send a direct message to yourself")
		}
		if m.ChannelKey != channel.DirectKey(*m.SenderID, *m.RecipientID) {
			return apperr.Validation("channel key does not match participants")
		}
	default:
		return apperr.Validation(fmt.Sprintf("unknown channel kind %q", m.Kind))
	}

	if m.MessageType == "" {
		m.MessageType = MessageTypeText
	}
	if !ValidMessageType(m.MessageType) {
		return apperr.Validation(fmt.Sprintf("unknown message type %q", m.MessageType))
	}
	if m.SenderID == nil && m.MessageType != MessageTypeSystem {
		return apperr.Validation("only system messages may omit the sender")
	}

	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return apperr.Validation("message must have content or at least one attachment")
	}
	if limits.MaxContentLength > 0 && utf8.RuneCountInString(m.Content) > limits.MaxContentLength {
		return apperr.Validation(fmt.Sprintf("content exceeds %d characters", limits.MaxContentLength))
	}
	if limits.MaxAttachments > 0 && len(m.Attachments) > limits.MaxAttachments {
		return apperr.Validation(fmt.Sprintf("at most %d attachments allowed", limits.MaxAttachments))
	}
	for i, a := range m.Attachments {
		if a.URL == "" || a.FileName == "" {
			return apperr.Validation(fmt.Sprintf("attachment %d requires url and file_name", i))
		}
		if a.FileSize < 0 {
			return apperr.Validation(fmt.Sprintf("attachment %d has negative size", i))
		}
	}
	return nil
}
