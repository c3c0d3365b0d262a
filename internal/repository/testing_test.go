package repository

import (
	"testing"

	"eventchat/internal/model"
	"eventchat/pkg/channel"
	"eventchat/pkg/db"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	orm, err := gorm.Open(sqlite.Open(":memory:"), db.GormConfig(false))
	require.NoError(t, err)

	sqlDB, err := orm.DB()
	require.NoError(t, err)
	// 内存库每个连接独立，固定单连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, orm.AutoMigrate(model.All()...))
	return orm
}

func newTestMessageRepo(t *testing.T) *MessageRepository {
	return NewMessageRepository(newTestDB(t), model.ValidationLimits{MaxContentLength: 5000, MaxAttachments: 10}, 50, 200)
}

func uintPtr(v uint) *uint { return &v }

func groupMessage(eventID, senderID uint, content string) *model.Message {
	return &model.Message{
		ChannelKey:  channel.EventKey(eventID),
		Kind:        model.ChannelKindGroup,
		EventID:     uintPtr(eventID),
		SenderID:    uintPtr(senderID),
		Content:     content,
		MessageType: model.MessageTypeText,
	}
}

func directMessage(senderID, recipientID uint, content string) *model.Message {
	return &model.Message{
		ChannelKey:  channel.DirectKey(senderID, recipientID),
		Kind:        model.ChannelKindDirect,
		SenderID:    uintPtr(senderID),
		RecipientID: uintPtr(recipientID),
		Content:     content,
		MessageType: model.MessageTypeText,
	}
}
