package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"eventchat/internal/model"
	"eventchat/pkg/apperr"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 分页默认值
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// 发送时间冲突时的最大重试次数
const appendAttempts = 5

// PageOptions 分页参数，Before/After 为不含边界的时间游标，最多设置一个
type PageOptions struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}

// sentAtClock 进程内严格递增的微秒时间戳，跨实例的唯一性由数据库索引保证
type sentAtClock struct {
	last atomic.Int64
}

func (c *sentAtClock) next(now time.Time) int64 {
	ts := now.UnixMicro()
	for {
		last := c.last.Load()
		if ts <= last {
			ts = last + 1
		}
		if c.last.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// observe 推进时钟到已写入的时间戳
func (c *sentAtClock) observe(ts int64) {
	for {
		last := c.last.Load()
		if ts <= last || c.last.CompareAndSwap(last, ts) {
			return
		}
	}
}

// MessageRepository 消息数据仓储
type MessageRepository struct {
	db      *gorm.DB
	limits  model.ValidationLimits
	maxPage int
	defPage int
	clock   *sentAtClock
	nowFunc func() time.Time
}

// NewMessageRepository 创建MessageRepository实例
func NewMessageRepository(db *gorm.DB, limits model.ValidationLimits, defaultPage, maxPage int) *MessageRepository {
	if defaultPage <= 0 {
		defaultPage = DefaultPageSize
	}
	if maxPage <= 0 {
		maxPage = MaxPageSize
	}
	return &MessageRepository{
		db:      db,
		limits:  limits,
		defPage: defaultPage,
		maxPage: maxPage,
		clock:   &sentAtClock{},
		nowFunc: time.Now,
	}
}

// Append 校验并写入消息，分配ID和发送时间
// 发送时间在频道内唯一且严格递增：取本地时钟与频道已有最大值+1中较大者，
// 多个实例并发写入同一频道撞上 (channel_key, sent_at) 唯一索引时重新分配
func (r *MessageRepository) Append(ctx context.Context, message *model.Message) error {
	if err := message.Validate(r.limits); err != nil {
		return err
	}

	message.IsDeleted = false
	message.DeletedAt = nil
	message.IsEdited = false
	message.EditedAt = nil
	message.ReadBy = nil

	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		var latest int64
		latest, err = r.latestSentAt(ctx, message.ChannelKey)
		if err != nil {
			return err
		}

		ts := r.clock.next(r.nowFunc())
		if ts <= latest {
			ts = latest + 1
			r.clock.observe(ts)
		}

		message.ID = 0
		message.SentAt = ts
		message.CreatedAt = time.UnixMicro(ts)

		err = r.db.WithContext(ctx).Omit("ReadBy", "Sender").Create(message).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	return apperr.Internal("append message", err)
}

// latestSentAt 频道内最新的发送时间，空频道为0
func (r *MessageRepository) latestSentAt(ctx context.Context, channelKey string) (int64, error) {
	var latest int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("channel_key = ?", channelKey).
		Select("COALESCE(MAX(sent_at), 0)").
		Scan(&latest).Error
	if err != nil {
		return 0, apperr.Internal("latest sent_at", err)
	}
	return latest, nil
}

// GetByID 根据ID获取消息（包括已删除的消息）
func (r *MessageRepository) GetByID(ctx context.Context, id uint) (*model.Message, error) {
	var message model.Message
	err := r.db.WithContext(ctx).
		Preload("ReadBy", orderReads).
		First(&message, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("message", err)
		}
		return nil, apperr.Internal("get message", err)
	}
	return &message, nil
}

// Page 分页获取频道消息
// 默认及 Before 游标按时间倒序返回，After 游标按时间正序返回
// 已删除的消息和查看者隐藏的消息不返回
func (r *MessageRepository) Page(ctx context.Context, channelKey string, viewerID uint, opts PageOptions) ([]*model.Message, error) {
	if opts.Before != nil && opts.After != nil {
		return nil, apperr.Validation("before and after cannot both be set")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = r.defPage
	}
	if limit > r.maxPage {
		limit = r.maxPage
	}

	query := r.visible(ctx, channelKey, viewerID)
	switch {
	case opts.After != nil:
		query = query.Where("message.sent_at > ?", opts.After.UnixMicro()).
			Order("message.sent_at ASC, message.id ASC")
	case opts.Before != nil:
		query = query.Where("message.sent_at < ?", opts.Before.UnixMicro()).
			Order("message.sent_at DESC, message.id DESC")
	default:
		query = query.Order("message.sent_at DESC, message.id DESC")
	}

	var messages []*model.Message
	err := query.
		Preload("ReadBy", orderReads).
		Preload("Sender").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, apperr.Internal("page messages", err)
	}
	return messages, nil
}

// MarkRead 标记消息为已读，返回本次新标记的消息ID
// 已读回执逐条按 (message_id, reader_id) 唯一约束插入，重复标记不报错也不计数
// 自己发送的消息、已删除的消息以及不属于该频道的消息会被忽略
func (r *MessageRepository) MarkRead(ctx context.Context, channelKey string, messageIDs []uint, readerID uint) ([]uint, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var eligible []uint
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id IN ? AND channel_key = ? AND is_deleted = ?", messageIDs, channelKey, false).
		Where("(sender_id IS NULL OR sender_id <> ?)", readerID).
		Order("sent_at ASC").
		Pluck("id", &eligible).Error
	if err != nil {
		return nil, apperr.Internal("mark read", err)
	}

	now := r.nowFunc()
	marked := make([]uint, 0, len(eligible))
	for _, id := range eligible {
		receipt := model.MessageRead{MessageID: id, ReaderID: readerID, ReadAt: now}
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&receipt)
		if res.Error != nil {
			return marked, apperr.Internal("mark read", res.Error)
		}
		if res.RowsAffected == 1 {
			marked = append(marked, id)
		}
	}
	return marked, nil
}

// SoftDelete 删除消息
// forEveryone：仅发送者或管理员可删除，设置共享删除标记，返回值 changed 表示本次是否实际修改
// forMe：仅对当前查看者隐藏，不修改消息本身
func (r *MessageRepository) SoftDelete(ctx context.Context, messageID uint, actor model.Actor, scope string) (*model.Message, bool, error) {
	message, err := r.GetByID(ctx, messageID)
	if err != nil {
		return nil, false, err
	}

	switch scope {
	case model.DeleteForMe:
		changed, err := r.hide(ctx, messageID, actor.ID)
		return message, changed, err
	case model.DeleteForEveryone:
	default:
		return nil, false, apperr.Validation("scope must be forMe or forEveryone")
	}

	if !message.IsSentBy(actor.ID) && !actor.IsElevated() {
		return nil, false, apperr.Forbidden("only the sender or an admin can delete this message for everyone")
	}

	now := r.nowFunc()
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND is_deleted = ?", messageID, false).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"deleted_at": now,
			"deleted_by": actor.ID,
		})
	if res.Error != nil {
		return nil, false, apperr.Internal("delete message", res.Error)
	}

	if res.RowsAffected == 1 {
		message.IsDeleted = true
		message.DeletedAt = &now
		message.DeletedBy = &actor.ID
	}
	return message, res.RowsAffected == 1, nil
}

func (r *MessageRepository) hide(ctx context.Context, messageID, viewerID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.MessageHide{MessageID: messageID, ViewerID: viewerID, CreatedAt: r.nowFunc()})
	if res.Error != nil {
		return false, apperr.Internal("hide message", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Edit 修改消息内容，仅发送者可修改未删除的消息
func (r *MessageRepository) Edit(ctx context.Context, messageID, editorID uint, content string) (*model.Message, error) {
	message, err := r.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !message.IsSentBy(editorID) {
		return nil, apperr.Forbidden("only the sender can edit this message")
	}
	if message.IsDeleted {
		return nil, apperr.NotFound("message", nil)
	}

	message.Content = content
	if err := message.Validate(r.limits); err != nil {
		return nil, err
	}

	now := r.nowFunc()
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND is_deleted = ?", messageID, false).
		Updates(map[string]interface{}{
			"content":   content,
			"is_edited": true,
			"edited_at": now,
		})
	if res.Error != nil {
		return nil, apperr.Internal("edit message", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("message", nil)
	}

	message.IsEdited = true
	message.EditedAt = &now
	return message, nil
}

// SetTransportToken 记录实时通道的投递回执
func (r *MessageRepository) SetTransportToken(ctx context.Context, messageID uint, token string) error {
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", messageID).
		Update("transport_token", token).Error
	if err != nil {
		return apperr.Internal("set transport token", err)
	}
	return nil
}

// CountUnread 统计频道内查看者的未读消息数
// 未读：未删除、非自己发送、未被查看者隐藏且没有查看者的已读回执
func (r *MessageRepository) CountUnread(ctx context.Context, channelKey string, viewerID uint) (int64, error) {
	var count int64
	err := r.visible(ctx, channelKey, viewerID).
		Where("(message.sender_id IS NULL OR message.sender_id <> ?)", viewerID).
		Where("NOT EXISTS (SELECT 1 FROM message_read mr WHERE mr.message_id = message.id AND mr.reader_id = ?)", viewerID).
		Count(&count).Error
	if err != nil {
		return 0, apperr.Internal("count unread", err)
	}
	return count, nil
}

// DirectChannelsFor 用户参与过的全部私聊频道
func (r *MessageRepository) DirectChannelsFor(ctx context.Context, userID uint) ([]string, error) {
	var keys []string
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("kind = ? AND (sender_id = ? OR recipient_id = ?)", model.ChannelKindDirect, userID, userID).
		Distinct("channel_key").
		Order("channel_key ASC").
		Pluck("channel_key", &keys).Error
	if err != nil {
		return nil, apperr.Internal("list direct channels", err)
	}
	return keys, nil
}

// visible 频道内对查看者可见的消息
func (r *MessageRepository) visible(ctx context.Context, channelKey string, viewerID uint) *gorm.DB {
	return r.db.WithContext(ctx).Model(&model.Message{}).
		Where("message.channel_key = ? AND message.is_deleted = ?", channelKey, false).
		Where("NOT EXISTS (SELECT 1 FROM message_hide mh WHERE mh.message_id = message.id AND mh.viewer_id = ?)", viewerID)
}

func orderReads(db *gorm.DB) *gorm.DB {
	return db.Order("read_at ASC, id ASC")
}
