package service

import (
	"context"
	"strings"
	"time"

	"eventchat/config"
	"eventchat/internal/model"
	"eventchat/internal/policy"
	"eventchat/internal/repository"
	"eventchat/pkg/apperr"
	"eventchat/pkg/channel"
	"eventchat/pkg/logger"
	"eventchat/pkg/metrics"
	"eventchat/pkg/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PresenceReader 查询频道在线成员
type PresenceReader interface {
	Presence(ctx context.Context, channelKey string) ([]string, error)
}

// MessageStore 消息存储
type MessageStore interface {
	Append(ctx context.Context, message *model.Message) error
	GetByID(ctx context.Context, id uint) (*model.Message, error)
	Page(ctx context.Context, channelKey string, viewerID uint, opts repository.PageOptions) ([]*model.Message, error)
	MarkRead(ctx context.Context, channelKey string, messageIDs []uint, readerID uint) ([]uint, error)
	SoftDelete(ctx context.Context, messageID uint, actor model.Actor, scope string) (*model.Message, bool, error)
	Edit(ctx context.Context, messageID, editorID uint, content string) (*model.Message, error)
	SetTransportToken(ctx context.Context, messageID uint, token string) error
	CountUnread(ctx context.Context, channelKey string, viewerID uint) (int64, error)
	DirectChannelsFor(ctx context.Context, userID uint) ([]string, error)
}

// ChatService 聊天服务：先持久化，再通过实时通道推送
type ChatService struct {
	store     MessageStore
	policy    *policy.Policy
	publisher transport.Publisher
	presence  PresenceReader
	issuer    transport.CredentialIssuer
	cfg       config.ChatConfig
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewChatService 创建ChatService实例
func NewChatService(
	store MessageStore,
	policy *policy.Policy,
	publisher transport.Publisher,
	presence PresenceReader,
	issuer transport.CredentialIssuer,
	cfg config.ChatConfig,
	tokenTTL time.Duration,
) *ChatService {
	if cfg.UnreadConcurrency <= 0 {
		cfg.UnreadConcurrency = 8
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &ChatService{
		store:     store,
		policy:    policy,
		publisher: publisher,
		presence:  presence,
		issuer:    issuer,
		cfg:       cfg,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

// Actor 加载已认证用户
func (s *ChatService) Actor(ctx context.Context, userID uint) (model.Actor, error) {
	return s.policy.ResolveActor(ctx, userID)
}

// GetToken 计算可访问的群聊频道并签发实时通道凭证
func (s *ChatService) GetToken(ctx context.Context, actor model.Actor) (*TokenResult, error) {
	scope, err := s.policy.ScopedChannelsFor(ctx, actor)
	if err != nil {
		return nil, err
	}

	token, err := s.issuer.Issue(actor.ID, scope, s.tokenTTL)
	if err != nil {
		return nil, apperr.Internal("issue credential", err)
	}

	return &TokenResult{
		Token:          token,
		TTL:            int64(s.tokenTTL / time.Second),
		ExpiresAt:      s.now().Add(s.tokenTTL),
		Mode:           s.issuer.Mode(),
		ScopedChannels: scope,
	}, nil
}

// SendGroupMessage 发送活动群聊消息
func (s *ChatService) SendGroupMessage(ctx context.Context, actor model.Actor, eventID uint, in SendInput) (*SendResult, error) {
	if err := s.policy.RequireEventChannel(ctx, actor, eventID); err != nil {
		return nil, err
	}

	message := &model.Message{
		ChannelKey: channel.EventKey(eventID),
		Kind:       model.ChannelKindGroup,
		EventID:    &eventID,
		SenderID:   &actor.ID,
	}
	return s.send(ctx, actor, message, in)
}

// SendDirectMessage 发送私聊消息
func (s *ChatService) SendDirectMessage(ctx context.Context, actor model.Actor, recipientID uint, in SendInput) (*SendResult, error) {
	if err := s.policy.RequireDirectChannel(ctx, actor, recipientID); err != nil {
		return nil, err
	}

	message := &model.Message{
		ChannelKey:  channel.DirectKey(actor.ID, recipientID),
		Kind:        model.ChannelKindDirect,
		SenderID:    &actor.ID,
		RecipientID: &recipientID,
	}
	return s.send(ctx, actor, message, in)
}

// send 持久化后推送，推送失败不回滚
func (s *ChatService) send(ctx context.Context, actor model.Actor, message *model.Message, in SendInput) (*SendResult, error) {
	message.Content = strings.TrimSpace(in.Content)
	message.MessageType = in.MessageType
	message.Attachments = in.Attachments
	if message.MessageType == model.MessageTypeSystem {
		return nil, apperr.Validation("system messages cannot be sent by users")
	}

	if err := s.store.Append(ctx, message); err != nil {
		return nil, err
	}
	metrics.MessagesSentTotal.WithLabelValues(message.Kind).Inc()

	sender := &transport.Sender{ID: actor.ID, Name: actor.Name, Role: actor.Role}
	view := NewMessageView(message, sender)
	result := &SendResult{Message: view}

	receipt, err := s.publish(ctx, message.ChannelKey, transport.MessageCreated{
		MessageID:   message.ID,
		ChannelKey:  message.ChannelKey,
		Sender:      sender,
		Content:     message.Content,
		MessageType: message.MessageType,
		Attachments: view.Attachments,
		Timestamp:   view.Timestamp,
	}, message.ID)
	if err != nil {
		result.TransportUnavailable = true
		return result, nil
	}

	if err := s.store.SetTransportToken(ctx, message.ID, receipt); err != nil {
		logger.Warn("记录投递回执失败", zap.Uint("message_id", message.ID), zap.Error(err))
	}
	return result, nil
}

// publish 推送实时事件，失败只记录告警
func (s *ChatService) publish(ctx context.Context, channelKey string, ev transport.Event, messageID uint) (string, error) {
	payload, err := transport.Encode(ev)
	if err != nil {
		logger.Error("序列化实时事件失败", zap.String("type", string(ev.EventType())), zap.Error(err))
		return "", err
	}

	receipt, err := s.publisher.Publish(ctx, channelKey, payload)
	if err != nil {
		metrics.PublishFailuresTotal.WithLabelValues(string(ev.EventType())).Inc()
		logger.Warn("实时推送失败",
			zap.String("channel", channelKey),
			zap.String("type", string(ev.EventType())),
			zap.Uint("message_id", messageID),
			zap.Error(err),
		)
		return "", err
	}
	return receipt, nil
}

// FetchHistory 分页获取频道历史
func (s *ChatService) FetchHistory(ctx context.Context, actor model.Actor, channelKey string, opts repository.PageOptions) ([]*MessageView, error) {
	k, err := s.policy.AuthorizeChannel(ctx, actor, channelKey)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.Page(ctx, k.String(), actor.ID, opts)
	if err != nil {
		return nil, err
	}

	views := make([]*MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, NewMessageView(m, nil))
	}
	return views, nil
}

// MarkRead 标记已读并逐条推送已读回执，返回本次新标记的数量
func (s *ChatService) MarkRead(ctx context.Context, actor model.Actor, channelKey string, messageIDs []uint) (int, error) {
	k, err := s.policy.AuthorizeChannel(ctx, actor, channelKey)
	if err != nil {
		return 0, err
	}
	channelKey = k.String()

	marked, err := s.store.MarkRead(ctx, channelKey, messageIDs, actor.ID)
	if err != nil {
		return 0, err
	}
	metrics.ReadReceiptsTotal.Add(float64(len(marked)))

	now := s.now()
	for _, id := range marked {
		_, _ = s.publish(ctx, channelKey, transport.MessageRead{
			MessageID: id,
			ReadBy:    actor.ID,
			Timestamp: now,
		}, id)
	}
	return len(marked), nil
}

// DeleteMessage 删除消息
// forEveryone 仅发送者或管理员可执行并推送删除事件；forMe 只对自己隐藏，不推送
func (s *ChatService) DeleteMessage(ctx context.Context, actor model.Actor, messageID uint, scope string) error {
	if scope == model.DeleteForMe {
		message, err := s.store.GetByID(ctx, messageID)
		if err != nil {
			return err
		}
		if _, err := s.policy.AuthorizeChannel(ctx, actor, message.ChannelKey); err != nil {
			return err
		}
	}

	message, changed, err := s.store.SoftDelete(ctx, messageID, actor, scope)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	metrics.MessagesDeletedTotal.WithLabelValues(scope).Inc()

	if scope == model.DeleteForEveryone {
		_, _ = s.publish(ctx, message.ChannelKey, transport.MessageDeleted{
			MessageID: message.ID,
			DeletedBy: actor.ID,
			Timestamp: s.now(),
		}, message.ID)
	}
	return nil
}

// EditMessage 修改自己发送的消息并推送修改事件
func (s *ChatService) EditMessage(ctx context.Context, actor model.Actor, messageID uint, content string) (*MessageView, error) {
	message, err := s.store.Edit(ctx, messageID, actor.ID, strings.TrimSpace(content))
	if err != nil {
		return nil, err
	}

	_, _ = s.publish(ctx, message.ChannelKey, transport.MessageEdited{
		MessageID: message.ID,
		Content:   message.Content,
		EditedAt:  *message.EditedAt,
	}, message.ID)

	return NewMessageView(message, &transport.Sender{ID: actor.ID, Name: actor.Name, Role: actor.Role}), nil
}

// Presence 频道在线成员
func (s *ChatService) Presence(ctx context.Context, actor model.Actor, channelKey string) ([]string, error) {
	k, err := s.policy.AuthorizeChannel(ctx, actor, channelKey)
	if err != nil {
		return nil, err
	}
	members, err := s.presence.Presence(ctx, k.String())
	if err != nil {
		if _, ok := apperr.As(err); !ok {
			err = apperr.TransportUnavailable("presence failed", err)
		}
		return nil, err
	}
	return members, nil
}

// UnreadSummary 汇总可访问群聊和参与过的私聊的未读数
// 单个频道统计失败不影响整体结果，该频道计为0并标记错误
func (s *ChatService) UnreadSummary(ctx context.Context, actor model.Actor) (*UnreadSummary, error) {
	groups, err := s.policy.ScopedChannelsFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	directs, err := s.store.DirectChannelsFor(ctx, actor.ID)
	if err != nil {
		return nil, err
	}

	keys := append(groups, directs...)
	results := make([]ChannelUnread, len(keys))

	var g errgroup.Group
	g.SetLimit(s.cfg.UnreadConcurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			results[i].Channel = key
			count, err := s.store.CountUnread(ctx, key, actor.ID)
			if err != nil {
				logger.Warn("统计未读失败", zap.String("channel", key), zap.Uint("user_id", actor.ID), zap.Error(err))
				results[i].Error = "unavailable"
				return nil
			}
			results[i].Unread = count
			return nil
		})
	}
	_ = g.Wait()

	summary := &UnreadSummary{ByChannel: results}
	for _, r := range results {
		summary.TotalUnread += r.Unread
	}
	return summary, nil
}

// AuthorizeSubscribe 网关订阅鉴权
// 授权凭证中的群聊范围在有效期内直接生效；身份模式和私聊频道逐次校验访问策略
func (s *ChatService) AuthorizeSubscribe(ctx context.Context, grant transport.Grant, channelKey string) error {
	k, err := channel.Parse(channelKey)
	if err != nil {
		return apperr.Validation(err.Error())
	}

	actor, err := s.policy.ResolveActor(ctx, grant.UserID)
	if err != nil {
		return err
	}

	if k.Kind == channel.KindGroup && grant.Scoped {
		if !grant.InScope(k.String()) {
			return apperr.Forbidden("channel not in credential scope")
		}
		if !actor.IsActive {
			return apperr.Forbidden("account is disabled")
		}
		return nil
	}

	_, err = s.policy.AuthorizeChannel(ctx, actor, channelKey)
	return err
}
