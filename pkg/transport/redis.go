package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"eventchat/pkg/apperr"
	"eventchat/pkg/channel"
	"eventchat/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis 键
const (
	historyKeyPrefix  = "chat:history:"
	presenceKeyPrefix = "chat:presence:"
	presenceIndexKey  = "chat:presence:channels"
	presenceSuffix    = ":presence"
)

// 默认参数
const (
	DefaultHistorySize = 100
	DefaultHistoryTTL  = 7 * 24 * time.Hour
	DefaultPresenceTTL = time.Minute

	maxRetryBackoff = 5 * time.Second
)

// RedisOptions Redis 通道参数
type RedisOptions struct {
	HistorySize int
	HistoryTTL  time.Duration
	PresenceTTL time.Duration
	// Member 订阅者在在线状态中的标识，为空时订阅不计入在线成员
	Member string
}

// RedisBroker 基于 Redis PUBLISH/SUBSCRIBE 的实时通道
// 每个频道额外保留最近 HistorySize 条消息，在线成员保存在按过期时间排序的有序集合中
type RedisBroker struct {
	client *redis.Client
	opts   RedisOptions
	now    func() time.Time
}

func NewRedisBroker(client *redis.Client, opts RedisOptions) *RedisBroker {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = DefaultHistoryTTL
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = DefaultPresenceTTL
	}
	return &RedisBroker{client: client, opts: opts, now: time.Now}
}

// As 以指定成员身份使用同一连接
func (b *RedisBroker) As(member string) *RedisBroker {
	cp := *b
	cp.opts.Member = member
	return &cp
}

func historyKey(key string) string  { return historyKeyPrefix + key }
func presenceKey(key string) string { return presenceKeyPrefix + key }
func presenceChannel(key string) string {
	return channel.ProviderName(key) + presenceSuffix
}

// Publish 发布消息并写入频道历史，返回投递回执
func (b *RedisBroker) Publish(ctx context.Context, channelKey string, payload []byte) (string, error) {
	receipt := uuid.NewString()
	hk := historyKey(channelKey)

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, channel.ProviderName(channelKey), payload)
		// 最新的消息在前面
		pipe.LPush(ctx, hk, payload)
		pipe.LTrim(ctx, hk, 0, int64(b.opts.HistorySize-1))
		pipe.Expire(ctx, hk, b.opts.HistoryTTL)
		return nil
	})
	if err != nil {
		return "", apperr.TransportUnavailable("publish failed", err)
	}
	return receipt, nil
}

var _ Historian = (*RedisBroker)(nil)

// History 频道最近的消息，新的在前
func (b *RedisBroker) History(ctx context.Context, channelKey string, limit int) ([][]byte, error) {
	if limit <= 0 || limit > b.opts.HistorySize {
		limit = b.opts.HistorySize
	}
	results, err := b.client.LRange(ctx, historyKey(channelKey), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, apperr.TransportUnavailable("history failed", err)
	}
	out := make([][]byte, 0, len(results))
	for _, r := range results {
		out = append(out, []byte(r))
	}
	return out, nil
}

// Presence 频道当前在线成员（未过期）
func (b *RedisBroker) Presence(ctx context.Context, channelKey string) ([]string, error) {
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, presenceKey(channelKey), &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, apperr.TransportUnavailable("presence failed", err)
	}
	return members, nil
}

// Sweep 清理全部频道中过期的在线成员并广播离开事件，返回清理的成员数
func (b *RedisBroker) Sweep(ctx context.Context) (int, error) {
	keys, err := b.client.SMembers(ctx, presenceIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list presence channels: %w", err)
	}

	now := b.now()
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	removed := 0
	for _, key := range keys {
		pk := presenceKey(key)
		expired, err := b.client.ZRangeByScore(ctx, pk, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, fmt.Errorf("scan presence %s: %w", key, err)
		}
		for _, member := range expired {
			n, err := b.client.ZRem(ctx, pk, member).Result()
			if err != nil {
				return removed, fmt.Errorf("remove presence %s: %w", key, err)
			}
			if n == 1 {
				removed++
				b.announce(ctx, key, PresenceLeave, member, now)
			}
		}

		left, err := b.client.ZCard(ctx, pk).Result()
		if err == nil && left == 0 {
			b.client.SRem(ctx, presenceIndexKey, key)
		}
	}
	return removed, nil
}

// Subscribe 订阅频道消息和在线状态事件
// 网络中断时 go-redis 会在下一次读取时自动重连并恢复订阅，状态变化通过 OnStatus 通知
func (b *RedisBroker) Subscribe(ctx context.Context, channelKey string, h Handlers) (Subscription, error) {
	name := channel.ProviderName(channelKey)
	ps := b.client.Subscribe(ctx, name, presenceChannel(channelKey))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, apperr.TransportUnavailable("subscribe failed", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		broker: b,
		key:    channelKey,
		member: b.opts.Member,
		ps:     ps,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if sub.member != "" {
		if err := b.join(ctx, channelKey, sub.member); err != nil {
			cancel()
			_ = ps.Close()
			return nil, apperr.TransportUnavailable("join presence failed", err)
		}
		go sub.heartbeat(loopCtx)
	}

	go sub.loop(loopCtx, h)
	return sub, nil
}

// Close 通道本身不持有连接，订阅各自关闭
func (b *RedisBroker) Close() error { return nil }

func (b *RedisBroker) join(ctx context.Context, key, member string) error {
	now := b.now()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, presenceKey(key), redis.Z{Score: float64(now.Add(b.opts.PresenceTTL).UnixMilli()), Member: member})
		pipe.SAdd(ctx, presenceIndexKey, key)
		return nil
	})
	if err != nil {
		return err
	}
	b.announce(ctx, key, PresenceJoin, member, now)
	return nil
}

func (b *RedisBroker) refresh(ctx context.Context, key, member string) error {
	score := float64(b.now().Add(b.opts.PresenceTTL).UnixMilli())
	return b.client.ZAdd(ctx, presenceKey(key), redis.Z{Score: score, Member: member}).Err()
}

func (b *RedisBroker) leave(ctx context.Context, key, member string) {
	if err := b.client.ZRem(ctx, presenceKey(key), member).Err(); err != nil {
		logger.Warn("离开在线状态失败", zap.String("channel", key), zap.Error(err))
		return
	}
	b.announce(ctx, key, PresenceLeave, member, b.now())
}

func (b *RedisBroker) announce(ctx context.Context, key, action, member string, at time.Time) {
	data, err := json.Marshal(PresenceEvent{Channel: key, Action: action, Member: member, Timestamp: at})
	if err != nil {
		return
	}
	if err := b.client.Publish(ctx, presenceChannel(key), data).Err(); err != nil {
		logger.Warn("广播在线状态失败", zap.String("channel", key), zap.String("action", action), zap.Error(err))
	}
}

type redisSubscription struct {
	broker *RedisBroker
	key    string
	member string
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Channel() string { return s.key }

// Unsubscribe 可重复调用，不等待回调协程退出
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		if s.member != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			s.broker.leave(ctx, s.key, s.member)
		}
	})
	return err
}

func (s *redisSubscription) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.broker.opts.PresenceTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.broker.refresh(ctx, s.key, s.member); err != nil && ctx.Err() == nil {
				logger.Debug("刷新在线状态失败", zap.String("channel", s.key), zap.Error(err))
			}
		}
	}
}

func (s *redisSubscription) loop(ctx context.Context, h Handlers) {
	defer close(s.done)

	name := channel.ProviderName(s.key)
	presence := presenceChannel(s.key)
	healthy := true
	backoff := 100 * time.Millisecond

	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if healthy {
				healthy = false
				h.status(StatusDisconnected)
				h.status(StatusReconnecting)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxRetryBackoff {
				backoff *= 2
			}
			continue
		}

		if !healthy {
			healthy = true
			backoff = 100 * time.Millisecond
			h.status(StatusConnected)
			if s.member != "" {
				_ = s.broker.join(ctx, s.key, s.member)
			}
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		switch m.Channel {
		case name:
			h.message(s.key, []byte(m.Payload))
		case presence:
			var ev PresenceEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil {
				h.presence(ev)
			}
		}
	}
}
