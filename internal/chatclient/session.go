// Package chatclient 客户端聊天会话
//
// 会话持有一个频道的实时订阅，把乐观发送、实时事件和分页历史合并成
// 按时间排序且每条消息只出现一次的本地视图。
package chatclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"eventchat/internal/service"
	"eventchat/pkg/apperr"
	"eventchat/pkg/channel"
	"eventchat/pkg/logger"
	"eventchat/pkg/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State 会话状态
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrClosed 会话已关闭
var ErrClosed = errors.New("chat session closed")

// TransportFactory 使用实时通道凭证建立订阅端
type TransportFactory func(ctx context.Context, token string) (transport.Subscriber, error)

// WSTransport 连接 WebSocket 网关
func WSTransport(url string) TransportFactory {
	return func(ctx context.Context, token string) (transport.Subscriber, error) {
		c, err := transport.DialWS(ctx, transport.WSOptions{URL: url, Token: token})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Config 会话配置
type Config struct {
	Channel        string
	UserID         uint
	PageSize       int           // 每页条数，默认50
	UnreadInterval time.Duration // 未读数轮询间隔，0 表示不轮询
	InitialBackoff time.Duration // 凭证失效后重新签发的初始退避，默认250ms
	MaxBackoff     time.Duration // 退避上限，默认30s
}

// Hooks 会话回调，均在锁外调用
type Hooks struct {
	OnChange func()      // 视图、在线成员或未读数变化
	OnState  func(State) // 状态变化
	OnNotify func(Entry) // 收到他人的新消息
	OnError  func(error) // 需要提示用户的错误
}

// Session 单个频道的聊天会话
type Session struct {
	api   API
	dial  TransportFactory
	cfg   Config
	key   channel.Key
	hooks Hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	view       *View
	members    []string
	presenceOK bool // 最近一次在线成员查询是否成功
	unread     int64
	subscriber transport.Subscriber
	sub        transport.Subscription
	gen        int // 订阅代数，旧订阅的回调直接丢弃
	reauthing  bool
}

// Open 打开会话：获取凭证、拉取首页历史、订阅频道，三步都成功后进入 Connected
// 任一步失败返回错误，会话直接关闭
func Open(ctx context.Context, api API, dial TransportFactory, cfg Config, hooks Hooks) (*Session, error) {
	key, err := channel.Parse(cfg.Channel)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	if key.Kind == channel.KindDirect && !key.Has(cfg.UserID) {
		return nil, apperr.Forbidden("not a participant of " + cfg.Channel)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		api:    api,
		dial:   dial,
		cfg:    cfg,
		key:    key,
		hooks:  hooks,
		ctx:    sctx,
		cancel: cancel,
		state:  StateConnecting,
		view:   newView(),
	}
	s.emitState(StateConnecting)

	if err := s.open(ctx); err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		cancel()
		s.emitState(StateClosed)
		return nil, err
	}

	if s.transition(StateConnecting, StateConnected) {
		s.spawn(s.refreshPresence)
	}
	if cfg.UnreadInterval > 0 {
		s.spawn(s.pollUnread)
	}
	return s, nil
}

func (s *Session) open(ctx context.Context) error {
	tok, err := s.api.GetToken(ctx)
	if err != nil {
		return err
	}

	page, err := s.api.FetchHistory(ctx, s.cfg.Channel, PageQuery{Limit: s.cfg.PageSize})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.merge(page)
	s.mu.Unlock()

	return s.subscribe(ctx, tok.Token)
}

// subscribe 建立新的订阅并替换旧订阅
func (s *Session) subscribe(ctx context.Context, token string) error {
	subscriber, err := s.dial(ctx, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	sub, err := subscriber.Subscribe(ctx, s.cfg.Channel, s.handlers(gen))
	if err != nil {
		_ = subscriber.Close()
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		_ = subscriber.Close()
		return ErrClosed
	}
	oldSubscriber, oldSub := s.subscriber, s.sub
	s.subscriber, s.sub = subscriber, sub
	s.mu.Unlock()

	if oldSub != nil {
		_ = oldSub.Unsubscribe()
	}
	if oldSubscriber != nil {
		_ = oldSubscriber.Close()
	}
	return nil
}

func (s *Session) handlers(gen int) transport.Handlers {
	return transport.Handlers{
		OnMessage: func(_ string, payload []byte) {
			if s.current(gen) {
				s.handleEvent(payload)
			}
		},
		// 在线成员以提供方为准，收到变化后重新查询
		OnPresence: func(transport.PresenceEvent) {
			if s.current(gen) {
				s.spawn(s.refreshPresence)
			}
		},
		OnStatus: func(st transport.Status) {
			if s.current(gen) {
				s.handleStatus(st)
			}
		},
	}
}

func (s *Session) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state != StateClosed
}

func (s *Session) handleEvent(payload []byte) {
	ev, err := transport.Decode(payload)
	if err != nil {
		logger.Warn("解析实时事件失败", zap.String("channel", s.cfg.Channel), zap.Error(err))
		return
	}

	switch e := ev.(type) {
	case transport.MessageCreated:
		entry := entryFromEvent(e, s.cfg.UserID)
		s.mu.Lock()
		added := s.view.insert(entry)
		if added && !entry.IsOwn {
			s.unread++
		}
		s.mu.Unlock()
		if !added {
			return
		}
		if !entry.IsOwn && s.hooks.OnNotify != nil {
			s.hooks.OnNotify(entry)
		}
		s.changed()

	case transport.MessageRead:
		s.mu.Lock()
		updated := s.view.update(e.MessageID, func(en *Entry) {
			if en.IsOwn && e.ReadBy != s.cfg.UserID {
				en.IsRead = true
			}
		})
		s.mu.Unlock()
		if updated {
			s.changed()
		}

	case transport.MessageDeleted:
		s.mu.Lock()
		removed := s.view.remove(e.MessageID)
		s.mu.Unlock()
		if removed {
			s.changed()
		}

	case transport.MessageEdited:
		s.mu.Lock()
		updated := s.view.update(e.MessageID, func(en *Entry) {
			editedAt := e.EditedAt
			en.Content = e.Content
			en.IsEdited = true
			en.EditedAt = &editedAt
		})
		s.mu.Unlock()
		if updated {
			s.changed()
		}
	}
}

func (s *Session) handleStatus(st transport.Status) {
	switch st {
	case transport.StatusDisconnected, transport.StatusReconnecting:
		s.transition(StateConnected, StateReconnecting)
	case transport.StatusConnected:
		if s.transition(StateReconnecting, StateConnected) {
			s.spawn(s.catchUp)
			s.spawn(s.refreshPresence)
		}
	case transport.StatusUnauthenticated:
		s.transition(StateConnected, StateReconnecting)
		s.spawn(s.reauthenticate)
	}
}

// reauthenticate 凭证失效后重新签发并订阅，指数退避直到成功或会话关闭
func (s *Session) reauthenticate(ctx context.Context) {
	s.mu.Lock()
	if s.reauthing {
		s.mu.Unlock()
		return
	}
	s.reauthing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reauthing = false
		s.mu.Unlock()
	}()

	backoff := s.cfg.InitialBackoff
	for {
		err := s.resubscribe(ctx)
		if err == nil {
			s.transition(StateReconnecting, StateConnected)
			s.catchUp(ctx)
			s.refreshPresence(ctx)
			return
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
		logger.Warn("重新获取实时凭证失败",
			zap.String("channel", s.cfg.Channel),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Session) resubscribe(ctx context.Context) error {
	tok, err := s.api.GetToken(ctx)
	if err != nil {
		return err
	}
	return s.subscribe(ctx, tok.Token)
}

// catchUp 重连后从最新一条消息之后向前补齐断线期间的消息
func (s *Session) catchUp(ctx context.Context) {
	s.mu.Lock()
	newest, ok := s.view.newest()
	s.mu.Unlock()

	q := PageQuery{Limit: s.cfg.PageSize}
	if ok {
		q.After = &newest
	}
	for {
		page, err := s.api.FetchHistory(ctx, s.cfg.Channel, q)
		if err != nil {
			logger.Warn("补齐历史消息失败", zap.String("channel", s.cfg.Channel), zap.Error(err))
			s.replayRetained(ctx)
			return
		}

		s.mu.Lock()
		added := s.merge(page)
		s.mu.Unlock()
		if added > 0 {
			s.changed()
		}

		if q.After == nil || len(page) < q.Limit {
			return
		}
		last := page[len(page)-1].Timestamp
		q.After = &last
	}
}

// replayRetained 聊天服务不可用时，用实时通道保留的最近消息补齐
func (s *Session) replayRetained(ctx context.Context) {
	s.mu.Lock()
	historian, ok := s.subscriber.(transport.Historian)
	s.mu.Unlock()
	if !ok {
		return
	}

	payloads, err := historian.History(ctx, s.cfg.Channel, s.cfg.PageSize)
	if err != nil {
		logger.Debug("读取实时通道保留消息失败", zap.String("channel", s.cfg.Channel), zap.Error(err))
		return
	}
	// 新的在前，倒序重放
	for i := len(payloads) - 1; i >= 0; i-- {
		s.handleEvent(payloads[i])
	}
}

// merge 合并服务端消息，已存在的ID跳过，返回新增条数
func (s *Session) merge(page []*service.MessageView) int {
	added := 0
	for _, m := range page {
		if s.view.insert(entryFromView(m, s.cfg.UserID)) {
			added++
		}
	}
	return added
}

// Send 乐观发送：先插入临时条目，请求完成后移除
// 确认的消息由实时通道回推插入；推送不可用时直接插入服务端返回的消息
func (s *Session) Send(ctx context.Context, in service.SendInput) (*service.MessageView, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	tempID := uuid.NewString()
	s.view.addPending(Entry{
		TempID:      tempID,
		ChannelKey:  s.cfg.Channel,
		Sender:      &transport.Sender{ID: s.cfg.UserID},
		Content:     in.Content,
		MessageType: in.MessageType,
		Attachments: in.Attachments,
		Timestamp:   time.Now(),
		IsOwn:       true,
	})
	s.mu.Unlock()
	s.changed()

	// 关闭会话不取消进行中的发送
	ctx = context.WithoutCancel(ctx)
	var (
		res *service.SendResult
		err error
	)
	if s.key.Kind == channel.KindGroup {
		res, err = s.api.SendGroupMessage(ctx, s.key.EventID, in)
	} else {
		res, err = s.api.SendDirectMessage(ctx, s.key.Peer(s.cfg.UserID), in)
	}

	s.mu.Lock()
	s.view.removePending(tempID)
	if err == nil && res.TransportUnavailable && res.Message != nil {
		s.view.insert(entryFromView(res.Message, s.cfg.UserID))
	}
	s.mu.Unlock()
	s.changed()

	if err != nil {
		s.reportError(err)
		return nil, err
	}
	return res.Message, nil
}

// LoadMore 以最早一条消息的时间为游标加载更早的一页，返回新增条数
func (s *Session) LoadMore(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	oldest, ok := s.view.oldest()
	s.mu.Unlock()

	q := PageQuery{Limit: s.cfg.PageSize}
	if ok {
		q.Before = &oldest
	}
	page, err := s.api.FetchHistory(ctx, s.cfg.Channel, q)
	if err != nil {
		s.reportError(err)
		return 0, err
	}

	s.mu.Lock()
	added := s.merge(page)
	s.mu.Unlock()
	if added > 0 {
		s.changed()
	}
	return added, nil
}

// MarkAllRead 将视图中他人发送且未读的消息标记为已读
func (s *Session) MarkAllRead(ctx context.Context) (int, error) {
	s.mu.Lock()
	var ids []uint
	for _, e := range s.view.entries {
		if !e.IsSending && !e.IsOwn && !e.ReadByMe {
			ids = append(ids, e.ID)
		}
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}

	marked, err := s.api.MarkRead(ctx, s.cfg.Channel, ids)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, id := range ids {
		s.view.update(id, func(en *Entry) { en.ReadByMe = true })
	}
	s.unread -= int64(marked)
	if s.unread < 0 {
		s.unread = 0
	}
	s.mu.Unlock()
	s.changed()
	return marked, nil
}

// Delete 删除消息，成功后立即从本地视图移除
func (s *Session) Delete(ctx context.Context, messageID uint, scope string) error {
	if err := s.api.DeleteMessage(ctx, messageID, scope); err != nil {
		s.reportError(err)
		return err
	}
	s.mu.Lock()
	removed := s.view.remove(messageID)
	s.mu.Unlock()
	if removed {
		s.changed()
	}
	return nil
}

// Edit 修改自己的消息
func (s *Session) Edit(ctx context.Context, messageID uint, content string) error {
	view, err := s.api.EditMessage(ctx, messageID, content)
	if err != nil {
		s.reportError(err)
		return err
	}
	s.mu.Lock()
	s.view.update(messageID, func(en *Entry) {
		en.Content = view.Content
		en.IsEdited = view.IsEdited
		en.EditedAt = view.EditedAt
	})
	s.mu.Unlock()
	s.changed()
	return nil
}

func (s *Session) refreshPresence(ctx context.Context) {
	s.mu.Lock()
	subscriber := s.subscriber
	s.mu.Unlock()
	if subscriber == nil {
		return
	}

	// 查询失败时在线状态未知，不保留过期的成员列表
	members, err := subscriber.Presence(ctx, s.cfg.Channel)
	if err != nil {
		logger.Debug("查询在线成员失败", zap.String("channel", s.cfg.Channel), zap.Error(err))
		members = nil
	}
	s.mu.Lock()
	s.members = members
	s.presenceOK = err == nil
	s.mu.Unlock()
	s.changed()
}

func (s *Session) pollUnread(ctx context.Context) {
	s.refreshUnread(ctx)

	ticker := time.NewTicker(s.cfg.UnreadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshUnread(ctx)
		}
	}
}

func (s *Session) refreshUnread(ctx context.Context) {
	summary, err := s.api.UnreadSummary(ctx)
	if err != nil {
		logger.Debug("获取未读汇总失败", zap.Error(err))
		return
	}
	for _, c := range summary.ByChannel {
		if c.Channel != s.cfg.Channel || c.Error != "" {
			continue
		}
		s.mu.Lock()
		s.unread = c.Unread
		s.mu.Unlock()
		s.changed()
		return
	}
}

// Close 先退订再丢弃状态，关闭后不再有状态变化
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	sub, subscriber := s.sub, s.subscriber
	s.sub, s.subscriber = nil, nil
	s.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if subscriber != nil {
		if cerr := subscriber.Close(); err == nil {
			err = cerr
		}
	}
	s.cancel()
	s.wg.Wait()
	s.emitState(StateClosed)
	return err
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages 当前视图的副本
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Entries()
}

// Members 在线成员，状态未知时为空
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members...)
}

// Presence 在线成员，known 为 false 表示最近一次查询失败
func (s *Session) Presence() (members []string, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members...), s.presenceOK
}

// Unread 本频道未读数
func (s *Session) Unread() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// spawn 在会话生命周期内异步执行，回调中不能同步调用实时通道
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.emitState(to)
	return true
}

func (s *Session) emitState(st State) {
	if s.hooks.OnState != nil {
		s.hooks.OnState(st)
	}
	s.changed()
}

func (s *Session) changed() {
	if s.hooks.OnChange != nil {
		s.hooks.OnChange()
	}
}

func (s *Session) reportError(err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}
