package chatclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"eventchat/internal/service"
	"eventchat/pkg/transport"

	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0).UTC()

// fakeAPI 内存版聊天服务，消息按发送顺序保存
type fakeAPI struct {
	mu sync.Mutex

	self          uint
	messages      []*service.MessageView
	nextID        uint
	tokens        int
	tokenFailures int // 之后的若干次 GetToken 返回错误
	tokenErr      error
	sendErr       error
	historyErr    error
	sendGate      chan struct{}
	transportDown bool
	unread        int64
	markCalls     [][]uint
	directTo      []uint
	queries       []PageQuery
}

func newFakeAPI(self uint) *fakeAPI {
	return &fakeAPI{self: self, nextID: 1}
}

// seed 服务端已有的消息
func (a *fakeAPI) seed(senderID uint, content string) *service.MessageView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addLocked("event:1", senderID, content)
}

func (a *fakeAPI) addLocked(key string, senderID uint, content string) *service.MessageView {
	m := &service.MessageView{
		ID:          a.nextID,
		ChannelKey:  key,
		Sender:      &transport.Sender{ID: senderID, Name: fmt.Sprintf("user-%d", senderID)},
		Content:     content,
		MessageType: "text",
		Timestamp:   epoch.Add(time.Duration(a.nextID) * time.Second),
	}
	a.nextID++
	a.messages = append(a.messages, m)
	return m
}

func (a *fakeAPI) GetToken(context.Context) (*service.TokenResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokenErr != nil {
		return nil, a.tokenErr
	}
	if a.tokenFailures > 0 {
		a.tokenFailures--
		return nil, fmt.Errorf("token service down")
	}
	a.tokens++
	return &service.TokenResult{Token: fmt.Sprintf("tok-%d", a.tokens), TTL: 3600}, nil
}

func (a *fakeAPI) SendGroupMessage(ctx context.Context, _ uint, in service.SendInput) (*service.SendResult, error) {
	return a.send(ctx, "event:1", in)
}

func (a *fakeAPI) SendDirectMessage(ctx context.Context, recipientID uint, in service.SendInput) (*service.SendResult, error) {
	a.mu.Lock()
	a.directTo = append(a.directTo, recipientID)
	a.mu.Unlock()
	return a.send(ctx, "dm", in)
}

func (a *fakeAPI) send(_ context.Context, key string, in service.SendInput) (*service.SendResult, error) {
	if a.sendGate != nil {
		<-a.sendGate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	m := a.addLocked(key, a.self, in.Content)
	return &service.SendResult{Message: m, TransportUnavailable: a.transportDown}, nil
}

func (a *fakeAPI) FetchHistory(_ context.Context, _ string, q PageQuery) ([]*service.MessageView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries = append(a.queries, q)
	if a.historyErr != nil {
		return nil, a.historyErr
	}

	var out []*service.MessageView
	for _, m := range a.messages {
		if q.Before != nil && !m.Timestamp.Before(*q.Before) {
			continue
		}
		if q.After != nil && !m.Timestamp.After(*q.After) {
			continue
		}
		out = append(out, m)
	}
	if q.After != nil {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	}
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, _ string, messageIDs []uint) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markCalls = append(a.markCalls, messageIDs)
	return len(messageIDs), nil
}

func (a *fakeAPI) DeleteMessage(context.Context, uint, string) error { return nil }

func (a *fakeAPI) EditMessage(_ context.Context, messageID uint, content string) (*service.MessageView, error) {
	now := epoch.Add(time.Hour)
	return &service.MessageView{ID: messageID, Content: content, IsEdited: true, EditedAt: &now}, nil
}

func (a *fakeAPI) Presence(context.Context, string) ([]string, error) { return nil, nil }

func (a *fakeAPI) UnreadSummary(context.Context) (*service.UnreadSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &service.UnreadSummary{
		TotalUnread: a.unread + 1,
		ByChannel: []service.ChannelUnread{
			{Channel: "event:1", Unread: a.unread},
			{Channel: "dm:1:9", Unread: 1},
		},
	}, nil
}

// fakeSubscriber 同步投递的订阅端
type fakeSubscriber struct {
	mu           sync.Mutex
	token        string
	handlers     map[string]transport.Handlers
	members      []string
	presenceErr  error
	retained     [][]byte // 新的在前
	closed       bool
	unsubscribed int
	subscribeErr error
}

type fakeSubscription struct {
	s   *fakeSubscriber
	key string
}

func (f *fakeSubscription) Channel() string { return f.key }

func (f *fakeSubscription) Unsubscribe() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, ok := f.s.handlers[f.key]; ok {
		delete(f.s.handlers, f.key)
		f.s.unsubscribed++
	}
	return nil
}

func (f *fakeSubscriber) Subscribe(_ context.Context, key string, h transport.Handlers) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.handlers[key] = h
	return &fakeSubscription{s: f, key: key}, nil
}

func (f *fakeSubscriber) Presence(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presenceErr != nil {
		return nil, f.presenceErr
	}
	return append([]string(nil), f.members...), nil
}

func (f *fakeSubscriber) History(_ context.Context, _ string, limit int) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.retained
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([][]byte(nil), out...), nil
}

// retain 模拟实时通道保留的消息
func (f *fakeSubscriber) retain(t *testing.T, ev transport.Event) {
	t.Helper()
	payload, err := transport.Encode(ev)
	require.NoError(t, err)
	f.mu.Lock()
	f.retained = append([][]byte{payload}, f.retained...)
	f.mu.Unlock()
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriber) handler(key string) (transport.Handlers, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[key]
	return h, ok
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// deliver 模拟提供方投递实时事件
func (f *fakeSubscriber) deliver(t *testing.T, key string, ev transport.Event) {
	t.Helper()
	payload, err := transport.Encode(ev)
	require.NoError(t, err)
	if h, ok := f.handler(key); ok && h.OnMessage != nil {
		h.OnMessage(key, payload)
	}
}

func (f *fakeSubscriber) status(key string, st transport.Status) {
	if h, ok := f.handler(key); ok && h.OnStatus != nil {
		h.OnStatus(st)
	}
}

func (f *fakeSubscriber) presence(key string, ev transport.PresenceEvent) {
	if h, ok := f.handler(key); ok && h.OnPresence != nil {
		h.OnPresence(ev)
	}
}

// fakeDialer 记录每次建立的订阅端
type fakeDialer struct {
	mu           sync.Mutex
	members      []string
	subscribeErr error
	subscribers  []*fakeSubscriber
}

func (d *fakeDialer) dial(_ context.Context, token string) (transport.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSubscriber{
		token:        token,
		handlers:     make(map[string]transport.Handlers),
		members:      d.members,
		subscribeErr: d.subscribeErr,
	}
	d.subscribers = append(d.subscribers, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers)
}

func (d *fakeDialer) last() *fakeSubscriber {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribers[len(d.subscribers)-1]
}

// recorder 记录会话回调
type recorder struct {
	mu       sync.Mutex
	states   []State
	notified []Entry
	errs     []error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnState: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnNotify: func(e Entry) {
			r.mu.Lock()
			r.notified = append(r.notified, e)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]State, []Entry, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]Entry(nil), r.notified...), append([]error(nil), r.errs...)
}
