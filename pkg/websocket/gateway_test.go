package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"eventchat/config"
	"eventchat/pkg/apperr"
	"eventchat/pkg/transport"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scopeAuthorizer 只允许凭证范围内的频道
type scopeAuthorizer struct{}

func (scopeAuthorizer) AuthorizeSubscribe(_ context.Context, grant transport.Grant, key string) error {
	if grant.Scoped && !grant.InScope(key) {
		return apperr.Forbidden("channel not in scope")
	}
	return nil
}

// slowAuthorizer 首次之后的订阅鉴权变慢，可选择拒绝
type slowAuthorizer struct {
	scopeAuthorizer
	mu     sync.Mutex
	calls  int
	delay  time.Duration
	reject bool
}

func (a *slowAuthorizer) AuthorizeSubscribe(ctx context.Context, grant transport.Grant, key string) error {
	a.mu.Lock()
	a.calls++
	later := a.calls > 1
	reject := a.reject
	a.mu.Unlock()
	if later {
		time.Sleep(a.delay)
		if reject {
			return apperr.Forbidden("assignment revoked")
		}
	}
	return a.scopeAuthorizer.AuthorizeSubscribe(ctx, grant, key)
}

type fixture struct {
	url     string
	broker  *transport.RedisBroker
	issuer  *transport.GrantIssuer
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, scopeAuthorizer{})
}

func newFixtureWith(t *testing.T, auth Authorizer) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	broker := transport.NewRedisBroker(rdb, transport.RedisOptions{})
	issuer := transport.NewGrantIssuer("gateway-secret", "eventchat")
	manager := NewManager()
	gw := NewGateway(issuer, auth, func(member string) transport.Subscriber {
		return broker.As(member)
	}, config.WebSocketConfig{PingInterval: time.Second, ReadTimeout: 10 * time.Second}, manager)

	r := gin.New()
	r.GET("/ws", gw.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		broker:  broker,
		issuer:  issuer,
		manager: manager,
	}
}

func (f *fixture) dial(t *testing.T, userID uint, scope []string, ttl time.Duration) *transport.WSClient {
	t.Helper()
	token, err := f.issuer.Issue(userID, scope, ttl)
	require.NoError(t, err)
	client, err := transport.DialWS(context.Background(), transport.WSOptions{URL: f.url, Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type inbox struct {
	mu       sync.Mutex
	payloads []string
	statuses []transport.Status
}

func (in *inbox) handlers() transport.Handlers {
	return transport.Handlers{
		OnMessage: func(_ string, payload []byte) {
			in.mu.Lock()
			defer in.mu.Unlock()
			in.payloads = append(in.payloads, string(payload))
		},
		OnStatus: func(s transport.Status) {
			in.mu.Lock()
			defer in.mu.Unlock()
			in.statuses = append(in.statuses, s)
		},
	}
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.payloads)
}

func (in *inbox) hasStatus(s transport.Status) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, got := range in.statuses {
		if got == s {
			return true
		}
	}
	return false
}

func TestGatewayRejectsInvalidCredential(t *testing.T) {
	f := newFixture(t)

	_, err := transport.DialWS(context.Background(), transport.WSOptions{URL: f.url, Token: "garbage"})
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestGatewayForwardsPublishedMessages(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t, 5, []string{"event:1"}, time.Hour)
	ctx := context.Background()

	in := &inbox{}
	sub, err := client.Subscribe(ctx, "event:1", in.handlers())
	require.NoError(t, err)
	assert.Equal(t, 1, f.manager.Count())
	assert.True(t, f.manager.IsOnline(5))

	_, err = f.broker.Publish(ctx, "event:1", []byte(`{"type":"message_created","messageId":1}`))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return in.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	members, err := client.Presence(ctx, "event:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, members)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestGatewayRejectsOutOfScopeChannel(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t, 5, []string{"event:1"}, time.Hour)

	_, err := client.Subscribe(context.Background(), "event:2", transport.Handlers{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = client.Presence(context.Background(), "event:2")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestGatewayClosesOnCredentialExpiry(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t, 5, []string{"event:1"}, 2*time.Second)

	in := &inbox{}
	_, err := client.Subscribe(context.Background(), "event:1", in.handlers())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return in.hasStatus(transport.StatusUnauthenticated) }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return f.manager.Count() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestGatewayServesRetainedHistory(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t, 5, []string{"event:1"}, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, err := f.broker.Publish(ctx, "event:1", []byte(`{"type":"message_created","messageId":`+id+`}`))
		require.NoError(t, err)
	}

	history, err := client.History(ctx, "event:1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.JSONEq(t, `{"type":"message_created","messageId":3}`, string(history[0]))
	assert.JSONEq(t, `{"type":"message_created","messageId":2}`, string(history[1]))

	_, err = client.History(ctx, "event:2", 0)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestReconnectReportsConnectedAfterSubscribeAck(t *testing.T) {
	auth := &slowAuthorizer{delay: 300 * time.Millisecond}
	f := newFixtureWith(t, auth)
	client := f.dial(t, 5, []string{"event:1"}, time.Hour)
	ctx := context.Background()

	in := &inbox{}
	_, err := client.Subscribe(ctx, "event:1", in.handlers())
	require.NoError(t, err)

	f.manager.CloseAll()
	assert.Eventually(t, func() bool { return in.hasStatus(transport.StatusConnected) }, 5*time.Second, 5*time.Millisecond)

	// 已连接时网关侧订阅已经恢复，立即发布不会丢失
	_, err = f.broker.Publish(ctx, "event:1", []byte(`{"type":"message_created","messageId":9}`))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return in.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectFlagsRejectedSubscription(t *testing.T) {
	auth := &slowAuthorizer{reject: true}
	f := newFixtureWith(t, auth)
	client := f.dial(t, 5, []string{"event:1"}, time.Hour)

	in := &inbox{}
	_, err := client.Subscribe(context.Background(), "event:1", in.handlers())
	require.NoError(t, err)

	f.manager.CloseAll()
	assert.Eventually(t, func() bool { return in.hasStatus(transport.StatusUnauthenticated) }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, in.hasStatus(transport.StatusConnected))
}
