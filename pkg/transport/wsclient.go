package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"eventchat/pkg/apperr"
	"eventchat/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSOptions WebSocket 客户端参数
type WSOptions struct {
	// URL 网关地址，例如 ws://localhost:8080/ws
	URL string
	// Token 实时通道凭证
	Token          string
	RequestTimeout time.Duration
	MaxBackoff     time.Duration
	Dialer         *websocket.Dialer
}

// WSClient 通过网关订阅频道的客户端通道
// 一条连接复用多个频道订阅，断线后自动重连并恢复订阅
// 凭证被拒绝时通知 StatusUnauthenticated 并停止重连，由调用方换新凭证重建客户端
type WSClient struct {
	opts WSOptions

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*wsSubscription
	pending map[string]chan ServerFrame
	closed  bool
	done    chan struct{}
}

// DialWS 连接网关，凭证无效时返回 Unauthenticated
func DialWS(ctx context.Context, opts WSOptions) (*WSClient, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	c := &WSClient{
		opts:    opts,
		subs:    make(map[string]*wsSubscription),
		pending: make(map[string]chan ServerFrame),
		done:    make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.Unauthenticated("gateway rejected credential", err)
		}
		return nil, apperr.TransportUnavailable("dial gateway failed", err)
	}
	return conn, nil
}

// Subscribe 订阅频道，等待网关确认
func (c *WSClient) Subscribe(ctx context.Context, channelKey string, h Handlers) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.TransportUnavailable("client closed", nil)
	}
	if _, ok := c.subs[channelKey]; ok {
		c.mu.Unlock()
		return nil, apperr.Validation("already subscribed to " + channelKey)
	}
	sub := &wsSubscription{client: c, key: channelKey, handlers: h}
	c.subs[channelKey] = sub
	c.mu.Unlock()

	if _, err := c.request(ctx, ClientFrame{Action: ActionSubscribe, Channel: channelKey}); err != nil {
		c.mu.Lock()
		delete(c.subs, channelKey)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Presence 查询频道在线成员
func (c *WSClient) Presence(ctx context.Context, channelKey string) ([]string, error) {
	frame, err := c.request(ctx, ClientFrame{Action: ActionPresence, Channel: channelKey})
	if err != nil {
		return nil, err
	}
	return frame.Members, nil
}

// History 网关保留的最近消息，新的在前
func (c *WSClient) History(ctx context.Context, channelKey string, limit int) ([][]byte, error) {
	frame, err := c.request(ctx, ClientFrame{Action: ActionHistory, Channel: channelKey, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(frame.History))
	for _, p := range frame.History {
		out = append(out, []byte(p))
	}
	return out, nil
}

// Close 关闭连接，停止重连
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *WSClient) request(ctx context.Context, frame ClientFrame) (ServerFrame, error) {
	id := uuid.NewString()
	frame.RequestID = id
	reply := make(chan ServerFrame, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(frame); err != nil {
		return ServerFrame{}, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if resp.Kind == FrameError {
			return resp, apperr.FromCode(resp.Code, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return ServerFrame{}, ctx.Err()
	case <-timer.C:
		return ServerFrame{}, apperr.TransportUnavailable(frame.Action+" timed out", nil)
	case <-c.done:
		return ServerFrame{}, apperr.TransportUnavailable("client closed", nil)
	}
}

func (c *WSClient) send(frame ClientFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperr.TransportUnavailable("not connected", nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return apperr.TransportUnavailable("write frame failed", err)
	}
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var frame ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == CloseUnauthenticated {
				c.broadcast(StatusUnauthenticated)
				return
			}
			go c.reconnect()
			return
		}
		c.dispatch(frame)
	}
}

func (c *WSClient) dispatch(frame ServerFrame) {
	if frame.RequestID != "" {
		c.mu.Lock()
		reply, ok := c.pending[frame.RequestID]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- frame:
			default:
			}
			return
		}
	}

	c.mu.Lock()
	sub := c.subs[frame.Channel]
	c.mu.Unlock()

	switch frame.Kind {
	case FrameMessage:
		if sub != nil {
			sub.handlers.message(frame.Channel, frame.Data)
		}
	case FramePresenceEvent:
		if sub != nil && frame.Presence != nil {
			sub.handlers.presence(*frame.Presence)
		}
	case FrameStatus:
		if frame.Status == string(StatusUnauthenticated) {
			c.broadcast(StatusUnauthenticated)
		}
	case FrameError:
		logger.Debug("网关返回错误", zap.String("channel", frame.Channel), zap.String("code", frame.Code), zap.String("error", frame.Error))
	}
}

// reconnect 指数退避重连，网关确认恢复的订阅后才通知已连接
func (c *WSClient) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.broadcast(StatusDisconnected)
	c.broadcast(StatusReconnecting)

	backoff := 250 * time.Millisecond
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, apperr.ErrUnauthenticated) {
				c.broadcast(StatusUnauthenticated)
				return
			}
			if backoff < c.opts.MaxBackoff {
				backoff *= 2
				if backoff > c.opts.MaxBackoff {
					backoff = c.opts.MaxBackoff
				}
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		keys := make([]string, 0, len(c.subs))
		for k := range c.subs {
			keys = append(keys, k)
		}
		c.mu.Unlock()

		go c.readLoop(conn)
		c.restore(conn, keys)
		return
	}
}

// restore 逐个重新订阅并等待网关确认
// 连接再次中断时关闭连接交给读循环重连；网关拒绝的订阅收到 StatusUnauthenticated，其余收到 StatusConnected
func (c *WSClient) restore(conn *websocket.Conn, keys []string) {
	rejected := make(map[string]bool)
	for _, k := range keys {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		_, err := c.request(ctx, ClientFrame{Action: ActionSubscribe, Channel: k})
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, apperr.ErrTransportUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("恢复订阅失败，重新连接", zap.String("channel", k), zap.Error(err))
			_ = conn.Close()
			return
		}
		logger.Warn("恢复订阅被网关拒绝", zap.String("channel", k), zap.Error(err))
		rejected[k] = true
	}

	c.mu.Lock()
	subs := make([]*wsSubscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if rejected[sub.key] {
			sub.handlers.status(StatusUnauthenticated)
		} else {
			sub.handlers.status(StatusConnected)
		}
	}
}

func (c *WSClient) broadcast(s Status) {
	c.mu.Lock()
	subs := make([]*wsSubscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.handlers.status(s)
	}
}

var _ Historian = (*WSClient)(nil)

// CloseUnauthenticated 网关因凭证失效关闭连接时使用的关闭码
const CloseUnauthenticated = 4001

type wsSubscription struct {
	client   *WSClient
	key      string
	handlers Handlers
	once     sync.Once
}

func (s *wsSubscription) Channel() string { return s.key }

func (s *wsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		c := s.client
		c.mu.Lock()
		if c.subs[s.key] == s {
			delete(c.subs, s.key)
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		err = c.send(ClientFrame{Action: ActionUnsubscribe, Channel: s.key})
		if errors.Is(err, apperr.ErrTransportUnavailable) {
			// 连接已断开，网关侧订阅随连接释放
			err = nil
		}
	})
	return err
}

