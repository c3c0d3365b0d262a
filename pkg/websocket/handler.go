package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"eventchat/config"
	"eventchat/pkg/apperr"
	"eventchat/pkg/logger"
	"eventchat/pkg/response"
	"eventchat/pkg/transport"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许跨域
	},
}

// Authorizer 校验凭证能否访问频道
type Authorizer interface {
	AuthorizeSubscribe(ctx context.Context, grant transport.Grant, channelKey string) error
}

// SubscriberFactory 以成员身份创建订阅端
type SubscriberFactory func(member string) transport.Subscriber

// Gateway 实时通道网关：客户端通过 WebSocket 订阅频道，网关转发提供方的消息和在线状态
type Gateway struct {
	issuer     transport.CredentialIssuer
	authorizer Authorizer
	subscriber SubscriberFactory
	cfg        config.WebSocketConfig
	manager    *Manager
}

func NewGateway(issuer transport.CredentialIssuer, authorizer Authorizer, subscriber SubscriberFactory, cfg config.WebSocketConfig, manager *Manager) *Gateway {
	return &Gateway{
		issuer:     issuer,
		authorizer: authorizer,
		subscriber: subscriber,
		cfg:        cfg,
		manager:    manager,
	}
}

// Handle Gin路由处理函数
func (g *Gateway) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Sec-WebSocket-Protocol"), "Bearer ")
	}
	if token == "" {
		response.Unauthorized(c, "缺少token")
		return
	}

	grant, err := g.issuer.Verify(token)
	if err != nil {
		response.Unauthorized(c, "token无效或已过期")
		return
	}

	// 回显子协议，避免客户端提示 "Server sent no subprotocol"
	respHeader := http.Header{}
	if protocol := c.GetHeader("Sec-WebSocket-Protocol"); protocol != "" {
		respHeader.Set("Sec-WebSocket-Protocol", protocol)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		return
	}

	client := newClient(conn, grant)
	g.manager.AddClient(client)
	subscriber := g.subscriber(grant.Member())

	if !grant.ExpiresAt.IsZero() {
		timer := time.AfterFunc(time.Until(grant.ExpiresAt), client.expire)
		defer timer.Stop()
	}

	defer func() {
		client.shutdown()
		g.manager.RemoveClient(client)
		_ = subscriber.Close()
		_ = conn.Close()
	}()

	go g.writeLoop(client)

	// 读协程（接收心跳/客户端帧）。若超时未收到任何读事件则断开
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	conn.SetPongHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))

		var frame transport.ClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			client.enqueue(transport.ServerFrame{Kind: transport.FrameError, Code: apperr.CodeValidation, Error: "malformed frame"})
			continue
		}
		g.handleFrame(c.Request.Context(), client, subscriber, frame)
	}
}

// writeLoop 写协程 + 定时发送ping心跳
func (g *Gateway) writeLoop(client *Client) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-client.done:
			return
		case msg := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = client.Conn.Close()
				return
			}
		case <-ticker.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				_ = client.Conn.Close()
				return
			}
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, client *Client, subscriber transport.Subscriber, frame transport.ClientFrame) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reply := transport.ServerFrame{Channel: frame.Channel, RequestID: frame.RequestID}
	fail := func(err error) {
		reply.Kind = transport.FrameError
		if appErr, ok := apperr.As(err); ok {
			reply.Code = appErr.Code
			reply.Error = appErr.Message
		} else {
			reply.Code = apperr.CodeInternal
			reply.Error = "internal error"
		}
		client.enqueue(reply)
	}

	switch frame.Action {
	case transport.ActionSubscribe:
		if err := g.authorizer.AuthorizeSubscribe(ctx, client.grant, frame.Channel); err != nil {
			fail(err)
			return
		}

		client.mu.Lock()
		_, exists := client.subs[frame.Channel]
		client.mu.Unlock()
		if !exists {
			sub, err := subscriber.Subscribe(ctx, frame.Channel, g.forward(client))
			if err != nil {
				logger.Warn("网关订阅失败", zap.Uint("user_id", client.UserID), zap.String("channel", frame.Channel), zap.Error(err))
				fail(err)
				return
			}
			client.mu.Lock()
			client.subs[frame.Channel] = sub
			client.mu.Unlock()
		}

		reply.Kind = transport.FrameStatus
		reply.Status = transport.StatusSubscribed
		client.enqueue(reply)

	case transport.ActionUnsubscribe:
		client.mu.Lock()
		sub, ok := client.subs[frame.Channel]
		delete(client.subs, frame.Channel)
		client.mu.Unlock()
		if ok {
			_ = sub.Unsubscribe()
		}
		reply.Kind = transport.FrameStatus
		reply.Status = transport.StatusUnsubscribed
		client.enqueue(reply)

	case transport.ActionPresence:
		if err := g.authorizer.AuthorizeSubscribe(ctx, client.grant, frame.Channel); err != nil {
			fail(err)
			return
		}
		members, err := subscriber.Presence(ctx, frame.Channel)
		if err != nil {
			fail(err)
			return
		}
		reply.Kind = transport.FramePresence
		reply.Members = members
		client.enqueue(reply)

	case transport.ActionHistory:
		if err := g.authorizer.AuthorizeSubscribe(ctx, client.grant, frame.Channel); err != nil {
			fail(err)
			return
		}
		historian, ok := subscriber.(transport.Historian)
		if !ok {
			fail(apperr.TransportUnavailable("history not retained", nil))
			return
		}
		payloads, err := historian.History(ctx, frame.Channel, frame.Limit)
		if err != nil {
			fail(err)
			return
		}
		reply.Kind = transport.FrameHistory
		reply.History = make([]json.RawMessage, 0, len(payloads))
		for _, p := range payloads {
			reply.History = append(reply.History, p)
		}
		client.enqueue(reply)

	default:
		fail(apperr.Validation("unknown action " + frame.Action))
	}
}

// forward 将提供方回调转换为网关帧
func (g *Gateway) forward(client *Client) transport.Handlers {
	return transport.Handlers{
		OnMessage: func(channelKey string, payload []byte) {
			client.enqueue(transport.ServerFrame{Kind: transport.FrameMessage, Channel: channelKey, Data: payload})
		},
		OnPresence: func(ev transport.PresenceEvent) {
			client.enqueue(transport.ServerFrame{Kind: transport.FramePresenceEvent, Channel: ev.Channel, Presence: &ev})
		},
		OnStatus: func(s transport.Status) {
			// 提供方连接状态对网关客户端透明，只记录日志
			logger.Debug("提供方连接状态变化", zap.Uint("user_id", client.UserID), zap.String("status", string(s)))
		},
	}
}
