package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"eventchat/internal/service"
	"eventchat/pkg/apperr"
	"eventchat/pkg/response"
)

// PageQuery 历史分页参数，Before 与 After 至多设置一个
type PageQuery struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}

// API 会话依赖的聊天服务接口
type API interface {
	GetToken(ctx context.Context) (*service.TokenResult, error)
	SendGroupMessage(ctx context.Context, eventID uint, in service.SendInput) (*service.SendResult, error)
	SendDirectMessage(ctx context.Context, recipientID uint, in service.SendInput) (*service.SendResult, error)
	FetchHistory(ctx context.Context, channelKey string, q PageQuery) ([]*service.MessageView, error)
	MarkRead(ctx context.Context, channelKey string, messageIDs []uint) (int, error)
	DeleteMessage(ctx context.Context, messageID uint, scope string) error
	EditMessage(ctx context.Context, messageID uint, content string) (*service.MessageView, error)
	Presence(ctx context.Context, channelKey string) ([]string, error)
	UnreadSummary(ctx context.Context) (*service.UnreadSummary, error)
}

// HTTPClient 通过 REST 接口访问聊天服务
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewHTTPClient 创建客户端，sessionToken 为登录获得的会话JWT
func NewHTTPClient(baseURL, sessionToken string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, token: sessionToken, hc: hc}
}

// Login 以用户名或邮箱登录，返回会话JWT
func Login(ctx context.Context, baseURL, identifier, password string, hc *http.Client) (string, error) {
	c := NewHTTPClient(baseURL, "", hc)
	var out struct {
		AccessToken string `json:"access_token"`
	}
	body := map[string]string{"usernameOrEmail": identifier, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/users/login", nil, body, &out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"error_code"`
	Data      json.RawMessage `json:"data"`
}

// Profile 当前登录用户资料
func (c *HTTPClient) Profile(ctx context.Context) (*response.UserInfo, error) {
	var out response.UserInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/profile", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetToken(ctx context.Context) (*service.TokenResult, error) {
	var out service.TokenResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/chat/token", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SendGroupMessage(ctx context.Context, eventID uint, in service.SendInput) (*service.SendResult, error) {
	var out service.SendResult
	path := fmt.Sprintf("/api/v1/chat/events/%d/messages", eventID)
	if err := c.do(ctx, http.MethodPost, path, nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SendDirectMessage(ctx context.Context, recipientID uint, in service.SendInput) (*service.SendResult, error) {
	var out service.SendResult
	path := fmt.Sprintf("/api/v1/chat/direct/%d/messages", recipientID)
	if err := c.do(ctx, http.MethodPost, path, nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FetchHistory(ctx context.Context, channelKey string, q PageQuery) ([]*service.MessageView, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Before != nil {
		query.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
	}
	if q.After != nil {
		query.Set("after", q.After.UTC().Format(time.RFC3339Nano))
	}

	var out []*service.MessageView
	if err := c.do(ctx, http.MethodGet, channelPath(channelKey, "messages"), query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, channelKey string, messageIDs []uint) (int, error) {
	var out struct {
		Marked int `json:"marked"`
	}
	body := map[string][]uint{"message_ids": messageIDs}
	if err := c.do(ctx, http.MethodPost, channelPath(channelKey, "read"), nil, body, &out); err != nil {
		return 0, err
	}
	return out.Marked, nil
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID uint, scope string) error {
	query := url.Values{"scope": {scope}}
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/chat/messages/%d", messageID), query, nil, nil)
}

func (c *HTTPClient) EditMessage(ctx context.Context, messageID uint, content string) (*service.MessageView, error) {
	var out service.MessageView
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/chat/messages/%d", messageID), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Presence(ctx context.Context, channelKey string) ([]string, error) {
	var out struct {
		Members []string `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, channelPath(channelKey, "presence"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *HTTPClient) UnreadSummary(ctx context.Context) (*service.UnreadSummary, error) {
	var out service.UnreadSummary
	if err := c.do(ctx, http.MethodGet, "/api/v1/chat/unread-summary", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do 发送请求并解析统一响应结构，业务错误还原为 AppError
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return apperr.TransportUnavailable("chat api unreachable", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s (status %d): %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || env.Code != 0 {
		return apperr.FromCode(env.ErrorCode, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

func channelPath(channelKey, action string) string {
	return "/api/v1/chat/channels/" + url.PathEscape(channelKey) + "/" + action
}
