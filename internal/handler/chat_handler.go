package handler

import (
	"strconv"
	"time"

	"eventchat/internal/model"
	"eventchat/internal/repository"
	"eventchat/internal/service"
	"eventchat/pkg/apperr"
	"eventchat/pkg/jwt"
	"eventchat/pkg/response"

	"github.com/gin-gonic/gin"
)

// ChatHandler 聊天处理器
type ChatHandler struct {
	service *service.ChatService
}

// NewChatHandler 创建ChatHandler实例
func NewChatHandler(s *service.ChatService) *ChatHandler {
	return &ChatHandler{service: s}
}

// GetToken 获取实时通道凭证
func (h *ChatHandler) GetToken(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	result, err := h.service.GetToken(c.Request.Context(), actor)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, result)
}

// SendGroupMessage 发送活动群聊消息
func (h *ChatHandler) SendGroupMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	eventID, ok := uintParam(c, "event_id")
	if !ok {
		return
	}

	var in service.SendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.SendGroupMessage(c.Request.Context(), actor, eventID, in)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息发送成功", result)
}

// SendDirectMessage 发送私聊消息
func (h *ChatHandler) SendDirectMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	recipientID, ok := uintParam(c, "user_id")
	if !ok {
		return
	}

	var in service.SendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.SendDirectMessage(c.Request.Context(), actor, recipientID, in)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息发送成功", result)
}

// GetHistory 分页获取频道历史
// before/after 为 RFC3339 时间，二者不能同时指定
func (h *ChatHandler) GetHistory(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var opts repository.PageOptions
	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}
	var err error
	if opts.Before, err = timeQuery(c, "before"); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if opts.After, err = timeQuery(c, "after"); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	messages, err := h.service.FetchHistory(c.Request.Context(), actor, c.Param("channel"), opts)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, messages)
}

// MarkRead 批量标记已读
func (h *ChatHandler) MarkRead(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var r struct {
		MessageIDs []uint `json:"message_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	marked, err := h.service.MarkRead(c.Request.Context(), actor, c.Param("channel"), r.MessageIDs)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"marked": marked})
}

// GetPresence 频道在线成员
func (h *ChatHandler) GetPresence(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	members, err := h.service.Presence(c.Request.Context(), actor, c.Param("channel"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"members": members})
}

// EditMessage 修改消息
func (h *ChatHandler) EditMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	messageID, ok := uintParam(c, "message_id")
	if !ok {
		return
	}

	var r struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	view, err := h.service.EditMessage(c.Request.Context(), actor, messageID, r.Content)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息修改成功", view)
}

// DeleteMessage 删除消息，scope 默认为 forMe
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	messageID, ok := uintParam(c, "message_id")
	if !ok {
		return
	}

	scope := c.DefaultQuery("scope", model.DeleteForMe)
	if err := h.service.DeleteMessage(c.Request.Context(), actor, messageID, scope); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息删除成功", nil)
}

// GetUnreadSummary 未读汇总
func (h *ChatHandler) GetUnreadSummary(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	summary, err := h.service.UnreadSummary(c.Request.Context(), actor)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, summary)
}

// actor 解析当前调用者，失败时已写入响应
func (h *ChatHandler) actor(c *gin.Context) (model.Actor, bool) {
	userID := jwt.GetUserID(c)
	if userID == 0 {
		response.Unauthorized(c, "missing user")
		return model.Actor{}, false
	}
	actor, err := h.service.Actor(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return model.Actor{}, false
	}
	return actor, true
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	s := c.Query(name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, apperr.Validation(name + " must be an RFC3339 timestamp")
	}
	return &t, nil
}
