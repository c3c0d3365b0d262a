package handler

import (
	"github.com/gin-gonic/gin"
)

// Routes 路由依赖
type Routes struct {
	Users   *UserHandler
	Chat    *ChatHandler
	Auth    gin.HandlerFunc // 会话JWT认证
	Limiter gin.HandlerFunc // 写接口限流，可为空
}

// Register 在 /api/v1 分组下注册业务路由
func (r Routes) Register(v1 *gin.RouterGroup) {
	users := v1.Group("/users")
	{
		// 公开接口（无需认证）
		users.POST("/register", r.Users.Register)
		users.POST("/login", r.Users.Login)

		authUsers := users.Group("")
		authUsers.Use(r.Auth)
		authUsers.GET("/profile", r.Users.GetProfile)
	}

	chat := v1.Group("/chat")
	chat.Use(r.Auth)
	{
		chat.GET("/token", r.Chat.GetToken)
		chat.GET("/unread-summary", r.Chat.GetUnreadSummary)
		chat.GET("/channels/:channel/messages", r.Chat.GetHistory)
		chat.POST("/channels/:channel/read", r.Chat.MarkRead)
		chat.GET("/channels/:channel/presence", r.Chat.GetPresence)
		chat.DELETE("/messages/:message_id", r.Chat.DeleteMessage)

		writes := chat.Group("")
		if r.Limiter != nil {
			writes.Use(r.Limiter)
		}
		writes.POST("/events/:event_id/messages", r.Chat.SendGroupMessage)
		writes.POST("/direct/:user_id/messages", r.Chat.SendDirectMessage)
		writes.PUT("/messages/:message_id", r.Chat.EditMessage)
	}
}
