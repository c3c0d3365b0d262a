package response

import (
	"errors"
	"net/http"

	"eventchat/internal/model"
	"eventchat/pkg/apperr"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code      int         `json:"code"`                 // 状态码：0表示成功，其他为HTTP状态码
	Message   string      `json:"message"`              // 响应消息
	ErrorCode string      `json:"error_code,omitempty"` // 业务错误码（FORBIDDEN、NOT_FOUND 等）
	Data      interface{} `json:"data,omitempty"`       // 响应数据
	Error     string      `json:"error,omitempty"`      // 错误详情（仅在开发环境显示）
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{
		Code:    code,
		Message: message,
	})
}

// FromError 将业务错误映射为响应，非 AppError 统一按内部错误处理
func FromError(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal("internal error", err)
	}
	_ = c.Error(err)

	resp := Response{
		Code:      appErr.Status,
		Message:   appErr.Message,
		ErrorCode: appErr.Code,
	}
	if resp.Message == "" {
		resp.Message = appErr.Code
	}
	if gin.Mode() == gin.DebugMode && appErr.Err != nil {
		resp.Error = appErr.Err.Error()
	}
	if errors.Is(appErr, apperr.ErrInternal) {
		resp.Message = "internal error"
	}

	c.JSON(appErr.Status, resp)
}

// BadRequest 400错误
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:      http.StatusBadRequest,
		Message:   message,
		ErrorCode: apperr.CodeValidation,
	})
}

// Unauthorized 401错误
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:      http.StatusUnauthorized,
		Message:   message,
		ErrorCode: apperr.CodeUnauthenticated,
	})
}

// UserInfo 用户信息（隐藏敏感字段）
type UserInfo struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

// FilterUserInfo 过滤用户信息，隐藏敏感字段
func FilterUserInfo(user *model.User) *UserInfo {
	if user == nil {
		return nil
	}

	return &UserInfo{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Nickname:  user.Nickname,
		Avatar:    user.Avatar,
		Role:      user.Role,
		IsActive:  user.IsActive,
		CreatedAt: user.CreatedAt.Format("2006-01-02 15:04:05"),
	}
}

// LoginResponse 登录/注册响应
type LoginResponse struct {
	User        *UserInfo `json:"user"`
	AccessToken string    `json:"access_token"`
}
