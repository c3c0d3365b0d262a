package model

import (
	"time"

	"gorm.io/gorm"
)

// 角色等级（从低到高），admin 及以上为提升角色
const (
	RoleMember     = "member"
	RoleStaff      = "staff"
	RoleManager    = "manager"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

var roleTiers = map[string]int{
	RoleMember:     0,
	RoleStaff:      1,
	RoleManager:    2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// RoleTier 返回角色等级，未知角色按最低等级处理
func RoleTier(role string) int {
	return roleTiers[role]
}

// IsElevatedRole 是否为提升角色（可绕过活动成员校验）
func IsElevatedRole(role string) bool {
	return RoleTier(role) >= roleTiers[RoleAdmin]
}

// User 用户模型
// 说明：密码仅存储哈希（PasswordHash），不存储明文
// 用户的增删改由外部模块负责，聊天模块只读取身份、角色和启用状态
type User struct {
	ID           uint           `gorm:"primaryKey"`
	Username     string         `gorm:"type:varchar(64);not null;uniqueIndex;comment:用户名"`
	Email        string         `gorm:"type:varchar(128);uniqueIndex;comment:邮箱"`
	PasswordHash string         `gorm:"type:varchar(255);not null;comment:密码哈希"`
	Nickname     string         `gorm:"type:varchar(64);comment:昵称"`
	Avatar       string         `gorm:"type:varchar(255);comment:头像URL"`
	Role         string         `gorm:"type:varchar(32);not null;default:'member';comment:角色"`
	IsActive     bool           `gorm:"not null;default:true;comment:是否启用"`
	LastSeen     time.Time      `gorm:"comment:最近在线时间"`
	CreatedAt    time.Time      `gorm:"comment:创建时间"`
	UpdatedAt    time.Time      `gorm:"comment:更新时间"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// TableName 指定表名（全局配置使用单数表名）
func (User) TableName() string { return "user" }

// DisplayName 展示名称，优先昵称
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// Actor 已认证的调用者
type Actor struct {
	ID       uint
	Name     string
	Role     string
	IsActive bool
}

// IsElevated 是否为提升角色
func (a Actor) IsElevated() bool {
	return IsElevatedRole(a.Role)
}

// ActorFromUser 由用户记录构造调用者
func ActorFromUser(u *User) Actor {
	return Actor{
		ID:       u.ID,
		Name:     u.DisplayName(),
		Role:     u.Role,
		IsActive: u.IsActive,
	}
}
