package model

import "time"

// Event 活动（由外部活动模块维护，聊天模块只读）
type Event struct {
	ID        uint      `gorm:"primaryKey"`
	Name      string    `gorm:"type:varchar(128);not null;comment:活动名称"`
	IsActive  bool      `gorm:"not null;default:true;index;comment:是否进行中"`
	CreatedAt time.Time `gorm:"comment:创建时间"`
	UpdatedAt time.Time `gorm:"comment:更新时间"`
}

func (Event) TableName() string { return "event" }

// EventAssignment 活动分配的用户
type EventAssignment struct {
	ID        uint      `gorm:"primaryKey"`
	EventID   uint      `gorm:"not null;uniqueIndex:idx_event_user;comment:活动ID"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_event_user;index;comment:用户ID"`
	CreatedAt time.Time `gorm:"comment:分配时间"`
}

func (EventAssignment) TableName() string { return "event_assignment" }

// All 需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&User{},
		&Event{},
		&EventAssignment{},
		&Message{},
		&MessageRead{},
		&MessageHide{},
	}
}
