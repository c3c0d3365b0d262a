package repository

import (
	"context"
	"errors"

	"eventchat/internal/model"
	"eventchat/pkg/apperr"

	"gorm.io/gorm"
)

// EventRepository 活动名册（只读）
type EventRepository struct {
	orm *gorm.DB
}

func NewEventRepository(orm *gorm.DB) *EventRepository {
	return &EventRepository{orm: orm}
}

func (r *EventRepository) GetByID(ctx context.Context, id uint) (*model.Event, error) {
	var e model.Event
	if err := r.orm.WithContext(ctx).First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("event", err)
		}
		return nil, apperr.Internal("get event", err)
	}
	return &e, nil
}

// IsAssigned 用户是否被分配到活动
func (r *EventRepository) IsAssigned(ctx context.Context, eventID, userID uint) (bool, error) {
	var count int64
	err := r.orm.WithContext(ctx).Model(&model.EventAssignment{}).
		Where("event_id = ? AND user_id = ?", eventID, userID).
		Count(&count).Error
	if err != nil {
		return false, apperr.Internal("check assignment", err)
	}
	return count > 0, nil
}

// ActiveEventIDs 全部进行中的活动
func (r *EventRepository) ActiveEventIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.orm.WithContext(ctx).Model(&model.Event{}).
		Where("is_active = ?", true).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, apperr.Internal("list active events", err)
	}
	return ids, nil
}

// AssignedEventIDs 用户被分配的全部活动（含已结束的活动）
func (r *EventRepository) AssignedEventIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.orm.WithContext(ctx).Model(&model.EventAssignment{}).
		Where("user_id = ?", userID).
		Order("event_id ASC").
		Pluck("event_id", &ids).Error
	if err != nil {
		return nil, apperr.Internal("list assigned events", err)
	}
	return ids, nil
}
