package models

import "time"

// SessionModel sessions 表 — messages 存 JSON 编码的消息数组。
type SessionModel struct {
	ID          string    `gorm:"primaryKey;type:text"`
	Name        *string   `gorm:"type:text"`
	ProjectPath string    `gorm:"type:text;not null"`
	Messages    string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"index:idx_sessions_created_at,sort:desc"`
	UpdatedAt   time.Time
}

// TableName 表名
func (SessionModel) TableName() string {
	return "sessions"
}
