package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/persistence/models"
)

// SessionRecord 仓储层会话视图
type SessionRecord struct {
	ID          string
	Name        *string
	ProjectPath string
	Messages    []entity.Message
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionRepository 会话仓储接口
type SessionRepository interface {
	Save(ctx context.Context, rec *SessionRecord) error
	FindByID(ctx context.Context, id string) (*SessionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*SessionRecord, error)
	Delete(ctx context.Context, id string) error
}

// GormSessionRepository GORM 实现
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository 创建仓储
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// Save upsert 会话 (消息 JSON 编码)
func (r *GormSessionRepository) Save(ctx context.Context, rec *SessionRecord) error {
	raw, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	model := models.SessionModel{
		ID:          rec.ID,
		Name:        rec.Name,
		ProjectPath: rec.ProjectPath,
		Messages:    string(raw),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   time.Now().UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = model.UpdatedAt
	}
	return r.db.WithContext(ctx).Save(&model).Error
}

// FindByID 按 id 查找
func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*SessionRecord, error) {
	var model models.SessionModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, entity.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return toRecord(&model)
}

// ListRecent 按 created_at 倒序列出
func (r *GormSessionRepository) ListRecent(ctx context.Context, limit int) ([]*SessionRecord, error) {
	var rows []models.SessionModel
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*SessionRecord, 0, len(rows))
	for i := range rows {
		rec, err := toRecord(&rows[i])
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete 删除会话
func (r *GormSessionRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.SessionModel{}, "id = ?", id).Error
}

func toRecord(model *models.SessionModel) (*SessionRecord, error) {
	var messages []entity.Message
	if model.Messages != "" {
		if err := json.Unmarshal([]byte(model.Messages), &messages); err != nil {
			return nil, fmt.Errorf("decode messages for session %s: %w", model.ID, err)
		}
	}
	return &SessionRecord{
		ID:          model.ID,
		Name:        model.Name,
		ProjectPath: model.ProjectPath,
		Messages:    messages,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
	}, nil
}

// MemorySessionRepository 内存实现 (测试用)
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

// NewMemorySessionRepository 创建内存仓储
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]*SessionRecord)}
}

// Save upsert
func (r *MemorySessionRepository) Save(ctx context.Context, rec *SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	cp.Messages = append([]entity.Message{}, rec.Messages...)
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	r.sessions[rec.ID] = &cp
	return nil
}

// FindByID 查找
func (r *MemorySessionRepository) FindByID(ctx context.Context, id string) (*SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil, entity.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListRecent 倒序列出
func (r *MemorySessionRepository) ListRecent(ctx context.Context, limit int) ([]*SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SessionRecord, 0, len(r.sessions))
	for _, rec := range r.sessions {
		cp := *rec
		out = append(out, &cp)
	}
	// created_at 倒序
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete 删除
func (r *MemorySessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}
