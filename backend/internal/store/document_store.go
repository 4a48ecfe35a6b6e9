package store

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"
)

// Document：文档元数据（内容和版本在快照表里，这里只管 who/when）。
type Document struct {
	DocID          string    `gorm:"column:doc_id;primaryKey"`
	OwnerID        uint64    `gorm:"column:owner_id"`
	Title          string    `gorm:"column:title"`
	LastModifiedBy uint64    `gorm:"column:last_modified_by"`
	LastModifiedAt time.Time `gorm:"column:last_modified_at"`
}

func (Document) TableName() string { return "documents" }

// DocumentStore：元数据走 gorm，内容走快照表。
type DocumentStore struct {
	orm       *gorm.DB
	snapshots *SnapshotStore
}

func NewDocumentStore(orm *gorm.DB, snapshots *SnapshotStore) *DocumentStore {
	return &DocumentStore{orm: orm, snapshots: snapshots}
}

// LoadDocument：session 首次加入时取回持久化状态。
// 元数据缺失不拦加入（文档可能只有快照），没有快照的文档按空文档 v0。
func (s *DocumentStore) LoadDocument(ctx context.Context, docID string) (string, uint64, error) {
	var doc Document
	err := s.orm.WithContext(ctx).First(&doc, "doc_id = ?", docID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, err
	}
	return s.snapshots.LoadLatestSnapshot(ctx, docID)
}

// SaveDocumentSnapshot：session 落盘入口。快照是权威，元数据写失败
// 只记日志不回滚——内容不能因为 who/when 没写上而丢。
func (s *DocumentStore) SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string, modifiedBy uint64) error {
	if err := s.snapshots.SaveDocumentSnapshot(ctx, docID, rev, content); err != nil {
		return err
	}
	if modifiedBy != 0 {
		if err := s.TouchModified(ctx, docID, modifiedBy); err != nil {
			log.Printf("touch document metadata failed doc=%s: %v", docID, err)
		}
	}
	return nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, docID string, ownerID uint64, title string) error {
	doc := Document{
		DocID:          docID,
		OwnerID:        ownerID,
		Title:          title,
		LastModifiedBy: ownerID,
		LastModifiedAt: time.Now(),
	}
	return s.orm.WithContext(ctx).Create(&doc).Error
}

// TouchModified 更新 lastModifiedBy / lastModifiedAt（落盘时调用）。
func (s *DocumentStore) TouchModified(ctx context.Context, docID string, userID uint64) error {
	return s.orm.WithContext(ctx).Model(&Document{}).
		Where("doc_id = ?", docID).
		Updates(map[string]interface{}{
			"last_modified_by": userID,
			"last_modified_at": time.Now(),
		}).Error
}

func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (*Document, error) {
	var doc Document
	if err := s.orm.WithContext(ctx).First(&doc, "doc_id = ?", docID).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}
