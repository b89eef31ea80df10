package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// RagDocument is one uploaded file; its chunks cascade on delete.
type RagDocument struct {
	ID         string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID     string    `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	FileName   string    `gorm:"column:file_name;type:varchar(256);not null" json:"file_name"`
	ChunkCount int       `gorm:"column:chunk_count;not null;default:0" json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (RagDocument) TableName() string { return "rag_documents" }

// RagChunk is a text span of a document. Embedding stays empty until the chunk
// is embedded, either at upload time or lazily at first query; a chunk enters
// similarity ranking exactly once the embedding is present.
type RagChunk struct {
	ID         string         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	DocumentID string         `gorm:"column:document_id;type:uuid;not null;index;constraint:OnDelete:CASCADE" json:"document_id"`
	UserID     string         `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	ChunkIndex int            `gorm:"column:chunk_index;not null" json:"chunk_index"`
	Content    string         `gorm:"column:content;type:text;not null" json:"content"`
	Embedding  datatypes.JSON `gorm:"column:embedding;type:jsonb" json:"embedding"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (RagChunk) TableName() string { return "rag_chunks" }

func (c *RagChunk) HasEmbedding() bool {
	return c != nil && len(c.Embedding) > 0 && string(c.Embedding) != "null"
}

// EmbeddingVector decodes the stored embedding, or returns nil when absent.
func (c *RagChunk) EmbeddingVector() ([]float64, error) {
	if !c.HasEmbedding() {
		return nil, nil
	}
	var v []float64
	if err := json.Unmarshal(c.Embedding, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// SetEmbeddingVector serializes the vector into the embedding column.
func (c *RagChunk) SetEmbeddingVector(v []float64) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Embedding = datatypes.JSON(raw)
	return nil
}

// RagUsage is the per-(user, calendar day) question counter. UsageDate is a
// "2006-01-02" UTC day string; the composite unique index is the natural key.
type RagUsage struct {
	ID            string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID        string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:unique_user_usage_date,priority:1" json:"user_id"`
	UsageDate     string    `gorm:"column:usage_date;type:varchar(10);not null;uniqueIndex:unique_user_usage_date,priority:2" json:"usage_date"`
	QuestionsUsed int       `gorm:"column:questions_used;not null;default:0" json:"questions_used"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (RagUsage) TableName() string { return "rag_usage" }
