package datasets

import (
	"time"

	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
)

// Dataset is owned by the content service; the job core only reads it.
type Dataset struct {
	ID         int64         `gorm:"column:id;primaryKey;autoIncrement" json:"dataset_id"`
	OwnerEmail string        `gorm:"column:owner_email;not null;index:idx_dataset_owner_name" json:"email"`
	Name       string        `gorm:"column:name;not null;index:idx_dataset_owner_name" json:"dataset_name"`
	FilePath   string        `gorm:"column:file_path" json:"file_path"`
	TokenCost  tokens.Amount `gorm:"column:token_cost;not null" json:"token_cost"`
	IsDeleted  bool          `gorm:"column:is_deleted;not null" json:"is_deleted"`
	CreatedAt  time.Time     `gorm:"column:created_at;not null" json:"created_at"`
}

func (Dataset) TableName() string { return "dataset" }
