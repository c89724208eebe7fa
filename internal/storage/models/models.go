package models

import (
	"time"
)

// 注意：
// - 与 internal/migrate/sql 下的建表脚本保持一致
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt

// FirmwareRun 映射 firmware_runs 表，一次固件升级一行
type FirmwareRun struct {
	// 升级 ID（uuid）
	ID       string `gorm:"column:id;type:uuid;primaryKey"`
	StringNo int16  `gorm:"column:string_no;not null"`
	MCT      int16  `gorm:"column:mct;not null"`
	// master / slave
	Kind  string  `gorm:"column:kind;type:text;not null"`
	Image *string `gorm:"column:image;type:text"`
	// 结束时为 idle，中途保存时为当前阶段
	Phase    string `gorm:"column:phase;type:text;not null"`
	Records  int32  `gorm:"column:records;not null;default:0"`
	Total    int32  `gorm:"column:total;not null;default:0"`
	Bytes    int32  `gorm:"column:bytes;not null;default:0"`
	Checksum int64  `gorm:"column:checksum;not null;default:0"`
	// 失败原因，成功为空
	Error      *string    `gorm:"column:error;type:text"`
	StartedAt  time.Time  `gorm:"column:started_at;not null"`
	FinishedAt *time.Time `gorm:"column:finished_at"`
	// 审计字段
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (FirmwareRun) TableName() string { return "firmware_runs" }
