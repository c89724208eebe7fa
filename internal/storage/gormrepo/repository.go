package gormrepo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/taoyao-code/sfc-host/internal/firmware"
	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/storage/models"
)

// Open 在已有的 pgx 连接池上打开 GORM，两者共用连接
func Open(pool *pgxpool.Pool) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
	})
}

// Repository 基于 GORM 的固件升级记录，实现 firmware.RunStore。
type Repository struct {
	db *gorm.DB
}

// New 返回一个使用给定 *gorm.DB 的 Repository。
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// SaveRun 按 id 插入或覆盖一次升级记录。
func (r *Repository) SaveRun(ctx context.Context, run firmware.Run) error {
	record := toModel(run)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"phase", "records", "total", "bytes", "checksum", "error", "finished_at", "updated_at",
			}),
		}).
		Create(&record).Error
}

// GetRun 按 id 查询，不存在返回 gorm.ErrRecordNotFound。
func (r *Repository) GetRun(ctx context.Context, id string) (firmware.Run, error) {
	var m models.FirmwareRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return firmware.Run{}, err
	}
	return fromModel(m), nil
}

// ListRuns 最近的升级记录，按开始时间倒序；t 非空时只看该单元。
func (r *Repository) ListRuns(ctx context.Context, t *sfc.Target, limit int) ([]firmware.Run, error) {
	var rows []models.FirmwareRun
	q := r.db.WithContext(ctx).Order("started_at DESC")
	if t != nil {
		q = q.Where("string_no = ? AND mct = ?", t.String, t.MCT)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]firmware.Run, len(rows))
	for i, m := range rows {
		out[i] = fromModel(m)
	}
	return out, nil
}

// LastRun 最近一次升级，没有记录时 ok=false。
func (r *Repository) LastRun(ctx context.Context) (firmware.Run, bool, error) {
	runs, err := r.ListRuns(ctx, nil, 1)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return firmware.Run{}, false, nil
		}
		return firmware.Run{}, false, err
	}
	if len(runs) == 0 {
		return firmware.Run{}, false, nil
	}
	return runs[0], true, nil
}

func toModel(run firmware.Run) models.FirmwareRun {
	m := models.FirmwareRun{
		ID:        run.ID,
		StringNo:  int16(run.Target.String),
		MCT:       int16(run.Target.MCT),
		Kind:      run.Kind,
		Phase:     run.Phase,
		Records:   int32(run.Records),
		Total:     int32(run.Total),
		Bytes:     int32(run.Bytes),
		Checksum:  int64(run.Checksum),
		StartedAt: run.StartedAt,
	}
	if run.Image != "" {
		m.Image = &run.Image
	}
	if run.Error != "" {
		m.Error = &run.Error
	}
	if !run.FinishedAt.IsZero() {
		at := run.FinishedAt
		m.FinishedAt = &at
	}
	return m
}

func fromModel(m models.FirmwareRun) firmware.Run {
	run := firmware.Run{
		ID:        m.ID,
		Target:    sfc.Target{String: int(m.StringNo), MCT: int(m.MCT)},
		Kind:      m.Kind,
		Phase:     m.Phase,
		Records:   int(m.Records),
		Total:     int(m.Total),
		Bytes:     int(m.Bytes),
		Checksum:  uint32(m.Checksum),
		StartedAt: m.StartedAt,
	}
	if m.Image != nil {
		run.Image = *m.Image
	}
	if m.Error != nil {
		run.Error = *m.Error
	}
	if m.FinishedAt != nil {
		run.FinishedAt = *m.FinishedAt
	}
	return run
}

var _ firmware.RunStore = (*Repository)(nil)
