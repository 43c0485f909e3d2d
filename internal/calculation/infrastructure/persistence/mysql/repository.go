// Package mysql 现金流与审计记录的 MySQL 仓储
package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CashFlowRepo struct {
	db *gorm.DB
}

func NewCashFlowRepo(db *gorm.DB) domain.CashFlowRepository {
	return &CashFlowRepo{db: db}
}

// SaveBatch 批量写入现金流条目。cash_flow_id 唯一索引加 DoNothing
// 冲突策略，重放同一计算不会产生重复行。
func (r *CashFlowRepo) SaveBatch(ctx context.Context, entries []domain.CashFlowEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cash_flow_id"}},
			DoNothing: true,
		}).CreateInBatches(entries, 200).Error; err != nil {
			return fmt.Errorf("failed to save cash flow entries: %w", err)
		}
		return nil
	})
}

func (r *CashFlowRepo) FindByRequestID(ctx context.Context, requestID string) ([]domain.CashFlowEntry, error) {
	var entries []domain.CashFlowEntry
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Preload("Withholding").
		Order("flow_date ASC, cash_flow_id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *CashFlowRepo) FindByCalculationID(ctx context.Context, calculationID string) ([]domain.CashFlowEntry, error) {
	var entries []domain.CashFlowEntry
	err := r.db.WithContext(ctx).
		Where("calculation_id = ?", calculationID).
		Preload("Withholding").
		Order("flow_date ASC, cash_flow_id ASC").
		Find(&entries).Error
	return entries, err
}

type AuditRepo struct {
	db *gorm.DB
}

func NewAuditRepo(db *gorm.DB) domain.AuditRepository {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Save(ctx context.Context, record *domain.CalculationRequestRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *AuditRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.CalculationRequestRecord, error) {
	var record domain.CalculationRequestRecord
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *AuditRepo) GetByHash(ctx context.Context, inputHash string) (*domain.CalculationRequestRecord, error) {
	var record domain.CalculationRequestRecord
	if err := r.db.WithContext(ctx).
		Where("input_hash = ?", inputHash).
		Order("created_at DESC").
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpdateWithVersion 乐观并发写入，版本不匹配时报错并保留原版本号
func (r *AuditRepo) UpdateWithVersion(ctx context.Context, record *domain.CalculationRequestRecord) error {
	currentVersion := record.Version
	record.Version++
	result := r.db.WithContext(ctx).Model(&domain.CalculationRequestRecord{}).
		Where("request_id = ? AND version = ?", record.RequestID, currentVersion).
		Updates(map[string]any{
			"status":         record.Status,
			"calculation_id": record.CalculationID,
			"entry_count":    record.EntryCount,
			"error_count":    record.ErrorCount,
			"total_amount":   record.TotalAmount,
			"currency":       record.Currency,
			"duration_ms":    record.DurationMs,
			"error_message":  record.ErrorMessage,
			"version":        record.Version,
		})
	if result.Error != nil {
		record.Version = currentVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		record.Version = currentVersion
		return fmt.Errorf("request record %s version conflict (expected %d)", record.RequestID, currentVersion)
	}
	return nil
}
