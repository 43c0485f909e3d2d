package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/cashflowengine/internal/settlement/domain"
	"gorm.io/gorm"
)

type SettlementRepo struct {
	db *gorm.DB
}

func NewSettlementRepo(db *gorm.DB) domain.SettlementRepository {
	return &SettlementRepo{db: db}
}

func (r *SettlementRepo) Save(ctx context.Context, instruction *domain.SettlementInstruction) error {
	return r.db.WithContext(ctx).Create(instruction).Error
}

func (r *SettlementRepo) Get(ctx context.Context, settlementID string) (*domain.SettlementInstruction, error) {
	var instruction domain.SettlementInstruction
	if err := r.db.WithContext(ctx).
		Where("settlement_id = ?", settlementID).
		Preload("Events").
		First(&instruction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instruction, nil
}

func (r *SettlementRepo) GetByNaturalKey(ctx context.Context, contractID, cashFlowID string, settlementDate time.Time, settlementType string) (*domain.SettlementInstruction, error) {
	var instruction domain.SettlementInstruction
	if err := r.db.WithContext(ctx).
		Where("contract_id = ? AND cash_flow_id = ? AND settlement_date = ? AND settlement_type = ?",
			contractID, cashFlowID, settlementDate, settlementType).
		First(&instruction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instruction, nil
}

// FindPending 返回待处理且可以处理的指令：从未失败过的，
// 或重试时间已到的。按交收日先后排序。
func (r *SettlementRepo) FindPending(ctx context.Context, dueBy time.Time, limit int) ([]*domain.SettlementInstruction, error) {
	var instructions []*domain.SettlementInstruction
	err := r.db.WithContext(ctx).
		Where("status = ? AND settlement_date <= ?", domain.SettlementStatusPending, dueBy).
		Or("status = ? AND retry_count < max_retry AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			domain.SettlementStatusFailed, time.Now()).
		Order("settlement_date ASC, created_at ASC").
		Limit(limit).
		Find(&instructions).Error
	return instructions, err
}

func (r *SettlementRepo) FindByStatus(ctx context.Context, status domain.SettlementStatus, limit int) ([]*domain.SettlementInstruction, error) {
	var instructions []*domain.SettlementInstruction
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("settlement_date ASC, created_at ASC").
		Limit(limit).
		Find(&instructions).Error
	return instructions, err
}

func (r *SettlementRepo) CountByStatus(ctx context.Context, status domain.SettlementStatus) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&domain.SettlementInstruction{}).
		Where("status = ?", status).
		Count(&n).Error
	return n, err
}

// UpdateWithVersion 乐观并发写入：WHERE version 匹配才生效，
// 版本已被他人推进时返回错误，调用方需重新加载。
func (r *SettlementRepo) UpdateWithVersion(ctx context.Context, instruction *domain.SettlementInstruction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		currentVersion := instruction.Version
		instruction.Version++
		result := tx.Model(&domain.SettlementInstruction{}).
			Where("settlement_id = ? AND version = ?", instruction.SettlementID, currentVersion).
			Updates(map[string]any{
				"status":                 instruction.Status,
				"retry_count":            instruction.RetryCount,
				"last_retry_at":          instruction.LastRetryAt,
				"next_retry_at":          instruction.NextRetryAt,
				"error_message":          instruction.ErrorMessage,
				"actual_settlement_date": instruction.ActualSettlementDate,
				"reference":              instruction.Reference,
				"notes":                  instruction.Notes,
				"cancelled_by":           instruction.CancelledBy,
				"cancel_reason":          instruction.CancelReason,
				"cancelled_at":           instruction.CancelledAt,
				"version":                instruction.Version,
			})
		if result.Error != nil {
			instruction.Version = currentVersion
			return result.Error
		}
		if result.RowsAffected == 0 {
			instruction.Version = currentVersion
			return fmt.Errorf("settlement %s version conflict (expected %d)", instruction.SettlementID, currentVersion)
		}

		for i := range instruction.Events {
			event := &instruction.Events[i]
			if event.ID != 0 {
				continue
			}
			if err := tx.Create(event).Error; err != nil {
				instruction.Version = currentVersion
				return err
			}
		}
		return nil
	})
}
