// Package domain 结算指令的领域模型与生命周期状态机
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SettlementStatus 结算指令状态
type SettlementStatus int8

const (
	SettlementStatusPending    SettlementStatus = 1 // 待处理
	SettlementStatusProcessing SettlementStatus = 2 // 处理中
	SettlementStatusCompleted  SettlementStatus = 3 // 已完成
	SettlementStatusFailed     SettlementStatus = 4 // 失败，可重试
	SettlementStatusCancelled  SettlementStatus = 5 // 已取消
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementStatusPending:
		return "PENDING"
	case SettlementStatusProcessing:
		return "PROCESSING"
	case SettlementStatusCompleted:
		return "COMPLETED"
	case SettlementStatusFailed:
		return "FAILED"
	case SettlementStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终态，终态拒绝一切后续迁移
func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementStatusCompleted || s == SettlementStatusCancelled
}

// TransitionError 非法状态迁移，拒绝并保持当前状态不变
type TransitionError struct {
	SettlementID string
	From         SettlementStatus
	Event        string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("SETTLEMENT_TRANSITION_ERROR: instruction %s: illegal event %s in state %s",
		e.SettlementID, e.Event, e.From)
}

// ErrMaxRetriesExceeded 超过最大重试次数，需要人工介入而非继续静默重试
type ErrMaxRetriesExceeded struct {
	SettlementID string
	RetryCount   int
}

func (e *ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("settlement %s exceeded max retries (%d), manual intervention required",
		e.SettlementID, e.RetryCount)
}

// SettlementInstruction 结算指令聚合根。
// 状态机：PENDING → PROCESSING → {COMPLETED | FAILED}；
// FAILED → PROCESSING（重试，计数加一并排定下次重试时间）；
// PENDING|PROCESSING → CANCELLED（终态，必须有取消人与原因）。
// 自然键 (contract_id, cash_flow_id, settlement_date, settlement_type) 保证派生幂等。
type SettlementInstruction struct {
	gorm.Model
	SettlementID   string          `gorm:"column:settlement_id;type:varchar(64);uniqueIndex;not null" json:"settlement_id"`
	ContractID     string          `gorm:"column:contract_id;type:varchar(64);uniqueIndex:idx_natural_key;not null" json:"contract_id"`
	CashFlowID     string          `gorm:"column:cash_flow_id;type:varchar(64);uniqueIndex:idx_natural_key;not null" json:"cash_flow_id"`
	SettlementDate time.Time       `gorm:"column:settlement_date;uniqueIndex:idx_natural_key;not null" json:"settlement_date"`
	SettlementType string          `gorm:"column:settlement_type;type:varchar(16);uniqueIndex:idx_natural_key;not null" json:"settlement_type"`
	Counterparty   string          `gorm:"column:counterparty;type:varchar(64)" json:"counterparty"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(24,8);not null" json:"amount"`
	Currency       string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`

	Status       SettlementStatus `gorm:"column:status;type:tinyint;not null;default:1" json:"status"`
	RetryCount   int              `gorm:"column:retry_count;default:0" json:"retry_count"`
	MaxRetry     int              `gorm:"column:max_retry;default:3" json:"max_retry"`
	LastRetryAt  *time.Time       `gorm:"column:last_retry_at" json:"last_retry_at,omitempty"`
	NextRetryAt  *time.Time       `gorm:"column:next_retry_at;index" json:"next_retry_at,omitempty"`
	ErrorMessage string           `gorm:"column:error_message;type:varchar(512)" json:"error_message"`

	ActualSettlementDate *time.Time `gorm:"column:actual_settlement_date" json:"actual_settlement_date,omitempty"`
	Reference            string     `gorm:"column:reference;type:varchar(128)" json:"reference"`
	Notes                string     `gorm:"column:notes;type:varchar(512)" json:"notes"`

	CancelledBy  string     `gorm:"column:cancelled_by;type:varchar(64)" json:"cancelled_by"`
	CancelReason string     `gorm:"column:cancel_reason;type:varchar(512)" json:"cancel_reason"`
	CancelledAt  *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`

	Version int `gorm:"column:version;not null;default:1" json:"version"`

	Events []SettlementEvent `gorm:"foreignKey:SettlementID;references:SettlementID" json:"events"`
}

// TableName 表名
func (SettlementInstruction) TableName() string {
	return "settlement_instructions"
}

// SettlementEvent 结算事件，每次状态迁移追加一条
type SettlementEvent struct {
	gorm.Model
	SettlementID string    `gorm:"column:settlement_id;type:varchar(64);index;not null" json:"settlement_id"`
	EventType    string    `gorm:"column:event_type;type:varchar(32);not null" json:"event_type"`
	Description  string    `gorm:"column:description;type:varchar(255)" json:"description"`
	Status       string    `gorm:"column:status;type:varchar(32)" json:"status"`
	OccurredAt   time.Time `gorm:"column:occurred_at;not null" json:"occurred_at"`
}

// TableName 表名
func (SettlementEvent) TableName() string {
	return "settlement_events"
}

// NaturalKey 自然键的字符串形式
func (s *SettlementInstruction) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		s.ContractID, s.CashFlowID, s.SettlementDate.Format("2006-01-02"), s.SettlementType)
}

// StartProcessing 开始处理：PENDING → PROCESSING
func (s *SettlementInstruction) StartProcessing() error {
	if s.Status != SettlementStatusPending {
		return &TransitionError{SettlementID: s.SettlementID, From: s.Status, Event: "START_PROCESSING"}
	}
	s.Status = SettlementStatusProcessing
	s.addEvent("PROCESSING_STARTED", "开始结算处理", "PROCESSING")
	return nil
}

// Complete 完成结算：PROCESSING → COMPLETED
func (s *SettlementInstruction) Complete(actualDate time.Time, reference, notes string) error {
	if s.Status != SettlementStatusProcessing {
		return &TransitionError{SettlementID: s.SettlementID, From: s.Status, Event: "COMPLETE"}
	}
	s.Status = SettlementStatusCompleted
	s.ActualSettlementDate = &actualDate
	s.Reference = reference
	s.Notes = notes
	s.addEvent("COMPLETED", "结算完成", "COMPLETED")
	return nil
}

// Fail 处理失败：PROCESSING → FAILED。
// 重试次数已达上限时返回 ErrMaxRetriesExceeded，要求人工处理。
func (s *SettlementInstruction) Fail(reason string, retryBackoff time.Duration) error {
	if s.Status != SettlementStatusProcessing {
		return &TransitionError{SettlementID: s.SettlementID, From: s.Status, Event: "FAIL"}
	}
	s.Status = SettlementStatusFailed
	s.ErrorMessage = reason
	now := time.Now()
	s.LastRetryAt = &now
	next := now.Add(retryBackoff)
	s.NextRetryAt = &next
	s.addEvent("FAILED", reason, "FAILED")

	if s.RetryCount >= s.MaxRetry {
		return &ErrMaxRetriesExceeded{SettlementID: s.SettlementID, RetryCount: s.RetryCount}
	}
	return nil
}

// Retry 重试：FAILED → PROCESSING，计数恰好加一并排定下次重试时间
func (s *SettlementInstruction) Retry(retryBackoff time.Duration) error {
	if s.Status != SettlementStatusFailed {
		return &TransitionError{SettlementID: s.SettlementID, From: s.Status, Event: "RETRY"}
	}
	if s.RetryCount >= s.MaxRetry {
		return &ErrMaxRetriesExceeded{SettlementID: s.SettlementID, RetryCount: s.RetryCount}
	}
	s.RetryCount++
	s.Status = SettlementStatusProcessing
	now := time.Now()
	s.LastRetryAt = &now
	next := now.Add(retryBackoff)
	s.NextRetryAt = &next
	s.addEvent("RETRY", fmt.Sprintf("重试结算 (第%d次)", s.RetryCount), "PROCESSING")
	return nil
}

// Cancel 取消：仅 PENDING 或 PROCESSING 可达，必须提供取消人与原因
func (s *SettlementInstruction) Cancel(cancelledBy, reason string) error {
	if s.Status != SettlementStatusPending && s.Status != SettlementStatusProcessing {
		return &TransitionError{SettlementID: s.SettlementID, From: s.Status, Event: "CANCEL"}
	}
	if cancelledBy == "" || reason == "" {
		return fmt.Errorf("SETTLEMENT_TRANSITION_ERROR: cancellation requires cancelledBy and reason")
	}
	s.Status = SettlementStatusCancelled
	s.CancelledBy = cancelledBy
	s.CancelReason = reason
	now := time.Now()
	s.CancelledAt = &now
	s.addEvent("CANCELLED", reason, "CANCELLED")
	return nil
}

// CanRetry 是否仍可重试
func (s *SettlementInstruction) CanRetry() bool {
	return s.Status == SettlementStatusFailed && s.RetryCount < s.MaxRetry
}

func (s *SettlementInstruction) addEvent(eventType, description, status string) {
	s.Events = append(s.Events, SettlementEvent{
		SettlementID: s.SettlementID,
		EventType:    eventType,
		Description:  description,
		Status:       status,
		OccurredAt:   time.Now(),
	})
}

// SettlementRepository 结算指令仓储接口
type SettlementRepository interface {
	Save(ctx context.Context, instruction *SettlementInstruction) error
	Get(ctx context.Context, settlementID string) (*SettlementInstruction, error)
	GetByNaturalKey(ctx context.Context, contractID, cashFlowID string, settlementDate time.Time, settlementType string) (*SettlementInstruction, error)
	FindPending(ctx context.Context, dueBy time.Time, limit int) ([]*SettlementInstruction, error)
	FindByStatus(ctx context.Context, status SettlementStatus, limit int) ([]*SettlementInstruction, error)
	CountByStatus(ctx context.Context, status SettlementStatus) (int64, error)
	// UpdateWithVersion 乐观并发更新：仅当版本匹配时写入并递增版本
	UpdateWithVersion(ctx context.Context, instruction *SettlementInstruction) error
}

// SettlementProcessor 结算执行能力，由外部协作方提供；引擎本身不执行转账
type SettlementProcessor interface {
	Process(ctx context.Context, instruction *SettlementInstruction) error
}

// EventPublisher 结算事件发布能力
type EventPublisher interface {
	PublishSettlementStatusChanged(ctx context.Context, event StatusChangedEvent) error
}

// StatusChangedEvent 结算状态变更事件
type StatusChangedEvent struct {
	SettlementID string    `json:"settlement_id"`
	ContractID   string    `json:"contract_id"`
	CashFlowID   string    `json:"cash_flow_id"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	OccurredAt   time.Time `json:"occurred_at"`
}
