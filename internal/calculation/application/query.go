package application

import (
	"context"

	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
)

// GetRecord 按请求编号查询审计记录，不存在时返回 ErrRequestNotFound
func (s *CalculationService) GetRecord(ctx context.Context, requestID string) (*domain.CalculationRequestRecord, error) {
	if s.audits == nil {
		return nil, domain.ErrRequestNotFound
	}
	record, err := s.audits.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load audit record", Err: err}
	}
	if record == nil {
		return nil, domain.ErrRequestNotFound
	}
	return record, nil
}

// GetEntries 按请求编号查询已持久化的现金流条目
func (s *CalculationService) GetEntries(ctx context.Context, requestID string) ([]domain.CashFlowEntry, error) {
	if s.cashflows == nil {
		return nil, nil
	}
	entries, err := s.cashflows.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load cash flows", Err: err}
	}
	return entries, nil
}
