// Package application 结算派生与生命周期操作的应用服务
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/pkg/idgen"

	calcdomain "github.com/wyfcoding/cashflowengine/internal/calculation/domain"
	"github.com/wyfcoding/cashflowengine/internal/settlement/domain"
)

// TransitionEventType 生命周期迁移事件
type TransitionEventType string

const (
	EventStartProcessing TransitionEventType = "START_PROCESSING"
	EventComplete        TransitionEventType = "COMPLETE"
	EventFail            TransitionEventType = "FAIL"
	EventRetry           TransitionEventType = "RETRY"
	EventCancel          TransitionEventType = "CANCEL"
)

// TransitionCommand 迁移命令
type TransitionCommand struct {
	Event TransitionEventType `json:"event"`
	// COMPLETE
	ActualSettlementDate *time.Time `json:"actual_settlement_date,omitempty"`
	Reference            string     `json:"reference,omitempty"`
	Notes                string     `json:"notes,omitempty"`
	// FAIL
	Reason string `json:"reason,omitempty"`
	// CANCEL
	CancelledBy string `json:"cancelled_by,omitempty"`
}

// SettlementObserver 结算指标观测面，由运维侧注入
type SettlementObserver interface {
	ObserveSettlementTransition(status string)
	SetPendingSettlements(n int)
}

// SettlementAppService 结算应用服务。
// 只从已实现且带交收日的现金流条目派生指令，生命周期由本服务与
// 外部结算处理方推进；引擎不执行银行转账。
type SettlementAppService struct {
	repo      domain.SettlementRepository
	processor domain.SettlementProcessor
	publisher domain.EventPublisher
	observer  SettlementObserver

	maxRetry     int
	retryBackoff time.Duration
	logger       *slog.Logger
}

// NewSettlementAppService 创建结算应用服务，processor 与 publisher 可为 nil
func NewSettlementAppService(
	repo domain.SettlementRepository,
	processor domain.SettlementProcessor,
	publisher domain.EventPublisher,
	maxRetry int,
	retryBackoff time.Duration,
	logger *slog.Logger,
) *SettlementAppService {
	if maxRetry <= 0 {
		maxRetry = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementAppService{
		repo:         repo,
		processor:    processor,
		publisher:    publisher,
		maxRetry:     maxRetry,
		retryBackoff: retryBackoff,
		logger:       logger,
	}
}

// SetObserver 注入指标观测器，nil 表示不观测
func (s *SettlementAppService) SetObserver(o SettlementObserver) {
	s.observer = o
}

// DeriveInstructions 从现金流条目派生结算指令。
// 仅 REALIZED_* 且带交收日的条目产生指令，每条目一条；
// 同一自然键重复派生幂等，不会出现两条 PENDING。
func (s *SettlementAppService) DeriveInstructions(ctx context.Context, entries []calcdomain.CashFlowEntry) ([]*domain.SettlementInstruction, error) {
	var out []*domain.SettlementInstruction
	for i := range entries {
		e := &entries[i]
		if !e.IsSettleable() {
			continue
		}

		settlementType := e.FlowType.String()
		existing, err := s.repo.GetByNaturalKey(ctx, e.ContractID, e.CashFlowID, *e.SettlementDate, settlementType)
		if err != nil {
			return nil, fmt.Errorf("failed to check existing instruction: %w", err)
		}
		if existing != nil {
			out = append(out, existing)
			continue
		}

		instruction := &domain.SettlementInstruction{
			SettlementID:   fmt.Sprintf("SI%s", idgen.GenIDString()),
			ContractID:     e.ContractID,
			CashFlowID:     e.CashFlowID,
			SettlementDate: *e.SettlementDate,
			SettlementType: settlementType,
			Amount:         e.Amount,
			Currency:       e.Currency,
			Status:         domain.SettlementStatusPending,
			MaxRetry:       s.maxRetry,
			Version:        1,
		}
		if err := s.repo.Save(ctx, instruction); err != nil {
			return nil, fmt.Errorf("failed to save instruction: %w", err)
		}

		s.logger.InfoContext(ctx, "settlement instruction derived",
			"settlement_id", instruction.SettlementID,
			"cash_flow_id", e.CashFlowID,
			"settlement_date", e.SettlementDate.Format("2006-01-02"))
		out = append(out, instruction)
	}
	return out, nil
}

// Transition 对指令应用一次生命周期迁移，非法迁移被拒绝且状态不变
func (s *SettlementAppService) Transition(ctx context.Context, settlementID string, cmd TransitionCommand) (*domain.SettlementInstruction, error) {
	instruction, err := s.repo.Get(ctx, settlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instruction: %w", err)
	}
	if instruction == nil {
		return nil, fmt.Errorf("settlement instruction %s not found", settlementID)
	}

	from := instruction.Status

	switch cmd.Event {
	case EventStartProcessing:
		err = instruction.StartProcessing()
	case EventComplete:
		actual := time.Now()
		if cmd.ActualSettlementDate != nil {
			actual = *cmd.ActualSettlementDate
		}
		err = instruction.Complete(actual, cmd.Reference, cmd.Notes)
	case EventFail:
		err = instruction.Fail(cmd.Reason, s.retryBackoff)
	case EventRetry:
		err = instruction.Retry(s.retryBackoff)
	case EventCancel:
		err = instruction.Cancel(cmd.CancelledBy, cmd.Reason)
	default:
		return nil, fmt.Errorf("unknown transition event %q", cmd.Event)
	}

	// 超过重试上限属于需要人工介入的致命错误，但状态迁移本身已生效
	var maxRetryErr *domain.ErrMaxRetriesExceeded
	switch {
	case err == nil:
	case asMaxRetries(err, &maxRetryErr):
		s.logger.ErrorContext(ctx, "settlement exceeded max retries",
			"settlement_id", settlementID, "retry_count", maxRetryErr.RetryCount)
	default:
		return nil, err
	}

	if uerr := s.repo.UpdateWithVersion(ctx, instruction); uerr != nil {
		return nil, fmt.Errorf("failed to update instruction: %w", uerr)
	}

	s.observeTransition(instruction, from)
	s.publishStatusChanged(ctx, instruction, from)
	return instruction, err
}

// ProcessPending 驱动到期的待处理指令：逐条标记处理中并调用结算处理方，
// 成功完成、失败进入重试计划。返回 处理数/成功数/失败数。
func (s *SettlementAppService) ProcessPending(ctx context.Context, dueBy time.Time, limit int) (int, int, int, error) {
	instructions, err := s.repo.FindPending(ctx, dueBy, limit)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to find pending instructions: %w", err)
	}

	processed, succeeded, failed := 0, 0, 0
	for _, ins := range instructions {
		processed++
		from := ins.Status

		// 到期的失败指令走重试迁移，其余走开始处理
		var terr error
		if ins.Status == domain.SettlementStatusFailed {
			terr = ins.Retry(s.retryBackoff)
		} else {
			terr = ins.StartProcessing()
		}
		if terr != nil {
			failed++
			continue
		}

		perr := error(nil)
		if s.processor != nil {
			perr = s.processor.Process(ctx, ins)
		}

		if perr != nil {
			failed++
			if ferr := ins.Fail(perr.Error(), s.retryBackoff); ferr != nil {
				var maxRetryErr *domain.ErrMaxRetriesExceeded
				if asMaxRetries(ferr, &maxRetryErr) {
					s.logger.ErrorContext(ctx, "settlement exceeded max retries",
						"settlement_id", ins.SettlementID, "retry_count", maxRetryErr.RetryCount)
				}
			}
		} else {
			if cerr := ins.Complete(time.Now(), "", ""); cerr != nil {
				failed++
			} else {
				succeeded++
			}
		}

		if uerr := s.repo.UpdateWithVersion(ctx, ins); uerr != nil {
			s.logger.ErrorContext(ctx, "failed to persist settlement transition",
				"settlement_id", ins.SettlementID, "error", uerr)
			continue
		}
		s.observeTransition(ins, from)
		s.publishStatusChanged(ctx, ins, from)
	}

	s.refreshPendingGauge(ctx)
	return processed, succeeded, failed, nil
}

// Get 查询单条指令
func (s *SettlementAppService) Get(ctx context.Context, settlementID string) (*domain.SettlementInstruction, error) {
	return s.repo.Get(ctx, settlementID)
}

// FindPending 查询到期待处理指令
func (s *SettlementAppService) FindPending(ctx context.Context, dueBy time.Time, limit int) ([]*domain.SettlementInstruction, error) {
	return s.repo.FindPending(ctx, dueBy, limit)
}

func (s *SettlementAppService) observeTransition(ins *domain.SettlementInstruction, from domain.SettlementStatus) {
	if s.observer == nil || ins.Status == from {
		return
	}
	s.observer.ObserveSettlementTransition(ins.Status.String())
}

func (s *SettlementAppService) refreshPendingGauge(ctx context.Context) {
	if s.observer == nil {
		return
	}
	n, err := s.repo.CountByStatus(ctx, domain.SettlementStatusPending)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count pending settlements", "error", err)
		return
	}
	s.observer.SetPendingSettlements(int(n))
}

func (s *SettlementAppService) publishStatusChanged(ctx context.Context, ins *domain.SettlementInstruction, from domain.SettlementStatus) {
	if s.publisher == nil || ins.Status == from {
		return
	}
	event := domain.StatusChangedEvent{
		SettlementID: ins.SettlementID,
		ContractID:   ins.ContractID,
		CashFlowID:   ins.CashFlowID,
		FromStatus:   from.String(),
		ToStatus:     ins.Status.String(),
		OccurredAt:   time.Now(),
	}
	if err := s.publisher.PublishSettlementStatusChanged(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish settlement status event",
			"settlement_id", ins.SettlementID, "error", err)
	}
}

func asMaxRetries(err error, target **domain.ErrMaxRetriesExceeded) bool {
	e, ok := err.(*domain.ErrMaxRetriesExceeded)
	if ok {
		*target = e
	}
	return ok
}
