package domain

import (
	"github.com/shopspring/decimal"
)

// LotResult 批次计算结果。Failed 表示该分支降级为 FAILED 子状态，
// 警告不会导致分支失败。
type LotResult struct {
	LotID      string          `json:"lot_id"`
	PositionID string          `json:"position_id"`
	ContractID string          `json:"contract_id"`
	Entries    []CashFlowEntry `json:"entries"`
	Errors     []LotError      `json:"errors,omitempty"`
	Failed     bool            `json:"failed"`
}

// PositionResult 头寸级汇总，通过 PositionID 弱引用回溯，不做层级所有权
type PositionResult struct {
	PositionID string      `json:"position_id"`
	ContractID string      `json:"contract_id"`
	Lots       []LotResult `json:"lots"`
	Failed     bool        `json:"failed"`
}

// ContractResult 合约级汇总
type ContractResult struct {
	ContractID string           `json:"contract_id"`
	Positions  []PositionResult `json:"positions"`
	Failed     bool             `json:"failed"`
}

// CalculationMetadata 计算元数据
type CalculationMetadata struct {
	EngineVersion      string `json:"engine_version"`
	DurationMs         int64  `json:"duration_ms"`
	ContractsProcessed int    `json:"contracts_processed"`
	LotsProcessed      int    `json:"lots_processed"`
	ErrorCount         int    `json:"error_count"`
	CacheHit           bool   `json:"cache_hit"`
}

// CalculationResult 计算结果聚合，保留合约→头寸→批次层级
type CalculationResult struct {
	RequestID     string              `json:"request_id"`
	CalculationID string              `json:"calculation_id"`
	InputHash     string              `json:"input_hash"`
	Type          CalculationType     `json:"calculation_type"`
	Status        RequestStatus       `json:"status"`
	Contracts     []ContractResult    `json:"contracts"`
	Metadata      CalculationMetadata `json:"metadata"`
}

// AllEntries 展平所有现金流条目
func (r *CalculationResult) AllEntries() []CashFlowEntry {
	var entries []CashFlowEntry
	for i := range r.Contracts {
		for j := range r.Contracts[i].Positions {
			for k := range r.Contracts[i].Positions[j].Lots {
				entries = append(entries, r.Contracts[i].Positions[j].Lots[k].Entries...)
			}
		}
	}
	return entries
}

// AllErrors 展平所有批次级错误
func (r *CalculationResult) AllErrors() []LotError {
	var errs []LotError
	for i := range r.Contracts {
		for j := range r.Contracts[i].Positions {
			for k := range r.Contracts[i].Positions[j].Lots {
				errs = append(errs, r.Contracts[i].Positions[j].Lots[k].Errors...)
			}
		}
	}
	return errs
}

// TotalAmount 所有条目金额合计
func (r *CalculationResult) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.AllEntries() {
		total = total.Add(e.Amount)
	}
	return total
}

// RollupLotResults 将批次结果按层级汇总并推导整体状态：
// 至少一个分支成功时为 PARTIAL_SUCCESS（存在失败分支）或 SUCCESS，
// 全部失败才是 FAILED。
func RollupLotResults(contracts []Contract, lots []LotResult) ([]ContractResult, RequestStatus) {
	byLot := make(map[string]LotResult, len(lots))
	for _, lr := range lots {
		byLot[lr.LotID] = lr
	}

	anyFailed := false
	anySucceeded := false

	results := make([]ContractResult, 0, len(contracts))
	for i := range contracts {
		c := &contracts[i]
		cr := ContractResult{ContractID: c.ContractID}
		contractFailed := len(c.Positions) > 0
		for j := range c.Positions {
			p := &c.Positions[j]
			pr := PositionResult{PositionID: p.PositionID, ContractID: c.ContractID}
			positionFailed := len(p.Lots) > 0
			for k := range p.Lots {
				lr, ok := byLot[p.Lots[k].LotID]
				if !ok {
					// 被取消后未写入槽位的批次按失败分支处理
					lr = LotResult{
						LotID:      p.Lots[k].LotID,
						PositionID: p.PositionID,
						ContractID: c.ContractID,
						Failed:     true,
						Errors: []LotError{
							NewLotFailure(p.Lots[k].LotID, "", CodeDispatch, "lot task produced no result"),
						},
					}
				}
				if lr.Failed {
					anyFailed = true
				} else {
					anySucceeded = true
					positionFailed = false
				}
				pr.Lots = append(pr.Lots, lr)
			}
			pr.Failed = positionFailed
			if !positionFailed {
				contractFailed = false
			}
			cr.Positions = append(cr.Positions, pr)
		}
		cr.Failed = contractFailed
		results = append(results, cr)
	}

	switch {
	case anySucceeded && anyFailed:
		return results, RequestPartialSuccess
	case anySucceeded:
		return results, RequestSuccess
	default:
		return results, RequestFailed
	}
}
