package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
)

// CalculationReproduction 复现校验结果
type CalculationReproduction struct {
	RequestID     string   `json:"request_id"`
	InputDataHash string   `json:"input_data_hash"`
	HashMatch     bool     `json:"hash_match"`
	ResultMatch   bool     `json:"result_match"`
	Differences   []string `json:"differences"`
}

// Reproduce 重放历史请求并校验可复现性：重新归一化计算输入指纹，
// 重新执行计算，与存档的指纹和现金流集合比对。
// 未被修改的历史请求应当得到 hashMatch=true、resultMatch=true。
func (s *CalculationService) Reproduce(ctx context.Context, requestID string) (*CalculationReproduction, error) {
	if s.audits == nil {
		return nil, &domain.PersistenceError{Op: "load audit record", Err: domain.ErrRequestNotFound}
	}

	record, err := s.audits.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load audit record", Err: err}
	}
	if record == nil {
		return nil, domain.ErrRequestNotFound
	}

	var req domain.CalculationRequest
	if err := json.Unmarshal([]byte(record.RequestPayload), &req); err != nil {
		return nil, &domain.PersistenceError{Op: "decode stored request payload", Err: err}
	}

	rep := &CalculationReproduction{
		RequestID:   requestID,
		Differences: []string{},
	}

	rep.InputDataHash = s.fp.Fingerprint(&req)
	rep.HashMatch = rep.InputDataHash == record.InputHash
	if !rep.HashMatch {
		rep.Differences = append(rep.Differences,
			fmt.Sprintf("input hash changed: stored %s, recomputed %s", record.InputHash, rep.InputDataHash))
	}

	// 重算不落库、不读写结果缓存
	result, err := s.compute(ctx, &req, rep.InputDataHash, false)
	if err != nil {
		return nil, err
	}

	var stored []domain.CashFlowEntry
	if s.cashflows != nil {
		stored, err = s.cashflows.FindByRequestID(ctx, requestID)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "load stored cash flows", Err: err}
		}
	}

	rep.Differences = append(rep.Differences, diffEntries(stored, result.AllEntries())...)
	rep.ResultMatch = rep.HashMatch && len(rep.Differences) == 0

	s.logger.InfoContext(ctx, "reproduction completed",
		"request_id", requestID,
		"hash_match", rep.HashMatch,
		"result_match", rep.ResultMatch,
		"differences", len(rep.Differences))
	return rep, nil
}

// diffEntries 按内容键比对两组现金流条目，条目编号与时间戳不参与比对
func diffEntries(stored, recomputed []domain.CashFlowEntry) []string {
	var diffs []string

	storedKeys := entryKeys(stored)
	recomputedKeys := entryKeys(recomputed)

	i, j := 0, 0
	for i < len(storedKeys) && j < len(recomputedKeys) {
		switch {
		case storedKeys[i] == recomputedKeys[j]:
			i++
			j++
		case storedKeys[i] < recomputedKeys[j]:
			diffs = append(diffs, fmt.Sprintf("missing from recomputation: %s", storedKeys[i]))
			i++
		default:
			diffs = append(diffs, fmt.Sprintf("not in stored result: %s", recomputedKeys[j]))
			j++
		}
	}
	for ; i < len(storedKeys); i++ {
		diffs = append(diffs, fmt.Sprintf("missing from recomputation: %s", storedKeys[i]))
	}
	for ; j < len(recomputedKeys); j++ {
		diffs = append(diffs, fmt.Sprintf("not in stored result: %s", recomputedKeys[j]))
	}
	return diffs
}

func entryKeys(entries []domain.CashFlowEntry) []string {
	keys := make([]string, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		keys = append(keys, fmt.Sprintf("%s|%s|%s|%s|%s|%s",
			e.LotID, e.FlowType, e.FlowDate.Format("2006-01-02"),
			e.Amount.StringFixed(8), e.Currency, e.Status))
	}
	sort.Strings(keys)
	return keys
}
