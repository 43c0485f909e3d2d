package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// 指纹归一化格式常量
const (
	fingerprintDateLayout = "2006-01-02"
	fingerprintDecimals   = 10
)

// Fingerprinter 请求指纹计算器。对归一化后的请求内容做 SHA-256：
// 结构相等的两个请求（忽略请求号与时间戳）必然得到相同指纹，
// 任何内容差异必然改变指纹。指纹用作去重键与可复现性校验依据。
type Fingerprinter struct{}

// NewFingerprinter 创建指纹计算器
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{}
}

// Fingerprint 计算请求指纹，返回十六进制 SHA-256
func (f *Fingerprinter) Fingerprint(req *CalculationRequest) string {
	h := sha256.New()

	fmt.Fprintf(h, "range|%s|%s\n", fpDate(req.Range.Start), fpDate(req.Range.End))
	fmt.Fprintf(h, "strategy|%s|%d|%s\n", req.Strategy.Mode, req.Strategy.TimeoutSeconds, req.Strategy.CacheKey)

	contracts := make([]Contract, len(req.Contracts))
	copy(contracts, req.Contracts)
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ContractID < contracts[j].ContractID })

	for i := range contracts {
		writeContract(h, &contracts[i])
	}

	// 自带数据模式下快照也是请求内容的一部分
	if req.Strategy.Mode == ModeSelfContained && req.Snapshot != nil {
		writeSnapshot(h, req.Snapshot)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeContract(w io.Writer, c *Contract) {
	fmt.Fprintf(w, "contract|%s|%s|%s|%s|%s|%s|%s|%s\n",
		c.ContractID, c.Underlying, c.InstrumentType,
		fpDec(c.Notional), c.Currency,
		fpDate(c.StartDate), fpDate(c.EndDate), c.RateIndex)

	positions := make([]Position, len(c.Positions))
	copy(positions, c.Positions)
	sort.Slice(positions, func(i, j int) bool { return positions[i].PositionID < positions[j].PositionID })

	for i := range positions {
		p := &positions[i]
		fmt.Fprintf(w, "position|%s\n", p.PositionID)

		lots := make([]Lot, len(p.Lots))
		copy(lots, p.Lots)
		sort.Slice(lots, func(i, j int) bool { return lots[i].LotID < lots[j].LotID })

		for j := range lots {
			l := &lots[j]
			fmt.Fprintf(w, "lot|%s|%s|%s|%s|%s|%s|%s\n",
				l.LotID, fpDec(l.Quantity), fpDec(l.CostPrice),
				fpDate(l.CostDate), fpDate(l.SettlementDate), l.Type, l.Status)
		}
	}
}

func writeSnapshot(w io.Writer, s *MarketDataSnapshot) {
	for _, sym := range sortedKeys(s.Prices) {
		p := s.Prices[sym]
		fmt.Fprintf(w, "prices|%s|%s\n", sym, fpDec(p.BasePrice))
		for _, ch := range p.Changes {
			fmt.Fprintf(w, "pchg|%s|%s\n", fpDate(ch.Date), fpDec(ch.Price))
		}
	}
	for _, idx := range sortedKeys(s.Rates) {
		r := s.Rates[idx]
		fmt.Fprintf(w, "rates|%s|%s\n", idx, fpDec(r.BaseRate))
		for _, ch := range r.Changes {
			fmt.Fprintf(w, "rchg|%s|%s\n", fpDate(ch.Date), fpDec(ch.Rate))
		}
	}
	for _, sym := range sortedKeys(s.Dividends) {
		for _, d := range s.Dividends[sym] {
			fmt.Fprintf(w, "div|%s|%s|%s|%s|%s|%s|%s\n",
				sym, fpDate(d.ExDate), fpDec(d.Amount), d.Currency,
				fpDec(d.WithholdingRate), d.Treatment, d.Jurisdiction)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fpDec 小数的规范渲染，固定位数保证结构相等即字面相等
func fpDec(d decimal.Decimal) string {
	return d.StringFixed(fingerprintDecimals)
}

func fpDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(fingerprintDateLayout)
}
