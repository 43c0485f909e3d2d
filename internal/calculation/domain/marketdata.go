package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithholdingTreatment 股息预扣税处理方式
type WithholdingTreatment int8

const (
	TreatmentGrossUp       WithholdingTreatment = 1 // 税前金额，按税率扣减
	TreatmentNetAmount     WithholdingTreatment = 2 // 金额已为税后净额
	TreatmentNoWithholding WithholdingTreatment = 3 // 无预扣税
	TreatmentTaxCredit     WithholdingTreatment = 4 // 全额支付，预扣额记为可抵扣税款
)

func (t WithholdingTreatment) String() string {
	switch t {
	case TreatmentGrossUp:
		return "GROSS_UP"
	case TreatmentNetAmount:
		return "NET_AMOUNT"
	case TreatmentNoWithholding:
		return "NO_WITHHOLDING"
	case TreatmentTaxCredit:
		return "TAX_CREDIT"
	default:
		return "UNKNOWN"
	}
}

// PriceChange 价格变动点，变动列表按日期升序排列
type PriceChange struct {
	Date  time.Time       `json:"date"`
	Price decimal.Decimal `json:"price"`
}

// SymbolPrices 单一标的的基准价与变动序列，断点之间分段恒定
type SymbolPrices struct {
	Symbol    string          `json:"symbol"`
	BasePrice decimal.Decimal `json:"base_price"`
	Changes   []PriceChange   `json:"changes"`
}

// PriceAt 时点价格查询：取不晚于 date 的最后一次变动，没有则取基准价。
// 最后一次变动之后的日期沿用最后已知值（平推外插），日累计应计依赖该语义。
func (p *SymbolPrices) PriceAt(date time.Time) decimal.Decimal {
	price := p.BasePrice
	for i := range p.Changes {
		if p.Changes[i].Date.After(date) {
			break
		}
		price = p.Changes[i].Price
	}
	return price
}

// ChangeDatesIn 区间内的价格断点日期，按升序返回
func (p *SymbolPrices) ChangeDatesIn(start, end time.Time) []time.Time {
	var dates []time.Time
	for i := range p.Changes {
		d := p.Changes[i].Date
		if d.Before(start) || d.After(end) {
			continue
		}
		dates = append(dates, d)
	}
	return dates
}

// RateChange 利率变动点
type RateChange struct {
	Date time.Time       `json:"date"`
	Rate decimal.Decimal `json:"rate"`
}

// IndexRates 单一利率指数的基准利率与变动序列
type IndexRates struct {
	Index    string          `json:"index"`
	BaseRate decimal.Decimal `json:"base_rate"`
	Changes  []RateChange    `json:"changes"`
}

// RateAt 时点利率查询，语义与 SymbolPrices.PriceAt 一致
func (r *IndexRates) RateAt(date time.Time) decimal.Decimal {
	rate := r.BaseRate
	for i := range r.Changes {
		if r.Changes[i].Date.After(date) {
			break
		}
		rate = r.Changes[i].Rate
	}
	return rate
}

// Dividend 股息记录
type Dividend struct {
	Symbol          string               `json:"symbol"`
	ExDate          time.Time            `json:"ex_date"`
	Amount          decimal.Decimal      `json:"amount"`
	Currency        string               `json:"currency"`
	WithholdingRate decimal.Decimal      `json:"withholding_rate"`
	Treatment       WithholdingTreatment `json:"treatment"`
	Jurisdiction    string               `json:"jurisdiction"`
}

// MarketDataSnapshot 市场数据快照，统一的查询面
type MarketDataSnapshot struct {
	Prices    map[string]*SymbolPrices `json:"prices"`
	Rates     map[string]*IndexRates   `json:"rates"`
	Dividends map[string][]Dividend    `json:"dividends"`
}

// NewMarketDataSnapshot 创建空快照
func NewMarketDataSnapshot() *MarketDataSnapshot {
	return &MarketDataSnapshot{
		Prices:    make(map[string]*SymbolPrices),
		Rates:     make(map[string]*IndexRates),
		Dividends: make(map[string][]Dividend),
	}
}

// HasPrices 是否包含标的价格数据
func (s *MarketDataSnapshot) HasPrices(symbol string) bool {
	if s == nil || s.Prices == nil {
		return false
	}
	_, ok := s.Prices[symbol]
	return ok
}

// HasRates 是否包含利率指数数据
func (s *MarketDataSnapshot) HasRates(index string) bool {
	if s == nil || s.Rates == nil {
		return false
	}
	_, ok := s.Rates[index]
	return ok
}

// PriceAt 标的时点价格
func (s *MarketDataSnapshot) PriceAt(symbol string, date time.Time) (decimal.Decimal, bool) {
	p, ok := s.Prices[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return p.PriceAt(date), true
}

// RateAt 指数时点利率
func (s *MarketDataSnapshot) RateAt(index string, date time.Time) (decimal.Decimal, bool) {
	r, ok := s.Rates[index]
	if !ok {
		return decimal.Zero, false
	}
	return r.RateAt(date), true
}

// DividendsIn 区间内除权日落在 [start, end] 的股息
func (s *MarketDataSnapshot) DividendsIn(symbol string, start, end time.Time) []Dividend {
	var out []Dividend
	for _, d := range s.Dividends[symbol] {
		if d.ExDate.Before(start) || d.ExDate.After(end) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Merge 合并另一个快照的片段，入参覆盖同名标的
func (s *MarketDataSnapshot) Merge(other *MarketDataSnapshot) {
	if other == nil {
		return
	}
	for sym, p := range other.Prices {
		s.Prices[sym] = p
	}
	for idx, r := range other.Rates {
		s.Rates[idx] = r
	}
	for sym, divs := range other.Dividends {
		s.Dividends[sym] = divs
	}
}
