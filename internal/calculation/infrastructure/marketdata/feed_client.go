// Package marketdata 市场数据解析：外部行情客户端与混合解析器
package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
)

// FeedClient 外部行情服务的 HTTP 客户端，实现 MarketDataPort。
// 逐标的返回：服务端没有的标的在返回映射中缺失，不整体报错。
type FeedClient struct {
	http *resty.Client
}

// NewFeedClient 创建行情客户端
func NewFeedClient(baseURL string, timeout time.Duration) *FeedClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &FeedClient{http: client}
}

type priceSeriesDTO struct {
	Symbol    string `json:"symbol"`
	BasePrice string `json:"base_price"`
	Changes   []struct {
		Date  string `json:"date"`
		Price string `json:"price"`
	} `json:"changes"`
}

type rateSeriesDTO struct {
	Index    string `json:"index"`
	BaseRate string `json:"base_rate"`
	Changes  []struct {
		Date string `json:"date"`
		Rate string `json:"rate"`
	} `json:"changes"`
}

type dividendDTO struct {
	Symbol          string `json:"symbol"`
	ExDate          string `json:"ex_date"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	WithholdingRate string `json:"withholding_rate"`
	Treatment       string `json:"treatment"`
	Jurisdiction    string `json:"jurisdiction"`
}

// FetchPrices 拉取标的价格序列
func (c *FeedClient) FetchPrices(ctx context.Context, symbols []string, rng domain.DateRange) (map[string]*domain.SymbolPrices, error) {
	if len(symbols) == 0 {
		return map[string]*domain.SymbolPrices{}, nil
	}

	var payload struct {
		Series []priceSeriesDTO `json:"series"`
	}
	if err := c.get(ctx, "/api/v1/prices", symbols, rng, &payload); err != nil {
		return nil, &domain.MarketDataError{Symbol: strings.Join(symbols, ","), Message: err.Error()}
	}

	out := make(map[string]*domain.SymbolPrices, len(payload.Series))
	for _, dto := range payload.Series {
		series, err := dto.toDomain()
		if err != nil {
			return nil, &domain.MarketDataError{Symbol: dto.Symbol, Message: err.Error()}
		}
		out[dto.Symbol] = series
	}
	return out, nil
}

// FetchRates 拉取利率指数序列
func (c *FeedClient) FetchRates(ctx context.Context, indexes []string, rng domain.DateRange) (map[string]*domain.IndexRates, error) {
	if len(indexes) == 0 {
		return map[string]*domain.IndexRates{}, nil
	}

	var payload struct {
		Series []rateSeriesDTO `json:"series"`
	}
	if err := c.get(ctx, "/api/v1/rates", indexes, rng, &payload); err != nil {
		return nil, &domain.MarketDataError{Symbol: strings.Join(indexes, ","), Message: err.Error()}
	}

	out := make(map[string]*domain.IndexRates, len(payload.Series))
	for _, dto := range payload.Series {
		series, err := dto.toDomain()
		if err != nil {
			return nil, &domain.MarketDataError{Symbol: dto.Index, Message: err.Error()}
		}
		out[dto.Index] = series
	}
	return out, nil
}

// FetchDividends 拉取区间内的股息记录
func (c *FeedClient) FetchDividends(ctx context.Context, symbols []string, rng domain.DateRange) (map[string][]domain.Dividend, error) {
	if len(symbols) == 0 {
		return map[string][]domain.Dividend{}, nil
	}

	var payload struct {
		Dividends []dividendDTO `json:"dividends"`
	}
	if err := c.get(ctx, "/api/v1/dividends", symbols, rng, &payload); err != nil {
		return nil, &domain.MarketDataError{Symbol: strings.Join(symbols, ","), Message: err.Error()}
	}

	out := make(map[string][]domain.Dividend)
	for _, dto := range payload.Dividends {
		dividend, err := dto.toDomain()
		if err != nil {
			return nil, &domain.MarketDataError{Symbol: dto.Symbol, Message: err.Error()}
		}
		out[dto.Symbol] = append(out[dto.Symbol], dividend)
	}
	return out, nil
}

func (c *FeedClient) get(ctx context.Context, path string, keys []string, rng domain.DateRange, result any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(keys, ",")).
		SetQueryParam("start", rng.Start.Format("2006-01-02")).
		SetQueryParam("end", rng.End.Format("2006-01-02")).
		SetResult(result).
		Get(path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("feed returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (d priceSeriesDTO) toDomain() (*domain.SymbolPrices, error) {
	base, err := parseDecimal(d.BasePrice)
	if err != nil {
		return nil, fmt.Errorf("invalid base price %q: %w", d.BasePrice, err)
	}
	series := &domain.SymbolPrices{Symbol: d.Symbol, BasePrice: base}
	for _, ch := range d.Changes {
		date, err := time.Parse("2006-01-02", ch.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid change date %q: %w", ch.Date, err)
		}
		price, err := parseDecimal(ch.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid change price %q: %w", ch.Price, err)
		}
		series.Changes = append(series.Changes, domain.PriceChange{Date: date, Price: price})
	}
	return series, nil
}

func (d rateSeriesDTO) toDomain() (*domain.IndexRates, error) {
	base, err := parseDecimal(d.BaseRate)
	if err != nil {
		return nil, fmt.Errorf("invalid base rate %q: %w", d.BaseRate, err)
	}
	series := &domain.IndexRates{Index: d.Index, BaseRate: base}
	for _, ch := range d.Changes {
		date, err := time.Parse("2006-01-02", ch.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid change date %q: %w", ch.Date, err)
		}
		rate, err := parseDecimal(ch.Rate)
		if err != nil {
			return nil, fmt.Errorf("invalid change rate %q: %w", ch.Rate, err)
		}
		series.Changes = append(series.Changes, domain.RateChange{Date: date, Rate: rate})
	}
	return series, nil
}

func (d dividendDTO) toDomain() (domain.Dividend, error) {
	exDate, err := time.Parse("2006-01-02", d.ExDate)
	if err != nil {
		return domain.Dividend{}, fmt.Errorf("invalid ex date %q: %w", d.ExDate, err)
	}
	amount, err := parseDecimal(d.Amount)
	if err != nil {
		return domain.Dividend{}, fmt.Errorf("invalid amount %q: %w", d.Amount, err)
	}
	rate, err := parseDecimal(d.WithholdingRate)
	if err != nil {
		return domain.Dividend{}, fmt.Errorf("invalid withholding rate %q: %w", d.WithholdingRate, err)
	}
	return domain.Dividend{
		Symbol:          d.Symbol,
		ExDate:          exDate,
		Amount:          amount,
		Currency:        d.Currency,
		WithholdingRate: rate,
		Treatment:       parseTreatment(d.Treatment),
		Jurisdiction:    d.Jurisdiction,
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseTreatment(s string) domain.WithholdingTreatment {
	switch s {
	case "GROSS_UP":
		return domain.TreatmentGrossUp
	case "NET_AMOUNT":
		return domain.TreatmentNetAmount
	case "TAX_CREDIT":
		return domain.TreatmentTaxCredit
	default:
		return domain.TreatmentNoWithholding
	}
}
