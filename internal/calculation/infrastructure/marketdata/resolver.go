package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
)

// Resolver 混合市场数据解析器。
// SELF_CONTAINED 只用请求内嵌快照；ENDPOINTS 走缓存与外部行情服务；
// HYBRID 先看内嵌快照，缺口再走 ENDPOINTS 路径。
// 缺失标的进入 missing 列表返回，由调用方降级相关批次，
// 单个标的缺数据不会让整次解析失败。
type Resolver struct {
	feed   domain.MarketDataPort
	cache  domain.CachePort
	logger *slog.Logger
}

// NewResolver 创建解析器，cache 可为 nil（直连行情服务）
func NewResolver(feed domain.MarketDataPort, cache domain.CachePort, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{feed: feed, cache: cache, logger: logger}
}

// Resolve 解析 symbols 的价格与股息、indexes 的利率，返回统一快照
func (r *Resolver) Resolve(ctx context.Context, symbols, indexes []string, rng domain.DateRange, strategy domain.ResolutionStrategy, embedded *domain.MarketDataSnapshot) (*domain.MarketDataSnapshot, []string, error) {
	snapshot := domain.NewMarketDataSnapshot()
	needSymbols := dedupe(symbols)
	needIndexes := dedupe(indexes)

	// 内嵌快照优先：SELF_CONTAINED 与 HYBRID 先消化请求自带的数据
	if strategy.Mode != domain.ModeEndpoints && embedded != nil {
		var rest []string
		for _, sym := range needSymbols {
			if embedded.HasPrices(sym) {
				snapshot.Prices[sym] = embedded.Prices[sym]
				snapshot.Dividends[sym] = embedded.Dividends[sym]
			} else {
				rest = append(rest, sym)
			}
		}
		needSymbols = rest

		rest = nil
		for _, idx := range needIndexes {
			if embedded.HasRates(idx) {
				snapshot.Rates[idx] = embedded.Rates[idx]
			} else {
				rest = append(rest, idx)
			}
		}
		needIndexes = rest
	}

	// SELF_CONTAINED 不出网，剩下的就是缺口
	if strategy.Mode == domain.ModeSelfContained {
		return snapshot, append(needSymbols, needIndexes...), nil
	}

	missing, err := r.resolveRemote(ctx, snapshot, needSymbols, needIndexes, rng, strategy)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, missing, nil
}

func (r *Resolver) resolveRemote(ctx context.Context, snapshot *domain.MarketDataSnapshot, symbols, indexes []string, rng domain.DateRange, strategy domain.ResolutionStrategy) ([]string, error) {
	var missing []string

	symbols = r.fromCache(snapshot, symbols, rng, strategy, symbolKind)
	indexes = r.fromCache(snapshot, indexes, rng, strategy, indexKind)

	if len(symbols) == 0 && len(indexes) == 0 {
		return nil, nil
	}
	if r.feed == nil {
		return append(symbols, indexes...), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, strategy.Timeout())
	defer cancel()

	if len(symbols) > 0 {
		prices, err := r.feed.FetchPrices(fetchCtx, symbols, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch prices: %w", err)
		}
		dividends, err := r.feed.FetchDividends(fetchCtx, symbols, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch dividends: %w", err)
		}
		for _, sym := range symbols {
			series, ok := prices[sym]
			if !ok {
				missing = append(missing, sym)
				continue
			}
			snapshot.Prices[sym] = series
			snapshot.Dividends[sym] = dividends[sym]
			r.toCache(cacheKey(strategy, symbolKind, sym, rng), &cachedSymbol{Prices: series, Dividends: dividends[sym]})
		}
	}

	if len(indexes) > 0 {
		rates, err := r.feed.FetchRates(fetchCtx, indexes, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch rates: %w", err)
		}
		for _, idx := range indexes {
			series, ok := rates[idx]
			if !ok {
				missing = append(missing, idx)
				continue
			}
			snapshot.Rates[idx] = series
			r.toCache(cacheKey(strategy, indexKind, idx, rng), series)
		}
	}

	if len(missing) > 0 {
		r.logger.WarnContext(ctx, "market data unresolved for some symbols",
			"missing", missing, "mode", strategy.Mode.String())
	}
	return missing, nil
}

type kind string

const (
	symbolKind kind = "sym"
	indexKind  kind = "idx"
)

// cachedSymbol 缓存里价格与股息一起存，保证同一标的两类数据同源
type cachedSymbol struct {
	Prices    *domain.SymbolPrices
	Dividends []domain.Dividend
}

func (r *Resolver) fromCache(snapshot *domain.MarketDataSnapshot, keys []string, rng domain.DateRange, strategy domain.ResolutionStrategy, k kind) []string {
	if r.cache == nil {
		return keys
	}
	var rest []string
	for _, key := range keys {
		value, ok := r.cache.Get(cacheKey(strategy, k, key, rng))
		if !ok {
			rest = append(rest, key)
			continue
		}
		switch v := value.(type) {
		case *cachedSymbol:
			snapshot.Prices[key] = v.Prices
			snapshot.Dividends[key] = v.Dividends
		case *domain.IndexRates:
			snapshot.Rates[key] = v
		default:
			rest = append(rest, key)
		}
	}
	return rest
}

func (r *Resolver) toCache(key string, value any) {
	if r.cache != nil {
		r.cache.Put(key, value, 0)
	}
}

// cacheKey 缓存键包含请求方的 CacheKey 命名空间、数据种类与日期区间，
// 不同区间的片段互不污染。
func cacheKey(strategy domain.ResolutionStrategy, k kind, name string, rng domain.DateRange) string {
	ns := strategy.CacheKey
	if ns == "" {
		ns = "default"
	}
	return fmt.Sprintf("md:%s:%s:%s:%s:%s",
		ns, k, name, rng.Start.Format("2006-01-02"), rng.End.Format("2006-01-02"))
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	var out []string
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
