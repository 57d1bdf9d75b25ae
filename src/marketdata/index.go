package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/metrics"
	"github.com/gkeiel/trading-strategy-optimizer/src/storage"
)

// Provider 拉取 [start, end) 内的日线（升序：旧->新）
type Provider interface {
	Name() string
	Fetch(ctx context.Context, ticker string, start, end time.Time) (indicator.Series, error)
}

// DataUnavailableError —— 取数失败或结果为空
type DataUnavailableError struct {
	Provider string
	Ticker   string
	Err      error
}

func (e *DataUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: no data for %s", e.Provider, e.Ticker)
	}
	return fmt.Sprintf("%s: no data for %s: %v", e.Provider, e.Ticker, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

func unavailable(provider, ticker string, err error) error {
	metrics.FetchFailuresTotal.WithLabelValues(provider).Inc()
	return &DataUnavailableError{Provider: provider, Ticker: ticker, Err: err}
}

// 市场代码 -> 交易所后缀
var suffixes = map[string]string{
	"AU": ".AX",
	"BR": ".SA",
	"CN": ".SS",
	"CA": ".TO",
}

// FormatTicker 按市场补齐后缀；已带后缀或未知市场原样返回
func FormatTicker(market, ticker string) string {
	ticker = strings.TrimSpace(ticker)
	sfx, ok := suffixes[strings.ToUpper(strings.TrimSpace(market))]
	if !ok || strings.Contains(ticker, ".") {
		return ticker
	}
	return ticker + sfx
}

// Options 各 provider 共用的构建参数
type Options struct {
	BaseURL        string
	Interval       string
	RequestsPerSec float64
	HTTPClient     *http.Client
	DataDir        string // csv provider 读取目录
}

// New 按名称构建 provider
func New(name string, opts Options) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "yahoo", "":
		return NewYahoo(opts), nil
	case "okx":
		return NewOKX(opts), nil
	case "csv":
		return NewCSV(opts.DataDir), nil
	}
	return nil, fmt.Errorf("unknown market data provider %q", name)
}

func limiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// ===================== 本地缓存包装 =====================

// Cached 先读内存，其次读本地快照，最后回源并落快照
type Cached struct {
	Inner    Provider
	Store    *storage.SeriesStore
	Interval string
	Refresh  bool // true 时跳过本地快照，强制回源
}

func (c *Cached) Name() string { return c.Inner.Name() + "+cache" }

func (c *Cached) Fetch(ctx context.Context, ticker string, start, end time.Time) (indicator.Series, error) {
	key := c.Inner.Name() + ":" + ticker
	if !c.Refresh {
		if seq := c.covering(key, start, end); len(seq) > 0 {
			return seq, nil
		}
	}
	seq, err := c.Inner.Fetch(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}
	c.Store.Put(key, c.Interval, seq)
	if err := c.Store.SnapshotCSV(key, c.Interval, ""); err != nil {
		log.Warn().Err(err).Str("ticker", ticker).Msg("snapshot failed")
	}
	return seq, nil
}

// covering 返回能完整覆盖 [start, end) 的缓存切片
func (c *Cached) covering(key string, start, end time.Time) indicator.Series {
	seq, ok := c.Store.Get(key, c.Interval)
	if !ok {
		var err error
		if seq, err = c.Store.LoadCSV(key, c.Interval, ""); err != nil {
			return nil
		}
	}
	if len(seq) == 0 || seq[0].Time.After(start.Add(7*24*time.Hour)) || seq[len(seq)-1].Time.Before(end.Add(-7*24*time.Hour)) {
		return nil
	}
	return c.Store.Range(key, c.Interval, start, end)
}

// ===================== 重试 =====================

// FetchRetry 对可重试错误做指数退避
func FetchRetry(ctx context.Context, p Provider, ticker string, start, end time.Time, attempts int) (indicator.Series, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		var seq indicator.Series
		seq, err = p.Fetch(ctx, ticker, start, end)
		if err == nil {
			return seq, nil
		}
		var de *DataUnavailableError
		if errors.As(err, &de) && de.Err == nil {
			return nil, err // 空结果不重试
		}
		if i == attempts {
			break
		}
		delay := time.Duration(1<<(i-1)) * 500 * time.Millisecond
		log.Warn().Err(err).Str("ticker", ticker).Int("attempt", i).Dur("retry_in", delay).Msg("fetch failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, err
}
