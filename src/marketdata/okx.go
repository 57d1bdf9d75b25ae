package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
)

// OKX —— 公共 REST K 线（history-candles 按时间向前翻页）
type OKX struct {
	baseURL  string
	interval string
	hc       *http.Client
	lim      *rate.Limiter
}

func NewOKX(opts Options) *OKX {
	base := opts.BaseURL
	if base == "" {
		base = "https://www.okx.com"
	}
	iv := opts.Interval
	if iv == "" {
		iv = "1d"
	}
	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = 8 // history-candles 限频 10 次/2 秒以内留余量
	}
	return &OKX{baseURL: base, interval: iv, hc: httpClient(opts.HTTPClient), lim: limiter(rps)}
}

func (o *OKX) Name() string { return "okx" }

// Fetch 从 end 向前翻页直到越过 start；instId 形如 BTC-USDT
func (o *OKX) Fetch(ctx context.Context, ticker string, start, end time.Time) (indicator.Series, error) {
	const perPage = 100
	bar := tfToBarParam(o.interval)
	after := strconv.FormatInt(end.UnixMilli(), 10)
	startMs := start.UnixMilli()

	var allRows [][]string // 新->旧
	for {
		if err := o.lim.Wait(ctx); err != nil {
			return nil, err
		}
		api := fmt.Sprintf("%s/api/v5/market/history-candles?instId=%s&bar=%s&limit=%d&after=%s",
			o.baseURL, ticker, bar, perPage, after)
		rows, err := o.doCandlesRequest(ctx, api)
		if err != nil {
			return nil, unavailable(o.Name(), ticker, err)
		}
		if len(rows) == 0 {
			break
		}
		allRows = append(allRows, rows...)
		oldest := rows[len(rows)-1][0]
		ts, _ := strconv.ParseInt(oldest, 10, 64)
		if ts <= startMs || len(rows) < perPage || oldest == after {
			break
		}
		after = oldest
	}

	seq := parseRowsAsc(allRows, startMs, end.UnixMilli())
	if len(seq) == 0 {
		return nil, unavailable(o.Name(), ticker, nil)
	}
	return seq, nil
}

func (o *OKX) doCandlesRequest(ctx context.Context, apiURL string) ([][]string, error) {
	type okxResp struct {
		Code string     `json:"code"`
		Msg  string     `json:"msg"`
		Data [][]string `json:"data"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP状态码=%d, body=%s", resp.StatusCode, string(b))
	}
	var result okxResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析JSON失败: %w", err)
	}
	if result.Code != "0" {
		return nil, fmt.Errorf("API错误: code=%s, msg=%s", result.Code, result.Msg)
	}
	return result.Data, nil
}

// 时间框转换（日线按 UTC 切分）
func tfToBarParam(tf string) string {
	switch tf {
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1w":
		return "1Wutc"
	default:
		return "1Dutc"
	}
}

// parseRowsAsc 把 OKX 行 [ts,o,h,l,c,vol,...]（新->旧）转为升序并去重，只保留 [startMs, endMs)
func parseRowsAsc(rows [][]string, startMs, endMs int64) indicator.Series {
	seen := make(map[int64]struct{}, len(rows))
	out := make(indicator.Series, 0, len(rows))
	for _, it := range rows {
		if len(it) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(it[0], 10, 64)
		if err != nil || ts < startMs || ts >= endMs {
			continue
		}
		if _, ok := seen[ts]; ok {
			continue
		}
		c, err := strconv.ParseFloat(it[4], 64)
		if err != nil {
			continue
		}
		vol, _ := strconv.ParseFloat(it[5], 64)
		out = append(out, indicator.Bar{Time: time.UnixMilli(ts).UTC(), Close: c, Volume: vol})
		seen[ts] = struct{}{}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
