package marketdata

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
)

// Yahoo —— chart API（v8），收盘价优先取复权价 adjclose
type Yahoo struct {
	baseURL  string
	interval string
	hc       *http.Client
	lim      *rate.Limiter
}

func NewYahoo(opts Options) *Yahoo {
	base := opts.BaseURL
	if base == "" {
		base = "https://query1.finance.yahoo.com"
	}
	iv := opts.Interval
	if iv == "" {
		iv = "1d"
	}
	return &Yahoo{baseURL: base, interval: iv, hc: httpClient(opts.HTTPClient), lim: limiter(opts.RequestsPerSec)}
}

func (y *Yahoo) Name() string { return "yahoo" }

func (y *Yahoo) Fetch(ctx context.Context, ticker string, start, end time.Time) (indicator.Series, error) {
	if err := y.lim.Wait(ctx); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("period1", strconv.FormatInt(start.Unix(), 10))
	q.Set("period2", strconv.FormatInt(end.Unix(), 10))
	q.Set("interval", y.interval)
	q.Set("events", "history")
	api := fmt.Sprintf("%s/v8/finance/chart/%s?%s", y.baseURL, url.PathEscape(ticker), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (trading-strategy-optimizer)")
	resp, err := y.hc.Do(req)
	if err != nil {
		return nil, unavailable(y.Name(), ticker, fmt.Errorf("HTTP请求失败: %w", err))
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(y.Name(), ticker, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(b, "chart.error.description").String()
		if msg == "" {
			msg = string(b[:min(len(b), 256)])
		}
		return nil, unavailable(y.Name(), ticker, fmt.Errorf("HTTP状态码=%d: %s", resp.StatusCode, msg))
	}
	seq, err := parseChart(b)
	if err != nil {
		return nil, unavailable(y.Name(), ticker, err)
	}
	if len(seq) == 0 {
		return nil, unavailable(y.Name(), ticker, nil)
	}
	return seq, nil
}

// parseChart 解析 chart.result[0]；跳过收盘价为空的行
func parseChart(b []byte) (indicator.Series, error) {
	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("解析JSON失败")
	}
	if e := gjson.GetBytes(b, "chart.error.description"); e.Exists() && e.String() != "" {
		return nil, fmt.Errorf("API错误: %s", e.String())
	}
	res := gjson.GetBytes(b, "chart.result.0")
	if !res.Exists() {
		return nil, nil
	}
	ts := res.Get("timestamp").Array()
	closes := res.Get("indicators.adjclose.0.adjclose").Array()
	if len(closes) == 0 {
		closes = res.Get("indicators.quote.0.close").Array()
	}
	vols := res.Get("indicators.quote.0.volume").Array()

	out := make(indicator.Series, 0, len(ts))
	for i, t := range ts {
		if i >= len(closes) || closes[i].Type != gjson.Number {
			continue
		}
		c := closes[i].Float()
		if math.IsNaN(c) {
			continue
		}
		var v float64
		if i < len(vols) {
			v = vols[i].Float()
		}
		d := time.Unix(t.Int(), 0).UTC().Truncate(24 * time.Hour)
		out = append(out, indicator.Bar{Time: d, Close: c, Volume: v})
	}
	return out, nil
}
