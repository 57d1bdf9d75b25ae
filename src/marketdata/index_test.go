package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/storage"
)

func TestFormatTicker(t *testing.T) {
	cases := []struct{ market, in, want string }{
		{"BR", "PETR4", "PETR4.SA"},
		{"au", "BHP", "BHP.AX"},
		{"CN", "600519", "600519.SS"},
		{"CA", "SHOP", "SHOP.TO"},
		{"US", "AAPL", "AAPL"},
		{"BR", "VALE3.SA", "VALE3.SA"},
	}
	for _, c := range cases {
		if got := FormatTicker(c.market, c.in); got != c.want {
			t.Fatalf("FormatTicker(%s,%s) = %s, want %s", c.market, c.in, got, c.want)
		}
	}
}

const chartBody = `{"chart":{"result":[{"timestamp":[1704205800,1704292200,1704378600],
"indicators":{"quote":[{"close":[10.0,null,12.0],"volume":[100,200,300]}],
"adjclose":[{"adjclose":[9.5,null,11.5]}]}}],"error":null}}`

func TestYahooParsesAdjustedClose(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if r.URL.Query().Get("interval") != "1d" {
			t.Errorf("interval not sent: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(chartBody))
	}))
	defer srv.Close()

	y := NewYahoo(Options{BaseURL: srv.URL})
	seq, err := y.Fetch(context.Background(), "PETR4.SA", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if path != "/v8/finance/chart/PETR4.SA" {
		t.Fatalf("unexpected path %s", path)
	}
	if len(seq) != 2 || seq[0].Close != 9.5 || seq[1].Close != 11.5 || seq[1].Volume != 300 {
		t.Fatalf("unexpected series %+v", seq)
	}
	if !seq[0].Time.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("bar not truncated to the day: %v", seq[0].Time)
	}
}

func TestYahooErrorIsDataUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
	}))
	defer srv.Close()

	_, err := NewYahoo(Options{BaseURL: srv.URL}).Fetch(context.Background(), "XXXX", time.Now().Add(-48*time.Hour), time.Now())
	var de *DataUnavailableError
	if !errors.As(err, &de) || de.Ticker != "XXXX" || de.Provider != "yahoo" {
		t.Fatalf("expected DataUnavailableError, got %v", err)
	}
}

func TestOKXPagesBackwards(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const days = 150
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var rows [][]string
		for i := days - 1; i >= 0 && len(rows) < limit; i-- {
			ts := start.Add(time.Duration(i) * 24 * time.Hour).UnixMilli()
			if ts >= after {
				continue
			}
			c := strconv.Itoa(100 + i)
			rows = append(rows, []string{strconv.FormatInt(ts, 10), c, c, c, c, "5", "5", "5", "1"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "msg": "", "data": rows})
	}))
	defer srv.Close()

	o := NewOKX(Options{BaseURL: srv.URL, RequestsPerSec: 1000})
	end := start.Add(days * 24 * time.Hour)
	seq, err := o.Fetch(context.Background(), "BTC-USDT", start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != days {
		t.Fatalf("expected %d bars, got %d", days, len(seq))
	}
	if seq[0].Close != 100 || seq[days-1].Close != float64(100+days-1) {
		t.Fatalf("series not ascending: first=%v last=%v", seq[0].Close, seq[days-1].Close)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected paging, got %d calls", calls)
	}
}

func TestOKXAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
	}))
	defer srv.Close()
	_, err := NewOKX(Options{BaseURL: srv.URL}).Fetch(context.Background(), "NOPE", time.Now().Add(-72*time.Hour), time.Now())
	var de *DataUnavailableError
	if !errors.As(err, &de) || de.Err == nil {
		t.Fatalf("expected wrapped API error, got %v", err)
	}
}

type countingProvider struct {
	n   int
	seq indicator.Series
}

func (c *countingProvider) Name() string { return "fake" }
func (c *countingProvider) Fetch(context.Context, string, time.Time, time.Time) (indicator.Series, error) {
	c.n++
	return c.seq, nil
}

func TestCachedServesSnapshot(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var seq indicator.Series
	for i := 0; i < 30; i++ {
		seq = append(seq, indicator.Bar{Time: start.Add(time.Duration(i) * 24 * time.Hour), Close: float64(i + 1)})
	}
	inner := &countingProvider{seq: seq}
	dir := t.TempDir()
	c := &Cached{Inner: inner, Store: storage.NewSeriesStore(dir), Interval: "1d"}
	end := start.Add(30 * 24 * time.Hour)

	if _, err := c.Fetch(context.Background(), "AAPL", start, end); err != nil {
		t.Fatal(err)
	}
	// 新的 store 只能从 CSV 快照读取
	c2 := &Cached{Inner: inner, Store: storage.NewSeriesStore(dir), Interval: "1d"}
	got, err := c2.Fetch(context.Background(), "AAPL", start, end)
	if err != nil {
		t.Fatal(err)
	}
	if inner.n != 1 || len(got) != 30 {
		t.Fatalf("expected snapshot hit, inner calls=%d bars=%d", inner.n, len(got))
	}
}

func TestCSVProvider(t *testing.T) {
	dir := t.TempDir()
	body := "date,close,volume\n2024-01-02,1,10\n2024-01-03,2,10\n2024-01-04,3,10\n"
	if err := os.WriteFile(filepath.Join(dir, "AAPL.csv"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := New("csv", Options{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	seq, err := p.Fetch(context.Background(), "AAPL", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 2 || seq[0].Close != 2 {
		t.Fatalf("unexpected window %+v", seq)
	}
	if _, err := p.Fetch(context.Background(), "MSFT", time.Time{}, time.Now()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFetchRetryStopsOnEmpty(t *testing.T) {
	p := &emptyProvider{}
	_, err := FetchRetry(context.Background(), p, "AAPL", time.Now().Add(-time.Hour), time.Now(), 3)
	if err == nil || p.n != 1 {
		t.Fatalf("empty result must not be retried: calls=%d err=%v", p.n, err)
	}
}

type emptyProvider struct{ n int }

func (e *emptyProvider) Name() string { return "empty" }
func (e *emptyProvider) Fetch(_ context.Context, ticker string, _, _ time.Time) (indicator.Series, error) {
	e.n++
	return nil, &DataUnavailableError{Provider: "empty", Ticker: ticker}
}
