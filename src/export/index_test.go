package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gkeiel/trading-strategy-optimizer/src/backtest"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
)

func rows() []Row {
	mk := func(ticker string, spec indicator.Spec, score float64) Row {
		return Row{Ticker: ticker, Label: Label(ticker, spec), Spec: spec, Score: score,
			Metrics: backtest.Metrics{ReturnStrategy: score, Trades: 2}}
	}
	return []Row{
		mk("AAPL", indicator.NewSpec(indicator.SMA, 5, 20), 0.10),
		mk("AAPL", indicator.NewSpec(indicator.MACD, 12, 26, 9), 0.30),
		mk("AAPL", indicator.NewSpec(indicator.EMA, 10), 0.30),
		mk("PETR4.SA", indicator.NewSpec(indicator.BB, 20, 2), -0.05),
	}
}

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestLabel(t *testing.T) {
	if got := Label("AAPL", indicator.NewSpec(indicator.MACD, 12, 26, 9)); got != "AAPL_MACD_12_26_9" {
		t.Fatalf("unexpected label %s", got)
	}
}

func TestBestAndStrategiesRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	e := New(dir)
	if err := e.Results(rows()); err != nil {
		t.Fatal(err)
	}
	best, err := e.Best(rows())
	if err != nil {
		t.Fatal(err)
	}
	if len(best) != 2 || best[0].Label != "AAPL_EMA_10" || best[1].Ticker != "PETR4.SA" {
		t.Fatalf("unexpected best rows %+v", best)
	}
	recs := readAll(t, filepath.Join(dir, "results_best.csv"))
	if len(recs) != 5 || recs[1][0] != "1" || recs[2][2] != "AAPL_MACD_12_26_9" || recs[3][0] != "3" {
		t.Fatalf("unexpected ranking %v", recs)
	}
	if got := len(readAll(t, filepath.Join(dir, "results.csv"))); got != 5 {
		t.Fatalf("results.csv has %d records", got)
	}

	if err := e.Strategies(best); err != nil {
		t.Fatal(err)
	}
	strats, err := ImportStrategies(filepath.Join(dir, "strategies.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if len(strats) != 2 {
		t.Fatalf("expected 2 strategies, got %d", len(strats))
	}
	if strats[1].Ticker != "PETR4.SA" || strats[1].Spec.Key() != indicator.NewSpec(indicator.BB, 20, 2).Key() {
		t.Fatalf("unexpected strategy %+v", strats[1])
	}
}

func TestReadStrategiesErrors(t *testing.T) {
	if _, err := ReadStrategies(strings.NewReader("Ticker,Indicator\nAAPL,SMA\n")); err == nil {
		t.Fatalf("expected missing Parameters column")
	}
	if _, err := ReadStrategies(strings.NewReader("Ticker,Indicator,Parameters\nAAPL,RSI,14\n")); err == nil {
		t.Fatalf("expected unsupported indicator")
	}
	if _, err := ReadStrategies(strings.NewReader("Ticker,Indicator,Parameters\nAAPL,MACD,12_26\n")); err == nil {
		t.Fatalf("expected arity error")
	}
}

func TestDebugWritesFrame(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var s indicator.Series
	for i := 0; i < 4; i++ {
		s = append(s, indicator.Bar{Time: base.AddDate(0, 0, i), Close: float64(10 + i), Volume: 1})
	}
	spec := indicator.NewSpec(indicator.SMA, 2)
	f, err := indicator.Compute(s, spec)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	e := New(filepath.Join(root, "results"))
	if err := e.Debug([]Row{{Ticker: "AAPL", Label: Label("AAPL", spec), Spec: spec, Frame: f}}); err != nil {
		t.Fatal(err)
	}
	recs := readAll(t, filepath.Join(root, "debug", "AAPL", "AAPL_SMA_2.csv"))
	if len(recs) != 5 || recs[0][0] != "Date" || recs[1][3] != "" || recs[2][3] != "10.5" {
		t.Fatalf("unexpected frame csv %v", recs)
	}
}
