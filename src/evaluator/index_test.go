package evaluator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gkeiel/trading-strategy-optimizer/src/backtest"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/scoring"
)

func series(n int) indicator.Series {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := make(indicator.Series, n)
	for i := range s {
		s[i] = indicator.Bar{Time: t0.AddDate(0, 0, i), Close: 100 + 5*math.Sin(float64(i)/4), Volume: 500}
	}
	return s
}

func TestCacheComputesOnce(t *testing.T) {
	calls := 0
	c := NewCache(func(spec indicator.Spec) (Result, error) {
		calls++
		return Result{Spec: spec, Score: float64(calls)}, nil
	})
	spec := indicator.NewSpec(indicator.SMA, 5, 20)
	a, hitA, err := c.GetOrCompute(spec)
	if err != nil {
		t.Fatal(err)
	}
	b, hitB, _ := c.GetOrCompute(indicator.NewSpec(indicator.SMA, 5, 20))
	if calls != 1 {
		t.Fatalf("compute called %d times", calls)
	}
	if hitA || !hitB || a.Score != b.Score {
		t.Fatalf("unexpected cache behaviour: %v %v %v %v", hitA, hitB, a.Score, b.Score)
	}
	c.GetOrCompute(indicator.NewSpec(indicator.EMA, 5, 20))
	if calls != 2 || c.Len() != 2 {
		t.Fatalf("distinct kinds must not collide: calls=%d len=%d", calls, c.Len())
	}
	if h, m := c.Stats(); h != 1 || m != 2 {
		t.Fatalf("stats hits=%d misses=%d", h, m)
	}
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	calls := 0
	c := NewCache(func(spec indicator.Spec) (Result, error) {
		calls++
		return Result{}, errors.New("boom")
	})
	spec := indicator.NewSpec(indicator.SMA, 5)
	c.GetOrCompute(spec)
	c.GetOrCompute(spec)
	if calls != 2 {
		t.Fatalf("failures must be retried, calls=%d", calls)
	}
}

func TestPipeline(t *testing.T) {
	s := series(120)
	w, _ := scoring.Preset("balanced")
	fn := Pipeline(s, w, DegenerateFail)
	r, err := fn(indicator.NewSpec(indicator.MACD, 12, 26, 9))
	if err != nil {
		t.Fatal(err)
	}
	if r.Score != scoring.Score(r.Metrics, w) || !r.Frame.Has(backtest.ColDrawdown) {
		t.Fatalf("pipeline result inconsistent: %+v", r.Metrics)
	}
	_, err = fn(indicator.NewSpec(indicator.BB, 20))
	var ue *indicator.UnsupportedIndicatorError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnsupportedIndicatorError, got %v", err)
	}
}

func TestDegeneratePolicy(t *testing.T) {
	one := series(1)
	spec := indicator.NewSpec(indicator.SMA, 1)
	_, err := Pipeline(one, scoring.Weights{Return: 1}, DegenerateFail)(spec)
	var de *backtest.DegenerateSeriesError
	if !errors.As(err, &de) {
		t.Fatalf("expected DegenerateSeriesError, got %v", err)
	}
	r, err := Pipeline(one, scoring.Weights{Return: 1}, DegenerateWorst)(spec)
	if err != nil || r.Score != -math.MaxFloat64 || r.Metrics.Sharpe != 0 {
		t.Fatalf("worst policy: %+v %v", r, err)
	}
	if _, err := ParseDegeneratePolicy("maybe"); err == nil {
		t.Fatalf("unknown policy must fail")
	}
}
