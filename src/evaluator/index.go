package evaluator

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gkeiel/trading-strategy-optimizer/src/backtest"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/metrics"
	"github.com/gkeiel/trading-strategy-optimizer/src/scoring"
)

// Result —— 一个已评估的候选：回测帧、指标与得分
type Result struct {
	Spec    indicator.Spec
	Frame   *indicator.Frame
	Metrics backtest.Metrics
	Score   float64
}

// ComputeFunc 从零评估一个 spec
type ComputeFunc func(indicator.Spec) (Result, error)

// Cache 按 (种类, 参数) 记忆评估结果。
// 一个 Cache 只对应一条价格序列和一次搜索，非并发安全。
type Cache struct {
	compute ComputeFunc
	entries map[string]Result

	hits, misses int
}

func NewCache(compute ComputeFunc) *Cache {
	return &Cache{compute: compute, entries: make(map[string]Result)}
}

// GetOrCompute 返回 spec 的记忆结果，首次使用时计算。
// cached 表示结果是否来自缓存；失败不缓存。
func (c *Cache) GetOrCompute(spec indicator.Spec) (res Result, cached bool, err error) {
	key := spec.Key()
	kind := spec.Kind.String()
	if r, ok := c.entries[key]; ok {
		c.hits++
		metrics.CacheHitsTotal.WithLabelValues(kind).Inc()
		return r, true, nil
	}
	r, err := c.compute(spec)
	if err != nil {
		metrics.EvaluationErrorsTotal.WithLabelValues(kind, errorClass(err)).Inc()
		return Result{}, false, err
	}
	c.misses++
	metrics.EvaluationsTotal.WithLabelValues(kind).Inc()
	c.entries[key] = r
	return r, false, nil
}

// Stats 返回命中与未命中次数
func (c *Cache) Stats() (hits, misses int) { return c.hits, c.misses }

func (c *Cache) Len() int { return len(c.entries) }

// ===================== 流水线 =====================

// DegeneratePolicy —— 策略收益零方差时的处理方式
type DegeneratePolicy string

const (
	DegenerateFail  DegeneratePolicy = "fail"  // 原样返回 *backtest.DegenerateSeriesError
	DegenerateWorst DegeneratePolicy = "worst" // Sharpe 置 0，得分 -MaxFloat64
)

// ParseDegeneratePolicy 接受 ""、"fail" 或 "worst"
func ParseDegeneratePolicy(s string) (DegeneratePolicy, error) {
	switch DegeneratePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DegenerateFail:
		return DegenerateFail, nil
	case DegenerateWorst:
		return DegenerateWorst, nil
	}
	return "", fmt.Errorf("unknown degenerate policy %q (fail|worst)", s)
}

// Pipeline 在一条序列上串联 指标 -> 回测 -> 评分
func Pipeline(series indicator.Series, w scoring.Weights, policy DegeneratePolicy) ComputeFunc {
	engine := backtest.New(backtest.Config{})
	return func(spec indicator.Spec) (Result, error) {
		f, err := indicator.Compute(series, spec)
		if err != nil {
			return Result{}, err
		}
		bf, err := engine.Run(f, spec)
		if err != nil {
			return Result{}, err
		}
		m, err := backtest.ExtractMetrics(bf)
		var de *backtest.DegenerateSeriesError
		switch {
		case err == nil:
		case errors.As(err, &de) && policy == DegenerateWorst:
			m.Sharpe = 0
			return Result{Spec: spec, Frame: bf, Metrics: m, Score: -math.MaxFloat64}, nil
		default:
			return Result{}, err
		}
		return Result{Spec: spec, Frame: bf, Metrics: m, Score: scoring.Score(m, w)}, nil
	}
}

func errorClass(err error) string {
	var ue *indicator.UnsupportedIndicatorError
	var me *indicator.MissingColumnError
	var de *backtest.DegenerateSeriesError
	switch {
	case errors.As(err, &ue):
		return "unsupported_indicator"
	case errors.As(err, &me):
		return "missing_column"
	case errors.As(err, &de):
		return "degenerate_series"
	}
	return "other"
}
