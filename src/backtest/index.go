package backtest

// Backtest —— 单品种向量化回测
// =============================================================================
// 1) 根据指标列生成信号（-1/0/1），一根 bar 的滞后转为持仓；
// 2) 逐 bar 计算收益、累计净值、换手与回撤；
// 3) 从回测帧提取指标：收益、交易次数、Sharpe、最大回撤；
// 4) 纯函数：输入帧不被修改，相同输入得到相同输出。

import (
	"fmt"
	"math"

	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
)

// 回测帧新增的列
const (
	ColSignal           = "Signal"
	ColSignalLength     = "Signal_Length"
	ColVolumeMA         = "Volume_MA"
	ColVolumeStrength   = "Volume_Strength"
	ColPosition         = "Position"
	ColTrade            = "Trade"
	ColEntryPrice       = "Entry_Price"
	ColReturn           = "Return"
	ColStrategy         = "Strategy"
	ColCumulativeMarket = "Cumulative_Market"
	ColCumulativeStrat  = "Cumulative_Strategy"
	ColCumulativeTrades = "Cumulative_Trades"
	ColDrawdown         = "Drawdown"
)

// ===================== 配置 =====================

type Config struct {
	VolumeWindow int     // 成交量均线窗口（默认 10）
	FirstReturn  float64 // 首根策略收益的占位值（默认 1e-5，避免全零序列）
}

func (c *Config) withDefaults() Config {
	q := *c
	if q.VolumeWindow <= 0 {
		q.VolumeWindow = 10
	}
	if q.FirstReturn == 0 {
		q.FirstReturn = 1e-5
	}
	return q
}

// ===================== 结果 =====================

// Metrics —— 回测帧最后一根 bar 的快照 + 样本统计
//   - ReturnMarket / ReturnStrategy：净收益（最终累计值 - 1）
//   - Trades：完整来回次数（Cumulative_Trades / 2 向下取整）
//   - MaxDrawdown：|min(Drawdown)|，非负
type Metrics struct {
	ReturnMarket   float64 `json:"return_market"`
	ReturnStrategy float64 `json:"return_strategy"`
	Trades         int     `json:"trades"`
	Sharpe         float64 `json:"sharpe"`
	MaxDrawdown    float64 `json:"max_drawdown"`
}

// DegenerateSeriesError —— 策略收益方差为 0（或样本不足），Sharpe 无定义
type DegenerateSeriesError struct {
	Bars int
	Std  float64
}

func (e *DegenerateSeriesError) Error() string {
	return fmt.Sprintf("degenerate strategy returns: bars=%d std=%g", e.Bars, e.Std)
}

// ===================== 引擎 =====================

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

var defaultEngine = New(Config{})

// Simulate 使用默认配置回测
func Simulate(in *indicator.Frame, spec indicator.Spec) (*indicator.Frame, error) {
	return defaultEngine.Run(in, spec)
}

// Run —— 在 in 的副本上追加回测列并返回
func (e *Engine) Run(in *indicator.Frame, spec indicator.Spec) (*indicator.Frame, error) {
	sig, err := signals(in, spec)
	if err != nil {
		return nil, err
	}
	closes, err := in.Column(indicator.ColClose)
	if err != nil {
		return nil, err
	}
	vols, err := in.Column(indicator.ColVolume)
	if err != nil {
		return nil, err
	}

	n := in.Len()
	f := in.Clone()
	nan := math.NaN()

	// 信号持续长度：同向信号连续计数，信号为 0 时归零
	sigLen := make([]float64, n)
	for t := 0; t < n; t++ {
		switch {
		case sig[t] == 0:
			sigLen[t] = 0
		case t > 0 && sig[t] == sig[t-1]:
			sigLen[t] = sigLen[t-1] + 1
		default:
			sigLen[t] = 1
		}
	}

	// 量能强度：(V - MA)/MA，MA 缺失或为 0 时记 0
	volMA := indicator.SMAOf(vols, e.cfg.VolumeWindow)
	volStr := make([]float64, n)
	for t := 0; t < n; t++ {
		if math.IsNaN(volMA[t]) || volMA[t] == 0 {
			continue
		}
		volStr[t] = (vols[t] - volMA[t]) / volMA[t]
	}

	pos := make([]float64, n)
	trade := make([]float64, n)
	entry := make([]float64, n)
	ret := make([]float64, n)
	strat := make([]float64, n)
	cumMkt := make([]float64, n)
	cumStr := make([]float64, n)
	cumTrd := make([]float64, n)
	dd := make([]float64, n)

	lastEntry := nan
	peak := math.Inf(-1)
	for t := 0; t < n; t++ {
		if t == 0 {
			// 首根无持仓、无收益
			pos[0] = nan
			ret[0] = nan
			strat[0] = e.cfg.FirstReturn
			cumMkt[0] = 1
		} else {
			pos[t] = sig[t-1]
			trade[t] = math.Abs(pos[t] - flat(pos[t-1]))
			ret[t] = closes[t]/closes[t-1] - 1
			strat[t] = pos[t] * ret[t]
			cumMkt[t] = cumMkt[t-1] * (1 + ret[t])
		}
		if trade[t] == 1 {
			lastEntry = closes[t]
		}
		entry[t] = lastEntry

		if t == 0 {
			cumStr[0] = 1 + strat[0]
			cumTrd[0] = trade[0]
		} else {
			cumStr[t] = cumStr[t-1] * (1 + strat[t])
			cumTrd[t] = cumTrd[t-1] + trade[t]
		}
		peak = math.Max(peak, cumStr[t])
		dd[t] = math.Min(0, (cumStr[t]-peak)/peak)
	}

	f.Set(ColSignal, sig)
	f.Set(ColSignalLength, sigLen)
	f.Set(ColVolumeMA, volMA)
	f.Set(ColVolumeStrength, volStr)
	f.Set(ColPosition, pos)
	f.Set(ColTrade, trade)
	f.Set(ColEntryPrice, entry)
	f.Set(ColReturn, ret)
	f.Set(ColStrategy, strat)
	f.Set(ColCumulativeMarket, cumMkt)
	f.Set(ColCumulativeStrat, cumStr)
	f.Set(ColCumulativeTrades, cumTrd)
	f.Set(ColDrawdown, dd)
	return f, nil
}

// ExtractMetrics 读取回测帧生成 Metrics。
// 返回 *DegenerateSeriesError 时，除 Sharpe（置 0）外其余字段仍有效。
func ExtractMetrics(f *indicator.Frame) (Metrics, error) {
	var m Metrics
	cols := make(map[string][]float64, 5)
	for _, name := range []string{ColCumulativeMarket, ColCumulativeStrat, ColCumulativeTrades, ColStrategy, ColDrawdown} {
		v, err := f.Column(name)
		if err != nil {
			return m, err
		}
		cols[name] = v
	}
	n := f.Len()
	if n == 0 {
		return m, &DegenerateSeriesError{}
	}

	m.ReturnMarket = last(cols[ColCumulativeMarket]) - 1
	m.ReturnStrategy = last(cols[ColCumulativeStrat]) - 1
	m.Trades = int(last(cols[ColCumulativeTrades])) / 2
	minDD := 0.0
	for _, d := range cols[ColDrawdown] {
		minDD = math.Min(minDD, d)
	}
	m.MaxDrawdown = math.Abs(minDD)

	s := cols[ColStrategy]
	mu := mean(s)
	sd := math.Sqrt(variance(s, mu))
	if n < 2 || sd == 0 || math.IsNaN(sd) {
		return m, &DegenerateSeriesError{Bars: n, Std: sd}
	}
	m.Sharpe = mu / sd * math.Sqrt(float64(n))
	return m, nil
}

// ===================== 工具 =====================

// flat 把未定义持仓视为空仓
func flat(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return x
}

func mean(a []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range a {
		s += x
	}
	return s / float64(len(a))
}

func variance(a []float64, m float64) float64 {
	if len(a) <= 1 {
		return 0
	}
	s := 0.0
	for _, x := range a {
		d := x - m
		s += d * d
	}
	return s / float64(len(a)-1)
}

func last(a []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return a[len(a)-1]
}
