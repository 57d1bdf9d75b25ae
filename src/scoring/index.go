package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gkeiel/trading-strategy-optimizer/src/backtest"
)

// Weights —— 线性适应度函数的权重，得分越高越好
type Weights struct {
	Return   float64 `yaml:"w_return" json:"w_return"`
	Trades   float64 `yaml:"w_trades" json:"w_trades"`
	Sharpe   float64 `yaml:"w_sharpe" json:"w_sharpe"`
	Drawdown float64 `yaml:"w_drawdown" json:"w_drawdown"`
}

// Override 覆盖单项权重；nil 字段保留原值
type Override struct {
	Return   *float64 `yaml:"w_return,omitempty" json:"w_return,omitempty"`
	Trades   *float64 `yaml:"w_trades,omitempty" json:"w_trades,omitempty"`
	Sharpe   *float64 `yaml:"w_sharpe,omitempty" json:"w_sharpe,omitempty"`
	Drawdown *float64 `yaml:"w_drawdown,omitempty" json:"w_drawdown,omitempty"`
}

const Custom = "custom"

var presets = map[string]Weights{
	"basic":      {Return: 1, Trades: 0.02},
	"balanced":   {Return: 1, Trades: 0.04, Sharpe: 0.01, Drawdown: 0.05},
	"aggressive": {Return: 1, Sharpe: 0.02},
	"defensive":  {Return: 1, Trades: 0.05, Drawdown: 0.05},
	Custom:       {},
}

// 旧配置的拼写
var aliases = map[string]string{"agressive": "aggressive"}

// Preset 返回指定预设
func Preset(name string) (Weights, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if a, ok := aliases[key]; ok {
		key = a
	}
	w, ok := presets[key]
	if !ok {
		return Weights{}, fmt.Errorf("unknown scoring preset %q (one of %s)", name, strings.Join(Profiles(), "|"))
	}
	return w, nil
}

// Profiles 按字母序列出预设名
func Profiles() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve 叠加顺序：预设 < custom（仅 "custom" 预设）< override
func Resolve(profile string, custom, override Override) (Weights, error) {
	w, err := Preset(profile)
	if err != nil {
		return w, err
	}
	if strings.EqualFold(strings.TrimSpace(profile), Custom) {
		w = w.With(custom)
	}
	return w.With(override), nil
}

// With 把 o 叠加到 w 上
func (w Weights) With(o Override) Weights {
	if o.Return != nil {
		w.Return = *o.Return
	}
	if o.Trades != nil {
		w.Trades = *o.Trades
	}
	if o.Sharpe != nil {
		w.Sharpe = *o.Sharpe
	}
	if o.Drawdown != nil {
		w.Drawdown = *o.Drawdown
	}
	return w
}

// Score —— w_return*ReturnStrategy - w_trades*Trades + w_sharpe*Sharpe - w_drawdown*MaxDrawdown
func Score(m backtest.Metrics, w Weights) float64 {
	return w.Return*m.ReturnStrategy - w.Trades*float64(m.Trades) + w.Sharpe*m.Sharpe - w.Drawdown*m.MaxDrawdown
}

// Ranked —— 带标签的结果及其得分
type Ranked struct {
	Label   string
	Metrics backtest.Metrics
	Score   float64
}

// Rank 按得分降序排列，同分保持标签顺序
func Rank(results map[string]backtest.Metrics, w Weights) []Ranked {
	out := make([]Ranked, 0, len(results))
	for label, m := range results {
		out = append(out, Ranked{Label: label, Metrics: m, Score: Score(m, w)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Label < out[j].Label
	})
	return out
}
