package search

import (
	"errors"
	"fmt"

	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
)

// Bound —— 单个参数的闭区间整数范围；Stride 仅网格搜索使用，<= 0 视为 1
type Bound struct {
	Min    int `yaml:"min" json:"min"`
	Max    int `yaml:"max" json:"max"`
	Stride int `yaml:"stride,omitempty" json:"stride,omitempty"`
}

func (b Bound) stride() int {
	if b.Stride <= 0 {
		return 1
	}
	return b.Stride
}

// Space —— 某一指标种类的搜索域
type Space struct {
	Kind   indicator.Kind
	Params []Bound
}

// MACD 参数位置
const (
	macdFast = iota
	macdSlow
	macdSignal
)

// Validate 检查参数个数、min <= max；MACD 还要求存在 fast < slow 且 signal < slow 的点
func (s Space) Validate() error {
	probe := indicator.Spec{Kind: s.Kind, Params: make([]float64, len(s.Params))}
	if err := probe.Validate(); err != nil {
		return err
	}
	for i, b := range s.Params {
		if b.Min > b.Max {
			return fmt.Errorf("%s param %d: min %d > max %d", s.Kind, i, b.Min, b.Max)
		}
		if b.Min < 1 && s.Kind != indicator.BB {
			return fmt.Errorf("%s param %d: windows must be >= 1, got min %d", s.Kind, i, b.Min)
		}
	}
	if s.Kind == indicator.BB && (s.Params[0].Min < 1 || s.Params[1].Min < 0) {
		return fmt.Errorf("BB bounds: window must be >= 1 and std_dev >= 0, got %d/%d", s.Params[0].Min, s.Params[1].Min)
	}
	if s.Kind == indicator.MACD {
		fast, slow, sig := s.Params[macdFast], s.Params[macdSlow], s.Params[macdSignal]
		if fast.Min >= slow.Max || sig.Min >= slow.Max {
			return fmt.Errorf("MACD bounds admit no fast<slow and signal<slow point: fast.min=%d signal.min=%d slow.max=%d",
				fast.Min, sig.Min, slow.Max)
		}
	}
	return nil
}

// ErrEmptyGrid —— 按步长取点后不存在 fast < slow 且 signal < slow 的 MACD 点
var ErrEmptyGrid = errors.New("grid has no valid MACD point")

// ValidateFor 追加与搜索方法相关的检查。
// 网格只访问步长倍数点，MACD 顺序按网格能取到的最大 slow 检查。
func (s Space) ValidateFor(m Method) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if m != Grid || s.Kind != indicator.MACD {
		return nil
	}
	fast, slow, sig := s.Params[macdFast], s.Params[macdSlow], s.Params[macdSignal]
	top := slow.Min + (slow.Max-slow.Min)/slow.stride()*slow.stride()
	if fast.Min >= top || sig.Min >= top {
		return fmt.Errorf("%w: fast.min=%d signal.min=%d, largest slow on the grid is %d", ErrEmptyGrid, fast.Min, sig.Min, top)
	}
	return nil
}

// Size 为 MACD 过滤前的网格点数
func (s Space) Size() int {
	n := 1
	for _, b := range s.Params {
		n *= (b.Max-b.Min)/b.stride() + 1
	}
	return n
}

func (s Space) spec(x []int) indicator.Spec { return indicator.NewSpec(s.Kind, x...) }

// Start 返回各区间最小值或中点（MACD 已修复）
func (s Space) Start(mid bool) []int {
	x := make([]int, len(s.Params))
	for i, b := range s.Params {
		x[i] = b.Min
		if mid {
			x[i] = b.Min + (b.Max-b.Min)/2
		}
	}
	s.repair(x)
	return x
}

// valid 判断 x 是否满足 MACD 顺序（非 MACD 恒为真）
func (s Space) valid(x []int) bool {
	if s.Kind != indicator.MACD {
		return true
	}
	return x[macdFast] < x[macdSlow] && x[macdSignal] < x[macdSlow]
}

// repair 就地保证 fast < slow 且 signal < slow：
// fast / signal 先压到 slow 以下再按各自下限裁剪；若裁剪后仍不满足，则抬高 slow。
func (s Space) repair(x []int) {
	if s.Kind != indicator.MACD {
		return
	}
	fast, slow, sig := x[macdFast], x[macdSlow], x[macdSignal]
	if fast >= slow {
		fast = slow - 1
	}
	if sig >= slow {
		sig = slow - 1
	}
	fast = max(s.Params[macdFast].Min, fast)
	sig = max(s.Params[macdSignal].Min, sig)
	if fast >= slow || sig >= slow {
		slow = min(max(fast, sig)+1, s.Params[macdSlow].Max)
	}
	x[macdFast], x[macdSlow], x[macdSignal] = fast, slow, sig
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
