package backtest

import (
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
)

// signals 按指标种类生成 -1/0/1 信号；NaN 参与的比较一律为假，即无信号。
//
//	1 条均线：Close > Short 买，Close < Short 卖
//	2 条均线：Short > Long 买，Short < Long 卖
//	3 条均线：Short > Mid > Long 买，Short < Mid < Long 卖
//	布林带：  Close < BB_Lower 买，Close > BB_Upper 卖
//	MACD：    MACD > MACD_Signal 买，MACD < MACD_Signal 卖
func signals(f *indicator.Frame, spec indicator.Spec) ([]float64, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	var names []string
	switch spec.Kind {
	case indicator.SMA, indicator.EMA, indicator.WMA:
		switch len(spec.Params) {
		case 1:
			names = []string{indicator.ColClose, indicator.ColShort}
		case 2:
			names = []string{indicator.ColShort, indicator.ColLong}
		default:
			names = []string{indicator.ColShort, indicator.ColMid, indicator.ColLong}
		}
	case indicator.BB:
		names = []string{indicator.ColClose, indicator.ColBBLower, indicator.ColBBUpper}
	case indicator.MACD:
		names = []string{indicator.ColMACD, indicator.ColMACDSignal}
	}

	cols := make([][]float64, len(names))
	for i, name := range names {
		v, err := f.Column(name)
		if err != nil {
			return nil, err
		}
		cols[i] = v
	}

	out := make([]float64, f.Len())
	for t := range out {
		switch {
		case spec.Kind == indicator.BB:
			px, lower, upper := cols[0][t], cols[1][t], cols[2][t]
			if px < lower {
				out[t] = 1
			} else if px > upper {
				out[t] = -1
			}
		case len(cols) == 3:
			a, b, c := cols[0][t], cols[1][t], cols[2][t]
			if a > b && b > c {
				out[t] = 1
			} else if a < b && b < c {
				out[t] = -1
			}
		default:
			a, b := cols[0][t], cols[1][t]
			if a > b {
				out[t] = 1
			} else if a < b {
				out[t] = -1
			}
		}
	}
	return out, nil
}
