package indicator

import "math"

// Compute 在 s 上按 spec 计算指标列。纯函数：相同输入得到完全相同的列。
func Compute(s Series, spec Spec) (*Frame, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	f := NewFrame(s)
	closes := f.cols[ColClose]

	switch spec.Kind {
	case SMA, EMA, WMA:
		avg := averages[spec.Kind]
		names := maColumns[len(spec.Params)]
		for i, p := range spec.Params {
			w, err := window(spec, p)
			if err != nil {
				return nil, err
			}
			f.Set(names[i], avg(closes, w))
		}

	case BB:
		w, err := window(spec, spec.Params[0])
		if err != nil {
			return nil, err
		}
		k := spec.Params[1]
		if k < 0 || math.IsNaN(k) {
			return nil, &UnsupportedIndicatorError{Kind: spec.Kind.String(), Arity: len(spec.Params), Reason: "std_dev must be >= 0"}
		}
		mid, std := RollingMeanStd(closes, w)
		upper := make([]float64, len(mid))
		lower := make([]float64, len(mid))
		for i := range mid {
			upper[i] = mid[i] + k*std[i]
			lower[i] = mid[i] - k*std[i]
		}
		f.Set(ColBBMid, mid)
		f.Set(ColBBUpper, upper)
		f.Set(ColBBLower, lower)

	case MACD:
		var ws [3]int
		for i, p := range spec.Params {
			w, err := window(spec, p)
			if err != nil {
				return nil, err
			}
			ws[i] = w
		}
		line, signal, hist := MACDLines(closes, ws[0], ws[1], ws[2])
		f.Set(ColMACD, line)
		f.Set(ColMACDSignal, signal)
		f.Set(ColMACDHistogram, hist)
	}
	return f, nil
}

var averages = map[Kind]func([]float64, int) []float64{
	SMA: SMAOf,
	EMA: EMAOf,
	WMA: WMAOf,
}

var maColumns = map[int][]string{
	1: {ColShort},
	2: {ColShort, ColLong},
	3: {ColShort, ColMid, ColLong},
}

func window(spec Spec, p float64) (int, error) {
	if p < 1 || p != math.Trunc(p) {
		return 0, &UnsupportedIndicatorError{Kind: spec.Kind.String(), Arity: len(spec.Params), Reason: "windows must be positive integers"}
	}
	return int(p), nil
}

// SMAOf 为最近 p 个点的简单均线，预热期为 NaN。
// 每个窗口独立求和，不做滚动加减，避免浮点误差累积；窗口内数值全相同时直接取该值。
func SMAOf(x []float64, p int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		if i < p-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = windowMean(x[i-p+1 : i+1])
	}
	return out
}

func windowMean(w []float64) float64 {
	first := w[0]
	same := true
	var sum float64
	for _, v := range w {
		sum += v
		if v != first {
			same = false
		}
	}
	if same {
		return first
	}
	return sum / float64(len(w))
}

// EMAOf 递推指数均线，alpha = 2/(p+1)，以首个观测值为种子、不做偏差修正，因此没有预热期
func EMAOf(x []float64, p int) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	a := 2.0 / float64(p+1)
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = a*x[i] + (1-a)*out[i-1]
	}
	return out
}

// WMAOf 窗口内按 1..p 线性加权（最新权重最大），除以权重和
func WMAOf(x []float64, p int) []float64 {
	out := make([]float64, len(x))
	den := float64(p*(p+1)) / 2
	for i := range x {
		if i < p-1 {
			out[i] = math.NaN()
			continue
		}
		var num float64
		for j := 0; j < p; j++ {
			num += float64(j+1) * x[i-p+1+j]
		}
		out[i] = num / den
	}
	return out
}

// RollingMeanStd 返回滚动均值与样本标准差（n-1）；p < 2 时标准差为 NaN
func RollingMeanStd(x []float64, p int) (mean, std []float64) {
	mean = SMAOf(x, p)
	std = make([]float64, len(x))
	for i := range x {
		if i < p-1 || p < 2 {
			std[i] = math.NaN()
			continue
		}
		m := mean[i]
		var ss float64
		for j := i - p + 1; j <= i; j++ {
			d := x[j] - m
			ss += d * d
		}
		std[i] = math.Sqrt(ss / float64(p-1))
	}
	return mean, std
}

// MACDLines 返回 EMA(fast)-EMA(slow)、其 EMA(signal) 以及二者之差
func MACDLines(x []float64, fast, slow, signal int) (line, sig, hist []float64) {
	ef := EMAOf(x, fast)
	es := EMAOf(x, slow)
	line = make([]float64, len(x))
	for i := range x {
		line[i] = ef[i] - es[i]
	}
	sig = EMAOf(line, signal)
	hist = make([]float64, len(x))
	for i := range x {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}
