package indicator

// 指标引擎与回测共用的列名
const (
	ColClose  = "Close"
	ColVolume = "Volume"

	ColShort = "Short"
	ColMid   = "Mid"
	ColLong  = "Long"

	ColBBMid   = "BB_Mid"
	ColBBUpper = "BB_Upper"
	ColBBLower = "BB_Lower"

	ColMACD          = "MACD"
	ColMACDSignal    = "MACD_Signal"
	ColMACDHistogram = "MACD_Histogram"
)

// Frame —— 与 Series 对齐的列式表，缺失值为 NaN。
// Compute 与回测返回的帧之后不再修改；需要追加列时在 Clone 上操作。
type Frame struct {
	Series Series

	names []string
	cols  map[string][]float64
}

// NewFrame 用 s 的 Close / Volume 列初始化
func NewFrame(s Series) *Frame {
	f := &Frame{Series: s, cols: make(map[string][]float64)}
	f.Set(ColClose, s.Closes())
	f.Set(ColVolume, s.Volumes())
	return f
}

func (f *Frame) Len() int { return len(f.Series) }

// Set 新增或替换一列，切片此后归帧所有
func (f *Frame) Set(name string, v []float64) {
	if _, ok := f.cols[name]; !ok {
		f.names = append(f.names, name)
	}
	f.cols[name] = v
}

func (f *Frame) Has(name string) bool {
	_, ok := f.cols[name]
	return ok
}

// Column 返回指定列，缺失时返回 *MissingColumnError
func (f *Frame) Column(name string) ([]float64, error) {
	v, ok := f.cols[name]
	if !ok {
		return nil, &MissingColumnError{Column: name}
	}
	return v, nil
}

// Names 按插入顺序列出列名
func (f *Frame) Names() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// Last 返回某列最后一个值
func (f *Frame) Last(name string) (float64, error) {
	v, err := f.Column(name)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, &MissingColumnError{Column: name}
	}
	return v[len(v)-1], nil
}

// Clone 深拷贝所有列；Bar 是值类型，序列切片共享
func (f *Frame) Clone() *Frame {
	out := &Frame{Series: f.Series, names: make([]string, len(f.names)), cols: make(map[string][]float64, len(f.cols))}
	copy(out.names, f.names)
	for k, v := range f.cols {
		c := make([]float64, len(v))
		copy(c, v)
		out.cols[k] = c
	}
	return out
}
