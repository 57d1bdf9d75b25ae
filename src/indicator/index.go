package indicator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ===================== 类型 =====================

// Kind —— 支持的指标种类（封闭集合）
type Kind int

const (
	SMA Kind = iota + 1
	EMA
	WMA
	BB
	MACD
)

var kindNames = map[Kind]string{SMA: "SMA", EMA: "EMA", WMA: "WMA", BB: "BB", MACD: "MACD"}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind 不区分大小写解析名称（"sma"、"MACD"）
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for k, v := range kindNames {
		if v == name {
			return k, nil
		}
	}
	return 0, &UnsupportedIndicatorError{Kind: s, Arity: -1}
}

// 各种类的参数个数范围 [min, max]
func (k Kind) arity() (int, int, bool) {
	switch k {
	case SMA, EMA, WMA:
		return 1, 3, true
	case BB:
		return 2, 2, true
	case MACD:
		return 3, 3, true
	}
	return 0, 0, false
}

// Spec —— 指标及其参数，参数个数决定变体：
//   - 均线：1/2/3 个窗口
//   - BB：[window, std_dev]
//   - MACD：[fast, slow, signal]
type Spec struct {
	Kind   Kind
	Params []float64
}

// NewSpec 由整数参数构建 Spec
func NewSpec(kind Kind, params ...int) Spec {
	p := make([]float64, len(params))
	for i, v := range params {
		p[i] = float64(v)
	}
	return Spec{Kind: kind, Params: p}
}

// Validate 检查种类与参数个数
func (s Spec) Validate() error {
	lo, hi, ok := s.Kind.arity()
	if !ok || len(s.Params) < lo || len(s.Params) > hi {
		return &UnsupportedIndicatorError{Kind: s.Kind.String(), Arity: len(s.Params)}
	}
	return nil
}

// Label 以下划线连接种类与参数，如 "MACD_12_26_9"
func (s Spec) Label() string {
	return s.Kind.String() + "_" + s.ParamString("_")
}

// ParamString 用 sep 连接参数
func (s Spec) ParamString(sep string) string {
	ps := make([]string, len(s.Params))
	for i, p := range s.Params {
		ps[i] = strconv.FormatFloat(p, 'f', -1, 64)
	}
	return strings.Join(ps, sep)
}

func (s Spec) String() string { return s.Kind.String() + "(" + s.ParamString(",") + ")" }

// Key 记忆化键：种类 + 精确参数元组
func (s Spec) Key() string { return s.Kind.String() + "|" + s.ParamString("|") }

// Bar —— 一个交易周期
type Bar struct {
	Time   time.Time
	Close  float64
	Volume float64
}

// Series —— 按时间升序的 Bar 列表
type Series []Bar

func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

func (s Series) Volumes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Volume
	}
	return out
}

// Validate 要求时间戳严格递增、Close > 0、Volume >= 0
func (s Series) Validate() error {
	for i, b := range s {
		if !(b.Close > 0) {
			return fmt.Errorf("bar %d: close must be > 0, got %v", i, b.Close)
		}
		if b.Volume < 0 || math.IsNaN(b.Volume) {
			return fmt.Errorf("bar %d: volume must be >= 0, got %v", i, b.Volume)
		}
		if i > 0 && !b.Time.After(s[i-1].Time) {
			return fmt.Errorf("bar %d: timestamp %s not after %s", i, b.Time.Format(time.RFC3339), s[i-1].Time.Format(time.RFC3339))
		}
	}
	return nil
}

// ===================== 错误 =====================

// UnsupportedIndicatorError —— 未知种类或参数个数不符；种类无法识别时 Arity 为 -1
type UnsupportedIndicatorError struct {
	Kind   string
	Arity  int
	Reason string
}

func (e *UnsupportedIndicatorError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("unsupported indicator %s: %s", e.Kind, e.Reason)
	case e.Arity < 0:
		return fmt.Sprintf("unsupported indicator kind %q", e.Kind)
	default:
		return fmt.Sprintf("unsupported indicator %s with %d params", e.Kind, e.Arity)
	}
}

// MissingColumnError —— 帧中缺少某列
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string { return fmt.Sprintf("missing column %q", e.Column) }
