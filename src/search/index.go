package search

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gkeiel/trading-strategy-optimizer/src/evaluator"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/metrics"
)

// Method —— 搜索策略
type Method string

const (
	Grid         Method = "grid"
	HillClimbing Method = "hill_climbing"
	Annealing    Method = "simulated_annealing"
)

// ParseMethod 接受完整名称以及简写 "hc"、"sa"
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "grid", "grid_search":
		return Grid, nil
	case "hill_climbing", "hc":
		return HillClimbing, nil
	case "simulated_annealing", "sa", "":
		return Annealing, nil
	}
	return "", fmt.Errorf("unknown search method %q", s)
}

// Config —— 迭代上限与退火/步长计划，零值取默认
type Config struct {
	Method   Method
	StartMid bool // 从各区间中点而不是最小值出发

	N      int     // 每次外层迭代采样的邻居数
	KMax   int     // 外层迭代次数
	KLimit int     // 连续这么多次外层迭代无改进即停止；0 表示不限
	Alpha  float64 // 初始步长系数

	T0        float64 // 初始温度（退火）
	Beta      float64 // 温度衰减（退火）
	BetaAlpha float64 // 步长衰减（退火）

	Epsilon float64 // 计为改进的最小增益
}

func (c *Config) withDefaults() Config {
	q := *c
	if q.Method == "" {
		q.Method = Annealing
	}
	if q.N <= 0 {
		q.N = 3
		if q.Method == HillClimbing {
			q.N = 5
		}
	}
	if q.KMax <= 0 {
		q.KMax = 50
	}
	if q.Alpha <= 0 {
		q.Alpha = 1
	}
	if q.T0 <= 0 {
		q.T0 = 1
	}
	if q.Beta <= 0 {
		q.Beta = 0.95
	}
	if q.BetaAlpha <= 0 {
		q.BetaAlpha = 0.9
	}
	if q.Epsilon <= 0 {
		q.Epsilon = 1e-9
	}
	return q
}

// Evaluator —— 记忆化的 evaluate(spec) 层；*evaluator.Cache 实现该接口
type Evaluator interface {
	GetOrCompute(spec indicator.Spec) (evaluator.Result, bool, error)
}

// Record —— 轨迹中一次不重复的评估
type Record = evaluator.Result

// LocalStep —— 一个采样邻居（或网格点）
type LocalStep struct {
	K       int     `json:"k"`
	Score   float64 `json:"score"`
	T       float64 `json:"t,omitempty"`
	Alpha   float64 `json:"alpha,omitempty"`
	Params  []int   `json:"params"`
	Current float64 `json:"current"`
}

// GlobalStep —— 一次外层迭代的汇总
type GlobalStep struct {
	K          int     `json:"k"`
	Score      float64 `json:"score"`
	Best       float64 `json:"best"`
	T          float64 `json:"t,omitempty"`
	Alpha      float64 `json:"alpha"`
	Params     []int   `json:"params"`
	BestParams []int   `json:"best_params"`
}

// State —— 可变搜索状态，生命周期为一次 Search 调用
type State struct {
	Current      []int
	CurrentScore float64
	Best         []int
	BestScore    float64
	T            float64
	Alpha        float64
	K            int
	Stale        int
}

// Option 定制 Controller
type Option func(*Controller)

// WithRand 注入用于邻居采样与 Metropolis 接受判定的随机源
func WithRand(r *rand.Rand) Option { return func(c *Controller) { c.rng = r } }

// WithSeed 等价于 WithRand(rand.New(rand.NewSource(seed)))
func WithSeed(seed int64) Option {
	return func(c *Controller) { c.rng = rand.New(rand.NewSource(seed)) }
}

// WithLog 设置进度输出，每次外层迭代一行
func WithLog(sink func(string)) Option { return func(c *Controller) { c.sink = sink } }

// Controller —— 在一个搜索空间上驱动一次搜索。
// 非并发安全；并行运行各自持有 controller、cache 与 sink。
type Controller struct {
	space Space
	cfg   Config
	eval  Evaluator
	rng   *rand.Rand
	sink  func(string)
	runID string

	state  State
	trace  []Record
	local  []LocalStep
	global []GlobalStep
	best   Record
	found  bool
}

func New(space Space, cfg Config, eval Evaluator, opts ...Option) *Controller {
	c := &Controller{space: space, cfg: cfg.withDefaults(), eval: eval, runID: uuid.NewString()}
	for _, o := range opts {
		o(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.sink == nil {
		c.sink = func(line string) { log.Info().Str("run", c.runID).Msg(line) }
	}
	return c
}

func (c *Controller) RunID() string        { return c.runID }
func (c *Controller) Config() Config       { return c.cfg }
func (c *Controller) Local() []LocalStep   { return c.local }
func (c *Controller) Global() []GlobalStep { return c.global }
func (c *Controller) State() State         { return c.state }

// Best 返回上一次运行的最优评估
func (c *Controller) Best() (Record, bool) { return c.best, c.found }

// Search 执行配置的策略，按首次计算顺序返回所有不重复的评估；任一评估出错即中止
func (c *Controller) Search() ([]Record, error) {
	if err := c.space.Validate(); err != nil {
		return nil, err
	}
	c.trace, c.local, c.global = nil, nil, nil
	c.best, c.found = Record{}, false
	c.state = State{}

	start := time.Now()
	var err error
	switch c.cfg.Method {
	case Grid:
		err = c.grid()
	case HillClimbing:
		err = c.climb(false)
	case Annealing:
		err = c.climb(true)
	default:
		err = fmt.Errorf("unknown search method %q", c.cfg.Method)
	}
	metrics.SearchDuration.WithLabelValues(string(c.cfg.Method)).Observe(time.Since(start).Seconds())
	if err != nil {
		c.trace = nil
		return nil, err
	}
	return c.trace, nil
}

func (c *Controller) evaluate(x []int) (Record, error) {
	spec := c.space.spec(x)
	r, cached, err := c.eval.GetOrCompute(spec)
	if err != nil {
		return Record{}, fmt.Errorf("evaluate %s: %w", spec, err)
	}
	if !cached {
		c.trace = append(c.trace, r)
	}
	if !c.found || r.Score > c.best.Score {
		c.best, c.found = r, true
	}
	return r, nil
}

// ===================== 网格 =====================

func (c *Controller) grid() error {
	x := make([]int, len(c.space.Params))
	for i, b := range c.space.Params {
		x[i] = b.Min
	}
	k := 0
	for {
		if c.space.valid(x) {
			k++
			r, err := c.evaluate(x)
			if err != nil {
				return err
			}
			p := cloneInts(x)
			c.local = append(c.local, LocalStep{K: k, Score: r.Score, Params: p, Current: r.Score})
			c.state.K = k
			c.emit(k, c.space.spec(x), r.Score, math.NaN(), math.NaN())
		} else {
			log.Debug().Str("run", c.runID).Ints("params", x).Msg("grid point skipped: MACD ordering")
		}
		if !c.next(x) {
			break
		}
	}
	if k == 0 {
		return ErrEmptyGrid
	}
	if c.found {
		c.state.Best = paramsOf(c.best.Spec)
		c.state.BestScore = c.best.Score
	}
	return nil
}

// next 像里程表一样推进 x，最后一个参数变化最快；遍历完返回 false
func (c *Controller) next(x []int) bool {
	for i := len(x) - 1; i >= 0; i-- {
		b := c.space.Params[i]
		if x[i]+b.stride() <= b.Max {
			x[i] += b.stride()
			return true
		}
		x[i] = b.Min
	}
	return false
}

// ===================== 爬山 / 退火 =====================

func (c *Controller) climb(anneal bool) error {
	cfg := c.cfg
	x := c.space.Start(cfg.StartMid)
	r, err := c.evaluate(x)
	if err != nil {
		return err
	}
	st := &c.state
	*st = State{
		Current: x, CurrentScore: r.Score,
		Best: cloneInts(x), BestScore: r.Score,
		Alpha: cfg.Alpha, T: math.NaN(),
	}
	if anneal {
		st.T = cfg.T0
	}

	for st.K < cfg.KMax {
		st.K++
		improved := false
		for j := 0; j < cfg.N; j++ {
			y := c.Neighbor(st.Current, st.Alpha)
			ry, err := c.evaluate(y)
			if err != nil {
				return err
			}
			c.local = append(c.local, LocalStep{
				K: st.K, Score: ry.Score, T: zeroNaN(st.T), Alpha: st.Alpha, Params: cloneInts(y), Current: st.CurrentScore,
			})
			switch {
			case ry.Score > st.CurrentScore+cfg.Epsilon:
				st.Current, st.CurrentScore = y, ry.Score
				improved = true
			case anneal && c.rng.Float64() < math.Exp((ry.Score-st.CurrentScore)/st.T):
				st.Current, st.CurrentScore = y, ry.Score
			}
			if st.CurrentScore > st.BestScore {
				st.Best, st.BestScore = cloneInts(st.Current), st.CurrentScore
			}
		}
		if anneal {
			st.T *= cfg.Beta
			st.Alpha *= cfg.BetaAlpha
		}
		c.global = append(c.global, GlobalStep{
			K: st.K, Score: st.CurrentScore, Best: st.BestScore, T: zeroNaN(st.T), Alpha: st.Alpha,
			Params: cloneInts(st.Current), BestParams: cloneInts(st.Best),
		})
		c.emit(st.K, c.space.spec(st.Current), st.CurrentScore, st.T, st.Alpha)

		if improved {
			st.Stale = 0
		} else {
			st.Stale++
			if cfg.KLimit > 0 && st.Stale >= cfg.KLimit {
				log.Debug().Str("run", c.runID).Int("k", st.K).Msg("plateau reached")
				break
			}
		}
	}
	return nil
}

// Neighbor 对每个参数施加 [-step, step] 内的均匀整数扰动，
// step = max(1, round(alpha*(max-min)/4))，然后裁剪到边界并修复 MACD 顺序
func (c *Controller) Neighbor(x []int, alpha float64) []int {
	y := make([]int, len(x))
	for i, b := range c.space.Params {
		step := max(1, int(math.RoundToEven(alpha*float64(b.Max-b.Min)/4)))
		v := x[i] + c.rng.Intn(2*step+1) - step
		y[i] = clampInt(v, b.Min, b.Max)
	}
	c.space.repair(y)
	return y
}

// emit 输出 "k = <n>: x = <spec> | f(x) = <score>[ | T = <t>][ | alpha = <a>]"
func (c *Controller) emit(k int, spec indicator.Spec, score, t, alpha float64) {
	var b strings.Builder
	fmt.Fprintf(&b, "k = %d: x = %s | f(x) = %.2f", k, spec, score)
	if !math.IsNaN(t) {
		fmt.Fprintf(&b, " | T = %.2f", t)
	}
	if !math.IsNaN(alpha) {
		fmt.Fprintf(&b, " | alpha = %.2f", alpha)
	}
	c.sink(b.String())
}

func paramsOf(spec indicator.Spec) []int {
	out := make([]int, len(spec.Params))
	for i, p := range spec.Params {
		out[i] = int(p)
	}
	return out
}

func cloneInts(x []int) []int {
	out := make([]int, len(x))
	copy(out, x)
	return out
}

func zeroNaN(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return x
}
