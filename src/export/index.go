package export

// Export —— 结果导出（CSV）
//   - results.csv：全部评估
//   - results_best.csv：按代码分组、按分数降序
//   - strategies.csv：每个代码的最优策略（Ticker,Indicator,Parameters），供信号机器人读取
//   - debug/<代码>/<标签>.csv：完整回测帧

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gkeiel/trading-strategy-optimizer/src/backtest"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
)

// Row —— 一次评估的导出视图
type Row struct {
	Ticker  string
	Label   string // <代码>_<指标>_<p1>_<p2>...
	Spec    indicator.Spec
	Metrics backtest.Metrics
	Score   float64
	Frame   *indicator.Frame // 可为空（不导出 debug）
}

// Label 生成 <代码>_<指标>_<参数>
func Label(ticker string, spec indicator.Spec) string {
	return ticker + "_" + spec.Label()
}

// Strategy —— strategies.csv 中的一行
type Strategy struct {
	Ticker string
	Spec   indicator.Spec
}

type Exporter struct {
	dir string
	// DebugDir 回测帧目录，默认与结果目录同级的 debug/
	DebugDir string
}

func New(dir string) *Exporter {
	if dir == "" {
		dir = "data/results"
	}
	return &Exporter{dir: dir, DebugDir: filepath.Join(filepath.Dir(filepath.Clean(dir)), "debug")}
}

func (e *Exporter) Dir() string { return e.dir }

var resultHeader = []string{"Ticker", "Label", "Indicator", "Parameters", "Return_Market", "Return_Strategy", "Trades", "Sharpe", "Max_Drawdown", "Score"}

func resultRecord(r Row) []string {
	m := r.Metrics
	return []string{
		r.Ticker, r.Label, r.Spec.Kind.String(), r.Spec.ParamString("_"),
		ff(m.ReturnMarket), ff(m.ReturnStrategy), strconv.Itoa(m.Trades), ff(m.Sharpe), ff(m.MaxDrawdown), ff(r.Score),
	}
}

// Results 写 results.csv（按输入顺序）
func (e *Exporter) Results(rows []Row) error {
	return e.writeCSV("results.csv", func(w *csv.Writer) error {
		if err := w.Write(resultHeader); err != nil {
			return err
		}
		for _, r := range rows {
			if err := w.Write(resultRecord(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Best 写 results_best.csv 并返回每个代码的最优行（代码按字母序）
func (e *Exporter) Best(rows []Row) ([]Row, error) {
	ranked := RankByTicker(rows)
	tickers := make([]string, 0, len(ranked))
	for t := range ranked {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var best []Row
	err := e.writeCSV("results_best.csv", func(w *csv.Writer) error {
		if err := w.Write(append([]string{"Rank"}, resultHeader...)); err != nil {
			return err
		}
		for _, t := range tickers {
			for i, r := range ranked[t] {
				if err := w.Write(append([]string{strconv.Itoa(i + 1)}, resultRecord(r)...)); err != nil {
					return err
				}
			}
			best = append(best, ranked[t][0])
		}
		return nil
	})
	return best, err
}

// Strategies 写 strategies.csv：Ticker,Indicator,Parameters（参数以 "_" 连接）
func (e *Exporter) Strategies(best []Row) error {
	return e.writeCSV("strategies.csv", func(w *csv.Writer) error {
		if err := w.Write([]string{"Ticker", "Indicator", "Parameters"}); err != nil {
			return err
		}
		for _, r := range best {
			if err := w.Write([]string{r.Ticker, r.Spec.Kind.String(), r.Spec.ParamString("_")}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Debug 把每个回测帧写到 <DebugDir>/<代码>/<标签>.csv
func (e *Exporter) Debug(rows []Row) error {
	root := e.DebugDir
	for _, r := range rows {
		if r.Frame == nil {
			continue
		}
		dir := filepath.Join(root, sanitize(r.Ticker))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(dir, sanitize(r.Label)+".csv"))
		if err != nil {
			return err
		}
		err = WriteFrame(f, r.Frame)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("debug %s: %w", r.Label, err)
		}
	}
	return nil
}

// WriteFrame 写出 Date + 全部列（NaN 写空）
func WriteFrame(w io.Writer, f *indicator.Frame) error {
	names := f.Names()
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"Date"}, names...)); err != nil {
		return err
	}
	cols := make([][]float64, len(names))
	for i, n := range names {
		cols[i], _ = f.Column(n)
	}
	rec := make([]string, len(names)+1)
	for t := 0; t < f.Len(); t++ {
		rec[0] = f.Series[t].Time.Format("2006-01-02")
		for i, c := range cols {
			rec[i+1] = ff(c[t])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// RankByTicker 按代码分组，分数降序，同分按标签升序
func RankByTicker(rows []Row) map[string][]Row {
	out := map[string][]Row{}
	for _, r := range rows {
		out[r.Ticker] = append(out[r.Ticker], r)
	}
	for _, rs := range out {
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].Score != rs[j].Score {
				return rs[i].Score > rs[j].Score
			}
			return rs[i].Label < rs[j].Label
		})
	}
	return out
}

// ImportStrategies 读取 strategies.csv
func ImportStrategies(path string) ([]Strategy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadStrategies(f)
}

func ReadStrategies(r io.Reader) ([]Strategy, error) {
	cr := csv.NewReader(r)
	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("strategies: 读取表头失败: %w", err)
	}
	col := map[string]int{}
	for i, h := range head {
		col[strings.TrimSpace(h)] = i
	}
	for _, need := range []string{"Ticker", "Indicator", "Parameters"} {
		if _, ok := col[need]; !ok {
			return nil, &indicator.MissingColumnError{Column: need}
		}
	}

	var out []Strategy
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		kind, err := indicator.ParseKind(rec[col["Indicator"]])
		if err != nil {
			return nil, fmt.Errorf("strategies 第 %d 行: %w", line, err)
		}
		spec := indicator.Spec{Kind: kind}
		for _, p := range strings.Split(strings.TrimSpace(rec[col["Parameters"]]), "_") {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("strategies 第 %d 行参数无效: %w", line, err)
			}
			spec.Params = append(spec.Params, v)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("strategies 第 %d 行: %w", line, err)
		}
		out = append(out, Strategy{Ticker: strings.TrimSpace(rec[col["Ticker"]]), Spec: spec})
	}
	return out, nil
}

// ===================== 工具 =====================

func (e *Exporter) writeCSV(name string, fill func(*csv.Writer) error) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(e.dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := fill(w); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func ff(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sanitize(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "-", " ", "_").Replace(name)
}
