package storage

// Storage —— 数据存储层（行情序列缓存 / 评估轨迹日志 / 最优策略落库）
// =============================================================================
// 1) 序列缓存：按 代码 × 周期 保存日线序列，线程安全，支持 CSV 快照/恢复；
// 2) 评估轨迹：结构化 JSON Lines（.jsonl），按日换文件，按大小交给 lumberjack 切分；
// 3) 最优策略：可选写入 PostgreSQL（见 postgres.go）。

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gkeiel/trading-strategy-optimizer/src/backtest"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
)

const dateLayout = "2006-01-02"

// ===================== 引擎总控 =====================

type Config struct {
	DataDir string // 数据目录（快照与日志）

	// 轨迹日志滚动设置
	LogFilename    string // 基础文件名，默认 trace.jsonl
	LogRotateDaily bool   // 是否按日滚动
	LogRotateMaxMB int    // 单文件上限（MB），超过由 lumberjack 切分；0 取 lumberjack 默认 100MB
	LogMaxBackups  int    // 保留的切分文件数，0 表示全部保留
}

func (c *Config) withDefaults() Config {
	q := *c
	if q.DataDir == "" {
		q.DataDir = "./data"
	}
	if q.LogFilename == "" {
		q.LogFilename = "trace.jsonl"
	}
	return q
}

// Engine —— 对外聚合对象：Series + Trace
type Engine struct {
	Series *SeriesStore
	Trace  *TraceLogger
}

func NewEngine(cfg Config) *Engine {
	c := cfg.withDefaults()
	_ = os.MkdirAll(c.DataDir, 0o755)
	return &Engine{
		Series: NewSeriesStore(c.DataDir),
		Trace:  NewTraceLogger(filepath.Join(c.DataDir, "trace"), c.LogFilename, c.LogRotateDaily, c.LogRotateMaxMB, c.LogMaxBackups),
	}
}

func (e *Engine) Close() error {
	return e.Trace.Close()
}

// ===================== 序列缓存（多键） =====================

type SeriesStore struct {
	mu     sync.RWMutex
	dir    string
	series map[string]indicator.Series // key: ticker|interval
}

func NewSeriesStore(dir string) *SeriesStore {
	s := &SeriesStore{dir: filepath.Join(dir, "series"), series: make(map[string]indicator.Series)}
	_ = os.MkdirAll(s.dir, 0o755)
	return s
}

func (s *SeriesStore) key(ticker, interval string) string { return ticker + "|" + interval }

// Path —— 某序列的快照文件路径
func (s *SeriesStore) Path(ticker, interval string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", sanitize(ticker), interval))
}

// Put —— 覆盖写入整条序列（调用方保证升序）
func (s *SeriesStore) Put(ticker, interval string, series indicator.Series) {
	cp := make(indicator.Series, len(series))
	copy(cp, series)
	s.mu.Lock()
	s.series[s.key(ticker, interval)] = cp
	s.mu.Unlock()
}

// Get —— 取整条序列（返回副本）
func (s *SeriesStore) Get(ticker, interval string) (indicator.Series, bool) {
	s.mu.RLock()
	seq, ok := s.series[s.key(ticker, interval)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := make(indicator.Series, len(seq))
	copy(out, seq)
	return out, true
}

// Range —— 取 [start, end) 区间内的数据
func (s *SeriesStore) Range(ticker, interval string, start, end time.Time) indicator.Series {
	seq, ok := s.Get(ticker, interval)
	if !ok {
		return nil
	}
	lo := sort.Search(len(seq), func(i int) bool { return !seq[i].Time.Before(start) })
	hi := sort.Search(len(seq), func(i int) bool { return !seq[i].Time.Before(end) })
	return seq[lo:hi]
}

// SnapshotCSV —— 将某序列快照到 CSV（覆盖写），表头：date,close,volume
func (s *SeriesStore) SnapshotCSV(ticker, interval, path string) error {
	seq, ok := s.Get(ticker, interval)
	if !ok || len(seq) == 0 {
		return errors.New("no data")
	}
	if path == "" {
		path = s.Path(ticker, interval)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteSeriesCSV(f, seq)
}

// LoadCSV —— 读取 CSV（与 SnapshotCSV 对应），并覆盖现有序列
func (s *SeriesStore) LoadCSV(ticker, interval, path string) (indicator.Series, error) {
	if path == "" {
		path = s.Path(ticker, interval)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	seq, err := ReadSeriesCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Put(ticker, interval, seq)
	return seq, nil
}

// WriteSeriesCSV 写出 date,close,volume
func WriteSeriesCSV(w io.Writer, seq indicator.Series) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"date", "close", "volume"})
	for _, b := range seq {
		_ = cw.Write([]string{
			b.Time.UTC().Format(dateLayout),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
		})
	}
	cw.Flush()
	return cw.Error()
}

// ReadSeriesCSV 读取 date,close,volume（按表头定位列；volume 可缺省）
func ReadSeriesCSV(r io.Reader) (indicator.Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	col := map[string]int{}
	for i, h := range head {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	di, ok := col["date"]
	if !ok {
		return nil, &indicator.MissingColumnError{Column: "date"}
	}
	ci, ok := col["close"]
	if !ok {
		return nil, &indicator.MissingColumnError{Column: indicator.ColClose}
	}
	vi, hasVol := col["volume"]

	var out indicator.Series
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) <= di || len(rec) <= ci {
			continue
		}
		t, err := time.Parse(dateLayout, strings.TrimSpace(rec[di]))
		if err != nil {
			return nil, fmt.Errorf("第 %d 行日期无效: %w", line, err)
		}
		c, err := strconv.ParseFloat(strings.TrimSpace(rec[ci]), 64)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行收盘价无效: %w", line, err)
		}
		var v float64
		if hasVol && len(rec) > vi {
			v, _ = strconv.ParseFloat(strings.TrimSpace(rec[vi]), 64)
		}
		out = append(out, indicator.Bar{Time: t, Close: c, Volume: v})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// =============== 摘要（诊断） ===============

type SeriesMeta struct {
	Ticker, Interval string
	Bars             int
	From, To         time.Time
}

// Summary —— 内存里所有序列的简要信息
func (s *SeriesStore) Summary() []SeriesMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.series))
	for k := range s.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]SeriesMeta, 0, len(keys))
	for _, k := range keys {
		seq := s.series[k]
		parts := strings.Split(k, "|")
		if len(seq) == 0 || len(parts) != 2 {
			continue
		}
		out = append(out, SeriesMeta{
			Ticker: parts[0], Interval: parts[1], Bars: len(seq),
			From: seq[0].Time, To: seq[len(seq)-1].Time,
		})
	}
	return out
}

// ===================== 评估轨迹（JSON Lines + 滚动） =====================

// TraceLogger 当日文件为 <base>_<YYYYMMDD>.jsonl（关闭按日滚动时即 <base>.jsonl），
// 同一文件超过上限后由 lumberjack 改名为 <base>-<时间戳>.jsonl 并重新打开。
type TraceLogger struct {
	mu         sync.Mutex
	dir        string
	baseName   string
	rotateDay  bool
	maxMB      int
	maxBackups int
	dayMark    string
	out        *lumberjack.Logger
}

func NewTraceLogger(dir, filename string, rotateDaily bool, maxMB, maxBackups int) *TraceLogger {
	if filename == "" {
		filename = "trace.jsonl"
	}
	_ = os.MkdirAll(dir, 0o755)
	lg := &TraceLogger{dir: dir, baseName: filename, rotateDay: rotateDaily, maxMB: maxMB, maxBackups: maxBackups}
	lg.open(time.Now().Format("20060102"))
	return lg
}

func (t *TraceLogger) open(day string) {
	t.out = &lumberjack.Logger{
		Filename:   filepath.Join(t.dir, t.activeNameForDay(day)),
		MaxSize:    t.maxMB,
		MaxBackups: t.maxBackups,
		LocalTime:  true,
	}
	t.dayMark = day
}

func (t *TraceLogger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return nil
	}
	err := t.out.Close()
	t.out = nil
	return err
}

// —— 统一写入入口 ——
func (t *TraceLogger) write(obj any) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return errors.New("trace logger closed")
	}
	if day := time.Now().Format("20060102"); t.rotateDay && day != t.dayMark {
		_ = t.out.Close()
		t.open(day)
	}
	_, err = t.out.Write(b)
	return err
}

type base struct {
	TS   string `json:"ts"`
	Host string `json:"host"`
	Cat  string `json:"cat"` // 分类：eval/run/error
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }
func hostName() string {
	h, _ := os.Hostname()
	if h == "" {
		h = runtime.GOOS
	}
	return h
}

// 单次评估
type LogEval struct {
	base
	Run     string           `json:"run"`
	Ticker  string           `json:"ticker"`
	Label   string           `json:"label"`
	Params  []float64        `json:"params"`
	Metrics backtest.Metrics `json:"metrics"`
	Score   float64          `json:"score"`
}

// 一次搜索的汇总
type LogRun struct {
	base
	Run       string  `json:"run"`
	Ticker    string  `json:"ticker"`
	Method    string  `json:"method"`
	Evals     int     `json:"evals"`
	BestLabel string  `json:"best_label"`
	BestScore float64 `json:"best_score"`
	Seconds   float64 `json:"seconds"`
}

type LogError struct {
	base
	Scope   string         `json:"scope"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// —— API ——
func (t *TraceLogger) Eval(in LogEval) error {
	in.base = base{TS: nowISO(), Host: hostName(), Cat: "eval"}
	return t.write(in)
}
func (t *TraceLogger) Run(in LogRun) error {
	in.base = base{TS: nowISO(), Host: hostName(), Cat: "run"}
	return t.write(in)
}
func (t *TraceLogger) Error(scope, msg string, fields map[string]any) error {
	return t.write(LogError{base: base{TS: nowISO(), Host: hostName(), Cat: "error"}, Scope: scope, Message: msg, Fields: fields})
}

// Tail —— 读取最近 N 行（当前活跃文件）
func (t *TraceLogger) Tail(n int) ([]json.RawMessage, error) {
	if n <= 0 {
		n = 50
	}
	t.mu.Lock()
	path := filepath.Join(t.dir, t.activeNameForDay(t.dayMark))
	t.mu.Unlock()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]json.RawMessage, 0, len(lines))
	for _, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			out = append(out, json.RawMessage(ln))
		}
	}
	return out, nil
}

func (t *TraceLogger) activeNameForDay(day string) string {
	if !t.rotateDay {
		return t.baseName
	}
	ext := filepath.Ext(t.baseName)
	return fmt.Sprintf("%s_%s%s", strings.TrimSuffix(t.baseName, ext), day, ext)
}

// ===================== 工具 =====================

func sanitize(name string) string {
	repl := []string{"/", "_", "\\", "_", ":", "-", "*", "-", "?", "-", "\"", "-", "<", "-", ">", "-", "|", "-", " ", "_"}
	for i := 0; i < len(repl); i += 2 {
		name = strings.ReplaceAll(name, repl[i], repl[i+1])
	}
	return name
}
