package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gkeiel/trading-strategy-optimizer/src/config"
	"github.com/gkeiel/trading-strategy-optimizer/src/evaluator"
	"github.com/gkeiel/trading-strategy-optimizer/src/export"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/marketdata"
	"github.com/gkeiel/trading-strategy-optimizer/src/metrics"
	"github.com/gkeiel/trading-strategy-optimizer/src/progress"
	"github.com/gkeiel/trading-strategy-optimizer/src/scoring"
	"github.com/gkeiel/trading-strategy-optimizer/src/search"
	"github.com/gkeiel/trading-strategy-optimizer/src/server"
	"github.com/gkeiel/trading-strategy-optimizer/src/storage"
)

// ==================== Optimizer ====================

// bestSink 持久化每个品种的最优策略；*storage.BestStore 实现该接口
type bestSink interface {
	Upsert(ctx context.Context, r storage.BestRow) error
}

// Job —— 一批品种 × 同一搜索空间
type Job struct {
	RunID   string
	Tickers []string
	Space   search.Space
	Search  search.Config
	Weights scoring.Weights
	Policy  evaluator.DegeneratePolicy
	Seed    int64
	OutDir  string // 非空时结果、进度与回测帧写入该目录，而不是 app.resultsDir
}

// TickerResult —— 单个品种的搜索结果
type TickerResult struct {
	Ticker string
	Rows   []export.Row
	Best   export.Row
	Evals  int
	Hits   int
}

// Optimizer —— 串联行情、搜索、导出与落库
type Optimizer struct {
	cfg        *config.Config
	provider   marketdata.Provider
	store      *storage.Engine
	runLogs    *progress.RunLogger
	exporter   *export.Exporter
	best       bestSink
	start, end time.Time
	console    bool

	exportMu sync.Mutex // 并发运行共用同一结果目录
}

func NewOptimizer(cfg *config.Config, provider marketdata.Provider, store *storage.Engine) (*Optimizer, error) {
	start, end, err := cfg.Market.Range(time.Now())
	if err != nil {
		return nil, err
	}
	return &Optimizer{
		cfg:      cfg,
		provider: provider,
		store:    store,
		runLogs:  progress.NewRunLogger(cfg.App.ResultsDir),
		exporter: export.New(cfg.App.ResultsDir),
		start:    start,
		end:      end,
		console:  true,
	}, nil
}

func (o *Optimizer) Close() error { return o.runLogs.Close() }

// JobFromConfig 按已加载的配置构建批量任务
func (o *Optimizer) JobFromConfig(runID string, seed int64) (Job, error) {
	tickers, err := o.cfg.LoadTickers()
	if err != nil {
		return Job{}, err
	}
	space, err := o.cfg.Space()
	if err != nil {
		return Job{}, err
	}
	w, err := o.cfg.Weights(scoring.Override{})
	if err != nil {
		return Job{}, err
	}
	return Job{
		RunID: runID, Tickers: tickers, Space: space, Search: o.cfg.Search(),
		Weights: w, Policy: o.cfg.Degenerate(), Seed: seed,
	}, nil
}

// Run 执行任务；失败时整条流水线重试，最多 app.maxAttempts 次
func (o *Optimizer) Run(ctx context.Context, job Job, sink progress.Sink) ([]TickerResult, error) {
	attempts := max(1, o.cfg.App.MaxAttempts)
	var err error
	for i := 1; i <= attempts; i++ {
		var out []TickerResult
		out, err = o.runOnce(ctx, job, sink)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || i == attempts {
			break
		}
		log.Warn().Err(err).Int("attempt", i).Int("max", attempts).Msg("pipeline failed, retrying")
	}
	return nil, fmt.Errorf("pipeline failed after %d attempt(s): %w", attempts, err)
}

func (o *Optimizer) runOnce(ctx context.Context, job Job, sink progress.Sink) ([]TickerResult, error) {
	logs, exp := o.runLogs, o.exporter
	if job.OutDir != "" {
		logs = progress.NewRunLogger(job.OutDir)
		defer logs.Close()
		exp = export.New(job.OutDir)
		exp.DebugDir = filepath.Join(job.OutDir, "debug")
	}

	results := make([]TickerResult, len(job.Tickers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, o.cfg.App.Workers))
	for i, raw := range job.Tickers {
		ticker := marketdata.FormatTicker(o.cfg.Market.Market, raw)
		g.Go(func() error {
			res, err := o.optimizeTicker(gctx, job, ticker, sink, logs)
			if err != nil {
				_ = o.store.Trace.Error("optimize", err.Error(), map[string]any{"run": job.RunID, "ticker": ticker})
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rows []export.Row
	for _, r := range results {
		rows = append(rows, r.Rows...)
	}
	if err := o.export(exp, rows); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Optimizer) optimizeTicker(ctx context.Context, job Job, ticker string, sink progress.Sink, logs *progress.RunLogger) (TickerResult, error) {
	began := time.Now()
	series, err := marketdata.FetchRetry(ctx, o.provider, ticker, o.start, o.end, 3)
	if err != nil {
		return TickerResult{}, err
	}
	if err := series.Validate(); err != nil {
		return TickerResult{}, &marketdata.DataUnavailableError{Provider: o.provider.Name(), Ticker: ticker, Err: err}
	}
	log.Info().Str("ticker", ticker).Int("bars", len(series)).Str("space", job.Space.Kind.String()).Msg("optimizing")

	kind := job.Space.Kind.String()
	sinks := []progress.Sink{sink}
	if o.console {
		sinks = append(sinks, progress.Console(ticker, kind))
	}
	if fileSink, release, err := logs.Open(ticker, kind); err != nil {
		log.Warn().Err(err).Str("ticker", ticker).Msg("progress file unavailable")
	} else {
		sinks = append(sinks, fileSink)
		defer release()
	}

	cache := evaluator.NewCache(evaluator.Pipeline(series, job.Weights, job.Policy))
	opts := []search.Option{search.WithLog(progress.Tee(sinks...))}
	if job.Seed != 0 {
		opts = append(opts, search.WithSeed(job.Seed))
	}
	ctl := search.New(job.Space, job.Search, cache, opts...)
	trace, err := ctl.Search()
	if err != nil {
		return TickerResult{}, fmt.Errorf("%s: %w", ticker, err)
	}
	best, ok := ctl.Best()
	if !ok {
		return TickerResult{}, fmt.Errorf("%s: search produced no evaluations", ticker)
	}

	res := TickerResult{Ticker: ticker, Rows: make([]export.Row, 0, len(trace)), Evals: len(trace)}
	res.Hits, _ = cache.Stats()
	for _, r := range trace {
		row := toRow(ticker, r)
		res.Rows = append(res.Rows, row)
		if err := o.store.Trace.Eval(storage.LogEval{
			Run: job.RunID, Ticker: ticker, Label: row.Label, Params: r.Spec.Params, Metrics: r.Metrics, Score: r.Score,
		}); err != nil {
			log.Warn().Err(err).Msg("trace write failed")
		}
	}
	res.Best = toRow(ticker, best)
	metrics.BestScore.WithLabelValues(ticker, kind).Set(best.Score)

	_ = o.store.Trace.Run(storage.LogRun{
		Run: job.RunID, Ticker: ticker, Method: string(ctl.Config().Method), Evals: res.Evals,
		BestLabel: res.Best.Label, BestScore: best.Score, Seconds: time.Since(began).Seconds(),
	})
	if o.best != nil {
		err := o.best.Upsert(ctx, storage.BestRow{
			Ticker: ticker, Indicator: kind, Params: best.Spec.Params, Label: res.Best.Label,
			Score: best.Score, Metrics: best.Metrics, RunID: job.RunID,
		})
		if err != nil {
			log.Error().Err(err).Str("ticker", ticker).Msg("persist best strategy failed")
		}
	}
	log.Info().Str("ticker", ticker).Str("best", res.Best.Label).Float64("score", best.Score).
		Int("evals", res.Evals).Int("cache_hits", res.Hits).Dur("took", time.Since(began)).Msg("search finished")
	return res, nil
}

func (o *Optimizer) export(exp *export.Exporter, rows []export.Row) error {
	o.exportMu.Lock()
	defer o.exportMu.Unlock()
	if err := exp.Results(rows); err != nil {
		return fmt.Errorf("export results: %w", err)
	}
	best, err := exp.Best(rows)
	if err != nil {
		return fmt.Errorf("export best: %w", err)
	}
	if err := exp.Strategies(best); err != nil {
		return fmt.Errorf("export strategies: %w", err)
	}
	if err := exp.Debug(rows); err != nil {
		return fmt.Errorf("export debug frames: %w", err)
	}
	return nil
}

func toRow(ticker string, r search.Record) export.Row {
	return export.Row{
		Ticker: ticker, Label: export.Label(ticker, r.Spec), Spec: r.Spec,
		Metrics: r.Metrics, Score: r.Score, Frame: r.Frame,
	}
}

// ==================== server.Runner ====================

// Optimize 服务 POST /api/optimize：请求字段覆盖配置中的搜索空间、方法与权重
func (o *Optimizer) Optimize(ctx context.Context, runID string, req server.Request, sink func(string)) ([]server.Outcome, error) {
	space, err := req.Space()
	if err != nil {
		return nil, err
	}
	c := *o.cfg
	if req.Method != "" {
		c.Optimize.Method = req.Method
	}
	if req.Start != "" {
		c.Optimize.Start = req.Start
	}
	if req.Preset != "" {
		c.Scoring.Preset = req.Preset
	}
	w, err := c.Weights(req.Weights)
	if err != nil {
		return nil, err
	}
	job := Job{
		RunID: runID, Tickers: req.Tickers, Space: space, Search: c.Search(),
		Weights: w, Policy: c.Degenerate(), Seed: req.Seed,
		OutDir: runDir(o.cfg.App.ResultsDir, runID),
	}
	results, err := o.Run(ctx, job, sink)
	if err != nil {
		return nil, err
	}
	out := make([]server.Outcome, 0, len(results))
	for _, r := range results {
		out = append(out, server.Outcome{
			Ticker: r.Ticker, Label: r.Best.Label, Score: r.Best.Score, Metrics: r.Best.Metrics, Evaluations: r.Evals,
		})
	}
	return out, nil
}

// runDir 服务端单次运行的结果目录，避免并发运行互相覆盖 results.csv / strategies.csv
func runDir(resultsDir, runID string) string {
	return filepath.Join(resultsDir, "runs", runID)
}

// ==================== 输出 ====================

// printResults 打印每个品种的最优策略；series 为本地行情缓存概况，可为空
func printResults(w io.Writer, results []TickerResult, series []storage.SeriesMeta) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "Optimization Summary")
	fmt.Fprintln(w, line)
	for _, m := range series {
		fmt.Fprintf(w, "Data %-14s %-4s %5d bars  %s .. %s\n", m.Ticker, m.Interval, m.Bars,
			m.From.Format("2006-01-02"), m.To.Format("2006-01-02"))
	}
	for _, r := range results {
		m := r.Best.Metrics
		fmt.Fprintf(w, "%s\n", r.Best.Label)
		fmt.Fprintf(w, "  Score               : %.4f\n", r.Best.Score)
		fmt.Fprintf(w, "  Strategy Return     : %.2f%%\n", m.ReturnStrategy*100)
		fmt.Fprintf(w, "  Number of Trades    : %d\n", m.Trades)
		fmt.Fprintf(w, "  Sharpe              : %.2f\n", m.Sharpe)
		fmt.Fprintf(w, "  Max Drawdown        : %.2f%%\n", m.MaxDrawdown*100)
		fmt.Fprintf(w, "  Market Return       : %.2f%%\n", m.ReturnMarket*100)
		fmt.Fprintf(w, "  Evaluations         : %d (cache hits %d)\n", r.Evals, r.Hits)
	}
	fmt.Fprintln(w, line)
}

// buildProvider 用本地快照缓存包装配置的行情源
func buildProvider(cfg *config.Config, store *storage.Engine, opts marketdata.Options) (marketdata.Provider, error) {
	inner, err := marketdata.New(cfg.Market.Provider, opts)
	if err != nil {
		return nil, err
	}
	if inner.Name() == "csv" {
		return inner, nil
	}
	return &marketdata.Cached{Inner: inner, Store: store.Series, Interval: cfg.Market.Interval}, nil
}

var errNoStrategies = errors.New("no strategies to process")

// indicatorLabel 仅用于日志
func indicatorLabel(specs []indicator.Spec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}
