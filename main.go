package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/gkeiel/trading-strategy-optimizer/src/config"
	"github.com/gkeiel/trading-strategy-optimizer/src/export"
	"github.com/gkeiel/trading-strategy-optimizer/src/logger"
	"github.com/gkeiel/trading-strategy-optimizer/src/marketdata"
	"github.com/gkeiel/trading-strategy-optimizer/src/netboot"
	"github.com/gkeiel/trading-strategy-optimizer/src/notify"
	"github.com/gkeiel/trading-strategy-optimizer/src/server"
	"github.com/gkeiel/trading-strategy-optimizer/src/storage"
)

// ==================== App ====================

// App —— 各运行模式共用的长生命周期依赖
type App struct {
	cfg      *config.Config
	store    *storage.Engine
	provider marketdata.Provider
	best     *storage.BestStore
	hc       *http.Client
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	hc, err := netboot.Client(netboot.Config{
		Proxy:        cfg.Market.Proxy,
		CleanDNS:     cfg.Market.CleanDNS,
		DNSCheckHost: cfg.Market.DNSCheckHost,
		Timeout:      time.Duration(cfg.Market.TimeoutSec) * time.Second,
		ProbeURL:     cfg.Market.ProbeURL,
	})
	if err != nil {
		return nil, err
	}

	store := storage.NewEngine(storage.Config{
		DataDir:        cfg.App.DataDir,
		LogFilename:    cfg.Storage.TraceFile,
		LogRotateDaily: true,
		LogRotateMaxMB: 64,
		LogMaxBackups:  10,
	})
	provider, err := buildProvider(cfg, store, marketdata.Options{
		BaseURL:        cfg.Market.BaseURL,
		Interval:       cfg.Market.Interval,
		RequestsPerSec: cfg.Market.RequestsPerSec,
		HTTPClient:     hc,
		DataDir:        cfg.App.DataDir,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	app := &App{cfg: cfg, store: store, provider: provider, hc: hc}
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		bs, err := storage.OpenBestStore(ctx, dsn)
		if err != nil {
			// 落库是可选项，连接失败只告警
			log.Error().Err(err).Msg("postgres unavailable, best strategies will not be persisted")
		} else {
			app.best = bs
		}
	}
	return app, nil
}

func (a *App) Close() {
	if a.best != nil {
		_ = a.best.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close trace log")
	}
	a.hc.CloseIdleConnections()
}

func (a *App) optimizer() (*Optimizer, error) {
	o, err := NewOptimizer(a.cfg, a.provider, a.store)
	if err != nil {
		return nil, err
	}
	if a.best != nil {
		o.best = a.best
	}
	return o, nil
}

// ==================== 运行模式 ====================

func (a *App) runOptimize(ctx context.Context, seed int64) error {
	o, err := a.optimizer()
	if err != nil {
		return err
	}
	defer o.Close()

	job, err := o.JobFromConfig(uuid.NewString(), seed)
	if err != nil {
		return err
	}
	log.Info().Str("run", job.RunID).Strs("tickers", job.Tickers).Str("method", string(job.Search.Method)).
		Str("indicator", job.Space.Kind.String()).Int("space", job.Space.Size()).Msg("starting optimization")

	start := time.Now()
	results, err := o.Run(ctx, job, nil)
	if err != nil {
		return err
	}
	printResults(os.Stdout, results, a.store.Series.Summary())
	log.Info().Str("results", a.cfg.App.ResultsDir).Dur("took", time.Since(start)).Msg("finished")
	return nil
}

func (a *App) runSignals(ctx context.Context) error {
	strategies, err := export.ImportStrategies(a.cfg.Notify.StrategiesFile)
	if err != nil {
		return err
	}
	if len(strategies) == 0 {
		return errNoStrategies
	}

	start, end, err := a.cfg.Market.Range(time.Now())
	if err != nil {
		return err
	}
	bot := &notify.Bot{
		Provider:      a.provider,
		Confirmations: notify.Confirmations(a.cfg.Notify.ConfirmationSMA),
		Start:         start,
		End:           end,
		Summary:       !a.cfg.Notify.DisableSummary,
	}
	log.Info().Int("strategies", len(strategies)).Str("confirmations", indicatorLabel(bot.Confirmations)).Msg("signal bot")

	creds, err := notify.LoadCredentials(a.cfg.Notify.EnvFile)
	if err != nil {
		// 无凭据时只打印告警
		log.Warn().Err(err).Msg("telegram disabled")
	} else {
		hc, err := netboot.Client(netboot.Config{Proxy: a.cfg.Market.Proxy, CleanDNS: a.cfg.Market.CleanDNS, DNSCheckHost: a.cfg.Market.DNSCheckHost})
		if err != nil {
			return err
		}
		bot.Telegram = notify.NewTelegram(a.cfg.Notify.BaseURL, creds, hc)
	}

	alerts, err := bot.Run(ctx, strategies)
	for _, al := range alerts {
		fmt.Println(notify.FormatAlert(al))
		fmt.Println()
	}
	return err
}

func (a *App) runServe(ctx context.Context) error {
	o, err := a.optimizer()
	if err != nil {
		return err
	}
	defer o.Close()
	o.console = false

	srv := server.New(server.Config{
		Addr:          a.cfg.Server.Addr,
		RatePerSec:    a.cfg.Server.RatePerSec,
		Burst:         a.cfg.Server.Burst,
		DefaultPreset: a.cfg.Scoring.Preset,
	}, o)
	return srv.ListenAndServe(ctx)
}

// ==================== main ====================

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration")
		mode       = flag.String("mode", "optimize", "optimize|signals|serve")
		envFile    = flag.String("env", ".env", "dotenv file loaded before the configuration")
		seed       = flag.Int64("seed", 0, "random seed for the stochastic searches (0 uses app.seed or the clock)")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	closer, err := logger.Init(logger.Options{
		Level: cfg.Logging.Level, JSON: cfg.Logging.JSON, File: cfg.Logging.File, Service: cfg.App.Name,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closer.Close()
	if cfg.Notify.EnvFile == "" {
		cfg.Notify.EnvFile = *envFile
	}
	if *seed == 0 {
		*seed = cfg.App.Seed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer app.Close()

	switch *mode {
	case "optimize":
		err = app.runOptimize(ctx, *seed)
	case "signals":
		err = app.runSignals(ctx)
	case "serve":
		err = app.runServe(ctx)
	default:
		err = fmt.Errorf("unknown mode %q (optimize|signals|serve)", *mode)
	}
	if err != nil {
		log.Error().Err(err).Str("mode", *mode).Msg("run failed")
	}
	return err
}
