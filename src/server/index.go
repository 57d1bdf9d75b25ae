package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gkeiel/trading-strategy-optimizer/src/backtest"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/scoring"
	"github.com/gkeiel/trading-strategy-optimizer/src/search"
)

// Request —— 对一组品种发起一次寻优
type Request struct {
	Tickers   []string         `json:"tickers" binding:"required,min=1"`
	Indicator string           `json:"indicator" binding:"required"`
	Params    []search.Bound   `json:"params" binding:"required,min=1"`
	Method    string           `json:"method"`
	Start     string           `json:"start"`
	Preset    string           `json:"preset"`
	Weights   scoring.Override `json:"weights"`
	Seed      int64            `json:"seed"`
}

// Space 校验请求并返回搜索空间
func (r Request) Space() (search.Space, error) {
	kind, err := indicator.ParseKind(r.Indicator)
	if err != nil {
		return search.Space{}, err
	}
	m, err := search.ParseMethod(r.Method)
	if err != nil {
		return search.Space{}, err
	}
	sp := search.Space{Kind: kind, Params: r.Params}
	if err := sp.ValidateFor(m); err != nil {
		return search.Space{}, err
	}
	return sp, nil
}

// Outcome —— 单个品种找到的最优策略
type Outcome struct {
	Ticker      string           `json:"ticker"`
	Label       string           `json:"label"`
	Score       float64          `json:"score"`
	Metrics     backtest.Metrics `json:"metrics"`
	Evaluations int              `json:"evaluations"`
}

// Runner 执行一次运行；sink 接收进度行
type Runner interface {
	Optimize(ctx context.Context, runID string, req Request, sink func(string)) ([]Outcome, error)
}

type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

type Run struct {
	ID       string     `json:"id"`
	State    State      `json:"state"`
	Request  Request    `json:"request"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	Error    string     `json:"error,omitempty"`
	Outcomes []Outcome  `json:"outcomes,omitempty"`
}

type Config struct {
	Addr       string
	RatePerSec float64
	Burst      int
	// DefaultPreset 请求未指定 preset 时使用的评分预设，与运行端回退一致
	DefaultPreset string
}

type Server struct {
	cfg    Config
	runner Runner
	hub    *Hub
	engine *gin.Engine

	mu   sync.RWMutex
	runs map[string]*Run
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, runner Runner) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DefaultPreset == "" {
		cfg.DefaultPreset = "basic"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, runner: runner, hub: NewHub(), runs: make(map[string]*Run), ctx: ctx, cancel: cancel}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }
func (s *Server) Hub() *Hub             { return s.hub }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", rateLimit(s.cfg.RatePerSec, s.cfg.Burst))
	api.POST("/optimize", s.handleOptimize)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id", s.handleGetRun)

	r.GET("/ws/progress", func(c *gin.Context) {
		s.hub.Serve(c.Writer, c.Request, c.Query("run"))
	})
	return r
}

func (s *Server) handleOptimize(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := req.Space(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := scoring.Resolve(s.preset(req.Preset), scoring.Override{}, req.Weights); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run := &Run{ID: uuid.NewString(), State: StateRunning, Request: req, Started: time.Now().UTC()}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(run.ID, req)
	c.JSON(http.StatusAccepted, gin.H{"id": run.ID, "state": run.State})
}

func (s *Server) execute(id string, req Request) {
	defer s.wg.Done()
	sink := func(line string) {
		s.hub.Broadcast(Event{Type: "progress", Run: id, Line: line})
	}
	outcomes, err := s.runner.Optimize(s.ctx, id, req, sink)

	now := time.Now().UTC()
	s.mu.Lock()
	run := s.runs[id]
	run.Finished = &now
	if err != nil {
		run.State = StateFailed
		run.Error = err.Error()
	} else {
		run.State = StateDone
		run.Outcomes = outcomes
	}
	state := run.State
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("run", id).Msg("optimisation failed")
	}
	s.hub.Broadcast(Event{Type: "status", Run: id, State: string(state)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, ok := s.Run(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleListRuns(c *gin.Context) {
	s.mu.RLock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	c.JSON(http.StatusOK, out)
}

// Run 返回运行快照
func (s *Server) Run(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *r, true
}

// ListenAndServe 阻塞至 ctx 取消，然后等待进行中的运行结束
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.cancel()
	s.wg.Wait()
	return err
}

// ===================== 中间件 =====================

func rateLimit(perSec float64, burst int) gin.HandlerFunc {
	if perSec <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(perSec), burst)
	return func(c *gin.Context) {
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http")
	}
}

func (s *Server) preset(p string) string {
	if p == "" {
		return s.cfg.DefaultPreset
	}
	return p
}
