package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Sink 接收一行进度文本（每个外层迭代一行）
type Sink func(line string)

// RunLogger 把搜索进度写入 “<目录>/<品种>_<指标>_log.txt”
//   - 首次打开时截断，与一次搜索一一对应
//   - 同一品种×指标被并发运行重复打开时共用句柄（引用计数），最后一个释放者关闭文件
//   - 并发安全（不同运行可共用同一个 RunLogger）
type RunLogger struct {
	baseDir string
	mu      sync.Mutex
	files   map[string]*handle // key: 品种_指标
}

type handle struct {
	f    *os.File
	refs int
}

func NewRunLogger(baseDir string) *RunLogger {
	if baseDir == "" {
		baseDir = "data/results"
	}
	return &RunLogger{baseDir: baseDir, files: make(map[string]*handle)}
}

func key(ticker, kind string) string {
	return sanitize(ticker) + "_" + strings.ToUpper(kind)
}

// PathFor 返回某品种×指标的日志路径
func (l *RunLogger) PathFor(ticker, kind string) string {
	return filepath.Join(l.baseDir, key(ticker, kind)+"_log.txt")
}

// Open 打开日志文件，返回写入该文件的 Sink 以及本次打开专属的释放函数。
// 释放函数可重复调用，只生效一次。
func (l *RunLogger) Open(ticker, kind string) (Sink, func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(ticker, kind)
	h, ok := l.files[k]
	if !ok {
		if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(l.PathFor(ticker, kind), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		h = &handle{f: f}
		l.files[k] = h
	}
	h.refs++

	sink := func(line string) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, err := fmt.Fprintln(h.f, line); err != nil {
			log.Warn().Err(err).Str("file", h.f.Name()).Msg("progress write failed")
		}
	}
	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() { err = l.release(k, h) })
		return err
	}
	return sink, release, nil
}

func (l *RunLogger) release(k string, h *handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h.refs--
	if h.refs > 0 {
		return nil
	}
	if l.files[k] != h {
		return nil // 已被 Close 关闭
	}
	delete(l.files, k)
	return h.f.Close()
}

// Close 进程退出时调用，关闭仍在使用的句柄
func (l *RunLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for k, h := range l.files {
		if e := h.f.Close(); e != nil {
			err = e
		}
		delete(l.files, k)
	}
	return err
}

// ===== 组合 Sink =====

// Tee 把同一行分发给多个 Sink（nil 跳过）
func Tee(sinks ...Sink) Sink {
	return func(line string) {
		for _, s := range sinks {
			if s != nil {
				s(line)
			}
		}
	}
}

// Console 把进度写到 zerolog（带品种/指标字段）
func Console(ticker, kind string) Sink {
	return func(line string) {
		log.Info().Str("ticker", ticker).Str("kind", kind).Msg(line)
	}
}

func sanitize(name string) string {
	repl := strings.NewReplacer("/", "_", "\\", "_", ":", "-", "*", "-", "?", "-", "\"", "-", "<", "-", ">", "-", "|", "-", " ", "_")
	return repl.Replace(name)
}
