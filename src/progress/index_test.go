package progress

import (
	"os"
	"strings"
	"sync"
	"testing"
)

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRunLoggerTruncatesPerRun(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLogger(dir)
	defer l.Close()

	sink, release, err := l.Open("PETR4.SA", "sma")
	if err != nil {
		t.Fatal(err)
	}
	sink("k = 1: x = SMA(5) | f(x) = 0.10")
	sink("k = 2: x = SMA(6) | f(x) = 0.20")
	if err := release(); err != nil {
		t.Fatal(err)
	}

	sink, release, err = l.Open("PETR4.SA", "SMA")
	if err != nil {
		t.Fatal(err)
	}
	sink("k = 1: x = SMA(7) | f(x) = 0.30")
	if err := release(); err != nil {
		t.Fatal(err)
	}
	if err := release(); err != nil {
		t.Fatalf("second release must be a no-op: %v", err)
	}

	path := l.PathFor("PETR4.SA", "SMA")
	if !strings.HasSuffix(path, "PETR4.SA_SMA_log.txt") {
		t.Fatalf("unexpected path %s", path)
	}
	if got := read(t, path); got != "k = 1: x = SMA(7) | f(x) = 0.30\n" {
		t.Fatalf("unexpected contents %q", got)
	}
}

func TestRunLoggerOverlappingRunsKeepLines(t *testing.T) {
	l := NewRunLogger(t.TempDir())
	defer l.Close()

	a, releaseA, err := l.Open("VALE3.SA", "EMA")
	if err != nil {
		t.Fatal(err)
	}
	b, releaseB, err := l.Open("VALE3.SA", "EMA")
	if err != nil {
		t.Fatal(err)
	}
	a("a1")
	if err := releaseA(); err != nil {
		t.Fatal(err)
	}
	b("b1")
	b("b2")
	if err := releaseB(); err != nil {
		t.Fatal(err)
	}
	if got := read(t, l.PathFor("VALE3.SA", "EMA")); got != "a1\nb1\nb2\n" {
		t.Fatalf("unexpected contents %q", got)
	}
}

func TestRunLoggerConcurrentPairs(t *testing.T) {
	l := NewRunLogger(t.TempDir())
	defer l.Close()

	tickers := []string{"AAPL", "MSFT", "NVDA", "AAPL"}
	var wg sync.WaitGroup
	for _, tk := range tickers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink, release, err := l.Open(tk, "WMA")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			for i := 0; i < 50; i++ {
				sink("k")
			}
		}()
	}
	wg.Wait()

	if n := strings.Count(read(t, l.PathFor("MSFT", "WMA")), "\n"); n != 50 {
		t.Fatalf("MSFT: expected 50 lines, got %d", n)
	}
	// AAPL 两次打开若重叠则共用文件（100 行），先后发生则后者截断（50 行）
	if n := strings.Count(read(t, l.PathFor("AAPL", "WMA")), "\n"); n != 50 && n != 100 {
		t.Fatalf("AAPL: expected 50 or 100 lines, got %d", n)
	}
}

func TestTee(t *testing.T) {
	var a, b []string
	s := Tee(func(l string) { a = append(a, l) }, nil, func(l string) { b = append(b, l) })
	s("x")
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("tee did not fan out: %v %v", a, b)
	}
}
