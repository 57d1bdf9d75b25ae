package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeRunner struct {
	err   error
	lines []string
	gate  chan struct{}
}

func (f *fakeRunner) Optimize(ctx context.Context, runID string, req Request, sink func(string)) ([]Outcome, error) {
	if f.gate != nil {
		<-f.gate
	}
	for _, l := range f.lines {
		sink(l)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Outcome, 0, len(req.Tickers))
	for _, t := range req.Tickers {
		out = append(out, Outcome{Ticker: t, Label: t + "_SMA_5", Score: 0.5, Evaluations: 3})
	}
	return out, nil
}

func init() { gin.SetMode(gin.TestMode) }

const validBody = `{"tickers":["AAPL"],"indicator":"SMA","params":[{"min":2,"max":6}],"method":"grid"}`

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func waitState(t *testing.T, s *Server, id string) Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := s.Run(id); ok && r.State != StateRunning {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return Run{}
}

func TestHealthz(t *testing.T) {
	s := New(Config{}, &fakeRunner{})
	w := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected healthz %d %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(Config{}, &fakeRunner{})
	w := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestOptimizeLifecycle(t *testing.T) {
	s := New(Config{}, &fakeRunner{})
	w := do(t, s.Handler(), http.MethodPost, "/api/optimize", validBody)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.ID == "" {
		t.Fatalf("missing run id: %s", w.Body.String())
	}

	run := waitState(t, s, resp.ID)
	if run.State != StateDone || len(run.Outcomes) != 1 || run.Outcomes[0].Label != "AAPL_SMA_5" {
		t.Fatalf("unexpected run %+v", run)
	}

	w = do(t, s.Handler(), http.MethodGet, "/api/runs/"+resp.ID, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"state":"done"`) {
		t.Fatalf("unexpected run payload %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s.Handler(), http.MethodGet, "/api/runs/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestOptimizeFailureIsRecorded(t *testing.T) {
	s := New(Config{}, &fakeRunner{err: errors.New("yahoo: no data for AAPL")})
	w := do(t, s.Handler(), http.MethodPost, "/api/optimize", validBody)
	var resp struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	run := waitState(t, s, resp.ID)
	if run.State != StateFailed || !strings.Contains(run.Error, "no data") {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestOptimizeRejectsBadRequests(t *testing.T) {
	s := New(Config{}, &fakeRunner{})
	bodies := []string{
		`{"indicator":"SMA","params":[{"min":2,"max":6}]}`,
		`{"tickers":["AAPL"],"indicator":"RSI","params":[{"min":2,"max":6}]}`,
		`{"tickers":["AAPL"],"indicator":"SMA","params":[{"min":9,"max":6}]}`,
		`{"tickers":["AAPL"],"indicator":"SMA","params":[{"min":2,"max":6}],"method":"genetic"}`,
		`{"tickers":["AAPL"],"indicator":"SMA","params":[{"min":2,"max":6}],"preset":"yolo"}`,
		`{"tickers":["AAPL"],"indicator":"MACD","params":[{"min":24,"max":24},{"min":20,"max":25,"stride":2},{"min":8,"max":8}],"method":"grid"}`,
	}
	for _, b := range bodies {
		if w := do(t, s.Handler(), http.MethodPost, "/api/optimize", b); w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", b, w.Code)
		}
	}
}

func TestPresetFallsBackToConfiguredDefault(t *testing.T) {
	s := New(Config{DefaultPreset: "defensive"}, &fakeRunner{})
	if w := do(t, s.Handler(), http.MethodPost, "/api/optimize", validBody); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", w.Code, w.Body.String())
	}

	s = New(Config{DefaultPreset: "yolo"}, &fakeRunner{})
	w := do(t, s.Handler(), http.MethodPost, "/api/optimize", validBody)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "balanced") {
		t.Fatalf("expected 400 listing the presets, got %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s.Handler(), http.MethodPost, "/api/optimize", strings.Replace(validBody, `"method"`, `"preset":"basic","method"`, 1)); w.Code != http.StatusAccepted {
		t.Fatalf("explicit preset must override the default, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s := New(Config{RatePerSec: 0.001, Burst: 1}, &fakeRunner{})
	if w := do(t, s.Handler(), http.MethodGet, "/api/runs", ""); w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w.Code)
	}
	if w := do(t, s.Handler(), http.MethodGet, "/api/runs", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", w.Code)
	}
}

func TestProgressStreamsOverWebsocket(t *testing.T) {
	gate := make(chan struct{})
	runner := &fakeRunner{lines: []string{"k = 1: x = SMA(2) | f(x) = 0.10"}, gate: gate}
	s := New(Config{}, runner)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for i := 0; s.Hub().Len() == 0 && i < 200; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(srv.URL+"/api/optimize", "application/json", bytes.NewBufferString(validBody))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	close(gate)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "progress" || ev.Line != runner.lines[0] {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "status" || ev.State != string(StateDone) {
		t.Fatalf("unexpected status event %+v", ev)
	}
}
