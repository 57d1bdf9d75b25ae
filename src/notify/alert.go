package notify

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gkeiel/trading-strategy-optimizer/src/backtest"
	"github.com/gkeiel/trading-strategy-optimizer/src/export"
	"github.com/gkeiel/trading-strategy-optimizer/src/indicator"
	"github.com/gkeiel/trading-strategy-optimizer/src/marketdata"
)

// DefaultConfirmations SMA 5/10/20/50/100/200
func DefaultConfirmations() []indicator.Spec {
	return Confirmations([]int{5, 10, 20, 50, 100, 200})
}

func Confirmations(periods []int) []indicator.Spec {
	out := make([]indicator.Spec, len(periods))
	for i, p := range periods {
		out[i] = indicator.NewSpec(indicator.SMA, p)
	}
	return out
}

// Alert 最新一根 bar 的信号快照
type Alert struct {
	Ticker         string
	Spec           indicator.Spec
	Close          float64
	Signal         int
	SignalLength   int
	VolumeStrength float64
	EntryPrice     float64
	Confirmed      int // 确认指标中最新信号为 BUY 的个数
	Confirmations  int
}

// BuildAlert 在 series 上回测 spec 与各确认指标，取最后一根
func BuildAlert(ticker string, series indicator.Series, spec indicator.Spec, confirmations []indicator.Spec) (Alert, error) {
	if len(series) == 0 {
		return Alert{}, &marketdata.DataUnavailableError{Provider: "series", Ticker: ticker}
	}
	if err := series.Validate(); err != nil {
		return Alert{}, &marketdata.DataUnavailableError{Provider: "series", Ticker: ticker, Err: err}
	}
	a := Alert{Ticker: ticker, Spec: spec, Confirmations: len(confirmations)}
	for _, c := range confirmations {
		f, err := run(series, c)
		if err != nil {
			return Alert{}, fmt.Errorf("confirmation %s: %w", c, err)
		}
		if last(f, backtest.ColSignal) == 1 {
			a.Confirmed++
		}
	}

	f, err := run(series, spec)
	if err != nil {
		return Alert{}, fmt.Errorf("%s %s: %w", ticker, spec, err)
	}
	a.Close = last(f, indicator.ColClose)
	a.Signal = int(last(f, backtest.ColSignal))
	a.SignalLength = int(last(f, backtest.ColSignalLength))
	a.VolumeStrength = last(f, backtest.ColVolumeStrength)
	a.EntryPrice = last(f, backtest.ColEntryPrice)
	return a, nil
}

func run(series indicator.Series, spec indicator.Spec) (*indicator.Frame, error) {
	f, err := indicator.Compute(series, spec)
	if err != nil {
		return nil, err
	}
	return backtest.Simulate(f, spec)
}

func last(f *indicator.Frame, col string) float64 {
	v, err := f.Last(col)
	if err != nil {
		return math.NaN()
	}
	return v
}

// FormatAlert 生成推送文本
func FormatAlert(a Alert) string {
	verb := "⏸️ NEUTRAL"
	switch a.Signal {
	case 1:
		verb = "⬆️ BUY"
	case -1:
		verb = "⬇️ SELL"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#%s | %s (%s%s) Duration %d | Price U$ %.2f\n",
		a.Ticker, verb, a.Spec.Kind, a.Spec.ParamString("/"), a.SignalLength, a.Close)
	fmt.Fprintf(&b, "Volume Strength: %.2f\n", a.VolumeStrength)
	fmt.Fprintf(&b, "Signal Confirmation: %d/%d BUY, %d/%d SELL\n",
		a.Confirmed, a.Confirmations, a.Confirmations-a.Confirmed, a.Confirmations)
	fmt.Fprintf(&b, "Entry Price: U$ %.2f", a.EntryPrice)
	return b.String()
}

// ===================== 机器人 =====================

// Bot 对每个已保存的最优策略拉数、生成告警并推送，最后发一条汇总并置顶
type Bot struct {
	Provider      marketdata.Provider
	Telegram      *Telegram // 为空时只生成告警不推送
	Confirmations []indicator.Spec
	Start, End    time.Time
	Summary       bool
}

func (b *Bot) Run(ctx context.Context, strategies []export.Strategy) ([]Alert, error) {
	confs := b.Confirmations
	if confs == nil {
		confs = DefaultConfirmations()
	}
	alerts := make([]Alert, 0, len(strategies))
	var sent []Sent
	for _, s := range strategies {
		log.Info().Str("ticker", s.Ticker).Str("strategy", s.Spec.String()).Msg("processing")
		series, err := b.Provider.Fetch(ctx, s.Ticker, b.Start, b.End)
		if err != nil {
			return alerts, err
		}
		a, err := BuildAlert(s.Ticker, series, s.Spec, confs)
		if err != nil {
			return alerts, err
		}
		alerts = append(alerts, a)

		if b.Telegram == nil {
			continue
		}
		id, err := b.Telegram.Send(ctx, FormatAlert(a))
		if err != nil {
			// 单条推送失败不中断
			log.Error().Err(err).Str("ticker", s.Ticker).Msg("telegram send failed")
			continue
		}
		sent = append(sent, Sent{Ticker: s.Ticker, MessageID: id})
	}

	if b.Telegram != nil && b.Summary && len(sent) > 0 {
		id, err := b.Telegram.Send(ctx, FormatSummary(b.Telegram.ChatID(), sent))
		if err != nil {
			log.Error().Err(err).Msg("telegram summary failed")
		} else if err := b.Telegram.Pin(ctx, id); err != nil {
			log.Warn().Err(err).Int64("message_id", id).Msg("telegram pin failed")
		}
	}
	return alerts, nil
}
