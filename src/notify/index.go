package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/gjson"
)

// Credentials 来自 .env：TOKEN（机器人）/ CHAT_ID（频道，如 @my_channel）
type Credentials struct {
	Token  string
	ChatID string
}

// LoadCredentials 读取 envFile（不存在则忽略）后取 TOKEN / CHAT_ID
func LoadCredentials(envFile string) (Credentials, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Credentials{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	c := Credentials{Token: strings.TrimSpace(os.Getenv("TOKEN")), ChatID: strings.TrimSpace(os.Getenv("CHAT_ID"))}
	if c.Token == "" || c.ChatID == "" {
		return c, errors.New("TOKEN and CHAT_ID must be set")
	}
	return c, nil
}

// Telegram —— Bot API 的最小客户端（sendMessage / pinChatMessage）
type Telegram struct {
	baseURL string
	creds   Credentials
	hc      *http.Client
}

func NewTelegram(baseURL string, creds Credentials, hc *http.Client) *Telegram {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{baseURL: strings.TrimRight(baseURL, "/"), creds: creds, hc: hc}
}

func (t *Telegram) ChatID() string { return t.creds.ChatID }

// Send 发送 HTML 消息，返回 message_id
func (t *Telegram) Send(ctx context.Context, text string) (int64, error) {
	body, err := t.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  t.creds.ChatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return 0, err
	}
	id := gjson.GetBytes(body, "result.message_id")
	if !id.Exists() {
		return 0, fmt.Errorf("telegram: message_id missing in response")
	}
	return id.Int(), nil
}

// Pin 置顶一条消息
func (t *Telegram) Pin(ctx context.Context, messageID int64) error {
	_, err := t.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":    t.creds.ChatID,
		"message_id": messageID,
	})
	return err
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.creds.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK || !gjson.GetBytes(body, "ok").Bool() {
		desc := gjson.GetBytes(body, "description").String()
		return nil, fmt.Errorf("telegram %s: status %d: %s", method, resp.StatusCode, desc)
	}
	return body, nil
}

// ===================== 消息格式 =====================

// Sent 已发送的告警（用于汇总链接）
type Sent struct {
	Ticker    string
	MessageID int64
}

// FormatSummary "<b>Summary:</b>\n" + 逐条链接，以 " ○ " 连接
func FormatSummary(chatID string, sent []Sent) string {
	links := make([]string, 0, len(sent))
	channel := strings.TrimPrefix(chatID, "@")
	for _, s := range sent {
		links = append(links, fmt.Sprintf(`<a href="https://t.me/%s/%d">%s</a>`, channel, s.MessageID, s.Ticker))
	}
	return "<b>Summary:</b>\n" + strings.Join(links, " ○ ")
}
