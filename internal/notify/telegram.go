package notify

import (
    "context"
    "fmt"
    "io"
    "log"
    "net/http"
    "net/url"
    "strings"
    "time"

    "marketdata/internal/httpx"
)

// Notifier pushes operational events to an external channel. Implementations
// must tolerate being nil so callers can fire without checking configuration.
type Notifier interface {
    Startup(providers []string)
    ProviderDown(name string, err error)
    Heartbeat(stats map[string]any)
}

// Telegram sends notifications through the Telegram bot API. Sends run in a
// goroutine and never block callers; a lost notification is acceptable.
type Telegram struct {
    token  string
    chatID string
    client *httpx.Client
}

// NewTelegram returns nil when the bot is not configured. A nil *Telegram is
// a valid no-op Notifier.
func NewTelegram(token, chatID string, hc *httpx.Client) *Telegram {
    if token == "" || chatID == "" { return nil }
    return &Telegram{token: token, chatID: chatID, client: hc}
}

func (t *Telegram) Startup(providers []string) {
    t.send(fmt.Sprintf("price service up, providers: %s", strings.Join(providers, ", ")))
}

func (t *Telegram) ProviderDown(name string, err error) {
    t.send(fmt.Sprintf("provider %s is down: %v", name, err))
}

func (t *Telegram) Heartbeat(stats map[string]any) {
    parts := make([]string, 0, len(stats))
    for k, v := range stats {
        parts = append(parts, fmt.Sprintf("%s=%v", k, v))
    }
    t.send("heartbeat: " + strings.Join(parts, " "))
}

func (t *Telegram) send(text string) {
    if t == nil { return }
    go func() {
        ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        defer cancel()
        endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
        form := url.Values{"chat_id": {t.chatID}, "text": {text}}
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
        if err != nil { return }
        req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
        resp, err := t.client.Do(ctx, req)
        if err != nil {
            log.Printf("notify: telegram send: %v", err)
            return
        }
        defer resp.Body.Close()
        io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
        if resp.StatusCode != http.StatusOK {
            log.Printf("notify: telegram send -> %d", resp.StatusCode)
        }
    }()
}
