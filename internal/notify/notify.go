// Package notify is the fire-and-forget announcement sink. Trading
// events are reported to a human in natural language; delivery is best
// effort and failures never propagate into the trading loop.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxLength is the short-message limit of the delivery channel.
// Longer texts are dropped, not truncated.
const DefaultMaxLength = 140

// Notifier announces one dated text to the outside world.
type Notifier interface {
	Announce(date, text string)
}

// WebhookNotifier posts announcements to a Discord-compatible webhook.
type WebhookNotifier struct {
	webhookURL string
	maxLength  int
	client     *http.Client
	enabled    bool
}

// NewWebhookNotifier returns a notifier for the given webhook URL. An
// empty URL disables delivery. maxLength <= 0 selects DefaultMaxLength.
func NewWebhookNotifier(webhookURL string, maxLength int) *WebhookNotifier {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &WebhookNotifier{
		webhookURL: webhookURL,
		maxLength:  maxLength,
		client:     &http.Client{Timeout: 10 * time.Second},
		enabled:    webhookURL != "",
	}
}

func (w *WebhookNotifier) Announce(date, text string) {
	if !w.enabled {
		return
	}
	if len([]rune(text)) > w.maxLength {
		// Over-limit messages are silently dropped.
		return
	}

	payload := map[string]interface{}{
		"content": fmt.Sprintf("%s %s", date, text),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("notify: marshal failed")
		return
	}

	resp, err := w.client.Post(w.webhookURL, "application/json", bytes.NewBuffer(data))
	if err != nil {
		log.Error().Err(err).Msg("notify: webhook post failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Error().Int("status", resp.StatusCode).Msg("notify: webhook rejected announcement")
	}
}

// Announcement is one captured message.
type Announcement struct {
	Date string
	Text string
}

// MemoryNotifier records announcements for inspection in tests.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Announcement
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (m *MemoryNotifier) Announce(date, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Announcement{Date: date, Text: text})
}

// Sent returns a copy of everything announced so far.
func (m *MemoryNotifier) Sent() []Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Announcement, len(m.sent))
	copy(out, m.sent)
	return out
}
