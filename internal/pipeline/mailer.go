package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
)

// Mail is one outbound notification message. Attachments are URLs of stored
// artifacts; the relay service inlines them.
type Mail struct {
	To          string   `json:"to"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

// Mailer delivers conversation notifications.
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// HTTPMailer posts messages to a mail relay service.
type HTTPMailer struct {
	url    string
	apiKey string
	from   string
	client *http.Client
}

func NewHTTPMailer(url, apiKey, from string, poolSize int) *HTTPMailer {
	return &HTTPMailer{
		url:    url,
		apiKey: apiKey,
		from:   from,
		client: NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

func (m *HTTPMailer) Send(ctx context.Context, mail Mail) error {
	body, err := json.Marshal(struct {
		Mail
		From string `json:"from"`
	}{Mail: mail, From: m.from})
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("notification", "http").Inc()
		return fmt.Errorf("send mail to %s: %w", mail.To, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		metrics.Errors.WithLabelValues("notification", "status").Inc()
		return fmt.Errorf("send mail to %s: status %d", mail.To, resp.StatusCode)
	}
	return nil
}
