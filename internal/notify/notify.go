// Package notify sends messages to users and produces reply text.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	LinePushURL = "https://api.line.me/v2/bot/message/push"
	pushTimeout = 5 * time.Second
)

// Message is one chat message. Only text messages are sent.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func Text(s string) Message { return Message{Type: "text", Text: s} }

// Notifier delivers messages to a user.
type Notifier interface {
	Push(ctx context.Context, to string, messages ...Message) error
}

// LinePusher posts to the LINE Messaging API push endpoint.
type LinePusher struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

func NewLinePusher(token string) *LinePusher {
	return &LinePusher{
		URL:        LinePushURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: pushTimeout},
	}
}

type pushPayload struct {
	To       string    `json:"to"`
	Messages []Message `json:"messages"`
}

func (p *LinePusher) Push(ctx context.Context, to string, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}
	body, err := json.Marshal(pushPayload{To: to, Messages: messages})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.Token)

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// LogNotifier writes messages to the log instead of sending them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Push(_ context.Context, to string, messages ...Message) error {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	for _, m := range messages {
		log.Info("notify", "to", to, "text", m.Text)
	}
	return nil
}

// ReplyGenerator produces the reply body for a user prompt.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, prompt string) (string, error)
}

var ErrEmptyReply = errors.New("reply generator returned no text")

// HTTPReplyGenerator posts {"prompt": ...} and expects {"text": ...}.
type HTTPReplyGenerator struct {
	URL        string
	HTTPClient *http.Client
}

func NewHTTPReplyGenerator(url string) *HTTPReplyGenerator {
	return &HTTPReplyGenerator{URL: url, HTTPClient: &http.Client{Timeout: 60 * time.Second}}
}

func (g *HTTPReplyGenerator) GenerateReply(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate reply: status %d", resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("generate reply: decode: %w", err)
	}
	if out.Text == "" {
		return "", ErrEmptyReply
	}
	return out.Text, nil
}

// StaticReplyGenerator always answers with Text.
type StaticReplyGenerator struct {
	Text string
}

func (g StaticReplyGenerator) GenerateReply(context.Context, string) (string, error) {
	if g.Text == "" {
		return "", ErrEmptyReply
	}
	return g.Text, nil
}
