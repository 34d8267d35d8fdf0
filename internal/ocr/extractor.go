package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Extractor reads the text off an image.
type Extractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, image []byte) (string, error)

func (f ExtractorFunc) ExtractText(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}

var ErrNoEndpoint = errors.New("ocr: no endpoint configured")

// HTTPExtractor posts the raw image to an OCR service that answers
// {"text": "..."}.
type HTTPExtractor struct {
	URL    string
	Client *http.Client
}

func NewHTTPExtractor(url string) *HTTPExtractor {
	return &HTTPExtractor{URL: url, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPExtractor) ExtractText(ctx context.Context, image []byte) (string, error) {
	if e.URL == "" {
		return "", ErrNoEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(image))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := e.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ocr: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("ocr: decode response: %w", err)
	}
	return out.Text, nil
}
