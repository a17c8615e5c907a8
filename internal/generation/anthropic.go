package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/realworldbuilder/momentary/internal/config"
)

const (
	anthropicVersion        = "2023-06-01"
	defaultRateLimitBackoff = 10 * time.Second
)

// AnthropicBackend generates session recaps through the Anthropic messages API.
type AnthropicBackend struct {
	cfg        config.Generation
	httpClient *http.Client
}

func NewAnthropicBackend(cfg config.Generation) *AnthropicBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *AnthropicBackend) Complete(ctx context.Context, system string, user string) (string, error) {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return "", ErrMissingCredential
	}

	reqBody := anthropicRequest{
		Model:     b.cfg.Model,
		MaxTokens: b.cfg.MaxTokens,
		System:    system,
		Messages: []anthropicMessage{
			{Role: "user", Content: user},
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal generation request")
	}

	endpoint := strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", errors.Wrap(err, "failed to build generation request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	res, err := b.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "generation request failed")
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read generation response")
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return "", errors.Wrapf(ErrMissingCredential, "anthropic returned status %d", res.StatusCode)
	case res.StatusCode == http.StatusTooManyRequests:
		return "", &RateLimitError{RetryAfter: retryAfter(res.Header)}
	case res.StatusCode != http.StatusOK:
		return "", errors.Errorf("anthropic returned status %d: %s", res.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var apiRes anthropicResponse
	if err := json.Unmarshal(respBody, &apiRes); err != nil {
		return "", errors.Wrap(err, "failed to parse generation response")
	}

	var text string
	for _, block := range apiRes.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("anthropic returned an empty completion")
	}
	return text, nil
}

func retryAfter(header http.Header) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return defaultRateLimitBackoff
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return defaultRateLimitBackoff
	}
	return time.Duration(seconds) * time.Second
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}
