package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/realworldbuilder/momentary/internal/config"
)

// DeepgramClient transcribes prerecorded audio clips through the Deepgram
// listen endpoint. Moment clips are short and complete, so the batch API fits
// better than a streaming session.
type DeepgramClient struct {
	cfg        config.Transcribe
	httpClient *http.Client
}

func NewDeepgramClient(cfg config.Transcribe) *DeepgramClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &DeepgramClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *DeepgramClient) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return Result{}, errors.New("deepgram API key is not configured")
	}
	if len(audio) == 0 {
		return Result{}, errors.New("audio payload is empty")
	}

	listenURL, err := c.buildListenURL()
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, listenURL, bytes.NewReader(audio))
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to build transcription request")
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "audio/wav")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "transcription request failed")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to read transcription response")
	}
	if res.StatusCode != http.StatusOK {
		return Result{}, errors.Errorf("deepgram returned status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var response deepgramResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return Result{}, errors.Wrap(err, "failed to parse transcription response")
	}

	text, confidence := extractAlternative(response)
	if text == "" {
		return Result{}, errors.New("deepgram returned no transcript")
	}
	return Result{Text: text, Confidence: confidence}, nil
}

func (c *DeepgramClient) buildListenURL() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", errors.Wrap(err, "invalid deepgram base URL")
	}

	query := listenURL.Query()
	query.Set("model", c.cfg.Model)
	query.Set("smart_format", "true")
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractAlternative(response deepgramResponse) (string, float64) {
	if len(response.Results.Channels) == 0 {
		return "", 0
	}
	alternatives := response.Results.Channels[0].Alternatives
	if len(alternatives) == 0 {
		return "", 0
	}
	return strings.TrimSpace(alternatives[0].Transcript), alternatives[0].Confidence
}
