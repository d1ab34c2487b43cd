// Package deepgram implements speech synthesis on the Deepgram REST speak API.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kalambet/lectern/internal/provider"
)

const (
	ID = "deepgram"

	defaultBaseURL = "https://api.deepgram.com/v1"
	defaultModel   = "aura-asteria-en"
	maxAudioBytes  = 32 << 20
)

// Client synthesizes speech with POST /v1/speak.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Client. An empty model selects aura-asteria-en.
func New(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: &http.Client{},
	}
}

// NewWithBaseURL creates a client pointing at a custom base URL.
func NewWithBaseURL(apiKey, model, baseURL string) *Client {
	c := New(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) ID() string                          { return ID }
func (c *Client) Capabilities() []provider.Capability { return []provider.Capability{provider.Speech} }

// Synthesize implements provider.SpeechSynthesizer. A non-empty req.Voice
// overrides the configured model, since Deepgram voices are models.
func (c *Client) Synthesize(ctx context.Context, req provider.SpeechRequest) (provider.Audio, error) {
	model := c.model
	if req.Voice != "" && strings.HasPrefix(req.Voice, "aura") {
		model = req.Voice
	}

	body, err := json.Marshal(map[string]string{"text": req.Text})
	if err != nil {
		return provider.Audio{}, err
	}

	endpoint := c.baseURL + "/speak?model=" + url.QueryEscape(model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.Audio{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return provider.Audio{}, fmt.Errorf("deepgram: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return provider.Audio{}, fmt.Errorf("deepgram: %s - %s", resp.Status, string(msg))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return provider.Audio{}, fmt.Errorf("deepgram: reading audio: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/mpeg"
	}
	return provider.Audio{Data: data, MimeType: mime}, nil
}
