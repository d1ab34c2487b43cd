// Package openai implements text generation, image description and speech
// synthesis on the OpenAI API.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/kalambet/lectern/internal/provider"
)

const (
	ID = "openai"

	defaultSpeechModel = "tts-1"
	defaultVoice       = "alloy"
	maxAudioBytes      = 32 << 20
)

// Provider talks to OpenAI through the official SDK.
type Provider struct {
	client      oai.Client
	model       string
	speechModel string
	voice       string
	caps        []provider.Capability
}

type config struct {
	baseURL     string
	timeout     time.Duration
	speechModel string
	voice       string
	maxRetries  int
	noSpeech    bool
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithSpeech sets the speech model and voice.
func WithSpeech(model, voice string) Option {
	return func(c *config) {
		c.speechModel = model
		c.voice = voice
	}
}

// WithoutSpeech drops the SPEECH capability, for endpoints that only serve chat.
func WithoutSpeech() Option {
	return func(c *config) { c.noSpeech = true }
}

// WithMaxRetries sets the SDK retry count for transient errors. The router
// already falls back across providers, so the default is 1.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a Provider for the given chat model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{maxRetries: 1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speechModel == "" {
		cfg.speechModel = defaultSpeechModel
	}
	if cfg.voice == "" {
		cfg.voice = defaultVoice
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	caps := []provider.Capability{provider.TextGen}
	if supportsVision(model) {
		caps = append(caps, provider.Vision)
	}
	if !cfg.noSpeech {
		caps = append(caps, provider.Speech)
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		speechModel: cfg.speechModel,
		voice:       cfg.voice,
		caps:        caps,
	}, nil
}

func (p *Provider) ID() string                          { return ID }
func (p *Provider) Capabilities() []provider.Capability { return p.caps }

// supportsVision reports whether model accepts image inputs.
func supportsVision(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range []string{"gpt-4o", "gpt-4-turbo", "gpt-4.1", "o1", "o3", "o4"} {
		if strings.HasPrefix(lower, prefix) {
			return !strings.HasPrefix(lower, "o1-mini") && !strings.HasPrefix(lower, "o3-mini")
		}
	}
	return false
}

// GenerateText implements provider.TextGenerator.
func (p *Provider) GenerateText(ctx context.Context, req provider.TextRequest) (string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", fmt.Errorf("openai: build params: %w", err)
	}
	return p.complete(ctx, params)
}

// DescribeImage implements provider.VisionAnalyzer. The image travels inline
// as a data URL.
func (p *Provider) DescribeImage(ctx context.Context, req provider.VisionRequest) (string, error) {
	mime := req.MimeType
	if mime == "" {
		mime = "image/png"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	prompt := req.Prompt
	if prompt == "" {
		prompt = "Describe this presentation slide."
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(prompt),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
	}
	return p.complete(ctx, params)
}

func (p *Provider) complete(ctx context.Context, params oai.ChatCompletionNewParams) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Synthesize implements provider.SpeechSynthesizer. Output is MP3.
func (p *Provider) Synthesize(ctx context.Context, req provider.SpeechRequest) (provider.Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(p.speechModel),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return provider.Audio{}, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return provider.Audio{}, fmt.Errorf("openai: reading speech: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = "audio/mpeg"
	}
	return provider.Audio{Data: data, MimeType: mime}, nil
}

func (p *Provider) buildParams(req provider.TextRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

func convertMessage(m provider.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
