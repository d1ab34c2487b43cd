package ollama

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kalambet/lectern/internal/provider"
)

const ID = "ollama"

// Provider adapts a Client to the router's capability interfaces. VISION is
// advertised only when a vision model is configured.
type Provider struct {
	client      *Client
	model       string
	visionModel string
}

// New returns a Provider using model for text and visionModel (optional) for
// image description.
func New(c *Client, model, visionModel string) *Provider {
	return &Provider{client: c, model: model, visionModel: visionModel}
}

func (p *Provider) ID() string { return ID }

func (p *Provider) Capabilities() []provider.Capability {
	if p.visionModel != "" {
		return []provider.Capability{provider.TextGen, provider.Vision}
	}
	return []provider.Capability{provider.TextGen}
}

// Client exposes the underlying HTTP client for readiness checks.
func (p *Provider) Client() *Client { return p.client }

// GenerateText implements provider.TextGenerator.
func (p *Provider) GenerateText(ctx context.Context, req provider.TextRequest) (string, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
	}

	var format string
	if req.JSON {
		format = "json"
	}
	var opts *chatOptions
	if req.Temperature != nil || req.MaxTokens > 0 {
		opts = &chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	out, err := p.client.Chat(ctx, p.model, msgs, format, opts)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return out, nil
}

// DescribeImage implements provider.VisionAnalyzer.
func (p *Provider) DescribeImage(ctx context.Context, req provider.VisionRequest) (string, error) {
	if p.visionModel == "" {
		return "", fmt.Errorf("ollama: no vision model configured")
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Describe this presentation slide."
	}
	out, err := p.client.Chat(ctx, p.visionModel, []Message{
		{Role: "user", Content: prompt, Images: []string{encodeImage(req.Image)}},
	}, "", nil)
	if err != nil {
		return "", fmt.Errorf("ollama vision: %w", err)
	}
	return out, nil
}

// EnsureReady checks that Ollama is running and pulls missing models,
// writing progress to w. It then warms the text model so the first narration
// does not pay the cold-load cost.
func EnsureReady(ctx context.Context, p *Provider, w io.Writer) error {
	c := p.client
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}

	models := []string{p.model}
	if p.visionModel != "" {
		models = append(models, p.visionModel)
	}
	for _, model := range models {
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(pp PullProgress) {
			if pp.Total > 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", pp.Status, float64(pp.Completed)/float64(pp.Total)*100)
			} else {
				fmt.Fprintf(w, "  %s\n", pp.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Chat(warmCtx, p.model, []Message{{Role: "user", Content: "ping"}}, "", nil); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", p.model, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", p.model)
	}
	return nil
}
