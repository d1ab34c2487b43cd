// Package mock provides a configurable in-process backend for tests.
package mock

import (
	"context"
	"sync/atomic"

	"github.com/kalambet/lectern/internal/provider"
)

// Provider implements every capability interface. Each Fn field, when set,
// overrides the default response; call counters are safe to read concurrently.
type Provider struct {
	Name string
	Caps []provider.Capability

	TextFn   func(ctx context.Context, req provider.TextRequest) (string, error)
	VisionFn func(ctx context.Context, req provider.VisionRequest) (string, error)
	SpeechFn func(ctx context.Context, req provider.SpeechRequest) (provider.Audio, error)

	textCalls   atomic.Int64
	visionCalls atomic.Int64
	speechCalls atomic.Int64
}

// New returns a Provider named id serving caps. Without caps it serves all three.
func New(id string, caps ...provider.Capability) *Provider {
	if len(caps) == 0 {
		caps = provider.Capabilities
	}
	return &Provider{Name: id, Caps: caps}
}

func (p *Provider) ID() string                          { return p.Name }
func (p *Provider) Capabilities() []provider.Capability { return p.Caps }

func (p *Provider) GenerateText(ctx context.Context, req provider.TextRequest) (string, error) {
	p.textCalls.Add(1)
	if p.TextFn != nil {
		return p.TextFn(ctx, req)
	}
	return "text from " + p.Name, nil
}

func (p *Provider) DescribeImage(ctx context.Context, req provider.VisionRequest) (string, error) {
	p.visionCalls.Add(1)
	if p.VisionFn != nil {
		return p.VisionFn(ctx, req)
	}
	return "an image described by " + p.Name, nil
}

func (p *Provider) Synthesize(ctx context.Context, req provider.SpeechRequest) (provider.Audio, error) {
	p.speechCalls.Add(1)
	if p.SpeechFn != nil {
		return p.SpeechFn(ctx, req)
	}
	return provider.Audio{Data: []byte(p.Name + ":" + req.Text), MimeType: "audio/mpeg"}, nil
}

func (p *Provider) TextCalls() int64   { return p.textCalls.Load() }
func (p *Provider) VisionCalls() int64 { return p.visionCalls.Load() }
func (p *Provider) SpeechCalls() int64 { return p.speechCalls.Load() }

// Calls returns the total number of calls across capabilities.
func (p *Provider) Calls() int64 {
	return p.TextCalls() + p.VisionCalls() + p.SpeechCalls()
}
