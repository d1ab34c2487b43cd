// Package provider routes generation requests to interchangeable backends.
//
// Backends advertise one or more capabilities (text generation, image
// description, speech synthesis) and implement the matching interface. The
// Router keeps an ordered failover chain per capability and falls back to a
// synthetic tone when every speech backend fails.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Capability names a kind of generation.
type Capability string

const (
	TextGen Capability = "TEXT_GEN"
	Vision  Capability = "VISION"
	Speech  Capability = "SPEECH"
)

// Capabilities lists every capability in display order.
var Capabilities = []Capability{TextGen, Vision, Speech}

// ParseCapability accepts the canonical names case-insensitively, plus the
// short aliases "text" and "tts".
func ParseCapability(s string) (Capability, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TEXT_GEN", "TEXT", "TEXTGEN":
		return TextGen, nil
	case "VISION":
		return Vision, nil
	case "SPEECH", "TTS":
		return Speech, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Provider is implemented by every backend.
type Provider interface {
	ID() string
	Capabilities() []Capability
}

// Message is one chat message. Role is "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextRequest asks for a completion.
type TextRequest struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	// Temperature is left to the backend default when nil.
	Temperature *float64
	// JSON asks the backend for a JSON object response where supported.
	JSON bool
}

// VisionRequest asks for a description of an image.
type VisionRequest struct {
	Image    []byte
	MimeType string
	Prompt   string
}

// SpeechRequest asks for spoken audio of Text.
type SpeechRequest struct {
	Text  string
	Voice string
}

// Audio is synthesized speech.
type Audio struct {
	Data     []byte
	MimeType string
	// Provider is the id of the backend that produced Data.
	Provider string
	// Synthetic marks the placeholder tone produced when no backend succeeded.
	Synthetic bool
}

type TextGenerator interface {
	Provider
	GenerateText(ctx context.Context, req TextRequest) (string, error)
}

type VisionAnalyzer interface {
	Provider
	DescribeImage(ctx context.Context, req VisionRequest) (string, error)
}

type SpeechSynthesizer interface {
	Provider
	Synthesize(ctx context.Context, req SpeechRequest) (Audio, error)
}

// Result is the outcome of a routed call. Text is set for text and vision
// calls; Audio for speech.
type Result struct {
	Provider string
	Text     string
	Audio    Audio
}

// Descriptor describes a registered backend.
type Descriptor struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	// Position is the registration index, which is the fallback order.
	Position int `json:"position"`
}
