package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/lectern/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, model string) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New("sk-test", model, WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func chatReply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := New("k", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestCapabilities_ByModel(t *testing.T) {
	p, _ := New("k", "gpt-4o-mini")
	if !hasCap(p.Capabilities(), provider.Vision) || !hasCap(p.Capabilities(), provider.Speech) {
		t.Errorf("gpt-4o-mini caps = %v", p.Capabilities())
	}
	p, _ = New("k", "gpt-3.5-turbo", WithoutSpeech())
	if hasCap(p.Capabilities(), provider.Vision) || hasCap(p.Capabilities(), provider.Speech) {
		t.Errorf("gpt-3.5-turbo caps = %v", p.Capabilities())
	}
}

func hasCap(caps []provider.Capability, c provider.Capability) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}

func TestGenerateText_SendsMessages(t *testing.T) {
	var body map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		chatReply(w, "Wind turbines convert kinetic energy.")
	}, "gpt-4o-mini")

	out, err := p.GenerateText(context.Background(), provider.TextRequest{
		SystemPrompt: "be brief",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "what is wind?"},
		},
		MaxTokens: 200,
		JSON:      true,
	})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if out != "Wind turbines convert kinetic energy." {
		t.Errorf("out = %q", out)
	}

	msgs, _ := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages (system + 3), got %d", len(msgs))
	}
	if body["max_completion_tokens"] != float64(200) {
		t.Errorf("max_completion_tokens = %v", body["max_completion_tokens"])
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v", body["response_format"])
	}
}

func TestGenerateText_UnknownRole(t *testing.T) {
	p, _ := New("k", "gpt-4o")
	_, err := p.GenerateText(context.Background(), provider.TextRequest{
		Messages: []provider.Message{{Role: "tool", Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestGenerateText_ServerError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"quota","type":"rate_limit"}}`)
	}, "gpt-4o-mini")

	if _, err := p.GenerateText(context.Background(), provider.TextRequest{
		Messages: []provider.Message{{Role: "user", Content: "x"}},
	}); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestDescribeImage_SendsDataURL(t *testing.T) {
	var raw string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		chatReply(w, "A chart with three bars.")
	}, "gpt-4o")

	out, err := p.DescribeImage(context.Background(), provider.VisionRequest{
		Image:    []byte{0x89, 'P', 'N', 'G'},
		MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("DescribeImage: %v", err)
	}
	if out != "A chart with three bars." {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(raw, "data:image/png;base64,") {
		t.Error("request does not carry a data URL")
	}
}

func TestSynthesize_ReturnsBytes(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["voice"] != "nova" || req["response_format"] != "mp3" {
			t.Errorf("unexpected request %v", req)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake-mp3"))
	}, "gpt-4o-mini")

	a, err := p.Synthesize(context.Background(), provider.SpeechRequest{Text: "hello", Voice: "nova"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(a.Data) != "ID3fake-mp3" || a.MimeType != "audio/mpeg" {
		t.Errorf("audio = %q (%s)", a.Data, a.MimeType)
	}
}
