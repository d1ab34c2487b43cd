package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/lectern/internal/provider"
)

func tagsJSON(names ...string) []byte {
	var r tagsResponse
	for _, n := range names {
		r.Models = append(r.Models, struct {
			Name string `json:"name"`
		}{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	c := NewClient(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	srv.Close()
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true after close, want false")
	}
}

func TestHasModel_MatchesWithoutTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "llava:13b"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if !c.HasModel(context.Background(), "llava") {
		t.Error("expected llava to match llava:13b")
	}
	if c.HasModel(context.Background(), "mistral") {
		t.Error("mistral should not be present")
	}
}

func TestGenerateText_RequestShape(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "narration"}})
	}))
	defer srv.Close()

	p := New(NewClient(srv.URL), "llama3.2", "")
	out, err := p.GenerateText(context.Background(), provider.TextRequest{
		SystemPrompt: "sys",
		Messages:     []provider.Message{{Role: "user", Content: "hi"}},
		MaxTokens:    64,
		JSON:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "narration" {
		t.Errorf("out = %q", out)
	}
	if got.Model != "llama3.2" || got.Stream || got.Format != "json" {
		t.Errorf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Options == nil || got.Options.NumPredict != 64 {
		t.Errorf("options = %+v", got.Options)
	}
}

func TestGenerateText_ZeroTemperatureSent(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "ok"}})
	}))
	defer srv.Close()

	zero := 0.0
	p := New(NewClient(srv.URL), "llama3.2", "")
	if _, err := p.GenerateText(context.Background(), provider.TextRequest{
		Messages:    []provider.Message{{Role: "user", Content: "hi"}},
		Temperature: &zero,
	}); err != nil {
		t.Fatal(err)
	}
	opts, _ := raw["options"].(map[string]any)
	if v, ok := opts["temperature"]; !ok || v != 0.0 {
		t.Errorf("options = %v, want temperature 0", raw["options"])
	}
}

func TestDescribeImage_SendsBase64(t *testing.T) {
	img := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "a bar chart"}})
	}))
	defer srv.Close()

	p := New(NewClient(srv.URL), "llama3.2", "llava")
	if len(p.Capabilities()) != 2 {
		t.Fatalf("expected TEXT_GEN and VISION, got %v", p.Capabilities())
	}
	out, err := p.DescribeImage(context.Background(), provider.VisionRequest{Image: img})
	if err != nil {
		t.Fatal(err)
	}
	if out != "a bar chart" || got.Model != "llava" {
		t.Errorf("out=%q model=%q", out, got.Model)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Images) != 1 {
		t.Fatalf("expected one image, got %+v", got.Messages)
	}
	if got.Messages[0].Images[0] != base64.StdEncoding.EncodeToString(img) {
		t.Error("image not base64 encoded")
	}
}

func TestDescribeImage_WithoutVisionModel(t *testing.T) {
	p := New(NewClient("http://127.0.0.1:0"), "llama3.2", "")
	if _, err := p.DescribeImage(context.Background(), provider.VisionRequest{Image: []byte{1}}); err == nil {
		t.Fatal("expected error without vision model")
	}
}

func TestChat_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Chat(context.Background(), "x", nil, "", nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestEnsureReady_PullsMissingModel(t *testing.T) {
	pulled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			if pulled {
				w.Write(tagsJSON("llama3.2:latest"))
			} else {
				w.Write(tagsJSON())
			}
		case "/api/pull":
			pulled = true
			w.Write([]byte(`{"status":"downloading","total":10,"completed":5}` + "\n" + `{"status":"success"}` + "\n"))
		case "/api/chat":
			json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "pong"}})
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := EnsureReady(context.Background(), New(NewClient(srv.URL), "llama3.2", ""), &out); err != nil {
		t.Fatal(err)
	}
	if !pulled {
		t.Error("expected pull")
	}
	if !strings.Contains(out.String(), "downloading 50%") || !strings.Contains(out.String(), "warm") {
		t.Errorf("unexpected progress output:\n%s", out.String())
	}
}

func TestEnsureReady_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	var out bytes.Buffer
	if err := EnsureReady(context.Background(), New(NewClient(srv.URL), "m", ""), &out); err == nil {
		t.Fatal("expected error")
	}
}
