package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/lectern/internal/slide"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error","code":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

// use points the package-level client factory at ts for the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

func runCmd(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.Execute()
}

func writeDeck(t *testing.T, deck []slide.Slide) string {
	t.Helper()
	data, err := json.Marshal(deck)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "deck.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var ctx = context.Background()

var testDeck = []slide.Slide{
	{ID: "d-1", Ordinal: 1, TotalCount: 2, Title: "Intro", SourceAssetHash: "d"},
	{ID: "d-2", Ordinal: 2, TotalCount: 2, Title: "Wind", BodyText: "Turbines.", SourceAssetHash: "d"},
}

func TestNarrateCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /narrate": `{"narrationText":"Here we see wind.","audioRef":"abc","slideId":"d-2","generatedBy":"openai"}`,
	})
	ts.use(t)

	if err := runCmd(t, "narrate", "--deck", writeDeck(t, testDeck), "--slide", "2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.last(t)
	if r.Method != "POST" || r.Path != "/narrate" {
		t.Errorf("request = %s %s, want POST /narrate", r.Method, r.Path)
	}
	var body struct {
		Slide slide.Slide `json:"slide"`
	}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Slide.ID != "d-2" || body.Slide.Title != "Wind" {
		t.Errorf("sent slide = %+v, want d-2", body.Slide)
	}
}

func TestNarrateCommand_UnknownSlide(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	err := runCmd(t, "narrate", "--deck", writeDeck(t, testDeck), "--slide", "9")
	if err == nil || !strings.Contains(err.Error(), "ordinal 9") {
		t.Fatalf("expected ordinal error, got %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("no request expected, got %d", len(ts.requests))
	}
}

func TestAdvanceCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /presentation/advance": `{"scheduled":[{"slideId":"d-2","priority":"HIGH"}]}`,
	})
	ts.use(t)

	if err := runCmd(t, "advance", "--deck", writeDeck(t, testDeck), "--index", "0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["currentIndex"] != float64(0) {
		t.Errorf("currentIndex = %v, want 0", body["currentIndex"])
	}
	if slides, _ := body["slides"].([]any); len(slides) != 2 {
		t.Errorf("slides = %v, want 2 entries", body["slides"])
	}
}

func TestAskCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /conversation/chat": `{"message":"Blades matter.","intent":"QUESTION","confidence":0.8,"relevantSlides":[{"slideOrdinal":2,"score":0.9}]}`,
	})
	ts.use(t)

	if err := runCmd(t, "ask", "--session", "s1", "--audio", "why", "blades?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
		Options   struct {
			GenerateAudio bool `json:"generateAudio"`
		} `json:"options"`
	}
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatal(err)
	}
	if body.SessionID != "s1" || body.Message != "why blades?" || !body.Options.GenerateAudio {
		t.Errorf("unexpected chat body %+v", body)
	}
}

func TestAskCommand_ProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"all providers failed","type":"api_error","code":"provider_failure"},"message":"Sorry, try again."}`))
	}))
	t.Cleanup(srv.Close)
	ts := &testServer{server: srv}
	ts.use(t)

	err := runCmd(t, "ask", "--session", "s1", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"502", "all providers failed", "Sorry, try again."} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should contain %q", err.Error(), want)
		}
	}
}

func TestSessionInitCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /conversation/session/init": `{"sessionId":"gen-1","slideCount":2}`,
	})
	ts.use(t)

	if err := runCmd(t, "session", "init", "--deck", writeDeck(t, testDeck)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.last(t).Body, `"bodyText":"Turbines."`) {
		t.Errorf("deck not sent: %s", ts.last(t).Body)
	}
}

func TestAnalyticsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /conversation/session/s1/analytics": `{"sessionId":"s1","turnCount":2}`,
		"GET /conversation/session/s1/history":   `[]`,
	})
	ts.use(t)

	if err := runCmd(t, "analytics", "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := ts.last(t).Path; p != "/conversation/session/s1/analytics" {
		t.Errorf("path = %q", p)
	}

	if err := runCmd(t, "analytics", "s1", "--history"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := ts.last(t).Path; p != "/conversation/session/s1/history" {
		t.Errorf("path = %q", p)
	}
}

func TestAnalyticsCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.use(t)

	err := runCmd(t, "analytics", "ghost", "--history=false")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestCleanupCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /cleanup": `{"removed":3,"audioRemoved":2,"sessionsRemoved":1,"jobsRemoved":0}`,
	})
	ts.use(t)

	if err := runCmd(t, "cleanup", "--expired"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body := ts.last(t).Body; body != `{"expiredOnly":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestProvidersUse(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /providers/speech/active": `{"capability":"speech","active":"deepgram","order":["deepgram","openai"]}`,
	})
	ts.use(t)

	if err := setActiveProvider(ctx, "speech", "deepgram"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.last(t)
	if r.Method != "PUT" || r.Body != `{"id":"deepgram"}` {
		t.Errorf("request = %s %s", r.Method, r.Body)
	}
}

func TestProvidersList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /providers": `{"providers":[{"id":"openai","capabilities":["text","speech"],"position":0}],"capabilities":[{"capability":"text","active":"openai","order":["openai"]}]}`,
	})
	ts.use(t)

	if err := runCmd(t, "providers", "list"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/healthz")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusInternalServerError)
	rec.WriteString("boom")

	err := decodeJSON(rec.Result(), &struct{}{})
	if err == nil || err.Error() != "server returned 500: boom" {
		t.Fatalf("err = %v", err)
	}
}

func TestReadDeck_Errors(t *testing.T) {
	if _, err := readDeck(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := readDeck(writeDeck(t, nil)); err == nil {
		t.Error("expected error for empty deck")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{0, 100, "0"},
		{42, 100, "42"},
		{100, 100, "100+"},
	}
	for _, tt := range tests {
		if got := countLabel(tt.count, tt.limit); got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}
