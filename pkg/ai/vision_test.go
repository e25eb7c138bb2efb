package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestNewImageSniffsType(t *testing.T) {
	if got := NewImage(pngHeader).MIMEType; got != "image/png" {
		t.Fatalf("png mime = %q", got)
	}
	if got := NewImage([]byte("plain bytes")).MIMEType; got != "image/jpeg" {
		t.Fatalf("fallback mime = %q", got)
	}
}

func TestGeminiGenerateFromImage(t *testing.T) {
	var gotPath, gotKey string
	var body generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"[{\"name\":"},{"text":"\"A\"}]"}]}}]}`))
	}))
	defer srv.Close()

	gen, err := NewVisionGenerator(ProviderConfig{Provider: "gemini", APIKey: "k1", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	out, err := gen.GenerateFromImage(context.Background(), "read this", NewImage(pngHeader))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `[{"name":"A"}]` {
		t.Fatalf("output = %q", out)
	}
	if gotPath != "/models/gemini-2.5-flash:generateContent" || gotKey != "k1" {
		t.Fatalf("path = %q key = %q", gotPath, gotKey)
	}
	parts := body.Contents[0].Parts
	if len(parts) != 2 || parts[0].Text != "read this" || parts[1].InlineData == nil {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].InlineData.MIMEType != "image/png" || parts[1].InlineData.Data != base64.StdEncoding.EncodeToString(pngHeader) {
		t.Fatalf("inline data = %+v", parts[1].InlineData)
	}
}

func TestGeminiAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
	}))
	defer srv.Close()

	gen, _ := NewVisionGenerator(ProviderConfig{APIKey: "bad", BaseURL: srv.URL})
	_, err := gen.GenerateFromImage(context.Background(), "x", NewImage(pngHeader))
	if err == nil || !strings.Contains(err.Error(), "API key not valid") {
		t.Fatalf("err = %v", err)
	}
}

func TestGeminiWithoutKeyIsNil(t *testing.T) {
	gen, err := NewVisionGenerator(ProviderConfig{Provider: "gemini"})
	if err != nil || gen != nil {
		t.Fatalf("gen = %v err = %v, want nil nil", gen, err)
	}
}

func TestOpenAICompatSendsDataURL(t *testing.T) {
	var auth string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"name\":\"B\",\"times\":[]}"}}]}`))
	}))
	defer srv.Close()

	gen, err := NewVisionGenerator(ProviderConfig{Provider: "openai-compat", BaseURL: srv.URL + "/v1/", APIKey: "sk", Model: "qwen-vl"})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	out, err := gen.GenerateFromImage(context.Background(), "bag", Image{MIMEType: "image/jpeg", Data: []byte{1, 2}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, `"B"`) || auth != "Bearer sk" {
		t.Fatalf("out = %q auth = %q", out, auth)
	}
	raw, _ := json.Marshal(body)
	if !strings.Contains(string(raw), `"url":"data:image/jpeg;base64,AQI="`) {
		t.Fatalf("request lacks data url: %s", raw)
	}
}

func TestOllamaSendsImages(t *testing.T) {
	var req ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ok"}}`))
	}))
	defer srv.Close()

	gen, _ := NewVisionGenerator(ProviderConfig{Provider: "ollama", BaseURL: srv.URL, Model: "llava"})
	out, err := gen.GenerateFromImage(context.Background(), "p", Image{MIMEType: "image/jpeg", Data: []byte("img")})
	if err != nil || out != "ok" {
		t.Fatalf("out = %q err = %v", out, err)
	}
	if req.Model != "llava" || len(req.Messages) != 1 || len(req.Messages[0].Images) != 1 || req.Stream {
		t.Fatalf("request = %+v", req)
	}
}

func TestOllamaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"llava\" not found"}`))
	}))
	defer srv.Close()
	gen := NewOllamaGenerator(NewOllamaClient(srv.URL), "llava")
	if _, err := gen.GenerateFromImage(context.Background(), "p", Image{}); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestUnknownProvider(t *testing.T) {
	if _, err := NewVisionGenerator(ProviderConfig{Provider: "bard"}); err == nil {
		t.Fatal("expected error")
	}
}
