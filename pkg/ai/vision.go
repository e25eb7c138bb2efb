// Package ai holds the clients for the vision-language models that read
// prescription and medicine-bag photos.
package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Image is one inline picture sent alongside the prompt.
type Image struct {
	MIMEType string
	Data     []byte
}

// NewImage sniffs the MIME type of data, defaulting to JPEG.
func NewImage(data []byte) Image {
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return Image{MIMEType: mime, Data: data}
}

func (img Image) base64() string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

func (img Image) dataURL() string {
	return "data:" + img.MIMEType + ";base64," + img.base64()
}

// VisionGenerator answers a text instruction about one image.
// Gemini, Ollama and OpenAI-compatible clients implement it.
type VisionGenerator interface {
	GenerateFromImage(ctx context.Context, prompt string, img Image) (string, error)
}

// Provider settings for NewVisionGenerator.
type ProviderConfig struct {
	// Provider is gemini, openai-compat or ollama.
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// NewVisionGenerator returns the configured client. A Gemini provider without
// an API key yields nil, which callers treat as "scanning unavailable".
func NewVisionGenerator(cfg ProviderConfig) (VisionGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "gemini":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, nil
		}
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		if cfg.BaseURL != "" {
			client.baseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		return NewGeminiGenerator(client, cfg.Model), nil
	case "openai-compat":
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "ollama":
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
}
