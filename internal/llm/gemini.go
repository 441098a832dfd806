package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noteloom/noteloom/config"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient implements Provider against the Gemini REST API. The REST API
// is used directly rather than an SDK so safety settings stay under our
// control.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewGeminiClient creates a Gemini-backed Provider.
func NewGeminiClient(cfg config.GeminiConfig, timeout time.Duration) *GeminiClient {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGeminiBaseURL
	}
	return &GeminiClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(base, "/"),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *GeminiClient) Name() string { return "gemini" }

type geminiRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
	SafetySettings []map[string]string `json:"safetySettings,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *GeminiClient) Generate(ctx context.Context, prompt string, maxTokens int) (Result, error) {
	var body geminiRequest
	body.Contents = make([]struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}, 1)
	body.Contents[0].Parts = []struct {
		Text string `json:"text"`
	}{{Text: prompt}}
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body.GenerationConfig.MaxOutputTokens = maxTokens
	// academic material trips the default filters; relax them
	for _, cat := range []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	} {
		body.SafetySettings = append(body.SafetySettings, map[string]string{
			"category": cat, "threshold": "BLOCK_ONLY_HIGH",
		})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("gemini API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if statusTransient(resp.StatusCode) {
			return Result{}, Transient(err)
		}
		return Result{}, err
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return Result{}, fmt.Errorf("gemini returned no candidates")
	}
	var text strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return Result{
		Text:       text.String(),
		Provider:   c.Name(),
		Model:      c.model,
		TokensUsed: out.UsageMetadata.TotalTokenCount,
	}, nil
}

// GenerateStream emits the whole completion once; the Gemini adapter does not
// use the streaming endpoint.
func (c *GeminiClient) GenerateStream(ctx context.Context, prompt string, maxTokens int, emit func(delta string) error) (Result, error) {
	res, err := c.Generate(ctx, prompt, maxTokens)
	if err != nil {
		return Result{}, err
	}
	if err := emit(res.Text); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Embed is not offered by this adapter; embedding traffic always goes through
// the OpenAI embeddings endpoint.
func (c *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("gemini adapter does not support embeddings")
}
