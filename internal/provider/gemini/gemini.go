// Package gemini calls the Google Generative Language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1"

type Client struct {
	baseURL string
	client  *http.Client
}

func New(httpClient *http.Client) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		client:  httpClient,
	}
}

// NewWithBaseURL points the client at a different endpoint. Used in tests.
func NewWithBaseURL(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: baseURL,
		client:  httpClient,
	}
}

func (c *Client) Name() string {
	return "gemini"
}

func (c *Client) Generate(ctx context.Context, cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
	model := cred.Model
	if model == "" {
		model = req.Model
	}

	payload := toGeminiRequest(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return &provider.Outcome{Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, cred.UpstreamKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &provider.Outcome{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &provider.Outcome{Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &provider.Outcome{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	outcome := &provider.Outcome{StatusCode: resp.StatusCode, Body: respBody}
	if resp.StatusCode != http.StatusOK {
		return outcome
	}

	text, err := extractText(respBody)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Text = text

	return outcome
}

type geminiRequest struct {
	Contents         []geminiContent   `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func toGeminiRequest(req domain.ChatRequest) geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		contents = append(contents, geminiContent{
			Role:  m.Role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	out := geminiRequest{Contents: contents}
	if req.Temperature != nil || req.MaxTokens != nil {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return out
}

func extractText(body []byte) (string, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("response contains no candidates")
	}

	return resp.Candidates[0].Content.Parts[0].Text, nil
}
