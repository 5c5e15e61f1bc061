// Package bedrock calls AWS Bedrock runtime as a second provider family.
// Credentials of this family carry the AWS region; the upstream key selects
// the model profile, auth comes from the ambient AWS credential chain.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/provider"
)

type Client struct {
	cfg aws.Config

	mu      sync.Mutex
	clients map[string]*bedrockruntime.Client
}

func New(cfg aws.Config) *Client {
	return &Client{
		cfg:     cfg,
		clients: make(map[string]*bedrockruntime.Client),
	}
}

func (c *Client) Name() string {
	return "bedrock"
}

func (c *Client) forRegion(region string) *bedrockruntime.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[region]; ok {
		return client
	}

	cfg := c.cfg.Copy()
	cfg.Region = region
	client := bedrockruntime.NewFromConfig(cfg)
	c.clients[region] = client
	return client
}

func (c *Client) Generate(ctx context.Context, cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return &provider.Outcome{Err: fmt.Errorf("marshal request: %w", err)}
	}

	model := cred.Model
	if model == "" {
		model = req.Model
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := c.forRegion(cred.Region).InvokeModel(ctx, input)
	if err != nil {
		return classifyError(err)
	}

	text, err := extractText(output.Body)
	if err != nil {
		return &provider.Outcome{StatusCode: http.StatusOK, Body: output.Body, Err: err}
	}

	return &provider.Outcome{
		StatusCode: http.StatusOK,
		Body:       output.Body,
		Text:       text,
	}
}

// classifyError maps SDK failures onto the status codes the router's
// failover classification understands.
func classifyError(err error) *provider.Outcome {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return &provider.Outcome{
			StatusCode: http.StatusTooManyRequests,
			Body:       errorBody(throttled.ErrorMessage()),
		}
	}

	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return &provider.Outcome{
			StatusCode: http.StatusForbidden,
			Body:       errorBody(denied.ErrorMessage()),
		}
	}

	return &provider.Outcome{Err: fmt.Errorf("invoke model: %w", err)}
}

func errorBody(message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message},
	})
	return body
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func toBedrockRequest(req domain.ChatRequest) bedrockRequest {
	var systemPrompt string
	var messages []bedrockMessage

	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		if m.Role == "system" {
			systemPrompt = m.Content
			continue
		}
		messages = append(messages, bedrockMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           systemPrompt,
		Temperature:      req.Temperature,
	}
}

func extractText(body []byte) (string, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("response contains no text content")
	}

	return text, nil
}
