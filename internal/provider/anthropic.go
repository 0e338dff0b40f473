package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultAnthropicMaxTokens = 4096

type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}

	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.anthropic.com/v1/messages",
		client:  &http.Client{},
	}, nil
}

var _ Client = (*AnthropicClient)(nil)

func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// SetBaseURL allows overriding the API endpoint (useful for tests)
func (c *AnthropicClient) SetBaseURL(url string) {
	c.baseURL = url
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   anthropicUsage          `json:"usage"`
	Error   *anthropicError         `json:"error,omitempty"`
}

func (c *AnthropicClient) buildRequest(req Request, stream bool) anthropicRequest {
	model := req.Params.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	out := anthropicRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		StopSequences: req.Params.Stop,
		Stream:        stream,
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			out.System = m.Content
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (c *AnthropicClient) send(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Provider: c.Name(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Provider: c.Name(), Err: err}
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(c.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &Error{
			Kind:     classifyStatus(resp.StatusCode),
			Provider: c.Name(),
			Err:      fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(respBody)),
		}
	}
	return resp, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	body := c.buildRequest(req, false)
	resp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(c.Name(), err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &Error{Kind: KindUnknown, Provider: c.Name(), Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &Error{Kind: KindUnknown, Provider: c.Name(), Err: errors.New(parsed.Error.Message)}
	}

	completion := &Completion{
		TokensIn:  parsed.Usage.InputTokens,
		TokensOut: parsed.Usage.OutputTokens,
		Model:     body.Model,
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			completion.Text += block.Text
		}
	}
	return completion, nil
}

// streamEvent is the subset of SSE payloads the accumulator needs.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage anthropicUsage  `json:"usage"`
	Error *anthropicError `json:"error,omitempty"`
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request, fn func(Chunk) error) (*Completion, error) {
	body := c.buildRequest(req, true)
	resp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	completion := &Completion{Model: body.Model}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		switch event.Type {
		case "message_start":
			completion.TokensIn = event.Message.Usage.InputTokens
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			completion.Text += event.Delta.Text
			if err := fn(Chunk{Text: event.Delta.Text}); err != nil {
				return nil, err
			}
		case "message_delta":
			completion.TokensOut = event.Usage.OutputTokens
		case "error":
			if event.Error != nil {
				return nil, &Error{Kind: KindUnknown, Provider: c.Name(), Err: errors.New(event.Error.Message)}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classify(c.Name(), err)
	}
	return completion, nil
}
