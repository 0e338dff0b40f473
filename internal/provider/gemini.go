package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GeminiClient struct {
	client *genai.Client
	model  string
}

func NewGeminiClient(apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = "gemini-1.5-pro-latest"
	}

	return &GeminiClient{client: client, model: model}, nil
}

var _ Client = (*GeminiClient)(nil)

func (c *GeminiClient) Name() string {
	return "gemini"
}

// buildChat splits the message list into the system instruction, chat
// history, and the final user message Gemini sends separately.
func (c *GeminiClient) buildChat(req Request) (*genai.ChatSession, string, string) {
	model := req.Params.Model
	if model == "" {
		model = c.model
	}

	geminiModel := c.client.GenerativeModel(model)
	if req.Params.Temperature != nil {
		geminiModel.SetTemperature(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		geminiModel.SetTopP(*req.Params.TopP)
	}
	if req.Params.MaxTokens > 0 {
		geminiModel.SetMaxOutputTokens(int32(req.Params.MaxTokens))
	}
	if len(req.Params.Stop) > 0 {
		geminiModel.StopSequences = req.Params.Stop
	}

	messages := req.Messages
	if len(messages) > 0 && messages[0].Role == "system" {
		geminiModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(messages[0].Content)},
		}
		messages = messages[1:]
	}

	cs := geminiModel.StartChat()
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
		for _, m := range messages[:len(messages)-1] {
			role := "user"
			if m.Role == "assistant" {
				role = "model"
			}
			cs.History = append(cs.History, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}
	}
	return cs, last, model
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	cs, last, model := c.buildChat(req)

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return nil, c.classifyError(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, &Error{Kind: KindUnknown, Provider: c.Name(), Err: fmt.Errorf("no candidates returned")}
	}

	completion := &Completion{Model: model}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			completion.Text += string(text)
		}
	}
	if resp.UsageMetadata != nil {
		completion.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		completion.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return completion, nil
}

func (c *GeminiClient) Stream(ctx context.Context, req Request, fn func(Chunk) error) (*Completion, error) {
	cs, last, model := c.buildChat(req)

	iter := cs.SendMessageStream(ctx, genai.Text(last))
	completion := &Completion{Model: model}
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, c.classifyError(err)
		}
		if resp.UsageMetadata != nil {
			completion.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
			completion.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			text, ok := part.(genai.Text)
			if !ok || text == "" {
				continue
			}
			completion.Text += string(text)
			if err := fn(Chunk{Text: string(text)}); err != nil {
				return nil, err
			}
		}
	}
	return completion, nil
}

func (c *GeminiClient) classifyError(err error) *Error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &Error{Kind: classifyStatus(apiErr.Code), Provider: c.Name(), Err: err}
	}
	return classify(c.Name(), err)
}

// Close releases the underlying API connection.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}
