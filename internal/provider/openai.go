package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(apiKey, baseURL, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4o
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

var _ Client = (*OpenAIClient)(nil)

func (c *OpenAIClient) Name() string {
	return "openai"
}

func (c *OpenAIClient) buildRequest(req Request) openai.ChatCompletionRequest {
	reqMsgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		reqMsgs[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	model := req.Params.Model
	if model == "" {
		model = c.model
	}

	out := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  reqMsgs,
		MaxTokens: req.Params.MaxTokens,
		Stop:      req.Params.Stop,
	}
	if req.Params.Temperature != nil {
		out.Temperature = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		out.TopP = *req.Params.TopP
	}
	if req.Params.FrequencyPenalty != nil {
		out.FrequencyPenalty = *req.Params.FrequencyPenalty
	}
	if req.Params.PresencePenalty != nil {
		out.PresencePenalty = *req.Params.PresencePenalty
	}
	return out
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, c.classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindUnknown, Provider: c.Name(), Err: fmt.Errorf("no choices returned")}
	}

	return &Completion{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Model:     resp.Model,
	}, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request, fn func(Chunk) error) (*Completion, error) {
	chatReq := c.buildRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, c.classifyError(err)
	}
	defer stream.Close()

	completion := &Completion{Model: chatReq.Model}
	var text string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, c.classifyError(err)
		}
		if resp.Usage != nil {
			completion.TokensIn = resp.Usage.PromptTokens
			completion.TokensOut = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		text += delta
		if err := fn(Chunk{Text: delta}); err != nil {
			return nil, err
		}
	}

	completion.Text = text
	return completion, nil
}

func (c *OpenAIClient) classifyError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: classifyStatus(apiErr.HTTPStatusCode), Provider: c.Name(), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: classifyStatus(reqErr.HTTPStatusCode), Provider: c.Name(), Err: err}
	}
	return classify(c.Name(), err)
}
