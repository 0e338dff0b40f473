package provider

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"github.com/ollama/ollama/api"
)

type OllamaClient struct {
	client *api.Client
	model  string
}

func NewOllamaClient(model string) (*OllamaClient, error) {
	if model == "" {
		model = "llama3.2"
	}

	baseURL := "http://localhost:11434"
	if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
		baseURL = envURL
	}
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	return &OllamaClient{
		client: api.NewClient(uri, http.DefaultClient),
		model:  model,
	}, nil
}

var _ Client = (*OllamaClient)(nil)

func (c *OllamaClient) Name() string {
	return "ollama"
}

func (c *OllamaClient) buildRequest(req Request, stream bool) *api.ChatRequest {
	var apiMsgs []api.Message
	for _, m := range req.Messages {
		apiMsgs = append(apiMsgs, api.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	model := req.Params.Model
	if model == "" {
		model = c.model
	}

	options := map[string]interface{}{}
	if req.Params.Temperature != nil {
		options["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		options["top_p"] = *req.Params.TopP
	}
	if req.Params.MaxTokens > 0 {
		options["num_predict"] = req.Params.MaxTokens
	}
	if len(req.Params.Stop) > 0 {
		options["stop"] = req.Params.Stop
	}

	streamFlag := stream
	return &api.ChatRequest{
		Model:    model,
		Messages: apiMsgs,
		Stream:   &streamFlag,
		Options:  options,
	}
}

func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	return c.run(ctx, c.buildRequest(req, false), nil)
}

func (c *OllamaClient) Stream(ctx context.Context, req Request, fn func(Chunk) error) (*Completion, error) {
	return c.run(ctx, c.buildRequest(req, true), fn)
}

func (c *OllamaClient) run(ctx context.Context, chatReq *api.ChatRequest, fn func(Chunk) error) (*Completion, error) {
	completion := &Completion{Model: chatReq.Model}
	var text string

	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			text += resp.Message.Content
			if fn != nil {
				if err := fn(Chunk{Text: resp.Message.Content}); err != nil {
					return err
				}
			}
		}
		if resp.Done {
			completion.TokensIn = resp.PromptEvalCount
			completion.TokensOut = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, classify(c.Name(), err)
	}

	completion.Text = text
	return completion, nil
}
