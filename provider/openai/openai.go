// Package openai provides a provider.Provider implementation using the
// OpenAI Chat Completions API, including streaming. It adapts deskmesh's
// normalized request shape into the SDK's message format and classifies SDK
// failures for the retry layer.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/provider"
)

// Options configure the OpenAI provider adapter. Fields mirror a minimal
// subset of Chat Completion parameters; extend via functional options.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
	Vision              bool
}

// Provider wraps the OpenAI Chat Completions API behind the generic
// provider.Provider interface.
type Provider struct {
	client *openai.Client
	opts   Options
}

var _ provider.Provider = (*Provider)(nil)

// New creates an OpenAI provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Vision:              true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return NewFromClient(&client, func(o *Options) { *o = opts })
}

// NewFromClient creates an OpenAI provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Vision:              true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, req provider.Request) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return "", p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", provider.NewError(provider.KindOther, "openai", fmt.Errorf("empty response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements provider.Provider.
func (p *Provider) ChatStream(ctx context.Context, req provider.Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case <-ctx.Done():
					errCh <- p.classify(ctx.Err())
					return
				case out <- choice.Delta.Content:
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- p.classify(err)
		}
	}()
	return out, errCh
}

// SupportsVision implements provider.Provider.
func (p *Provider) SupportsVision() bool { return p.opts.Vision }

// Info implements provider.Provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{ID: "openai", Model: p.opts.Model}
}

func (p *Provider) buildParams(req provider.Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range provider.FlattenRequest(req) {
		switch msg.Role {
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               p.opts.Model,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxCompletionTokens),
	}
}

func (p *Provider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.NewError(provider.KindFromStatus(apiErr.StatusCode), "openai", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return provider.NewError(provider.KindNetwork, "openai", err)
	}
	return provider.NewError(provider.KindNetwork, "openai", err)
}
