// Package anthropic provides a provider.Provider implementation using the
// Anthropic Messages API, including streaming deltas.
package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/provider"
)

// Options configures the Anthropic provider adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	APIKey      string
	Vision      bool
}

// Provider wraps the Anthropic Messages API behind the generic
// provider.Provider interface.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

var _ provider.Provider = (*Provider)(nil)

// New creates an Anthropic provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates an Anthropic provider from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       string(anthropic.ModelClaude3_5Sonnet20241022),
		Temperature: 0.7,
		MaxTokens:   4096,
		Vision:      true,
	}
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, req provider.Request) (string, error) {
	resp, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return "", p.classify(err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text, nil
}

// ChatStream implements provider.Provider.
func (p *Provider) ChatStream(ctx context.Context, req provider.Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			delta := event.Delta.Text
			if delta == "" {
				continue
			}
			select {
			case <-ctx.Done():
				errCh <- p.classify(ctx.Err())
				return
			case out <- delta:
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
	return provider.Info{ID: "anthropic", Model: p.opts.Model}
}

func (p *Provider) buildParams(req provider.Request) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, msg := range provider.FlattenRequest(req) {
		switch msg.Role {
		case core.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.opts.Model),
		Messages:    messages,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func (p *Provider) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return provider.NewError(provider.KindFromStatus(apiErr.StatusCode), "anthropic", err)
	}
	return provider.NewError(provider.KindNetwork, "anthropic", err)
}
