package llm

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"context"
)

// AnthropicProvider implements Provider over the Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	log    zerolog.Logger
}

func NewAnthropicProvider(apiKey, model string, log zerolog.Logger) *AnthropicProvider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{client: client, model: model, log: log.With().Str("provider", "anthropic").Logger()}
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

func (a *AnthropicProvider) Complete(ctx context.Context, params CompleteParams) (<-chan Chunk, error) {
	out := make(chan Chunk, 32)
	model := params.Model
	if model == "" {
		model = a.model
	}
	maxTokens := int64(params.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 1024
	}

	messageParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  toAnthropicMessages(params.Messages),
		MaxTokens: maxTokens,
	}
	if params.Temperature > 0 {
		messageParams.Temperature = anthropic.Float(params.Temperature)
	}
	if sys := systemPrompt(params.Messages); sys != "" {
		messageParams.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	stream := a.client.Messages.NewStreaming(ctx, messageParams)

	go func() {
		defer close(out)
		var final string
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
					final += text.Text
					out <- Chunk{Type: ChunkDelta, Delta: text.Text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- Chunk{Type: ChunkError, Err: err}
			return
		}
		out <- Chunk{Type: ChunkFinal, Final: []byte(final)}
	}()

	return out, nil
}

func (a *AnthropicProvider) CountTokens(ctx context.Context, messages []Message, model string) (int, error) {
	if model == "" {
		model = a.model
	}
	resp, err := a.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(model),
		Messages: toAnthropicMessages(messages),
	})
	if err != nil {
		return 0, err
	}
	return int(resp.InputTokens), nil
}

func systemPrompt(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
