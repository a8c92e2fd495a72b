package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

// OpenAIProvider implements Provider over OpenAI's Chat Completions API.
type OpenAIProvider struct {
	client openai.Client
	model  string
	log    zerolog.Logger
}

func NewOpenAIProvider(apiKey, model string, log zerolog.Logger) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{client: client, model: model, log: log.With().Str("provider", "openai").Logger()}
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) Complete(ctx context.Context, params CompleteParams) (<-chan Chunk, error) {
	out := make(chan Chunk, 32)
	model := params.Model
	if model == "" {
		model = o.model
	}

	req := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    toOpenAIMessages(params.Messages),
		Temperature: openai.Float(params.Temperature),
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.Mode == ModeJSON {
		req.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, req)

	go func() {
		defer close(out)
		var final string
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				final += delta
				out <- Chunk{Type: ChunkDelta, Delta: delta}
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

func (o *OpenAIProvider) CountTokens(ctx context.Context, messages []Message, model string) (int, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, fmt.Errorf("llm: openai count tokens: %w", err)
		}
	}
	total := 0
	for _, m := range messages {
		total += len(enc.Encode(m.Content, nil, nil)) + 4 // role/name overhead, per OpenAI's counting guide
	}
	return total, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
